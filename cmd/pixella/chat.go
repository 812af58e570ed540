package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/pixella/internal/api"
	"github.com/kalambet/pixella/internal/app"
	"github.com/kalambet/pixella/internal/apperr"
	"github.com/kalambet/pixella/internal/chat"
	"github.com/kalambet/pixella/internal/ingest"
	"github.com/kalambet/pixella/internal/session"
)

const replHelp = `  /new [id]           start a new session
  /switch <id>        continue another session
  /sessions           list sessions
  /clear              erase the current session's history
  /stats              show session statistics
  /name [text]        show or set your display name for this session
  /persona <text>     set the persona for this session
  /import <path> [id] import a document
  /recall <query>     search the document index
  /export <file>      write every document and its chunks to a JSON file
  /models [type]      list chat or embedding models
  /help               show this list
  /exit               quit`

var chatCmd = &cobra.Command{
	Use:   "chat [session-id]",
	Short: "Start an interactive conversation in this terminal",
	Long: `Start an interactive conversation. The session is created when it does
not exist and resumed otherwise. Lines starting with / are commands:

` + replHelp,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := "default"
		if len(args) == 1 {
			id = args[0]
		}
		return withLocalApp(func(ctx context.Context, a *app.App) error {
			return runREPL(ctx, a.Service, id, os.Stdin, os.Stdout)
		})
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP over stdio without the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLocalApp(func(ctx context.Context, a *app.App) error {
			err := server.NewStdioServer(api.NewMCPServer(a.Service, version)).Listen(ctx, os.Stdin, os.Stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	},
}

// withLocalApp builds the service in-process for the duration of fn.
func withLocalApp(fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, app.Options{ReadyCheck: os.Stderr})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// runREPL reads lines from in until EOF or /exit. Errors from a single
// line are reported and the loop continues.
func runREPL(ctx context.Context, svc *chat.Service, id string, in io.Reader, out io.Writer) error {
	sum, err := svc.StartOrResumeSession(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "session %s (%d turns). /exit to quit.\n", sum.ID, sum.TurnCount)

	r := &repl{svc: svc, out: out, current: sum.ID}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		fmt.Fprint(out, colorize(colorBold, "you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		done, err := r.handle(ctx, line)
		if err != nil {
			fmt.Fprintln(out, colorize(colorRed, describeError(err)))
		}
		if done {
			return nil
		}
	}
}

type repl struct {
	svc     *chat.Service
	out     io.Writer
	current string
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		reply, err := r.svc.SendMessage(ctx, r.current, line)
		if err != nil {
			return false, err
		}
		printTurn(r.out, "pixella", reply)
		return false, nil
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "exit", "quit":
		return true, nil

	case "new":
		sum, err := r.svc.NewSession(ctx, arg, session.CreateOptions{})
		if err != nil {
			return false, err
		}
		r.current = sum.ID
		fmt.Fprintf(r.out, "started session %s\n", sum.ID)

	case "switch":
		if arg == "" {
			return false, apperr.Validation("usage: /switch <id>")
		}
		sum, err := r.svc.SwitchSession(ctx, arg)
		if err != nil {
			return false, err
		}
		r.current = sum.ID
		fmt.Fprintf(r.out, "switched to %s (%d turns)\n", sum.ID, sum.TurnCount)

	case "sessions":
		list, err := r.svc.ListSessions(ctx)
		if err != nil {
			return false, err
		}
		for _, s := range list {
			marker := " "
			if s.ID == r.current {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %s  %s  %d turns\n", marker, s.ID, s.State, s.TurnCount)
		}

	case "clear":
		if err := r.svc.ClearSession(ctx, r.current); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "history cleared")

	case "stats":
		st, err := r.svc.SessionStats(ctx, r.current)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "session %s: %s, %d turns, last active %s, %d documents (%d chunks)\n",
			st.SessionID, st.State, st.TurnCount, st.LastActive.Local().Format("2006-01-02 15:04"), st.Documents, st.Chunks)

	case "help":
		fmt.Fprintln(r.out, replHelp)

	case "name":
		if arg == "" {
			sess, err := r.svc.History(ctx, r.current)
			if err != nil {
				return false, err
			}
			if sess.DisplayName == nil || *sess.DisplayName == "" {
				fmt.Fprintln(r.out, "no display name set")
			} else {
				fmt.Fprintf(r.out, "display name: %s\n", *sess.DisplayName)
			}
			return false, nil
		}
		if err := r.svc.SetPersona(ctx, r.current, &arg, nil); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "display name set to %s\n", arg)

	case "persona":
		if err := r.svc.SetPersona(ctx, r.current, nil, &arg); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "persona updated")

	case "import":
		path, docID, _ := strings.Cut(arg, " ")
		if path == "" {
			return false, apperr.Validation("usage: /import <path> [id]")
		}
		id, n, err := r.svc.ImportFile(ctx, strings.TrimSpace(docID), path)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "indexed %s: %d chunks\n", id, n)

	case "recall":
		results, err := r.svc.Recall(ctx, arg, 0)
		if err != nil {
			return false, err
		}
		if len(results) == 0 {
			fmt.Fprintln(r.out, "no matching chunks")
		}
		for _, res := range results {
			fmt.Fprintf(r.out, "%d. %s#%d [%.3f] %s\n", res.Rank, res.DocumentID, res.Index, res.Score, truncate(res.Text, 200))
		}

	case "export":
		if arg == "" {
			return false, apperr.Validation("usage: /export <file>")
		}
		exp, err := r.svc.ExportDocuments(ctx)
		if err != nil {
			return false, err
		}
		if err := writeJSONFile(arg, exp); err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "exported %d documents (%d chunks) to %s\n", exp.Count, len(exp.Chunks), arg)

	case "models":
		cat, err := r.svc.Models(ctx, arg)
		if err != nil {
			return false, err
		}
		printModels(r.out, modelCatalog(cat), arg != "embedding", arg != "chat")

	default:
		return false, apperr.Validation("unknown command /%s, /help lists commands", cmd)
	}
	return false, nil
}

// describeError turns service errors into short messages for the terminal.
func describeError(err error) string {
	var ie *ingest.IngestionError
	switch {
	case errors.As(err, &ie):
		return fmt.Sprintf("import of %s stopped after %d of %d chunks: %v", ie.DocumentID, ie.Indexed, ie.Total, ie.Err)
	case errors.Is(err, apperr.ErrQuota):
		return "provider quota exhausted, try again later: " + err.Error()
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		return "provider unavailable: " + err.Error()
	case errors.Is(err, apperr.ErrNotFound):
		return "not found: " + err.Error()
	}
	return err.Error()
}
