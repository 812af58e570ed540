package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/pixella/internal/config"
)

type sessionSummary struct {
	ID          string    `json:"id"`
	DisplayName *string   `json:"display_name"`
	Persona     *string   `json:"persona"`
	State       string    `json:"state"`
	TurnCount   int       `json:"turn_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type sessionStats struct {
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	TurnCount  int       `json:"turn_count"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
	Documents  int       `json:"documents"`
	Chunks     int       `json:"chunks"`
}

type recallResult struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
	Rank       int     `json:"rank"`
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeJSONFile writes v to path as indented JSON.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func printStats(st sessionStats) {
	printStatus("Session", "%s", st.SessionID)
	printStatus("State", "%s", st.State)
	printStatus("Turns", "%d", st.TurnCount)
	printStatus("Created", "%s", st.CreatedAt.Local().Format(time.RFC1123))
	printStatus("Last active", "%s", st.LastActive.Local().Format(time.RFC1123))
	printStatus("Documents", "%d (%d chunks)", st.Documents, st.Chunks)
}

func printRecall(results []recallResult) {
	if len(results) == 0 {
		fmt.Println("No results found.")
		return
	}
	for _, r := range results {
		fmt.Printf("\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("%d. %s#%d", r.Rank, r.DocumentID, r.ChunkIndex)), r.Score)
		fmt.Printf("  %s\n", truncate(r.Text, 500))
	}
}

// --- send ---

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send one message to a session on the running server",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("session")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		resp, err := client.post(ctx, "/v1/sessions", map[string]any{"id": id, "resume": true})
		if err != nil {
			return err
		}
		var sum sessionSummary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}

		resp, err = client.post(ctx, sessionPath(sum.ID, "messages"), map[string]string{"content": strings.Join(args, " ")})
		if err != nil {
			return err
		}
		var out struct {
			Reply string `json:"reply"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		fmt.Println(out.Reply)
		return nil
	},
}

func init() {
	sendCmd.Flags().String("session", "default", "session id")
}

// --- session ---

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage conversation sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/sessions?limit=%d", limit))
		if err != nil {
			return err
		}
		var list []sessionSummary
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, s := range list {
			fmt.Printf("%s  %-8s %4d turns  %s\n",
				colorize(colorCyan, s.ID),
				s.State,
				s.TurnCount,
				s.UpdatedAt.Local().Format(time.DateTime),
			)
		}
		return nil
	},
}

var sessionNewCmd = &cobra.Command{
	Use:   "new [id]",
	Short: "Create a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if len(args) == 1 {
			body["id"] = args[0]
		}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			body["display_name"] = name
		}
		if cmd.Flags().Changed("persona") {
			persona, _ := cmd.Flags().GetString("persona")
			body["persona"] = persona
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/sessions", body)
		if err != nil {
			return err
		}
		var sum sessionSummary
		if err := decodeJSON(resp, &sum); err != nil {
			return err
		}
		printSuccess("Created session %s", sum.ID)
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session with its full history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), sessionPath(args[0]))
		if err != nil {
			return err
		}
		var sess struct {
			ID    string `json:"id"`
			Turns []struct {
				Seq     int    `json:"seq"`
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"turns"`
		}
		if err := decodeJSON(resp, &sess); err != nil {
			return err
		}
		if asJSON {
			return printJSON(sess)
		}
		for _, t := range sess.Turns {
			printTurn(os.Stdout, fmt.Sprintf("%d %s", t.Seq, t.Role), t.Content)
		}
		return nil
	},
}

var sessionStatsCmd = &cobra.Command{
	Use:   "stats <id>",
	Short: "Show session statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), sessionPath(args[0], "stats"))
		if err != nil {
			return err
		}
		var st sessionStats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStats(st)
		return nil
	},
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id>",
	Short: "Erase a session's history, keeping the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleAction(cmd, "POST", sessionPath(args[0], "clear"), nil, "Cleared session %s", args[0])
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleAction(cmd, "DELETE", sessionPath(args[0]), nil, "Deleted session %s", args[0])
	},
}

var sessionRenameCmd = &cobra.Command{
	Use:   "rename <id> <new-id>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleAction(cmd, "POST", sessionPath(args[0], "rename"), map[string]string{"new_id": args[1]},
			"Renamed session %s to %s", args[0], args[1])
	},
}

var sessionPersonaCmd = &cobra.Command{
	Use:   "persona <id>",
	Short: "Set a session's display name or persona",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			body["display_name"] = name
		}
		if cmd.Flags().Changed("persona") {
			persona, _ := cmd.Flags().GetString("persona")
			body["persona"] = persona
		}
		if len(body) == 0 {
			return fmt.Errorf("one of --name or --persona is required")
		}
		return simpleAction(cmd, "PATCH", sessionPath(args[0]), body, "Updated session %s", args[0])
	},
}

var sessionDeleteAllCmd = &cobra.Command{
	Use:   "delete-all",
	Short: "Delete every session",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL sessions and their history. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/sessions?confirm=true")
		if err != nil {
			return err
		}
		var out struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Deleted %d sessions", out.Deleted)
		return nil
	},
}

func simpleAction(cmd *cobra.Command, method, path string, body any, format string, args ...any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.do(cmd.Context(), method, path, body)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess(format, args...)
	return nil
}

func init() {
	sessionListCmd.Flags().Int("limit", 0, "maximum number of sessions (0 for all)")
	sessionNewCmd.Flags().String("name", "", "display name used in the system prompt")
	sessionNewCmd.Flags().String("persona", "", "persona description used in the system prompt")
	sessionShowCmd.Flags().Bool("json", false, "print as JSON")
	sessionPersonaCmd.Flags().String("name", "", "display name (empty clears it)")
	sessionPersonaCmd.Flags().String("persona", "", "persona description (empty clears it)")
	sessionDeleteAllCmd.Flags().Bool("confirm", false, "confirm deleting every session")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionStatsCmd)
	sessionCmd.AddCommand(sessionClearCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionDeleteAllCmd)
	sessionCmd.AddCommand(sessionRenameCmd)
	sessionCmd.AddCommand(sessionPersonaCmd)
}

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a document into the index",
	Long: `Import a document into the index. Re-importing an id replaces it.

Examples:
  pixella import --id notes --text "Paris is the capital of France."
  pixella import --file ./handbook.pdf
  pixella import --url https://example.com/article --id article`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		text, _ := cmd.Flags().GetString("text")
		rawURL, _ := cmd.Flags().GetString("url")
		file, _ := cmd.Flags().GetString("file")

		req, err := buildImportRequest(id, text, rawURL, file)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/documents", req)
		if err != nil {
			return err
		}
		var result struct {
			ID      string `json:"id"`
			Indexed int    `json:"indexed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Indexed %s: %d chunks", result.ID, result.Indexed)
		return nil
	},
}

func buildImportRequest(id, text, rawURL, file string) (map[string]any, error) {
	req := map[string]any{}
	if id != "" {
		req["id"] = id
	}
	switch {
	case text != "":
		if id == "" {
			return nil, fmt.Errorf("--id is required with --text")
		}
		req["type"] = "text"
		req["content"] = text
	case rawURL != "":
		if _, err := url.ParseRequestURI(rawURL); err != nil {
			return nil, fmt.Errorf("invalid url: %w", err)
		}
		req["type"] = "url"
		req["url"] = rawURL
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		req["type"] = "file"
		req["filename"] = filepath.Base(file)
		req["content"] = base64.StdEncoding.EncodeToString(data)
	default:
		return nil, fmt.Errorf("one of --text, --url, or --file is required")
	}
	return req, nil
}

func init() {
	importCmd.Flags().String("id", "", "document id (defaults to the file name or URL)")
	importCmd.Flags().String("text", "", "text content to import")
	importCmd.Flags().String("url", "", "URL to fetch and import")
	importCmd.Flags().String("file", "", "text, Markdown, HTML or PDF file to import")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search the document index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/recall", map[string]any{
			"query": strings.Join(args, " "),
			"top_k": limit,
		})
		if err != nil {
			return err
		}
		var results []recallResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}
		printRecall(results)
		return nil
	},
}

func init() {
	recallCmd.Flags().Int("limit", 5, "maximum number of results")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage indexed documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List indexed documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/documents")
		if err != nil {
			return err
		}
		var docs []struct {
			ID         string    `json:"id"`
			Chunks     int       `json:"chunks"`
			IngestedAt time.Time `json:"ingested_at"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}
		if len(docs) == 0 {
			fmt.Println("No documents.")
			return nil
		}
		for _, d := range docs {
			fmt.Printf("%s  %4d chunks  %s\n", colorize(colorCyan, d.ID), d.Chunks, d.IngestedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a document from the index",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return simpleAction(cmd, "DELETE", "/v1/documents/"+url.PathEscape(args[0]), nil, "Deleted document %s", args[0])
	},
}

var docsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every document from the index",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL indexed documents. Use --confirm to proceed.")
			return nil
		}
		return simpleAction(cmd, "DELETE", "/v1/documents", nil, "Document index cleared")
	},
}

var docsExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write every document and its chunks to a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/documents/export")
		if err != nil {
			return err
		}
		var raw json.RawMessage
		if err := decodeJSON(resp, &raw); err != nil {
			return err
		}
		var head struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("decoding export: %w", err)
		}
		if err := writeJSONFile(args[0], raw); err != nil {
			return err
		}
		printSuccess("Exported %d documents to %s", head.Count, args[0])
		return nil
	},
}

func init() {
	docsClearCmd.Flags().Bool("confirm", false, "confirm clearing the index")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsExportCmd)
	docsCmd.AddCommand(docsDeleteCmd)
	docsCmd.AddCommand(docsClearCmd)
}

// --- models ---

type modelCatalog struct {
	Provider   string   `json:"provider"`
	ChatModel  string   `json:"chat_model"`
	EmbedModel string   `json:"embedding_model"`
	Chat       []string `json:"chat"`
	Embedding  []string `json:"embedding"`
}

var modelsCmd = &cobra.Command{
	Use:       "models [chat|embedding]",
	Short:     "List the models the configured providers offer",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"chat", "embedding"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/v1/models"
		if len(args) == 1 {
			path += "?type=" + url.QueryEscape(args[0])
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var cat modelCatalog
		if err := decodeJSON(resp, &cat); err != nil {
			return err
		}
		printModels(os.Stdout, cat, len(args) == 0 || args[0] == "chat", len(args) == 0 || args[0] == "embedding")
		return nil
	},
}

func printModels(w io.Writer, cat modelCatalog, chat, embedding bool) {
	list := func(title, current string, names []string) {
		fmt.Fprintf(w, "%s (%s):\n", colorize(colorBold, title), current)
		if len(names) == 0 {
			fmt.Fprintln(w, "  none reported")
		}
		for _, n := range names {
			marker := " "
			if n == current {
				marker = "*"
			}
			fmt.Fprintf(w, "%s %s\n", marker, n)
		}
	}
	if chat {
		list("Chat models via "+cat.Provider, cat.ChatModel, cat.Chat)
	}
	if embedding {
		list("Embedding models", cat.EmbedModel, cat.Embedding)
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n", config.ConfigFilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorDim, k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
