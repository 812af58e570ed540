package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/pixella/internal/chat"
	"github.com/kalambet/pixella/internal/ingest"
)

const (
	defaultRecallLimit = 5
	maxRecallLimit     = 50
)

// NewMCPServer exposes the conversation operations as MCP tools and the
// session and document lists as resources.
func NewMCPServer(svc *chat.Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"pixella",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pixella keeps conversation sessions and a searchable document index. Replies are grounded in both."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Start a conversation session, or resume it if the id already exists."),
			mcp.WithString("session_id", mcp.Description("Session id; omit to generate one")),
		),
		mcpStartSession(svc),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a user message to a session and return the assistant's reply."),
			mcp.WithString("session_id", mcp.Description("Session id; omit to use the current session")),
			mcp.WithString("content", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(svc),
	)

	s.AddTool(
		mcp.NewTool("import_document",
			mcp.WithDescription("Chunk, embed and index a document, replacing any earlier version with the same id."),
			mcp.WithString("document_id", mcp.Description("Document id"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Document text"), mcp.Required()),
		),
		mcpImportDocument(svc),
	)

	s.AddTool(
		mcp.NewTool("recall",
			mcp.WithDescription("Search the document index and return the most similar chunks."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecall(svc),
	)

	s.AddTool(
		mcp.NewTool("clear_session",
			mcp.WithDescription("Erase a session's history while keeping the session."),
			mcp.WithString("session_id", mcp.Description("Session id; omit to use the current session")),
		),
		mcpClearSession(svc),
	)

	s.AddTool(
		mcp.NewTool("session_stats",
			mcp.WithDescription("Report turn count, activity times and index totals for a session."),
			mcp.WithString("session_id", mcp.Description("Session id; omit to use the current session")),
		),
		mcpSessionStats(svc),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List sessions, most recently active first."),
		),
		mcpListSessions(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"pixella://sessions",
			"Sessions",
			mcp.WithResourceDescription("All sessions as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func(ctx context.Context) (any, error) { return svc.ListSessions(ctx) }),
	)

	s.AddResource(
		mcp.NewResource(
			"pixella://documents",
			"Documents",
			mcp.WithResourceDescription("Indexed documents with chunk counts as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceJSON(func(ctx context.Context) (any, error) { return svc.ListDocuments(ctx) }),
	)

	return s
}

func mcpStartSession(svc *chat.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sum, err := svc.StartOrResumeSession(ctx, req.GetString("session_id", ""))
		if err != nil {
			return mcpFailure("start session", err), nil
		}
		return mcpJSON(sum)
	}
}

func mcpSendMessage(svc *chat.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		reply, err := svc.SendMessage(ctx, req.GetString("session_id", ""), content)
		if err != nil {
			return mcpFailure("send message", err), nil
		}
		return mcpText(reply), nil
	}
}

func mcpImportDocument(svc *chat.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("document_id")
		if err != nil {
			return mcpError("document_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		n, err := svc.ImportDocument(ctx, id, content)
		if err != nil {
			var ie *ingest.IngestionError
			if errors.As(err, &ie) {
				return mcpError(fmt.Sprintf("import stopped after %d of %d chunks: %v", ie.Indexed, ie.Total, ie.Err)), nil
			}
			return mcpFailure("import", err), nil
		}
		return mcpText(fmt.Sprintf("Indexed %s: %d chunks", id, n)), nil
	}
}

func mcpRecall(svc *chat.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultRecallLimit)
		if limit <= 0 {
			limit = defaultRecallLimit
		}
		if limit > maxRecallLimit {
			limit = maxRecallLimit
		}

		results, err := svc.Recall(ctx, query, limit)
		if err != nil {
			return mcpFailure("recall", err), nil
		}
		if len(results) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(results)
	}
}

func mcpClearSession(svc *chat.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetString("session_id", "")
		if err := svc.ClearSession(ctx, id); err != nil {
			return mcpFailure("clear session", err), nil
		}
		return mcpText("Session cleared"), nil
	}
}

func mcpSessionStats(svc *chat.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := svc.SessionStats(ctx, req.GetString("session_id", ""))
		if err != nil {
			return mcpFailure("session stats", err), nil
		}
		return mcpJSON(st)
	}
}

func mcpListSessions(svc *chat.Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		list, err := svc.ListSessions(ctx)
		if err != nil {
			return mcpFailure("list sessions", err), nil
		}
		if len(list) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(list)
	}
}

func mcpResourceJSON(load func(ctx context.Context) (any, error)) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", req.Params.URI, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s: %w", req.Params.URI, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

// mcpFailure reports err with its classification so clients can tell a
// missing session from a provider outage.
func mcpFailure(op string, err error) *mcp.CallToolResult {
	_, kind := classify(err)
	return mcpError(fmt.Sprintf("%s failed (%s): %v", op, kind, err))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
