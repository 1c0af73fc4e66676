package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/dejavu/internal/pipeline"
	"github.com/kalambet/dejavu/internal/storage"
)

// PoolLister lists the newest pool entries.
type PoolLister interface {
	ListGlobalDecoys(ctx context.Context, limit, offset int) ([]storage.GlobalDecoy, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline QueryService
	Pool     PoolSearcher // optional; if nil, search_pool returns an error
	Lister   PoolLister
	Owner    string // identity used for tool calls that do not name one
}

// NewMCPServer creates an MCP server with the dejavu tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"dejavu",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("dejavu answers personal questions and, when someone has been through something similar, shares an anonymized account of it."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Ask a question. Personal experiences may come back with an anonymized similar story from someone else."),
			mcp.WithString("text", mcp.Description("The message"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Optional session identifier")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("feedback",
			mcp.WithDescription("Say whether an answer helped. Helpful answers let their anonymized variants join the shared pool."),
			mcp.WithString("conversation_id", mcp.Description("Conversation ID returned by ask"), mcp.Required()),
			mcp.WithBoolean("helpful", mcp.Description("Whether the answer helped"), mcp.Required()),
		),
		mcpFeedback(deps),
	)

	s.AddTool(
		mcp.NewTool("search_pool",
			mcp.WithDescription("Search the anonymized shared pool of experiences."),
			mcp.WithString("query", mcp.Description("Search text"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchPool(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pool://recent",
			"Recent Pool Entries",
			mcp.WithResourceDescription("Ten newest anonymized pool entries (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		reply, err := deps.Pipeline.SubmitQuery(ctx, pipeline.Query{
			Text:      text,
			SessionID: req.GetString("session_id", ""),
			OwnerID:   deps.Owner,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			return mcpError(toolFailure("ask", err)), nil
		}
		return mcpJSON(reply)
	}
}

func mcpFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("conversation_id")
		if err != nil {
			return mcpError("conversation_id is required"), nil
		}
		helpful, err := req.RequireBool("helpful")
		if err != nil {
			return mcpError("helpful is required"), nil
		}

		ack, err := deps.Pipeline.SubmitFeedback(ctx, id, deps.Owner, helpful)
		if err != nil {
			return mcpError(toolFailure("feedback", err)), nil
		}
		return mcpJSON(ack)
	}
}

func mcpSearchPool(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Pool == nil {
			return mcpError("pool search not available: no embedding model configured"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		hits, err := deps.Pool.Search(ctx, query, limit)
		if err != nil {
			return mcpError(toolFailure("search", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(hits)
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		decoys, err := deps.Lister.ListGlobalDecoys(ctx, 10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list pool: %w", err)
		}

		type entry struct {
			ID        string   `json:"id"`
			Summary   string   `json:"summary"`
			Topics    []string `json:"topics"`
			CreatedAt string   `json:"created_at"`
		}

		entries := make([]entry, len(decoys))
		for i, d := range decoys {
			entries[i] = entry{
				ID:        d.ID,
				Summary:   d.Summary,
				Topics:    d.Topics,
				CreatedAt: d.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pool entries: %w", err)
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

// toolFailure renders an error for a tool result, flagging the ones a client
// can simply retry.
func toolFailure(op string, err error) string {
	switch {
	case errors.Is(err, pipeline.ErrPolicyViolation):
		return op + " failed: the provider declined to answer this message"
	case pipeline.Retryable(err):
		return fmt.Sprintf("%s failed (retryable): %v", op, err)
	default:
		return fmt.Sprintf("%s failed: %v", op, err)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
