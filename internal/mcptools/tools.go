// Package mcptools exposes goal sessions to the assistant as MCP tools so it
// can check loop progress or end the loop from inside a conversation.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kingrea/goal-loop/internal/session"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Store is the slice of the session store the tools use.
type Store interface {
	List() ([]*session.Session, error)
	Resolve(ref string) (*session.Session, error)
	Detail(sess *session.Session, tail int) session.Detail
	Cancel(ref, reason string) (*session.Session, error)
}

// Tools binds MCP tool handlers to a session store.
type Tools struct {
	store Store
	tail  int
}

// New creates the tool set. tail bounds history lines returned.
func New(store Store, tail int) *Tools {
	if tail <= 0 {
		tail = 20
	}
	return &Tools{store: store, tail: tail}
}

// NewServer creates the MCP server with every goalloop tool registered.
func NewServer(tools *Tools) *server.MCPServer {
	s := server.NewMCPServer(
		"goalloop",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Inspect or end the goal iteration loop driving this conversation."),
	)
	s.AddTool(tools.StatusDefinition(), tools.HandleStatus)
	s.AddTool(tools.ListDefinition(), tools.HandleList)
	s.AddTool(tools.HistoryDefinition(), tools.HandleHistory)
	s.AddTool(tools.CancelDefinition(), tools.HandleCancel)
	return s
}

// StatusDefinition describes goalloop_status.
func (t *Tools) StatusDefinition() mcp.Tool {
	return mcp.NewTool("goalloop_status",
		mcp.WithDescription("Show the state of a goal session: status, iteration, max iterations and completion promise. Defaults to the active session."),
		mcp.WithString("session", mcp.Description("Session id, id prefix or name. Empty means the active session.")),
	)
}

// HandleStatus returns the session summary as JSON.
func (t *Tools) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, result := t.resolve(req)
	if result != nil {
		return result, nil
	}
	return jsonResult(sess.Summary())
}

// ListDefinition describes goalloop_list.
func (t *Tools) ListDefinition() mcp.Tool {
	return mcp.NewTool("goalloop_list",
		mcp.WithDescription("List goal sessions, newest first."),
	)
}

// HandleList returns all session summaries.
func (t *Tools) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := t.store.List()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list sessions: %v", err)), nil
	}
	summaries := make([]session.Summary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summary())
	}
	return jsonResult(summaries)
}

// HistoryDefinition describes goalloop_history.
func (t *Tools) HistoryDefinition() mcp.Tool {
	return mcp.NewTool("goalloop_history",
		mcp.WithDescription("Show the prompt and recent history entries of a goal session."),
		mcp.WithString("session", mcp.Description("Session id, id prefix or name. Empty means the active session.")),
		mcp.WithNumber("lines", mcp.Description("Maximum history lines to return.")),
	)
}

// HandleHistory returns the session detail view.
func (t *Tools) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, result := t.resolve(req)
	if result != nil {
		return result, nil
	}
	lines := req.GetInt("lines", t.tail)
	if lines <= 0 {
		lines = t.tail
	}
	return jsonResult(t.store.Detail(sess, lines))
}

// CancelDefinition describes goalloop_cancel.
func (t *Tools) CancelDefinition() mcp.Tool {
	return mcp.NewTool("goalloop_cancel",
		mcp.WithDescription("Cancel a goal session so the stop hook lets the conversation end. Defaults to the active session."),
		mcp.WithString("session", mcp.Description("Session id, id prefix or name. Empty means the active session.")),
		mcp.WithString("reason", mcp.Description("Why the loop is being cancelled.")),
	)
}

// HandleCancel cancels the referenced session.
func (t *Tools) HandleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reason := req.GetString("reason", "")
	if reason == "" {
		reason = "cancelled from MCP tool"
	}
	sess, err := t.store.Cancel(req.GetString("session", ""), reason)
	if err != nil {
		return mcp.NewToolResultError(describe(err)), nil
	}
	return jsonResult(sess.Summary())
}

func (t *Tools) resolve(req mcp.CallToolRequest) (*session.Session, *mcp.CallToolResult) {
	sess, err := t.store.Resolve(req.GetString("session", ""))
	if err != nil {
		return nil, mcp.NewToolResultError(describe(err))
	}
	return sess, nil
}

func describe(err error) string {
	switch {
	case errors.Is(err, session.ErrNoActiveSession):
		return "no active goal session"
	case errors.Is(err, session.ErrInvalidTransition):
		return "session cannot be changed: " + err.Error()
	default:
		return err.Error()
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcptools: encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
