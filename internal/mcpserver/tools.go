// Package mcpserver registers MCP tools that expose the local chat
// history and sync controls. It adapts the cache and scheduler to the
// MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/status"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Syncer runs a manual sync round. *scheduler.Scheduler implements it.
type Syncer interface {
	SyncNow(ctx context.Context) (status.Event, error)
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, chats ChatReader, syncer Syncer, st *status.Broadcaster) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list",
		Description: "List chats with metadata (title, tags, pinned, message count). Pinned chats come first, then most recently updated. Trashed chats are hidden unless include_trash is set.",
	}, listHandler(chats))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read",
		Description: "Read the messages of one chat in creation order with optional pagination. Offset is 0-indexed. Returns at most 100 messages unless a limit is specified.",
	}, readHandler(chats))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_search",
		Description: "Case-insensitive search across chat titles, tags and message content. Returns matching chats with context snippets.",
	}, searchHandler(chats))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report the current sync state (SYNCED, SYNCING or ERROR) and whether the sync token needs replacing.",
	}, statusHandler(st))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a sync round with the server immediately and report the outcome.",
	}, syncHandler(syncer))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput holds parameters for chat_list.
type ListInput struct {
	IncludeTrash bool   `json:"include_trash,omitempty" jsonschema:"include trashed chats"`
	Tag          string `json:"tag,omitempty" jsonschema:"only list chats carrying this tag"`
}

// ReadInput holds parameters for chat_read.
type ReadInput struct {
	ChatID string `json:"chat_id" jsonschema:"required,id of the chat to read"`
	Offset int    `json:"offset,omitempty" jsonschema:"index of the first message (0-indexed), defaults to 0"`
	Limit  int    `json:"limit,omitempty" jsonschema:"number of messages to return, defaults to 100"`
}

// SearchInput holds parameters for chat_search.
type SearchInput struct {
	Query      string `json:"query" jsonschema:"required,search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, defaults to 20"`
}

// StatusInput has no parameters.
type StatusInput struct{}

// StatusResult is the response for sync_status and sync_now.
type StatusResult struct {
	State        string `json:"state"`
	Error        string `json:"error,omitempty"`
	AuthRequired bool   `json:"auth_required,omitempty"`
	At           string `json:"at,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
}

func statusResult(ev status.Event) *StatusResult {
	res := &StatusResult{
		State:        string(ev.State),
		Error:        ev.Error,
		AuthRequired: ev.AuthRequired,
	}

	if !ev.At.IsZero() {
		res.At = formatTime(ev.At)
	}

	return res
}

// --- Handlers ---

func listHandler(chats ChatReader) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		result, err := listChats(chats, input.IncludeTrash, input.Tag)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func readHandler(chats ChatReader) mcp.ToolHandlerFor[ReadInput, *ReadResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReadInput) (*mcp.CallToolResult, *ReadResult, error) {
		result, err := readChat(chats, input.ChatID, input.Offset, input.Limit)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func searchHandler(chats ChatReader) mcp.ToolHandlerFor[SearchInput, *SearchResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, *SearchResult, error) {
		result, err := searchChats(chats, input.Query, input.MaxResults)
		if err != nil {
			return nil, nil, err
		}
		return textResult(result), result, nil
	}
}

func statusHandler(st *status.Broadcaster) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := statusResult(st.Current())
		return textResult(result), result, nil
	}
}

func syncHandler(syncer Syncer) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		ev, err := syncer.SyncNow(ctx)
		result := statusResult(ev)

		// A round already in flight is not a failure; report its state.
		if errors.Is(err, apperrors.ErrSyncInProgress) {
			result.Skipped = true
		}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
