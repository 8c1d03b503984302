package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/status"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type stubSyncer struct {
	calls int
	ev    status.Event
	err   error
}

func (s *stubSyncer) SyncNow(context.Context) (status.Event, error) {
	s.calls++
	return s.ev, s.err
}

func seedCache(t *testing.T) *cache.Cache {
	t.Helper()

	c, err := cache.LoadAt(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	chats := []cache.ChatRecord{
		{ID: "go", Title: "Goroutine leaks", CreatedAt: t0, UpdatedAt: t0.Add(3 * time.Minute), Tags: []string{"go", "debugging"}},
		{ID: "coffee", Title: "Cold brew ratios", CreatedAt: t0, UpdatedAt: t0.Add(2 * time.Minute), Tags: []string{"coffee"}, IsPinned: true},
		{ID: "old", Title: "Trashed idea", CreatedAt: t0, UpdatedAt: t0.Add(5 * time.Minute), InTrash: true},
		{ID: "tax", Title: "Tax questions", CreatedAt: t0, UpdatedAt: t0.Add(time.Minute), Notes: "file by april"},
	}
	for _, rec := range chats {
		require.NoError(t, c.PutChat(rec))
	}

	msgs := []cache.MessageRecord{
		{ID: "g1", ChatID: "go", Role: "user", Content: "Why does my worker leak?", CreatedAt: t0},
		{ID: "g2", ChatID: "go", Role: "assistant", Content: "The channel is never closed.\nClose it when the producer is done.", CreatedAt: t0.Add(time.Second), Model: "m1"},
		{ID: "c1", ChatID: "coffee", Role: "user", Content: "How long to steep?", CreatedAt: t0},
		{ID: "c2", ChatID: "coffee", Role: "assistant", Content: "Steep for 12 hours.", CreatedAt: t0.Add(time.Second)},
		{ID: "t1", ChatID: "tax", Role: "assistant", Content: "still writing about channels", Loading: true, CreatedAt: t0},
	}
	for _, m := range msgs {
		require.NoError(t, c.PutMessage(m))
	}

	return c
}

// testSetup registers tools on an MCP server backed by a seeded cache
// and returns a connected client session for calling tools.
func testSetup(t *testing.T, syncer *stubSyncer) (*mcp.ClientSession, *status.Broadcaster) {
	t.Helper()

	st := status.NewBroadcaster()

	server := mcp.NewServer(
		&mcp.Implementation{Name: "chatsync-test", Version: "test"},
		nil,
	)
	RegisterTools(server, seedCache(t), syncer, st)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, st
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// --- chat_list ---

func TestList_PinnedFirstThenRecent(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_list", nil)
	assert.False(t, result.IsError)

	var list ListResult
	extractJSON(t, result, &list)
	require.Equal(t, 3, list.Total)

	ids := []string{list.Chats[0].ID, list.Chats[1].ID, list.Chats[2].ID}
	assert.Equal(t, []string{"coffee", "go", "tax"}, ids)
	assert.Equal(t, 2, list.Chats[0].Messages)
}

func TestList_IncludeTrash(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_list", map[string]any{"include_trash": true})

	var list ListResult
	extractJSON(t, result, &list)
	assert.Equal(t, 4, list.Total)
}

func TestList_FilterByTag(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_list", map[string]any{"tag": "GO"})

	var list ListResult
	extractJSON(t, result, &list)
	require.Equal(t, 1, list.Total)
	assert.Equal(t, "go", list.Chats[0].ID)
}

// --- chat_read ---

func TestRead_FullChat(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_read", map[string]any{"chat_id": "go"})
	assert.False(t, result.IsError)

	var read ReadResult
	extractJSON(t, result, &read)
	assert.Equal(t, "Goroutine leaks", read.Chat.Title)
	assert.Equal(t, 2, read.Total)
	assert.False(t, read.Truncated)
	require.Len(t, read.Messages, 2)
	assert.Equal(t, "user", read.Messages[0].Role)
	assert.Equal(t, "m1", read.Messages[1].Model)
}

func TestRead_Pagination(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_read", map[string]any{"chat_id": "go", "offset": 1, "limit": 1})

	var read ReadResult
	extractJSON(t, result, &read)
	assert.Equal(t, 1, read.Offset)
	require.Len(t, read.Messages, 1)
	assert.Equal(t, "g2", read.Messages[0].ID)
	assert.False(t, read.Truncated)

	result = callTool(t, session, "chat_read", map[string]any{"chat_id": "go", "limit": 1})
	extractJSON(t, result, &read)
	assert.True(t, read.Truncated)
}

func TestRead_ShowsLoadingAndNotes(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_read", map[string]any{"chat_id": "tax"})

	var read ReadResult
	extractJSON(t, result, &read)
	assert.Equal(t, "file by april", read.Notes)
	require.Len(t, read.Messages, 1)
	assert.True(t, read.Messages[0].Loading)
}

func TestRead_MissingChat(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_read", map[string]any{"chat_id": "nope"})
	// Errors from ToolHandlerFor are returned as tool errors (IsError=true),
	// not protocol errors.
	assert.True(t, result.IsError)
}

func TestRead_OffsetPastEnd(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_read", map[string]any{"chat_id": "go", "offset": 5})
	assert.True(t, result.IsError)
}

// --- chat_search ---

func TestSearch_TitleTagAndContent(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})

	result := callTool(t, session, "chat_search", map[string]any{"query": "cold"})
	var res SearchResult
	extractJSON(t, result, &res)
	require.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, "title", res.Results[0].MatchType)

	result = callTool(t, session, "chat_search", map[string]any{"query": "debug"})
	extractJSON(t, result, &res)
	require.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, "tag", res.Results[0].MatchType)
	assert.Equal(t, "go", res.Results[0].ChatID)

	result = callTool(t, session, "chat_search", map[string]any{"query": "PRODUCER"})
	extractJSON(t, result, &res)
	require.Equal(t, 1, res.TotalMatches)
	assert.Equal(t, "content", res.Results[0].MatchType)
	assert.Equal(t, "g2", res.Results[0].MessageID)
	assert.Equal(t, "Close it when the **producer** is done.", res.Results[0].Snippet)
}

func TestSearch_SkipsLoadingMessages(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_search", map[string]any{"query": "channels"})

	var res SearchResult
	extractJSON(t, result, &res)
	assert.Equal(t, 0, res.TotalMatches)
}

func TestSearch_MaxResults(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_search", map[string]any{"query": "e", "max_results": 2})

	var res SearchResult
	extractJSON(t, result, &res)
	assert.Equal(t, 2, res.TotalMatches)
}

func TestSearch_EmptyQuery(t *testing.T) {
	session, _ := testSetup(t, &stubSyncer{})
	result := callTool(t, session, "chat_search", map[string]any{"query": "  "})
	assert.True(t, result.IsError)
}

func TestBuildSnippet_TruncatesLongLines(t *testing.T) {
	line := strings.Repeat("a", 60) + " match " + strings.Repeat("b", 60)
	got := buildSnippet(line, 61, 5)
	assert.True(t, len(got) < len(line)+4)
	assert.Contains(t, got, "**match**")
	assert.Equal(t, "...", got[:3])
	assert.Equal(t, "...", got[len(got)-3:])
}

func TestBuildSnippet_KeepsMultiByteRunesWhole(t *testing.T) {
	// Both window edges land inside a two-byte rune.
	line := strings.Repeat("é", 40) + " match " + strings.Repeat("é", 40)
	got := buildSnippet(line, 81, 5)
	assert.True(t, utf8.ValidString(got))
	assert.Contains(t, got, "**match**")
	assert.True(t, strings.HasPrefix(got, "...é"))
	assert.True(t, strings.HasSuffix(got, "é..."))
}

// --- sync tools ---

func TestSyncStatus_ReportsCurrent(t *testing.T) {
	session, st := testSetup(t, &stubSyncer{})
	st.Publish(status.Event{State: status.StateError, Error: "expired", AuthRequired: true})

	result := callTool(t, session, "sync_status", nil)
	var res StatusResult
	extractJSON(t, result, &res)
	assert.Equal(t, "ERROR", res.State)
	assert.True(t, res.AuthRequired)
	assert.NotEmpty(t, res.At)
}

func TestSyncNow_RunsRound(t *testing.T) {
	syncer := &stubSyncer{ev: status.Event{State: status.StateSynced}}
	session, _ := testSetup(t, syncer)

	result := callTool(t, session, "sync_now", nil)
	assert.False(t, result.IsError)

	var res StatusResult
	extractJSON(t, result, &res)
	assert.Equal(t, "SYNCED", res.State)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, syncer.calls)
}

func TestSyncNow_InProgressIsSkipped(t *testing.T) {
	syncer := &stubSyncer{ev: status.Event{State: status.StateSyncing}, err: apperrors.ErrSyncInProgress}
	session, _ := testSetup(t, syncer)

	result := callTool(t, session, "sync_now", nil)
	assert.False(t, result.IsError)

	var res StatusResult
	extractJSON(t, result, &res)
	assert.Equal(t, "SYNCING", res.State)
	assert.True(t, res.Skipped)
}
