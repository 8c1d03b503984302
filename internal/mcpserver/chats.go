package mcpserver

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	defaultReadLimit  = 100
	defaultMaxResults = 20
	snippetContext    = 50
)

// ChatReader is the read side of the local cache.
type ChatReader interface {
	AllChats() ([]cache.ChatRecord, error)
	GetChat(id string) (*cache.ChatRecord, error)
	MessagesForChat(chatID string) ([]cache.MessageRecord, error)
	AllMessages() ([]cache.MessageRecord, error)
}

// ChatSummary describes a chat without its messages.
type ChatSummary struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	UpdatedAt string   `json:"updated_at"`
	Tags      []string `json:"tags"`
	Pinned    bool     `json:"pinned"`
	InTrash   bool     `json:"in_trash"`
	Messages  int      `json:"messages"`
}

// ListResult is the response for chat_list.
type ListResult struct {
	Total int           `json:"total"`
	Chats []ChatSummary `json:"chats"`
}

// MessageView is a message as returned by chat_read.
type MessageView struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
	Model     string `json:"model,omitempty"`
	Loading   bool   `json:"loading,omitempty"`
}

// ReadResult is the response for chat_read.
type ReadResult struct {
	Chat      ChatSummary   `json:"chat"`
	Notes     string        `json:"notes,omitempty"`
	Offset    int           `json:"offset"`
	Total     int           `json:"total"`
	Truncated bool          `json:"truncated"`
	Messages  []MessageView `json:"messages"`
}

// SearchMatch is a single search hit.
type SearchMatch struct {
	ChatID    string `json:"chat_id"`
	Title     string `json:"title"`
	MatchType string `json:"match_type"`
	MessageID string `json:"message_id,omitempty"`
	Snippet   string `json:"snippet"`
}

// SearchResult is the response for chat_search.
type SearchResult struct {
	Query        string        `json:"query"`
	TotalMatches int           `json:"total_matches"`
	Results      []SearchMatch `json:"results"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func summarize(rec cache.ChatRecord, messages int) ChatSummary {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}

	return ChatSummary{
		ID:        rec.ID,
		Title:     rec.Title,
		UpdatedAt: formatTime(rec.UpdatedAt),
		Tags:      tags,
		Pinned:    rec.IsPinned,
		InTrash:   rec.InTrash,
		Messages:  messages,
	}
}

// listChats returns pinned chats first, then the rest by recency.
// Trashed chats are left out unless includeTrash is set.
func listChats(r ChatReader, includeTrash bool, tag string) (*ListResult, error) {
	chats, err := r.AllChats()
	if err != nil {
		return nil, err
	}

	msgs, err := r.AllMessages()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(chats))
	for _, m := range msgs {
		counts[m.ChatID]++
	}

	tag = strings.TrimSpace(tag)

	sort.SliceStable(chats, func(i, j int) bool {
		if chats[i].IsPinned != chats[j].IsPinned {
			return chats[i].IsPinned
		}

		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}

		return chats[i].ID < chats[j].ID
	})

	out := make([]ChatSummary, 0, len(chats))

	for _, c := range chats {
		if c.InTrash && !includeTrash {
			continue
		}

		if tag != "" && !hasTag(c.Tags, tag) {
			continue
		}

		out = append(out, summarize(c, counts[c.ID]))
	}

	return &ListResult{Total: len(out), Chats: out}, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}

	return false
}

// readChat returns a window of a chat's messages. offset is 0-based.
func readChat(r ChatReader, chatID string, offset, limit int) (*ReadResult, error) {
	rec, err := r.GetChat(chatID)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrChatNotFound, chatID)
	}

	msgs, err := r.MessagesForChat(chatID)
	if err != nil {
		return nil, err
	}

	if offset < 0 {
		offset = 0
	}

	if offset > len(msgs) {
		return nil, fmt.Errorf("offset %d is past the last message (%d total)", offset, len(msgs))
	}

	if limit <= 0 {
		limit = defaultReadLimit
	}

	end := min(offset+limit, len(msgs))

	views := make([]MessageView, 0, end-offset)
	for _, m := range msgs[offset:end] {
		views = append(views, MessageView{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: formatTime(m.CreatedAt),
			Model:     m.Model,
			Loading:   m.Loading,
		})
	}

	return &ReadResult{
		Chat:      summarize(*rec, len(msgs)),
		Notes:     rec.Notes,
		Offset:    offset,
		Total:     len(msgs),
		Truncated: end < len(msgs),
		Messages:  views,
	}, nil
}

// searchChats runs a case-insensitive search over titles, tags and
// message content, in that order. Each chat matches at most once per
// phase. Loading messages are not searched.
func searchChats(r ChatReader, query string, maxResults int) (*SearchResult, error) {
	if models.IsBlank(query) {
		return nil, fmt.Errorf("query must not be empty")
	}

	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	chats, err := r.AllChats()
	if err != nil {
		return nil, err
	}

	sort.Slice(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}

		return chats[i].ID < chats[j].ID
	})

	lowerQuery := strings.ToLower(query)
	matches := []SearchMatch{}
	seen := make(map[string]bool)

	for _, c := range chats {
		if len(matches) >= maxResults {
			break
		}

		if strings.Contains(strings.ToLower(c.Title), lowerQuery) {
			matches = append(matches, SearchMatch{ChatID: c.ID, Title: c.Title, MatchType: "title", Snippet: c.Title})
			seen[c.ID] = true
		}
	}

	for _, c := range chats {
		if len(matches) >= maxResults {
			break
		}

		if seen[c.ID] {
			continue
		}

		for _, tag := range c.Tags {
			if strings.Contains(strings.ToLower(tag), lowerQuery) {
				matches = append(matches, SearchMatch{
					ChatID:    c.ID,
					Title:     c.Title,
					MatchType: "tag",
					Snippet:   fmt.Sprintf("tags: [%s]", strings.Join(c.Tags, ", ")),
				})
				seen[c.ID] = true

				break
			}
		}
	}

	for _, c := range chats {
		if len(matches) >= maxResults {
			break
		}

		if seen[c.ID] {
			continue
		}

		msgs, err := r.MessagesForChat(c.ID)
		if err != nil {
			return nil, err
		}

		for _, m := range msgs {
			if m.Loading {
				continue
			}

			if snippet, ok := findSnippet(m.Content, lowerQuery); ok {
				matches = append(matches, SearchMatch{
					ChatID:    c.ID,
					Title:     c.Title,
					MatchType: "content",
					MessageID: m.ID,
					Snippet:   snippet,
				})

				break
			}
		}
	}

	return &SearchResult{Query: query, TotalMatches: len(matches), Results: matches}, nil
}

// findSnippet returns the first line of content containing lowerQuery
// with the match bolded.
func findSnippet(content, lowerQuery string) (string, bool) {
	for _, line := range strings.Split(content, "\n") {
		lower := strings.ToLower(line)

		idx := strings.Index(lower, lowerQuery)
		if idx < 0 {
			continue
		}

		// Case folding changed byte offsets; fall back to the plain line.
		if len(lower) != len(line) {
			return truncateLine(line, 2*snippetContext), true
		}

		return buildSnippet(line, idx, len(lowerQuery)), true
	}

	return "", false
}

func buildSnippet(line string, matchStart, matchLen int) string {
	start := max(matchStart-snippetContext, 0)
	end := min(matchStart+matchLen+snippetContext, len(line))

	// Keep the window on rune boundaries so multi-byte characters at
	// either edge are not split.
	for start > 0 && !utf8.RuneStart(line[start]) {
		start--
	}

	for end < len(line) && !utf8.RuneStart(line[end]) {
		end++
	}

	prefix := ""
	if start > 0 {
		prefix = "..."
	}

	suffix := ""
	if end < len(line) {
		suffix = "..."
	}

	before := line[start:matchStart]
	matched := line[matchStart : matchStart+matchLen]
	after := line[matchStart+matchLen : end]

	return prefix + before + "**" + matched + "**" + after + suffix
}

func truncateLine(line string, maxLen int) string {
	runes := []rune(line)
	if len(runes) <= maxLen {
		return line
	}

	return string(runes[:maxLen]) + "..."
}
