// Package models defines the chat and message shapes exchanged between
// the local cache, the sync transport and the server store.
package models

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is a finalized chat turn as it crosses the wire. The local
// loading flag is deliberately absent: only finalized, non-empty
// messages are ever transmitted.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
}

// Chat is a full chat snapshot including its messages. UserID is
// assigned by the server and empty on outgoing client snapshots.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	InTrash   bool      `json:"inTrash"`
	IsPinned  bool      `json:"isPinned"`
	IsPublic  bool      `json:"isPublic"`
	Tags      []string  `json:"tags"`
	Notes     string    `json:"notes"`
	Messages  []Message `json:"messages"`
}

// SyncRequest is the body of POST /sync.
type SyncRequest struct {
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	UpdatedChats []Chat     `json:"updatedChats"`
	IDs          []string   `json:"ids"`
}

// FetchRequest is the body of POST /fetch-new-records.
type FetchRequest struct {
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
}

// SyncResponse is returned by both sync RPCs.
type SyncResponse struct {
	ServerChanges []Chat `json:"serverChanges"`
}

// SharedChat is the public header of a shared chat. CreatedBy is the
// owning user id.
type SharedChat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy"`
}

// SharedChatResponse is returned by GET /shared-chat/{id}.
type SharedChatResponse struct {
	Chat     SharedChat `json:"chat"`
	Messages []Message  `json:"messages"`
}

// NewSharedChatResponse builds the public view of c. Messages are
// ordered by creation time.
func NewSharedChatResponse(c Chat) SharedChatResponse {
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	SortMessages(msgs)

	return SharedChatResponse{
		Chat: SharedChat{
			ID:        c.ID,
			Title:     c.Title,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
			CreatedBy: c.UserID,
		},
		Messages: msgs,
	}
}

// Millis truncates t to millisecond resolution in UTC. Every timestamp
// that takes part in a last-writer-wins comparison goes through here.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}

	return t.UTC().Truncate(time.Millisecond)
}

// IsBlank reports whether s is empty or whitespace only.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// SanitizeTags trims, NFC-normalizes, deduplicates and sorts tags.
// A nil or empty input yields an empty, non-nil slice.
func SanitizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))

	for _, tag := range tags {
		tag = norm.NFC.String(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}

		if _, dup := seen[tag]; dup {
			continue
		}

		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	sort.Strings(out)

	return out
}

// SanitizeMessage fills empty-string defaults and normalizes timestamps.
func SanitizeMessage(m Message) Message {
	if m.Role == "" {
		m.Role = RoleUser
	}

	m.CreatedAt = Millis(m.CreatedAt)

	return m
}

// SanitizeChat applies the boundary defaults to a chat and its
// messages. Malformed records are repaired rather than rejected so a
// single bad record cannot stall sync. Messages with blank content are
// dropped and messages are re-parented onto the chat.
func SanitizeChat(c Chat) Chat {
	c.Tags = SanitizeTags(c.Tags)
	c.CreatedAt = Millis(c.CreatedAt)
	c.UpdatedAt = Millis(c.UpdatedAt)

	msgs := make([]Message, 0, len(c.Messages))
	for _, m := range c.Messages {
		if m.ID == "" || IsBlank(m.Content) {
			continue
		}

		m.ChatID = c.ID
		msgs = append(msgs, SanitizeMessage(m))
	}

	SortMessages(msgs)
	c.Messages = msgs

	return c
}

// SortMessages orders messages by creation time, then id.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}

		return msgs[i].ID < msgs[j].ID
	})
}

// SortChats orders chats by descending UpdatedAt, then id. Both the
// outgoing batch and the server response use this order.
func SortChats(chats []Chat) {
	sort.SliceStable(chats, func(i, j int) bool {
		if !chats[i].UpdatedAt.Equal(chats[j].UpdatedAt) {
			return chats[i].UpdatedAt.After(chats[j].UpdatedAt)
		}

		return chats[i].ID < chats[j].ID
	})
}
