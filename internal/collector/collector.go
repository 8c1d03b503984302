// Package collector builds the outgoing batch of a sync round from the
// local cache.
package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Batch is the payload of one push-and-pull call. IDs lists the ids of
// Chats in the same order.
type Batch struct {
	Chats []models.Chat
	IDs   []string
}

// Empty reports whether there is nothing to push.
func (b Batch) Empty() bool {
	return len(b.Chats) == 0
}

// Collector reads changed chats out of the cache.
type Collector struct {
	cache *cache.Cache
}

// New creates a Collector.
func New(c *cache.Cache) *Collector {
	return &Collector{cache: c}
}

// Collect returns every chat changed after since, with its finalized
// messages attached. A zero since selects every chat.
//
// A chat is selected when its updatedAt is after since, or when it has
// a finalized message created after since. The transmitted updatedAt is
// the later of the chat's own stamp and its newest attached message.
func (c *Collector) Collect(ctx context.Context, since time.Time) (Batch, error) {
	chats, err := c.changedChats(since)
	if err != nil {
		return Batch{}, err
	}

	out := make([]models.Chat, 0, len(chats))

	for _, rec := range chats {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}

		msgs, err := c.cache.MessagesForChat(rec.ID)
		if err != nil {
			return Batch{}, fmt.Errorf("loading messages for %s: %w", rec.ID, err)
		}

		out = append(out, snapshot(rec, msgs))
	}

	models.SortChats(out)

	ids := make([]string, len(out))
	for i, chat := range out {
		ids[i] = chat.ID
	}

	return Batch{Chats: out, IDs: ids}, nil
}

func (c *Collector) changedChats(since time.Time) ([]cache.ChatRecord, error) {
	if since.IsZero() {
		chats, err := c.cache.AllChats()
		if err != nil {
			return nil, fmt.Errorf("listing chats: %w", err)
		}

		return chats, nil
	}

	chats, err := c.cache.ChatsUpdatedAfter(since)
	if err != nil {
		return nil, fmt.Errorf("listing changed chats: %w", err)
	}

	selected := make(map[string]struct{}, len(chats))
	for _, chat := range chats {
		selected[chat.ID] = struct{}{}
	}

	// Messages appended without a parent bump still pull their chat in.
	msgs, err := c.cache.MessagesCreatedAfter(since)
	if err != nil {
		return nil, fmt.Errorf("listing new messages: %w", err)
	}

	for _, m := range msgs {
		if m.Loading {
			continue
		}

		if _, ok := selected[m.ChatID]; ok {
			continue
		}

		chat, err := c.cache.GetChat(m.ChatID)
		if err != nil {
			return nil, fmt.Errorf("loading chat %s: %w", m.ChatID, err)
		}

		selected[m.ChatID] = struct{}{}

		// Orphans stay behind for the sweep.
		if chat == nil {
			continue
		}

		chats = append(chats, *chat)
	}

	return chats, nil
}

func snapshot(rec cache.ChatRecord, msgs []cache.MessageRecord) models.Chat {
	chat := models.Chat{
		ID:        rec.ID,
		Title:     rec.Title,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		InTrash:   rec.InTrash,
		IsPinned:  rec.IsPinned,
		IsPublic:  rec.IsPublic,
		Tags:      rec.Tags,
		Notes:     rec.Notes,
		Messages:  make([]models.Message, 0, len(msgs)),
	}

	for _, m := range msgs {
		if m.Loading || models.IsBlank(m.Content) {
			continue
		}

		chat.Messages = append(chat.Messages, models.Message{
			ID:        m.ID,
			ChatID:    rec.ID,
			Role:      m.Role,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			Provider:  m.Provider,
			Model:     m.Model,
		})

		if m.CreatedAt.After(chat.UpdatedAt) {
			chat.UpdatedAt = m.CreatedAt
		}
	}

	return models.SanitizeChat(chat)
}
