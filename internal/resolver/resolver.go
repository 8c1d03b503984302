// Package resolver is the server-side last-writer-wins merge of
// incoming chat snapshots against the durable store.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Store is the persistence the resolver needs. *store.Store implements it.
type Store interface {
	InTx(ctx context.Context, fn func(store.Tx) error) error
	ChangedSince(ctx context.Context, userID string, since *time.Time) ([]store.Record, error)
}

// Resolver merges sync batches for authenticated users.
type Resolver struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock replaces the clock used to stamp server writes.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// New creates a Resolver.
func New(s Store, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:  s,
		logger: logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// FetchNew returns every chat of userID the server wrote after since.
func (r *Resolver) FetchNew(ctx context.Context, userID string, since *time.Time) ([]models.Chat, error) {
	recs, err := r.store.ChangedSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("fetching new records: %w", err)
	}

	out := make([]models.Chat, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Chat)
	}

	models.SortChats(out)

	return out, nil
}

// Shared returns the chat with chatID when its owner marked it public
// and it is not in the trash. It returns nil otherwise.
func (r *Resolver) Shared(ctx context.Context, chatID string) (*models.Chat, error) {
	var rec *store.Record

	err := r.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		rec, err = tx.Get(ctx, chatID)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading shared chat %s: %w", chatID, err)
	}

	if rec == nil || !rec.Chat.IsPublic || rec.Chat.InTrash {
		return nil, nil
	}

	return &rec.Chat, nil
}

// Merge applies an incoming batch for userID inside one transaction and
// returns the chats the caller must adopt. Any failure rolls back the
// whole batch. The id set used for the lookup is taken from the
// payload itself; req.IDs is advisory.
//
// For each incoming chat matched by id, a strictly newer client copy
// overwrites the row and is echoed back; a strictly newer server copy
// is returned untouched; equal timestamps leave both sides alone and
// nothing is echoed. Unmatched incoming chats are inserted. Rows the
// caller did not send but which changed after since are returned as is.
func (r *Resolver) Merge(ctx context.Context, userID string, req models.SyncRequest) ([]models.Chat, error) {
	incoming, order := dedupe(req.UpdatedChats)

	if len(req.IDs) != len(order) {
		r.logger.Debug("merge: id list does not match payload",
			slog.Int("ids", len(req.IDs)),
			slog.Int("chats", len(order)),
		)
	}

	var out []models.Chat

	err := r.store.InTx(ctx, func(tx store.Tx) error {
		out = nil
		stamp := models.Millis(r.now())

		matched, err := tx.MatchForMerge(ctx, userID, order, req.LastSyncedAt)
		if err != nil {
			return err
		}

		seen := make(map[string]struct{}, len(matched))

		for _, rec := range matched {
			seen[rec.Chat.ID] = struct{}{}
			server := rec.Chat

			client, sent := incoming[server.ID]
			if server.UserID != userID {
				if sent {
					r.logger.Warn("merge: chat id owned by another user",
						slog.String("chat_id", server.ID),
						slog.String("user_id", userID),
					)
				}

				continue
			}

			if !sent {
				out = append(out, server)
				continue
			}

			cmp := compareMillis(client.UpdatedAt, server.UpdatedAt)

			switch {
			case cmp > 0:
				written, err := r.write(ctx, tx, userID, client, stamp)
				if err != nil {
					return err
				}

				out = append(out, written)

			case cmp < 0:
				out = append(out, server)

			default:
				r.logTie(userID, server, client)
			}
		}

		for _, id := range order {
			if _, ok := seen[id]; ok {
				continue
			}

			client := incoming[id]

			inserted, err := tx.InsertOrIgnore(ctx, userID, client, stamp)
			if err != nil {
				return err
			}

			rec, err := tx.Get(ctx, id)
			if err != nil {
				return err
			}

			if rec == nil {
				return fmt.Errorf("chat %s missing after insert", id)
			}

			if !inserted && rec.Chat.UserID != userID {
				r.logger.Warn("merge: chat id owned by another user",
					slog.String("chat_id", id),
					slog.String("user_id", userID),
				)

				continue
			}

			out = append(out, rec.Chat)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merging batch of %d chats: %w", len(order), err)
	}

	models.SortChats(out)

	if out == nil {
		out = []models.Chat{}
	}

	r.logger.Debug("merge complete",
		slog.String("user_id", userID),
		slog.Int("incoming", len(order)),
		slog.Int("server_changes", len(out)),
	)

	return out, nil
}

// write overwrites a row with the client copy and returns the stored row.
func (r *Resolver) write(ctx context.Context, tx store.Tx, userID string, chat models.Chat, stamp time.Time) (models.Chat, error) {
	if err := tx.Update(ctx, userID, chat, stamp); err != nil {
		return models.Chat{}, err
	}

	rec, err := tx.Get(ctx, chat.ID)
	if err != nil {
		return models.Chat{}, err
	}

	if rec == nil {
		return models.Chat{}, fmt.Errorf("chat %s missing after update", chat.ID)
	}

	return rec.Chat, nil
}

// logTie records the client copy dropped by an equal-timestamp conflict.
// The server copy is kept; a differing client copy is lost.
func (r *Resolver) logTie(userID string, server, client models.Chat) {
	serverText, clientText := describe(server), describe(client)
	if serverText == clientText {
		return
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(serverText, clientText, false))

	r.logger.Warn("merge: equal timestamps with differing content, keeping server copy",
		slog.String("chat_id", server.ID),
		slog.String("user_id", userID),
		slog.Time("updated_at", server.UpdatedAt),
		slog.Int("server_messages", len(server.Messages)),
		slog.Int("client_messages", len(client.Messages)),
		slog.String("dropped", dmp.DiffPrettyText(onlyChanges(diffs))),
	)
}

// describe renders the mutable fields of a chat as comparable text.
func describe(c models.Chat) string {
	var b strings.Builder

	fmt.Fprintf(&b, "title: %s\n", c.Title)
	fmt.Fprintf(&b, "tags: %s\n", strings.Join(c.Tags, ","))
	fmt.Fprintf(&b, "flags: trash=%t pinned=%t public=%t\n", c.InTrash, c.IsPinned, c.IsPublic)
	fmt.Fprintf(&b, "notes: %s\n", c.Notes)

	for _, m := range c.Messages {
		fmt.Fprintf(&b, "%s %s: %s\n", m.ID, m.Role, m.Content)
	}

	return b.String()
}

func onlyChanges(diffs []diffmatchpatch.Diff) []diffmatchpatch.Diff {
	out := diffs[:0:0]
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			out = append(out, d)
		}
	}

	return out
}

func compareMillis(a, b time.Time) int {
	am, bm := a.UnixMilli(), b.UnixMilli()

	switch {
	case am > bm:
		return 1
	case am < bm:
		return -1
	default:
		return 0
	}
}

// dedupe sanitizes incoming chats and keeps the newest copy per id. It
// returns the chats by id and the ids in first-seen order.
func dedupe(chats []models.Chat) (map[string]models.Chat, []string) {
	byID := make(map[string]models.Chat, len(chats))
	order := make([]string, 0, len(chats))

	for _, c := range chats {
		if c.ID == "" {
			continue
		}

		c = models.SanitizeChat(c)
		c.UserID = ""

		prev, ok := byID[c.ID]
		if !ok {
			order = append(order, c.ID)
			byID[c.ID] = c

			continue
		}

		if compareMillis(c.UpdatedAt, prev.UpdatedAt) > 0 {
			byID[c.ID] = c
		}
	}

	return byID, order
}
