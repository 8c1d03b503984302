// Package sweep repairs local state left behind by interrupted
// streaming writes so that a sync round never transmits malformed data.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

const (
	// AbandonAfter is the age after which a message still marked as
	// loading is considered abandoned and deleted.
	AbandonAfter = 5 * time.Minute

	// DuplicateWindow is the maximum gap between two consecutive
	// assistant messages for the earlier one to count as a duplicate.
	DuplicateWindow = 10 * time.Second

	// InterruptedContent replaces the content of a recent loading
	// message whose generation status is unknown.
	InterruptedContent = "[Message generation was interrupted]"
)

// LiveMessages reports the message a live generation currently owns.
// The sweep never touches it.
type LiveMessages interface {
	ActiveMessageID() string
}

// Report summarises one sweep.
type Report struct {
	Chats      int `json:"chats"`
	Abandoned  int `json:"abandoned"`
	Finalized  int `json:"finalized"`
	Empty      int `json:"empty"`
	Duplicates int `json:"duplicates"`
	Orphans    int `json:"orphans"`
}

// Changed reports whether the sweep modified anything.
func (r Report) Changed() bool {
	return r.Abandoned+r.Finalized+r.Empty+r.Duplicates+r.Orphans > 0
}

func (r *Report) add(o Report) {
	r.Chats += o.Chats
	r.Abandoned += o.Abandoned
	r.Finalized += o.Finalized
	r.Empty += o.Empty
	r.Duplicates += o.Duplicates
	r.Orphans += o.Orphans
}

// Sweeper runs the consistency sweep against the local cache.
type Sweeper struct {
	cache  *cache.Cache
	live   LiveMessages
	logger *slog.Logger
}

// New creates a Sweeper. live may be nil when no generation writer exists.
func New(c *cache.Cache, live LiveMessages, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		cache:  c,
		live:   live,
		logger: logger,
	}
}

// Sweep repairs every chat in the cache. Running it twice with no new
// activity in between is a no-op.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	chats, err := s.cache.AllChats()
	if err != nil {
		return Report{}, fmt.Errorf("listing chats: %w", err)
	}

	var total Report

	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		r, err := s.SweepChat(ctx, chat.ID)
		if err != nil {
			return total, err
		}

		total.add(r)
	}

	orphans, err := s.removeOrphans()
	if err != nil {
		return total, err
	}

	total.Orphans = orphans

	if total.Changed() {
		s.logger.Info("sweep repaired local messages",
			slog.Int("chats", total.Chats),
			slog.Int("abandoned", total.Abandoned),
			slog.Int("finalized", total.Finalized),
			slog.Int("empty", total.Empty),
			slog.Int("duplicates", total.Duplicates),
			slog.Int("orphans", total.Orphans),
		)
	}

	return total, nil
}

// SweepChat repairs the messages of a single chat.
func (s *Sweeper) SweepChat(ctx context.Context, chatID string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	msgs, err := s.cache.MessagesForChat(chatID)
	if err != nil {
		return Report{}, fmt.Errorf("loading messages for %s: %w", chatID, err)
	}

	report := Report{Chats: 1}
	now := s.cache.Now()
	active := s.activeMessageID()

	var (
		remove     []string
		kept       []cache.MessageRecord
		bumpParent bool
	)

	for _, m := range msgs {
		if m.ID == active {
			kept = append(kept, m)
			continue
		}

		switch {
		case m.Loading && now.Sub(m.CreatedAt) > AbandonAfter:
			remove = append(remove, m.ID)
			report.Abandoned++

		case m.Loading:
			found, err := s.cache.UpdateMessage(chatID, m.ID, func(rec *cache.MessageRecord) {
				rec.Loading = false
				rec.Content = InterruptedContent
			})
			if err != nil {
				return report, fmt.Errorf("finalizing message %s: %w", m.ID, err)
			}

			if found {
				m.Loading = false
				m.Content = InterruptedContent
				kept = append(kept, m)
				report.Finalized++
				bumpParent = true
			}

		case m.Role == models.RoleAssistant && models.IsBlank(m.Content):
			remove = append(remove, m.ID)
			report.Empty++

		default:
			kept = append(kept, m)
		}
	}

	for i := 0; i+1 < len(kept); i++ {
		cur, next := kept[i], kept[i+1]
		if cur.ID == active || next.ID == active {
			continue
		}

		if cur.Role == models.RoleAssistant && next.Role == models.RoleAssistant &&
			next.CreatedAt.Sub(cur.CreatedAt) < DuplicateWindow {
			remove = append(remove, cur.ID)
			report.Duplicates++
			bumpParent = true
		}
	}

	if err := s.cache.DeleteMessages(chatID, remove...); err != nil {
		return report, fmt.Errorf("deleting messages for %s: %w", chatID, err)
	}

	if bumpParent {
		if err := s.cache.TouchChat(chatID); err != nil {
			// Messages of a chat that no longer exists are orphans; the
			// repair above still stands.
			s.logger.Debug("sweep: parent chat not bumped",
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()),
			)
		}
	}

	return report, nil
}

// removeOrphans deletes finalized messages whose chat does not exist.
// Loading messages are left to the writer that owns them. Messages are
// listed before chats: writers create the chat first, so a message seen
// here always has its chat visible in the later listing.
func (s *Sweeper) removeOrphans() (int, error) {
	msgs, err := s.cache.AllMessages()
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", err)
	}

	chats, err := s.cache.AllChats()
	if err != nil {
		return 0, fmt.Errorf("listing chats: %w", err)
	}

	known := make(map[string]struct{}, len(chats))
	for _, c := range chats {
		known[c.ID] = struct{}{}
	}

	byChat := make(map[string][]string)
	for _, m := range msgs {
		if _, ok := known[m.ChatID]; ok || m.Loading {
			continue
		}

		byChat[m.ChatID] = append(byChat[m.ChatID], m.ID)
	}

	count := 0
	for chatID, ids := range byChat {
		if err := s.cache.DeleteMessages(chatID, ids...); err != nil {
			return count, fmt.Errorf("deleting orphans of %s: %w", chatID, err)
		}

		count += len(ids)
	}

	return count, nil
}

func (s *Sweeper) activeMessageID() string {
	if s.live == nil {
		return ""
	}

	return s.live.ActiveMessageID()
}
