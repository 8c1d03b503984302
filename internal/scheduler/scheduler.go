// Package scheduler owns the sync cadence on the client: it runs sync
// rounds on an interval, on demand, and after local changes, and
// publishes every state transition through a status broadcaster.
package scheduler

//go:generate mockgen -destination=mock_deps_test.go -package=scheduler github.com/alexjbarnes/chat-sync/internal/scheduler Transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/collector"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/status"
	"github.com/alexjbarnes/chat-sync/internal/sweep"
)

// Cache is the local state a sync round reads and writes.
type Cache interface {
	LastSyncedAt() (time.Time, bool, error)
	SetLastSyncedAt(t time.Time) error
	UpsertServerChat(chat models.Chat) (bool, error)
	Subscribe() (<-chan cache.Change, func())
}

// Sweeper repairs local state before a round.
type Sweeper interface {
	Sweep(ctx context.Context) (sweep.Report, error)
}

// Collector builds the outgoing batch.
type Collector interface {
	Collect(ctx context.Context, since time.Time) (collector.Batch, error)
}

// Transport performs the two sync RPCs.
type Transport interface {
	PullNew(ctx context.Context, since *time.Time) ([]models.Chat, error)
	PushAndPull(ctx context.Context, since *time.Time, chats []models.Chat, ids []string) ([]models.Chat, error)
}

// BusySignal reports whether a live generation is streaming. Background
// rounds wait while it is busy.
type BusySignal interface {
	Busy() bool
}

// Config holds the scheduler timings.
type Config struct {
	// Interval between periodic rounds.
	Interval time.Duration
	// Timeout bounds the network part of one round.
	Timeout time.Duration
	// Debounce is the quiet period after a local change before an
	// automatic round. Zero disables change-triggered rounds.
	Debounce time.Duration
}

// Scheduler runs sync rounds. At most one round is in flight at a time.
type Scheduler struct {
	cache     Cache
	sweeper   Sweeper
	collector Collector
	transport Transport
	busy      BusySignal
	status    *status.Broadcaster
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	running atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithBusySignal makes background rounds yield to a live generation.
func WithBusySignal(b BusySignal) Option {
	return func(s *Scheduler) {
		s.busy = b
	}
}

// WithClock replaces the clock used for the sync cursor.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler.
func New(c Cache, sw Sweeper, col Collector, tr Transport, st *status.Broadcaster, logger *slog.Logger, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:     c,
		sweeper:   sw,
		collector: col,
		transport: tr,
		status:    st,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Run performs an initial round and then schedules rounds until ctx is
// cancelled. Round failures are reported through the status broadcaster
// and never end the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var changes <-chan cache.Change

	if s.cfg.Debounce > 0 {
		ch, cancel := s.cache.Subscribe()
		defer cancel()

		changes = ch
	}

	debounce := time.NewTimer(s.cfg.Debounce)
	stopTimer(debounce)

	defer debounce.Stop()

	s.background(ctx, "startup")
	drain(changes)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			s.background(ctx, "interval")
			drain(changes)

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}

			if change.Table == cache.TableMeta || s.running.Load() {
				continue
			}

			debounce.Reset(s.cfg.Debounce)

		case <-debounce.C:
			s.background(ctx, "local change")
			drain(changes)
		}
	}
}

// SyncNow runs a round immediately, even while a generation is
// streaming. It returns apperrors.ErrSyncInProgress when another round
// is already running.
func (s *Scheduler) SyncNow(ctx context.Context) (status.Event, error) {
	return s.round(ctx, "manual")
}

func (s *Scheduler) background(ctx context.Context, trigger string) {
	if s.busy != nil && s.busy.Busy() {
		s.logger.Debug("sync skipped: generation in progress", slog.String("trigger", trigger))
		return
	}

	if _, err := s.round(ctx, trigger); errors.Is(err, apperrors.ErrSyncInProgress) {
		s.logger.Debug("sync skipped: round already running", slog.String("trigger", trigger))
	}
}

// round runs one full sync pipeline and publishes the outcome.
func (s *Scheduler) round(ctx context.Context, trigger string) (status.Event, error) {
	if !s.running.CompareAndSwap(false, true) {
		return s.status.Current(), apperrors.ErrSyncInProgress
	}
	defer s.running.Store(false)

	s.status.Publish(status.Event{State: status.StateSyncing})

	// Captured before reading local state so that changes made during
	// the round are picked up by the next one.
	start := models.Millis(s.now())

	err := s.sync(ctx, start, trigger)
	if err != nil {
		ev := status.Event{
			State:        status.StateError,
			Error:        err.Error(),
			AuthRequired: errors.Is(err, apperrors.ErrUnauthorized),
		}
		s.status.Publish(ev)

		s.logger.Warn("sync failed",
			slog.String("trigger", trigger),
			slog.Bool("auth_required", ev.AuthRequired),
			slog.String("error", err.Error()),
		)

		return ev, err
	}

	ev := status.Event{State: status.StateSynced}
	s.status.Publish(ev)

	return ev, nil
}

func (s *Scheduler) sync(ctx context.Context, start time.Time, trigger string) error {
	cursor, hasCursor, err := s.cache.LastSyncedAt()
	if err != nil {
		return fmt.Errorf("reading sync cursor: %w", err)
	}

	var since *time.Time
	if hasCursor {
		since = &cursor
	}

	if _, err := s.sweeper.Sweep(ctx); err != nil {
		return fmt.Errorf("sweeping local cache: %w", err)
	}

	batch, err := s.collector.Collect(ctx, cursor)
	if err != nil {
		return fmt.Errorf("collecting changes: %w", err)
	}

	rpcCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	var serverChanges []models.Chat

	if batch.Empty() {
		serverChanges, err = s.transport.PullNew(rpcCtx, since)
	} else {
		serverChanges, err = s.transport.PushAndPull(rpcCtx, since, batch.Chats, batch.IDs)
	}

	if err != nil {
		return err
	}

	applied := 0

	for _, chat := range serverChanges {
		changed, err := s.cache.UpsertServerChat(chat)
		if err != nil {
			return fmt.Errorf("applying server changes: %w", err)
		}

		if changed {
			applied++
		}
	}

	if err := s.cache.SetLastSyncedAt(start); err != nil {
		return fmt.Errorf("saving sync cursor: %w", err)
	}

	s.logger.Info("sync complete",
		slog.String("trigger", trigger),
		slog.Int("pushed", len(batch.Chats)),
		slog.Int("received", len(serverChanges)),
		slog.Int("applied", applied),
	)

	return nil
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// drain discards change notifications produced by the round itself.
func drain(ch <-chan cache.Change) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
