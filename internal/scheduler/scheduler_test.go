package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/collector"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/status"
	"github.com/alexjbarnes/chat-sync/internal/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var (
	t0  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now = t0.Add(time.Minute)
)

type testEnv struct {
	cache     *cache.Cache
	transport *MockTransport
	status    *status.Broadcaster
	sched     *Scheduler
}

type busyFlag struct{ atomic.Bool }

func (b *busyFlag) Busy() bool { return b.Load() }

func newEnv(t *testing.T, cfg Config, opts ...Option) *testEnv {
	t.Helper()

	clock := func() time.Time { return now }
	if len(opts) == 0 {
		opts = append(opts, WithClock(clock))
	}

	c, err := cache.LoadAt(filepath.Join(t.TempDir(), "cache.db"), cache.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)
	st := status.NewBroadcaster()
	logger := slog.New(slog.DiscardHandler)

	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}

	s := New(c, sweep.New(c, nil, logger), collector.New(c), tr, st, logger, cfg, opts...)

	return &testEnv{cache: c, transport: tr, status: st, sched: s}
}

func (e *testEnv) cursor(t *testing.T) (time.Time, bool) {
	t.Helper()
	ts, ok, err := e.cache.LastSyncedAt()
	require.NoError(t, err)
	return ts, ok
}

func putChatWithMessages(t *testing.T, c *cache.Cache, id string, updated time.Time, n int) {
	t.Helper()
	require.NoError(t, c.PutChat(cache.ChatRecord{ID: id, Title: "chat " + id, CreatedAt: t0, UpdatedAt: updated}))
	for i := range n {
		require.NoError(t, c.PutMessage(cache.MessageRecord{
			ID:        fmt.Sprintf("%s-m%d", id, i),
			ChatID:    id,
			Role:      models.RoleUser,
			Content:   "message",
			CreatedAt: t0.Add(time.Duration(i) * time.Second),
		}))
	}
}

// --- Rounds ---

func TestSyncNow_FirstRoundPullsEverything(t *testing.T) {
	e := newEnv(t, Config{})

	e.transport.EXPECT().PullNew(gomock.Any(), (*time.Time)(nil)).Return(nil, nil)

	ev, err := e.sched.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.StateSynced, ev.State)

	cur, ok := e.cursor(t)
	require.True(t, ok)
	assert.True(t, cur.Equal(now))
}

func TestSyncNow_PushesNewLocalChat(t *testing.T) {
	e := newEnv(t, Config{})
	require.NoError(t, e.cache.SetLastSyncedAt(t0))
	putChatWithMessages(t, e.cache, "c1", t0.Add(5*time.Second), 2)

	e.transport.EXPECT().
		PushAndPull(gomock.Any(), gomock.Any(), gomock.Any(), []string{"c1"}).
		DoAndReturn(func(_ context.Context, since *time.Time, chats []models.Chat, _ []string) ([]models.Chat, error) {
			require.NotNil(t, since)
			assert.True(t, since.Equal(t0))
			require.Len(t, chats, 1)
			assert.Len(t, chats[0].Messages, 2)
			echo := chats[0]
			echo.UserID = "u1"
			return []models.Chat{echo}, nil
		})

	_, err := e.sched.SyncNow(context.Background())
	require.NoError(t, err)

	cur, _ := e.cursor(t)
	assert.False(t, cur.Before(t0.Add(5*time.Second)))

	msgs, err := e.cache.MessagesForChat("c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestSyncNow_PullsChatFromOtherDevice(t *testing.T) {
	e := newEnv(t, Config{})
	require.NoError(t, e.cache.SetLastSyncedAt(t0))

	c2 := models.Chat{
		ID:        "c2",
		Title:     "from B",
		UserID:    "u1",
		CreatedAt: t0.Add(10 * time.Second),
		UpdatedAt: t0.Add(10 * time.Second),
		Tags:      []string{"x"},
		Messages:  []models.Message{{ID: "m", ChatID: "c2", Role: "user", Content: "hi", CreatedAt: t0.Add(10 * time.Second)}},
	}

	e.transport.EXPECT().
		PullNew(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, since *time.Time) ([]models.Chat, error) {
			assert.True(t, since.Equal(t0))
			return []models.Chat{c2}, nil
		})

	_, err := e.sched.SyncNow(context.Background())
	require.NoError(t, err)

	got, err := e.cache.GetChat("c2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "from B", got.Title)
	assert.True(t, got.UpdatedAt.Equal(c2.UpdatedAt), "adopted without modification")
}

func TestSyncNow_SweepsBeforeCollecting(t *testing.T) {
	e := newEnv(t, Config{})
	require.NoError(t, e.cache.SetLastSyncedAt(t0))
	require.NoError(t, e.cache.PutChat(cache.ChatRecord{ID: "c1", UpdatedAt: t0.Add(time.Second)}))
	require.NoError(t, e.cache.PutMessage(cache.MessageRecord{
		ID: "live", ChatID: "c1", Role: models.RoleAssistant, Loading: true, CreatedAt: now.Add(-2 * time.Minute),
	}))

	e.transport.EXPECT().
		PushAndPull(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *time.Time, chats []models.Chat, _ []string) ([]models.Chat, error) {
			require.Len(t, chats, 1)
			require.Len(t, chats[0].Messages, 1)
			assert.Equal(t, sweep.InterruptedContent, chats[0].Messages[0].Content)
			return nil, nil
		})

	_, err := e.sched.SyncNow(context.Background())
	require.NoError(t, err)
}

func TestSyncNow_Idempotent(t *testing.T) {
	e := newEnv(t, Config{})
	require.NoError(t, e.cache.SetLastSyncedAt(t0))
	putChatWithMessages(t, e.cache, "c1", t0.Add(5*time.Second), 1)

	var serverCopy models.Chat
	e.transport.EXPECT().
		PushAndPull(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ *time.Time, chats []models.Chat, _ []string) ([]models.Chat, error) {
			serverCopy = chats[0]
			return chats, nil
		})

	_, err := e.sched.SyncNow(context.Background())
	require.NoError(t, err)
	first, _ := e.cursor(t)

	changes, cancel := e.cache.Subscribe()
	defer cancel()

	// The server keeps returning the row it wrote; applying it again
	// must not write anything.
	e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).Return([]models.Chat{serverCopy}, nil)

	_, err = e.sched.SyncNow(context.Background())
	require.NoError(t, err)

	second, _ := e.cursor(t)
	assert.True(t, first.Equal(second))

	for len(changes) > 0 {
		ch := <-changes
		assert.Equal(t, cache.TableMeta, ch.Table, "unexpected write %+v", ch)
	}
}

// --- Failures ---

func TestSyncNow_TransportFailureKeepsCursor(t *testing.T) {
	e := newEnv(t, Config{})
	require.NoError(t, e.cache.SetLastSyncedAt(t0))

	e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: connection refused", apperrors.ErrAPIRequest))

	ev, err := e.sched.SyncNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, status.StateError, ev.State)
	assert.Contains(t, ev.Error, "connection refused")
	assert.False(t, ev.AuthRequired)
	assert.Equal(t, ev, e.status.Current())

	cur, _ := e.cursor(t)
	assert.True(t, cur.Equal(t0))
}

func TestSyncNow_UnauthorizedFlagsReauth(t *testing.T) {
	e := newEnv(t, Config{})

	e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("%w: (401): expired", apperrors.ErrUnauthorized))

	ev, err := e.sched.SyncNow(context.Background())
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.True(t, ev.AuthRequired)

	_, ok := e.cursor(t)
	assert.False(t, ok)
}

func TestSyncNow_ErrorThenRecovery(t *testing.T) {
	e := newEnv(t, Config{})

	gomock.InOrder(
		e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).Return(nil, apperrors.ErrAPIRequest),
		e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).Return(nil, nil),
	)

	ev, _ := e.sched.SyncNow(context.Background())
	assert.Equal(t, status.StateError, ev.State)

	ev, err := e.sched.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.StateSynced, ev.State)
	assert.Empty(t, ev.Error)
}

func TestSyncNow_TimeoutBoundsTransport(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, Config{Timeout: 30 * time.Second})

		e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).
			DoAndReturn(func(ctx context.Context, _ *time.Time) ([]models.Chat, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			})

		ev, err := e.sched.SyncNow(context.Background())
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, status.StateError, ev.State)
	})
}

// --- Concurrency ---

func TestSyncNow_ConcurrentTriggerCoalesced(t *testing.T) {
	e := newEnv(t, Config{})

	entered := make(chan struct{})
	release := make(chan struct{})

	e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *time.Time) ([]models.Chat, error) {
			close(entered)
			<-release
			return nil, nil
		}).Times(1)

	done := make(chan error)
	go func() {
		_, err := e.sched.SyncNow(context.Background())
		done <- err
	}()

	<-entered
	assert.Equal(t, status.StateSyncing, e.status.Current().State)

	ev, err := e.sched.SyncNow(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSyncInProgress)
	assert.Equal(t, status.StateSyncing, ev.State)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, status.StateSynced, e.status.Current().State)
}

func TestSyncNow_PublishesTransitions(t *testing.T) {
	e := newEnv(t, Config{})
	ch, cancel := e.status.Subscribe()
	defer cancel()
	<-ch

	e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, *time.Time) ([]models.Chat, error) {
			assert.Equal(t, status.StateSyncing, (<-ch).State)
			return nil, nil
		})

	_, err := e.sched.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.StateSynced, (<-ch).State)
}

// --- Run loop (synctest) ---

func TestRun_StartupAndInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, Config{Interval: time.Minute}, WithClock(time.Now))

		e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).Return(nil, nil).Times(3)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error)
		go func() { done <- e.sched.Run(ctx) }()

		synctest.Wait()
		time.Sleep(150 * time.Second)
		synctest.Wait()

		cancel()
		require.NoError(t, <-done)
	})
}

func TestRun_BusySkipsBackgroundButNotSyncNow(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		busy := &busyFlag{}
		busy.Store(true)
		e := newEnv(t, Config{Interval: time.Minute}, WithClock(time.Now), WithBusySignal(busy))

		e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).Return(nil, nil).Times(1)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error)
		go func() { done <- e.sched.Run(ctx) }()

		synctest.Wait()
		time.Sleep(150 * time.Second)
		synctest.Wait()

		_, err := e.sched.SyncNow(ctx)
		require.NoError(t, err)

		cancel()
		require.NoError(t, <-done)
	})
}

func TestRun_LocalChangeTriggersDebouncedRound(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		e := newEnv(t, Config{Interval: time.Hour, Debounce: 5 * time.Second}, WithClock(time.Now))

		gomock.InOrder(
			e.transport.EXPECT().PullNew(gomock.Any(), gomock.Any()).Return(nil, nil),
			e.transport.EXPECT().PushAndPull(gomock.Any(), gomock.Any(), gomock.Any(), []string{"c1"}).Return(nil, nil),
		)

		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error)
		go func() { done <- e.sched.Run(ctx) }()
		synctest.Wait()

		// Several edits inside the quiet period collapse into one round.
		for range 3 {
			require.NoError(t, e.cache.PutChat(cache.ChatRecord{ID: "c1", Title: "t", UpdatedAt: time.Now().Add(time.Second)}))
			synctest.Wait()
			time.Sleep(time.Second)
		}

		time.Sleep(5 * time.Second)
		synctest.Wait()

		cancel()
		require.NoError(t, <-done)
	})
}
