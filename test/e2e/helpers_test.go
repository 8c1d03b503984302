package e2e_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/collector"
	"github.com/alexjbarnes/chat-sync/internal/generation"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/resolver"
	"github.com/alexjbarnes/chat-sync/internal/scheduler"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/status"
	"github.com/alexjbarnes/chat-sync/internal/store"
	"github.com/alexjbarnes/chat-sync/internal/sweep"
	"github.com/alexjbarnes/chat-sync/internal/transport"
	"github.com/stretchr/testify/require"
)

const testSecret = "e2e-test-secret-that-is-long-enough-for-hs256"

// harness holds the full e2e stack: a real sync server backed by a
// temporary sqlite database.
type harness struct {
	URL    string
	Issuer *auth.Issuer
	Store  *store.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.DiscardHandler)
	issuer := auth.NewIssuer(testSecret, time.Hour)

	srv := httptest.NewServer(server.NewMux(server.MuxConfig{
		Resolver: resolver.New(s, logger),
		Issuer:   issuer,
		Logger:   logger,
	}))
	t.Cleanup(srv.Close)

	return &harness{URL: srv.URL, Issuer: issuer, Store: s}
}

// device is one client install: its own cache, writer and scheduler.
type device struct {
	Cache  *cache.Cache
	Writer *generation.Writer
	Sched  *scheduler.Scheduler
	Wire   *interceptor
}

// interceptor runs a one-shot hook after the server has answered a
// round and before the answer is applied to the cache.
type interceptor struct {
	*transport.Client

	mu   sync.Mutex
	hook func()
}

// afterResponse arms fn for the next round.
func (i *interceptor) afterResponse(fn func()) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hook = fn
}

func (i *interceptor) fire() {
	i.mu.Lock()
	fn := i.hook
	i.hook = nil
	i.mu.Unlock()

	if fn != nil {
		settle()
		fn()
	}
}

func (i *interceptor) PullNew(ctx context.Context, since *time.Time) ([]models.Chat, error) {
	out, err := i.Client.PullNew(ctx, since)
	i.fire()
	return out, err
}

func (i *interceptor) PushAndPull(ctx context.Context, since *time.Time, chats []models.Chat, ids []string) ([]models.Chat, error) {
	out, err := i.Client.PushAndPull(ctx, since, chats, ids)
	i.fire()
	return out, err
}

func (h *harness) newDevice(t *testing.T, userID string) *device {
	t.Helper()

	token, _, err := h.Issuer.Issue(userID)
	require.NoError(t, err)

	return h.newDeviceWithToken(t, token)
}

func (h *harness) newDeviceWithToken(t *testing.T, token string) *device {
	t.Helper()

	c, err := cache.LoadAt(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.SetToken(token))

	logger := slog.New(slog.DiscardHandler)
	writer := generation.New(c, logger, 10*time.Millisecond)
	sweeper := sweep.New(c, writer, logger)
	writer.AttachSweeper(sweeper)

	wire := &interceptor{Client: transport.NewClient(h.URL, c, 5*time.Second)}

	sched := scheduler.New(
		c,
		sweeper,
		collector.New(c),
		wire,
		status.NewBroadcaster(),
		logger,
		scheduler.Config{Interval: time.Hour, Timeout: 5 * time.Second},
		scheduler.WithBusySignal(writer),
	)

	return &device{Cache: c, Writer: writer, Sched: sched, Wire: wire}
}

// settle steps past the current millisecond so that cursors and
// timestamps on either side of it compare strictly.
func settle() {
	time.Sleep(3 * time.Millisecond)
}

func (d *device) sync(t *testing.T) status.Event {
	t.Helper()
	settle()
	ev, err := d.Sched.SyncNow(context.Background())
	require.NoError(t, err)
	settle()
	return ev
}

// chat generates a full exchange in chatID and returns once the answer
// is finalized.
func (d *device) chat(t *testing.T, chatID, prompt, answer string) {
	t.Helper()
	settle()

	stream, err := d.Writer.Begin(context.Background(), chatID, prompt, "test", "echo-1")
	require.NoError(t, err)
	require.NoError(t, stream.Append(answer))
	require.NoError(t, stream.Finish(nil))
}

func (d *device) contents(t *testing.T, chatID string) []string {
	t.Helper()
	msgs, err := d.Cache.MessagesForChat(chatID)
	require.NoError(t, err)

	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}

	return out
}
