// Package generation writes streamed assistant output into the local
// cache. Content is buffered in memory and flushed on a fixed tick so a
// fast token stream does not turn into a write per token.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/sweep"
	"github.com/google/uuid"
)

const (
	// DefaultFlushInterval is how often buffered content reaches the cache.
	DefaultFlushInterval = 300 * time.Millisecond

	// maxPending forces an early flush once this many bytes are buffered.
	maxPending = 16 << 10

	maxTitleRunes = 50
	defaultTitle  = "New Chat"
)

// ErrDetached is returned by Append and Finish on a stream that was
// superseded by a newer generation or a chat switch.
var ErrDetached = errors.New("generation stream detached")

// ChatSweeper repairs one chat. *sweep.Sweeper implements it.
type ChatSweeper interface {
	SweepChat(ctx context.Context, chatID string) (sweep.Report, error)
}

// Writer owns the single live generation of the client.
type Writer struct {
	cache         *cache.Cache
	logger        *slog.Logger
	flushInterval time.Duration
	newID         func() string

	mu      sync.Mutex
	active  *Stream
	sweeper ChatSweeper
}

// Option configures a Writer.
type Option func(*Writer)

// WithIDs replaces the id generator.
func WithIDs(newID func() string) Option {
	return func(w *Writer) {
		w.newID = newID
	}
}

// New creates a Writer flushing every flushInterval.
func New(c *cache.Cache, logger *slog.Logger, flushInterval time.Duration, opts ...Option) *Writer {
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	w := &Writer{
		cache:         c,
		logger:        logger,
		flushInterval: flushInterval,
		newID:         uuid.NewString,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// AttachSweeper sets the sweeper run on chat switches. The sweeper
// itself depends on the writer, so it is attached after construction.
func (w *Writer) AttachSweeper(s ChatSweeper) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.sweeper = s
}

// Busy reports whether a generation is streaming.
func (w *Writer) Busy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.active != nil
}

// Active returns the stream currently writing, or nil.
func (w *Writer) Active() *Stream {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.active
}

// ActiveMessageID returns the id of the message being streamed, or "".
func (w *Writer) ActiveMessageID() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == nil {
		return ""
	}

	return w.active.messageID
}

// Begin starts a generation in chatID, creating the chat when it does
// not exist (an empty chatID always creates one). It stores the user
// prompt and a loading assistant placeholder, and detaches any previous
// stream.
func (w *Writer) Begin(ctx context.Context, chatID, prompt, provider, model string) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if chatID == "" {
		chatID = w.newID()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active != nil {
		w.active.detach()
		w.active = nil
	}

	now := w.cache.Now()

	existing, err := w.cache.GetChat(chatID)
	if err != nil {
		return nil, fmt.Errorf("loading chat %s: %w", chatID, err)
	}

	if existing == nil {
		err := w.cache.PutChat(cache.ChatRecord{
			ID:        chatID,
			Title:     titleFrom(prompt),
			CreatedAt: now,
			UpdatedAt: now,
			Tags:      []string{},
		})
		if err != nil {
			return nil, fmt.Errorf("creating chat %s: %w", chatID, err)
		}
	}

	userMsg := cache.MessageRecord{
		ID:        w.newID(),
		ChatID:    chatID,
		Role:      models.RoleUser,
		Content:   prompt,
		CreatedAt: now,
		Provider:  provider,
		Model:     model,
	}

	placeholder := cache.MessageRecord{
		ID:        w.newID(),
		ChatID:    chatID,
		Role:      models.RoleAssistant,
		CreatedAt: now.Add(time.Millisecond),
		Provider:  provider,
		Model:     model,
		Loading:   true,
	}

	for _, m := range []cache.MessageRecord{userMsg, placeholder} {
		if err := w.cache.PutMessage(m); err != nil {
			return nil, fmt.Errorf("storing message %s: %w", m.ID, err)
		}
	}

	if err := w.cache.TouchChat(chatID); err != nil {
		return nil, fmt.Errorf("bumping chat %s: %w", chatID, err)
	}

	s := newStream(w, chatID, placeholder.ID)
	w.active = s

	w.logger.Debug("generation started",
		slog.String("chat_id", chatID),
		slog.String("message_id", placeholder.ID),
		slog.String("provider", provider),
		slog.String("model", model),
	)

	return s, nil
}

// SwitchChat makes chatID the active chat. A stream writing into a
// different chat is detached so its late content is discarded; the
// sweep then repairs chatID.
func (w *Writer) SwitchChat(ctx context.Context, chatID string) (sweep.Report, error) {
	w.mu.Lock()
	if w.active != nil && w.active.chatID != chatID {
		w.logger.Debug("generation detached by chat switch",
			slog.String("chat_id", w.active.chatID),
			slog.String("message_id", w.active.messageID),
		)

		w.active.detach()
		w.active = nil
	}

	sw := w.sweeper
	w.mu.Unlock()

	if sw == nil {
		return sweep.Report{}, nil
	}

	return sw.SweepChat(ctx, chatID)
}

// release clears the active stream if it is still s.
func (w *Writer) release(s *Stream) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.active == s {
		w.active = nil
	}
}

// Stream is one live assistant message.
type Stream struct {
	w         *Writer
	chatID    string
	messageID string

	mu       sync.Mutex
	content  strings.Builder
	pending  strings.Builder
	detached bool
	done     chan struct{}
	stopped  chan struct{}
}

func newStream(w *Writer, chatID, messageID string) *Stream {
	s := &Stream{
		w:         w,
		chatID:    chatID,
		messageID: messageID,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	go s.flushLoop(w.flushInterval)

	return s
}

// ChatID returns the chat the stream writes into.
func (s *Stream) ChatID() string { return s.chatID }

// MessageID returns the assistant message being streamed.
func (s *Stream) MessageID() string { return s.messageID }

// Append buffers delta. It flushes immediately once the buffer is large.
func (s *Stream) Append(delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return ErrDetached
	}

	s.pending.WriteString(delta)

	if s.pending.Len() >= maxPending {
		return s.flushLocked()
	}

	return nil
}

// Finish writes the final content and marks the message finalized. When
// genErr is non-nil and nothing was produced, the error text becomes the
// content.
func (s *Stream) Finish(genErr error) error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return ErrDetached
	}

	s.detached = true
	close(s.done)

	s.content.WriteString(s.pending.String())
	s.pending.Reset()

	final := s.content.String()
	if genErr != nil && models.IsBlank(final) {
		final = genErr.Error()
	}
	s.mu.Unlock()

	<-s.stopped
	defer s.w.release(s)

	_, err := s.w.cache.UpdateMessage(s.chatID, s.messageID, func(m *cache.MessageRecord) {
		m.Content = final
		m.Loading = false
	})
	if err != nil {
		return fmt.Errorf("finalizing message %s: %w", s.messageID, err)
	}

	if err := s.w.cache.TouchChat(s.chatID); err != nil {
		return fmt.Errorf("bumping chat %s: %w", s.chatID, err)
	}

	s.w.logger.Debug("generation finished",
		slog.String("chat_id", s.chatID),
		slog.String("message_id", s.messageID),
		slog.Int("bytes", len(final)),
		slog.Bool("failed", genErr != nil),
	)

	return nil
}

// detach drops the buffer and stops flushing. The placeholder stays
// loading for the sweep to repair. Callers hold w.mu.
func (s *Stream) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return
	}

	s.detached = true
	s.pending.Reset()
	close(s.done)
}

func (s *Stream) flushLoop(interval time.Duration) {
	defer close(s.stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.detached {
				if err := s.flushLocked(); err != nil {
					s.w.logger.Warn("generation flush failed",
						slog.String("message_id", s.messageID),
						slog.String("error", err.Error()),
					)
				}
			}
			s.mu.Unlock()
		}
	}
}

// flushLocked moves pending content into the stored message. The write
// is skipped when the message is no longer loading.
func (s *Stream) flushLocked() error {
	if s.pending.Len() == 0 {
		return nil
	}

	s.content.WriteString(s.pending.String())
	s.pending.Reset()

	content := s.content.String()

	_, err := s.w.cache.UpdateMessage(s.chatID, s.messageID, func(m *cache.MessageRecord) {
		if m.Loading {
			m.Content = content
		}
	})

	return err
}

// titleFrom derives a chat title from the first line of the prompt.
func titleFrom(prompt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(prompt), "\n")
	line = strings.TrimSpace(line)

	if line == "" {
		return defaultTitle
	}

	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}

	runes := []rune(line)

	return strings.TrimSpace(string(runes[:maxTitleRunes]))
}
