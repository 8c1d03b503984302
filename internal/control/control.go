// Package control is the client's local HTTP surface: sync status, a
// live status stream, a manual "sync now" action, the chat mutations
// the user interface drives, and the feed for streamed assistant output.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/cache"
	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/generation"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/alexjbarnes/chat-sync/internal/status"
	"github.com/alexjbarnes/chat-sync/internal/sweep"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// writeTimeout bounds a single status frame write.
	writeTimeout = 10 * time.Second

	maxPatchBytes = 1 << 20
)

// Syncer runs a manual sync round. *scheduler.Scheduler implements it.
type Syncer interface {
	SyncNow(ctx context.Context) (status.Event, error)
}

// ChatStore is the slice of the local cache the chat endpoints use.
type ChatStore interface {
	AllChats() ([]cache.ChatRecord, error)
	UpdateChat(id string, fn func(*cache.ChatRecord)) error
}

// Generator owns the live generation and cleans up a chat when the
// user opens it. *generation.Writer implements it.
type Generator interface {
	Begin(ctx context.Context, chatID, prompt, provider, model string) (*generation.Stream, error)
	Active() *generation.Stream
	SwitchChat(ctx context.Context, chatID string) (sweep.Report, error)
}

// Config wires the control mux.
type Config struct {
	Syncer    Syncer
	Status    *status.Broadcaster
	Cache     ChatStore
	Generator Generator
	Logger    *slog.Logger
}

// NewMux builds the control mux.
func NewMux(cfg Config) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", handleStatus(cfg.Status))
	mux.HandleFunc("GET /status/stream", handleStream(cfg.Status, cfg.Logger))
	mux.HandleFunc("POST /sync", handleSyncNow(cfg.Syncer, cfg.Logger))
	mux.HandleFunc("GET /chats", handleListChats(cfg.Cache, cfg.Logger))
	mux.HandleFunc("PATCH /chats/{id}", handlePatchChat(cfg.Cache, cfg.Logger))
	mux.HandleFunc("POST /chats/{id}/open", handleOpenChat(cfg.Generator, cfg.Logger))
	mux.HandleFunc("POST /generations", handleBegin(cfg.Generator, cfg.Logger))
	mux.HandleFunc("POST /generations/{messageId}/append", handleAppend(cfg.Generator))
	mux.HandleFunc("POST /generations/{messageId}/finish", handleFinish(cfg.Generator, cfg.Logger))

	return mux
}

func handleStatus(st *status.Broadcaster) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, st.Current())
	}
}

// handleStream upgrades to a websocket and pushes every status event,
// starting with the current one, until the peer goes away.
func handleStream(st *status.Broadcaster, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("status stream: upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		// The stream is one-way; CloseRead handles control frames and
		// cancels ctx when the peer closes.
		ctx := conn.CloseRead(r.Context())

		events, cancel := st.Subscribe()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "")
				return

			case ev, ok := <-events:
				if !ok {
					conn.Close(websocket.StatusGoingAway, "")
					return
				}

				writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
				err := wsjson.Write(writeCtx, conn, ev)
				cancelWrite()

				if err != nil {
					logger.Debug("status stream: write failed", slog.String("error", err.Error()))
					return
				}
			}
		}
	}
}

func handleSyncNow(syncer Syncer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := syncer.SyncNow(r.Context())

		switch {
		case errors.Is(err, apperrors.ErrSyncInProgress):
			writeJSON(w, http.StatusConflict, ev)
		case err != nil:
			logger.Debug("manual sync failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusOK, ev)
		default:
			writeJSON(w, http.StatusOK, ev)
		}
	}
}

// ChatPatch is the body of PATCH /chats/{id}. Absent fields are left
// unchanged.
type ChatPatch struct {
	Title    *string  `json:"title"`
	InTrash  *bool    `json:"inTrash"`
	IsPinned *bool    `json:"isPinned"`
	IsPublic *bool    `json:"isPublic"`
	Tags     []string `json:"tags"`
	Notes    *string  `json:"notes"`
}

func (p ChatPatch) apply(rec *cache.ChatRecord) {
	if p.Title != nil && !models.IsBlank(*p.Title) {
		rec.Title = *p.Title
	}

	if p.InTrash != nil {
		rec.InTrash = *p.InTrash
	}

	if p.IsPinned != nil {
		rec.IsPinned = *p.IsPinned
	}

	if p.IsPublic != nil {
		rec.IsPublic = *p.IsPublic
	}

	if p.Tags != nil {
		rec.Tags = models.SanitizeTags(p.Tags)
	}

	if p.Notes != nil {
		rec.Notes = *p.Notes
	}
}

func handleListChats(store ChatStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		chats, err := store.AllChats()
		if err != nil {
			logger.Error("listing chats", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})

			return
		}

		if chats == nil {
			chats = []cache.ChatRecord{}
		}

		writeJSON(w, http.StatusOK, chats)
	}
}

func handlePatchChat(store ChatStore, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch ChatPatch
		if !decodeBody(w, r, &patch) {
			return
		}

		id := r.PathValue("id")

		err := store.UpdateChat(id, patch.apply)
		switch {
		case errors.Is(err, apperrors.ErrChatNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "chat not found"})
		case err != nil:
			logger.Error("updating chat", slog.String("chat_id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

func handleOpenChat(chats Generator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		report, err := chats.SwitchChat(r.Context(), id)
		if err != nil {
			logger.Error("opening chat", slog.String("chat_id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})

			return
		}

		writeJSON(w, http.StatusOK, report)
	}
}

// BeginRequest is the body of POST /generations. An empty ChatID
// starts a new chat.
type BeginRequest struct {
	ChatID   string `json:"chatId"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// BeginResponse identifies the placeholder the stream writes into.
type BeginResponse struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

// AppendRequest is the body of POST /generations/{messageId}/append.
type AppendRequest struct {
	Delta string `json:"delta"`
}

// FinishRequest is the body of POST /generations/{messageId}/finish.
// A non-empty Error marks the generation as failed.
type FinishRequest struct {
	Error string `json:"error"`
}

// decodeBody reads a JSON body into v. An empty body leaves v zero.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPatchBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}

	return true
}

func handleBegin(gen Generator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BeginRequest
		if !decodeBody(w, r, &req) {
			return
		}

		if models.IsBlank(req.Prompt) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt must not be empty"})
			return
		}

		stream, err := gen.Begin(r.Context(), req.ChatID, req.Prompt, req.Provider, req.Model)
		if err != nil {
			logger.Error("starting generation", slog.String("chat_id", req.ChatID), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})

			return
		}

		writeJSON(w, http.StatusCreated, BeginResponse{ChatID: stream.ChatID(), MessageID: stream.MessageID()})
	}
}

// activeStream returns the live stream when it writes messageID.
func activeStream(gen Generator, messageID string) *generation.Stream {
	s := gen.Active()
	if s == nil || s.MessageID() != messageID {
		return nil
	}

	return s
}

func writeDetached(w http.ResponseWriter) {
	writeJSON(w, http.StatusConflict, map[string]string{"error": generation.ErrDetached.Error()})
}

func handleAppend(gen Generator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AppendRequest
		if !decodeBody(w, r, &req) {
			return
		}

		s := activeStream(gen, r.PathValue("messageId"))
		if s == nil {
			writeDetached(w)
			return
		}

		if err := s.Append(req.Delta); err != nil {
			if errors.Is(err, generation.ErrDetached) {
				writeDetached(w)
				return
			}

			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func handleFinish(gen Generator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FinishRequest
		if !decodeBody(w, r, &req) {
			return
		}

		s := activeStream(gen, r.PathValue("messageId"))
		if s == nil {
			writeDetached(w)
			return
		}

		var genErr error
		if !models.IsBlank(req.Error) {
			genErr = errors.New(req.Error)
		}

		if err := s.Finish(genErr); err != nil {
			if errors.Is(err, generation.ErrDetached) {
				writeDetached(w)
				return
			}

			logger.Error("finishing generation", slog.String("message_id", s.MessageID()), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
