// Package server provides the HTTP surface of the sync server.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/models"
)

// maxBodyBytes caps a sync request body.
const maxBodyBytes = 32 << 20

// Resolver merges and serves chats. *resolver.Resolver implements it.
type Resolver interface {
	Merge(ctx context.Context, userID string, req models.SyncRequest) ([]models.Chat, error)
	FetchNew(ctx context.Context, userID string, since *time.Time) ([]models.Chat, error)
	Shared(ctx context.Context, chatID string) (*models.Chat, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Resolver Resolver
	Issuer   *auth.Issuer
	Logger   *slog.Logger
}

// NewMux builds the HTTP mux. Both sync RPCs are protected by Bearer
// token middleware; the health check and the read-only shared chat view
// are not.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /shared-chat/{id}", handleShared(cfg.Resolver, cfg.Logger))

	authMiddleware := auth.Middleware(cfg.Issuer, cfg.Logger)
	mux.Handle("POST /sync", authMiddleware(handleSync(cfg.Resolver, cfg.Logger)))
	mux.Handle("POST /fetch-new-records", authMiddleware(handleFetchNew(cfg.Resolver, cfg.Logger)))

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleSync(r Resolver, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		userID := auth.RequestUserID(req.Context())
		ip := auth.RequestRemoteIP(req.Context())

		var body models.SyncRequest
		if !decode(w, req, &body, logger) {
			return
		}

		changes, err := r.Merge(req.Context(), userID, body)
		if err != nil {
			logger.Error("sync: merge failed",
				slog.String("user_id", userID),
				slog.String("ip", ip),
				slog.Int("chats", len(body.UpdatedChats)),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "sync failed")

			return
		}

		logger.Info("sync",
			slog.String("user_id", userID),
			slog.String("ip", ip),
			slog.Int("incoming", len(body.UpdatedChats)),
			slog.Int("server_changes", len(changes)),
		)

		writeJSON(w, http.StatusOK, models.SyncResponse{ServerChanges: changes})
	}
}

func handleFetchNew(r Resolver, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		userID := auth.RequestUserID(req.Context())
		ip := auth.RequestRemoteIP(req.Context())

		var body models.FetchRequest
		if !decode(w, req, &body, logger) {
			return
		}

		changes, err := r.FetchNew(req.Context(), userID, body.LastSyncedAt)
		if err != nil {
			logger.Error("fetch-new-records failed",
				slog.String("user_id", userID),
				slog.String("ip", ip),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "fetch failed")

			return
		}

		logger.Debug("fetch-new-records",
			slog.String("user_id", userID),
			slog.String("ip", ip),
			slog.Int("server_changes", len(changes)),
		)

		writeJSON(w, http.StatusOK, models.SyncResponse{ServerChanges: changes})
	}
}

// handleShared serves a public chat without authentication. Private,
// trashed and unknown chats are indistinguishable to the caller.
func handleShared(r Resolver, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		chatID := req.PathValue("id")

		chat, err := r.Shared(req.Context(), chatID)
		if err != nil {
			logger.Error("shared-chat failed",
				slog.String("chat_id", chatID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "lookup failed")

			return
		}

		if chat == nil {
			writeError(w, http.StatusNotFound, "chat not found or is not public")
			return
		}

		writeJSON(w, http.StatusOK, models.NewSharedChatResponse(*chat))
	}
}

// decode reads a JSON body into v, writing a 400 or 413 on failure.
func decode(w http.ResponseWriter, req *http.Request, v any, logger *slog.Logger) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)

	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}

		logger.Debug("rejecting malformed request",
			slog.String("path", req.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body")

		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
