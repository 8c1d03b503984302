// Package transport is the HTTP client for the two sync RPCs.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/tidwall/gjson"
)

const (
	syncPath  = "/sync"
	fetchPath = "/fetch-new-records"

	// maxErrorBody bounds how much of a failed response is echoed into
	// the error message.
	maxErrorBody = 512

	// maxResponseBody caps a successful response.
	maxResponseBody = 64 << 20
)

// TokenSource supplies the bearer token for each request. The local
// cache implements it.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource returning a fixed token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token() string { return string(s) }

// Client talks to the sync server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenSource
}

// NewClient creates a sync client for the server at baseURL. Every
// request is bounded by timeout.
func NewClient(baseURL string, tokens TokenSource, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		tokens:     tokens,
	}
}

// PullNew returns every chat of the caller created or updated on the
// server after since. A nil since returns everything.
func (c *Client) PullNew(ctx context.Context, since *time.Time) ([]models.Chat, error) {
	req := models.FetchRequest{LastSyncedAt: millisPtr(since)}

	var resp models.SyncResponse
	if err := c.post(ctx, fetchPath, req, &resp); err != nil {
		return nil, fmt.Errorf("pulling new records: %w", err)
	}

	return resp.ServerChanges, nil
}

// PushAndPull sends the outgoing batch and returns the server's
// authoritative changes. ids must list the ids of chats.
func (c *Client) PushAndPull(ctx context.Context, since *time.Time, chats []models.Chat, ids []string) ([]models.Chat, error) {
	if chats == nil {
		chats = []models.Chat{}
	}

	if ids == nil {
		ids = []string{}
	}

	req := models.SyncRequest{
		LastSyncedAt: millisPtr(since),
		UpdatedChats: chats,
		IDs:          ids,
	}

	var resp models.SyncResponse
	if err := c.post(ctx, syncPath, req, &resp); err != nil {
		return nil, fmt.Errorf("pushing %d chats: %w", len(chats), err)
	}

	return resp.ServerChanges, nil
}

// post sends a JSON POST request and decodes the response into result.
func (c *Client) post(ctx context.Context, endpoint string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshalling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: sending request to %s: %w", apperrors.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: reading response from %s: %w", apperrors.ErrAPIRequest, endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", apperrors.ErrUnauthorized, errorText(resp.StatusCode, respBody))
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s %s", apperrors.ErrAPIRequest, endpoint, errorText(resp.StatusCode, respBody))
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
	}

	return nil
}

// errorText prefers the server's {"error": "..."} message over the raw body.
func errorText(status int, body []byte) string {
	if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String && msg.Str != "" {
		return fmt.Sprintf("(%d): %s", status, msg.Str)
	}

	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}

	if text == "" {
		return fmt.Sprintf("returned status %d", status)
	}

	return fmt.Sprintf("returned status %d: %s", status, text)
}

func millisPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}

	m := models.Millis(*t)

	return &m
}
