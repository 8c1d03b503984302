package errors

import "errors"

// Client errors.
var (
	ErrUnauthorized   = errors.New("invalid or expired token")
	ErrChatNotFound   = errors.New("chat not found")
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
