// Package store is the server's durable chat store, backed by SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	title       TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	modified_at INTEGER NOT NULL,
	in_trash    INTEGER NOT NULL DEFAULT 0,
	is_pinned   INTEGER NOT NULL DEFAULT 0,
	is_public   INTEGER NOT NULL DEFAULT 0,
	tags        TEXT NOT NULL DEFAULT '[]',
	notes       TEXT NOT NULL DEFAULT '',
	messages    TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS chats_user_modified ON chats (user_id, modified_at);
`

const columns = `id, user_id, title, created_at, updated_at, modified_at,
	in_trash, is_pinned, is_public, tags, notes, messages`

// Record is a stored chat plus the server's own write stamp.
// Chat.UpdatedAt is the last-writer-wins version supplied by the client
// that wrote it; ModifiedAt is when the server last wrote the row and
// drives incremental pulls.
type Record struct {
	Chat       models.Chat
	ModifiedAt time.Time
}

// Tx is the set of operations available inside one store transaction.
type Tx interface {
	// MatchForMerge returns every row whose id is in ids, regardless of
	// owner, plus every row of userID modified after since. A nil since
	// matches all of the user's rows.
	MatchForMerge(ctx context.Context, userID string, ids []string, since *time.Time) ([]Record, error)

	// Update overwrites the mutable fields of a row owned by userID.
	Update(ctx context.Context, userID string, chat models.Chat, modifiedAt time.Time) error

	// InsertOrIgnore inserts a new row. It reports false when a row with
	// the same id already exists.
	InsertOrIgnore(ctx context.Context, userID string, chat models.Chat, modifiedAt time.Time) (bool, error)

	// Get returns the row with the given id, or nil.
	Get(ctx context.Context, id string) (*Record, error)
}

// Store wraps a SQLite database holding every user's chats.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer; one connection also serializes
	// batches without SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating chats table: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InTx runs fn inside one transaction. The transaction commits only if
// fn returns nil; any error rolls back every write fn made.
func (s *Store) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// ChangedSince returns every chat of userID modified after since, or
// all of them when since is nil, newest updatedAt first.
func (s *Store) ChangedSince(ctx context.Context, userID string, since *time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+`
		FROM chats
		WHERE user_id = ? AND modified_at > ?
		ORDER BY updated_at DESC, id
	`, userID, cursorMillis(since))
	if err != nil {
		return nil, fmt.Errorf("querying changed chats: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) MatchForMerge(ctx context.Context, userID string, ids []string, since *time.Time) ([]Record, error) {
	idList, err := json.Marshal(nonNil(ids))
	if err != nil {
		return nil, fmt.Errorf("encoding id list: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+columns+`
		FROM chats
		WHERE id IN (SELECT value FROM json_each(?))
		   OR (user_id = ? AND modified_at > ?)
		ORDER BY updated_at DESC, id
	`, string(idList), userID, cursorMillis(since))
	if err != nil {
		return nil, fmt.Errorf("querying merge candidates: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (t *sqlTx) Update(ctx context.Context, userID string, chat models.Chat, modifiedAt time.Time) error {
	tags, messages, err := encodeLists(chat)
	if err != nil {
		return err
	}

	res, err := t.tx.ExecContext(ctx, `
		UPDATE chats
		SET title = ?, created_at = ?, updated_at = ?, modified_at = ?,
			in_trash = ?, is_pinned = ?, is_public = ?, tags = ?, notes = ?, messages = ?
		WHERE id = ? AND user_id = ?
	`, chat.Title, chat.CreatedAt.UnixMilli(), chat.UpdatedAt.UnixMilli(), modifiedAt.UnixMilli(),
		chat.InTrash, chat.IsPinned, chat.IsPublic, tags, chat.Notes, messages,
		chat.ID, userID)
	if err != nil {
		return fmt.Errorf("updating chat %s: %w", chat.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating chat %s: %w", chat.ID, err)
	}

	if n != 1 {
		return fmt.Errorf("updating chat %s: %d rows affected", chat.ID, n)
	}

	return nil
}

func (t *sqlTx) InsertOrIgnore(ctx context.Context, userID string, chat models.Chat, modifiedAt time.Time) (bool, error) {
	tags, messages, err := encodeLists(chat)
	if err != nil {
		return false, err
	}

	res, err := t.tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO chats (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, chat.ID, userID, chat.Title, chat.CreatedAt.UnixMilli(), chat.UpdatedAt.UnixMilli(), modifiedAt.UnixMilli(),
		chat.InTrash, chat.IsPinned, chat.IsPublic, tags, chat.Notes, messages)
	if err != nil {
		return false, fmt.Errorf("inserting chat %s: %w", chat.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting chat %s: %w", chat.ID, err)
	}

	return n == 1, nil
}

func (t *sqlTx) Get(ctx context.Context, id string) (*Record, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+columns+` FROM chats WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("querying chat %s: %w", id, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if len(recs) == 0 {
		return nil, nil
	}

	return &recs[0], nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record

	for rows.Next() {
		var (
			rec                        Record
			created, updated, modified int64
			tagsJSON, messagesJSON     string
		)

		c := &rec.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &created, &updated, &modified,
			&c.InTrash, &c.IsPinned, &c.IsPublic, &tagsJSON, &c.Notes, &messagesJSON); err != nil {
			return nil, fmt.Errorf("scanning chat row: %w", err)
		}

		if err := json.Unmarshal([]byte(tagsJSON), &c.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags of %s: %w", c.ID, err)
		}

		if err := json.Unmarshal([]byte(messagesJSON), &c.Messages); err != nil {
			return nil, fmt.Errorf("decoding messages of %s: %w", c.ID, err)
		}

		c.CreatedAt = fromMillis(created)
		c.UpdatedAt = fromMillis(updated)
		rec.ModifiedAt = fromMillis(modified)

		if c.Tags == nil {
			c.Tags = []string{}
		}

		if c.Messages == nil {
			c.Messages = []models.Message{}
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat rows: %w", err)
	}

	return out, nil
}

func encodeLists(chat models.Chat) (string, string, error) {
	tags, err := json.Marshal(nonNil(chat.Tags))
	if err != nil {
		return "", "", fmt.Errorf("encoding tags of %s: %w", chat.ID, err)
	}

	msgs := chat.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}

	messages, err := json.Marshal(msgs)
	if err != nil {
		return "", "", fmt.Errorf("encoding messages of %s: %w", chat.ID, err)
	}

	return string(tags), string(messages), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}

// cursorMillis maps a nil cursor below every stored stamp.
func cursorMillis(since *time.Time) int64 {
	if since == nil || since.IsZero() {
		return -1
	}

	return since.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms).UTC()
}
