// Package cache is the client-side local store for chats, messages and
// the sync cursor. It wraps a bbolt database and notifies subscribers
// after every committed change.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// cacheDirPerm is the permission mode for the cache directory (~/.chatsync/).
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the cache database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second

	// subscriberBuffer is the channel size for change subscribers. A full
	// subscriber drops notifications rather than blocking writers.
	subscriberBuffer = 64

	// keySep separates the chat id from the message id in message keys so
	// all messages of a chat can be found with a prefix scan.
	keySep = "\x00"
)

var (
	chatsBucket    = []byte("chats")
	messagesBucket = []byte("messages")
	metaBucket     = []byte("meta")

	lastSyncedAtKey = []byte("lastSyncedAt")
	tokenKey        = []byte("token")

	// errUnchanged rolls back an update transaction that found nothing to write.
	errUnchanged = errors.New("unchanged")
)

// Table names used in change notifications.
type Table string

const (
	TableChats    Table = "chats"
	TableMessages Table = "messages"
	TableMeta     Table = "meta"
)

// Change describes one committed mutation. ChatID is set for chat and
// message changes.
type Change struct {
	Table  Table
	ChatID string
	ID     string
}

// ChatRecord is a chat as stored locally. Messages live in their own
// bucket and the owning user is not known on the client.
type ChatRecord struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Tags      []string  `json:"tags"`
	Notes     string    `json:"notes"`
	InTrash   bool      `json:"inTrash"`
	IsPinned  bool      `json:"isPinned"`
	IsPublic  bool      `json:"isPublic"`
}

// MessageRecord is a message as stored locally. Loading is true only
// while a live generation is producing the content.
type MessageRecord struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Loading   bool      `json:"loading"`
}

// Cache wraps a bbolt database holding the local copy of all chats.
type Cache struct {
	db  *bolt.DB
	now func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock used to stamp mutations.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Load opens the cache database at ~/.chatsync/cache.db.
func Load(opts ...Option) (*Cache, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}

	return LoadAt(path, opts...)
}

// DefaultPath returns ~/.chatsync/cache.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(dir, ".chatsync", "cache.db"), nil
}

// LoadAt opens a cache database at the given path, creating it and its
// buckets if they do not exist.
func LoadAt(path string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{chatsBucket, messagesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing cache db: %w", err)
	}

	c := &Cache{
		db:   db,
		now:  time.Now,
		subs: make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Close closes the database and all subscriber channels.
func (c *Cache) Close() error {
	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.subMu.Unlock()

	return c.db.Close()
}

// Now returns the cache clock at millisecond resolution.
func (c *Cache) Now() time.Time {
	return models.Millis(c.now())
}

// Subscribe returns a channel receiving every committed change and a
// function that cancels the subscription.
func (c *Cache) Subscribe() (<-chan Change, func()) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	id := c.nextSub
	c.nextSub++
	ch := make(chan Change, subscriberBuffer)
	c.subs[id] = ch

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()

		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
}

func (c *Cache) notify(changes ...Change) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subs {
		for _, change := range changes {
			select {
			case ch <- change:
			default:
			}
		}
	}
}

// bump returns a fresh mutation stamp strictly after prev.
func (c *Cache) bump(prev time.Time) time.Time {
	now := c.Now()
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}

	return now
}

func messageKey(chatID, messageID string) []byte {
	return []byte(chatID + keySep + messageID)
}

func messagePrefix(chatID string) []byte {
	return []byte(chatID + keySep)
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return b.Put(key, data)
}

func getChat(tx *bolt.Tx, id string) (*ChatRecord, error) {
	v := tx.Bucket(chatsBucket).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	rec := &ChatRecord{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decoding chat %s: %w", id, err)
	}

	return rec, nil
}

func chatMessages(tx *bolt.Tx, chatID string) ([]MessageRecord, error) {
	var msgs []MessageRecord

	prefix := messagePrefix(chatID)
	cur := tx.Bucket(messagesBucket).Cursor()

	for k, v := cur.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = cur.Next() {
		var m MessageRecord
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, fmt.Errorf("decoding message %s: %w", k, err)
		}

		msgs = append(msgs, m)
	}

	SortMessages(msgs)

	return msgs, nil
}

// SortMessages orders message records by creation time, then id.
func SortMessages(msgs []MessageRecord) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}

		return msgs[i].ID < msgs[j].ID
	})
}

// GetChat returns the chat with the given id, or nil if not found.
func (c *Cache) GetChat(id string) (*ChatRecord, error) {
	var rec *ChatRecord

	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getChat(tx, id)

		return err
	})

	return rec, err
}

// PutChat stores a chat record as is. Callers mutating an existing chat
// should prefer UpdateChat, which maintains UpdatedAt.
func (c *Cache) PutChat(rec ChatRecord) error {
	rec.CreatedAt = models.Millis(rec.CreatedAt)
	rec.UpdatedAt = models.Millis(rec.UpdatedAt)

	err := c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(chatsBucket), []byte(rec.ID), rec)
	})
	if err != nil {
		return err
	}

	c.notify(Change{Table: TableChats, ChatID: rec.ID, ID: rec.ID})

	return nil
}

// UpdateChat applies fn to the stored chat and stamps a fresh UpdatedAt.
// It is the path for user mutations such as pin, trash, tags and notes.
func (c *Cache) UpdateChat(id string, fn func(*ChatRecord)) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		rec, err := getChat(tx, id)
		if err != nil {
			return err
		}

		if rec == nil {
			return fmt.Errorf("updating chat %s: %w", id, apperrors.ErrChatNotFound)
		}

		prev := rec.UpdatedAt
		fn(rec)
		rec.ID = id
		rec.UpdatedAt = c.bump(prev)

		return putJSON(tx.Bucket(chatsBucket), []byte(id), rec)
	})
	if err != nil {
		return err
	}

	c.notify(Change{Table: TableChats, ChatID: id, ID: id})

	return nil
}

// TouchChat bumps the chat's UpdatedAt without changing anything else.
func (c *Cache) TouchChat(id string) error {
	return c.UpdateChat(id, func(*ChatRecord) {})
}

// AllChats returns every chat record.
func (c *Cache) AllChats() ([]ChatRecord, error) {
	return c.filterChats(func(ChatRecord) bool { return true })
}

// ChatsUpdatedAfter returns the chats whose UpdatedAt is strictly after t.
func (c *Cache) ChatsUpdatedAfter(t time.Time) ([]ChatRecord, error) {
	return c.filterChats(func(rec ChatRecord) bool { return rec.UpdatedAt.After(t) })
}

func (c *Cache) filterChats(keep func(ChatRecord) bool) ([]ChatRecord, error) {
	var out []ChatRecord

	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(k, v []byte) error {
			var rec ChatRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding chat %s: %w", k, err)
			}

			if keep(rec) {
				out = append(out, rec)
			}

			return nil
		})
	})

	return out, err
}

// PutMessage stores a message record.
func (c *Cache) PutMessage(m MessageRecord) error {
	m.CreatedAt = models.Millis(m.CreatedAt)

	err := c.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(messagesBucket), messageKey(m.ChatID, m.ID), m)
	})
	if err != nil {
		return err
	}

	c.notify(Change{Table: TableMessages, ChatID: m.ChatID, ID: m.ID})

	return nil
}

// GetMessage returns a message, or nil if not found.
func (c *Cache) GetMessage(chatID, id string) (*MessageRecord, error) {
	var m *MessageRecord

	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(messagesBucket).Get(messageKey(chatID, id))
		if v == nil {
			return nil
		}

		m = &MessageRecord{}

		return json.Unmarshal(v, m)
	})

	return m, err
}

// UpdateMessage applies fn to a stored message. It reports false when
// the message no longer exists.
func (c *Cache) UpdateMessage(chatID, id string, fn func(*MessageRecord)) (bool, error) {
	found := false

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		key := messageKey(chatID, id)

		v := b.Get(key)
		if v == nil {
			return nil
		}

		var m MessageRecord
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("decoding message %s: %w", id, err)
		}

		fn(&m)
		m.ID = id
		m.ChatID = chatID
		found = true

		return putJSON(b, key, m)
	})
	if err != nil || !found {
		return found, err
	}

	c.notify(Change{Table: TableMessages, ChatID: chatID, ID: id})

	return true, nil
}

// DeleteMessages removes messages of a chat by id. Missing ids are ignored.
func (c *Cache) DeleteMessages(chatID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}

	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket)
		for _, id := range ids {
			if err := b.Delete(messageKey(chatID, id)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return err
	}

	changes := make([]Change, 0, len(ids))
	for _, id := range ids {
		changes = append(changes, Change{Table: TableMessages, ChatID: chatID, ID: id})
	}

	c.notify(changes...)

	return nil
}

// MessagesForChat returns the messages of a chat ordered by creation time.
func (c *Cache) MessagesForChat(chatID string) ([]MessageRecord, error) {
	var msgs []MessageRecord

	err := c.db.View(func(tx *bolt.Tx) error {
		var err error
		msgs, err = chatMessages(tx, chatID)

		return err
	})

	return msgs, err
}

// AllMessages returns every stored message.
func (c *Cache) AllMessages() ([]MessageRecord, error) {
	return c.filterMessages(func(MessageRecord) bool { return true })
}

// MessagesCreatedAfter returns every message created strictly after t,
// regardless of chat or loading state.
func (c *Cache) MessagesCreatedAfter(t time.Time) ([]MessageRecord, error) {
	return c.filterMessages(func(m MessageRecord) bool { return m.CreatedAt.After(t) })
}

func (c *Cache) filterMessages(keep func(MessageRecord) bool) ([]MessageRecord, error) {
	var out []MessageRecord

	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(messagesBucket).ForEach(func(k, v []byte) error {
			var m MessageRecord
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decoding message %s: %w", k, err)
			}

			if keep(m) {
				out = append(out, m)
			}

			return nil
		})
	})

	return out, err
}

// LastSyncedAt returns the sync cursor. ok is false before the first
// successful sync round.
func (c *Cache) LastSyncedAt() (t time.Time, ok bool, err error) {
	err = c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(lastSyncedAtKey)
		if v == nil {
			return nil
		}

		parsed, err := time.Parse(time.RFC3339Nano, string(v))
		if err != nil {
			return fmt.Errorf("parsing lastSyncedAt %q: %w", v, err)
		}

		t, ok = parsed, true

		return nil
	})

	return t, ok, err
}

// SetLastSyncedAt persists the sync cursor as an ISO-8601 string.
func (c *Cache) SetLastSyncedAt(t time.Time) error {
	value := models.Millis(t).Format(time.RFC3339Nano)

	err := c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(lastSyncedAtKey, []byte(value))
	})
	if err != nil {
		return err
	}

	c.notify(Change{Table: TableMeta, ID: string(lastSyncedAtKey)})

	return nil
}

// Token returns the cached bearer token, or empty string.
func (c *Cache) Token() string {
	var token string

	_ = c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(metaBucket).Get(tokenKey); v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the bearer token.
func (c *Cache) SetToken(token string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(tokenKey, []byte(token))
	})
}

// UpsertServerChat stores an authoritative chat received from the
// server. The chat record is replaced wholesale unless the local copy
// is strictly newer, which means it was edited after the batch was
// collected and must survive for the next round. Incoming messages
// replace local copies with the same id while local messages absent
// from the payload, and any message still loading, are kept. It reports
// whether anything was written: a chat identical to the local copy is
// a no-op.
func (c *Cache) UpsertServerChat(chat models.Chat) (bool, error) {
	chat = models.SanitizeChat(chat)
	rec := chatRecordFromModel(chat)

	var changes []Change

	err := c.db.Update(func(tx *bolt.Tx) error {
		existing, err := getChat(tx, chat.ID)
		if err != nil {
			return err
		}

		switch {
		case existing != nil && existing.UpdatedAt.After(rec.UpdatedAt):
			// Local edit newer than the echo; keep it.
		case existing == nil || !sameChatRecord(*existing, rec):
			if err := putJSON(tx.Bucket(chatsBucket), []byte(rec.ID), rec); err != nil {
				return err
			}

			changes = append(changes, Change{Table: TableChats, ChatID: rec.ID, ID: rec.ID})
		}

		local, err := chatMessages(tx, chat.ID)
		if err != nil {
			return err
		}

		byID := make(map[string]MessageRecord, len(local))
		for _, m := range local {
			byID[m.ID] = m
		}

		b := tx.Bucket(messagesBucket)

		for _, m := range chat.Messages {
			incoming := messageRecordFromModel(m)

			if cur, ok := byID[m.ID]; ok {
				if cur.Loading || sameMessageRecord(cur, incoming) {
					continue
				}
			}

			if err := putJSON(b, messageKey(chat.ID, m.ID), incoming); err != nil {
				return err
			}

			changes = append(changes, Change{Table: TableMessages, ChatID: chat.ID, ID: m.ID})
		}

		if len(changes) == 0 {
			return errUnchanged
		}

		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("upserting chat %s: %w", chat.ID, err)
	}

	c.notify(changes...)

	return true, nil
}

func chatRecordFromModel(chat models.Chat) ChatRecord {
	return ChatRecord{
		ID:        chat.ID,
		Title:     chat.Title,
		CreatedAt: chat.CreatedAt,
		UpdatedAt: chat.UpdatedAt,
		Tags:      chat.Tags,
		Notes:     chat.Notes,
		InTrash:   chat.InTrash,
		IsPinned:  chat.IsPinned,
		IsPublic:  chat.IsPublic,
	}
}

func messageRecordFromModel(m models.Message) MessageRecord {
	return MessageRecord{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Provider:  m.Provider,
		Model:     m.Model,
	}
}

func sameChatRecord(a, b ChatRecord) bool {
	return a.ID == b.ID &&
		a.Title == b.Title &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		slices.Equal(a.Tags, b.Tags) &&
		a.Notes == b.Notes &&
		a.InTrash == b.InTrash &&
		a.IsPinned == b.IsPinned &&
		a.IsPublic == b.IsPublic
}

func sameMessageRecord(a, b MessageRecord) bool {
	return a.ID == b.ID &&
		a.ChatID == b.ChatID &&
		a.Role == b.Role &&
		a.Content == b.Content &&
		a.CreatedAt.Equal(b.CreatedAt) &&
		a.Provider == b.Provider &&
		a.Model == b.Model &&
		a.Loading == b.Loading
}
