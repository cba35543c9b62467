// Package cache keeps the last content fetched from the backend (chat
// messages, the shared file, the last AI answer) so screens can show
// something while offline. "Clear cache" in the advanced settings empties it.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"calx-go/types"
)

const maxChat = 50

const schema = `
CREATE TABLE IF NOT EXISTS chat_messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	content   TEXT NOT NULL,
	sender    TEXT NOT NULL,
	createdAt TEXT NOT NULL,
	UNIQUE(content, sender, createdAt)
);
CREATE TABLE IF NOT EXISTS documents (
	kind      TEXT PRIMARY KEY,
	content   TEXT NOT NULL,
	hasMore   INTEGER NOT NULL DEFAULT 0,
	cursor    TEXT NOT NULL DEFAULT '',
	updatedAt INTEGER NOT NULL
);
`

const (
	docFile = "file"
	docAI   = "ai"
)

// Store is a SQLite-backed content cache.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the cache at path. Use ":memory:" for a
// throwaway cache.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping cache: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AddChat appends msgs, skipping ones already cached, and trims to the most
// recent entries.
func (s *Store) AddChat(msgs []types.ChatMessage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	for _, m := range msgs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO chat_messages (content, sender, createdAt) VALUES (?, ?, ?)`,
			m.Content, m.Sender, m.CreatedAt); err != nil {
			return fmt.Errorf("insert chat: %w", err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM chat_messages WHERE id NOT IN
		(SELECT id FROM chat_messages ORDER BY id DESC LIMIT ?)`, maxChat); err != nil {
		return fmt.Errorf("trim chat: %w", err)
	}
	return tx.Commit()
}

// Chat returns cached messages oldest first.
func (s *Store) Chat() ([]types.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT content, sender, createdAt FROM chat_messages ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query chat: %w", err)
	}
	defer rows.Close()
	var out []types.ChatMessage
	for rows.Next() {
		var m types.ChatMessage
		if err := rows.Scan(&m.Content, &m.Sender, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastChatTime returns the created_at of the newest cached message, for use
// as the since parameter.
func (s *Store) LastChatTime() (string, error) {
	var ts string
	err := s.db.QueryRow(`SELECT createdAt FROM chat_messages ORDER BY id DESC LIMIT 1`).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return ts, err
}

func (s *Store) putDoc(kind, content string, hasMore bool, cursor string) error {
	_, err := s.db.Exec(`INSERT INTO documents (kind, content, hasMore, cursor, updatedAt)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET content = excluded.content, hasMore = excluded.hasMore,
			cursor = excluded.cursor, updatedAt = excluded.updatedAt`,
		kind, content, hasMore, cursor, s.now().Unix())
	if err != nil {
		return fmt.Errorf("put %s: %w", kind, err)
	}
	return nil
}

func (s *Store) getDoc(kind string) (content string, hasMore bool, cursor string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT content, hasMore, cursor FROM documents WHERE kind = ?`, kind).
		Scan(&content, &hasMore, &cursor)
	if err == sql.ErrNoRows {
		return "", false, "", false, nil
	}
	if err != nil {
		return "", false, "", false, fmt.Errorf("get %s: %w", kind, err)
	}
	return content, hasMore, cursor, true, nil
}

func (s *Store) PutFile(f types.FileContent) error {
	return s.putDoc(docFile, f.Content, false, "")
}

func (s *Store) File() (types.FileContent, bool, error) {
	c, _, _, ok, err := s.getDoc(docFile)
	return types.FileContent{Content: c, CharCount: len([]rune(c))}, ok, err
}

func (s *Store) PutAI(r types.AIResponse) error {
	return s.putDoc(docAI, r.Content, r.HasMore, r.Cursor)
}

func (s *Store) AI() (types.AIResponse, bool, error) {
	c, more, cur, ok, err := s.getDoc(docAI)
	return types.AIResponse{Content: c, HasMore: more, Cursor: cur}, ok, err
}

// Clear removes every cached entry.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM chat_messages; DELETE FROM documents;`); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
