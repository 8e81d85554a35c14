// Package store persists conversations and their transcripts in an embedded
// SQLite database. One store serves the whole process; it serializes its own
// writes, so components share a single handle.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tetherhq/tether/internal/schema"
)

// DBFileName is the database file created under the data root.
const DBFileName = "chat-persistence.db"

var (
	// ErrNotInitialized is returned by operations on a closed or never-opened
	// store.
	ErrNotInitialized = errors.New("store not initialized")
	// ErrNotFound is returned when the referenced conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
)

// Stats is the cheap aggregate returned by GetStats.
type Stats struct {
	ConversationCount int64 `json:"conversationCount"`
	TotalMessages     int64 `json:"totalMessages"`
}

// Store is the transcript store. Safe for concurrent use.
type Store struct {
	mu sync.Mutex // serializes writes; sqlite allows one writer at a time
	db *sql.DB
}

// Open creates or opens the database under dataDir and runs migrations.
// Passing ":memory:" opens an in-memory database for tests.
func Open(dataDir string) (*Store, error) {
	dsn := dataDir
	if dsn != ":memory:" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dsn = filepath.Join(dataDir, DBFileName)
	} else {
		// Shared cache so all pooled connections see the same data.
		dsn = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tool TEXT NOT NULL,
			topic TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL DEFAULT '',
			projectPath TEXT NOT NULL DEFAULT '',
			interactive INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'running',
			createdAt INTEGER NOT NULL,
			updatedAt INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			conversationId TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL,
			isPartial INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL DEFAULT '',
			toolId TEXT NOT NULL DEFAULT '',
			toolName TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '',
			isError INTEGER NOT NULL DEFAULT 0,
			path TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL DEFAULT '',
			language TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			inputTokens INTEGER NOT NULL DEFAULT 0,
			outputTokens INTEGER NOT NULL DEFAULT 0,
			raw TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversationId, timestamp, rowid)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updatedAt)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, m)
		}
	}
	return nil
}

// Close flushes and releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// SaveConversation upserts a conversation by id and refreshes updatedAt.
func (s *Store) SaveConversation(ctx context.Context, c schema.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	c.UpdatedAt = time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tool, topic, model, mode, projectPath, interactive, status, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tool = excluded.tool,
			topic = excluded.topic,
			model = excluded.model,
			mode = excluded.mode,
			projectPath = excluded.projectPath,
			interactive = excluded.interactive,
			status = excluded.status,
			updatedAt = excluded.updatedAt`,
		c.ID, c.Tool, c.Topic, c.Model, c.Mode, c.ProjectPath, boolInt(c.Interactive), string(c.Status), c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

// handle returns the live db pointer, guarding against use after Close.
func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}

// GetConversation returns the current snapshot of a conversation.
func (s *Store) GetConversation(ctx context.Context, id string) (schema.Conversation, error) {
	db, err := s.handle()
	if err != nil {
		return schema.Conversation{}, err
	}
	var c schema.Conversation
	var interactive int
	err = db.QueryRowContext(ctx, `
		SELECT id, tool, topic, model, mode, projectPath, interactive, status, createdAt, updatedAt
		FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.Tool, &c.Topic, &c.Model, &c.Mode, &c.ProjectPath, &interactive, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return schema.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	c.Interactive = interactive != 0
	return c, nil
}

// GetAllConversations lists every conversation, most recently updated first.
func (s *Store) GetAllConversations(ctx context.Context) ([]schema.Conversation, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, tool, topic, model, mode, projectPath, interactive, status, createdAt, updatedAt
		FROM conversations ORDER BY updatedAt DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []schema.Conversation
	for rows.Next() {
		var c schema.Conversation
		var interactive int
		if err := rows.Scan(&c.ID, &c.Tool, &c.Topic, &c.Model, &c.Mode, &c.ProjectPath, &interactive, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Interactive = interactive != 0
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversationStatus atomically sets the status and refreshes
// updatedAt.
func (s *Store) UpdateConversationStatus(ctx context.Context, id string, status schema.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET status = ?, updatedAt = ? WHERE id = ?",
		string(status), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteConversation removes a conversation and, by cascade, its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// SaveMessage appends a message to its conversation's transcript. Partial
// records are appended as-is; deduplication is the reader's concern.
func (s *Store) SaveMessage(ctx context.Context, m schema.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversationId, type, role, timestamp, isPartial,
			content, toolId, toolName, input, isError, path, command, language, code,
			inputTokens, outputTokens, raw)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Type), string(m.Role), m.Timestamp, boolInt(m.IsPartial),
		m.Content, m.ToolID, m.ToolName, string(m.Input), boolInt(m.IsError),
		m.Path, m.Command, m.Language, m.Code, m.InputTokens, m.OutputTokens, string(m.Raw))
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// GetMessages returns a conversation's transcript ordered by (timestamp,
// insertion). since > 0 restricts the result to messages with timestamp >=
// since.
func (s *Store) GetMessages(ctx context.Context, conversationID string, since int64) ([]schema.Message, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversationId, type, role, timestamp, isPartial,
			content, toolId, toolName, input, isError, path, command, language, code,
			inputTokens, outputTokens, raw
		FROM messages
		WHERE conversationId = ? AND timestamp >= ?
		ORDER BY timestamp, rowid`, conversationID, since)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []schema.Message
	for rows.Next() {
		var m schema.Message
		var isPartial, isError int
		var input, raw string
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Type, &m.Role, &m.Timestamp, &isPartial,
			&m.Content, &m.ToolID, &m.ToolName, &input, &isError,
			&m.Path, &m.Command, &m.Language, &m.Code,
			&m.InputTokens, &m.OutputTokens, &raw); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.IsPartial = isPartial != 0
		m.IsError = isError != 0
		if input != "" {
			m.Input = []byte(input)
		}
		if raw != "" {
			m.Raw = []byte(raw)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SuspendAllActiveChats transitions every running conversation to suspended
// and returns how many changed. Called on shutdown.
func (s *Store) SuspendAllActiveChats(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrNotInitialized
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET status = ?, updatedAt = ? WHERE status = ?",
		string(schema.StatusSuspended), time.Now().UnixMilli(), string(schema.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("suspend all: %w", err)
	}
	return res.RowsAffected()
}

// GetStats returns the conversation and message counts.
func (s *Store) GetStats(ctx context.Context) (Stats, error) {
	db, err := s.handle()
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM conversations").Scan(&st.ConversationCount); err != nil {
		return Stats{}, fmt.Errorf("count conversations: %w", err)
	}
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&st.TotalMessages); err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	return st, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
