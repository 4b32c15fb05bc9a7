package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a Store backed by SQLite via sqlx.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path and initializes
// the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		servers_used TEXT,
		tools_called TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user_id ON conversations(user_id);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation_id ON turns(conversation_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, userID string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.UserID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := s.db.GetContext(ctx, &conv,
		`SELECT id, user_id, created_at, updated_at FROM conversations WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}

	turns, err := s.loadTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Turns = turns
	return &conv, nil
}

func (s *SQLiteStore) loadTurns(ctx context.Context, conversationID string) ([]Turn, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, role, content, timestamp, servers_used, tools_called
		 FROM turns WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var servers, tools sql.NullString
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &t.Timestamp, &servers, &tools); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.ServersUsed = decodeStrings(servers)
		t.ToolsCalled = decodeStrings(tools)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]*Conversation, error) {
	var convs []*Conversation
	err := s.db.SelectContext(ctx, &convs,
		`SELECT id, user_id, created_at, updated_at FROM conversations
		 WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	for _, conv := range convs {
		turns, err := s.loadTurns(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
		conv.Turns = turns
	}
	return convs, nil
}

// AppendTurns appends all turns in one transaction so a failed query
// never leaves a partial exchange behind.
func (s *SQLiteStore) AppendTurns(ctx context.Context, id string, turns []Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists,
		`SELECT COUNT(*) FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to check conversation: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	var maxSeq sql.NullInt64
	if err := tx.GetContext(ctx, &maxSeq,
		`SELECT MAX(seq) FROM turns WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to read sequence: %w", err)
	}

	seq := maxSeq.Int64
	for _, t := range turns {
		seq++
		_, err := tx.ExecContext(ctx,
			`INSERT INTO turns (id, conversation_id, seq, role, content, timestamp, servers_used, tools_called)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, id, seq, t.Role, t.Content, t.Timestamp,
			encodeStrings(t.ServersUsed), encodeStrings(t.ToolsCalled))
		if err != nil {
			return fmt.Errorf("failed to append turn: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM turns`); err != nil {
		return fmt.Errorf("failed to reset turns: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversations`); err != nil {
		return fmt.Errorf("failed to reset conversations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeStrings(values []string) interface{} {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

func decodeStrings(value sql.NullString) []string {
	if !value.Valid || value.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(value.String), &out); err != nil {
		return nil
	}
	return out
}
