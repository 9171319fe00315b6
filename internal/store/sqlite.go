// Package store provides persistence for group tracking state and the
// local message log, durable across process restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatrelay/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements domain.GroupTrackingStore and domain.MessageLog.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection: SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS group_tracking (
		chat_id        TEXT PRIMARY KEY,
		question_id    TEXT,
		expected_ids   TEXT NOT NULL DEFAULT '[]',
		responded_ids  TEXT NOT NULL DEFAULT '[]',
		question_count INTEGER NOT NULL DEFAULT 0,
		updated_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS message_log (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id    TEXT NOT NULL,
		sender_id  TEXT NOT NULL,
		is_agent   INTEGER NOT NULL DEFAULT 0,
		content    TEXT,
		media_url  TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_message_log_chat ON message_log(chat_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) GetState(ctx context.Context, chatID string) (*domain.GroupState, error) {
	var (
		state       domain.GroupState
		questionID  sql.NullString
		expectedRaw string
		respondedRaw string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, question_id, expected_ids, responded_ids, question_count, updated_at
		 FROM group_tracking WHERE chat_id = ?`, chatID,
	).Scan(&state.ChatID, &questionID, &expectedRaw, &respondedRaw, &state.QuestionCount, &state.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	state.QuestionID = questionID.String

	if state.ExpectedIDs, err = decodeIDSet(expectedRaw); err != nil {
		return nil, fmt.Errorf("corrupt expected_ids for chat %s: %w", chatID, err)
	}
	if state.RespondedIDs, err = decodeIDSet(respondedRaw); err != nil {
		return nil, fmt.Errorf("corrupt responded_ids for chat %s: %w", chatID, err)
	}
	return &state, nil
}

func (s *SQLiteStore) PutState(ctx context.Context, state *domain.GroupState) error {
	expected, err := encodeIDSet(state.ExpectedIDs)
	if err != nil {
		return err
	}
	responded, err := encodeIDSet(state.RespondedIDs)
	if err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO group_tracking (chat_id, question_id, expected_ids, responded_ids, question_count, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			question_id = excluded.question_id,
			expected_ids = excluded.expected_ids,
			responded_ids = excluded.responded_ids,
			question_count = excluded.question_count,
			updated_at = excluded.updated_at`,
		state.ChatID, state.QuestionID, expected, responded, state.QuestionCount, state.UpdatedAt,
	)
	return err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.LoggedMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_log (chat_id, sender_id, is_agent, content, media_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ChatID, msg.SenderID, msg.IsAgent, msg.Content, msg.MediaURL, msg.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]domain.LoggedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, sender_id, is_agent, content, media_url, created_at
		 FROM (
			SELECT * FROM message_log WHERE chat_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`, chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.LoggedMessage
	for rows.Next() {
		var (
			m        domain.LoggedMessage
			mediaURL sql.NullString
			content  sql.NullString
		)
		if err := rows.Scan(&m.ChatID, &m.SenderID, &m.IsAgent, &content, &mediaURL, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Content = content.String
		m.MediaURL = mediaURL.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Stats summarizes store contents for the status command.
type Stats struct {
	LoggedMessages int64
	TrackedChats   int64
	ActiveRounds   int64
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_log`).Scan(&st.LoggedMessages); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM group_tracking`).Scan(&st.TrackedChats); err != nil {
		return st, err
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM group_tracking WHERE question_id != '' AND expected_ids != '[]'`,
	).Scan(&st.ActiveRounds)
	return st, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func encodeIDSet(set map[string]bool) (string, error) {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeIDSet(raw string) (map[string]bool, error) {
	if raw == "" {
		return map[string]bool{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}
