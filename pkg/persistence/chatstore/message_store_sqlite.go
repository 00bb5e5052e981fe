package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatagent/pkg/chatproto"
)

type SQLiteMessageStore struct {
	db *sql.DB
}

var _ MessageStore = &SQLiteMessageStore{}

func NewSQLiteMessageStore(dsn string) (*SQLiteMessageStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteMessageStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessageStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_messages (
			conv_id TEXT NOT NULL,
			id TEXT NOT NULL,
			message TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (conv_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_conv ON chat_messages(conv_id);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteMessageStore) Load(ctx context.Context, convID string) ([]chatproto.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	if strings.TrimSpace(convID) == "" {
		return nil, errors.New("sqlite message store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message FROM chat_messages
		WHERE conv_id = ?
		ORDER BY rowid ASC
	`, convID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: query")
	}
	defer func() { _ = rows.Close() }()

	out := []chatproto.Message{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m chatproto.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: decode message")
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Replace deletes every stored message of the conversation and inserts the
// given list, in one transaction.
func (s *SQLiteMessageStore) Replace(ctx context.Context, convID string, messages []chatproto.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	if strings.TrimSpace(convID) == "" {
		return errors.New("sqlite message store: convID is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite message store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE conv_id = ?`, convID); err != nil {
		return errors.Wrap(err, "sqlite message store: delete")
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chat_messages(conv_id, id, message, created_at_ms)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(conv_id, id) DO UPDATE SET message = excluded.message
	`)
	if err != nil {
		return errors.Wrap(err, "sqlite message store: prepare insert")
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, m := range messages {
		payload, err := json.Marshal(m)
		if err != nil {
			return errors.Wrapf(err, "sqlite message store: encode message %s", m.ID)
		}
		if _, err := stmt.ExecContext(ctx, convID, m.ID, string(payload), now); err != nil {
			return errors.Wrap(err, "sqlite message store: insert")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite message store: commit")
	}
	return nil
}

func (s *SQLiteMessageStore) Clear(ctx context.Context, convID string) error {
	return s.Replace(ctx, convID, nil)
}

func SQLiteMessageDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}
