package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/assembler"
)

// SQLiteMessageStore is a durable assembler.History.
type SQLiteMessageStore struct {
	db *sql.DB
}

var _ assembler.History = &SQLiteMessageStore{}

func NewSQLiteMessageStore(dsn string) (*SQLiteMessageStore, error) {
	db, err := openSQLite("message store", dsn, []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conv_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			seq INTEGER NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			finished_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_by_conv ON messages(conv_id, seq)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteMessageStore{db: db}, nil
}

func (s *SQLiteMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessageStore) Append(m assembler.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	if m.ID == "" || m.ConversationID == "" {
		return errors.New("sqlite message store: message id and conversation id are required")
	}
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO messages (id, conv_id, role, content, seq, status, reason, created_at_ms, finished_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, m.ID, m.ConversationID, string(m.Role), m.Content, m.Sequence, m.Status.String(), m.Reason,
		m.CreatedAt.UnixMilli(), m.FinishedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite message store: append")
	}
	return nil
}

func (s *SQLiteMessageStore) Messages(conversationID string) ([]assembler.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT id, conv_id, role, content, seq, status, reason, created_at_ms, finished_at_ms
		FROM messages
		WHERE conv_id = ?
		ORDER BY seq ASC, created_at_ms ASC
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: query")
	}
	defer func() { _ = rows.Close() }()

	var out []assembler.Message
	for rows.Next() {
		var (
			m                   assembler.Message
			role, status        string
			createdMs, finishMs int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Sequence, &status, &m.Reason, &createdMs, &finishMs); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan")
		}
		m.Role = assembler.Role(role)
		m.Status = assembler.ParseStatus(status)
		m.CreatedAt = time.UnixMilli(createdMs)
		m.FinishedAt = time.UnixMilli(finishMs)
		out = append(out, m)
	}
	return out, rows.Err()
}
