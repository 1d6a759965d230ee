package persistence

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/attachments"
)

type SQLiteAttachmentStore struct {
	db *sql.DB
}

var _ attachments.Store = &SQLiteAttachmentStore{}

func NewSQLiteAttachmentStore(dsn string) (*SQLiteAttachmentStore, error) {
	db, err := openSQLite("attachment store", dsn, []string{
		`CREATE TABLE IF NOT EXISTS attachments (
			owner_id TEXT NOT NULL,
			id TEXT NOT NULL,
			conv_id TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY (owner_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS attachments_by_conv ON attachments(owner_id, conv_id, created_at_ms)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteAttachmentStore{db: db}, nil
}

func (s *SQLiteAttachmentStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteAttachmentStore) Save(ctx context.Context, ownerID string, rec attachments.Record) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite attachment store: db is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("sqlite attachment store: record id is empty")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "null"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (owner_id, id, conv_id, payload_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, id) DO UPDATE SET
			conv_id = excluded.conv_id,
			payload_json = excluded.payload_json
	`, ownerID, rec.ID, rec.ConversationID, payload, rec.CreatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite attachment store: save")
	}
	return nil
}

// GetByConversation returns the conversation's records, newest first.
func (s *SQLiteAttachmentStore) GetByConversation(ctx context.Context, ownerID, conversationID string) ([]attachments.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite attachment store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conv_id, payload_json, created_at_ms
		FROM attachments
		WHERE owner_id = ? AND conv_id = ?
		ORDER BY created_at_ms DESC, id ASC
	`, ownerID, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite attachment store: query")
	}
	defer func() { _ = rows.Close() }()

	var out []attachments.Record
	for rows.Next() {
		var (
			rec       attachments.Record
			payload   string
			createdMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &payload, &createdMs); err != nil {
			return nil, errors.Wrap(err, "sqlite attachment store: scan")
		}
		rec.Payload = []byte(payload)
		rec.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteAttachmentStore) Delete(ctx context.Context, ownerID, id string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite attachment store: db is nil")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE owner_id = ? AND id = ?`, ownerID, id); err != nil {
		return errors.Wrap(err, "sqlite attachment store: delete")
	}
	return nil
}
