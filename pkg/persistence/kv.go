package persistence

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/convsync/pkg/offlinequeue"
)

// MemoryKV is a process-local offlinequeue.KV.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

var _ offlinequeue.KV = &MemoryKV{}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: map[string][]byte{}}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, offlinequeue.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type SQLiteKV struct {
	db *sql.DB
}

var _ offlinequeue.KV = &SQLiteKV{}

func NewSQLiteKV(dsn string) (*SQLiteKV, error) {
	db, err := openSQLite("kv", dsn, []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at_ms INTEGER NOT NULL
		)`,
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteKV{db: db}, nil
}

func (s *SQLiteKV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, offlinequeue.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite kv: get")
	}
	return v, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms
	`, key, value, time.Now().UnixMilli())
	return errors.Wrap(err, "sqlite kv: set")
}

func (s *SQLiteKV) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return errors.Wrap(err, "sqlite kv: remove")
}

// RedisKV stores values as plain Redis strings under an optional prefix.
type RedisKV struct {
	client redis.UniversalClient
	prefix string
}

var _ offlinequeue.KV = &RedisKV{}

func NewRedisKV(client redis.UniversalClient, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) k(key string) string { return r.prefix + key }

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, offlinequeue.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis kv: get")
	}
	return v, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte) error {
	return errors.Wrap(r.client.Set(ctx, r.k(key), value, 0).Err(), "redis kv: set")
}

func (r *RedisKV) Remove(ctx context.Context, key string) error {
	return errors.Wrap(r.client.Del(ctx, r.k(key)).Err(), "redis kv: remove")
}

func (r *RedisKV) Close() error { return r.client.Close() }
