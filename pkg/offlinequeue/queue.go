// Package offlinequeue is a durable FIFO of writes that could not reach the
// durable store, retried with backoff until they succeed.
//
// The whole queue is stored as one JSON blob under a single key of a KV
// collaborator and rewritten on every mutation, so it survives restarts.
package offlinequeue

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/errs"
)

// ErrNotFound is returned by KV.Get for a missing key.
var ErrNotFound = errors.New("offlinequeue: key not found")

// KV is the local key-value persistence the queue is stored in.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

type PendingWorkoutItem struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
	AddedAt       time.Time       `json:"added_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// DefaultKey is the storage key used when Open is given an empty key.
const DefaultKey = "pending_workouts"

type Queue struct {
	kv  KV
	key string

	// persistMu orders snapshot+write pairs so the last write holds the newest state.
	persistMu sync.Mutex

	mu    sync.Mutex
	items []PendingWorkoutItem
}

// Open loads the queue persisted under key.
func Open(ctx context.Context, kv KV, key string) (*Queue, error) {
	if kv == nil {
		return nil, errors.New("offlinequeue: kv is nil")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	q := &Queue{kv: kv, key: key}
	raw, err := kv.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return q, nil
	case err != nil:
		return nil, errs.Persistence("offlinequeue.open", key, err)
	}
	if len(raw) == 0 {
		return q, nil
	}
	if err := json.Unmarshal(raw, &q.items); err != nil {
		return nil, errs.Persistence("offlinequeue.open", key, errors.Wrap(err, "decode queue"))
	}
	return q, nil
}

func (q *Queue) Key() string { return q.key }

// Add enqueues item and persists the queue. An id already queued is a no-op.
// When persisting fails the item stays queued in memory and a
// PersistenceError is returned.
func (q *Queue) Add(ctx context.Context, item PendingWorkoutItem) error {
	item.ID = strings.TrimSpace(item.ID)
	if item.ID == "" {
		return errs.Validation("offlinequeue.add", "", "item id is empty")
	}
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now()
	}
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	if q.indexLocked(item.ID) >= 0 {
		q.mu.Unlock()
		return nil
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	if err := q.persistLocked(ctx); err != nil {
		log.Warn().Err(err).Str("component", "offlinequeue").Str("item_id", item.ID).Msg("queued item kept in memory only")
		return errs.Persistence("offlinequeue.add", item.ID, err)
	}
	return nil
}

// Remove drops id after a successful sync. If the new state cannot be
// persisted the item is put back, matching what is on disk.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return nil
	}
	removed := q.items[i]
	q.items = append(q.items[:i:i], q.items[i+1:]...)
	q.mu.Unlock()

	if err := q.persistLocked(ctx); err != nil {
		q.mu.Lock()
		if q.indexLocked(id) < 0 {
			q.insertLocked(i, removed)
		}
		q.mu.Unlock()
		return errs.Persistence("offlinequeue.remove", id, err)
	}
	return nil
}

// RecordAttempt increments the attempt counter of id, stamps the attempt time
// and the failure cause, and persists.
func (q *Queue) RecordAttempt(ctx context.Context, id string, cause error) error {
	return q.RecordAttemptAt(ctx, id, time.Now(), cause)
}

func (q *Queue) RecordAttemptAt(ctx context.Context, id string, at time.Time, cause error) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return errs.Validation("offlinequeue.record_attempt", id, "item is not queued")
	}
	q.items[i].Attempts++
	q.items[i].LastAttemptAt = at
	q.items[i].LastError = ""
	if cause != nil {
		q.items[i].LastError = cause.Error()
	}
	q.mu.Unlock()

	if err := q.persistLocked(ctx); err != nil {
		return errs.Persistence("offlinequeue.record_attempt", id, err)
	}
	return nil
}

// Clear removes the persisted blob, then empties the queue. When the removal
// fails the queue is left as it was.
func (q *Queue) Clear(ctx context.Context) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	if err := q.kv.Remove(ctx, q.key); err != nil && !errors.Is(err, ErrNotFound) {
		return errs.Persistence("offlinequeue.clear", q.key, err)
	}
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	return nil
}

// Items returns a copy of the queue in FIFO order.
func (q *Queue) Items() []PendingWorkoutItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]PendingWorkoutItem(nil), q.items...)
}

func (q *Queue) Get(id string) (PendingWorkoutItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexLocked(id); i >= 0 {
		return q.items[i], true
	}
	return PendingWorkoutItem{}, false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// persistLocked writes the current snapshot. Callers hold persistMu.
func (q *Queue) persistLocked(ctx context.Context) error {
	q.mu.Lock()
	raw, err := json.Marshal(q.items)
	q.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "encode queue")
	}
	return q.kv.Set(ctx, q.key, raw)
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

// insertLocked puts item back at index i, or at the tail if the queue shrank.
func (q *Queue) insertLocked(i int, item PendingWorkoutItem) {
	if i > len(q.items) {
		i = len(q.items)
	}
	q.items = append(q.items, PendingWorkoutItem{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = item
}
