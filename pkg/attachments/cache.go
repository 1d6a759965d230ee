// Package attachments caches server-derived objects (generated workouts) per
// conversation, mirrored to a durable Store.
//
// Adds are optimistic: the record is visible at once and rolled back if the
// durable save fails. Each conversation holds at most N records; adding to a
// full conversation evicts its oldest record from the cache.
package attachments

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/convsync/pkg/errs"
)

type Record struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Store is the durable attachment collaborator.
type Store interface {
	Save(ctx context.Context, ownerID string, rec Record) error
	GetByConversation(ctx context.Context, ownerID, conversationID string) ([]Record, error)
	Delete(ctx context.Context, ownerID, id string) error
}

type entry struct {
	rec Record
	seq uint64
}

type pendingSave struct {
	done    chan struct{}
	err     error
	removed bool
}

func (p *pendingSave) wait() <-chan error {
	out := make(chan error, 1)
	go func() {
		<-p.done
		out <- p.err
	}()
	return out
}

type Cache struct {
	store   Store
	ownerID string
	max     int

	mu      sync.Mutex
	entries map[string]*entry
	byConv  map[string]map[string]*entry
	pending map[string]*pendingSave
	nextSeq uint64

	loads singleflight.Group
}

func New(store Store, ownerID string, maxPerConversation int) (*Cache, error) {
	if store == nil {
		return nil, errors.New("attachments: store is nil")
	}
	if maxPerConversation <= 0 {
		return nil, errors.Errorf("attachments: max per conversation must be positive, got %d", maxPerConversation)
	}
	return &Cache{
		store:   store,
		ownerID: ownerID,
		max:     maxPerConversation,
		entries: map[string]*entry{},
		byConv:  map[string]map[string]*entry{},
		pending: map[string]*pendingSave{},
	}, nil
}

func (c *Cache) OwnerID() string { return c.ownerID }

func (c *Cache) Store() Store { return c.store }

// AddOptimistic makes rec visible immediately and saves it in the background.
// The returned channel yields nil once saved, or a PersistenceError after the
// cache has been rolled back to its state before the call. Adding an id whose
// save is still in flight shares that save's outcome.
func (c *Cache) AddOptimistic(ctx context.Context, rec Record) <-chan error {
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.ID == "" || strings.TrimSpace(rec.ConversationID) == "" {
		return resolved(errs.Validation("attachments.add", rec.ID, "record id and conversation id are required"))
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	c.mu.Lock()
	if p, ok := c.pending[rec.ID]; ok {
		c.mu.Unlock()
		return p.wait()
	}
	if _, ok := c.entries[rec.ID]; ok {
		c.mu.Unlock()
		return resolved(nil)
	}
	tx := &txn{}
	if oldest := c.oldestLocked(rec.ConversationID); oldest != nil && len(c.byConv[rec.ConversationID]) >= c.max {
		evicted := *oldest
		tx.do(
			func() { c.deleteLocked(evicted.rec.ID) },
			func() {
				if _, taken := c.entries[evicted.rec.ID]; !taken && len(c.byConv[evicted.rec.ConversationID]) < c.max {
					c.insertLocked(evicted)
				}
			},
		)
		log.Debug().Str("component", "attachments").Str("conv_id", rec.ConversationID).Str("attachment_id", evicted.rec.ID).Msg("evicted oldest attachment")
	}
	c.nextSeq++
	added := entry{rec: rec, seq: c.nextSeq}
	tx.do(
		func() { c.insertLocked(added) },
		func() {
			if e, ok := c.entries[added.rec.ID]; ok && e.seq == added.seq {
				c.deleteLocked(added.rec.ID)
			}
		},
	)
	p := &pendingSave{done: make(chan struct{})}
	c.pending[rec.ID] = p
	c.mu.Unlock()

	out := p.wait()
	go c.save(ctx, rec, tx, p)
	return out
}

func (c *Cache) save(ctx context.Context, rec Record, tx *txn, p *pendingSave) {
	err := c.store.Save(ctx, c.ownerID, rec)

	c.mu.Lock()
	delete(c.pending, rec.ID)
	removed := p.removed
	if err != nil {
		tx.rollback()
		p.err = errs.Persistence("attachments.save", rec.ID, err)
	}
	c.mu.Unlock()

	l := log.With().Str("component", "attachments").Str("conv_id", rec.ConversationID).Str("attachment_id", rec.ID).Logger()
	if err != nil {
		l.Warn().Err(err).Msg("durable save failed, rolled back")
	} else if removed {
		// Removed while the save was in flight.
		if derr := c.store.Delete(ctx, c.ownerID, rec.ID); derr != nil {
			l.Warn().Err(derr).Msg("delete after late save failed")
		}
	}
	close(p.done)
}

// Add is the blocking form of AddOptimistic.
func (c *Cache) Add(ctx context.Context, rec Record) error {
	select {
	case err := <-c.AddOptimistic(ctx, rec):
		return err
	case <-ctx.Done():
		return errs.Persistence("attachments.add", rec.ID, ctx.Err())
	}
}

// Remove deletes id from the cache and then from the durable store. A durable
// failure is returned but the record stays removed from the cache.
func (c *Cache) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	c.deleteLocked(id)
	if p, ok := c.pending[id]; ok {
		p.removed = true
	}
	c.mu.Unlock()

	if err := c.store.Delete(ctx, c.ownerID, id); err != nil {
		log.Warn().Err(err).Str("component", "attachments").Str("attachment_id", id).Msg("durable delete failed")
		return errs.Persistence("attachments.remove", id, err)
	}
	return nil
}

// GetByConversation returns the conversation's records, newest first.
func (c *Cache) GetByConversation(conversationID string) []Record {
	c.mu.Lock()
	es := make([]*entry, 0, len(c.byConv[conversationID]))
	for _, e := range c.byConv[conversationID] {
		es = append(es, e)
	}
	c.mu.Unlock()
	sort.Slice(es, func(i, j int) bool { return newer(es[i], es[j]) })
	out := make([]Record, 0, len(es))
	for _, e := range es {
		out = append(out, e.rec)
	}
	return out
}

func (c *Cache) Get(id string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

func (c *Cache) Len(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byConv[conversationID])
}

// Load replaces the conversation's saved records with the newest ones in the
// durable store. Records whose save is still in flight, and records added
// after the store read began, are kept.
func (c *Cache) Load(ctx context.Context, conversationID string) error {
	_, err, _ := c.loads.Do(conversationID, func() (any, error) {
		c.mu.Lock()
		snapshotSeq := c.nextSeq
		c.mu.Unlock()

		recs, err := c.store.GetByConversation(ctx, c.ownerID, conversationID)
		if err != nil {
			return nil, errs.Persistence("attachments.load", conversationID, err)
		}
		sort.SliceStable(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })

		c.mu.Lock()
		defer c.mu.Unlock()
		kept := 0
		for id, e := range c.byConv[conversationID] {
			_, inFlight := c.pending[id]
			if inFlight || e.seq > snapshotSeq {
				kept++
				continue
			}
			c.deleteLocked(id)
		}
		for i := len(recs) - 1; i >= 0; i-- {
			if i >= c.max-kept {
				continue
			}
			rec := recs[i]
			if _, exists := c.entries[rec.ID]; exists {
				continue
			}
			c.nextSeq++
			c.insertLocked(entry{rec: rec, seq: c.nextSeq})
		}
		return nil, nil
	})
	return err
}

func (c *Cache) insertLocked(e entry) {
	ep := &e
	c.entries[e.rec.ID] = ep
	conv := c.byConv[e.rec.ConversationID]
	if conv == nil {
		conv = map[string]*entry{}
		c.byConv[e.rec.ConversationID] = conv
	}
	conv[e.rec.ID] = ep
}

func (c *Cache) deleteLocked(id string) {
	e, ok := c.entries[id]
	if !ok {
		return
	}
	delete(c.entries, id)
	conv := c.byConv[e.rec.ConversationID]
	delete(conv, id)
	if len(conv) == 0 {
		delete(c.byConv, e.rec.ConversationID)
	}
}

func (c *Cache) oldestLocked(conversationID string) *entry {
	var oldest *entry
	for _, e := range c.byConv[conversationID] {
		if oldest == nil || newer(oldest, e) {
			oldest = e
		}
	}
	return oldest
}

func newer(a, b *entry) bool {
	if !a.rec.CreatedAt.Equal(b.rec.CreatedAt) {
		return a.rec.CreatedAt.After(b.rec.CreatedAt)
	}
	return a.seq > b.seq
}

func resolved(err error) <-chan error {
	out := make(chan error, 1)
	out <- err
	return out
}
