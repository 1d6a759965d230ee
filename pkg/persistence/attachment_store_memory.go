package persistence

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/attachments"
)

// InMemoryAttachmentStore keeps attachments per owner in memory. FailNextSave
// and FailNextDelete inject one failure each, for demos and tests.
type InMemoryAttachmentStore struct {
	mu       sync.Mutex
	owners   map[string]map[string]attachments.Record
	failSave error
	failDel  error
}

var _ attachments.Store = &InMemoryAttachmentStore{}

func NewInMemoryAttachmentStore() *InMemoryAttachmentStore {
	return &InMemoryAttachmentStore{owners: map[string]map[string]attachments.Record{}}
}

func (s *InMemoryAttachmentStore) FailNextSave(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSave = err
}

func (s *InMemoryAttachmentStore) FailNextDelete(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDel = err
}

func (s *InMemoryAttachmentStore) Save(_ context.Context, ownerID string, rec attachments.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failSave; err != nil {
		s.failSave = nil
		return err
	}
	if rec.ID == "" {
		return errors.New("in-memory attachment store: record id is empty")
	}
	recs := s.owners[ownerID]
	if recs == nil {
		recs = map[string]attachments.Record{}
		s.owners[ownerID] = recs
	}
	recs[rec.ID] = rec
	return nil
}

func (s *InMemoryAttachmentStore) GetByConversation(_ context.Context, ownerID, conversationID string) ([]attachments.Record, error) {
	s.mu.Lock()
	var out []attachments.Record
	for _, rec := range s.owners[ownerID] {
		if rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryAttachmentStore) Delete(_ context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failDel; err != nil {
		s.failDel = nil
		return err
	}
	delete(s.owners[ownerID], id)
	return nil
}
