package assembler

import (
	"sort"
	"sync"
)

// MemoryHistory keeps messages per conversation in memory.
type MemoryHistory struct {
	mu    sync.Mutex
	convs map[string][]Message
}

var _ History = (*MemoryHistory)(nil)

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{convs: map[string][]Message{}}
}

func (h *MemoryHistory) Append(m Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.convs[m.ConversationID] = append(h.convs[m.ConversationID], m)
	return nil
}

// Messages returns the conversation's messages ordered by sequence.
func (h *MemoryHistory) Messages(conversationID string) ([]Message, error) {
	h.mu.Lock()
	out := append([]Message(nil), h.convs[conversationID]...)
	h.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
