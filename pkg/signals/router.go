// Package signals dispatches out-of-band typed events to per-conversation
// handlers.
package signals

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	TypeWorkoutGenerated = "workout_generated"
	TypeWorkoutApproved  = "workout_approved"
)

// Signal is ephemeral; it is never persisted.
type Signal struct {
	ConversationID string
	Type           string
	Payload        json.RawMessage
	Timestamp      time.Time
}

// Handler consumes a signal. A returned error or panic is logged and does not
// stop delivery to the other handlers.
type Handler func(Signal) error

// Unsubscribe removes the handler it was returned for. Extra calls do nothing.
type Unsubscribe func()

type registration struct {
	id      uint64
	handler Handler
}

type Router struct {
	mu     sync.Mutex
	nextID uint64
	convs  map[string][]registration
}

func NewRouter() *Router {
	return &Router{convs: map[string][]registration{}}
}

func (r *Router) Register(conversationID string, h Handler) Unsubscribe {
	if h == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.convs[conversationID] = append(r.convs[conversationID], registration{id: id, handler: h})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(conversationID, id) })
	}
}

func (r *Router) remove(conversationID string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	regs := r.convs[conversationID]
	for i, reg := range regs {
		if reg.id == id {
			regs = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
	if len(regs) == 0 {
		delete(r.convs, conversationID)
		return
	}
	r.convs[conversationID] = regs
}

// Emit synchronously invokes every handler of conversationID in registration
// order and returns how many handlers ran without error.
func (r *Router) Emit(conversationID, typ string, payload json.RawMessage) int {
	r.mu.Lock()
	regs := append([]registration(nil), r.convs[conversationID]...)
	r.mu.Unlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].id < regs[j].id })

	sig := Signal{ConversationID: conversationID, Type: typ, Payload: payload, Timestamp: time.Now()}
	ok := 0
	for _, reg := range regs {
		if err := invoke(reg.handler, sig); err != nil {
			log.Error().Err(err).
				Str("component", "signals").
				Str("conv_id", conversationID).
				Str("signal", typ).
				Msg("signal handler failed")
			continue
		}
		ok++
	}
	return ok
}

func invoke(h Handler, sig Signal) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Errorf("handler panic: %v", rec)
		}
	}()
	return h(sig)
}

// Count returns the number of handlers registered for conversationID.
func (r *Router) Count(conversationID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.convs[conversationID])
}

// DecodePayload unmarshals the signal payload into T.
func DecodePayload[T any](sig Signal) (T, error) {
	var v T
	if len(sig.Payload) == 0 {
		return v, errors.Errorf("signal %s has no payload", sig.Type)
	}
	if err := json.Unmarshal(sig.Payload, &v); err != nil {
		return v, errors.Wrapf(err, "decode %s payload", sig.Type)
	}
	return v, nil
}
