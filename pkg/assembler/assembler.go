// Package assembler turns the token deltas of a connection into finalized
// chat messages.
//
// One StreamingMessage is active per connection key. Deltas are appended in
// the order they are handed in; the message is finalized exactly once, either
// COMPLETE on done or INTERRUPTED (keeping the partial buffer) on error,
// malformed input, or connection loss.
package assembler

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/errs"
	"github.com/go-go-golems/convsync/pkg/registry"
	"github.com/go-go-golems/convsync/pkg/transport"
)

type Status int

const (
	StatusStreaming Status = iota
	StatusComplete
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusStreaming:
		return "STREAMING"
	case StatusComplete:
		return "COMPLETE"
	case StatusInterrupted:
		return "INTERRUPTED"
	default:
		return "UNKNOWN"
	}
}

func ParseStatus(s string) Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "COMPLETE":
		return StatusComplete
	case "INTERRUPTED":
		return StatusInterrupted
	default:
		return StatusStreaming
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is an immutable history entry.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Sequence       int64
	Status         Status
	// Reason is set on INTERRUPTED messages.
	Reason     string
	CreatedAt  time.Time
	FinishedAt time.Time
}

// StreamingMessage is the in-progress assistant answer of one connection.
type StreamingMessage struct {
	ID             string
	Key            registry.Key
	ConversationID string
	Buffer         string
	Sequence       int64
	Status         Status
	Reason         string
	StartedAt      time.Time
	UpdatedAt      time.Time

	// Generation is the Connection generation that opened the stream, 0 when
	// unknown.
	Generation uint64
}

func (m StreamingMessage) message() Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           RoleAssistant,
		Content:        m.Buffer,
		Sequence:       m.Sequence,
		Status:         m.Status,
		Reason:         m.Reason,
		CreatedAt:      m.StartedAt,
		FinishedAt:     m.UpdatedAt,
	}
}

// History is the conversation's message log.
type History interface {
	Append(m Message) error
	Messages(conversationID string) ([]Message, error)
}

type Option func(*Assembler)

// WithOnUpdate registers fn to observe every delta and finalization. fn runs
// on the caller's goroutine, after the assembler's lock is released.
func WithOnUpdate(fn func(StreamingMessage)) Option {
	return func(a *Assembler) { a.onUpdate = fn }
}

type Assembler struct {
	history  History
	onUpdate func(StreamingMessage)

	mu      sync.Mutex
	streams map[registry.Key]*StreamingMessage
	seqs    map[string]int64
}

func New(history History, opts ...Option) *Assembler {
	if history == nil {
		history = NewMemoryHistory()
	}
	a := &Assembler{
		history: history,
		streams: map[registry.Key]*StreamingMessage{},
		seqs:    map[string]int64{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Assembler) History() History { return a.history }

// Handle dispatches one inbound event of key's connection without checking
// which Connection generation it came from.
func (a *Assembler) Handle(key registry.Key, ev transport.Event) {
	a.HandleFrom(registry.Source{Key: key}, ev)
}

// HandleFrom dispatches one inbound event. A stream only takes deltas from the
// Connection generation that opened it, and only that generation can finalize
// it.
func (a *Assembler) HandleFrom(src registry.Source, ev transport.Event) {
	key, gen := src.Key, src.Generation
	switch ev.Kind {
	case transport.EventContent:
		a.contentDelta(key, gen, ev.Delta)
	case transport.EventLoadingStart:
		a.loadingStart(key, gen)
	case transport.EventDone:
		a.finalize(key, gen, StatusComplete, "")
	case transport.EventError:
		a.finalize(key, gen, StatusInterrupted, "backend error: "+ev.Message)
	case transport.EventMalformed:
		log.Warn().Err(ev.Err).Str("component", "assembler").Str("key", key.String()).Msg("malformed inbound frame")
		a.finalize(key, gen, StatusInterrupted, "malformed frame")
	case transport.EventClosed:
		if ev.Err != nil {
			a.finalize(key, gen, StatusInterrupted, "connection lost")
		} else {
			a.finalize(key, gen, StatusInterrupted, "connection released")
		}
	case transport.EventSignal:
		log.Debug().Str("component", "assembler").Str("key", key.String()).Str("signal", ev.SignalType).Msg("ignoring signal event")
	}
}

// OnLoadingStart opens an empty StreamingMessage. A stream still open on key
// is interrupted first.
func (a *Assembler) OnLoadingStart(key registry.Key) {
	a.loadingStart(key, 0)
}

func (a *Assembler) loadingStart(key registry.Key, gen uint64) {
	a.mu.Lock()
	prev := a.streams[key]
	var prevGen uint64
	if prev != nil {
		prevGen = prev.Generation
	}
	a.mu.Unlock()
	if olderGeneration(gen, prevGen) {
		a.dropStale(key, gen)
		return
	}
	if prev != nil {
		reason := "superseded by a new response"
		if !sameGeneration(prevGen, gen) {
			reason = "connection replaced"
		}
		a.finalize(key, prevGen, StatusInterrupted, reason)
	}
	seq := a.nextSequence(key.ConversationID)
	a.mu.Lock()
	if _, ok := a.streams[key]; ok {
		a.mu.Unlock()
		return
	}
	sm := a.open(key, gen, seq)
	snapshot := *sm
	a.mu.Unlock()
	a.update(snapshot)
}

// OnContentDelta appends delta to key's StreamingMessage, creating it on the
// first delta.
func (a *Assembler) OnContentDelta(key registry.Key, delta string) {
	a.contentDelta(key, 0, delta)
}

func (a *Assembler) contentDelta(key registry.Key, gen uint64, delta string) {
	if delta == "" {
		return
	}
	a.mu.Lock()
	sm := a.streams[key]
	if sm != nil && olderGeneration(gen, sm.Generation) {
		a.mu.Unlock()
		a.dropStale(key, gen)
		return
	}
	if sm != nil && !sameGeneration(sm.Generation, gen) {
		// Left open by an earlier Connection of the same key.
		stale := sm.Generation
		a.mu.Unlock()
		a.finalize(key, stale, StatusInterrupted, "connection replaced")
		a.mu.Lock()
		sm = a.streams[key]
	}
	if sm == nil {
		a.mu.Unlock()
		seq := a.nextSequence(key.ConversationID)
		a.mu.Lock()
		if sm = a.streams[key]; sm == nil {
			sm = a.open(key, gen, seq)
		}
	}
	sm.Buffer += delta
	sm.UpdatedAt = time.Now()
	snapshot := *sm
	a.mu.Unlock()
	a.update(snapshot)
}

// OnComplete finalizes key's stream as COMPLETE. Without an active stream it
// is a no-op, so a repeated done never emits twice.
func (a *Assembler) OnComplete(key registry.Key) (Message, bool) {
	return a.finalize(key, 0, StatusComplete, "")
}

// OnInterrupted finalizes key's stream as INTERRUPTED, keeping the partial buffer.
func (a *Assembler) OnInterrupted(key registry.Key, reason string) (Message, bool) {
	return a.finalize(key, 0, StatusInterrupted, reason)
}

// finalize closes key's stream. A non-zero gen only matches a stream opened
// by that generation.
func (a *Assembler) finalize(key registry.Key, gen uint64, status Status, reason string) (Message, bool) {
	a.mu.Lock()
	sm := a.streams[key]
	if sm == nil || !sameGeneration(sm.Generation, gen) {
		a.mu.Unlock()
		return Message{}, false
	}
	delete(a.streams, key)
	sm.Status = status
	sm.Reason = reason
	sm.UpdatedAt = time.Now()
	snapshot := *sm
	a.mu.Unlock()

	m := snapshot.message()
	if err := a.history.Append(m); err != nil {
		log.Error().
			Err(errs.Persistence("assembler.finalize", m.ID, err)).
			Str("component", "assembler").
			Str("conv_id", m.ConversationID).
			Msg("failed to append finalized message to history")
	}
	if status == StatusInterrupted {
		log.Info().Str("component", "assembler").Str("key", key.String()).Str("reason", reason).Int("chars", len(m.Content)).Msg("stream interrupted")
	}
	a.update(snapshot)
	return m, true
}

// sameGeneration treats 0 as "any generation".
func sameGeneration(a, b uint64) bool {
	return a == 0 || b == 0 || a == b
}

// olderGeneration reports whether gen belongs to a Connection dialed before
// the one that opened the current stream.
func olderGeneration(gen, current uint64) bool {
	return gen != 0 && current != 0 && gen < current
}

func (a *Assembler) dropStale(key registry.Key, gen uint64) {
	log.Debug().Str("component", "assembler").Str("key", key.String()).Uint64("generation", gen).Msg("dropping event of a replaced connection")
}

// RecordUserMessage appends a user message to the conversation history with
// the next sequence number.
func (a *Assembler) RecordUserMessage(conversationID, content string) (Message, error) {
	m := a.NewUserMessage(conversationID, content)
	if err := a.Record(m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// NewUserMessage reserves the next sequence number for a user message without
// appending it, so the caller can Record it once it was actually sent.
func (a *Assembler) NewUserMessage(conversationID, content string) Message {
	now := time.Now()
	return Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		Sequence:       a.nextSequence(conversationID),
		Status:         StatusComplete,
		CreatedAt:      now,
		FinishedAt:     now,
	}
}

func (a *Assembler) Record(m Message) error {
	if err := a.history.Append(m); err != nil {
		return errs.Persistence("assembler.record_user", m.ID, err)
	}
	return nil
}

// Current returns a snapshot of key's in-progress stream.
func (a *Assembler) Current(key registry.Key) (StreamingMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	sm, ok := a.streams[key]
	if !ok {
		return StreamingMessage{}, false
	}
	return *sm, true
}

// Messages returns the conversation history.
func (a *Assembler) Messages(conversationID string) ([]Message, error) {
	return a.history.Messages(conversationID)
}

func (a *Assembler) open(key registry.Key, gen uint64, seq int64) *StreamingMessage {
	now := time.Now()
	sm := &StreamingMessage{
		ID:             uuid.NewString(),
		Key:            key,
		Generation:     gen,
		ConversationID: key.ConversationID,
		Sequence:       seq,
		Status:         StatusStreaming,
		StartedAt:      now,
		UpdatedAt:      now,
	}
	a.streams[key] = sm
	return sm
}

// nextSequence hands out per-conversation sequence numbers, continuing after
// the highest one already in history.
func (a *Assembler) nextSequence(conversationID string) int64 {
	a.mu.Lock()
	_, seeded := a.seqs[conversationID]
	a.mu.Unlock()
	if !seeded {
		var last int64
		msgs, err := a.history.Messages(conversationID)
		if err != nil {
			log.Warn().Err(err).Str("component", "assembler").Str("conv_id", conversationID).Msg("could not read history for sequence seed")
		}
		for _, m := range msgs {
			if m.Sequence > last {
				last = m.Sequence
			}
		}
		a.mu.Lock()
		if cur, ok := a.seqs[conversationID]; !ok || cur < last {
			a.seqs[conversationID] = last
		}
		a.mu.Unlock()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seqs[conversationID]++
	return a.seqs[conversationID]
}

func (a *Assembler) update(sm StreamingMessage) {
	if a.onUpdate != nil {
		a.onUpdate(sm)
	}
}
