// Package transport provides the duplex connections the registry pools.
//
// A Transport carries outbound Envelopes and yields inbound Events in arrival
// order. Two implementations exist: a websocket client (WebSocketDialer) and a
// pub/sub bridge over watermill (WatermillDialer), which runs on Redis Streams
// in production and on gochannel in tests.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// TypeMessage is the envelope type for a user chat message.
const TypeMessage = "message"

// Envelope is an outbound frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(typ string, data any) (Envelope, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return Envelope{}, errors.New("envelope type is empty")
	}
	env := Envelope{Type: typ}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, errors.Wrapf(err, "marshal %s envelope", typ)
		}
		env.Data = b
	}
	return env, nil
}

// MessageData is the payload of a TypeMessage envelope.
type MessageData struct {
	Content string `json:"content"`
}

// Target identifies what to connect to.
type Target struct {
	Endpoint       string
	ConfigKey      string
	ConversationID string
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.ConfigKey, t.ConversationID)
}

// Transport is one live duplex connection.
//
// Events is closed after a final EventClosed has been delivered. Send must be
// safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
	Events() <-chan Event
	Close() error
}

// Backpressured is implemented by transports that buffer outbound frames.
type Backpressured interface {
	Backpressured() bool
}

type Dialer interface {
	Dial(ctx context.Context, target Target) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target Target) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, target Target) (Transport, error) {
	return f(ctx, target)
}
