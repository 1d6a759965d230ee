package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/errs"
)

// WatermillDialer opens transports over a watermill publisher/subscriber pair.
// Outbound envelopes go to "<prefix>.<config>.<conv>.out", inbound frames are
// read from "<prefix>.<config>.<conv>.in".
type WatermillDialer struct {
	pub    message.Publisher
	sub    message.Subscriber
	prefix string
	closer func() error

	// beforeSubscribe runs ahead of every inbound subscription.
	beforeSubscribe func(ctx context.Context, topic string) error
}

var _ Dialer = (*WatermillDialer)(nil)

func NewWatermillDialer(pub message.Publisher, sub message.Subscriber, prefix string) (*WatermillDialer, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("watermill dialer: publisher and subscriber are required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "convsync"
	}
	return &WatermillDialer{pub: pub, sub: sub, prefix: prefix}, nil
}

// Topics returns the outbound and inbound topic names for target.
func (d *WatermillDialer) Topics(target Target) (out string, in string) {
	base := fmt.Sprintf("%s.%s.%s", d.prefix, target.ConfigKey, target.ConversationID)
	return base + ".out", base + ".in"
}

func (d *WatermillDialer) Dial(ctx context.Context, target Target) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Connection("transport.dial", target.String(), err)
	}
	out, in := d.Topics(target)
	if d.beforeSubscribe != nil {
		if err := d.beforeSubscribe(ctx, in); err != nil {
			return nil, errs.Connection("transport.dial", target.String(), errors.Wrapf(err, "prepare %s", in))
		}
	}
	subCtx, cancel := context.WithCancel(context.Background())
	msgs, err := d.sub.Subscribe(subCtx, in)
	if err != nil {
		cancel()
		return nil, errs.Connection("transport.dial", target.String(), errors.Wrapf(err, "subscribe %s", in))
	}
	t := &watermillTransport{
		pub:    d.pub,
		out:    out,
		target: target,
		cancel: cancel,
		events: make(chan Event, 64),
	}
	go t.readLoop(msgs)
	return t, nil
}

// Close releases the underlying publisher and subscriber when the dialer owns them.
func (d *WatermillDialer) Close() error {
	if d == nil || d.closer == nil {
		return nil
	}
	return d.closer()
}

type watermillTransport struct {
	pub    message.Publisher
	out    string
	target Target
	cancel context.CancelFunc
	events chan Event

	mu     sync.Mutex
	closed bool
}

var _ Transport = (*watermillTransport)(nil)

func (t *watermillTransport) Events() <-chan Event { return t.events }

func (t *watermillTransport) Send(ctx context.Context, env Envelope) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errs.Connection("transport.send", t.target.String(), errors.New("transport closed"))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errs.Validation("transport.send", t.target.String(), "marshal envelope: %v", err)
	}
	if err := ctx.Err(); err != nil {
		return errs.Connection("transport.send", t.target.String(), errors.Wrap(err, "send cancelled"))
	}
	msg := message.NewMessage(uuid.NewString(), data)
	msg.SetContext(ctx)
	if err := t.pub.Publish(t.out, msg); err != nil {
		return errs.Connection("transport.send", t.target.String(), errors.Wrapf(err, "publish %s", t.out))
	}
	return nil
}

func (t *watermillTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.cancel()
	return nil
}

func (t *watermillTransport) readLoop(msgs <-chan *message.Message) {
	defer close(t.events)
	for msg := range msgs {
		ev := DecodeEvent(msg.Payload)
		msg.Ack()
		t.events <- ev
	}
	closed := Event{Kind: EventClosed, At: time.Now()}
	t.mu.Lock()
	graceful := t.closed
	t.mu.Unlock()
	if !graceful {
		closed.Err = errs.Connection("transport.read", t.target.String(), errors.New("subscription ended"))
		log.Warn().Str("component", "transport").Str("kind", "watermill").Str("key", t.target.String()).Msg("subscription ended unexpectedly")
	}
	t.events <- closed
}
