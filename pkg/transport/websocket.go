package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/errs"
)

type WebSocketOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	// SendBuffer bounds queued outbound frames; HighWaterMark is the queue depth
	// at which the transport reports backpressure.
	SendBuffer    int
	HighWaterMark int
	Header        http.Header
}

func DefaultWebSocketOptions() WebSocketOptions {
	return WebSocketOptions{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		SendBuffer:       64,
		HighWaterMark:    48,
	}
}

func (o WebSocketOptions) normalized() WebSocketOptions {
	d := DefaultWebSocketOptions()
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = d.HandshakeTimeout
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.HighWaterMark <= 0 || o.HighWaterMark > o.SendBuffer {
		o.HighWaterMark = o.SendBuffer
	}
	return o
}

type WebSocketDialer struct {
	opts   WebSocketOptions
	dialer *websocket.Dialer
}

var _ Dialer = (*WebSocketDialer)(nil)

func NewWebSocketDialer(opts WebSocketOptions) *WebSocketDialer {
	opts = opts.normalized()
	return &WebSocketDialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}
}

// Dial connects to target.Endpoint, passing the conversation and backend key
// as conv_id and config query parameters.
func (d *WebSocketDialer) Dial(ctx context.Context, target Target) (Transport, error) {
	u, err := url.Parse(target.Endpoint)
	if err != nil {
		return nil, errs.Connection("transport.dial", target.String(), errors.Wrap(err, "parse endpoint"))
	}
	q := u.Query()
	q.Set("conv_id", target.ConversationID)
	q.Set("config", target.ConfigKey)
	u.RawQuery = q.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), d.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errs.Connection("transport.dial", target.String(), errors.Wrap(err, "websocket dial"))
	}
	return newWSTransport(conn, target, d.opts), nil
}

// wsConn is the subset of *websocket.Conn the transport uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type outbound struct {
	ctx    context.Context
	data   []byte
	result chan error
}

type wsTransport struct {
	conn   wsConn
	target Target
	opts   WebSocketOptions
	log    zerolog.Logger

	sendCh chan *outbound
	events chan Event
	done   chan struct{}

	shutdownOnce sync.Once
	graceful     atomic.Bool
	errMu        sync.Mutex
	err          error
}

var (
	_ Transport     = (*wsTransport)(nil)
	_ Backpressured = (*wsTransport)(nil)
)

func newWSTransport(conn wsConn, target Target, opts WebSocketOptions) *wsTransport {
	opts = opts.normalized()
	t := &wsTransport{
		conn:   conn,
		target: target,
		opts:   opts,
		log: log.With().
			Str("component", "transport").
			Str("kind", "websocket").
			Str("key", target.String()).
			Logger(),
		sendCh: make(chan *outbound, opts.SendBuffer),
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	go t.writeLoop()
	go t.readLoop()
	return t
}

func (t *wsTransport) Events() <-chan Event { return t.events }

func (t *wsTransport) Backpressured() bool {
	return len(t.sendCh) >= t.opts.HighWaterMark
}

// Send queues env for the writer goroutine and waits until it has been written.
// A send whose ctx ends first fails with a connection error and is never
// written afterwards.
func (t *wsTransport) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errs.Validation("transport.send", t.target.String(), "marshal envelope: %v", err)
	}
	ob := &outbound{ctx: ctx, data: data, result: make(chan error, 1)}
	select {
	case t.sendCh <- ob:
	case <-ctx.Done():
		return errs.Connection("transport.send", t.target.String(), errors.Wrap(ctx.Err(), "send cancelled"))
	case <-t.done:
		return errs.Connection("transport.send", t.target.String(), t.closedErr())
	}
	select {
	case err := <-ob.result:
		return err
	case <-ctx.Done():
		return errs.Connection("transport.send", t.target.String(), errors.Wrap(ctx.Err(), "send cancelled"))
	case <-t.done:
		return errs.Connection("transport.send", t.target.String(), t.closedErr())
	}
}

func (t *wsTransport) Close() error {
	if t.graceful.CompareAndSwap(false, true) {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			t.log.Debug().Err(err).Msg("close frame not sent")
		}
	}
	t.shutdown(nil)
	return nil
}

func (t *wsTransport) shutdown(err error) {
	t.shutdownOnce.Do(func() {
		if err != nil && !t.graceful.Load() {
			t.errMu.Lock()
			t.err = err
			t.errMu.Unlock()
		}
		close(t.done)
		_ = t.conn.Close()
	})
}

func (t *wsTransport) failure() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

func (t *wsTransport) closedErr() error {
	if err := t.failure(); err != nil {
		return err
	}
	return errors.New("transport closed")
}

func (t *wsTransport) writeLoop() {
	var pingC <-chan time.Time
	if t.opts.PingInterval > 0 {
		ticker := time.NewTicker(t.opts.PingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}
	for {
		select {
		case <-t.done:
			t.drainPending()
			return
		case ob := <-t.sendCh:
			if err := ob.ctx.Err(); err != nil {
				ob.result <- errs.Connection("transport.send", t.target.String(), errors.Wrap(err, "send cancelled"))
				continue
			}
			if t.opts.WriteTimeout > 0 {
				_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, ob.data); err != nil {
				t.log.Warn().Err(err).Msg("ws write failed, dropping connection")
				ob.result <- errs.Connection("transport.send", t.target.String(), err)
				t.shutdown(err)
				t.drainPending()
				return
			}
			ob.result <- nil
		case <-pingC:
			deadline := time.Now().Add(t.opts.WriteTimeout)
			if t.opts.WriteTimeout <= 0 {
				deadline = time.Now().Add(10 * time.Second)
			}
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.log.Warn().Err(err).Msg("ws ping failed, dropping connection")
				t.shutdown(err)
				t.drainPending()
				return
			}
		}
	}
}

func (t *wsTransport) drainPending() {
	for {
		select {
		case ob := <-t.sendCh:
			ob.result <- errs.Connection("transport.send", t.target.String(), t.closedErr())
		default:
			return
		}
	}
}

func (t *wsTransport) readLoop() {
	defer close(t.events)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.shutdown(err)
			closed := Event{Kind: EventClosed, At: time.Now()}
			if failure := t.failure(); failure != nil {
				t.log.Debug().Err(failure).Msg("ws read loop end")
				closed.Err = errs.Connection("transport.read", t.target.String(), failure)
			}
			t.events <- closed
			return
		}
		t.events <- DecodeEvent(data)
	}
}
