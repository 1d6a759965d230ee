// Package registry pools duplex connections keyed by (backend config,
// conversation id) and reference-counts their lifecycle.
//
// At most one live Connection exists per Key. Acquire either joins the
// existing Connection or dials a new one; Release tears the Connection down as
// soon as its refcount reaches zero. A Connection that failed (ERRORED) or was
// torn down is never handed out again; the next Acquire dials a fresh one.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/convsync/pkg/errs"
	"github.com/go-go-golems/convsync/pkg/transport"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateErrored
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateErrored:
		return "ERRORED"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// Key identifies one pooled connection.
type Key struct {
	ConfigKey      string
	ConversationID string
}

func (k Key) String() string { return k.ConfigKey + ":" + k.ConversationID }

func (k Key) valid() bool {
	return strings.TrimSpace(k.ConfigKey) != "" && strings.TrimSpace(k.ConversationID) != ""
}

// ParseKey parses "cfg:conv". The conversation id may itself contain colons.
func ParseKey(s string) (Key, error) {
	cfg, conv, ok := strings.Cut(strings.TrimSpace(s), ":")
	k := Key{ConfigKey: cfg, ConversationID: conv}
	if !ok || !k.valid() {
		return Key{}, errs.Validation("registry.parse_key", s, "expected <config>:<conversation>")
	}
	return k, nil
}

// Source identifies the Connection an inbound event came from. Generation is
// unique per dialed Connection of a Registry, so two Connections of the same
// Key never share one.
type Source struct {
	Key        Key
	Generation uint64
}

// StateChange is delivered to observers on every Connection transition.
type StateChange struct {
	Key  Key
	From State
	To   State
	Err  error
	At   time.Time
}

type Options struct {
	Dialer transport.Dialer
	// Endpoints maps a backend config key to the endpoint the dialer connects to.
	Endpoints      map[string]string
	ConnectTimeout time.Duration
	// OnEvent receives the inbound events of every tracked Connection, in
	// arrival order per Connection. It runs on the Connection's pump
	// goroutine. Once a Connection is no longer tracked only its final
	// EventClosed is delivered.
	OnEvent func(Source, transport.Event)
}

type Registry struct {
	opts Options

	mu        sync.Mutex
	conns     map[Key]*Connection
	observers map[uint64]func(StateChange)
	nextObsID uint64
	nextGen   uint64
	closed    bool

	pumps sync.WaitGroup
}

func New(opts Options) (*Registry, error) {
	if opts.Dialer == nil {
		return nil, errors.New("registry: dialer is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	endpoints := make(map[string]string, len(opts.Endpoints))
	for k, v := range opts.Endpoints {
		endpoints[k] = v
	}
	opts.Endpoints = endpoints
	return &Registry{
		opts:      opts,
		conns:     map[Key]*Connection{},
		observers: map[uint64]func(StateChange){},
	}, nil
}

// Acquire returns the live Connection for key, dialing one if needed, and
// takes a reference on it. Every successful Acquire must be paired with one
// Release.
func (r *Registry) Acquire(ctx context.Context, key Key) (*Connection, error) {
	if !key.valid() {
		return nil, errs.Validation("registry.acquire", key.String(), "config key and conversation id are required")
	}
	endpoint, ok := r.opts.Endpoints[key.ConfigKey]
	if !ok {
		return nil, errs.Validation("registry.acquire", key.String(), "unknown backend config %q", key.ConfigKey)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errs.Validation("registry.acquire", key.String(), "registry is closed")
	}
	inherited := 0
	if c := r.conns[key]; c != nil {
		switch c.state {
		case StateConnected:
			c.refcount++
			r.mu.Unlock()
			return c, nil
		case StateConnecting:
			c.refcount++
			r.mu.Unlock()
			return r.awaitDial(ctx, c)
		case StateErrored:
			// Holders of the broken Connection still release by key.
			inherited = c.refcount
			delete(r.conns, key)
		}
	}
	r.nextGen++
	c := &Connection{
		r:         r,
		key:       key,
		gen:       r.nextGen,
		createdAt: time.Now(),
		ready:     make(chan struct{}),
		state:     StateConnecting,
		refcount:  inherited + 1,
	}
	r.conns[key] = c
	changes := []StateChange{c.change(StateDisconnected, StateConnecting, nil)}
	r.mu.Unlock()
	r.notify(changes)

	return r.dial(ctx, c, endpoint)
}

func (r *Registry) dial(ctx context.Context, c *Connection, endpoint string) (*Connection, error) {
	l := log.With().Str("component", "registry").Str("key", c.key.String()).Logger()
	dialCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	tr, err := r.opts.Dialer.Dial(dialCtx, transport.Target{
		Endpoint:       endpoint,
		ConfigKey:      c.key.ConfigKey,
		ConversationID: c.key.ConversationID,
	})
	timedOut := errors.Is(dialCtx.Err(), context.DeadlineExceeded)
	cancel()

	r.mu.Lock()
	if err == nil && r.closed {
		_ = tr.Close()
		err = errors.New("registry closed while connecting")
	}
	if err != nil {
		if timedOut {
			err = errors.Wrapf(err, "connect timeout after %s", r.opts.ConnectTimeout)
		}
		c.err = errs.Connection("registry.acquire", c.key.String(), err)
		c.state = StateErrored
		// Nobody holds a reference to a Connection that never connected.
		c.refcount = 0
		changes := []StateChange{c.change(StateConnecting, StateErrored, c.err)}
		close(c.ready)
		r.mu.Unlock()
		r.notify(changes)
		l.Warn().Err(err).Msg("connect failed")
		return nil, c.err
	}
	c.transport = tr
	c.state = StateConnected
	changes := []StateChange{c.change(StateConnecting, StateConnected, nil)}
	r.pumps.Add(1)
	close(c.ready)
	r.mu.Unlock()
	r.notify(changes)
	l.Debug().Msg("connected")

	go r.pump(c, tr)
	return c, nil
}

func (r *Registry) awaitDial(ctx context.Context, c *Connection) (*Connection, error) {
	select {
	case <-c.ready:
	case <-ctx.Done():
		r.releaseConn(c)
		return nil, errs.Connection("registry.acquire", c.key.String(), errors.Wrap(ctx.Err(), "waiting for connect"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.state != StateConnected {
		if c.err != nil {
			return nil, c.err
		}
		return nil, errs.Connection("registry.acquire", c.key.String(), errors.Errorf("connection is %s", c.state))
	}
	return c, nil
}

// Release drops one reference on key. The Connection is torn down when the
// last reference goes. Releasing an untracked key is a no-op.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	c := r.conns[key]
	r.mu.Unlock()
	if c != nil {
		r.releaseConn(c)
	}
}

func (r *Registry) releaseConn(c *Connection) {
	r.mu.Lock()
	if r.conns[c.key] != c || c.refcount == 0 {
		r.mu.Unlock()
		return
	}
	c.refcount--
	if c.refcount > 0 || c.state == StateConnecting {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.key)
	if c.state != StateConnected {
		// ERRORED connections already lost their transport.
		r.mu.Unlock()
		return
	}
	tr := c.transport
	c.state = StateClosing
	changes := []StateChange{c.change(StateConnected, StateClosing, nil)}
	r.mu.Unlock()
	r.notify(changes)
	r.teardown(c, tr)
}

func (r *Registry) teardown(c *Connection, tr transport.Transport) {
	if err := tr.Close(); err != nil {
		log.Warn().Err(err).Str("component", "registry").Str("key", c.key.String()).Msg("transport close failed")
	}
	r.mu.Lock()
	c.state = StateDisconnected
	changes := []StateChange{c.change(StateClosing, StateDisconnected, nil)}
	r.mu.Unlock()
	r.notify(changes)
	log.Debug().Str("component", "registry").Str("key", c.key.String()).Msg("connection torn down")
}

// pump forwards inbound events to OnEvent until the transport's event stream
// ends. Events still queued on a Connection that was released or replaced are
// dropped.
func (r *Registry) pump(c *Connection, tr transport.Transport) {
	defer r.pumps.Done()
	src := Source{Key: c.key, Generation: c.gen}
	for ev := range tr.Events() {
		if ev.Kind == transport.EventClosed {
			ev = r.onTransportClosed(c, tr, ev)
		} else if !r.tracked(c) {
			log.Debug().Str("component", "registry").Str("key", c.key.String()).Uint64("generation", c.gen).Str("event", string(ev.Kind)).Msg("dropping event of untracked connection")
			continue
		}
		if r.opts.OnEvent != nil {
			r.opts.OnEvent(src, ev)
		}
	}
}

func (r *Registry) tracked(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[c.key] == c
}

func (r *Registry) onTransportClosed(c *Connection, tr transport.Transport, ev transport.Event) transport.Event {
	r.mu.Lock()
	if c.state != StateConnected {
		r.mu.Unlock()
		// Torn down on purpose.
		ev.Err = nil
		return ev
	}
	cause := ev.Err
	if cause == nil {
		cause = errors.New("transport closed by remote")
	}
	if !errs.IsConnection(cause) {
		cause = errs.Connection("registry.pump", c.key.String(), cause)
	}
	c.state = StateErrored
	c.err = cause
	if c.refcount == 0 && r.conns[c.key] == c {
		delete(r.conns, c.key)
	}
	changes := []StateChange{c.change(StateConnected, StateErrored, cause)}
	r.mu.Unlock()
	r.notify(changes)

	log.Warn().Err(cause).Str("component", "registry").Str("key", c.key.String()).Msg("connection lost")
	_ = tr.Close()
	ev.Err = cause
	return ev
}

// CanSend reports whether key has a CONNECTED Connection that is not backpressured.
func (r *Registry) CanSend(key Key) bool {
	_, ok := r.sendable(key)
	return ok
}

func (r *Registry) sendable(key Key) (transport.Transport, bool) {
	r.mu.Lock()
	c := r.conns[key]
	if c == nil || c.state != StateConnected {
		r.mu.Unlock()
		return nil, false
	}
	tr := c.transport
	r.mu.Unlock()
	if bp, ok := tr.(transport.Backpressured); ok && bp.Backpressured() {
		return nil, false
	}
	return tr, true
}

// Send forwards env to key's transport. It fails with a validation error when
// CanSend is false at call time.
func (r *Registry) Send(ctx context.Context, key Key, env transport.Envelope) error {
	tr, ok := r.sendable(key)
	if !ok {
		state := StateDisconnected
		if c, found := r.Get(key); found {
			state = c.State()
		}
		return errs.Validation("registry.send", key.String(), "cannot send while connection is %s or backpressured", state)
	}
	return tr.Send(ctx, env)
}

// Get returns the tracked Connection for key, if any.
func (r *Registry) Get(key Key) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[key]
	return c, ok
}

// Keys returns the tracked keys in sorted order.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	keys := make([]Key, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Observe registers fn for state transitions and returns a function that
// removes it.
func (r *Registry) Observe(fn func(StateChange)) func() {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextObsID++
	id := r.nextObsID
	r.observers[id] = fn
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, id)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) notify(changes []StateChange) {
	if len(changes) == 0 {
		return
	}
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(StateChange), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.observers[id])
	}
	r.mu.Unlock()
	for _, ch := range changes {
		for _, fn := range fns {
			fn(ch)
		}
	}
}

// Close tears down every Connection regardless of refcount and waits for the
// pump goroutines to finish. Later Acquires fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var (
		live    []*Connection
		changes []StateChange
	)
	for k, c := range r.conns {
		delete(r.conns, k)
		if c.state == StateConnected {
			c.state = StateClosing
			changes = append(changes, c.change(StateConnected, StateClosing, nil))
			live = append(live, c)
		}
	}
	r.mu.Unlock()
	r.notify(changes)
	for _, c := range live {
		r.teardown(c, c.transport)
	}
	r.pumps.Wait()
	return nil
}

// Connection is one pooled transport. Its fields are guarded by the owning
// Registry; use the accessors.
type Connection struct {
	r         *Registry
	key       Key
	gen       uint64
	createdAt time.Time
	ready     chan struct{}

	transport transport.Transport
	state     State
	refcount  int
	err       error
}

func (c *Connection) Key() Key             { return c.key }
func (c *Connection) Generation() uint64   { return c.gen }
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

func (c *Connection) State() State {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.state
}

func (c *Connection) Refcount() int {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.refcount
}

// Err returns the ConnectionError that moved the Connection to ERRORED.
func (c *Connection) Err() error {
	c.r.mu.Lock()
	defer c.r.mu.Unlock()
	return c.err
}

func (c *Connection) change(from, to State, err error) StateChange {
	return StateChange{Key: c.key, From: from, To: to, Err: err, At: time.Now()}
}
