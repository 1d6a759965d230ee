package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/convsync/pkg/errs"
)

type stubConn struct {
	mu       sync.Mutex
	writes   [][]byte
	blockCh  chan struct{}
	closedCh chan struct{}
	inbound  chan []byte
	started  chan struct{}
	once     sync.Once
}

func newStubConn(blockWrites bool) *stubConn {
	blockCh := make(chan struct{})
	if !blockWrites {
		close(blockCh)
	}
	return &stubConn{blockCh: blockCh, closedCh: make(chan struct{}), inbound: make(chan []byte, 8), started: make(chan struct{}, 16)}
}

func (s *stubConn) unblock() { close(s.blockCh) }

func (s *stubConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-s.inbound:
		return 1, b, nil
	case <-s.closedCh:
		return 0, nil, errors.New("closed")
	}
}

func (s *stubConn) WriteMessage(_ int, data []byte) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	select {
	case <-s.closedCh:
		return errors.New("closed")
	case <-s.blockCh:
	}
	s.mu.Lock()
	s.writes = append(s.writes, data)
	s.mu.Unlock()
	return nil
}

func (s *stubConn) WriteControl(_ int, _ []byte, _ time.Time) error { return nil }

func (s *stubConn) SetWriteDeadline(_ time.Time) error { return nil }

func (s *stubConn) Close() error {
	s.once.Do(func() { close(s.closedCh) })
	return nil
}

func (s *stubConn) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func testTarget() Target {
	return Target{Endpoint: "ws://stub", ConfigKey: "cfgA", ConversationID: "conv1"}
}

func TestWSTransport_SendWritesEnvelope(t *testing.T) {
	conn := newStubConn(false)
	tr := newWSTransport(conn, testTarget(), WebSocketOptions{})
	t.Cleanup(func() { _ = tr.Close() })

	env, err := NewEnvelope(TypeMessage, MessageData{Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), env))
	require.Equal(t, 1, conn.writeCount())
	require.JSONEq(t, `{"type":"message","data":{"content":"hi"}}`, string(conn.writes[0]))
}

func TestWSTransport_CancelledSendIsNeverWritten(t *testing.T) {
	conn := newStubConn(true)
	tr := newWSTransport(conn, testTarget(), WebSocketOptions{SendBuffer: 4})
	t.Cleanup(func() { _ = tr.Close() })
	env, _ := NewEnvelope("ping", nil)

	firstDone := make(chan error, 1)
	go func() { firstDone <- tr.Send(context.Background(), env) }()
	<-conn.started

	ctx, cancel := context.WithCancel(context.Background())
	secondDone := make(chan error, 1)
	go func() { secondDone <- tr.Send(ctx, env) }()
	require.Eventually(t, func() bool { return len(tr.sendCh) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	err := <-secondDone
	require.True(t, errs.IsConnection(err))

	conn.unblock()
	require.NoError(t, <-firstDone)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, conn.writeCount())
}

func TestWSTransport_Backpressure(t *testing.T) {
	conn := newStubConn(true)
	tr := newWSTransport(conn, testTarget(), WebSocketOptions{SendBuffer: 2, HighWaterMark: 1})
	env, _ := NewEnvelope("ping", nil)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { results <- tr.Send(context.Background(), env) }()
	}
	require.Eventually(t, tr.Backpressured, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Close())
	for i := 0; i < 2; i++ {
		err := <-results
		require.True(t, errs.IsConnection(err))
	}
	require.Eventually(t, func() bool { return !tr.Backpressured() }, time.Second, 5*time.Millisecond)
}

func TestWSTransport_EventsInOrderThenClosed(t *testing.T) {
	conn := newStubConn(false)
	tr := newWSTransport(conn, testTarget(), WebSocketOptions{})
	conn.inbound <- []byte(`{"type":"content","data":{"delta":"a"}}`)
	conn.inbound <- []byte(`{"type":"content","data":{"delta":"b"}}`)
	conn.inbound <- []byte(`garbage`)

	require.Equal(t, "a", (<-tr.Events()).Delta)
	require.Equal(t, "b", (<-tr.Events()).Delta)
	require.Equal(t, EventMalformed, (<-tr.Events()).Kind)

	require.NoError(t, tr.Close())
	last := <-tr.Events()
	require.Equal(t, EventClosed, last.Kind)
	require.NoError(t, last.Err)
	_, open := <-tr.Events()
	require.False(t, open)
}

func TestWSTransport_DropReportsConnectionError(t *testing.T) {
	conn := newStubConn(false)
	tr := newWSTransport(conn, testTarget(), WebSocketOptions{})
	_ = conn.Close()

	last := <-tr.Events()
	require.Equal(t, EventClosed, last.Kind)
	require.True(t, errs.IsConnection(last.Err))

	env, _ := NewEnvelope("ping", nil)
	require.True(t, errs.IsConnection(tr.Send(context.Background(), env)))
}
