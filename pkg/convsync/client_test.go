package convsync

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/convsync/pkg/assembler"
	"github.com/go-go-golems/convsync/pkg/attachments"
	"github.com/go-go-golems/convsync/pkg/errs"
	"github.com/go-go-golems/convsync/pkg/mockbackend"
	"github.com/go-go-golems/convsync/pkg/offlinequeue"
	"github.com/go-go-golems/convsync/pkg/persistence"
	"github.com/go-go-golems/convsync/pkg/registry"
	"github.com/go-go-golems/convsync/pkg/signals"
	"github.com/go-go-golems/convsync/pkg/transport"
)

type fixture struct {
	client *Client
	store  *persistence.InMemoryAttachmentStore
	queue  *offlinequeue.Queue
	cache  *attachments.Cache
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	srv := httptest.NewServer(mockbackend.New(mockbackend.Options{ChunkSize: 5}))
	t.Cleanup(srv.Close)

	store := persistence.NewInMemoryAttachmentStore()
	cache, err := attachments.New(store, "owner-1", 3)
	require.NoError(t, err)
	q, err := offlinequeue.Open(context.Background(), persistence.NewMemoryKV(), "")
	require.NoError(t, err)

	c, err := New(Options{
		Dialer:                transport.NewWebSocketDialer(transport.WebSocketOptions{HandshakeTimeout: 2 * time.Second}),
		Endpoints:             map[string]string{"coach": "ws" + strings.TrimPrefix(srv.URL, "http")},
		ConnectTimeout:        2 * time.Second,
		Attachments:           cache,
		Queue:                 q,
		AttachmentSignalTypes: []string{signals.TypeWorkoutGenerated},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return fixture{client: c, store: store, queue: q, cache: cache}
}

func waitMessages(t *testing.T, c *Client, conv string, n int) []assembler.Message {
	t.Helper()
	var msgs []assembler.Message
	require.Eventually(t, func() bool {
		var err error
		msgs, err = c.GetMessages(conv)
		return err == nil && len(msgs) >= n
	}, 3*time.Second, 10*time.Millisecond)
	return msgs
}

func TestClientStreamsReply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.AcquireConnection(ctx, "coach", "c1"))
	require.Equal(t, registry.StateConnected, f.client.ConnectionState("coach", "c1"))

	require.NoError(t, f.client.SendMessage(ctx, "coach", "c1", "hello"))
	msgs := waitMessages(t, f.client, "c1", 2)
	require.Equal(t, assembler.RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, assembler.RoleAssistant, msgs[1].Role)
	require.Equal(t, "You said: hello", msgs[1].Content)
	require.Equal(t, assembler.StatusComplete, msgs[1].Status)
	require.Less(t, msgs[0].Sequence, msgs[1].Sequence)

	_, streaming := f.client.CurrentStream("coach", "c1")
	require.False(t, streaming)

	f.client.ReleaseConnection("coach", "c1")
	require.Equal(t, registry.StateDisconnected, f.client.ConnectionState("coach", "c1"))
}

func TestClientSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.client.SendMessage(ctx, "coach", "c1", "hi")
	require.True(t, errs.IsValidation(err), "got %v", err)

	require.NoError(t, f.client.AcquireConnection(ctx, "coach", "c1"))
	defer f.client.ReleaseConnection("coach", "c1")
	err = f.client.SendMessage(ctx, "coach", "c1", "   ")
	require.True(t, errs.IsValidation(err), "got %v", err)

	msgs, err := f.client.GetMessages("c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestClientWorkoutSignalBecomesAttachment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.AcquireConnection(ctx, "coach", "c1"))
	defer f.client.ReleaseConnection("coach", "c1")

	got := make(chan signals.Signal, 1)
	unsub := f.client.SubscribeSignals("c1", func(sig signals.Signal) error {
		got <- sig
		return nil
	})
	defer unsub()

	require.NoError(t, f.client.SendMessage(ctx, "coach", "c1", "give me a workout"))

	var sig signals.Signal
	select {
	case sig = <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("no signal delivered")
	}
	require.Equal(t, signals.TypeWorkoutGenerated, sig.Type)
	w, err := signals.DecodePayload[mockbackend.Workout](sig)
	require.NoError(t, err)
	require.NotEmpty(t, w.ID)

	// The attachment is visible as soon as the handler runs.
	recs := f.client.GetAttachments("c1")
	require.Len(t, recs, 1)
	require.Equal(t, w.ID, recs[0].ID)

	require.Eventually(t, func() bool {
		stored, err := f.store.GetByConversation(ctx, "owner-1", "c1")
		return err == nil && len(stored) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// Signals never reach the assembler: the reply has no signal text in it.
	msgs := waitMessages(t, f.client, "c1", 2)
	require.Contains(t, msgs[1].Content, "workout")
	require.Equal(t, 0, f.queue.Len())
}

func TestClientFailedAttachmentSaveIsQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.FailNextSave(errors.New("disk full"))

	require.NoError(t, f.client.AcquireConnection(ctx, "coach", "c1"))
	defer f.client.ReleaseConnection("coach", "c1")
	require.NoError(t, f.client.SendMessage(ctx, "coach", "c1", "workout please"))

	require.Eventually(t, func() bool { return f.queue.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	require.Empty(t, f.client.GetAttachments("c1"))
	item := f.queue.Items()[0]
	require.Contains(t, item.LastError, "disk full")

	d := offlinequeue.NewDriver(f.queue, f.cache.QueueSyncer(), offlinequeue.DriverOptions{})
	synced, failed := d.SyncOnce(ctx, time.Now())
	require.Equal(t, 1, synced)
	require.Equal(t, 0, failed)
	require.Equal(t, 0, f.queue.Len())
	recs := f.client.GetAttachments("c1")
	require.Len(t, recs, 1)
	require.Equal(t, item.ID, recs[0].ID)
}

func TestClientDropInterruptsStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var mu sync.Mutex
	var changes []registry.StateChange
	stop := f.client.ObserveConnections(func(ch registry.StateChange) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, ch)
	})
	defer stop()

	require.NoError(t, f.client.AcquireConnection(ctx, "coach", "c1"))
	defer f.client.ReleaseConnection("coach", "c1")
	require.NoError(t, f.client.SendMessage(ctx, "coach", "c1", "please drop"))

	msgs := waitMessages(t, f.client, "c1", 2)
	require.Equal(t, assembler.StatusInterrupted, msgs[1].Status)
	require.Equal(t, "connection lost", msgs[1].Reason)
	require.Equal(t, "You s", msgs[1].Content)
	require.Equal(t, registry.StateErrored, f.client.ConnectionState("coach", "c1"))

	mu.Lock()
	last := changes[len(changes)-1]
	mu.Unlock()
	require.Equal(t, registry.StateErrored, last.To)
	require.True(t, errs.IsConnection(last.Err))

	err := f.client.SendMessage(ctx, "coach", "c1", "again")
	require.True(t, errs.IsValidation(err), "got %v", err)
}

func TestAttachmentID(t *testing.T) {
	require.Equal(t, "w-1", attachmentID([]byte(`{"id":" w-1 "}`)))
	require.NotEmpty(t, attachmentID([]byte(`{"title":"x"}`)))
	require.NotEmpty(t, attachmentID(nil))
	require.NotEqual(t, attachmentID(nil), attachmentID(nil))
}

type failingSendTransport struct {
	events chan transport.Event
	once   sync.Once
}

func (f *failingSendTransport) Send(context.Context, transport.Envelope) error {
	return errs.Connection("test.send", "coach:c1", errors.New("socket dropped"))
}

func (f *failingSendTransport) Events() <-chan transport.Event { return f.events }

func (f *failingSendTransport) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

func TestClientFailedSendIsNotRecorded(t *testing.T) {
	c, err := New(Options{
		Dialer: transport.DialerFunc(func(context.Context, transport.Target) (transport.Transport, error) {
			return &failingSendTransport{events: make(chan transport.Event)}, nil
		}),
		Endpoints: map[string]string{"coach": "ws://unused"},
	})
	require.NoError(t, err)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	require.NoError(t, c.AcquireConnection(ctx, "coach", "c1"))
	defer c.ReleaseConnection("coach", "c1")
	err = c.SendMessage(ctx, "coach", "c1", "hello")
	require.True(t, errs.IsConnection(err), "got %v", err)

	msgs, err := c.GetMessages("c1")
	require.NoError(t, err)
	require.Empty(t, msgs)
}
