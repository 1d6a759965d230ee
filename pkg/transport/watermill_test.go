package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/convsync/pkg/errs"
)

func newGoChannel(t *testing.T) *gochannel.GoChannel {
	t.Helper()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, NewWatermillLogger(zerolog.Nop()))
	t.Cleanup(func() { _ = ps.Close() })
	return ps
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWatermillTransport_RoundTrip(t *testing.T) {
	ps := newGoChannel(t)
	d, err := NewWatermillDialer(ps, ps, "")
	require.NoError(t, err)

	target := Target{ConfigKey: "cfgA", ConversationID: "conv1"}
	out, in := d.Topics(target)
	require.Equal(t, "convsync.cfgA.conv1.out", out)
	require.Equal(t, "convsync.cfgA.conv1.in", in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	outbound, err := ps.Subscribe(ctx, out)
	require.NoError(t, err)

	tr, err := d.Dial(context.Background(), target)
	require.NoError(t, err)

	env, err := NewEnvelope(TypeMessage, MessageData{Content: "hello"})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), env))

	select {
	case msg := <-outbound:
		msg.Ack()
		var got Envelope
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		require.Equal(t, TypeMessage, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("outbound envelope not published")
	}

	for _, ev := range []Event{{Kind: EventLoadingStart}, {Kind: EventContent, Delta: "hi"}, {Kind: EventDone}} {
		b, err := EncodeEvent(ev)
		require.NoError(t, err)
		require.NoError(t, ps.Publish(in, message.NewMessage(uuid.NewString(), b)))
	}
	require.Equal(t, EventLoadingStart, nextEvent(t, tr.Events()).Kind)
	require.Equal(t, "hi", nextEvent(t, tr.Events()).Delta)
	require.Equal(t, EventDone, nextEvent(t, tr.Events()).Kind)

	require.NoError(t, tr.Close())
	closed := nextEvent(t, tr.Events())
	require.Equal(t, EventClosed, closed.Kind)
	require.NoError(t, closed.Err)

	require.True(t, errs.IsConnection(tr.Send(context.Background(), env)))
}

func TestWatermillTransport_UnexpectedEnd(t *testing.T) {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 8}, NewWatermillLogger(zerolog.Nop()))
	d, err := NewWatermillDialer(ps, ps, "test")
	require.NoError(t, err)

	tr, err := d.Dial(context.Background(), Target{ConfigKey: "c", ConversationID: "x"})
	require.NoError(t, err)
	require.NoError(t, ps.Close())

	closed := nextEvent(t, tr.Events())
	require.Equal(t, EventClosed, closed.Kind)
	require.True(t, errs.IsConnection(closed.Err))
}

func TestWatermillDialer_CancelledDial(t *testing.T) {
	ps := newGoChannel(t)
	d, err := NewWatermillDialer(ps, ps, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dial(ctx, Target{ConfigKey: "c", ConversationID: "x"})
	require.True(t, errs.IsConnection(err))

	_, err = NewWatermillDialer(nil, ps, "")
	require.Error(t, err)
}
