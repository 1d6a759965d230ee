package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/convsync/pkg/errs"
)

func TestDecodeEvent_WireKinds(t *testing.T) {
	ev := DecodeEvent([]byte(`{"type":"content","data":{"delta":"Hel"}}`))
	require.Equal(t, EventContent, ev.Kind)
	require.Equal(t, "Hel", ev.Delta)

	ev = DecodeEvent([]byte(`{"type":"content","data":"lo"}`))
	require.Equal(t, EventContent, ev.Kind)
	require.Equal(t, "lo", ev.Delta)

	require.Equal(t, EventLoadingStart, DecodeEvent([]byte(`{"type":"loading_start"}`)).Kind)
	require.Equal(t, EventDone, DecodeEvent([]byte(`{"type":"done"}`)).Kind)

	ev = DecodeEvent([]byte(`{"type":"error","data":{"message":"boom"}}`))
	require.Equal(t, EventError, ev.Kind)
	require.Equal(t, "boom", ev.Message)

	ev = DecodeEvent([]byte(`{"type":"signal","data":{"type":"workout_approved","data":{"id":"w1"}}}`))
	require.Equal(t, EventSignal, ev.Kind)
	require.Equal(t, "workout_approved", ev.SignalType)
	require.JSONEq(t, `{"id":"w1"}`, string(ev.Data))
}

func TestDecodeEvent_Malformed(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"nope"}`,
		`{"type":"signal"}`,
		`{"type":"signal","data":{"data":{}}}`,
		`{"type":"content","data":{"delta":5}}`,
	} {
		ev := DecodeEvent([]byte(raw))
		require.Equal(t, EventMalformed, ev.Kind, raw)
		require.True(t, errs.IsStream(ev.Err), raw)
	}
}

func TestEncodeEvent_RoundTrip(t *testing.T) {
	in := []Event{
		{Kind: EventContent, Delta: "abc"},
		{Kind: EventLoadingStart},
		{Kind: EventDone},
		{Kind: EventError, Message: "bad"},
		{Kind: EventSignal, SignalType: "workout_generated", Data: json.RawMessage(`{"id":"w"}`)},
	}
	for _, ev := range in {
		b, err := EncodeEvent(ev)
		require.NoError(t, err)
		out := DecodeEvent(b)
		require.Equal(t, ev.Kind, out.Kind)
		require.Equal(t, ev.Delta, out.Delta)
		require.Equal(t, ev.Message, out.Message)
		require.Equal(t, ev.SignalType, out.SignalType)
	}

	_, err := EncodeEvent(Event{Kind: EventClosed})
	require.Error(t, err)
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeMessage, MessageData{Content: "hi"})
	require.NoError(t, err)
	b, err := json.Marshal(env)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"message","data":{"content":"hi"}}`, string(b))

	_, err = NewEnvelope(" ", nil)
	require.Error(t, err)
}
