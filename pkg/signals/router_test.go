package signals

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmitIsScopedToConversation(t *testing.T) {
	r := NewRouter()
	var h1, h2 int
	r.Register("c1", func(s Signal) error {
		require.Equal(t, TypeWorkoutApproved, s.Type)
		h1++
		return nil
	})
	r.Register("c2", func(Signal) error { h2++; return nil })

	require.Equal(t, 1, r.Emit("c1", TypeWorkoutApproved, json.RawMessage(`{"id":"w1"}`)))
	require.Equal(t, 1, h1)
	require.Equal(t, 0, h2)
	require.Equal(t, 0, r.Emit("c3", TypeWorkoutApproved, nil))
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	r := NewRouter()
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		r.Register("c1", func(Signal) error { order = append(order, name); return nil })
	}
	r.Emit("c1", "x", nil)
	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	r := NewRouter()
	var after int
	r.Register("c1", func(Signal) error { panic("bad handler") })
	r.Register("c1", func(Signal) error { return errors.New("also bad") })
	r.Register("c1", func(Signal) error { after++; return nil })

	require.NotPanics(t, func() { require.Equal(t, 1, r.Emit("c1", "x", nil)) })
	require.Equal(t, 1, after)
}

func TestUnsubscribeRemovesOnlyItsHandler(t *testing.T) {
	r := NewRouter()
	var a, b int
	unA := r.Register("c1", func(Signal) error { a++; return nil })
	r.Register("c1", func(Signal) error { b++; return nil })
	require.Equal(t, 2, r.Count("c1"))

	unA()
	unA()
	require.Equal(t, 1, r.Count("c1"))
	r.Emit("c1", "x", nil)
	require.Equal(t, 0, a)
	require.Equal(t, 1, b)
}

func TestDecodePayload(t *testing.T) {
	type workout struct {
		ID string `json:"id"`
	}
	w, err := DecodePayload[workout](Signal{Type: TypeWorkoutGenerated, Payload: json.RawMessage(`{"id":"w9"}`)})
	require.NoError(t, err)
	require.Equal(t, "w9", w.ID)

	_, err = DecodePayload[workout](Signal{Type: TypeWorkoutGenerated})
	require.Error(t, err)
	_, err = DecodePayload[workout](Signal{Type: TypeWorkoutGenerated, Payload: json.RawMessage(`[`)})
	require.Error(t, err)
}
