package transport

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/convsync/pkg/errs"
)

type EventKind string

const (
	EventContent      EventKind = "content"
	EventLoadingStart EventKind = "loading_start"
	EventDone         EventKind = "done"
	EventError        EventKind = "error"
	EventSignal       EventKind = "signal"

	// EventMalformed is produced locally when an inbound frame cannot be decoded.
	EventMalformed EventKind = "malformed"
	// EventClosed is the last event a transport emits. Err is nil on graceful close.
	EventClosed EventKind = "closed"
)

// Event is one decoded inbound frame.
type Event struct {
	Kind       EventKind
	Delta      string
	Message    string
	SignalType string
	Data       json.RawMessage
	Err        error
	At         time.Time
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type contentData struct {
	Delta string `json:"delta"`
}

type errorData struct {
	Message string `json:"message"`
}

type signalData struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeEvent turns a raw inbound frame into an Event. It never fails; frames
// that cannot be understood come back as EventMalformed carrying a stream error.
func DecodeEvent(raw []byte) Event {
	now := time.Now()
	var f wireFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return malformed(now, errors.Wrap(err, "decode frame"))
	}

	switch EventKind(strings.TrimSpace(f.Type)) {
	case EventContent:
		delta, err := decodeStringOrField(f.Data, func(b []byte) (string, error) {
			var c contentData
			err := json.Unmarshal(b, &c)
			return c.Delta, err
		})
		if err != nil {
			return malformed(now, errors.Wrap(err, "decode content"))
		}
		return Event{Kind: EventContent, Delta: delta, At: now}
	case EventLoadingStart:
		return Event{Kind: EventLoadingStart, At: now}
	case EventDone:
		return Event{Kind: EventDone, At: now}
	case EventError:
		msg, err := decodeStringOrField(f.Data, func(b []byte) (string, error) {
			var e errorData
			err := json.Unmarshal(b, &e)
			return e.Message, err
		})
		if err != nil {
			return malformed(now, errors.Wrap(err, "decode error frame"))
		}
		return Event{Kind: EventError, Message: msg, At: now}
	case EventSignal:
		var s signalData
		if len(f.Data) == 0 {
			return malformed(now, errors.New("signal frame without data"))
		}
		if err := json.Unmarshal(f.Data, &s); err != nil {
			return malformed(now, errors.Wrap(err, "decode signal"))
		}
		if strings.TrimSpace(s.Type) == "" {
			return malformed(now, errors.New("signal frame without type"))
		}
		return Event{Kind: EventSignal, SignalType: s.Type, Data: s.Data, At: now}
	case "":
		return malformed(now, errors.New("frame without type"))
	default:
		return malformed(now, errors.Errorf("unknown frame type %q", f.Type))
	}
}

// EncodeEvent is the inverse of DecodeEvent for the wire kinds. It is what a
// backend writes; locally produced kinds cannot be encoded.
func EncodeEvent(ev Event) ([]byte, error) {
	var (
		data any
		typ  = ev.Kind
	)
	switch ev.Kind {
	case EventContent:
		data = contentData{Delta: ev.Delta}
	case EventLoadingStart, EventDone:
	case EventError:
		data = errorData{Message: ev.Message}
	case EventSignal:
		data = signalData{Type: ev.SignalType, Data: ev.Data}
	default:
		return nil, errors.Errorf("event kind %q is not a wire frame", ev.Kind)
	}
	f := wireFrame{Type: string(typ)}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrap(err, "encode event data")
		}
		f.Data = b
	}
	return json.Marshal(f)
}

func decodeStringOrField(data json.RawMessage, field func([]byte) (string, error)) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	return field(data)
}

func malformed(at time.Time, err error) Event {
	return Event{Kind: EventMalformed, Err: errs.Stream("transport.decode", "", err), At: at}
}
