package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MaxMessageSize bounds a single encoded envelope.
const MaxMessageSize = 4 * 1024 * 1024

var (
	// ErrInvalidEnvelope is returned for malformed messages.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrUnknownEvent is returned for events outside the catalogue.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrMessageTooLarge is returned when an envelope exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")
)

// Envelope is one message on the wire.
//
// Route lists the session ids of the proxies an upstream-bound event passed
// through, innermost last. Replies echo it so each proxy can pop its own entry
// to find the session to deliver to. Payload is kept raw so relayed events are
// forwarded byte for byte.
type Envelope struct {
	Event   string          `json:"event"`
	Route   []string        `json:"route,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// New builds an envelope around a payload value.
func New(event string, payload any) (*Envelope, error) {
	if !Known(event) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	return &Envelope{Event: event, Payload: data}, nil
}

// MustNew is New for payloads that always marshal.
func MustNew(event string, payload any) *Envelope {
	env, err := New(event, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Reply builds a response envelope that carries env's route back downstream.
func (e *Envelope) Reply(event string, payload any) (*Envelope, error) {
	r, err := New(event, payload)
	if err != nil {
		return nil, err
	}
	r.Route = e.CloneRoute()
	return r, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrInvalidEnvelope, e.Event)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, e.Event, err)
	}
	return nil
}

// Seq returns the correlation number of a keypress, command or response
// payload, or 0 when it carries none.
func (e *Envelope) Seq() uint64 {
	var p struct {
		Seq uint64 `json:"seq"`
	}
	if json.Unmarshal(e.Payload, &p) != nil {
		return 0
	}
	return p.Seq
}

// CloneRoute returns a copy of the route.
func (e *Envelope) CloneRoute() []string {
	if len(e.Route) == 0 {
		return nil
	}
	out := make([]string, len(e.Route))
	copy(out, e.Route)
	return out
}

// PushRoute returns a copy of e with id appended to the route.
func (e *Envelope) PushRoute(id string) *Envelope {
	c := *e
	c.Route = append(e.CloneRoute(), id)
	return &c
}

// PopRoute returns a copy of e without its innermost route entry, and that entry.
// ok is false when the route is empty.
func (e *Envelope) PopRoute() (*Envelope, string, bool) {
	n := len(e.Route)
	if n == 0 {
		return e, "", false
	}
	c := *e
	c.Route = e.CloneRoute()[:n-1]
	if len(c.Route) == 0 {
		c.Route = nil
	}
	return &c, e.Route[n-1], true
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return data, nil
}

// Decode parses an envelope from bytes and checks its event name.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrInvalidEnvelope)
	}
	if !Known(env.Event) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	return &env, nil
}

// RouteKey joins a route into a stable map key.
func RouteKey(route []string) string {
	if len(route) == 0 {
		return ""
	}
	key := route[0]
	for _, r := range route[1:] {
		key += "/" + r
	}
	return key
}
