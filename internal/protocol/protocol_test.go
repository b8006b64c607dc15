package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestEnvelope_EncodeDecode(t *testing.T) {
	env, err := New(EventCommand, Command{Command: "status", SessionID: "s1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.Route = []string{"a", "b"}

	data, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Event != EventCommand || !reflect.DeepEqual(got.Route, env.Route) {
		t.Errorf("Decode() = %+v", got)
	}
	if !bytes.Equal(got.Payload, env.Payload) {
		t.Errorf("payload changed: %s vs %s", got.Payload, env.Payload)
	}

	var cmd Command
	if err := got.Decode(&cmd); err != nil {
		t.Fatalf("Envelope.Decode() error = %v", err)
	}
	if cmd.Command != "status" || cmd.Completed {
		t.Errorf("payload = %+v", cmd)
	}
}

func TestEnvelope_RelayKeepsPayloadBytes(t *testing.T) {
	resp := CommandResponse{Command: "echo <hi> & \"bye\"", Completed: true, Data: []byte(`{"n":1,"s":"x"}`)}
	env := MustNew(EventCommandResponse, resp)
	env.Route = []string{"s1"}

	first, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	hop, err := Decode(first)
	if err != nil {
		t.Fatal(err)
	}
	popped, id, ok := hop.PopRoute()
	if !ok || id != "s1" {
		t.Fatalf("PopRoute() = %q, %v", id, ok)
	}
	second, err := popped.Encode()
	if err != nil {
		t.Fatal(err)
	}
	final, err := Decode(second)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(final.Payload, env.Payload) {
		t.Errorf("payload altered by relay:\n got  %s\n want %s", final.Payload, env.Payload)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"not json", "{", ErrInvalidEnvelope},
		{"missing event", `{"payload":{}}`, ErrInvalidEnvelope},
		{"unknown event", `{"event":"vantage-x","payload":{}}`, ErrUnknownEvent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.data)); !errors.Is(err, tc.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tc.wantErr)
			}
		})
	}

	if _, err := Decode([]byte(strings.Repeat(" ", MaxMessageSize+1))); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized Decode() error = %v", err)
	}
}

func TestNew_UnknownEvent(t *testing.T) {
	if _, err := New("bogus", nil); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("New() error = %v, want ErrUnknownEvent", err)
	}
}

func TestNew_NilPayload(t *testing.T) {
	env := MustNew(EventClose, nil)
	if string(env.Payload) != "{}" {
		t.Errorf("payload = %s, want {}", env.Payload)
	}
}

func TestRouteStack(t *testing.T) {
	env := MustNew(EventKeypress, Keypress{Key: "tab", Value: "he"})

	pushed := env.PushRoute("outer").PushRoute("inner")
	if len(env.Route) != 0 {
		t.Error("PushRoute must not modify the receiver")
	}
	if RouteKey(pushed.Route) != "outer/inner" {
		t.Errorf("RouteKey = %q", RouteKey(pushed.Route))
	}

	reply, err := pushed.Reply(EventKeypressResponse, KeypressResponse{})
	if err != nil {
		t.Fatal(err)
	}
	reply, id, ok := reply.PopRoute()
	if !ok || id != "inner" {
		t.Fatalf("first pop = %q %v", id, ok)
	}
	reply, id, ok = reply.PopRoute()
	if !ok || id != "outer" {
		t.Fatalf("second pop = %q %v", id, ok)
	}
	if reply.Route != nil {
		t.Errorf("route should be empty, got %v", reply.Route)
	}
	if _, _, ok := reply.PopRoute(); ok {
		t.Error("pop on empty route should report false")
	}
	if len(pushed.Route) != 2 {
		t.Error("Reply/PopRoute must not modify the original route")
	}
}

func TestKeypressResponse_NilValue(t *testing.T) {
	env := MustNew(EventKeypressResponse, KeypressResponse{})
	if string(env.Payload) != `{"value":null}` {
		t.Errorf("payload = %s", env.Payload)
	}
}

func TestEnvelope_Seq(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
		want uint64
	}{
		{"command", MustNew(EventCommand, Command{Command: "ls", Seq: 7}), 7},
		{"command-response", MustNew(EventCommandResponse, CommandResponse{Seq: 8}), 8},
		{"keypress-response", MustNew(EventKeypressResponse, KeypressResponse{Seq: 9}), 9},
		{"none", MustNew(EventKeypress, Keypress{Key: "up"}), 0},
		{"not an object", &Envelope{Event: EventStdout, Payload: []byte(`"x"`)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.Seq(); got != tt.want {
				t.Errorf("Seq() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestDirectionOf(t *testing.T) {
	tests := map[string]Direction{
		EventKeypress:         Upstream,
		EventCommand:          Upstream,
		EventCommandResponse:  Downstream,
		EventKeypressResponse: Downstream,
		EventClose:            Downstream,
		EventStdout:           Downstream,
		EventHeartbeat:        0,
		EventPrompt:           0,
	}
	for ev, want := range tests {
		if got := DirectionOf(ev); got != want {
			t.Errorf("DirectionOf(%s) = %v, want %v", ev, got, want)
		}
	}
	if Upstream.String() != "up" || Downstream.String() != "down" {
		t.Error("unexpected direction names")
	}
}
