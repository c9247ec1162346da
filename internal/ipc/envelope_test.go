package ipc

import (
	"encoding/json"
	"testing"
)

func TestDecodeEnvelopeRequest(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"fetch","id":"abc","payload":{"path":"guilds.size"}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Kind != KindFetch || env.ID != "abc" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var req FetchRequest
	if err := DecodePayload(env, &req); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if req.Path != "guilds.size" {
		t.Fatalf("expected path guilds.size, got %q", req.Path)
	}
}

func TestDecodeEnvelopeRejectsUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"kind":"nope"}`)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestDecodeEnvelopeRejectsUnknownFields(t *testing.T) {
	if _, err := Decode([]byte(`{"kind":"ready","extra":true}`)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestDecodeEnvelopeRejectsTrailingData(t *testing.T) {
	if _, err := Decode([]byte(`{"kind":"ready"}{"kind":"ready"}`)); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestValidateEnvelopeIDRules(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
		ok   bool
	}{
		{name: "request without id", env: Envelope{Kind: KindEval}},
		{name: "response without id", env: Envelope{Kind: KindFetchResult}},
		{name: "ready with id", env: Envelope{Kind: KindReady, ID: "x"}},
		{name: "message with id", env: Envelope{Kind: KindMessage, ID: "x"}},
		{name: "missing kind", env: Envelope{}},
		{name: "request with id", env: Envelope{Kind: KindFleetEval, ID: "x"}, ok: true},
		{name: "ready", env: Envelope{Kind: KindReady}, ok: true},
		{name: "bad payload", env: Envelope{Kind: KindMessage, Payload: json.RawMessage(`{`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.env)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewRequestAssignsUniqueIDs(t *testing.T) {
	first, err := NewRequest(KindFetch, FetchRequest{Path: "a"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	second, err := NewRequest(KindFetch, FetchRequest{Path: "a"})
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected distinct ids, got %q and %q", first.ID, second.ID)
	}
	if _, err := NewRequest(KindReady, nil); err == nil {
		t.Fatal("expected error for non-request kind")
	}
}

func TestNewResponseKeepsID(t *testing.T) {
	env, err := NewResponse(KindEvalResult, "req-1", Result{Value: json.RawMessage(`42`)})
	if err != nil {
		t.Fatalf("new response: %v", err)
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"kind":"eval_result","id":"req-1","payload":{"value":42}}` {
		t.Fatalf("unexpected encoding: %s", data)
	}
}

func TestResponseKind(t *testing.T) {
	for request, want := range map[Kind]Kind{
		KindEval:       KindEvalResult,
		KindFetch:      KindFetchResult,
		KindFleetEval:  KindFleetResult,
		KindFleetFetch: KindFleetResult,
	} {
		got, ok := request.ResponseKind()
		if !ok || got != want {
			t.Fatalf("%s: expected %s, got %s", request, want, got)
		}
	}
	if _, ok := KindMessage.ResponseKind(); ok {
		t.Fatal("message has no response kind")
	}
}

func TestRemoteErrorString(t *testing.T) {
	err := &RemoteError{Name: "TypeError", Message: "x is undefined"}
	if err.Error() != "TypeError: x is undefined" {
		t.Fatalf("unexpected error string %q", err.Error())
	}
	if (&RemoteError{Message: "plain"}).Error() != "plain" {
		t.Fatal("expected bare message without name")
	}
}
