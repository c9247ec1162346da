package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Kind discriminates envelopes exchanged between the coordinator and a worker.
type Kind string

const (
	// KindMessage carries an arbitrary user message in either direction.
	KindMessage Kind = "message"
	// KindEval asks the worker to run a script. Answered by KindEvalResult.
	KindEval       Kind = "eval"
	KindEvalResult Kind = "eval_result"
	// KindFetch asks the worker for a client property. Answered by KindFetchResult.
	KindFetch       Kind = "fetch"
	KindFetchResult Kind = "fetch_result"
	// KindReady is sent by the worker once every assigned shard is connected.
	KindReady        Kind = "ready"
	KindDisconnect   Kind = "disconnect"
	KindReconnecting Kind = "reconnecting"
	// KindFleetEval and KindFleetFetch are worker requests the coordinator fans
	// out to the fleet. Both are answered by KindFleetResult.
	KindFleetEval   Kind = "fleet_eval"
	KindFleetFetch  Kind = "fleet_fetch"
	KindFleetResult Kind = "fleet_result"
	// KindRespawnAll asks the coordinator to restart the fleet. No reply.
	KindRespawnAll Kind = "respawn_all"
)

// Envelope is the unit carried over a Link. ID is set only for request and
// response kinds.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (k Kind) IsRequest() bool {
	switch k {
	case KindEval, KindFetch, KindFleetEval, KindFleetFetch:
		return true
	default:
		return false
	}
}

func (k Kind) IsResponse() bool {
	switch k {
	case KindEvalResult, KindFetchResult, KindFleetResult:
		return true
	default:
		return false
	}
}

func (k Kind) known() bool {
	switch k {
	case KindMessage, KindReady, KindDisconnect, KindReconnecting, KindRespawnAll:
		return true
	default:
		return k.IsRequest() || k.IsResponse()
	}
}

// ResponseKind returns the kind that answers a request kind.
func (k Kind) ResponseKind() (Kind, bool) {
	switch k {
	case KindEval:
		return KindEvalResult, true
	case KindFetch:
		return KindFetchResult, true
	case KindFleetEval, KindFleetFetch:
		return KindFleetResult, true
	default:
		return "", false
	}
}

// NewID returns a request id unique to the sending side.
func NewID() string {
	return uuid.NewString()
}

// NewEnvelope builds an uncorrelated envelope with payload encoded as JSON.
func NewEnvelope(kind Kind, payload any) (Envelope, error) {
	return newEnvelope(kind, "", payload)
}

// NewRequest builds a request envelope with a fresh id.
func NewRequest(kind Kind, payload any) (Envelope, error) {
	if !kind.IsRequest() {
		return Envelope{}, fmt.Errorf("kind %q is not a request", kind)
	}
	return newEnvelope(kind, NewID(), payload)
}

// NewResponse answers the request with the given id.
func NewResponse(kind Kind, id string, payload any) (Envelope, error) {
	if !kind.IsResponse() {
		return Envelope{}, fmt.Errorf("kind %q is not a response", kind)
	}
	return newEnvelope(kind, id, payload)
}

func newEnvelope(kind Kind, id string, payload any) (Envelope, error) {
	env := Envelope{Kind: kind, ID: id}
	if payload != nil {
		data, err := marshalPayload(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Payload = data
	}
	return env, Validate(env)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("payload is not valid JSON")
		}
		return raw, nil
	}
	return json.Marshal(payload)
}

// Validate checks the envelope's kind and id rules.
func Validate(env Envelope) error {
	if env.Kind == "" {
		return errors.New("envelope missing kind")
	}
	if !env.Kind.known() {
		return fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	correlated := env.Kind.IsRequest() || env.Kind.IsResponse()
	if correlated && env.ID == "" {
		return fmt.Errorf("%s envelope requires id", env.Kind)
	}
	if !correlated && env.ID != "" {
		return fmt.Errorf("%s envelope must not carry an id", env.Kind)
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return fmt.Errorf("%s envelope has invalid payload", env.Kind)
	}
	return nil
}

// Encode validates and encodes an envelope as JSON.
func Encode(env Envelope) ([]byte, error) {
	if err := Validate(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode strictly decodes and validates an envelope.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, Validate(env)
}

// DecodePayload strictly decodes an envelope payload into target.
func DecodePayload(env Envelope, target any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", env.Kind)
	}
	if err := decodeStrict(env.Payload, target); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return nil
}

func decodeStrict(payload []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("envelope has trailing data")
		}
		return err
	}
	return nil
}
