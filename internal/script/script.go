package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Lang selects how a Script's Source is interpreted on the worker.
type Lang string

const (
	// LangCEL evaluates Source as a CEL expression with `client` and `context` bound.
	LangCEL Lang = "cel"
	// LangGo interprets Source as Go defining an Eval function.
	LangGo Lang = "go"
	// LangOp calls a named operation registered in the worker.
	LangOp Lang = "op"
)

var ErrInvalidScript = errors.New("invalid script")

// Script is the serializable form of logic sent to a worker. Context must be
// plain JSON data; it cannot reference anything outside the payload.
type Script struct {
	Lang    Lang            `json:"lang"`
	Source  string          `json:"source"`
	Context json.RawMessage `json:"context,omitempty"`
}

func CEL(expr string) Script {
	return Script{Lang: LangCEL, Source: expr}
}

func Go(source string) Script {
	return Script{Lang: LangGo, Source: source}
}

func Op(name string) Script {
	return Script{Lang: LangOp, Source: name}
}

// WithContext returns a copy of s carrying value as its detached context.
func (s Script) WithContext(value any) (Script, error) {
	if value == nil {
		s.Context = nil
		return s, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return s, fmt.Errorf("encode script context: %w", err)
	}
	s.Context = data
	return s, nil
}

func (s Script) Validate() error {
	switch s.Lang {
	case LangCEL, LangGo, LangOp:
	case "":
		return fmt.Errorf("%w: missing lang", ErrInvalidScript)
	default:
		return fmt.Errorf("%w: unknown lang %q", ErrInvalidScript, s.Lang)
	}
	if strings.TrimSpace(s.Source) == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidScript)
	}
	if len(s.Context) > 0 && !json.Valid(s.Context) {
		return fmt.Errorf("%w: context is not valid JSON", ErrInvalidScript)
	}
	return nil
}

func (s Script) String() string {
	source := s.Source
	if len(source) > 64 {
		source = source[:61] + "..."
	}
	return string(s.Lang) + ":" + source
}
