package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var ErrUnknownOp = errors.New("unknown operation")

// OpFunc is a named operation a worker exposes to the fleet. client is the
// worker's property tree and arg the decoded script context.
type OpFunc func(ctx context.Context, client map[string]any, arg any) (any, error)

// Evaluator runs scripts against a worker's property tree.
type Evaluator struct {
	celEnv   *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
	ops      map[string]OpFunc
	goSource *goInterpreter
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("client", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Evaluator{
		celEnv:   env,
		programs: make(map[string]cel.Program),
		ops:      make(map[string]OpFunc),
		goSource: newGoInterpreter(),
	}, nil
}

// Register exposes fn under name for LangOp scripts. A later registration
// replaces an earlier one.
func (e *Evaluator) Register(name string, fn OpFunc) {
	if e == nil || name == "" || fn == nil {
		return
	}
	e.mu.Lock()
	e.ops[name] = fn
	e.mu.Unlock()
}

// Eval runs s and returns its result encoded as JSON.
func (e *Evaluator) Eval(ctx context.Context, s Script, client map[string]any) (json.RawMessage, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	arg, err := DecodeValue(s.Context)
	if err != nil {
		return nil, fmt.Errorf("%w: decode context: %v", ErrInvalidScript, err)
	}

	switch s.Lang {
	case LangCEL:
		return e.evalCEL(ctx, s.Source, client, arg)
	case LangGo:
		value, err := e.goSource.eval(ctx, s.Source, client, arg)
		if err != nil {
			return nil, err
		}
		return encodeResult(value)
	case LangOp:
		e.mu.RLock()
		fn, ok := e.ops[s.Source]
		e.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOp, s.Source)
		}
		value, err := fn(ctx, client, arg)
		if err != nil {
			return nil, err
		}
		return encodeResult(value)
	default:
		return nil, fmt.Errorf("%w: unknown lang %q", ErrInvalidScript, s.Lang)
	}
}

func encodeResult(value any) (json.RawMessage, error) {
	if raw, ok := value.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("result is not valid JSON")
		}
		return raw, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}
