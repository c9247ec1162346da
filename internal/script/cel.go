package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrCompile = errors.New("compile script")

const celCostLimit = 100000

var structValueType = reflect.TypeOf(&structpb.Value{})

func (e *Evaluator) evalCEL(ctx context.Context, expr string, client map[string]any, arg any) (json.RawMessage, error) {
	prg, err := e.celProgram(expr)
	if err != nil {
		return nil, err
	}
	if client == nil {
		client = map[string]any{}
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"client":  client,
		"context": arg,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return nil, fmt.Errorf("convert result: %w", err)
	}
	value, ok := native.(*structpb.Value)
	if !ok {
		return nil, fmt.Errorf("convert result: unexpected %T", native)
	}
	data, err := protojson.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

func (e *Evaluator) celProgram(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.programs[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := e.celEnv.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, issues.Err())
	}
	prg, err := e.celEnv.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	e.programs[expr] = prg
	return prg, nil
}
