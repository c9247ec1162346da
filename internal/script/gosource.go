package script

import (
	"context"
	"fmt"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// EvalFunc is the signature Go scripts must define as `Eval`.
type EvalFunc = func(client map[string]interface{}, context interface{}) (interface{}, error)

// goInterpreter runs Go source through yaegi. Each call gets a fresh
// interpreter so scripts cannot leak state into each other.
type goInterpreter struct {
	allowedPackages map[string]bool
}

func newGoInterpreter() *goInterpreter {
	return &goInterpreter{
		allowedPackages: map[string]bool{
			"bytes":           true,
			"encoding/base64": true,
			"encoding/json":   true,
			"errors":          true,
			"fmt":             true,
			"math":            true,
			"regexp":          true,
			"sort":            true,
			"strconv":         true,
			"strings":         true,
			"time":            true,
			"unicode":         true,
		},
	}
}

func (g *goInterpreter) eval(ctx context.Context, source string, client map[string]any, arg any) (any, error) {
	code := wrapSource(source)
	if err := g.validateImports(code); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("load stdlib: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	symbol, err := i.EvalWithContext(ctx, "main.Eval")
	if err != nil {
		return nil, fmt.Errorf("%w: Eval function not found: %v", ErrCompile, err)
	}
	fn, ok := symbol.Interface().(EvalFunc)
	if !ok {
		return nil, fmt.Errorf("%w: Eval must be func(map[string]interface{}, interface{}) (interface{}, error)", ErrCompile)
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		value, err := fn(client, arg)
		done <- outcome{value: value, err: err}
	}()

	select {
	case result := <-done:
		return result.value, result.err
	case <-ctx.Done():
		return nil, fmt.Errorf("go script: %w", ctx.Err())
	}
}

func wrapSource(source string) string {
	if strings.HasPrefix(strings.TrimSpace(source), "package ") {
		return source
	}
	return "package main\n\n" + source
}

func (g *goInterpreter) validateImports(code string) error {
	file, err := parser.ParseFile(token.NewFileSet(), "eval.go", code, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCompile, err)
	}
	var forbidden []string
	for _, spec := range file.Imports {
		path, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCompile, err)
		}
		if !g.allowedPackages[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return fmt.Errorf("%w: forbidden imports %v", ErrCompile, forbidden)
	}
	return nil
}
