// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/orbitmesh/orbitmesh/pkg/errors"
)

// Evaluator evaluates condition expressions and interpolation templates
// against a workflow context. It caches compiled programs for repeated
// evaluation of the same expression string.
type Evaluator struct {
	cache map[string]*Program
	mu    sync.RWMutex
}

// New creates a new expression evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*Program)}
}

// Evaluate evaluates an expression against the given context and requires
// the result to be a bool. An empty expression defaults to true.
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	result, err := program.root.eval(ctx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the workflow context",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression must return boolean, got %T (%v)", result, result),
			Suggestion: "use comparison operators (==, !=, <, >, etc.) or boolean functions",
		}
	}
	return boolResult, nil
}

// EvaluateValue evaluates an expression and returns its raw result without
// the boolean constraint, for use in ${ expr } interpolation.
func (e *Evaluator) EvaluateValue(expression string, ctx map[string]any) (any, error) {
	program, err := e.compile(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}
	result, err := program.root.eval(ctx)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the workflow context",
		}
	}
	return result, nil
}

// Interpolate substitutes every ${ expr } occurrence in template with the
// stringified result of evaluating expr against vars. Literal text outside
// ${ ... } passes through unchanged.
func (e *Evaluator) Interpolate(template string, vars map[string]any) (string, error) {
	var sb strings.Builder
	i := 0
	for i < len(template) {
		start := strings.Index(template[i:], "${")
		if start == -1 {
			sb.WriteString(template[i:])
			break
		}
		start += i
		sb.WriteString(template[i:start])

		end := strings.Index(template[start:], "}")
		if end == -1 {
			return "", &errors.ValidationError{
				Field:      "template",
				Message:    "unterminated ${ interpolation",
				Suggestion: "add a closing '}' for every '${'",
			}
		}
		end += start

		expr := strings.TrimSpace(template[start+2 : end])
		val, err := e.EvaluateValue(expr, vars)
		if err != nil {
			return "", err
		}
		sb.WriteString(stringify(val))
		i = end + 1
	}
	return sb.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// compile parses expression and caches the resulting program.
func (e *Evaluator) compile(expression string) (*Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	root, err := parse(expression)
	if err != nil {
		return nil, err
	}
	prog := &Program{root: root, src: expression}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()

	return prog, nil
}

// ClearCache clears the compiled-expression cache. Mainly useful for tests.
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	e.cache = make(map[string]*Program)
	e.mu.Unlock()
}

// CacheSize returns the number of cached expressions.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
