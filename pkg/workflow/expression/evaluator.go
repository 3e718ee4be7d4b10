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

// Package expression evaluates edge conditions and loop predicates
// against a flow's runtime state. Compiled programs are cached.
package expression

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/maestro/pkg/errors"
)

// Evaluator compiles and evaluates boolean condition expressions.
//
// The evaluation context carries:
//   - input: the flow's input map
//   - nodes: completed node outputs keyed by node id
//   - value: the evaluating node's own input
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an evaluator with an empty program cache.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

// Evaluate runs the expression against ctx. An empty expression is
// true, so unconditional edges need no special casing at call sites.
func (e *Evaluator) Evaluate(expression string, ctx map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile expression: %v", err),
			Suggestion: "check expression syntax and referenced variables",
		}
	}

	evalCtx := make(map[string]any, len(ctx)+2)
	for k, v := range ctx {
		evalCtx[k] = v
	}
	// "contains" is a reserved string operator in expr.
	evalCtx["has"] = containsFunc
	evalCtx["length"] = lenFunc

	result, err := expr.Run(program, evalCtx)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("expression evaluation failed: %v", err),
			Suggestion: "verify that referenced variables exist in the flow state",
		}
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("expression must return boolean, got %T", result),
			Suggestion: "use comparison operators or boolean functions",
		}
	}
	return boolResult, nil
}

// Validate compiles the expression without evaluating it.
func (e *Evaluator) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	if _, err := e.compile(expression); err != nil {
		return &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("invalid condition expression: %v", err),
		}
	}
	return nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":    containsFunc,
		"length": lenFunc,
	}
	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// containsFunc reports whether a collection holds a value: slice
// membership, map key presence, or substring for strings.
func containsFunc(collection, value any) bool {
	switch c := collection.(type) {
	case string:
		s, ok := value.(string)
		if !ok {
			return false
		}
		return strings.Contains(c, s)
	case map[string]any:
		k, ok := value.(string)
		if !ok {
			return false
		}
		_, exists := c[k]
		return exists
	}
	rv := reflect.ValueOf(collection)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if reflect.DeepEqual(rv.Index(i).Interface(), value) {
				return true
			}
		}
	}
	return false
}

// lenFunc returns the length of strings, slices, and maps, 0 otherwise.
func lenFunc(v any) int {
	switch c := v.(type) {
	case string:
		return len(c)
	case map[string]any:
		return len(c)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array || rv.Kind() == reflect.Map {
		return rv.Len()
	}
	return 0
}
