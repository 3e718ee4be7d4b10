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

// Package jq evaluates jq expressions for TRANSFORM nodes, with timeout
// and input-size protection.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/tombee/maestro/pkg/errors"
)

const (
	// DefaultTimeout bounds a single expression evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the JSON size of transform input (10 MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq expressions.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates an executor. Zero values select the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize == 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{timeout: timeout, maxInputSize: maxInputSize}
}

// Execute runs the expression against data. An empty expression is the
// identity. Multiple jq outputs collapse into a slice; zero outputs
// into nil.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}
	if err := e.validateInputSize(data); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("invalid jq expression: %v", err),
			Suggestion: "check the transform's jq syntax",
		}
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("jq compilation failed: %v", err),
		}
	}

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		iter := code.RunWithContext(execCtx, data)
		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if iterErr, isErr := v.(error); isErr {
				errCh <- iterErr
				return
			}
			results = append(results, v)
		}
		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-execCtx.Done():
		return nil, &errors.TimeoutError{Operation: "jq transform", Duration: e.timeout}
	}
}

// Validate compiles the expression without running it, so workflow
// validation catches syntax errors at load time.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	query, err := gojq.Parse(expression)
	if err != nil {
		return &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("invalid jq expression: %v", err),
		}
	}
	if _, err := gojq.Compile(query); err != nil {
		return &errors.ValidationError{
			Field:   "expression",
			Message: fmt.Sprintf("jq compilation failed: %v", err),
		}
	}
	return nil
}

func (e *Executor) validateInputSize(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal transform input: %w", err)
	}
	if int64(len(raw)) > e.maxInputSize {
		return &errors.ValidationError{
			Field:   "input",
			Message: fmt.Sprintf("input size %d exceeds maximum %d bytes", len(raw), e.maxInputSize),
		}
	}
	return nil
}
