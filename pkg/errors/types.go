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

package errors

import (
	"fmt"
	"time"
)

// ValidationError represents input validation failures: a graph that
// violates its invariants, a node config that fails its schema, or a tool
// input that does not satisfy the tool's input schema.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents an unknown reference: an unknown parent
// execution, session, workflow, or tool.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "execution", "tool", "workflow")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// TimeoutError represents a per-node or per-flow wall-clock limit being
// exceeded. Subject to the node's retry policy.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "tool invocation", "node")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// GuardrailError represents an input denied by a guardrail validator
// before the tool ran. Never retried; surfaces as the tool's error.
type GuardrailError struct {
	// Tool is the name of the tool whose input was denied
	Tool string

	// Rule identifies the validator that denied the input
	Rule string

	// Message explains why the input was denied
	Message string
}

// Error implements the error interface.
func (e *GuardrailError) Error() string {
	return fmt.Sprintf("guardrail %s denied input for tool %s: %s", e.Rule, e.Tool, e.Message)
}

// TransportError represents a remote transport failure: the subprocess
// died, a write failed, or the transport was stopped with requests in
// flight.
type TransportError struct {
	// Op is the operation that failed (e.g., "send", "start", "request")
	Op string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("transport %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("transport: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Cause
}

// CancelledError represents a cooperatively cancelled flow or node.
// Partial results are discarded; the terminal status is CANCELLED.
type CancelledError struct {
	// Scope describes what was cancelled (e.g., "flow", "node")
	Scope string

	// ID is the execution id that was cancelled
	ID string
}

// Error implements the error interface.
func (e *CancelledError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s cancelled", e.Scope, e.ID)
	}
	return fmt.Sprintf("%s cancelled", e.Scope)
}

// ConfigError represents configuration problems: a missing collaborator,
// an invalid setting, or a component constructed without a dependency it
// needs.
type ConfigError struct {
	// Key is the configuration key that has the problem
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
