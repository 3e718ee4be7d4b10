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

package tools

import (
	"context"
	"time"

	"github.com/tombee/maestro/pkg/execution"
)

// Invocation is the per-call state shared by the interceptor chain.
// Interceptors mutate the metadata map cooperatively; the input value
// is treated as immutable.
type Invocation struct {
	// ID is the TOOL execution id allocated for this invocation.
	ID execution.ID

	// Parent is the invoking execution's id, zero for a root call.
	Parent execution.ID

	// Tool is the descriptor being invoked.
	Tool *Descriptor

	// Input is the validated tool input. Interceptors must not mutate it.
	Input map[string]any

	// StartedAt is when the pipeline accepted the invocation.
	StartedAt time.Time

	// Metadata is scratch space for interceptors.
	Metadata map[string]any

	// Skip, when set by a Before hook, bypasses the handler and uses
	// CachedResult as the invocation's result.
	Skip bool

	// CachedResult is the result supplied with Skip.
	CachedResult map[string]any

	// CacheOnSuccess asks post-interceptors to persist the result.
	CacheOnSuccess bool
}

// Interceptor wraps tool invocations. Before hooks run in ascending
// Order; After and OnError run in descending order over the
// interceptors whose Before ran.
type Interceptor interface {
	// Name identifies the interceptor in logs.
	Name() string

	// Order positions the interceptor in the chain; lower runs earlier.
	Order() int

	// StopOnError aborts the invocation when this interceptor's Before
	// fails. Other interceptors' Before errors are logged and skipped.
	StopOnError() bool

	// Before runs ahead of the handler. It may set inv.Skip with a
	// cached result, set inv.CacheOnSuccess, or fail.
	Before(ctx context.Context, inv *Invocation) error

	// After runs on success, including cache-hit early returns. Errors
	// are logged and do not change the recorded result.
	After(ctx context.Context, inv *Invocation, result map[string]any) error

	// OnError observes a failed invocation. It cannot mask the error.
	OnError(ctx context.Context, inv *Invocation, err error)
}
