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

package workflow

import "context"

// GenerateRequest is one LLM call.
type GenerateRequest struct {
	Model  string
	Prompt string
	System string
}

// Provider speaks to a model server on behalf of LLM nodes. onDelta is
// invoked for each streamed chunk; the return value is the complete
// response text. Model servers are external collaborators, so the
// engine only ever sees this interface.
type Provider interface {
	Generate(ctx context.Context, req GenerateRequest, onDelta func(text string)) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req GenerateRequest, onDelta func(text string)) (string, error)

// Generate implements Provider.
func (f ProviderFunc) Generate(ctx context.Context, req GenerateRequest, onDelta func(text string)) (string, error) {
	return f(ctx, req, onDelta)
}
