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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	e := New()
	ctx := map[string]any{
		"input": map[string]any{"n": 10, "tags": []any{"fast", "safe"}},
		"nodes": map[string]any{"fetch": map[string]any{"status": "ok"}},
		"value": map[string]any{"n": 10},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"empty is true", "", true},
		{"comparison", "input.n > 5", true},
		{"false comparison", "input.n > 50", false},
		{"node state", `nodes.fetch.status == "ok"`, true},
		{"value binding", "value.n == 10", true},
		{"has on slice", `has(input.tags, "fast")`, true},
		{"has miss", `has(input.tags, "slow")`, false},
		{"length", "length(input.tags) == 2", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Evaluate(tt.expr, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateRejectsNonBoolean(t *testing.T) {
	e := New()
	_, err := e.Evaluate("input.n + 1", map[string]any{
		"input": map[string]any{"n": 1},
	})
	assert.Error(t, err)
}

func TestEvaluateRejectsBadSyntax(t *testing.T) {
	e := New()
	_, err := e.Evaluate("input.n >", nil)
	assert.Error(t, err)
	assert.Error(t, e.Validate("input.n >"))
	assert.NoError(t, e.Validate("input.n > 1"))
}

func TestCompileCache(t *testing.T) {
	e := New()
	ctx := map[string]any{"input": map[string]any{"n": 1}}
	_, err := e.Evaluate("input.n == 1", ctx)
	require.NoError(t, err)
	_, err = e.Evaluate("input.n == 1", ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())
}
