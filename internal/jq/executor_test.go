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

package jq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteIdentityOnEmptyExpression(t *testing.T) {
	e := NewExecutor(0, 0)
	data := map[string]any{"x": 1}
	out, err := e.Execute(context.Background(), "", data)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestExecuteSimpleTransform(t *testing.T) {
	e := NewExecutor(0, 0)
	out, err := e.Execute(context.Background(), ".x * 2", map[string]any{"x": 42})
	require.NoError(t, err)
	assert.EqualValues(t, 84, out)
}

func TestExecuteMultipleOutputsCollapseToSlice(t *testing.T) {
	e := NewExecutor(0, 0)
	out, err := e.Execute(context.Background(), ".[]", []any{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, out)
}

func TestExecuteRejectsBadSyntax(t *testing.T) {
	e := NewExecutor(0, 0)
	_, err := e.Execute(context.Background(), ".x |", map[string]any{})
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	e := NewExecutor(0, 0)
	assert.NoError(t, e.Validate(""))
	assert.NoError(t, e.Validate(".x.y | length"))
	assert.Error(t, e.Validate("((("))
}

func TestExecuteEnforcesInputSize(t *testing.T) {
	e := NewExecutor(0, 16)
	_, err := e.Execute(context.Background(), ".",
		map[string]any{"big": "aaaaaaaaaaaaaaaaaaaaaaaaaaaaa"})
	assert.Error(t, err)
}
