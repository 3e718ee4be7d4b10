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

package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/maestro/pkg/errors"
)

func writeWorkflow(t *testing.T, dir, file, id string, version int) string {
	t.Helper()
	src := fmt.Sprintf(`
id: %s
name: %s
version: %d
nodes:
  - id: in
    type: INPUT
  - id: calc
    type: TRANSFORM
    config:
      expression: ".x"
  - id: out
    type: OUTPUT
edges:
  - source: in
    target: calc
  - source: calc
    target: out
`, id, id, version)
	path := filepath.Join(dir, file)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestNewLoadsDirectory(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "greet.yaml", "greet", 1)
	writeWorkflow(t, dir, "nested/score.yaml", "score", 1)

	s, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())

	w, err := s.Lookup("greet")
	require.NoError(t, err)
	assert.Equal(t, "greet", w.ID)

	_, err = s.Lookup("missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestHigherVersionWins(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "a.yaml", "greet", 2)
	writeWorkflow(t, dir, "b.yaml", "greet", 1)

	s, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())

	w, err := s.Lookup("greet")
	require.NoError(t, err)
	assert.Equal(t, 2, w.Version)
}

func TestInvalidFileSkipped(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "good.yaml", "good", 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("nodes: {not: [valid"), 0o644))

	s, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Len())
}

func TestListSortedByID(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "b.yaml", "beta", 1)
	writeWorkflow(t, dir, "a.yaml", "alpha", 1)

	s, err := New(dir)
	require.NoError(t, err)
	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].ID)
	assert.Equal(t, "beta", list[1].ID)
}

func TestWatchPicksUpNewFile(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	writeWorkflow(t, dir, "late.yaml", "late", 1)
	require.Eventually(t, func() bool {
		_, err := s.Lookup("late")
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatchAppliesFileChanges(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "w.yaml", "w", 1)
	s, err := New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	writeWorkflow(t, dir, "w.yaml", "w", 2)
	require.Eventually(t, func() bool {
		w, err := s.Lookup("w")
		return err == nil && w.Version == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWatchRemovesDeletedFile(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkflow(t, dir, "w.yaml", "w", 1)
	s, err := New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Watch(ctx))

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		_, err := s.Lookup("w")
		return errors.IsNotFound(err)
	}, 3*time.Second, 10*time.Millisecond)
}
