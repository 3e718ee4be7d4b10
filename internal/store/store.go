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

// Package store loads workflow definitions from a directory and keeps
// them current as files change. It implements the executor's Library
// interface.
package store

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/workflow"
)

// DefaultPatterns match the workflow definition files a store discovers.
var DefaultPatterns = []string{"**/*.yaml", "**/*.yml", "**/*.json"}

// Store is a directory-backed workflow library. Lookup serves the
// highest loaded version of each workflow id.
type Store struct {
	dir      string
	patterns []string
	logger   *slog.Logger

	mu     sync.RWMutex
	byID   map[string]*workflow.Workflow
	byPath map[string]string // file path -> workflow id it defined
}

// Option configures a Store.
type Option func(*Store)

// WithPatterns overrides the discovery glob patterns.
func WithPatterns(patterns []string) Option {
	return func(s *Store) {
		if len(patterns) > 0 {
			s.patterns = patterns
		}
	}
}

// WithStoreLogger sets the store's logger.
func WithStoreLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a store rooted at dir and performs the initial load.
func New(dir string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &errors.ConfigError{Key: "dir", Reason: err.Error()}
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, &errors.ConfigError{
			Key:    "dir",
			Reason: "workflow directory does not exist: " + abs,
		}
	}

	s := &Store{
		dir:      abs,
		patterns: DefaultPatterns,
		logger:   slog.Default(),
		byID:     make(map[string]*workflow.Workflow),
		byPath:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup implements workflow.Library.
func (s *Store) Lookup(name string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.byID[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return w, nil
}

// List returns the loaded workflows sorted by id.
func (s *Store) List() []*workflow.Workflow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*workflow.Workflow, 0, len(s.byID))
	for _, w := range s.byID {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of loaded workflows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Reload re-discovers and re-parses every matching file. Files that
// fail to parse or validate are skipped with a warning; they never
// evict a previously good definition.
func (s *Store) Reload() error {
	root := os.DirFS(s.dir)
	seen := make(map[string]bool)
	var paths []string
	for _, pattern := range s.patterns {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			return &errors.ConfigError{
				Key:    "patterns",
				Reason: "bad glob pattern " + pattern + ": " + err.Error(),
			}
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	sort.Strings(paths)

	for _, rel := range paths {
		s.loadFile(filepath.Join(s.dir, rel))
	}
	return nil
}

// loadFile parses one definition file and installs it if it wins the
// version comparison against any already-loaded workflow with the same
// id.
func (s *Store) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("failed to read workflow file", "path", path, "error", err)
		return
	}
	w, err := workflow.Parse(data)
	if err != nil {
		s.logger.Warn("skipping invalid workflow file", "path", path, "error", err)
		return
	}
	if err := workflow.Validate(w); err != nil {
		s.logger.Warn("skipping invalid workflow graph", "path", path, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[w.ID]
	samePath := s.byPath[path] == w.ID
	// A changed file replaces its own workflow regardless of version;
	// a different file only wins with a strictly newer version.
	if ok && !samePath && existing.Version >= w.Version {
		s.logger.Debug("keeping newer workflow version",
			log.WorkflowKey, w.ID,
			"loaded", existing.Version,
			"offered", w.Version,
		)
		return
	}
	s.byID[w.ID] = w
	s.byPath[path] = w.ID
	s.logger.Info("workflow loaded",
		log.WorkflowKey, w.ID,
		"version", w.Version,
		"path", path,
	)
}

// removeFile drops the workflow a deleted file defined.
func (s *Store) removeFile(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPath[path]
	if !ok {
		return
	}
	delete(s.byPath, path)
	delete(s.byID, id)
	s.logger.Info("workflow removed", log.WorkflowKey, id, "path", path)
}

// matches reports whether the absolute path falls under a discovery
// pattern.
func (s *Store) matches(path string) bool {
	rel, err := filepath.Rel(s.dir, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pattern := range s.patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

// subdirs lists every directory under the root, for recursive watches.
func (s *Store) subdirs() []string {
	dirs := []string{s.dir}
	_ = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != s.dir {
			dirs = append(dirs, path)
		}
		return nil
	})
	return dirs
}
