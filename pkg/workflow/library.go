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

import (
	"sync"

	"github.com/tombee/maestro/pkg/errors"
)

// Library resolves workflow names for SUBFLOW nodes.
type Library interface {
	Lookup(name string) (*Workflow, error)
}

// MemoryLibrary is a map-backed Library for tests and embedding.
type MemoryLibrary struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryLibrary creates an empty library.
func NewMemoryLibrary() *MemoryLibrary {
	return &MemoryLibrary{workflows: make(map[string]*Workflow)}
}

// Put stores a workflow under its id.
func (l *MemoryLibrary) Put(w *Workflow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[w.ID] = w
}

// Lookup returns the workflow with the given id.
func (l *MemoryLibrary) Lookup(name string) (*Workflow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	w, ok := l.workflows[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return w, nil
}
