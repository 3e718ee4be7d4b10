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
	"context"
	"sort"
	"strings"
	"sync"
)

// Document is one retrievable item.
type Document struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// Retriever serves RETRIEVE nodes. Implementations rank documents for
// a query and return at most k results, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Document, error)
}

// MemoryRetriever is an in-process retriever scoring documents by term
// overlap. It serves local development and tests; production wiring
// substitutes a real vector store behind the same interface.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryRetriever creates an empty in-memory index.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{}
}

// Add indexes a document.
func (m *MemoryRetriever) Add(id, content string, metadata map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = append(m.docs, Document{ID: id, Content: content, Metadata: metadata})
}

// Retrieve ranks documents by the fraction of query terms they contain.
func (m *MemoryRetriever) Retrieve(ctx context.Context, query string, k int) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = 5
	}

	terms := strings.Fields(strings.ToLower(query))
	m.mu.RLock()
	scored := make([]Document, 0, len(m.docs))
	for _, doc := range m.docs {
		content := strings.ToLower(doc.Content)
		matches := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				matches++
			}
		}
		if matches == 0 || len(terms) == 0 {
			continue
		}
		doc.Score = float64(matches) / float64(len(terms))
		scored = append(scored, doc)
	}
	m.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}
