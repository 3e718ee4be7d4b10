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

package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/tombee/maestro/pkg/errors"
)

// RenderTree renders the subtree rooted at rootID as an ascii tree, one
// line per record. The view is consistent as of the moment the call
// acquired the tracker lock.
func (t *Tracker) RenderTree(rootID string) (string, error) {
	t.mu.Lock()
	root, ok := t.records[rootID]
	if !ok {
		t.mu.Unlock()
		return "", &errors.NotFoundError{Resource: "execution", ID: rootID}
	}

	type node struct {
		rec      Record
		children []*node
	}
	var build func(id string) *node
	build = func(id string) *node {
		rec, ok := t.records[id]
		if !ok {
			return nil
		}
		n := &node{rec: rec.snapshot()}
		for _, child := range t.children[id] {
			if c := build(child); c != nil {
				n.children = append(n.children, c)
			}
		}
		return n
	}
	tree := build(root.id.String())
	t.mu.Unlock()

	var b strings.Builder
	b.WriteString(renderLine(tree.rec))
	b.WriteByte('\n')
	var walk func(n *node, prefix string)
	walk = func(n *node, prefix string) {
		for i, child := range n.children {
			last := i == len(n.children)-1
			glyph := "├── "
			childPrefix := prefix + "│   "
			if last {
				glyph = "└── "
				childPrefix = prefix + "    "
			}
			b.WriteString(prefix)
			b.WriteString(glyph)
			b.WriteString(renderLine(child.rec))
			b.WriteByte('\n')
			walk(child, childPrefix)
		}
	}
	walk(tree, "")
	return b.String(), nil
}

// renderLine formats one record as "kind short-id [status] (duration)".
// The duration is shown only for finished records.
func renderLine(rec Record) string {
	line := fmt.Sprintf("%s %s [%s]", rec.ID.Kind(), rec.ID.Short(), rec.Status)
	if rec.Status.Terminal() && !rec.EndedAt.IsZero() {
		line += fmt.Sprintf(" (%s)", rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	}
	return line
}
