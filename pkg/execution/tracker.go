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
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/maestro/pkg/errors"
)

// Status is the lifecycle state of an execution record.
// Transitions are monotonic in the order listed.
type Status string

const (
	// StatusPending indicates the execution has been created but not started.
	StatusPending Status = "pending"
	// StatusRunning indicates the execution is in flight.
	StatusRunning Status = "running"
	// StatusSucceeded indicates the execution finished with a result.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the execution finished with an error.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the execution was cooperatively cancelled.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Record is an immutable snapshot of one execution. The tracker hands
// out copies; callers never see tracker-internal state.
type Record struct {
	ID        ID
	Parent    string
	Status    Status
	StartedAt time.Time
	EndedAt   time.Time
	Result    any
	Error     string
	Metadata  map[string]any
}

// Duration returns the elapsed wall-clock time, or the time since start
// if the execution has not ended.
func (r Record) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// record is the tracker-internal mutable form.
type record struct {
	id        ID
	status    Status
	startedAt time.Time
	endedAt   time.Time
	result    any
	errText   string
	metadata  map[string]any
}

func (r *record) snapshot() Record {
	meta := make(map[string]any, len(r.metadata))
	for k, v := range r.metadata {
		meta[k] = v
	}
	return Record{
		ID:        r.id,
		Parent:    r.id.Parent(),
		Status:    r.status,
		StartedAt: r.startedAt,
		EndedAt:   r.endedAt,
		Result:    r.result,
		Error:     r.errText,
		Metadata:  meta,
	}
}

// DefaultRetention is how long finished subtrees are kept before they
// become eligible for eviction.
const DefaultRetention = time.Hour

// Tracker is the in-memory registry of execution records. All methods
// are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	records   map[string]*record
	children  map[string][]string // parent id -> ordered child ids
	retention time.Duration
	logger    *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRetention overrides the retention window for finished subtrees.
func WithRetention(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithLogger sets the tracker's logger.
func WithLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		records:   make(map[string]*record),
		children:  make(map[string][]string),
		retention: DefaultRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartRoot creates a root record with no parent, status running.
func (t *Tracker) StartRoot(kind Kind, metadata map[string]any) ID {
	id := newID(kind, "", 0)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked(time.Now())
	t.insertLocked(id, metadata)
	return id
}

// StartChild creates a record under parentID. Fails with a NotFoundError
// if the parent is unknown.
func (t *Tracker) StartChild(parentID string, kind Kind, metadata map[string]any) (ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpiredLocked(time.Now())

	parent, ok := t.records[parentID]
	if !ok {
		return ID{}, &errors.NotFoundError{Resource: "parent execution", ID: parentID}
	}

	id := newID(kind, parentID, parent.id.Depth()+1)
	t.insertLocked(id, metadata)
	t.children[parentID] = append(t.children[parentID], id.String())
	return id, nil
}

func (t *Tracker) insertLocked(id ID, metadata map[string]any) {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	t.records[id.String()] = &record{
		id:        id,
		status:    StatusRunning,
		startedAt: id.CreatedAt(),
		metadata:  meta,
	}
}

// Succeed records a successful terminal transition. The bool result is
// false when the record was already terminal (idempotent no-op).
func (t *Tracker) Succeed(id string, result any) (bool, error) {
	return t.finish(id, StatusSucceeded, result, "")
}

// Fail records a failed terminal transition with the error description.
func (t *Tracker) Fail(id string, err error) (bool, error) {
	text := ""
	if err != nil {
		text = err.Error()
	}
	return t.finish(id, StatusFailed, nil, text)
}

// Cancel records a cancelled terminal transition.
func (t *Tracker) Cancel(id string) (bool, error) {
	return t.finish(id, StatusCancelled, nil, "")
}

func (t *Tracker) finish(id string, status Status, result any, errText string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return false, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	if rec.status.Terminal() {
		return false, nil
	}

	rec.status = status
	rec.endedAt = time.Now()
	rec.result = result
	rec.errText = errText
	return true, nil
}

// SetMetadata merges the given keys into the record's metadata map.
func (t *Tracker) SetMetadata(id string, metadata map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return &errors.NotFoundError{Resource: "execution", ID: id}
	}
	for k, v := range metadata {
		rec.metadata[k] = v
	}
	return nil
}

// Get returns a snapshot of a single record.
func (t *Tracker) Get(id string) (Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[id]
	if !ok {
		return Record{}, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	return rec.snapshot(), nil
}

// Snapshot collects the subtree rooted at rootID in depth-first
// pre-order. The returned records are copies consistent as of the moment
// the call acquired the tracker lock.
func (t *Tracker) Snapshot(rootID string) ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[rootID]; !ok {
		return nil, &errors.NotFoundError{Resource: "execution", ID: rootID}
	}

	var out []Record
	t.collectLocked(rootID, &out)
	return out, nil
}

func (t *Tracker) collectLocked(id string, out *[]Record) {
	rec, ok := t.records[id]
	if !ok {
		return
	}
	*out = append(*out, rec.snapshot())
	for _, child := range t.children[id] {
		t.collectLocked(child, out)
	}
}

// EvictExpired removes finished subtrees older than the retention
// window. A record is never reclaimed while any descendant is live.
// Returns the number of records removed.
func (t *Tracker) EvictExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.evictExpiredLocked(time.Now())
}

func (t *Tracker) evictExpiredLocked(now time.Time) int {
	cutoff := now.Add(-t.retention)
	removed := 0
	for id, rec := range t.records {
		// Only consider roots; descendants go with their root.
		if rec.id.Parent() != "" {
			continue
		}
		if t.subtreeExpiredLocked(id, cutoff) {
			removed += t.removeSubtreeLocked(id)
		}
	}
	if removed > 0 {
		t.logger.Debug("evicted expired execution records", "count", removed)
	}
	return removed
}

// subtreeExpiredLocked reports whether every record in the subtree is
// terminal and ended before the cutoff.
func (t *Tracker) subtreeExpiredLocked(id string, cutoff time.Time) bool {
	rec, ok := t.records[id]
	if !ok {
		return true
	}
	if !rec.status.Terminal() || rec.endedAt.After(cutoff) {
		return false
	}
	for _, child := range t.children[id] {
		if !t.subtreeExpiredLocked(child, cutoff) {
			return false
		}
	}
	return true
}

func (t *Tracker) removeSubtreeLocked(id string) int {
	removed := 0
	for _, child := range t.children[id] {
		removed += t.removeSubtreeLocked(child)
	}
	delete(t.children, id)
	if _, ok := t.records[id]; ok {
		delete(t.records, id)
		removed++
	}
	return removed
}

// Len returns the number of records currently held.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
