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

package event

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineSink is an io.Writer that collects whole lines under a mutex and
// can optionally block writes until released, to simulate a slow client.
type lineSink struct {
	mu    sync.Mutex
	lines []string
	block chan struct{} // non-nil: writes wait until closed
}

func (s *lineSink) Write(p []byte) (int, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := bufio.NewScanner(bytes.NewReader(p))
	for sc.Scan() {
		s.lines = append(s.lines, sc.Text())
	}
	return len(p), nil
}

func (s *lineSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func TestEmitOrderPreserved(t *testing.T) {
	sink := &lineSink{}
	em := newEmitter("s1", sink)

	for i := 0; i < 20; i++ {
		em.Emit(NewBuilder(DomainChat, ChatMessage).
			Field("text", fmt.Sprintf("m%d", i)).
			Build())
	}
	em.Close()

	lines := sink.Lines()
	require.Len(t, lines, 20)
	for i, line := range lines {
		env, err := Parse([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("m%d", i), env.Data["text"])
	}
}

func TestEmitAfterCloseIsSilentDrop(t *testing.T) {
	sink := &lineSink{}
	em := newEmitter("s1", sink)
	em.Close()

	em.Emit(NewEnvelope(DomainChat, ChatMessage, map[string]any{"text": "late"}))
	assert.Empty(t, sink.Lines())
}

func TestBackpressureShedsDeltasFirst(t *testing.T) {
	release := make(chan struct{})
	sink := &lineSink{block: release}
	em := newEmitter("s1", sink, WithQueueSize(4))

	// The first envelope is pulled off the queue by the writer and
	// blocks in Write; fill the queue behind it with deltas.
	em.Emit(NewEnvelope(DomainChat, ChatDelta, map[string]any{"text": "d0"}))
	waitForDrain(t, em, 0)
	for i := 1; i <= 4; i++ {
		em.Emit(NewEnvelope(DomainChat, ChatDelta, map[string]any{"text": fmt.Sprintf("d%d", i)}))
	}

	// A tool result must displace the oldest delta rather than be lost.
	em.Emit(NewEnvelope(DomainTool, ToolResult, map[string]any{"toolName": "echo"}))

	close(release)
	em.Close()

	var sawResult bool
	var deltas []string
	for _, line := range sink.Lines() {
		env, err := Parse([]byte(line))
		require.NoError(t, err)
		switch env.Header.Domain {
		case DomainTool:
			sawResult = true
		case DomainChat:
			deltas = append(deltas, env.Data["text"].(string))
		}
	}
	assert.True(t, sawResult, "tool/result must never be dropped")
	// d1 was shed (oldest queued delta); later deltas survive.
	assert.NotContains(t, deltas, "d1")
	assert.False(t, em.Overrun())
}

func TestOverrunClosesWithSystemError(t *testing.T) {
	release := make(chan struct{})
	sink := &lineSink{block: release}
	em := newEmitter("s1", sink, WithQueueSize(2))

	em.Emit(NewEnvelope(DomainTool, ToolStart, map[string]any{"toolName": "a"}))
	waitForDrain(t, em, 0)
	em.Emit(NewEnvelope(DomainTool, ToolResult, map[string]any{"toolName": "a"}))
	em.Emit(NewEnvelope(DomainAudit, AuditNodeEnd, map[string]any{"nodeId": "n1"}))
	// Queue is now full of non-droppable envelopes.
	em.Emit(NewEnvelope(DomainAudit, AuditNodeStart, map[string]any{"nodeId": "n2"}))

	assert.True(t, em.Overrun())
	assert.True(t, em.Closed())

	close(release)
	em.Close()

	lines := sink.Lines()
	require.NotEmpty(t, lines)
	last, err := Parse([]byte(lines[len(lines)-1]))
	require.NoError(t, err)
	assert.Equal(t, DomainSystem, last.Header.Domain)
	assert.Equal(t, SystemError, last.Header.Type)
	assert.Equal(t, "stream-overrun", last.Data["code"])
}

// waitForDrain waits until the emitter queue length drops to want.
func waitForDrain(t *testing.T, em *Emitter, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		em.mu.Lock()
		n := len(em.queue)
		em.mu.Unlock()
		if n <= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("emitter queue did not drain")
}

func TestDispatcherRegisterUnregister(t *testing.T) {
	d := NewDispatcher()

	em, err := d.Register("s1", &lineSink{})
	require.NoError(t, err)
	require.NotNil(t, em)

	_, err = d.Register("s1", &lineSink{})
	assert.Error(t, err, "duplicate session registration must fail")

	d.Unregister("s1")
	_, err = d.Get("s1")
	assert.Error(t, err)

	// Unregister of an unknown session is a no-op.
	d.Unregister("s1")
}

func TestBroadcastWithPredicate(t *testing.T) {
	d := NewDispatcher()
	sinkA := &lineSink{}
	sinkB := &lineSink{}
	_, err := d.Register("a", sinkA)
	require.NoError(t, err)
	_, err = d.Register("b", sinkB)
	require.NoError(t, err)

	d.Broadcast(NewEnvelope(DomainSystem, SystemConnected, nil), func(id string) bool {
		return id == "a"
	})
	d.Unregister("a")
	d.Unregister("b")

	assert.Len(t, sinkA.Lines(), 1)
	assert.Empty(t, sinkB.Lines())
}

func TestHeartbeatLoop(t *testing.T) {
	d := NewDispatcher(WithHeartbeatInterval(10 * time.Millisecond))
	sink := &lineSink{}
	_, err := d.Register("s1", sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, line := range sink.Lines() {
			if strings.Contains(line, SystemHeartbeat) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, d.Len())
}
