// Package streaming provides in-memory pub/sub for pipeline run events,
// consumed by the SSE and WebSocket endpoints.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quarrylab/quarry/internal/metrics"
)

// Event types published over a run's stream.
const (
	EventPhaseChanged      = "phase_changed"
	EventPlanPendingReview = "plan_pending_review"
	EventQueryPlanned      = "query_planned"
	EventSourceFound       = "source_found"
	EventSourceSkipped     = "source_skipped"
	EventEvidenceAdded     = "evidence_added"
	EventBudgetSnapshot    = "budget_snapshot"
	EventRunFailed         = "run_failed"
	EventRunCompleted      = "run_completed"
)

// DefaultCapacity is the per-run replay ring size.
const DefaultCapacity = 256

// Event is one streamed pipeline occurrence. Seq is assigned at publish
// time and is strictly increasing per run.
type Event struct {
	RunID     string                 `json:"run_id"`
	Type      string                 `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Seq       uint64                 `json:"seq"`
}

// Marshal returns the JSON form used for SSE payloads and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Manager fans events out to subscribers and keeps a bounded per-run
// history for replay.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	history     map[string]*ring
	capacity    int
}

// NewManager creates a manager with the given replay capacity per run.
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
	}
}

// Subscribe adds a subscriber channel for a run. The caller must drain
// the channel and call Unsubscribe when done.
func (m *Manager) Subscribe(runID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	metrics.StreamSubscribers.Inc()
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
			metrics.StreamSubscribers.Dec()
		}
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns a sequence number, records the event in the run's
// history, and sends it to all subscribers. Slow subscribers are
// dropped rather than blocking the pipeline.
func (m *Manager) Publish(runID string, evt Event) {
	evt.RunID = runID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	rg := m.history[runID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[runID] = rg
	}
	evt.Seq = rg.nextSeq
	rg.nextSeq++
	rg.push(evt)
	subs := m.subscribers[runID]
	m.mu.Unlock()

	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()

	if len(subs) == 0 {
		return
	}
	for ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// ReplaySince returns events with Seq > since, best-effort within the
// ring capacity.
func (m *Manager) ReplaySince(runID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[runID]
	m.mu.RUnlock()
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Drop releases the run's history. Live subscribers keep their channels
// but get no replay afterwards.
func (m *Manager) Drop(runID string) {
	m.mu.Lock()
	delete(m.history, runID)
	m.mu.Unlock()
}

// ring is a fixed-capacity event buffer.
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
