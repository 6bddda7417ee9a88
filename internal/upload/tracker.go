package upload

import (
	"slices"
	"strconv"
	"sync"
	"time"
)

// State of one chunk's upload.
type State string

const (
	StatePending   State = "pending"
	StateUploading State = "uploading"
	StateUploaded  State = "uploaded"
	StateFailed    State = "failed"
)

// EventKind distinguishes tracker notifications.
type EventKind string

const (
	// EventPendingChanged fires whenever the pending set grows or shrinks.
	EventPendingChanged EventKind = "pending_changed"
	// EventChunkState fires on every other state change.
	EventChunkState EventKind = "chunk_state"
)

// Event is a tracker notification.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Chunk     string    `json:"chunk"`
	State     State     `json:"state"`
	Pending   int       `json:"pending"`
	Completed int       `json:"completed"`
	Time      time.Time `json:"time"`
}

// ChunkStatus is the tracked state of one chunk.
type ChunkStatus struct {
	Chunk    string `json:"chunk"`
	State    State  `json:"state"`
	Attempts int    `json:"attempts"`
	Key      string `json:"key,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Tracker records pending and completed chunks of the current session.
// Updates tagged with any other session are ignored.
type Tracker struct {
	mu        sync.RWMutex
	sessionID string
	chunks    map[string]*ChunkStatus
	pending   map[string]struct{}
	completed []string
	events    chan Event
}

// NewTracker creates a tracker whose event channel holds buffer events.
func NewTracker(buffer int) *Tracker {
	return &Tracker{
		chunks:  make(map[string]*ChunkStatus),
		pending: make(map[string]struct{}),
		events:  make(chan Event, buffer),
	}
}

// Events returns the notification channel. Events are dropped when it is full.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// Reset switches the tracker to a new session and clears all state.
func (t *Tracker) Reset(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
	t.chunks = make(map[string]*ChunkStatus)
	t.pending = make(map[string]struct{})
	t.completed = nil
}

// Session returns the tracked session id.
func (t *Tracker) Session() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Enqueue marks chunk as pending. Returns false for a stale session.
func (t *Tracker) Enqueue(sessionID, chunk string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sessionID != t.sessionID {
		return false
	}
	if _, ok := t.chunks[chunk]; ok {
		return true
	}
	t.chunks[chunk] = &ChunkStatus{Chunk: chunk, State: StatePending}
	t.pending[chunk] = struct{}{}
	t.emitLocked(EventPendingChanged, chunk, StatePending)
	return true
}

// Update records a state change. Uploaded chunks leave the pending set;
// failed ones stay in it until a later attempt succeeds.
func (t *Tracker) Update(sessionID, chunk string, state State, attempts int, key string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sessionID != t.sessionID {
		return false
	}

	cs, ok := t.chunks[chunk]
	if !ok {
		cs = &ChunkStatus{Chunk: chunk}
		t.chunks[chunk] = cs
	}
	if cs.State == StateUploaded {
		return true
	}
	cs.State = state
	cs.Attempts = attempts
	if key != "" {
		cs.Key = key
	}
	cs.Error = ""
	if err != nil {
		cs.Error = err.Error()
	}

	_, wasPending := t.pending[chunk]
	switch {
	case state == StateUploaded:
		delete(t.pending, chunk)
		t.completed = append(t.completed, chunk)
	case !wasPending:
		t.pending[chunk] = struct{}{}
	}
	if _, isPending := t.pending[chunk]; isPending != wasPending {
		t.emitLocked(EventPendingChanged, chunk, state)
	} else {
		t.emitLocked(EventChunkState, chunk, state)
	}
	return true
}

func (t *Tracker) emitLocked(kind EventKind, chunk string, state State) {
	ev := Event{
		Kind:      kind,
		SessionID: t.sessionID,
		Chunk:     chunk,
		State:     state,
		Pending:   len(t.pending),
		Completed: len(t.completed),
		Time:      time.Now(),
	}
	select {
	case t.events <- ev:
	default:
	}
}

// Pending returns pending chunk ids in chunk order.
func (t *Tracker) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.pending))
	for c := range t.pending {
		out = append(out, c)
	}
	slices.SortFunc(out, compareChunks)
	return out
}

// Completed returns uploaded chunk ids in completion order.
func (t *Tracker) Completed() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.completed)
}

// Status returns a copy of every tracked chunk in chunk order.
func (t *Tracker) Status() []ChunkStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ChunkStatus, 0, len(t.chunks))
	for _, cs := range t.chunks {
		out = append(out, *cs)
	}
	slices.SortFunc(out, func(a, b ChunkStatus) int { return compareChunks(a.Chunk, b.Chunk) })
	return out
}

// AllUploaded reports whether at least one chunk was tracked and none is pending.
func (t *Tracker) AllUploaded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chunks) > 0 && len(t.pending) == 0
}

// compareChunks orders numeric chunk names numerically, named ones last.
func compareChunks(a, b string) int {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return ai - bi
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
