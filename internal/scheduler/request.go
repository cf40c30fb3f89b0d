package scheduler

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/luufmg/esdm/internal/backend"
	"github.com/luufmg/esdm/internal/model"
)

// State is the lifecycle state of a sub-request.
type State string

// Sub-request states.
const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// validTransitions maps each state to the set of states it may transition to.
var validTransitions = map[State]map[State]bool{
	StatePending: {
		StateDispatched: true,
		StateFailed:     true,
	},
	StateDispatched: {
		StateSucceeded: true,
		StateFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one state to another is
// allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// SubRequest is one fragment-sized read or write bound to one backend. For
// reads Fragment.Data holds the retrieved payload once the sub-request
// succeeded.
type SubRequest struct {
	Fragment *model.Fragment
	Backend  *backend.Descriptor

	mu       sync.Mutex
	state    State
	err      error
	bytes    int64
	duration time.Duration
}

// NewSubRequest creates a pending sub-request.
func NewSubRequest(f *model.Fragment, b *backend.Descriptor) *SubRequest {
	return &SubRequest{Fragment: f, Backend: b, state: StatePending}
}

// State returns the current state.
func (s *SubRequest) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure cause of a failed sub-request.
func (s *SubRequest) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Observed returns the bytes transferred and the time the backend call took.
func (s *SubRequest) Observed() (int64, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes, s.duration
}

func (s *SubRequest) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ValidTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

func (s *SubRequest) finish(err error, n int64, d time.Duration) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.bytes = n
	s.duration = d
	if err != nil {
		s.state = StateFailed
	} else {
		s.state = StateSucceeded
	}
	return s.state
}

// Request is a logical read or write made of sub-requests.
type Request struct {
	ID      string
	Op      model.Op
	Dataset string
	Subs    []*SubRequest

	cancelled atomic.Bool
}

// NewRequest creates a logical request. dataset is used for events and logs.
func NewRequest(op model.Op, dataset string, subs []*SubRequest) *Request {
	return &Request{
		ID:      model.NewID(),
		Op:      op,
		Dataset: dataset,
		Subs:    subs,
	}
}

// Cancel stops the dispatch of sub-requests that have not started yet.
// Dispatched sub-requests run to completion.
func (r *Request) Cancel() { r.cancelled.Store(true) }

// Cancelled reports whether Cancel was called.
func (r *Request) Cancelled() bool { return r.cancelled.Load() }

// Terminal reports whether every sub-request reached a final state.
func (r *Request) Terminal() bool {
	for _, s := range r.Subs {
		if !s.State().Terminal() {
			return false
		}
	}
	return true
}

// Succeeded returns the sub-requests that completed successfully.
func (r *Request) Succeeded() []*SubRequest {
	var out []*SubRequest
	for _, s := range r.Subs {
		if s.State() == StateSucceeded {
			out = append(out, s)
		}
	}
	return out
}
