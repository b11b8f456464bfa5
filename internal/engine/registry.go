package engine

import (
	"sync"
	"time"
)

// State of a schedule's evaluation: Idle -> Evaluating -> IntentEmitted -> Idle.
type State int

const (
	Idle State = iota
	Evaluating
	IntentEmitted
)

func (s State) String() string {
	switch s {
	case Evaluating:
		return "Evaluating"
	case IntentEmitted:
		return "IntentEmitted"
	default:
		return "Idle"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// EvalState is the last-evaluation metadata of one schedule.
type EvalState struct {
	State          State     `json:"state"`
	LastFireAt     time.Time `json:"lastFireAt"`
	LastEvalAt     time.Time `json:"lastEvalAt"`
	LastIntentAt   time.Time `json:"lastIntentAt"`
	LastSnapshotAt time.Time `json:"lastSnapshotAt"`
	LastDecision   string    `json:"lastDecision"`
}

// Registry owns per-schedule evaluation state.
type Registry struct {
	mu     sync.Mutex
	states map[string]*EvalState
}

func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*EvalState)}
}

func (r *Registry) Get(scheduleID string) (EvalState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[scheduleID]
	if !ok {
		return EvalState{}, false
	}
	return *st, true
}

// Snapshot copies all states, for the ops API.
func (r *Registry) Snapshot() map[string]EvalState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]EvalState, len(r.states))
	for id, st := range r.states {
		out[id] = *st
	}
	return out
}

// begin moves a schedule to Evaluating for firedAt. It refuses when the
// schedule is already being evaluated or firedAt was already handled.
func (r *Registry) begin(scheduleID string, firedAt, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[scheduleID]
	if !ok {
		st = &EvalState{}
		r.states[scheduleID] = st
	}
	if st.State != Idle {
		return false
	}
	if !st.LastFireAt.IsZero() && !firedAt.After(st.LastFireAt) {
		return false
	}
	st.State = Evaluating
	st.LastFireAt = firedAt
	st.LastEvalAt = now
	return true
}

// finish records the decision and returns the schedule to Idle. An emitted
// intent passes through IntentEmitted on the way.
func (r *Registry) finish(scheduleID, decision string, snapshotAt, intentAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[scheduleID]
	if !ok {
		return
	}
	if !intentAt.IsZero() {
		st.State = IntentEmitted
		st.LastIntentAt = intentAt
	}
	st.LastDecision = decision
	if !snapshotAt.IsZero() {
		st.LastSnapshotAt = snapshotAt
	}
	st.State = Idle
}

// Prune drops state of schedules not in keep.
func (r *Registry) Prune(keep map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.states {
		if _, ok := keep[id]; !ok && st.State == Idle {
			delete(r.states, id)
		}
	}
}
