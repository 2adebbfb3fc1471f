// Package calls tracks call attempts between two identities and issues the
// tokens that tie accept/reject messages back to a specific attempt.
package calls

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase is the state of a call attempt.
type Phase string

const (
	PhaseRequested  Phase = "requested"
	PhaseAccepted   Phase = "accepted"
	PhaseRejected   Phase = "rejected"
	PhaseSuperseded Phase = "superseded"
	PhaseAbandoned  Phase = "abandoned"
)

// Terminal reports whether no further transition is allowed.
func (p Phase) Terminal() bool {
	return p != PhaseRequested
}

var (
	// ErrStaleAttempt means the attempt is unknown here or no longer pending.
	ErrStaleAttempt = errors.New("call attempt is not pending")
	// ErrInvalidTransition means the target phase cannot settle an attempt.
	ErrInvalidTransition = errors.New("invalid call attempt transition")
)

// Attempt is one call request from Caller to Callee.
type Attempt struct {
	ID        string
	Caller    string
	Callee    string
	Phase     Phase
	CreatedAt time.Time
}

type pairKey struct {
	caller, callee string
}

// Tracker holds the pending attempts opened on this node. Settled attempts
// are forgotten immediately; a later message for them is stale.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Attempt
	byPair  map[pairKey]string
	now     func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[string]*Attempt),
		byPair:  make(map[pairKey]string),
		now:     time.Now,
	}
}

// Open starts a new attempt. A pending attempt for the same pair is
// superseded and returned so callers can log it.
func (t *Tracker) Open(caller, callee string) (Attempt, *Attempt) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var superseded *Attempt
	key := pairKey{caller, callee}
	if prevID, ok := t.byPair[key]; ok {
		prev := t.pending[prevID]
		delete(t.pending, prevID)
		prev.Phase = PhaseSuperseded
		superseded = prev
	}

	a := &Attempt{
		ID:        uuid.New().String(),
		Caller:    caller,
		Callee:    callee,
		Phase:     PhaseRequested,
		CreatedAt: t.now(),
	}
	t.pending[a.ID] = a
	t.byPair[key] = a.ID
	return *a, superseded
}

// Discard forgets a pending attempt without settling it, e.g. when the
// invitation could not be delivered.
func (t *Tracker) Discard(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.pending[id]; ok {
		t.forgetLocked(a)
	}
}

// Settle moves the pending attempt id to accepted or rejected.
func (t *Tracker) Settle(id string, to Phase) (Attempt, error) {
	if to != PhaseAccepted && to != PhaseRejected {
		return Attempt{}, ErrInvalidTransition
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.pending[id]
	if !ok {
		return Attempt{}, ErrStaleAttempt
	}
	t.forgetLocked(a)
	a.Phase = to
	return *a, nil
}

// SettlePair settles the pending attempt of caller→callee, if there is one.
// Used for clients that do not echo call tokens.
func (t *Tracker) SettlePair(caller, callee string, to Phase) (Attempt, bool) {
	t.mu.Lock()
	id, ok := t.byPair[pairKey{caller, callee}]
	t.mu.Unlock()
	if !ok {
		return Attempt{}, false
	}
	a, err := t.Settle(id, to)
	return a, err == nil
}

// Abandon drops every pending attempt in which identity takes part.
func (t *Tracker) Abandon(identity string) []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Attempt
	for _, a := range t.pending {
		if a.Caller == identity || a.Callee == identity {
			t.forgetLocked(a)
			a.Phase = PhaseAbandoned
			out = append(out, *a)
		}
	}
	return out
}

// Pending returns the pending attempt with the given id.
func (t *Tracker) Pending(id string) (Attempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.pending[id]
	if !ok {
		return Attempt{}, false
	}
	return *a, true
}

// Len reports the number of pending attempts.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) forgetLocked(a *Attempt) {
	delete(t.pending, a.ID)
	key := pairKey{a.Caller, a.Callee}
	if t.byPair[key] == a.ID {
		delete(t.byPair, key)
	}
}
