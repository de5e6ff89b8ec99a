package authority

import (
	"sync"

	"plotrelay.dev/internal/sim/entity"
)

// DedupKey identifies one logical submission. Resubmissions of the same
// intent share a key even when their envelopes differ.
type DedupKey struct {
	Author string
	Nonce  string
	SlotID string
	Action entity.ActionKind
}

func KeyOf(a entity.Action) DedupKey {
	return DedupKey{Author: a.Author, Nonce: a.Nonce, SlotID: a.SlotID, Action: a.Kind}
}

type State int

const (
	StateUnseen State = iota
	StatePending
	StateApplied
	StateRejected
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApplied:
		return "applied"
	case StateRejected:
		return "rejected"
	default:
		return "unseen"
	}
}

func (s State) Terminal() bool { return s == StateApplied || s == StateRejected }

type memoEntry struct {
	state State
	// seenAt is the created_at of the first action observed for the key.
	seenAt int64
}

// Memo remembers which submissions were already decided. It is a cache:
// an empty memo only costs re-validation, never a different outcome.
type Memo struct {
	mu      sync.Mutex
	entries map[DedupKey]memoEntry
}

func NewMemo() *Memo {
	return &Memo{entries: map[DedupKey]memoEntry{}}
}

func (m *Memo) State(k DedupKey) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[k].state
}

// Begin marks k pending unless it is already known. It reports whether k
// was unseen.
func (m *Memo) Begin(k DedupKey, createdAt int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[k]; ok {
		return false
	}
	m.entries[k] = memoEntry{state: StatePending, seenAt: createdAt}
	return true
}

// Finish records a terminal state. Terminal states are never overwritten.
func (m *Memo) Finish(k DedupKey, s State) {
	if !s.Terminal() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[k]
	if e.state.Terminal() {
		return
	}
	e.state = s
	m.entries[k] = e
}

// Evict drops terminal entries first seen before horizon. Actions older than
// the poll cursor are not fetched again, so their keys are dead weight.
func (m *Memo) Evict(horizon int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if e.state.Terminal() && e.seenAt < horizon {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *Memo) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Reset forgets everything.
func (m *Memo) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[DedupKey]memoEntry{}
}
