package authority

import "testing"

func TestMemo_TerminalIsFinal(t *testing.T) {
	m := NewMemo()
	k := DedupKey{Author: "a", Nonce: "n", SlotID: "w:m:0:0", Action: "plant"}
	if m.State(k) != StateUnseen {
		t.Fatalf("fresh key must be unseen")
	}
	if !m.Begin(k, 10) || m.Begin(k, 11) {
		t.Fatalf("Begin must report only the first sighting")
	}
	m.Finish(k, StatePending)
	if m.State(k) != StatePending {
		t.Fatalf("pending is not terminal")
	}
	m.Finish(k, StateApplied)
	m.Finish(k, StateRejected)
	if m.State(k) != StateApplied {
		t.Fatalf("terminal state overwritten: %v", m.State(k))
	}
}

func TestMemo_EvictKeepsPendingAndRecent(t *testing.T) {
	m := NewMemo()
	old := DedupKey{Nonce: "old"}
	pending := DedupKey{Nonce: "pending"}
	recent := DedupKey{Nonce: "recent"}
	m.Begin(old, 10)
	m.Finish(old, StateRejected)
	m.Begin(pending, 10)
	m.Begin(recent, 100)
	m.Finish(recent, StateApplied)

	if n := m.Evict(50); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if m.State(old) != StateUnseen || m.State(pending) != StatePending || m.State(recent) != StateApplied {
		t.Fatalf("unexpected states after evict")
	}
	m.Reset()
	if m.Len() != 0 {
		t.Fatalf("reset left %d entries", m.Len())
	}
}

func TestState_Text(t *testing.T) {
	for _, s := range []State{StateUnseen, StatePending, StateApplied, StateRejected} {
		b, _ := s.MarshalText()
		var got State
		if err := got.UnmarshalText(b); err != nil || got != s {
			t.Fatalf("round trip %v: got %v err %v", s, got, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("maybe")); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSlotCache_NewerWins(t *testing.T) {
	c := NewSlotCache()
	if _, known := c.Get("x"); known {
		t.Fatalf("empty cache knows nothing")
	}
	c.Put("x", nil)
	if s, known := c.Get("x"); !known || s != nil {
		t.Fatalf("absence must be cached")
	}
	newer := empty(20)
	c.Put("x", newer)
	c.Put("x", empty(10))
	c.Put("x", nil)
	if s, _ := c.Get("x"); s == nil || s.CreatedAt != 20 {
		t.Fatalf("older slot or absence replaced newer: %+v", s)
	}
	c.Forget("x")
	if _, known := c.Get("x"); known {
		t.Fatalf("forget failed")
	}
}
