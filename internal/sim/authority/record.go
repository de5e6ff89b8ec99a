package authority

import (
	"fmt"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/entity"
)

// DecisionRecord is the durable outcome of one submission.
type DecisionRecord struct {
	Author      string `json:"author"`
	Nonce       string `json:"nonce"`
	SlotID      string `json:"slot_id"`
	Action      string `json:"action"`
	ActionID    string `json:"action_id"`
	ActionAt    int64  `json:"action_at"`
	ExpectedRev int64  `json:"expected_rev"`
	State       State  `json:"state"`
	Code        string `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	SlotEventID string `json:"slot_event_id,omitempty"`
	Revision    int64  `json:"revision,omitempty"`
	DecidedAt   int64  `json:"decided_at"`
}

func (r DecisionRecord) Key() DedupKey {
	return DedupKey{Author: r.Author, Nonce: r.Nonce, SlotID: r.SlotID, Action: entity.ActionKind(r.Action)}
}

// Sink receives reconciliation output. Calls may come from several
// goroutines and must not block on I/O for long.
type Sink interface {
	ActionSeen(env protocol.Envelope)
	Decided(rec DecisionRecord)
	SlotPublished(env protocol.Envelope)
}

// CursorStore persists the poll cursor across restarts.
type CursorStore interface {
	SaveCursor(worldID string, cursor int64)
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unseen":
		*s = StateUnseen
	case "pending":
		*s = StatePending
	case "applied":
		*s = StateApplied
	case "rejected":
		*s = StateRejected
	default:
		return fmt.Errorf("unknown decision state %q", b)
	}
	return nil
}
