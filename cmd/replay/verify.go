package main

import (
	"fmt"

	persistlog "plotrelay.dev/internal/persistence/log"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/entity"
)

type report struct {
	Entries      int
	Actions      int
	Decisions    int
	Verified     int
	Unverifiable int
	Orphans      int
	Mismatches   []string
}

// verifier re-derives every journaled decision from the slot state the
// journal itself establishes. A decision on a slot whose earlier state was
// never journaled (seeded outside the authority) cannot be checked until the
// authority publishes that slot once.
type verifier struct {
	rules authority.Rules

	actions   map[string]entity.Action
	slots     map[string]*entity.Slot
	published map[string]entity.Slot
	rep       report
}

func newVerifier(rules authority.Rules) *verifier {
	return &verifier{
		rules:     rules,
		actions:   map[string]entity.Action{},
		slots:     map[string]*entity.Slot{},
		published: map[string]entity.Slot{},
	}
}

func (v *verifier) add(e persistlog.Entry) {
	v.rep.Entries++
	switch e.Type {
	case persistlog.EntryAction:
		if e.Envelope == nil {
			return
		}
		if a, ok := entity.DecodeAction(e.Envelope); ok {
			v.actions[a.EventID] = a
			v.rep.Actions++
		}
	case persistlog.EntrySlot:
		if e.Envelope == nil {
			return
		}
		if s, ok := entity.DecodeSlot(e.Envelope); ok {
			v.published[s.EventID] = s
		}
	case persistlog.EntryDecision:
		if e.Decision != nil {
			v.decision(*e.Decision)
		}
	}
}

func (v *verifier) decision(rec authority.DecisionRecord) {
	v.rep.Decisions++
	a, ok := v.actions[rec.ActionID]
	if !ok {
		v.rep.Orphans++
		return
	}
	cur, known := v.slots[rec.SlotID]
	if known {
		v.check(a, cur, rec)
	} else {
		v.rep.Unverifiable++
	}
	if rec.State != authority.StateApplied {
		return
	}
	if s, ok := v.published[rec.SlotEventID]; ok {
		v.slots[rec.SlotID] = &s
	}
}

func (v *verifier) check(a entity.Action, cur *entity.Slot, rec authority.DecisionRecord) {
	rules := v.rules
	rules.Now = rec.DecidedAt
	d := authority.Validate(a, cur, rules)

	mismatch := func(format string, args ...any) {
		v.rep.Mismatches = append(v.rep.Mismatches,
			fmt.Sprintf("%s %s nonce=%s: ", rec.Action, rec.SlotID, rec.Nonce)+fmt.Sprintf(format, args...))
	}
	switch {
	case d.Accepted() && rec.State != authority.StateApplied:
		mismatch("journal says %s %s, re-derived applied", rec.State, rec.Code)
		return
	case !d.Accepted() && rec.State == authority.StateApplied:
		mismatch("journal says applied, re-derived %s (%s)", d.Code, d.Reason)
		return
	case !d.Accepted() && d.Code != rec.Code:
		mismatch("journal code %s, re-derived %s", rec.Code, d.Code)
		return
	}
	if d.Accepted() {
		next := authority.Next(a, cur, rec.DecidedAt, rules.Crops)
		if got := entity.RevisionOf(&next); got != rec.Revision {
			mismatch("journal revision %d, re-derived %d", rec.Revision, got)
			return
		}
	}
	v.rep.Verified++
}
