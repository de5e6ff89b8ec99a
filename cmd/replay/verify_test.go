package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"plotrelay.dev/internal/persistence/indexdb"
	persistlog "plotrelay.dev/internal/persistence/log"
	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/entity"
)

// farm plays the authority's part: it decides actions against its own state
// and journals the same entries the reconciler would.
type farm struct {
	t       *testing.T
	cur     *entity.Slot
	entries []persistlog.Entry
}

func (f *farm) act(kind entity.ActionKind, crop string, rev int64, nonce string, at int64) {
	f.t.Helper()
	a := entity.Action{
		WorldID: "w1", MapID: "m1", Coord: entity.Coord{X: 1, Y: 2},
		Kind: kind, Crop: crop, ExpectedRev: rev, Nonce: nonce,
	}
	a.CreatedAt = at
	env := entity.EncodeAction(a)
	env.ID, env.PubKey = "act-"+nonce, "player"
	dec, ok := entity.DecodeAction(&env)
	if !ok {
		f.t.Fatalf("decode action %s", nonce)
	}
	f.entries = append(f.entries, persistlog.Entry{Type: persistlog.EntryAction, Envelope: &env})

	now := at + 1
	rec := authority.DecisionRecord{
		Author: dec.Author, Nonce: nonce, SlotID: dec.SlotID, Action: string(kind),
		ActionID: env.ID, ActionAt: at, ExpectedRev: rev, DecidedAt: now,
	}
	d := authority.Validate(dec, f.cur, authority.Rules{Now: now})
	if !d.Accepted() {
		rec.State, rec.Code, rec.Reason = authority.StateRejected, d.Code, d.Reason
		f.entries = append(f.entries, persistlog.Entry{Type: persistlog.EntryDecision, Decision: &rec})
		return
	}
	next := authority.Next(dec, f.cur, now, nil)
	senv := entity.EncodeSlot(next)
	senv.ID, senv.PubKey = "slot-"+nonce, "authority"
	next.Meta = entity.Meta{EventID: senv.ID, Author: senv.PubKey, CreatedAt: senv.CreatedAt}
	f.cur = &next
	rec.State, rec.SlotEventID, rec.Revision = authority.StateApplied, senv.ID, entity.RevisionOf(&next)
	f.entries = append(f.entries,
		persistlog.Entry{Type: persistlog.EntrySlot, Envelope: &senv},
		persistlog.Entry{Type: persistlog.EntryDecision, Decision: &rec},
	)
}

func (f *farm) decision(nonce string) *authority.DecisionRecord {
	for _, e := range f.entries {
		if e.Decision != nil && e.Decision.Nonce == nonce {
			return e.Decision
		}
	}
	f.t.Fatalf("no decision for %s", nonce)
	return nil
}

func playFarm(t *testing.T) *farm {
	f := &farm{t: t}
	f.act(entity.ActionPlant, "wheat", 0, "n1", 100)
	f.act(entity.ActionHarvest, "", 101, "n2", 200)
	f.act(entity.ActionHarvest, "", 101, "n3", 300)
	f.act(entity.ActionPlant, "corn", 0, "n4", 400)
	return f
}

func verify(entries []persistlog.Entry) report {
	v := newVerifier(authority.Rules{})
	for _, e := range entries {
		v.add(e)
	}
	return v.rep
}

func TestVerify_CleanJournal(t *testing.T) {
	f := playFarm(t)
	if f.decision("n3").Code != protocol.ErrInvalidTarget {
		t.Fatalf("n3: %+v", f.decision("n3"))
	}
	if f.decision("n4").Code != protocol.ErrStale {
		t.Fatalf("n4: %+v", f.decision("n4"))
	}

	r := verify(f.entries)
	if len(r.Mismatches) != 0 {
		t.Fatalf("mismatches: %v", r.Mismatches)
	}
	// The first plant lands on a slot the journal never saw.
	if r.Decisions != 4 || r.Unverifiable != 1 || r.Verified != 3 || r.Orphans != 0 {
		t.Fatalf("report: %+v", r)
	}
}

func TestVerify_DetectsTamperedDecisions(t *testing.T) {
	f := playFarm(t)
	f.decision("n3").Code = protocol.ErrStale
	f.decision("n2").Revision = 7

	r := verify(f.entries)
	if len(r.Mismatches) != 2 {
		t.Fatalf("mismatches: %v", r.Mismatches)
	}
	if !strings.Contains(r.Mismatches[0], "revision") || !strings.Contains(r.Mismatches[1], protocol.ErrStale) {
		t.Fatalf("mismatches: %v", r.Mismatches)
	}
}

func TestVerify_FlippedStateAndOrphans(t *testing.T) {
	f := playFarm(t)
	rec := f.decision("n3")
	rec.State, rec.Code = authority.StateApplied, ""

	orphan := authority.DecisionRecord{Nonce: "ghost", ActionID: "act-ghost", State: authority.StateApplied}
	entries := append(f.entries, persistlog.Entry{Type: persistlog.EntryDecision, Decision: &orphan})

	r := verify(entries)
	if len(r.Mismatches) != 1 || !strings.Contains(r.Mismatches[0], "re-derived "+protocol.ErrInvalidTarget) {
		t.Fatalf("mismatches: %v", r.Mismatches)
	}
	if r.Orphans != 1 {
		t.Fatalf("orphans=%d", r.Orphans)
	}
}

func TestFeed_RebuildsLedger(t *testing.T) {
	f := playFarm(t)
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "rebuilt.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer idx.Close()
	for _, e := range f.entries {
		feed(idx, e)
	}
	ctx := context.Background()
	if err := idx.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	recs, err := idx.Decisions(ctx, indexdb.DecisionQuery{Author: "player"})
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("decisions=%d", len(recs))
	}
	s, ok, err := idx.Slot(ctx, f.cur.ID)
	if err != nil || !ok {
		t.Fatalf("slot: ok=%v err=%v", ok, err)
	}
	if s.Kind != entity.SlotEmpty || s.EventID != "slot-n2" {
		t.Fatalf("slot: %+v", s)
	}
}
