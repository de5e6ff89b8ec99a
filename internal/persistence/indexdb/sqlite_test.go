package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/catalogs"
	"plotrelay.dev/internal/sim/entity"
)

func openTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func syncIndex(t *testing.T, s *SQLiteIndex) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func slotEnv(kind entity.SlotKind, crop string, at int64) protocol.Envelope {
	s := entity.Slot{WorldID: "w", MapID: "m", Coord: entity.Coord{X: 1, Y: 2}, Kind: kind, Crop: crop}
	s.ID = entity.SlotID("w", "m", s.Coord)
	if kind == entity.SlotOccupied {
		s.PlantedAt = at
	}
	env := entity.EncodeSlot(s)
	env.PubKey = "auth"
	env.CreatedAt = at
	env.ID = env.Hash()
	return env
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqCursor, world: "w", cursor: 1}

	s.ActionSeen(protocol.Envelope{})
	s.Decided(authority.DecisionRecord{})
	s.SlotPublished(slotEnv(entity.SlotEmpty, "", 10))
	s.SaveCursor("w", 2)

	st := s.Stats()
	if st.DropActionTotal != 1 {
		t.Fatalf("DropActionTotal=%d want=1", st.DropActionTotal)
	}
	if st.DropDecisionTotal != 1 {
		t.Fatalf("DropDecisionTotal=%d want=1", st.DropDecisionTotal)
	}
	if st.DropSlotTotal != 1 {
		t.Fatalf("DropSlotTotal=%d want=1", st.DropSlotTotal)
	}
	if st.DropCursorTotal != 1 {
		t.Fatalf("DropCursorTotal=%d want=1", st.DropCursorTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_SlotPublishedIgnoresMalformed(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.SlotPublished(protocol.Envelope{Kind: protocol.KindSlot})
	if st := s.Stats(); st.QueueDepth != 0 || st.DropSlotTotal != 0 {
		t.Fatalf("malformed slot should not be queued: %+v", st)
	}
}

func TestSQLiteIndex_TerminalDecisionIsNotOverwritten(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	first := authority.DecisionRecord{
		Author: "alice", Nonce: "n1", SlotID: "w:m:1:2", Action: "plant",
		ActionID: "a1", ActionAt: 100, State: authority.StateApplied,
		SlotEventID: "s1", Revision: 100, DecidedAt: 101,
	}
	s.Decided(first)
	// A restarted authority re-evaluates the same submission and rejects it.
	again := first
	again.State = authority.StateRejected
	again.Code = protocol.ErrStale
	again.Reason = "expected_rev 0 != current 100"
	again.SlotEventID = ""
	again.Revision = 0
	again.DecidedAt = 200
	s.Decided(again)
	syncIndex(t, s)

	got, err := s.Decisions(ctx, DecisionQuery{Nonce: "n1"})
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 decision, got %d", len(got))
	}
	if got[0] != first {
		t.Fatalf("decision overwritten:\n got=%+v\nwant=%+v", got[0], first)
	}
}

func TestSQLiteIndex_DecisionsFilterAndOrder(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	for i, author := range []string{"alice", "bob", "alice"} {
		s.Decided(authority.DecisionRecord{
			Author: author, Nonce: string(rune('a' + i)), SlotID: "w:m:0:0", Action: "harvest",
			ActionID: string(rune('x' + i)), ActionAt: int64(10 + i), State: authority.StateRejected,
			Code: protocol.ErrInvalidTarget, DecidedAt: int64(20 + i),
		})
	}
	syncIndex(t, s)

	got, err := s.Decisions(ctx, DecisionQuery{Author: "alice"})
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 decisions for alice, got %d", len(got))
	}
	if got[0].DecidedAt != 22 || got[1].DecidedAt != 20 {
		t.Fatalf("want newest first, got %d then %d", got[0].DecidedAt, got[1].DecidedAt)
	}
	if got[0].Code != protocol.ErrInvalidTarget {
		t.Fatalf("code=%q", got[0].Code)
	}

	all, err := s.Decisions(ctx, DecisionQuery{Limit: 1})
	if err != nil {
		t.Fatalf("decisions: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("limit ignored: %d", len(all))
	}
}

func TestSQLiteIndex_SlotNewerWins(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	newer := slotEnv(entity.SlotOccupied, "carrot", 200)
	older := slotEnv(entity.SlotEmpty, "", 100)
	s.SlotPublished(newer)
	s.SlotPublished(older)
	syncIndex(t, s)

	env, ok, err := s.SlotEnvelope(ctx, "w:m:1:2")
	if err != nil || !ok {
		t.Fatalf("slot lookup ok=%v err=%v", ok, err)
	}
	if env.ID != newer.ID {
		t.Fatalf("older slot replaced newer: got %s want %s", env.ID, newer.ID)
	}

	slot, ok, err := s.Slot(ctx, "w:m:1:2")
	if err != nil || !ok || slot.Kind != entity.SlotOccupied || slot.Crop != "carrot" || entity.RevisionOf(&slot) != 200 {
		t.Fatalf("decoded slot=%+v ok=%v err=%v", slot, ok, err)
	}

	if _, ok, err := s.SlotEnvelope(ctx, "w:m:9:9"); ok || err != nil {
		t.Fatalf("unknown slot ok=%v err=%v", ok, err)
	}
}

func TestSQLiteIndex_CursorRoundTrip(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	if _, ok, err := s.LoadCursor(ctx, "w"); ok || err != nil {
		t.Fatalf("fresh index cursor ok=%v err=%v", ok, err)
	}
	s.SaveCursor("w", 1000)
	s.SaveCursor("w", 1200)
	s.SaveCursor("other", 5)
	syncIndex(t, s)

	got, ok, err := s.LoadCursor(ctx, "w")
	if err != nil || !ok || got != 1200 {
		t.Fatalf("cursor=%d ok=%v err=%v want 1200", got, ok, err)
	}
}

func TestSQLiteIndex_UpsertCropCatalog(t *testing.T) {
	s := openTestIndex(t)
	cat, err := catalogs.Parse([]byte(`{"crops":[{"id":"carrot","total_stages":4}]}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := s.UpsertCropCatalog(cat); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	var digest string
	if err := s.db.QueryRow(`SELECT digest FROM catalogs WHERE name='crops'`).Scan(&digest); err != nil {
		t.Fatalf("select: %v", err)
	}
	if digest != cat.Digest {
		t.Fatalf("digest=%s want %s", digest, cat.Digest)
	}
}

func TestSQLiteIndex_SyncAfterClose(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Sync(context.Background()); err == nil {
		t.Fatalf("sync after close should fail")
	}
	// Writes after close are silently ignored.
	s.Decided(authority.DecisionRecord{Author: "a"})
}

func TestSQLiteIndex_CountsFailedBatches(t *testing.T) {
	s := openTestIndex(t)
	ctx := context.Background()

	if _, err := s.db.ExecContext(ctx, `DROP TABLE decisions`); err != nil {
		t.Fatalf("drop: %v", err)
	}
	s.Decided(authority.DecisionRecord{Author: "alice", Nonce: "n1", State: authority.StateRejected})
	syncIndex(t, s)

	st := s.Stats()
	if st.FailedBatchTotal != 1 || st.LostRowTotal < 1 {
		t.Fatalf("failed statement not counted: %+v", st)
	}

	// The writer recovers with the next batch.
	s.SaveCursor("w", 42)
	syncIndex(t, s)
	if got, ok, err := s.LoadCursor(ctx, "w"); err != nil || !ok || got != 42 {
		t.Fatalf("cursor=%d ok=%v err=%v after a failed batch", got, ok, err)
	}
	if st := s.Stats(); st.FailedBatchTotal != 1 {
		t.Fatalf("healthy batch counted as failed: %+v", st)
	}
}
