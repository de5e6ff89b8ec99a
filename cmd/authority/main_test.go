package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"plotrelay.dev/internal/identity"
	"plotrelay.dev/internal/persistence/indexdb"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/entity"
)

func newReconciler(t *testing.T) *authority.Reconciler {
	t.Helper()
	signer, err := identity.GenerateKeySigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	rec, err := authority.New(authority.Config{WorldID: "w"}, authority.Deps{Log: relay.NewMemLog(nil), Signer: signer})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	return rec
}

func TestWriteMetrics(t *testing.T) {
	rec := newReconciler(t)
	if _, err := rec.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(t.TempDir(), "i.sqlite"))
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	defer idx.Close()

	var buf bytes.Buffer
	writeMetrics(&buf, metricsSources{worldID: "w", rec: rec, index: idx})
	out := buf.String()
	for _, want := range []string{
		`plotrelay_cycles_total{world="w"} 1`,
		`plotrelay_actions_total{world="w",outcome="applied"} 0`,
		`plotrelay_index_queue_capacity{world="w"}`,
		`plotrelay_index_failed_batches_total{world="w"} 0`,
		`# TYPE plotrelay_io_errors_total counter`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "plotrelay_mirror_") || strings.Contains(out, "plotrelay_archive_") {
		t.Fatalf("mirror or archive metrics without either configured")
	}
}

func TestSlotLookup_PrefersCache(t *testing.T) {
	cache := authority.NewSlotCache()
	slot := &entity.Slot{ID: "w:m:0:0", Kind: entity.SlotEmpty}
	slot.CreatedAt = 10
	cache.Put(slot.ID, slot)

	l := slotLookup{cache: cache}
	got, ok, err := l.Slot(context.Background(), "w:m:0:0")
	if err != nil || !ok || got.CreatedAt != 10 {
		t.Fatalf("got=%+v ok=%v err=%v", got, ok, err)
	}
	if _, ok, err := l.Slot(context.Background(), "w:m:1:1"); ok || err != nil {
		t.Fatalf("unknown slot without index ok=%v err=%v", ok, err)
	}
}
