package main

import (
	"fmt"
	"io"

	"plotrelay.dev/internal/persistence/archive"
	"plotrelay.dev/internal/persistence/indexdb"
	persistlog "plotrelay.dev/internal/persistence/log"
	"plotrelay.dev/internal/sim/authority"
)

type metricsSources struct {
	worldID string
	rec     *authority.Reconciler
	index   *indexdb.SQLiteIndex
	mirror  *indexdb.HTTPMirror
	journal *persistlog.Journal
	archive *archive.Archiver
}

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(w io.Writer, m metricsSources) {
	st := m.rec.Stats()

	fmt.Fprintf(w, "# HELP plotrelay_cycles_total Reconciliation cycles run.\n")
	fmt.Fprintf(w, "# TYPE plotrelay_cycles_total counter\n")
	fmt.Fprintf(w, "plotrelay_cycles_total{world=%q} %d\n", m.worldID, st.Cycles.Load())

	fmt.Fprintf(w, "# HELP plotrelay_actions_total Actions by outcome.\n")
	fmt.Fprintf(w, "# TYPE plotrelay_actions_total counter\n")
	fmt.Fprintf(w, "plotrelay_actions_total{world=%q,outcome=%q} %d\n", m.worldID, "fetched", st.Fetched.Load())
	fmt.Fprintf(w, "plotrelay_actions_total{world=%q,outcome=%q} %d\n", m.worldID, "applied", st.Applied.Load())
	fmt.Fprintf(w, "plotrelay_actions_total{world=%q,outcome=%q} %d\n", m.worldID, "rejected", st.Rejected.Load())
	fmt.Fprintf(w, "plotrelay_actions_total{world=%q,outcome=%q} %d\n", m.worldID, "deferred", st.Deferred.Load())
	fmt.Fprintf(w, "plotrelay_actions_total{world=%q,outcome=%q} %d\n", m.worldID, "duplicate", st.Duplicates.Load())
	fmt.Fprintf(w, "plotrelay_actions_total{world=%q,outcome=%q} %d\n", m.worldID, "malformed", st.Malformed.Load())

	fmt.Fprintf(w, "# HELP plotrelay_io_errors_total Relay failures by operation.\n")
	fmt.Fprintf(w, "# TYPE plotrelay_io_errors_total counter\n")
	fmt.Fprintf(w, "plotrelay_io_errors_total{world=%q,op=%q} %d\n", m.worldID, "query", st.QueryErrors.Load())
	fmt.Fprintf(w, "plotrelay_io_errors_total{world=%q,op=%q} %d\n", m.worldID, "publish", st.PublishErrors.Load())

	fmt.Fprintf(w, "# HELP plotrelay_cursor_unix Poll cursor (created_at lower bound).\n")
	fmt.Fprintf(w, "# TYPE plotrelay_cursor_unix gauge\n")
	fmt.Fprintf(w, "plotrelay_cursor_unix{world=%q} %d\n", m.worldID, m.rec.Cursor())

	fmt.Fprintf(w, "# HELP plotrelay_last_cycle_unix Unix time of the last completed cycle.\n")
	fmt.Fprintf(w, "# TYPE plotrelay_last_cycle_unix gauge\n")
	fmt.Fprintf(w, "plotrelay_last_cycle_unix{world=%q} %d\n", m.worldID, st.LastCycleUnix.Load())

	fmt.Fprintf(w, "# HELP plotrelay_memo_entries Dedup memo size.\n")
	fmt.Fprintf(w, "# TYPE plotrelay_memo_entries gauge\n")
	fmt.Fprintf(w, "plotrelay_memo_entries{world=%q} %d\n", m.worldID, m.rec.Memo().Len())

	fmt.Fprintf(w, "# HELP plotrelay_slot_cache_entries Cached slots, including known absences.\n")
	fmt.Fprintf(w, "# TYPE plotrelay_slot_cache_entries gauge\n")
	fmt.Fprintf(w, "plotrelay_slot_cache_entries{world=%q} %d\n", m.worldID, m.rec.Cache().Len())

	if m.journal != nil {
		n, _ := m.journal.Errors()
		fmt.Fprintf(w, "# HELP plotrelay_journal_write_errors_total Journal entries that failed to write.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_journal_write_errors_total counter\n")
		fmt.Fprintf(w, "plotrelay_journal_write_errors_total{world=%q} %d\n", m.worldID, n)
	}

	if m.index != nil {
		s := m.index.Stats()
		fmt.Fprintf(w, "# HELP plotrelay_index_queue_depth Ledger writer backlog.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_index_queue_depth gauge\n")
		fmt.Fprintf(w, "plotrelay_index_queue_depth{world=%q} %d\n", m.worldID, s.QueueDepth)

		fmt.Fprintf(w, "# HELP plotrelay_index_queue_capacity Ledger writer queue capacity.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_index_queue_capacity gauge\n")
		fmt.Fprintf(w, "plotrelay_index_queue_capacity{world=%q} %d\n", m.worldID, s.QueueCapacity)

		fmt.Fprintf(w, "# HELP plotrelay_index_dropped_total Ledger writes dropped on a full queue.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_index_dropped_total counter\n")
		fmt.Fprintf(w, "plotrelay_index_dropped_total{world=%q,kind=%q} %d\n", m.worldID, "action", s.DropActionTotal)
		fmt.Fprintf(w, "plotrelay_index_dropped_total{world=%q,kind=%q} %d\n", m.worldID, "decision", s.DropDecisionTotal)
		fmt.Fprintf(w, "plotrelay_index_dropped_total{world=%q,kind=%q} %d\n", m.worldID, "slot", s.DropSlotTotal)
		fmt.Fprintf(w, "plotrelay_index_dropped_total{world=%q,kind=%q} %d\n", m.worldID, "cursor", s.DropCursorTotal)

		fmt.Fprintf(w, "# HELP plotrelay_index_failed_batches_total Ledger transactions rolled back or not committed.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_index_failed_batches_total counter\n")
		fmt.Fprintf(w, "plotrelay_index_failed_batches_total{world=%q} %d\n", m.worldID, s.FailedBatchTotal)

		fmt.Fprintf(w, "# HELP plotrelay_index_lost_rows_total Ledger writes lost with a failed batch.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_index_lost_rows_total counter\n")
		fmt.Fprintf(w, "plotrelay_index_lost_rows_total{world=%q} %d\n", m.worldID, s.LostRowTotal)
	}

	if m.mirror != nil {
		s := m.mirror.Stats()
		fmt.Fprintf(w, "# HELP plotrelay_mirror_queue_depth Decision mirror backlog.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_mirror_queue_depth gauge\n")
		fmt.Fprintf(w, "plotrelay_mirror_queue_depth{world=%q} %d\n", m.worldID, s.QueueDepth)

		fmt.Fprintf(w, "# HELP plotrelay_mirror_events_total Decision mirror events by outcome.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_mirror_events_total counter\n")
		fmt.Fprintf(w, "plotrelay_mirror_events_total{world=%q,outcome=%q} %d\n", m.worldID, "sent", s.SentTotal)
		fmt.Fprintf(w, "plotrelay_mirror_events_total{world=%q,outcome=%q} %d\n", m.worldID, "dropped", s.DropTotal)

		fmt.Fprintf(w, "# HELP plotrelay_mirror_flush_failures_total Failed mirror flushes.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_mirror_flush_failures_total counter\n")
		fmt.Fprintf(w, "plotrelay_mirror_flush_failures_total{world=%q} %d\n", m.worldID, s.FailureTotal)
	}

	if m.archive != nil {
		s := m.archive.Stats()
		fmt.Fprintf(w, "# HELP plotrelay_archive_queue_depth Sealed journal files waiting for upload.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_archive_queue_depth gauge\n")
		fmt.Fprintf(w, "plotrelay_archive_queue_depth{world=%q} %d\n", m.worldID, s.QueueDepth)

		fmt.Fprintf(w, "# HELP plotrelay_archive_files_total Journal files by upload outcome.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_archive_files_total counter\n")
		fmt.Fprintf(w, "plotrelay_archive_files_total{world=%q,outcome=%q} %d\n", m.worldID, "uploaded", s.UploadedTotal)
		fmt.Fprintf(w, "plotrelay_archive_files_total{world=%q,outcome=%q} %d\n", m.worldID, "failed", s.FailedTotal)
		fmt.Fprintf(w, "plotrelay_archive_files_total{world=%q,outcome=%q} %d\n", m.worldID, "dropped", s.DroppedTotal)

		fmt.Fprintf(w, "# HELP plotrelay_archive_last_success_unix Unix time of the last upload.\n")
		fmt.Fprintf(w, "# TYPE plotrelay_archive_last_success_unix gauge\n")
		fmt.Fprintf(w, "plotrelay_archive_last_success_unix{world=%q} %d\n", m.worldID, s.LastSuccessUnix)
	}
}
