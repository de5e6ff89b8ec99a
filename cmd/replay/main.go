package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"plotrelay.dev/internal/persistence/indexdb"
	persistlog "plotrelay.dev/internal/persistence/log"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/catalogs"
)

func main() {
	var (
		journalDir  = flag.String("journal", "", "journal dir containing journal-*.jsonl.zst")
		cropsPath   = flag.String("crops", "./configs/crops.json", "crop catalog the authority ran with")
		requireRipe = flag.Bool("require_ripe", false, "the authority ran with require_ripe")
		rebuild     = flag.String("rebuild_index", "", "write a fresh sqlite ledger from the journal to this path (optional)")
		maxReport   = flag.Int("max_mismatches", 20, "mismatches to print")
	)
	flag.Parse()

	if *journalDir == "" {
		fmt.Fprintln(os.Stderr, "missing -journal")
		os.Exit(2)
	}

	ctx := context.Background()
	rules := authority.Rules{RequireRipe: *requireRipe}
	if crops, err := catalogs.Load(ctx, *cropsPath); err != nil {
		fmt.Fprintln(os.Stderr, "crop catalog:", err, "(verifying without crop metadata)")
	} else {
		rules.Crops = crops
	}

	var idx *indexdb.SQLiteIndex
	if *rebuild != "" {
		if _, err := os.Stat(*rebuild); err == nil {
			fmt.Fprintln(os.Stderr, "refusing to overwrite existing", *rebuild)
			os.Exit(2)
		}
		var err error
		idx, err = indexdb.OpenSQLite(*rebuild)
		if err != nil {
			fmt.Fprintln(os.Stderr, "open index:", err)
			os.Exit(1)
		}
	}

	v := newVerifier(rules)
	err := persistlog.Replay(*journalDir, func(e persistlog.Entry) error {
		v.add(e)
		if idx != nil {
			feed(idx, e)
		}
		return nil
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	if idx != nil {
		sctx, cancel := context.WithTimeout(ctx, time.Minute)
		err := idx.Sync(sctx)
		cancel()
		_ = idx.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "index sync:", err)
			os.Exit(1)
		}
		if st := idx.Stats(); st.DropActionTotal+st.DropDecisionTotal+st.DropSlotTotal > 0 {
			fmt.Fprintf(os.Stderr, "index rebuild dropped writes: %+v\n", st)
			os.Exit(1)
		}
	}

	r := v.rep
	fmt.Printf("entries=%d actions=%d decisions=%d verified=%d unverifiable=%d orphans=%d mismatches=%d\n",
		r.Entries, r.Actions, r.Decisions, r.Verified, r.Unverifiable, r.Orphans, len(r.Mismatches))
	for i, m := range r.Mismatches {
		if i >= *maxReport {
			fmt.Printf("... %d more\n", len(r.Mismatches)-i)
			break
		}
		fmt.Println("mismatch:", m)
	}
	if len(r.Mismatches) > 0 {
		os.Exit(1)
	}
}

// feed hands a journal entry to the ledger the way the authority did.
func feed(s authority.Sink, e persistlog.Entry) {
	switch {
	case e.Type == persistlog.EntryAction && e.Envelope != nil:
		s.ActionSeen(*e.Envelope)
	case e.Type == persistlog.EntrySlot && e.Envelope != nil:
		s.SlotPublished(*e.Envelope)
	case e.Type == persistlog.EntryDecision && e.Decision != nil:
		s.Decided(*e.Decision)
	}
}
