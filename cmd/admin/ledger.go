package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"plotrelay.dev/internal/config"
	"plotrelay.dev/internal/persistence/indexdb"
	"plotrelay.dev/internal/sim/catalogs"
	"plotrelay.dev/internal/transport/observer"
)

// openLedger opens the sqlite ledger named by -db, or the one the authority
// writes for the configured world.
func openLedger(dbPath, cfgPath, world string) *indexdb.SQLiteIndex {
	path := strings.TrimSpace(dbPath)
	if path == "" {
		path = loadConfig(cfgPath, world).IndexPath()
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "ledger:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return idx
}

func decisionsCmd(args []string) {
	fs := flag.NewFlagSet("decisions", flag.ExitOnError)
	cfgPath, world := commonFlags(fs)
	dbPath := fs.String("db", "", "sqlite ledger path (optional)")
	author := fs.String("author", "", "author pubkey filter")
	nonce := fs.String("nonce", "", "client nonce filter")
	slot := fs.String("slot", "", "slot id filter")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	idx := openLedger(*dbPath, *cfgPath, *world)
	defer idx.Close()

	q := indexdb.DecisionQuery{Author: *author, Nonce: *nonce, SlotID: *slot, Limit: *limit}
	if err := printDecisions(context.Background(), os.Stdout, idx, q); err != nil {
		fmt.Fprintln(os.Stderr, "decisions:", err)
		os.Exit(1)
	}
}

func printDecisions(ctx context.Context, w io.Writer, idx *indexdb.SQLiteIndex, q indexdb.DecisionQuery) error {
	recs, err := idx.Decisions(ctx, q)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	return nil
}

func slotCmd(args []string) {
	fs := flag.NewFlagSet("slot", flag.ExitOnError)
	cfgPath, world := commonFlags(fs)
	dbPath := fs.String("db", "", "sqlite ledger path (optional)")
	id := fs.String("id", "", "slot id (world:map:x:y)")
	cropsPath := fs.String("crops", "", "crop catalog (defaults to the config's)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(os.Stderr, "missing -id")
		os.Exit(2)
	}
	idx := openLedger(*dbPath, *cfgPath, *world)
	defer idx.Close()

	ctx := context.Background()
	src := *cropsPath
	if src == "" {
		src = config.Defaults().Crops
		if cfg, err := config.Read(*cfgPath); err == nil {
			src = cfg.Crops
		}
	}
	crops, err := catalogs.Load(ctx, src)
	if err != nil {
		fmt.Fprintln(os.Stderr, "crop catalog:", err, "(growth omitted)")
	}
	if err := printSlot(ctx, os.Stdout, idx, crops, *id, time.Now().Unix()); err != nil {
		fmt.Fprintln(os.Stderr, "slot:", err)
		os.Exit(1)
	}
}

func printSlot(ctx context.Context, w io.Writer, idx *indexdb.SQLiteIndex, crops *catalogs.CropCatalog, id string, now int64) error {
	s, ok, err := idx.Slot(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no slot %s in ledger", id)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(observer.ViewOf(s, crops, now))
}

func cursorCmd(args []string) {
	fs := flag.NewFlagSet("cursor", flag.ExitOnError)
	cfgPath, world := commonFlags(fs)
	dbPath := fs.String("db", "", "sqlite ledger path (optional)")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath, *world)
	idx := openLedger(*dbPath, *cfgPath, *world)
	defer idx.Close()

	c, ok, err := idx.LoadCursor(context.Background(), cfg.WorldID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "cursor:", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("no cursor saved for", cfg.WorldID)
		return
	}
	fmt.Printf("%s cursor=%d (%s)\n", cfg.WorldID, c, time.Unix(c, 0).UTC().Format(time.RFC3339))
}
