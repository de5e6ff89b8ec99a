package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"plotrelay.dev/internal/identity"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/relay/wsrelay"
	"plotrelay.dev/internal/sim/entity"
	"plotrelay.dev/internal/sim/intent"
)

type seedPlan struct {
	WorldID   string
	WorldName string
	MapID     string
	MapName   string
	Layout    string
	PackURL   string
	Width     int
	Height    int
	// Force republishes slots that already exist, emptying them.
	Force bool
}

type seedResult struct {
	Published int64
	Existing  int64
}

const seedParallelism = 8

// seed publishes the world and map definitions, then an empty slot for every
// cell of the map. Cells the signing key already published are left alone
// unless plan.Force is set.
func seed(ctx context.Context, pub *intent.Publisher, plan seedPlan) (seedResult, error) {
	var res seedResult
	if plan.Width <= 0 || plan.Height <= 0 {
		return res, fmt.Errorf("seed: grid %dx%d", plan.Width, plan.Height)
	}
	if _, err := pub.PublishWorld(ctx, entity.World{
		ID:       plan.WorldID,
		Name:     plan.WorldName,
		PackURL:  plan.PackURL,
		EntryMap: plan.MapID,
	}); err != nil {
		return res, fmt.Errorf("world %s: %w", plan.WorldID, err)
	}
	if _, err := pub.PublishMap(ctx, entity.Map{
		ID:      plan.MapID,
		WorldID: plan.WorldID,
		Layout:  plan.Layout,
		Name:    plan.MapName,
		PackURL: plan.PackURL,
	}); err != nil {
		return res, fmt.Errorf("map %s: %w", plan.MapID, err)
	}

	var published, existing atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(seedParallelism)
	for y := 0; y < plan.Height; y++ {
		for x := 0; x < plan.Width; x++ {
			c := entity.Coord{X: x, Y: y}
			g.Go(func() error {
				id := entity.SlotID(plan.WorldID, plan.MapID, c)
				if !plan.Force {
					cur, err := pub.CurrentSlot(gctx, pub.Signer.PubKey(), id)
					if err != nil {
						return fmt.Errorf("read %s: %w", id, err)
					}
					if cur != nil {
						existing.Add(1)
						return nil
					}
				}
				if _, err := pub.PublishSlot(gctx, entity.Slot{
					WorldID: plan.WorldID,
					MapID:   plan.MapID,
					Coord:   c,
					Kind:    entity.SlotEmpty,
				}); err != nil {
					return fmt.Errorf("slot %s: %w", id, err)
				}
				published.Add(1)
				return nil
			})
		}
	}
	err := g.Wait()
	res.Published, res.Existing = published.Load(), existing.Load()
	return res, err
}

func seedCmd(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	cfgPath, world := commonFlags(fs)
	worldName := fs.String("world_name", "", "world display name (defaults to the id)")
	mapID := fs.String("map", "field", "map id")
	mapName := fs.String("map_name", "", "map display name (optional)")
	layout := fs.String("layout", "", "layout reference (defaults to grid:<w>x<h>)")
	pack := fs.String("pack", "", "content pack url (optional)")
	width := fs.Int("w", 8, "grid width")
	height := fs.Int("h", 8, "grid height")
	force := fs.Bool("force", false, "republish existing slots as empty")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall timeout")
	_ = fs.Parse(args)

	cfg := loadConfig(*cfgPath, *world)
	if strings.TrimSpace(cfg.AuthorityKey) == "" {
		fmt.Fprintln(os.Stderr, "PLOTRELAY_AUTHORITY_KEY is required: slots only count when the authority signed them")
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	signer, err := identity.NewKeySigner(cfg.AuthorityKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "authority key:", err)
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "[admin] ", log.LstdFlags|log.Lmicroseconds)
	dests := make([]relay.Destination, 0, len(cfg.Relays))
	for _, rc := range cfg.Relays {
		dests = append(dests, relay.Destination{Name: rc.URL, Log: wsrelay.New(rc.URL, logger), Required: rc.Required})
	}
	pub := &intent.Publisher{Log: relay.NewPool(logger, cfg.Reconcile.CallTimeout, dests...), Signer: signer, Verifier: identity.Verifier{}}

	plan := seedPlan{
		WorldID:   cfg.WorldID,
		WorldName: *worldName,
		MapID:     *mapID,
		MapName:   *mapName,
		Layout:    *layout,
		PackURL:   *pack,
		Width:     *width,
		Height:    *height,
		Force:     *force,
	}
	if plan.WorldName == "" {
		plan.WorldName = plan.WorldID
	}
	if plan.Layout == "" {
		plan.Layout = fmt.Sprintf("grid:%dx%d", plan.Width, plan.Height)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := seed(ctx, pub, plan)
	logger.Printf("seeded %s/%s as %s: published=%d existing=%d", plan.WorldID, plan.MapID, signer.PubKey(), res.Published, res.Existing)
	if err != nil {
		logger.Fatalf("seed: %v", err)
	}
}
