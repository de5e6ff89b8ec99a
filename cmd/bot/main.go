package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"plotrelay.dev/internal/identity"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/relay/wsrelay"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/catalogs"
	"plotrelay.dev/internal/sim/entity"
	"plotrelay.dev/internal/sim/growth"
	"plotrelay.dev/internal/sim/intent"
)

func main() {
	var (
		relays      = flag.String("relays", "ws://127.0.0.1:7447", "comma-separated relay urls")
		authorityPK = flag.String("authority", "", "authority pubkey (hex)")
		worldID     = flag.String("world", "meadow", "world id")
		mapID       = flag.String("map", "field", "map id")
		width       = flag.Int("w", 4, "grid width to farm")
		height      = flag.Int("h", 4, "grid height to farm")
		crop        = flag.String("crop", "carrot", "crop to plant")
		cropsPath   = flag.String("crops", "./configs/crops.json", "crop catalog path or url (optional)")
		observerURL = flag.String("observer", "", "authority http base url, to report decisions (optional)")
		every       = flag.Duration("every", 5*time.Second, "time between moves")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	if *authorityPK == "" {
		logger.Fatalf("-authority is required")
	}

	signer, err := identity.GenerateKeySigner()
	if err != nil {
		logger.Fatalf("key: %v", err)
	}
	var dests []relay.Destination
	for _, u := range strings.Split(*relays, ",") {
		if u = strings.TrimSpace(u); u != "" {
			dests = append(dests, relay.Destination{Name: u, Log: wsrelay.New(u, logger)})
		}
	}
	pub := &intent.Publisher{Log: relay.NewPool(logger, 10*time.Second, dests...), Signer: signer, Verifier: identity.Verifier{}}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cat, err := catalogs.Load(ctx, *cropsPath)
	if err != nil {
		logger.Printf("crop catalog: %v (harvesting without ripeness checks)", err)
	}

	b := &bot{
		pub:       pub,
		authority: *authorityPK,
		world:     *worldID,
		mapID:     *mapID,
		crop:      *crop,
		crops:     cat,
		observer:  strings.TrimRight(*observerURL, "/"),
		logger:    logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	logger.Printf("farming %s/%s as %s", *worldID, *mapID, signer.PubKey())

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		c := entity.Coord{X: b.rng.Intn(*width), Y: b.rng.Intn(*height)}
		b.move(ctx, c)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type bot struct {
	pub       *intent.Publisher
	authority string
	world     string
	mapID     string
	crop      string
	crops     *catalogs.CropCatalog
	observer  string
	logger    *log.Logger
	rng       *rand.Rand

	last *intent.Submitted
}

func (b *bot) move(ctx context.Context, c entity.Coord) {
	if b.last != nil {
		b.report(ctx, *b.last)
		b.last = nil
	}

	id := entity.SlotID(b.world, b.mapID, c)
	slot, err := b.pub.CurrentSlot(ctx, b.authority, id)
	if err != nil {
		b.logger.Printf("read %s: %v", id, err)
		return
	}
	if slot == nil {
		b.logger.Printf("%s: no slot (map not seeded?)", id)
		return
	}

	var sub intent.Submitted
	switch slot.Kind {
	case entity.SlotEmpty:
		sub, err = b.pub.Plant(ctx, intent.PlantRequest{
			WorldID: b.world, MapID: b.mapID, Coord: c, Crop: b.crop,
			ExpectedRev: intent.ExpectedRevision(slot),
		})
	case entity.SlotOccupied:
		if meta, ok := b.crops.Crop(slot.Crop); ok {
			now := time.Now().Unix()
			if !growth.IsRipe(slot.PlantedAt, now, meta) {
				stage := growth.ComputeStage(slot.PlantedAt, now, meta)
				wait, _ := growth.SecondsUntilNextStage(slot.PlantedAt, now, meta, stage)
				b.logger.Printf("%s: %s at stage %d/%d, next in %ds", id, slot.Crop, stage, growth.MaxStage(meta), wait)
				return
			}
		}
		sub, err = b.pub.Harvest(ctx, intent.HarvestRequest{
			WorldID: b.world, MapID: b.mapID, Coord: c,
			ExpectedRev: intent.ExpectedRevision(slot),
		})
	default:
		b.logger.Printf("%s: unknown slot kind %q", id, slot.Kind)
		return
	}
	if err != nil {
		b.logger.Printf("%s: %v", id, err)
		return
	}
	b.logger.Printf("%s: submitted %s rev=%d nonce=%s", id, sub.Action.Kind, sub.Action.ExpectedRev, sub.Action.Nonce)
	b.last = &sub
}

// report asks the authority what happened to a submission. Rejections are
// otherwise invisible on the log.
func (b *bot) report(ctx context.Context, sub intent.Submitted) {
	if b.observer == "" {
		return
	}
	q := url.Values{"author": {sub.Action.Author}, "nonce": {sub.Action.Nonce}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.observer+"/v1/decisions?"+q.Encode(), nil)
	if err != nil {
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		b.logger.Printf("decisions: %v", err)
		return
	}
	defer resp.Body.Close()
	var body struct {
		Decisions []authority.DecisionRecord `json:"decisions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		b.logger.Printf("decisions: %v", err)
		return
	}
	if len(body.Decisions) == 0 {
		b.logger.Printf("%s %s: pending", sub.Action.Kind, sub.Action.SlotID)
		return
	}
	d := body.Decisions[0]
	msg := fmt.Sprintf("%s %s: %s", d.Action, d.SlotID, d.State)
	if d.Code != "" {
		msg += fmt.Sprintf(" %s (%s)", d.Code, d.Reason)
	}
	b.logger.Print(msg)
}
