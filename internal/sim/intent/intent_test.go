package intent_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"plotrelay.dev/internal/identity"
	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/entity"
	"plotrelay.dev/internal/sim/intent"
)

func newPublisher(t *testing.T, lg relay.Log, at int64) *intent.Publisher {
	t.Helper()
	signer, err := identity.GenerateKeySigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return &intent.Publisher{Log: lg, Signer: signer, Now: func() time.Time { return time.Unix(at, 0) }}
}

func TestPlant_EncodesAction(t *testing.T) {
	mem := relay.NewMemLog(identity.Verifier{})
	p := newPublisher(t, mem, 1234)

	sub, err := p.Plant(context.Background(), intent.PlantRequest{WorldID: "w1", MapID: "m1", Coord: entity.Coord{X: 2, Y: 3}, Crop: "carrot"})
	if err != nil {
		t.Fatalf("plant: %v", err)
	}
	if _, err := uuid.Parse(sub.Action.Nonce); err != nil {
		t.Fatalf("nonce is not a uuid: %q", sub.Action.Nonce)
	}
	got, ok := entity.DecodeAction(&sub.Envelope)
	if !ok {
		t.Fatalf("published action does not decode")
	}
	if got != sub.Action {
		t.Fatalf("decoded action differs:\n got %+v\nwant %+v", got, sub.Action)
	}
	if got.SlotID != "w1:m1:2:3" || got.ExpectedRev != 0 || got.CreatedAt != 1234 {
		t.Fatalf("unexpected action %+v", got)
	}
	if v, _ := sub.Envelope.Tags.Value(protocol.TagDiscovery); v != "w1" {
		t.Fatalf("missing discovery tag")
	}
	if mem.Len() != 1 {
		t.Fatalf("expected one stored event")
	}
}

func TestPlant_RequiresCrop(t *testing.T) {
	mem := relay.NewMemLog(nil)
	p := newPublisher(t, mem, 1)
	if _, err := p.Plant(context.Background(), intent.PlantRequest{WorldID: "w1", MapID: "m1"}); !errors.Is(err, intent.ErrMissingCrop) {
		t.Fatalf("expected ErrMissingCrop, got %v", err)
	}
	if mem.Len() != 0 {
		t.Fatalf("nothing may be published")
	}
}

func TestPublish_SurfacesLogErrors(t *testing.T) {
	mem := relay.NewMemLog(nil)
	_ = mem.Close()
	p := newPublisher(t, mem, 1)
	_, err := p.Harvest(context.Background(), intent.HarvestRequest{WorldID: "w1", MapID: "m1", ExpectedRev: 5})
	if !errors.Is(err, relay.ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestPlantHarvestThroughAuthority(t *testing.T) {
	ctx := context.Background()
	mem := relay.NewMemLog(identity.Verifier{})
	auth, _ := identity.GenerateKeySigner()
	var now int64 = 1000
	clock := func() time.Time { return time.Unix(now, 0) }

	rec, err := authority.New(authority.Config{WorldID: "w1"}, authority.Deps{Log: mem, Signer: auth, Verifier: identity.Verifier{}, Now: clock})
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	client := newPublisher(t, mem, 0)
	client.Now = clock
	c := entity.Coord{X: 1, Y: 1}
	slotID := entity.SlotID("w1", "m1", c)

	cur, err := client.CurrentSlot(ctx, auth.PubKey(), slotID)
	if err != nil || cur != nil {
		t.Fatalf("expected absent slot, got %+v %v", cur, err)
	}
	first, err := client.Plant(ctx, intent.PlantRequest{WorldID: "w1", MapID: "m1", Coord: c, Crop: "carrot", ExpectedRev: intent.ExpectedRevision(cur)})
	if err != nil {
		t.Fatalf("plant: %v", err)
	}
	now = 1010
	if _, err := rec.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	cur, _ = client.CurrentSlot(ctx, auth.PubKey(), slotID)
	if cur == nil || cur.Kind != entity.SlotOccupied || cur.PlantedAt != 1010 {
		t.Fatalf("unexpected slot after plant: %+v", cur)
	}

	// A retry of the same submission is absorbed.
	if _, err := client.Resubmit(ctx, first); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	now = 1020
	if _, err := client.Harvest(ctx, intent.HarvestRequest{WorldID: "w1", MapID: "m1", Coord: c, ExpectedRev: intent.ExpectedRevision(cur)}); err != nil {
		t.Fatalf("harvest: %v", err)
	}
	now = 1030
	cs, err := rec.Cycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if cs.Applied != 1 {
		t.Fatalf("expected only the harvest to apply, got %+v", cs)
	}
	cur, _ = client.CurrentSlot(ctx, auth.PubKey(), slotID)
	if cur.Kind != entity.SlotEmpty || cur.LastHarvestedAt == nil || *cur.LastHarvestedAt != 1030 {
		t.Fatalf("unexpected slot after harvest: %+v", cur)
	}
}

func TestCurrentSlot_SkipsForgedSignature(t *testing.T) {
	ctx := context.Background()
	mem := relay.NewMemLog(nil)
	auth, _ := identity.GenerateKeySigner()
	c := entity.Coord{X: 4, Y: 2}
	slotID := entity.SlotID("w1", "m1", c)

	forged := entity.EncodeSlot(entity.Slot{ID: slotID, WorldID: "w1", MapID: "m1", Coord: c, Kind: entity.SlotOccupied, Crop: "weeds", PlantedAt: 50})
	forged.CreatedAt = 50
	forged.PubKey = auth.PubKey()
	forged.ID = forged.Hash()
	forged.Sig = strings.Repeat("0", 128)
	if _, err := mem.Publish(ctx, forged); err != nil {
		t.Fatalf("publish: %v", err)
	}

	client := newPublisher(t, mem, 100)
	if cur, err := client.CurrentSlot(ctx, auth.PubKey(), slotID); err != nil || cur == nil {
		t.Fatalf("without a verifier the slot is taken at its pubkey, got %+v %v", cur, err)
	}
	client.Verifier = identity.Verifier{}
	cur, err := client.CurrentSlot(ctx, auth.PubKey(), slotID)
	if err != nil || cur != nil {
		t.Fatalf("forged slot must read as absent, got %+v %v", cur, err)
	}
}

func TestWorldsAndMaps(t *testing.T) {
	ctx := context.Background()
	mem := relay.NewMemLog(nil)
	owner := newPublisher(t, mem, 100)

	if _, err := owner.PublishWorld(ctx, entity.World{ID: "w1", Name: "Valley", EntryMap: "m1"}); err != nil {
		t.Fatalf("world: %v", err)
	}
	owner.Now = func() time.Time { return time.Unix(200, 0) }
	if _, err := owner.PublishWorld(ctx, entity.World{ID: "w1", Name: "Green Valley", EntryMap: "m1"}); err != nil {
		t.Fatalf("world update: %v", err)
	}
	for _, id := range []string{"m1", "m2"} {
		if _, err := owner.PublishMap(ctx, entity.Map{ID: id, WorldID: "w1", Layout: "farm-" + id}); err != nil {
			t.Fatalf("map: %v", err)
		}
	}
	if _, err := owner.PublishMap(ctx, entity.Map{ID: "x", WorldID: "w2", Layout: "other"}); err != nil {
		t.Fatalf("map: %v", err)
	}

	worlds, err := owner.Worlds(ctx)
	if err != nil || len(worlds) != 1 || worlds[0].Name != "Green Valley" {
		t.Fatalf("unexpected worlds %+v %v", worlds, err)
	}
	maps, err := owner.Maps(ctx, "w1")
	if err != nil || len(maps) != 2 {
		t.Fatalf("unexpected maps %+v %v", maps, err)
	}
}
