// Package intent builds and publishes client-side farm events.
//
// Nothing published here is authoritative. Actions carry the revision the
// client last saw and a fresh nonce; the authority decides the outcome.
package intent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/sim/entity"
)

var ErrMissingCrop = errors.New("intent: plant requires a crop")

type Signer interface {
	PubKey() string
	Sign(env protocol.Envelope) (protocol.Envelope, error)
}

type Publisher struct {
	Log    relay.Log
	Signer Signer
	// Verifier, when set, ignores slots whose signature does not check out.
	Verifier relay.Verifier
	// Now and NewNonce default to the wall clock and random UUIDs.
	Now      func() time.Time
	NewNonce func() string
}

func (p *Publisher) now() int64 {
	if p.Now != nil {
		return p.Now().Unix()
	}
	return time.Now().Unix()
}

func (p *Publisher) nonce() string {
	if p.NewNonce != nil {
		return p.NewNonce()
	}
	return uuid.NewString()
}

type PlantRequest struct {
	WorldID     string
	MapID       string
	Coord       entity.Coord
	Crop        string
	ExpectedRev int64
}

type HarvestRequest struct {
	WorldID     string
	MapID       string
	Coord       entity.Coord
	ExpectedRev int64
}

// Submitted describes a published action. Retrying with the same Nonce is
// deduplicated by the authority.
type Submitted struct {
	Action   entity.Action
	Envelope protocol.Envelope
	Result   relay.PublishResult
}

func (p *Publisher) Plant(ctx context.Context, req PlantRequest) (Submitted, error) {
	if req.Crop == "" {
		return Submitted{}, ErrMissingCrop
	}
	return p.submit(ctx, entity.Action{
		WorldID:     req.WorldID,
		MapID:       req.MapID,
		Coord:       req.Coord,
		Kind:        entity.ActionPlant,
		ExpectedRev: req.ExpectedRev,
		Crop:        req.Crop,
	})
}

func (p *Publisher) Harvest(ctx context.Context, req HarvestRequest) (Submitted, error) {
	return p.submit(ctx, entity.Action{
		WorldID:     req.WorldID,
		MapID:       req.MapID,
		Coord:       req.Coord,
		Kind:        entity.ActionHarvest,
		ExpectedRev: req.ExpectedRev,
	})
}

// Resubmit publishes a previously submitted action again with its original
// nonce, for retries after an ambiguous publish failure.
func (p *Publisher) Resubmit(ctx context.Context, prev Submitted) (Submitted, error) {
	a := prev.Action
	a.Meta = entity.Meta{}
	return p.publishAction(ctx, a)
}

func (p *Publisher) submit(ctx context.Context, a entity.Action) (Submitted, error) {
	a.Version = protocol.SchemaVersion
	a.SlotID = entity.SlotID(a.WorldID, a.MapID, a.Coord)
	a.Nonce = p.nonce()
	return p.publishAction(ctx, a)
}

func (p *Publisher) publishAction(ctx context.Context, a entity.Action) (Submitted, error) {
	a.CreatedAt = p.now()
	env, res, err := p.publish(ctx, entity.EncodeAction(a))
	a.Meta = entity.Meta{EventID: env.ID, Author: env.PubKey, CreatedAt: env.CreatedAt}
	out := Submitted{Action: a, Envelope: env, Result: res}
	if err != nil {
		return out, fmt.Errorf("intent: %s %s: %w", a.Kind, a.SlotID, err)
	}
	return out, nil
}

// PublishSlot publishes slot state directly. Only meaningful for the key the
// authority trusts, e.g. when seeding a map.
func (p *Publisher) PublishSlot(ctx context.Context, s entity.Slot) (protocol.Envelope, error) {
	if s.CreatedAt == 0 {
		s.CreatedAt = p.now()
	}
	env, _, err := p.publish(ctx, entity.EncodeSlot(s))
	return env, err
}

func (p *Publisher) PublishWorld(ctx context.Context, w entity.World) (protocol.Envelope, error) {
	w.CreatedAt = p.now()
	env, _, err := p.publish(ctx, entity.EncodeWorld(w))
	return env, err
}

func (p *Publisher) PublishMap(ctx context.Context, m entity.Map) (protocol.Envelope, error) {
	m.CreatedAt = p.now()
	env, _, err := p.publish(ctx, entity.EncodeMap(m))
	return env, err
}

func (p *Publisher) publish(ctx context.Context, unsigned protocol.Envelope) (protocol.Envelope, relay.PublishResult, error) {
	env, err := p.Signer.Sign(unsigned)
	if err != nil {
		return unsigned, relay.PublishResult{}, fmt.Errorf("sign: %w", err)
	}
	res, err := p.Log.Publish(ctx, env)
	return env, res, err
}

// CurrentSlot reads the latest slot published by authority for slotID.
// A nil slot means the cell was never touched.
func (p *Publisher) CurrentSlot(ctx context.Context, authority, slotID string) (*entity.Slot, error) {
	envs, err := p.Log.Query(ctx, protocol.Filter{
		Kinds:   []int{protocol.KindSlot},
		Authors: []string{authority},
		Tags:    map[string][]string{protocol.TagID: {slotID}},
	})
	if err != nil {
		return nil, err
	}
	var best *entity.Slot
	for i := range envs {
		if envs[i].PubKey != authority {
			continue
		}
		if p.Verifier != nil && p.Verifier.Verify(&envs[i]) != nil {
			continue
		}
		s, ok := entity.DecodeSlot(&envs[i])
		if !ok || s.ID != slotID {
			continue
		}
		if entity.Newer(&s, best) {
			best = &s
		}
	}
	return best, nil
}

// ExpectedRevision is the revision an action against slot should claim.
func ExpectedRevision(slot *entity.Slot) int64 { return entity.RevisionOf(slot) }

// Worlds lists the worlds visible in the log, newest definition per id.
func (p *Publisher) Worlds(ctx context.Context) ([]entity.World, error) {
	envs, err := p.Log.Query(ctx, protocol.Filter{Kinds: []int{protocol.KindWorld}})
	if err != nil {
		return nil, err
	}
	byID := map[string]entity.World{}
	var order []string
	for i := range envs {
		w, ok := entity.DecodeWorld(&envs[i])
		if !ok {
			continue
		}
		prev, seen := byID[w.ID]
		if !seen {
			order = append(order, w.ID)
		}
		if !seen || w.CreatedAt > prev.CreatedAt {
			byID[w.ID] = w
		}
	}
	out := make([]entity.World, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}

// Maps lists the maps of a world, newest definition per id.
func (p *Publisher) Maps(ctx context.Context, worldID string) ([]entity.Map, error) {
	envs, err := p.Log.Query(ctx, protocol.Filter{
		Kinds: []int{protocol.KindMap},
		Tags:  map[string][]string{protocol.TagDiscovery: {worldID}},
	})
	if err != nil {
		return nil, err
	}
	byID := map[string]entity.Map{}
	var order []string
	for i := range envs {
		m, ok := entity.DecodeMap(&envs[i])
		if !ok || m.WorldID != worldID {
			continue
		}
		prev, seen := byID[m.ID]
		if !seen {
			order = append(order, m.ID)
		}
		if !seen || m.CreatedAt > prev.CreatedAt {
			byID[m.ID] = m
		}
	}
	out := make([]entity.Map, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out, nil
}
