package entity

import (
	"strconv"
	"strings"

	"plotrelay.dev/internal/protocol"
)

// Decode dispatches on the envelope kind. Unknown kinds and malformed
// envelopes return ok=false.
func Decode(env *protocol.Envelope) (Entity, bool) {
	if env == nil {
		return nil, false
	}
	switch env.Kind {
	case protocol.KindWorld:
		if w, ok := DecodeWorld(env); ok {
			return &w, true
		}
	case protocol.KindMap:
		if m, ok := DecodeMap(env); ok {
			return &m, true
		}
	case protocol.KindSlot:
		if s, ok := DecodeSlot(env); ok {
			return &s, true
		}
	case protocol.KindAction:
		if a, ok := DecodeAction(env); ok {
			return &a, true
		}
	}
	return nil, false
}

func DecodeWorld(env *protocol.Envelope) (World, bool) {
	var w World
	if env == nil || env.Kind != protocol.KindWorld {
		return w, false
	}
	t := env.Tags
	var ok bool
	if w.ID, ok = required(t, protocol.TagID); !ok {
		return w, false
	}
	if w.Version, ok = required(t, protocol.TagVersion); !ok {
		return w, false
	}
	if w.Name, ok = required(t, protocol.TagName); !ok {
		return w, false
	}
	w.Category = optional(t, protocol.TagCategory)
	w.PackURL = optional(t, protocol.TagPack)
	w.EntryMap = optional(t, protocol.TagEntry)
	w.Season = optional(t, protocol.TagSeason)
	w.Meta = metaOf(env)
	return w, true
}

func DecodeMap(env *protocol.Envelope) (Map, bool) {
	var m Map
	if env == nil || env.Kind != protocol.KindMap {
		return m, false
	}
	t := env.Tags
	var ok bool
	if m.ID, ok = required(t, protocol.TagID); !ok {
		return m, false
	}
	if m.Version, ok = required(t, protocol.TagVersion); !ok {
		return m, false
	}
	if m.WorldID, ok = required(t, protocol.TagWorld); !ok {
		return m, false
	}
	if m.Layout, ok = required(t, protocol.TagLayout); !ok {
		return m, false
	}
	m.PackURL = optional(t, protocol.TagPack)
	m.Name = optional(t, protocol.TagName)
	m.Description = optional(t, protocol.TagDescription)
	m.Meta = metaOf(env)
	return m, true
}

func DecodeSlot(env *protocol.Envelope) (Slot, bool) {
	var s Slot
	if env == nil || env.Kind != protocol.KindSlot {
		return s, false
	}
	t := env.Tags
	var ok bool
	if s.ID, ok = required(t, protocol.TagID); !ok {
		return s, false
	}
	if s.Version, ok = required(t, protocol.TagVersion); !ok {
		return s, false
	}
	if s.WorldID, ok = required(t, protocol.TagWorld); !ok {
		return s, false
	}
	if s.MapID, ok = required(t, protocol.TagMap); !ok {
		return s, false
	}
	if s.Coord, ok = decodeCoord(t); !ok {
		return s, false
	}
	kind, ok := required(t, protocol.TagType)
	if !ok {
		if kind, ok = required(t, protocol.TagKind); !ok {
			return s, false
		}
	}
	s.Kind = SlotKind(kind)

	s.Crop = optional(t, protocol.TagCrop)
	planted, ok := optionalInt(t, protocol.TagPlantedAt)
	if !ok {
		return s, false
	}
	if s.Kind == SlotOccupied && planted == nil {
		return s, false
	}
	if planted != nil {
		s.PlantedAt = *planted
	}
	for _, f := range []struct {
		key string
		dst **int64
	}{
		{protocol.TagReadyAt, &s.ReadyAt},
		{protocol.TagExpireAt, &s.ExpireAt},
		{protocol.TagRegrowAt, &s.RegrowAt},
		{protocol.TagHarvestCount, &s.HarvestCount},
		{protocol.TagHarvestMax, &s.HarvestMax},
		{protocol.TagStage, &s.LegacyStage},
		{protocol.TagLastHarvestedAt, &s.LastHarvestedAt},
	} {
		v, ok := optionalInt(t, f.key)
		if !ok {
			return s, false
		}
		*f.dst = v
	}
	s.Status = optional(t, protocol.TagStatus)
	s.Meta = metaOf(env)
	return s, true
}

func DecodeAction(env *protocol.Envelope) (Action, bool) {
	var a Action
	if env == nil || env.Kind != protocol.KindAction {
		return a, false
	}
	t := env.Tags
	var ok bool
	if a.Version, ok = required(t, protocol.TagVersion); !ok {
		return a, false
	}
	if a.WorldID, ok = required(t, protocol.TagWorld); !ok {
		return a, false
	}
	if a.MapID, ok = required(t, protocol.TagMap); !ok {
		return a, false
	}
	if a.Coord, ok = decodeCoord(t); !ok {
		return a, false
	}
	if a.SlotID, ok = required(t, protocol.TagSlotID); !ok {
		return a, false
	}
	if a.SlotID != SlotID(a.WorldID, a.MapID, a.Coord) {
		return a, false
	}
	kind, ok := required(t, protocol.TagAction)
	if !ok {
		return a, false
	}
	a.Kind = ActionKind(kind)
	rev, ok := required(t, protocol.TagExpectedRev)
	if !ok {
		return a, false
	}
	if a.ExpectedRev, ok = parseInt(rev); !ok {
		return a, false
	}
	if a.Nonce, ok = required(t, protocol.TagClientNonce); !ok {
		return a, false
	}
	a.Crop = optional(t, protocol.TagCrop)
	a.Meta = metaOf(env)
	return a, true
}

func metaOf(env *protocol.Envelope) Meta {
	return Meta{EventID: env.ID, Author: env.PubKey, CreatedAt: env.CreatedAt}
}

// decodeCoord accepts ["slot","x","y"] and the older ["slot","x,y"].
func decodeCoord(t protocol.Tags) (Coord, bool) {
	tag := t.Find(protocol.TagSlot)
	var xs, ys string
	switch {
	case len(tag) >= 3:
		xs, ys = tag[1], tag[2]
	case len(tag) == 2:
		parts := strings.Split(tag[1], ",")
		if len(parts) != 2 {
			return Coord{}, false
		}
		xs, ys = parts[0], parts[1]
	default:
		return Coord{}, false
	}
	x, err := strconv.ParseInt(xs, 10, 32)
	if err != nil {
		return Coord{}, false
	}
	y, err := strconv.ParseInt(ys, 10, 32)
	if err != nil {
		return Coord{}, false
	}
	return Coord{X: int(x), Y: int(y)}, true
}

func required(t protocol.Tags, key string) (string, bool) {
	v, ok := t.Value(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func optional(t protocol.Tags, key string) string {
	v, _ := t.Value(key)
	return v
}

// optionalInt returns (nil, true) when the tag is absent and (nil, false)
// when it is present but not an integer.
func optionalInt(t protocol.Tags, key string) (*int64, bool) {
	v, ok := t.Value(key)
	if !ok {
		return nil, true
	}
	n, ok := parseInt(v)
	if !ok {
		return nil, false
	}
	return &n, true
}

func parseInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
