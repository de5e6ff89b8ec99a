package entity

import (
	"strconv"

	"plotrelay.dev/internal/protocol"
)

// Encoders return unsigned envelope templates. Coordinates are always
// written as two scalar values (["slot","x","y"]). Every template carries the
// discovery tag t=<world id>.

func EncodeWorld(w World) protocol.Envelope {
	b := newTagBuilder()
	b.add(protocol.TagID, w.ID)
	b.add(protocol.TagVersion, versionOr(w.Version))
	b.add(protocol.TagDiscovery, w.ID)
	b.add(protocol.TagName, w.Name)
	b.addOpt(protocol.TagCategory, w.Category)
	b.addOpt(protocol.TagPack, w.PackURL)
	b.addOpt(protocol.TagEntry, w.EntryMap)
	b.addOpt(protocol.TagSeason, w.Season)
	return template(protocol.KindWorld, w.CreatedAt, b.tags)
}

func EncodeMap(m Map) protocol.Envelope {
	b := newTagBuilder()
	b.add(protocol.TagID, m.ID)
	b.add(protocol.TagVersion, versionOr(m.Version))
	b.add(protocol.TagDiscovery, m.WorldID)
	b.add(protocol.TagWorld, m.WorldID)
	b.add(protocol.TagLayout, m.Layout)
	b.addOpt(protocol.TagPack, m.PackURL)
	b.addOpt(protocol.TagName, m.Name)
	b.addOpt(protocol.TagDescription, m.Description)
	return template(protocol.KindMap, m.CreatedAt, b.tags)
}

func EncodeSlot(s Slot) protocol.Envelope {
	id := s.ID
	if id == "" {
		id = SlotID(s.WorldID, s.MapID, s.Coord)
	}
	b := newTagBuilder()
	b.add(protocol.TagID, id)
	b.add(protocol.TagVersion, versionOr(s.Version))
	b.add(protocol.TagDiscovery, s.WorldID)
	b.add(protocol.TagWorld, s.WorldID)
	b.add(protocol.TagMap, s.MapID)
	b.addCoord(s.Coord)
	b.add(protocol.TagType, string(s.Kind))
	b.addOpt(protocol.TagCrop, s.Crop)
	if s.Kind == SlotOccupied || s.PlantedAt != 0 {
		b.addInt(protocol.TagPlantedAt, s.PlantedAt)
	}
	b.addIntPtr(protocol.TagStage, s.LegacyStage)
	b.addIntPtr(protocol.TagReadyAt, s.ReadyAt)
	b.addIntPtr(protocol.TagExpireAt, s.ExpireAt)
	b.addIntPtr(protocol.TagRegrowAt, s.RegrowAt)
	b.addIntPtr(protocol.TagHarvestCount, s.HarvestCount)
	b.addIntPtr(protocol.TagHarvestMax, s.HarvestMax)
	b.addOpt(protocol.TagStatus, s.Status)
	b.addIntPtr(protocol.TagLastHarvestedAt, s.LastHarvestedAt)
	return template(protocol.KindSlot, s.CreatedAt, b.tags)
}

func EncodeAction(a Action) protocol.Envelope {
	slotID := a.SlotID
	if slotID == "" {
		slotID = SlotID(a.WorldID, a.MapID, a.Coord)
	}
	b := newTagBuilder()
	b.add(protocol.TagVersion, versionOr(a.Version))
	b.add(protocol.TagDiscovery, a.WorldID)
	b.add(protocol.TagWorld, a.WorldID)
	b.add(protocol.TagMap, a.MapID)
	b.addCoord(a.Coord)
	b.add(protocol.TagSlotID, slotID)
	b.add(protocol.TagAction, string(a.Kind))
	b.addInt(protocol.TagExpectedRev, a.ExpectedRev)
	b.add(protocol.TagClientNonce, a.Nonce)
	b.addOpt(protocol.TagCrop, a.Crop)
	return template(protocol.KindAction, a.CreatedAt, b.tags)
}

// Encode dispatches on the entity type.
func Encode(e Entity) (protocol.Envelope, bool) {
	switch v := e.(type) {
	case *World:
		return EncodeWorld(*v), true
	case *Map:
		return EncodeMap(*v), true
	case *Slot:
		return EncodeSlot(*v), true
	case *Action:
		return EncodeAction(*v), true
	}
	return protocol.Envelope{}, false
}

func template(kind int, createdAt int64, tags protocol.Tags) protocol.Envelope {
	return protocol.Envelope{
		Kind:      kind,
		CreatedAt: createdAt,
		Tags:      tags,
		Content:   "",
	}
}

func versionOr(v string) string {
	if v == "" {
		return protocol.SchemaVersion
	}
	return v
}

type tagBuilder struct{ tags protocol.Tags }

func newTagBuilder() *tagBuilder { return &tagBuilder{tags: make(protocol.Tags, 0, 12)} }

func (b *tagBuilder) add(key, value string) {
	b.tags = append(b.tags, []string{key, value})
}

func (b *tagBuilder) addOpt(key, value string) {
	if value != "" {
		b.add(key, value)
	}
}

func (b *tagBuilder) addInt(key string, v int64) {
	b.add(key, strconv.FormatInt(v, 10))
}

func (b *tagBuilder) addIntPtr(key string, v *int64) {
	if v != nil {
		b.addInt(key, *v)
	}
}

func (b *tagBuilder) addCoord(c Coord) {
	b.tags = append(b.tags, []string{protocol.TagSlot, strconv.Itoa(c.X), strconv.Itoa(c.Y)})
}
