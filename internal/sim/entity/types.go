// Package entity maps log envelopes to typed farm entities and back.
//
// Decoding is total: a malformed envelope yields ok=false and is never an
// error. Encoders emit one canonical wire form; decoders accept every form
// that has ever been written.
package entity

import (
	"strconv"

	"plotrelay.dev/internal/protocol"
)

type SlotKind string

const (
	SlotEmpty    SlotKind = "empty"
	SlotOccupied SlotKind = "occupied"
)

type ActionKind string

const (
	ActionPlant   ActionKind = "plant"
	ActionHarvest ActionKind = "harvest"
)

// Coord is a grid position inside a map.
type Coord struct {
	X int
	Y int
}

// SlotID derives the stable slot id from its address.
func SlotID(worldID, mapID string, c Coord) string {
	return worldID + ":" + mapID + ":" + strconv.Itoa(c.X) + ":" + strconv.Itoa(c.Y)
}

// Meta carries log-level facts about the envelope an entity was decoded
// from. Encoders ignore it.
type Meta struct {
	EventID   string
	Author    string
	CreatedAt int64
}

type World struct {
	Meta

	ID       string
	Version  string
	Category string
	Name     string
	PackURL  string
	EntryMap string
	Season   string
}

type Map struct {
	Meta

	ID          string
	Version     string
	WorldID     string
	Layout      string
	PackURL     string
	Name        string
	Description string
}

// Slot is the authoritative state of one grid cell.
type Slot struct {
	Meta

	ID      string
	Version string
	WorldID string
	MapID   string
	Coord   Coord
	Kind    SlotKind

	// Occupied.
	Crop         string
	PlantedAt    int64
	ReadyAt      *int64
	ExpireAt     *int64
	RegrowAt     *int64
	HarvestCount *int64
	HarvestMax   *int64
	// LegacyStage is informational only; growth is derived from PlantedAt.
	LegacyStage *int64

	// Empty.
	Status          string
	LastHarvestedAt *int64
}

// Action is an intent to change one slot.
type Action struct {
	Meta

	Version     string
	WorldID     string
	MapID       string
	Coord       Coord
	SlotID      string
	Kind        ActionKind
	ExpectedRev int64
	Nonce       string

	// Plant.
	Crop string
}

// Entity is one of *World, *Map, *Slot, *Action.
type Entity interface {
	entityKind() int
}

func (*World) entityKind() int  { return protocol.KindWorld }
func (*Map) entityKind() int    { return protocol.KindMap }
func (*Slot) entityKind() int   { return protocol.KindSlot }
func (*Action) entityKind() int { return protocol.KindAction }

// KindOf returns the envelope kind an entity is published under.
func KindOf(e Entity) int { return e.entityKind() }
