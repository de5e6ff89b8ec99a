// Package authority decides which farm actions take effect and publishes the
// resulting slot state.
package authority

import (
	"fmt"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/entity"
	"plotrelay.dev/internal/sim/growth"
)

// CropLookup resolves crop growth metadata. *catalogs.CropCatalog implements it.
type CropLookup interface {
	Crop(id string) (growth.CropMeta, bool)
}

type Rules struct {
	// RequireRipe rejects harvests of crops that have not reached their
	// last visible stage. Crops with unknown metadata are never blocked.
	RequireRipe bool
	Crops       CropLookup
	Now         int64
}

// Decision is the validator's verdict. Code is empty when accepted.
type Decision struct {
	Code   string
	Reason string
}

func (d Decision) Accepted() bool { return d.Code == "" }

var accept = Decision{}

func reject(code, format string, args ...any) Decision {
	return Decision{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// Validate decides a against the current slot. cur is nil when the slot has
// never been published, which counts as revision 0.
func Validate(a entity.Action, cur *entity.Slot, rules Rules) Decision {
	if cur != nil && (cur.WorldID != a.WorldID || cur.MapID != a.MapID || cur.Coord != a.Coord) {
		return reject(protocol.ErrConflict, "slot %s is addressed at %s/%s/%d,%d", a.SlotID, cur.WorldID, cur.MapID, cur.Coord.X, cur.Coord.Y)
	}
	switch a.Kind {
	case entity.ActionHarvest:
		return validateHarvest(a, cur, rules)
	case entity.ActionPlant:
		return validatePlant(a, cur)
	default:
		return reject(protocol.ErrUnknownAction, "unknown action %q", a.Kind)
	}
}

func validateHarvest(a entity.Action, cur *entity.Slot, rules Rules) Decision {
	if cur == nil {
		return reject(protocol.ErrInvalidTarget, "slot %s does not exist", a.SlotID)
	}
	if cur.Kind != entity.SlotOccupied {
		return reject(protocol.ErrInvalidTarget, "slot %s is %s, not occupied", a.SlotID, cur.Kind)
	}
	if cur.Crop == "" {
		return reject(protocol.ErrInvalidTarget, "slot %s has no crop", a.SlotID)
	}
	if rev := entity.RevisionOf(cur); a.ExpectedRev != rev {
		return reject(protocol.ErrStale, "revision mismatch: expected %d, current %d", a.ExpectedRev, rev)
	}
	if rules.RequireRipe && rules.Crops != nil {
		at := ripenessAt(a, rules.Now)
		if meta, ok := rules.Crops.Crop(cur.Crop); ok && !growth.IsRipe(cur.PlantedAt, at, meta) {
			return reject(protocol.ErrNotRipe, "%s at stage %d of %d", cur.Crop,
				growth.ComputeStage(cur.PlantedAt, at, meta), growth.MaxStage(meta))
		}
	}
	return accept
}

// ripenessAt is the instant a harvest is judged at: the action's own
// timestamp, never later than now. Re-evaluating the same action against the
// same slot then gives the same answer however late it happens.
func ripenessAt(a entity.Action, now int64) int64 {
	if a.CreatedAt < now {
		return a.CreatedAt
	}
	return now
}

func validatePlant(a entity.Action, cur *entity.Slot) Decision {
	if a.Crop == "" {
		return reject(protocol.ErrBadRequest, "plant without crop")
	}
	// Revision first: a plant that lost a race reports the race.
	if rev := entity.RevisionOf(cur); a.ExpectedRev != rev {
		return reject(protocol.ErrStale, "revision mismatch: expected %d, current %d", a.ExpectedRev, rev)
	}
	if cur != nil && cur.Kind != entity.SlotEmpty {
		return reject(protocol.ErrInvalidTarget, "slot %s is %s, not empty", a.SlotID, cur.Kind)
	}
	return accept
}

// Next returns the slot that results from applying an accepted action.
// The new slot is stamped strictly after cur so its revision always moves.
func Next(a entity.Action, cur *entity.Slot, now int64, crops CropLookup) entity.Slot {
	at := now
	if cur != nil && cur.CreatedAt >= at {
		at = cur.CreatedAt + 1
	}
	next := entity.Slot{
		ID:      a.SlotID,
		Version: protocol.SchemaVersion,
		WorldID: a.WorldID,
		MapID:   a.MapID,
		Coord:   a.Coord,
	}
	next.CreatedAt = at

	switch a.Kind {
	case entity.ActionPlant:
		next.Kind = entity.SlotOccupied
		next.Crop = a.Crop
		next.PlantedAt = at
		stage := int64(0)
		next.LegacyStage = &stage
		if crops != nil {
			if meta, ok := crops.Crop(a.Crop); ok {
				ready := growth.ReadyAt(at, meta)
				next.ReadyAt = &ready
			}
		}
	case entity.ActionHarvest:
		next.Kind = entity.SlotEmpty
		harvested := at
		next.LastHarvestedAt = &harvested
	}
	return next
}
