// Package growth derives a crop's visible stage from its planting time.
//
// Stage is never stored. Every reader computes it from (plantedAt, now, meta)
// and gets the same answer.
package growth

import "math"

// DefaultStageDurationSec applies when a crop declares no positive duration.
const DefaultStageDurationSec int64 = 300

type CropMeta struct {
	TotalStages      int
	HarvestStage     *int
	StageDurationSec int64
}

func (m CropMeta) duration() int64 {
	if m.StageDurationSec > 0 {
		return m.StageDurationSec
	}
	return DefaultStageDurationSec
}

// MaxStage is the highest stage a crop can display: the last stage, capped at
// the harvest stage when one is declared.
func MaxStage(meta CropMeta) int {
	top := meta.TotalStages - 1
	if meta.HarvestStage != nil && *meta.HarvestStage < top {
		top = *meta.HarvestStage
	}
	if top < 0 {
		return 0
	}
	return top
}

// elapsed is now-plantedAt, saturated at the int64 bounds.
func elapsed(plantedAt, now int64) int64 {
	d := now - plantedAt
	if now >= plantedAt && d < 0 {
		return math.MaxInt64
	}
	if now < plantedAt && d >= 0 {
		return math.MinInt64
	}
	return d
}

// stageOffset is the time from planting to the start of stage n, saturated.
func stageOffset(n int, meta CropMeta) int64 {
	if n <= 0 {
		return 0
	}
	d := meta.duration()
	if int64(n) > math.MaxInt64/d {
		return math.MaxInt64
	}
	return int64(n) * d
}

func ComputeStage(plantedAt, now int64, meta CropMeta) int {
	if now < plantedAt {
		return 0
	}
	raw := elapsed(plantedAt, now) / meta.duration()
	if top := int64(MaxStage(meta)); raw > top {
		return int(top)
	}
	return int(raw)
}

// SecondsUntilNextStage returns the time left until current advances.
// ok is false once current has reached MaxStage.
func SecondsUntilNextStage(plantedAt, now int64, meta CropMeta, current int) (secs int64, ok bool) {
	if current >= MaxStage(meta) {
		return 0, false
	}
	if current < 0 {
		current = 0
	}
	step, e := stageOffset(current+1, meta), elapsed(plantedAt, now)
	if e >= step {
		return 0, true
	}
	left := step - e
	if left < 0 {
		return math.MaxInt64, true
	}
	return left, true
}

// IsRipe reports whether the crop has reached its final visible stage.
func IsRipe(plantedAt, now int64, meta CropMeta) bool {
	return ComputeStage(plantedAt, now, meta) >= MaxStage(meta)
}

// ReadyAt is the time the crop reaches MaxStage, saturated at the int64 bound.
func ReadyAt(plantedAt int64, meta CropMeta) int64 {
	off := stageOffset(MaxStage(meta), meta)
	if plantedAt > 0 && off > math.MaxInt64-plantedAt {
		return math.MaxInt64
	}
	return plantedAt + off
}
