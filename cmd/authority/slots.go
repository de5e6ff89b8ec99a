package main

import (
	"context"

	"plotrelay.dev/internal/persistence/indexdb"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/entity"
)

// slotLookup answers from the reconciler's cache first and falls back to
// the ledger's read model for slots this process has not touched yet.
type slotLookup struct {
	cache *authority.SlotCache
	index *indexdb.SQLiteIndex
}

func (l slotLookup) Slot(ctx context.Context, id string) (entity.Slot, bool, error) {
	if s, known := l.cache.Get(id); known && s != nil {
		return *s, true, nil
	}
	if l.index == nil {
		return entity.Slot{}, false, nil
	}
	return l.index.Slot(ctx, id)
}
