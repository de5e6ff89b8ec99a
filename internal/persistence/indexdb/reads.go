package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/entity"
)

// LoadCursor returns the last committed cursor for worldID.
func (s *SQLiteIndex) LoadCursor(ctx context.Context, worldID string) (int64, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, cursorKey(worldID)).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// SlotEnvelope returns the newest slot envelope the index has seen for id.
func (s *SQLiteIndex) SlotEnvelope(ctx context.Context, id string) (protocol.Envelope, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT raw_json FROM slots WHERE id=?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Envelope{}, false, nil
	}
	if err != nil {
		return protocol.Envelope{}, false, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return protocol.Envelope{}, false, err
	}
	return env, true, nil
}

// Slot decodes the newest slot the index has seen for id.
func (s *SQLiteIndex) Slot(ctx context.Context, id string) (entity.Slot, bool, error) {
	env, ok, err := s.SlotEnvelope(ctx, id)
	if err != nil || !ok {
		return entity.Slot{}, false, err
	}
	slot, ok := entity.DecodeSlot(&env)
	if !ok {
		return entity.Slot{}, false, fmt.Errorf("slot %s: stored envelope does not decode", id)
	}
	return slot, true, nil
}

type DecisionQuery struct {
	Author string
	Nonce  string
	SlotID string
	Limit  int
}

const selectDecision = `SELECT author,nonce,slot_id,action,action_id,action_at,expected_rev,state,
	COALESCE(code,''),COALESCE(reason,''),COALESCE(slot_event_id,''),COALESCE(revision,0),decided_at FROM decisions`

// Decisions returns recorded outcomes, newest first. Empty fields in q do
// not constrain the result.
func (s *SQLiteIndex) Decisions(ctx context.Context, q DecisionQuery) ([]authority.DecisionRecord, error) {
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectDecision+`
		WHERE (?1 = '' OR author = ?1) AND (?2 = '' OR nonce = ?2) AND (?3 = '' OR slot_id = ?3)
		ORDER BY decided_at DESC, action_id ASC LIMIT ?4`, q.Author, q.Nonce, q.SlotID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []authority.DecisionRecord
	for rows.Next() {
		var (
			r     authority.DecisionRecord
			state string
		)
		if err := rows.Scan(&r.Author, &r.Nonce, &r.SlotID, &r.Action, &r.ActionID, &r.ActionAt, &r.ExpectedRev,
			&state, &r.Code, &r.Reason, &r.SlotEventID, &r.Revision, &r.DecidedAt); err != nil {
			return nil, err
		}
		if err := r.State.UnmarshalText([]byte(state)); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
