package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/catalogs"
	"plotrelay.dev/internal/sim/entity"
)

// SQLiteIndex is a queryable ledger of what the authority observed and
// decided. It is secondary: the log stays the source of truth and the index
// can be rebuilt by replaying the journal.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropAction   atomic.Uint64
	dropDecision atomic.Uint64
	dropSlot     atomic.Uint64
	dropCursor   atomic.Uint64

	// failedBatches counts transactions lost to a statement, begin or commit
	// error; lostRows counts the writes they carried.
	failedBatches atomic.Uint64
	lostRows      atomic.Uint64
}

type reqKind int

const (
	reqAction reqKind = iota + 1
	reqDecision
	reqSlot
	reqCursor
	// reqSync acknowledges once everything queued before it is committed.
	reqSync
)

type req struct {
	kind reqKind

	env      protocol.Envelope
	decision authority.DecisionRecord
	slot     entity.Slot
	world    string
	cursor   int64
	done     chan struct{}
}

type Stats struct {
	QueueDepth        int
	QueueCapacity     int
	DropActionTotal   uint64
	DropDecisionTotal uint64
	DropSlotTotal     uint64
	DropCursorTotal   uint64
	FailedBatchTotal  uint64
	LostRowTotal      uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer connection plus readers for the HTTP API; WAL lets them
	// proceed while the writer holds a transaction.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS actions (
			event_id TEXT PRIMARY KEY,
			author TEXT NOT NULL,
			slot_id TEXT NOT NULL,
			action TEXT NOT NULL,
			nonce TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_actions_slot ON actions(slot_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			author TEXT NOT NULL,
			nonce TEXT NOT NULL,
			slot_id TEXT NOT NULL,
			action TEXT NOT NULL,
			action_id TEXT NOT NULL,
			action_at INTEGER NOT NULL,
			expected_rev INTEGER NOT NULL,
			state TEXT NOT NULL,
			code TEXT,
			reason TEXT,
			slot_event_id TEXT,
			revision INTEGER,
			decided_at INTEGER NOT NULL,
			PRIMARY KEY (author, nonce, slot_id, action)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_nonce ON decisions(nonce);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_decided ON decisions(decided_at);`,
		`CREATE TABLE IF NOT EXISTS slots (
			id TEXT PRIMARY KEY,
			world_id TEXT NOT NULL,
			map_id TEXT NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			kind TEXT NOT NULL,
			crop TEXT,
			revision INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_slots_map ON slots(world_id, map_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		// The journal still has it; the index catches up on rebuild.
		drops.Add(1)
	}
}

func (s *SQLiteIndex) ActionSeen(env protocol.Envelope) {
	s.enqueue(req{kind: reqAction, env: env}, &s.dropAction)
}

func (s *SQLiteIndex) Decided(rec authority.DecisionRecord) {
	s.enqueue(req{kind: reqDecision, decision: rec}, &s.dropDecision)
}

func (s *SQLiteIndex) SlotPublished(env protocol.Envelope) {
	slot, ok := entity.DecodeSlot(&env)
	if !ok {
		return
	}
	s.enqueue(req{kind: reqSlot, env: env, slot: slot}, &s.dropSlot)
}

func (s *SQLiteIndex) SaveCursor(worldID string, cursor int64) {
	s.enqueue(req{kind: reqCursor, world: worldID, cursor: cursor}, &s.dropCursor)
}

// Sync blocks until everything queued so far is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return errors.New("index closed")
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:        len(s.ch),
		QueueCapacity:     cap(s.ch),
		DropActionTotal:   s.dropAction.Load(),
		DropDecisionTotal: s.dropDecision.Load(),
		DropSlotTotal:     s.dropSlot.Load(),
		DropCursorTotal:   s.dropCursor.Load(),
		FailedBatchTotal:  s.failedBatches.Load(),
		LostRowTotal:      s.lostRows.Load(),
	}
}

// UpsertCropCatalog stores the crop catalog the authority runs with, so an
// operator can tell which metadata produced a decision.
func (s *SQLiteIndex) UpsertCropCatalog(cat *catalogs.CropCatalog) error {
	if s == nil || cat == nil {
		return nil
	}
	defs := make([]catalogs.CropDef, 0, len(cat.ByID))
	for _, id := range cat.IDs() {
		defs = append(defs, cat.ByID[id])
	}
	b, err := json.Marshal(defs)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`,
		"crops", cat.Digest, string(b), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertAction, _ := s.db.Prepare(`INSERT OR IGNORE INTO actions(event_id,author,slot_id,action,nonce,created_at,raw_json) VALUES(?,?,?,?,?,?,?)`)
	// Terminal decisions are final: a later re-evaluation never overwrites one.
	insertDecision, _ := s.db.Prepare(`INSERT OR IGNORE INTO decisions(author,nonce,slot_id,action,action_id,action_at,expected_rev,state,code,reason,slot_event_id,revision,decided_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	upsertSlot, _ := s.db.Prepare(`INSERT INTO slots(id,world_id,map_id,x,y,kind,crop,revision,event_id,created_at,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET world_id=excluded.world_id, map_id=excluded.map_id, x=excluded.x, y=excluded.y,
			kind=excluded.kind, crop=excluded.crop, revision=excluded.revision, event_id=excluded.event_id,
			created_at=excluded.created_at, raw_json=excluded.raw_json
		WHERE excluded.created_at > slots.created_at`)
	upsertMeta, _ := s.db.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertAction, insertDecision, upsertSlot, upsertMeta} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 1000
		commitMaxWait = 250 * time.Millisecond
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.failedBatches.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failedBatches.Add(1)
			s.lostRows.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			s.failedBatches.Add(1)
			s.lostRows.Add(uint64(opCount) + 1)
			rollback()
			return
		}
		opCount++
	}

	ticker := time.NewTicker(commitMaxWait)
	defer ticker.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-ticker.C:
			flushIfNeeded()
			continue
		}

		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			s.lostRows.Add(1)
			continue
		}
		switch r.kind {
		case reqAction:
			a, ok := entity.DecodeAction(&r.env)
			if !ok {
				break
			}
			raw, _ := json.Marshal(r.env)
			exec(insertAction, r.env.ID, a.Author, a.SlotID, string(a.Kind), a.Nonce, a.CreatedAt, string(raw))

		case reqDecision:
			d := r.decision
			exec(insertDecision, d.Author, d.Nonce, d.SlotID, d.Action, d.ActionID, d.ActionAt, d.ExpectedRev,
				d.State.String(), nullString(d.Code), nullString(d.Reason), nullString(d.SlotEventID), d.Revision, d.DecidedAt)

		case reqSlot:
			sl := r.slot
			raw, _ := json.Marshal(r.env)
			exec(upsertSlot, sl.ID, sl.WorldID, sl.MapID, sl.Coord.X, sl.Coord.Y, string(sl.Kind), nullString(sl.Crop),
				entity.RevisionOf(&sl), sl.EventID, sl.CreatedAt, string(raw))

		case reqCursor:
			exec(upsertMeta, cursorKey(r.world), strconv.FormatInt(r.cursor, 10))
		}
		flushIfNeeded()
	}
}

func cursorKey(worldID string) string { return "cursor:" + worldID }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
