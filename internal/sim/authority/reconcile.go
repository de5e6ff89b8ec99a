package authority

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/sim/entity"
)

type Config struct {
	WorldID      string
	PollInterval time.Duration
	// BatchLimit is the page size of one action query; MaxPages bounds the
	// number of pages fetched per cycle.
	BatchLimit  int
	MaxPages    int
	Workers     int
	CallTimeout time.Duration
	// CursorLookback re-reads this much history every cycle to pick up
	// actions that reached the log late.
	CursorLookback time.Duration
	RequireRipe    bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 500
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 5 * time.Second
	}
	if c.CursorLookback < 0 {
		c.CursorLookback = 0
	}
	return c
}

// Signer turns an unsigned envelope into a publishable one.
type Signer interface {
	PubKey() string
	Sign(env protocol.Envelope) (protocol.Envelope, error)
}

type Deps struct {
	Log    relay.Log
	Signer Signer
	Crops  CropLookup
	// Verifier, when set, drops actions and slots whose signature does not
	// check out.
	Verifier relay.Verifier
	Sinks    []Sink
	Cursor   CursorStore
	Logger   *log.Logger
	Tracer   trace.Tracer
	Now      func() time.Time
}

// CycleStats summarizes one reconciliation cycle.
type CycleStats struct {
	Fetched    int
	Malformed  int
	Foreign    int
	Duplicates int
	Applied    int
	Rejected   int
	Deferred   int
	// Backfill is set when the window was too large to process in order and
	// the cycle only narrowed it.
	Backfill bool
	Cursor   int64
}

// Stats are cumulative counters since the reconciler was created.
type Stats struct {
	Cycles        atomic.Int64
	Fetched       atomic.Int64
	Malformed     atomic.Int64
	Duplicates    atomic.Int64
	Applied       atomic.Int64
	Rejected      atomic.Int64
	Deferred      atomic.Int64
	QueryErrors   atomic.Int64
	PublishErrors atomic.Int64
	LastCycleUnix atomic.Int64
}

type Reconciler struct {
	cfg       Config
	log       relay.Log
	signer    Signer
	authority string
	crops     CropLookup
	verifier  relay.Verifier
	sinks     []Sink
	cursors   CursorStore
	logger    *log.Logger
	tracer    trace.Tracer
	now       func() time.Time

	memo  *Memo
	cache *SlotCache
	stats Stats

	cycleMu       sync.Mutex
	cursor        atomic.Int64
	backfillUntil int64
}

func New(cfg Config, deps Deps) (*Reconciler, error) {
	if cfg.WorldID == "" {
		return nil, errors.New("authority: world id required")
	}
	if deps.Log == nil || deps.Signer == nil {
		return nil, errors.New("authority: log and signer required")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard, "", 0)
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("plotrelay.dev/internal/sim/authority")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Reconciler{
		cfg:       cfg.withDefaults(),
		log:       deps.Log,
		signer:    deps.Signer,
		authority: deps.Signer.PubKey(),
		crops:     deps.Crops,
		verifier:  deps.Verifier,
		sinks:     deps.Sinks,
		cursors:   deps.Cursor,
		logger:    deps.Logger,
		tracer:    deps.Tracer,
		now:       deps.Now,
		memo:      NewMemo(),
		cache:     NewSlotCache(),
	}, nil
}

func (r *Reconciler) Stats() *Stats     { return &r.stats }
func (r *Reconciler) Memo() *Memo       { return r.memo }
func (r *Reconciler) Cache() *SlotCache { return r.cache }
func (r *Reconciler) Authority() string { return r.authority }
func (r *Reconciler) Cursor() int64     { return r.cursor.Load() }
func (r *Reconciler) SetCursor(c int64) { r.cursor.Store(c) }
func (r *Reconciler) WorldID() string   { return r.cfg.WorldID }
func (r *Reconciler) Config() Config    { return r.cfg }

// Run cycles until ctx is cancelled. A cycle in progress finishes before Run
// returns; undecided actions are picked up again on the next start.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		cs, err := r.Cycle(context.WithoutCancel(ctx))
		if err != nil {
			r.logger.Printf("cycle: %v", err)
		} else if cs.Applied+cs.Rejected+cs.Deferred > 0 || cs.Backfill {
			r.logger.Printf("cycle: fetched=%d applied=%d rejected=%d deferred=%d dup=%d malformed=%d backfill=%v cursor=%d",
				cs.Fetched, cs.Applied, cs.Rejected, cs.Deferred, cs.Duplicates, cs.Malformed, cs.Backfill, cs.Cursor)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycleRun accumulates counters from concurrent slot groups.
type cycleRun struct {
	mu            sync.Mutex
	stats         CycleStats
	oldestPending int64
}

func (c *cycleRun) add(f func(s *CycleStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.stats)
}

func (c *cycleRun) deferFrom(group []entity.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Deferred += len(group)
	for _, a := range group {
		if a.CreatedAt < c.oldestPending {
			c.oldestPending = a.CreatedAt
		}
	}
}

// Cycle runs one poll-validate-publish pass. An error means the action
// batch could not be fetched; per-slot I/O failures only defer that slot.
func (r *Reconciler) Cycle(ctx context.Context) (CycleStats, error) {
	r.cycleMu.Lock()
	defer r.cycleMu.Unlock()

	ctx, span := r.tracer.Start(ctx, "authority.cycle", trace.WithAttributes(
		attribute.String("plotrelay.world", r.cfg.WorldID),
		attribute.Int64("plotrelay.cursor", r.cursor.Load()),
	))
	defer span.End()

	r.stats.Cycles.Add(1)
	r.stats.LastCycleUnix.Store(r.now().Unix())

	run := &cycleRun{oldestPending: math.MaxInt64}
	envs, complete, err := r.fetch(ctx)
	if err != nil {
		r.stats.QueryErrors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch actions")
		return run.stats, fmt.Errorf("fetch actions: %w", err)
	}
	run.stats.Fetched = len(envs)
	r.stats.Fetched.Add(int64(len(envs)))

	if !complete {
		oldest := envs[len(envs)-1].CreatedAt
		r.backfillUntil = oldest
		run.stats.Backfill = true
		run.stats.Cursor = r.cursor.Load()
		span.SetAttributes(attribute.Int64("plotrelay.backfill_until", oldest))
		return run.stats, nil
	}
	windowTop := r.backfillUntil
	r.backfillUntil = 0

	sort.Slice(envs, func(i, j int) bool { return protocol.Before(&envs[i], &envs[j]) })
	order, groups := r.admit(envs, run)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, id := range order {
		group := groups[id]
		g.Go(func() error {
			r.applyGroup(gctx, group, run)
			return nil
		})
	}
	_ = g.Wait()

	r.advanceCursor(envs, run.oldestPending, windowTop)
	r.memo.Evict(r.cursor.Load())

	run.stats.Cursor = r.cursor.Load()
	r.stats.Malformed.Add(int64(run.stats.Malformed))
	r.stats.Duplicates.Add(int64(run.stats.Duplicates))
	r.stats.Applied.Add(int64(run.stats.Applied))
	r.stats.Rejected.Add(int64(run.stats.Rejected))
	r.stats.Deferred.Add(int64(run.stats.Deferred))
	span.SetAttributes(
		attribute.Int("plotrelay.applied", run.stats.Applied),
		attribute.Int("plotrelay.rejected", run.stats.Rejected),
		attribute.Int("plotrelay.deferred", run.stats.Deferred),
	)
	return run.stats, nil
}

// fetch pages actions newest first. complete is false when the page budget
// ran out before reaching the cursor; envs are then sorted newest first.
func (r *Reconciler) fetch(ctx context.Context) (envs []protocol.Envelope, complete bool, err error) {
	f := protocol.Filter{
		Kinds: []int{protocol.KindAction},
		Tags:  map[string][]string{protocol.TagDiscovery: {r.cfg.WorldID}},
		Limit: r.cfg.BatchLimit,
	}
	if c := r.cursor.Load(); c > 0 {
		f.Since = protocol.Int64(c)
	}
	if r.backfillUntil > 0 {
		f.Until = protocol.Int64(r.backfillUntil)
	}

	seen := map[string]struct{}{}
	for page := 0; page < r.cfg.MaxPages; page++ {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		batch, err := r.log.Query(cctx, f)
		cancel()
		if err != nil {
			return nil, false, err
		}
		added := 0
		oldest := int64(math.MaxInt64)
		for _, env := range batch {
			if env.CreatedAt < oldest {
				oldest = env.CreatedAt
			}
			if _, dup := seen[env.ID]; dup {
				continue
			}
			seen[env.ID] = struct{}{}
			envs = append(envs, env)
			added++
		}
		if len(batch) < r.cfg.BatchLimit {
			return envs, true, nil
		}
		until := oldest
		if added == 0 {
			// A single second holds more than a page. Read it whole before
			// stepping past it.
			more, err := r.drainSecond(ctx, f, oldest, seen)
			if err != nil {
				return nil, false, err
			}
			envs = append(envs, more...)
			until = oldest - 1
		}
		if f.Since != nil && until < *f.Since {
			return envs, true, nil
		}
		f.Until = protocol.Int64(until)
	}
	sort.Slice(envs, func(i, j int) bool { return protocol.Before(&envs[j], &envs[i]) })
	return envs, false, nil
}

// drainSecond re-reads the single second at with a growing limit until the
// page comes back short. A relay that caps the limit below what the second
// holds stops the growth; the rest of that second is then logged as lost.
func (r *Reconciler) drainSecond(ctx context.Context, f protocol.Filter, at int64, seen map[string]struct{}) ([]protocol.Envelope, error) {
	f.Since, f.Until = protocol.Int64(at), protocol.Int64(at)
	var out []protocol.Envelope
	for limit := 2 * r.cfg.BatchLimit; ; limit *= 2 {
		f.Limit = limit
		cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
		batch, err := r.log.Query(cctx, f)
		cancel()
		if err != nil {
			return nil, err
		}
		added := 0
		for _, env := range batch {
			if _, dup := seen[env.ID]; dup {
				continue
			}
			seen[env.ID] = struct{}{}
			out = append(out, env)
			added++
		}
		if len(batch) < limit {
			return out, nil
		}
		if added == 0 {
			r.logger.Printf("fetch: relay caps results at %d for second %d, remainder skipped", len(batch), at)
			return out, nil
		}
	}
}

// admit decodes, filters and groups actions by slot, keeping log order
// inside each group.
func (r *Reconciler) admit(envs []protocol.Envelope, run *cycleRun) ([]string, map[string][]entity.Action) {
	var order []string
	groups := map[string][]entity.Action{}
	for i := range envs {
		env := &envs[i]
		if r.verifier != nil {
			if err := r.verifier.Verify(env); err != nil {
				run.stats.Malformed++
				continue
			}
		}
		a, ok := entity.DecodeAction(env)
		if !ok {
			run.stats.Malformed++
			continue
		}
		if a.WorldID != r.cfg.WorldID {
			run.stats.Foreign++
			continue
		}
		k := KeyOf(a)
		if r.memo.State(k).Terminal() {
			run.stats.Duplicates++
			continue
		}
		if r.memo.Begin(k, a.CreatedAt) {
			for _, s := range r.sinks {
				s.ActionSeen(*env)
			}
		}
		if _, ok := groups[a.SlotID]; !ok {
			order = append(order, a.SlotID)
		}
		groups[a.SlotID] = append(groups[a.SlotID], a)
	}
	return order, groups
}

// applyGroup evaluates one slot's actions strictly in order. An I/O failure
// leaves the failing action and everything after it pending.
func (r *Reconciler) applyGroup(ctx context.Context, group []entity.Action, run *cycleRun) {
	for i, a := range group {
		if r.memo.State(KeyOf(a)).Terminal() {
			run.add(func(s *CycleStats) { s.Duplicates++ })
			continue
		}
		applied, err := r.applyOne(ctx, a)
		if err != nil {
			r.logger.Printf("defer %s (%d actions): %v", a.SlotID, len(group)-i, err)
			run.deferFrom(group[i:])
			return
		}
		run.add(func(s *CycleStats) {
			if applied {
				s.Applied++
			} else {
				s.Rejected++
			}
		})
	}
}

func (r *Reconciler) applyOne(ctx context.Context, a entity.Action) (applied bool, err error) {
	ctx, span := r.tracer.Start(ctx, "authority.apply", trace.WithAttributes(
		attribute.String("plotrelay.slot", a.SlotID),
		attribute.String("plotrelay.action", string(a.Kind)),
		attribute.String("plotrelay.event", a.EventID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "deferred")
		}
		span.End()
	}()

	cur, err := r.currentSlot(ctx, a.SlotID)
	if err != nil {
		return false, err
	}
	now := r.now().Unix()
	key := KeyOf(a)
	rec := DecisionRecord{
		Author:      a.Author,
		Nonce:       a.Nonce,
		SlotID:      a.SlotID,
		Action:      string(a.Kind),
		ActionID:    a.EventID,
		ActionAt:    a.CreatedAt,
		ExpectedRev: a.ExpectedRev,
		DecidedAt:   now,
	}

	d := Validate(a, cur, Rules{RequireRipe: r.cfg.RequireRipe, Crops: r.crops, Now: now})
	if !d.Accepted() {
		r.memo.Finish(key, StateRejected)
		rec.State, rec.Code, rec.Reason = StateRejected, d.Code, d.Reason
		span.SetAttributes(attribute.String("plotrelay.reject", d.Code))
		r.logger.Printf("reject %s %s nonce=%s author=%s: %s: %s", a.Kind, a.SlotID, a.Nonce, a.Author, d.Code, d.Reason)
		for _, s := range r.sinks {
			s.Decided(rec)
		}
		return false, nil
	}

	next := Next(a, cur, now, r.crops)
	env, err := r.signer.Sign(entity.EncodeSlot(next))
	if err != nil {
		return false, fmt.Errorf("sign slot %s: %w", a.SlotID, err)
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	_, err = r.log.Publish(cctx, env)
	cancel()
	if err != nil {
		r.stats.PublishErrors.Add(1)
		// The log may know a slot we have not seen; resolve it again.
		r.cache.Forget(a.SlotID)
		return false, fmt.Errorf("publish slot %s: %w", a.SlotID, err)
	}

	next.Meta = entity.Meta{EventID: env.ID, Author: env.PubKey, CreatedAt: env.CreatedAt}
	r.cache.Put(a.SlotID, &next)
	r.memo.Finish(key, StateApplied)
	rec.State = StateApplied
	rec.SlotEventID = env.ID
	rec.Revision = entity.RevisionOf(&next)
	for _, s := range r.sinks {
		s.SlotPublished(env)
		s.Decided(rec)
	}
	return true, nil
}

// currentSlot returns the latest authoritative slot, or nil when none was
// ever published. Only slots signed by this authority count.
func (r *Reconciler) currentSlot(ctx context.Context, id string) (*entity.Slot, error) {
	if s, known := r.cache.Get(id); known {
		return s, nil
	}
	cctx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	envs, err := r.log.Query(cctx, protocol.Filter{
		Kinds:   []int{protocol.KindSlot},
		Authors: []string{r.authority},
		Tags:    map[string][]string{protocol.TagID: {id}},
	})
	if err != nil {
		r.stats.QueryErrors.Add(1)
		return nil, fmt.Errorf("resolve slot %s: %w", id, err)
	}
	var best *entity.Slot
	for i := range envs {
		if envs[i].PubKey != r.authority {
			continue
		}
		if r.verifier != nil {
			if err := r.verifier.Verify(&envs[i]); err != nil {
				r.logger.Printf("slot %s: dropping %s: %v", id, envs[i].ID, err)
				continue
			}
		}
		s, ok := entity.DecodeSlot(&envs[i])
		if !ok || s.ID != id {
			continue
		}
		if entity.Newer(&s, best) {
			best = &s
		}
	}
	r.cache.Put(id, best)
	return best, nil
}

// advanceCursor moves the poll cursor forward, never past the oldest pending
// action. A completed backfill window [cursor, windowTop] is fully known, so
// the cursor may skip past its top.
func (r *Reconciler) advanceCursor(envs []protocol.Envelope, oldestPending int64, windowTop int64) {
	var horizon int64
	switch {
	case windowTop > 0:
		horizon = windowTop + 1
	case len(envs) > 0:
		horizon = envs[len(envs)-1].CreatedAt - int64(r.cfg.CursorLookback/time.Second)
	default:
		return
	}
	if oldestPending < horizon {
		horizon = oldestPending
	}
	if horizon <= r.cursor.Load() {
		return
	}
	r.cursor.Store(horizon)
	if r.cursors != nil {
		r.cursors.SaveCursor(r.cfg.WorldID, horizon)
	}
}
