package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"plotrelay.dev/internal/protocol"
)

type replaceKey struct {
	pubkey string
	kind   int
	d      string
}

// MemLog is an in-process log with relay semantics: results newest first,
// limit honoured, and replaceable kinds keep only the newest event per
// (pubkey, kind, d).
type MemLog struct {
	verifier Verifier

	mu       sync.RWMutex
	byID     map[string]protocol.Envelope
	replaced map[replaceKey]string
	closed   bool

	listenMu  sync.Mutex
	nextID    int
	listeners map[int]func(protocol.Envelope)
}

func NewMemLog(verifier Verifier) *MemLog {
	return &MemLog{
		verifier:  verifier,
		byID:      map[string]protocol.Envelope{},
		replaced:  map[replaceKey]string{},
		listeners: map[int]func(protocol.Envelope){},
	}
}

func (m *MemLog) Query(ctx context.Context, f protocol.Filter) ([]protocol.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []protocol.Envelope
	for _, env := range m.byID {
		if f.Matches(&env) {
			out = append(out, env)
		}
	}
	sort.Slice(out, func(i, j int) bool { return protocol.Before(&out[j], &out[i]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemLog) Publish(ctx context.Context, env protocol.Envelope) (PublishResult, error) {
	const dest = "memory"
	var res PublishResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	stored, reason := m.admit(&env)
	if reason != "" {
		res.reject(dest, reason)
		return res, fmt.Errorf("%w: %s", ErrRejected, reason)
	}
	res.accept(dest)
	if stored {
		m.notify(env)
	}
	return res, nil
}

// admit stores env. A duplicate is accepted but not stored again; any other
// refusal comes back as a reason.
func (m *MemLog) admit(env *protocol.Envelope) (stored bool, reason string) {
	if env.ID != env.Hash() {
		return false, "invalid: event id does not match"
	}
	if m.verifier != nil {
		if err := m.verifier.Verify(env); err != nil {
			return false, "invalid: " + err.Error()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, "error: closed"
	}
	if _, dup := m.byID[env.ID]; dup {
		return false, ""
	}
	if protocol.IsReplaceable(env.Kind) {
		k := replaceKey{pubkey: env.PubKey, kind: env.Kind, d: env.DTag()}
		if prevID, ok := m.replaced[k]; ok {
			prev := m.byID[prevID]
			if !supersedes(env, &prev) {
				return false, "replaced: have newer event"
			}
			delete(m.byID, prevID)
		}
		m.replaced[k] = env.ID
	}
	m.byID[env.ID] = *env
	return true, ""
}

// OnPublish registers fn for every newly accepted event. The returned func
// unregisters it.
func (m *MemLog) OnPublish(fn func(protocol.Envelope)) func() {
	m.listenMu.Lock()
	defer m.listenMu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.listenMu.Lock()
		defer m.listenMu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *MemLog) notify(env protocol.Envelope) {
	m.listenMu.Lock()
	fns := make([]func(protocol.Envelope), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenMu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (m *MemLog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *MemLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// supersedes reports whether a replaces b under a replaceable key: newer
// created_at wins, ties keep the lower id.
func supersedes(a, b *protocol.Envelope) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID < b.ID
}
