package relay

import (
	"context"
	"errors"
	"testing"

	"plotrelay.dev/internal/protocol"
)

func mkEnv(kind int, pubkey string, at int64, tags protocol.Tags) protocol.Envelope {
	env := protocol.Envelope{PubKey: pubkey, CreatedAt: at, Kind: kind, Tags: tags}
	env.ID = env.Hash()
	return env
}

func TestMemLog_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemLog(nil)
	for i := int64(1); i <= 5; i++ {
		if _, err := m.Publish(ctx, mkEnv(protocol.KindAction, "a", i, protocol.Tags{{"t", "w1"}})); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_, _ = m.Publish(ctx, mkEnv(protocol.KindAction, "a", 9, protocol.Tags{{"t", "w2"}}))

	got, err := m.Query(ctx, protocol.Filter{Kinds: []int{protocol.KindAction}, Tags: map[string][]string{"t": {"w1"}}, Limit: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 || got[0].CreatedAt != 5 || got[2].CreatedAt != 3 {
		t.Fatalf("unexpected page: %+v", got)
	}
}

func TestMemLog_ReplaceableKeepsNewest(t *testing.T) {
	ctx := context.Background()
	m := NewMemLog(nil)
	d := protocol.Tags{{"d", "w:m:0:0"}}
	older := mkEnv(protocol.KindSlot, "auth", 10, d)
	newer := mkEnv(protocol.KindSlot, "auth", 20, d)
	other := mkEnv(protocol.KindSlot, "mallory", 30, d)

	for _, env := range []protocol.Envelope{older, newer, other} {
		if _, err := m.Publish(ctx, env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if _, err := m.Publish(ctx, mkEnv(protocol.KindSlot, "auth", 15, d)); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected stale replaceable to be rejected, got %v", err)
	}
	got, _ := m.Query(ctx, protocol.Filter{Kinds: []int{protocol.KindSlot}, Authors: []string{"auth"}, Tags: map[string][]string{"d": {"w:m:0:0"}}})
	if len(got) != 1 || got[0].ID != newer.ID {
		t.Fatalf("expected only the newest authority slot, got %+v", got)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 stored events, got %d", m.Len())
	}
}

func TestMemLog_RejectsBadIDAndNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemLog(nil)
	var seen int
	stop := m.OnPublish(func(protocol.Envelope) { seen++ })

	env := mkEnv(protocol.KindAction, "a", 1, nil)
	bad := env
	bad.Content = "tampered"
	if _, err := m.Publish(ctx, bad); !errors.Is(err, ErrRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.Publish(ctx, env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	stop()
	_, _ = m.Publish(ctx, mkEnv(protocol.KindAction, "a", 2, nil))
	if seen != 1 {
		t.Fatalf("expected one notification, got %d", seen)
	}
}

type denyAll struct{}

func (denyAll) Verify(*protocol.Envelope) error { return errors.New("bad signature") }

func TestMemLog_Verifier(t *testing.T) {
	m := NewMemLog(denyAll{})
	res, err := m.Publish(context.Background(), mkEnv(protocol.KindAction, "a", 1, nil))
	if !errors.Is(err, ErrRejected) || res.Rejected["memory"] == "" {
		t.Fatalf("expected verifier rejection, got %v %+v", err, res)
	}
}

func TestMemLog_Closed(t *testing.T) {
	m := NewMemLog(nil)
	_ = m.Close()
	if _, err := m.Query(context.Background(), protocol.Filter{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
