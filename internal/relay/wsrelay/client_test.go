package wsrelay_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"plotrelay.dev/internal/identity"
	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/relay"
	"plotrelay.dev/internal/relay/wsrelay"
	"plotrelay.dev/internal/sim/entity"
	"plotrelay.dev/internal/transport/ws"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startDevRelay(t *testing.T) (*relay.MemLog, *wsrelay.Client) {
	t.Helper()
	mem := relay.NewMemLog(identity.Verifier{})
	srv := httptest.NewServer(ws.NewServer(mem, nil).Handler())
	t.Cleanup(srv.Close)
	return mem, wsrelay.New(wsURL(srv), nil)
}

func signedAction(t *testing.T, s *identity.KeySigner, world string, x int, at int64) protocol.Envelope {
	t.Helper()
	c := entity.Coord{X: x, Y: 0}
	env := entity.EncodeAction(entity.Action{
		WorldID: world, MapID: "m", Coord: c, SlotID: entity.SlotID(world, "m", c),
		Kind: entity.ActionHarvest, Nonce: "n",
	})
	env.CreatedAt = at
	env, err := s.Sign(env)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return env
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_PublishAndQuery(t *testing.T) {
	mem, c := startDevRelay(t)
	signer, err := identity.GenerateKeySigner()
	if err != nil {
		t.Fatalf("signer: %v", err)
	}

	for i, world := range []string{"w1", "w1", "w2"} {
		env := signedAction(t, signer, world, i, int64(100+i))
		res, err := c.Publish(ctxTimeout(t, 5*time.Second), env)
		if err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		if len(res.Accepted) != 1 || res.Accepted[0] != c.URL() {
			t.Fatalf("accepted=%v", res.Accepted)
		}
	}
	if mem.Len() != 3 {
		t.Fatalf("stored=%d", mem.Len())
	}

	got, err := c.Query(ctxTimeout(t, 5*time.Second), protocol.Filter{
		Kinds: []int{protocol.KindAction},
		Tags:  map[string][]string{protocol.TagDiscovery: {"w1"}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].CreatedAt != 101 || got[1].CreatedAt != 100 {
		t.Fatalf("want w1 actions newest first, got %+v", got)
	}
}

func TestClient_PublishRejected(t *testing.T) {
	_, c := startDevRelay(t)
	signer, _ := identity.GenerateKeySigner()
	env := signedAction(t, signer, "w1", 0, 100)
	env.Sig = strings.Repeat("0", 128)

	res, err := c.Publish(ctxTimeout(t, 5*time.Second), env)
	if !errors.Is(err, relay.ErrRejected) {
		t.Fatalf("want ErrRejected, got %v", err)
	}
	if !strings.HasPrefix(res.Rejected[c.URL()], "invalid:") {
		t.Fatalf("rejected=%v", res.Rejected)
	}
}

// scriptedRelay answers every REQ with the given frames, ignoring its
// filter.
func scriptedRelay(t *testing.T, frames func(subID string) [][]byte) string {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fr, err := protocol.DecodeClientFrame(msg)
			if err != nil || fr.Type != protocol.FrameReq {
				continue
			}
			for _, b := range frames(fr.SubID) {
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return wsURL(srv)
}

func TestClient_QueryDropsInvalidEvents(t *testing.T) {
	signer, _ := identity.GenerateKeySigner()
	good := signedAction(t, signer, "w1", 0, 100)
	tampered := signedAction(t, signer, "w1", 1, 101)
	tampered.CreatedAt = 999
	other := signedAction(t, signer, "w2", 2, 102)

	url := scriptedRelay(t, func(sub string) [][]byte {
		enc := func(s string, env protocol.Envelope) []byte {
			b, _ := protocol.EncodeRelayEvent(s, env)
			return b
		}
		eose, _ := protocol.EncodeEOSE(sub)
		return [][]byte{
			[]byte(`["EVENT"`),
			enc(sub, tampered),
			enc(sub, other),
			enc("someone-else", good),
			[]byte(`["EVENT","` + sub + `",{"id":"x"}]`),
			enc(sub, good),
			eose,
		}
	})

	got, err := wsrelay.New(url, nil).Query(ctxTimeout(t, 5*time.Second), protocol.Filter{
		Tags: map[string][]string{protocol.TagDiscovery: {"w1"}},
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != good.ID {
		t.Fatalf("want only the valid matching event, got %+v", got)
	}
}

func TestClient_QueryTimesOutWithoutEOSE(t *testing.T) {
	url := scriptedRelay(t, func(string) [][]byte { return nil })

	start := time.Now()
	_, err := wsrelay.New(url, nil).Query(ctxTimeout(t, 200*time.Millisecond), protocol.Filter{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("query did not honour its deadline")
	}
}

func TestClient_QueryClosedByRelay(t *testing.T) {
	url := scriptedRelay(t, func(sub string) [][]byte {
		b, _ := protocol.EncodeClosed(sub, "error: shutting down")
		return [][]byte{b}
	})
	_, err := wsrelay.New(url, nil).Query(ctxTimeout(t, 5*time.Second), protocol.Filter{})
	if err == nil || !strings.Contains(err.Error(), "shutting down") {
		t.Fatalf("want closed error, got %v", err)
	}
}

func TestClient_DialFailure(t *testing.T) {
	_, err := wsrelay.New("ws://127.0.0.1:1", nil).Query(ctxTimeout(t, 2*time.Second), protocol.Filter{})
	if err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestPool_OverWebsocketDestinations(t *testing.T) {
	memA, a := startDevRelay(t)
	_, b := startDevRelay(t)
	pool := relay.NewPool(nil, 5*time.Second,
		relay.Destination{Name: "a", Log: a, Required: true},
		relay.Destination{Name: "b", Log: b},
	)
	signer, _ := identity.GenerateKeySigner()
	env := signedAction(t, signer, "w1", 0, 100)

	res, err := pool.Publish(context.Background(), env)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(res.Accepted) != 2 {
		t.Fatalf("accepted=%v", res.Accepted)
	}
	if memA.Len() != 1 {
		t.Fatalf("relay a stored %d", memA.Len())
	}
	got, err := pool.Query(context.Background(), protocol.Filter{IDs: []string{env.ID}})
	if err != nil || len(got) != 1 {
		t.Fatalf("query got=%d err=%v", len(got), err)
	}
}
