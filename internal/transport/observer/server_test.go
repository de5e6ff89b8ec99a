package observer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"plotrelay.dev/internal/persistence/indexdb"
	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/catalogs"
	"plotrelay.dev/internal/sim/entity"
)

type fakeSlots map[string]protocol.Envelope

func (f fakeSlots) Slot(_ context.Context, id string) (entity.Slot, bool, error) {
	if id == "boom" {
		return entity.Slot{}, false, errors.New("disk on fire")
	}
	env, ok := f[id]
	if !ok {
		return entity.Slot{}, false, nil
	}
	slot, ok := entity.DecodeSlot(&env)
	return slot, ok, nil
}

type fakeDecisions struct {
	got  indexdb.DecisionQuery
	recs []authority.DecisionRecord
}

func (f *fakeDecisions) Decisions(_ context.Context, q indexdb.DecisionQuery) ([]authority.DecisionRecord, error) {
	f.got = q
	return f.recs, nil
}

func newTestServer(t *testing.T, slots fakeSlots, dec *fakeDecisions, now int64) *httptest.Server {
	t.Helper()
	cat, err := catalogs.Parse([]byte(`{"crops":[{"id":"carrot","total_stages":4,"stage_duration_sec":100}]}`))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	s := NewServer(slots, dec, cat, nil)
	s.now = func() time.Time { return time.Unix(now, 0) }
	mux := http.NewServeMux()
	s.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func occupiedEnv(crop string, plantedAt int64) protocol.Envelope {
	c := entity.Coord{X: 3, Y: 4}
	env := entity.EncodeSlot(entity.Slot{
		ID: entity.SlotID("w", "m", c), WorldID: "w", MapID: "m", Coord: c,
		Kind: entity.SlotOccupied, Crop: crop, PlantedAt: plantedAt,
	})
	env.CreatedAt = plantedAt
	env.PubKey = "auth"
	env.ID = env.Hash()
	return env
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestSlotHandler_DerivesGrowth(t *testing.T) {
	slots := fakeSlots{"w:m:3:4": occupiedEnv("carrot", 1000)}
	srv := newTestServer(t, slots, &fakeDecisions{}, 1150)

	var v SlotView
	if code := getJSON(t, srv.URL+"/v1/slots/w:m:3:4", &v); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if v.Kind != "occupied" || v.Crop != "carrot" || v.Revision != 1000 || v.X != 3 || v.Y != 4 {
		t.Fatalf("view=%+v", v)
	}
	if v.Growth == nil {
		t.Fatalf("missing growth")
	}
	g := v.Growth
	if g.Stage != 1 || g.MaxStage != 3 || g.Ripe || g.NextStageIn == nil || *g.NextStageIn != 50 || g.AsOf != 1150 {
		t.Fatalf("growth=%+v next=%v", g, g.NextStageIn)
	}
}

func TestSlotHandler_RipeAndUnknownCrop(t *testing.T) {
	slots := fakeSlots{
		"ripe":    occupiedEnv("carrot", 0),
		"mystery": occupiedEnv("mandrake", 0),
	}
	srv := newTestServer(t, slots, &fakeDecisions{}, 10_000)

	var ripe SlotView
	getJSON(t, srv.URL+"/v1/slots/ripe", &ripe)
	if ripe.Growth == nil || !ripe.Growth.Ripe || ripe.Growth.Stage != 3 || ripe.Growth.NextStageIn != nil {
		t.Fatalf("ripe growth=%+v", ripe.Growth)
	}

	var mystery SlotView
	getJSON(t, srv.URL+"/v1/slots/mystery", &mystery)
	if mystery.Growth != nil || mystery.Crop != "mandrake" {
		t.Fatalf("unknown crop should have no growth: %+v", mystery)
	}
}

func TestSlotHandler_Errors(t *testing.T) {
	srv := newTestServer(t, fakeSlots{}, &fakeDecisions{}, 0)

	var body map[string]string
	if code := getJSON(t, srv.URL+"/v1/slots/nope", &body); code != http.StatusNotFound || body["code"] != protocol.ErrInvalidTarget {
		t.Fatalf("status=%d body=%v", code, body)
	}
	if code := getJSON(t, srv.URL+"/v1/slots/boom", &body); code != http.StatusInternalServerError || body["code"] != protocol.ErrInternal {
		t.Fatalf("status=%d body=%v", code, body)
	}
}

func TestDecisionsHandler(t *testing.T) {
	dec := &fakeDecisions{recs: []authority.DecisionRecord{{
		Author: "alice", Nonce: "n1", SlotID: "w:m:0:0", Action: "plant",
		State: authority.StateRejected, Code: protocol.ErrStale,
	}}}
	srv := newTestServer(t, fakeSlots{}, dec, 0)

	var resp struct {
		Decisions []authority.DecisionRecord `json:"decisions"`
	}
	if code := getJSON(t, srv.URL+"/v1/decisions?author=alice&nonce=n1&limit=5", &resp); code != http.StatusOK {
		t.Fatalf("status=%d", code)
	}
	if dec.got.Author != "alice" || dec.got.Nonce != "n1" || dec.got.Limit != 5 {
		t.Fatalf("query=%+v", dec.got)
	}
	if len(resp.Decisions) != 1 || resp.Decisions[0].State != authority.StateRejected || resp.Decisions[0].Code != protocol.ErrStale {
		t.Fatalf("decisions=%+v", resp.Decisions)
	}

	if code := getJSON(t, srv.URL+"/v1/decisions", nil); code != http.StatusBadRequest {
		t.Fatalf("unfiltered query status=%d", code)
	}
	if code := getJSON(t, srv.URL+"/v1/decisions?author=a&limit=x", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", code)
	}
}

func TestDecisionsHandler_LedgerDisabled(t *testing.T) {
	s := NewServer(fakeSlots{}, nil, nil, nil)
	mux := http.NewServeMux()
	s.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/decisions?nonce=n", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestLoopbackOnly(t *testing.T) {
	s := NewServer(fakeSlots{}, &fakeDecisions{}, nil, nil)
	s.LoopbackOnly = true
	mux := http.NewServeMux()
	s.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/decisions?author=a", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote status=%d", rec.Code)
	}

	req.RemoteAddr = "127.0.0.1:4000"
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback status=%d", rec.Code)
	}
}
