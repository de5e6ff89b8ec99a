// Package observer serves the read-only HTTP view of the authority: slots
// with their derived growth, and recorded decisions.
package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"plotrelay.dev/internal/persistence/indexdb"
	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/authority"
	"plotrelay.dev/internal/sim/entity"
	"plotrelay.dev/internal/sim/growth"
)

// SlotSource finds the latest authoritative slot.
type SlotSource interface {
	Slot(ctx context.Context, id string) (entity.Slot, bool, error)
}

type DecisionSource interface {
	Decisions(ctx context.Context, q indexdb.DecisionQuery) ([]authority.DecisionRecord, error)
}

type Server struct {
	slots     SlotSource
	decisions DecisionSource
	crops     authority.CropLookup
	log       *log.Logger
	now       func() time.Time

	// LoopbackOnly refuses requests that do not come from this host.
	LoopbackOnly bool
}

func NewServer(slots SlotSource, decisions DecisionSource, crops authority.CropLookup, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		slots:     slots,
		decisions: decisions,
		crops:     crops,
		log:       logger,
		now:       time.Now,
	}
}

// Register mounts the API on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/slots/{id}", s.guard(s.SlotHandler()))
	mux.HandleFunc("GET /v1/decisions", s.guard(s.DecisionsHandler()))
}

func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.LoopbackOnly && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

type SlotView struct {
	ID        string `json:"id"`
	WorldID   string `json:"world_id"`
	MapID     string `json:"map_id"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Kind      string `json:"kind"`
	Revision  int64  `json:"revision"`
	EventID   string `json:"event_id"`
	CreatedAt int64  `json:"created_at"`

	Crop      string `json:"crop,omitempty"`
	PlantedAt int64  `json:"planted_at,omitempty"`
	ReadyAt   *int64 `json:"ready_at,omitempty"`
	// Growth is derived at request time and only present for occupied slots
	// whose crop is in the catalog.
	Growth *GrowthView `json:"growth,omitempty"`

	LastHarvestedAt *int64 `json:"last_harvested_at,omitempty"`
}

type GrowthView struct {
	Stage    int  `json:"stage"`
	MaxStage int  `json:"max_stage"`
	Ripe     bool `json:"ripe"`
	// NextStageIn is omitted once the crop reached its last stage.
	NextStageIn *int64 `json:"next_stage_in_sec,omitempty"`
	AsOf        int64  `json:"as_of"`
}

func (s *Server) SlotHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		slot, ok, err := s.slots.Slot(r.Context(), id)
		if err != nil {
			s.log.Printf("slot %s: %v", id, err)
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "slot lookup failed")
			return
		}
		if !ok {
			writeError(rw, http.StatusNotFound, protocol.ErrInvalidTarget, "no such slot")
			return
		}
		writeJSON(rw, http.StatusOK, ViewOf(slot, s.crops, s.now().Unix()))
	}
}

// ViewOf renders slot with its growth derived at now. Growth is omitted for
// empty slots and crops crops does not know.
func ViewOf(slot entity.Slot, crops authority.CropLookup, now int64) SlotView {
	v := SlotView{
		ID:              slot.ID,
		WorldID:         slot.WorldID,
		MapID:           slot.MapID,
		X:               slot.Coord.X,
		Y:               slot.Coord.Y,
		Kind:            string(slot.Kind),
		Revision:        entity.RevisionOf(&slot),
		EventID:         slot.EventID,
		CreatedAt:       slot.CreatedAt,
		LastHarvestedAt: slot.LastHarvestedAt,
	}
	if slot.Kind != entity.SlotOccupied {
		return v
	}
	v.Crop = slot.Crop
	v.PlantedAt = slot.PlantedAt
	v.ReadyAt = slot.ReadyAt
	if crops == nil {
		return v
	}
	meta, ok := crops.Crop(slot.Crop)
	if !ok {
		return v
	}
	stage := growth.ComputeStage(slot.PlantedAt, now, meta)
	g := &GrowthView{
		Stage:    stage,
		MaxStage: growth.MaxStage(meta),
		Ripe:     growth.IsRipe(slot.PlantedAt, now, meta),
		AsOf:     now,
	}
	if secs, ok := growth.SecondsUntilNextStage(slot.PlantedAt, now, meta, stage); ok {
		g.NextStageIn = &secs
	}
	v.Growth = g
	return v
}

func (s *Server) DecisionsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		dq := indexdb.DecisionQuery{
			Author: strings.TrimSpace(q.Get("author")),
			Nonce:  strings.TrimSpace(q.Get("nonce")),
			SlotID: strings.TrimSpace(q.Get("slot")),
		}
		if l := q.Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 {
				writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "limit must be a positive integer")
				return
			}
			dq.Limit = n
		}
		if dq.Author == "" && dq.Nonce == "" && dq.SlotID == "" {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "one of author, nonce or slot is required")
			return
		}
		if s.decisions == nil {
			writeError(rw, http.StatusServiceUnavailable, protocol.ErrInternal, "decision ledger disabled")
			return
		}
		recs, err := s.decisions.Decisions(r.Context(), dq)
		if err != nil {
			s.log.Printf("decisions: %v", err)
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "decision lookup failed")
			return
		}
		if recs == nil {
			recs = []authority.DecisionRecord{}
		}
		writeJSON(rw, http.StatusOK, map[string]any{"decisions": recs})
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, map[string]string{"code": code, "message": msg})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
