// Package ws serves a development relay: NIP-01 over a relay.MemLog.
package ws

import (
	"context"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/relay"
)

const (
	maxSubsPerConn = 32
	outQueue       = 1024
)

type Server struct {
	log    *relay.MemLog
	logger *log.Logger

	// EventRate and EventBurst limit EVENT frames per connection. A zero
	// EventRate means unlimited.
	EventRate  rate.Limit
	EventBurst int

	upgrader websocket.Upgrader
	conns    atomic.Int64
	dropped  atomic.Uint64
}

func NewServer(l *relay.MemLog, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log:    l,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// Conns is the number of open connections.
func (s *Server) Conns() int64 { return s.conns.Load() }

// Dropped counts live events not delivered because a subscriber fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

type session struct {
	out     chan []byte
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string][]protocol.Filter
}

func (ss *session) send(b []byte) bool {
	select {
	case ss.out <- b:
		return true
	default:
		return false
	}
}

// push waits for queue space; replies to the client's own requests are not
// dropped.
func (ss *session) push(ctx context.Context, b []byte) bool {
	select {
	case ss.out <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.conns.Add(1)
		defer s.conns.Add(-1)

		ss := &session{out: make(chan []byte, outQueue), subs: map[string][]protocol.Filter{}}
		if s.EventRate > 0 {
			ss.limiter = rate.NewLimiter(s.EventRate, max(s.EventBurst, 1))
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-ss.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		unsubscribe := s.log.OnPublish(func(env protocol.Envelope) { s.fanout(ss, env) })
		defer unsubscribe()

		// Reader loop.
		for ctx.Err() == nil {
			_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			fr, err := protocol.DecodeClientFrame(msg)
			if err != nil {
				s.notice(ss, "error: "+err.Error())
				continue
			}
			switch fr.Type {
			case protocol.FrameReq:
				s.handleReq(ctx, ss, fr)
			case protocol.FrameEvent:
				s.handleEvent(ctx, ss, fr)
			case protocol.FrameClose:
				ss.mu.Lock()
				delete(ss.subs, fr.SubID)
				ss.mu.Unlock()
			}
		}

		cancel()
		<-writerDone
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	}
}

func (s *Server) handleReq(ctx context.Context, ss *session, fr protocol.ClientFrame) {
	if len(fr.Filters) == 0 {
		fr.Filters = []protocol.Filter{{}}
	}
	ss.mu.Lock()
	_, exists := ss.subs[fr.SubID]
	if !exists && len(ss.subs) >= maxSubsPerConn {
		ss.mu.Unlock()
		if b, err := protocol.EncodeClosed(fr.SubID, "error: too many subscriptions"); err == nil {
			ss.send(b)
		}
		return
	}
	// Registered before the stored query runs, so nothing published in
	// between is missed; a client may see such an event twice.
	ss.subs[fr.SubID] = fr.Filters
	ss.mu.Unlock()

	seen := map[string]struct{}{}
	var stored []protocol.Envelope
	for _, f := range fr.Filters {
		envs, err := s.log.Query(ctx, f)
		if err != nil {
			s.notice(ss, "error: "+err.Error())
			return
		}
		for _, env := range envs {
			if _, dup := seen[env.ID]; dup {
				continue
			}
			seen[env.ID] = struct{}{}
			stored = append(stored, env)
		}
	}
	sort.Slice(stored, func(i, j int) bool { return protocol.Before(&stored[j], &stored[i]) })
	for _, env := range stored {
		b, err := protocol.EncodeRelayEvent(fr.SubID, env)
		if err != nil {
			continue
		}
		if !ss.push(ctx, b) {
			return
		}
	}
	if b, err := protocol.EncodeEOSE(fr.SubID); err == nil {
		ss.push(ctx, b)
	}
}

func (s *Server) handleEvent(ctx context.Context, ss *session, fr protocol.ClientFrame) {
	env := fr.Event
	reply := func(ok bool, msg string) {
		if b, err := protocol.EncodeOK(env.ID, ok, msg); err == nil {
			ss.push(ctx, b)
		}
	}
	if ss.limiter != nil && !ss.limiter.Allow() {
		reply(false, "rate-limited: slow down")
		return
	}
	if err := protocol.ValidateEnvelope(fr.RawEvent); err != nil {
		reply(false, "invalid: "+err.Error())
		return
	}
	res, err := s.log.Publish(ctx, *env)
	if err != nil {
		msg := res.Rejected["memory"]
		if msg == "" {
			msg = "error: " + err.Error()
		}
		reply(false, msg)
		return
	}
	reply(true, "")
}

// fanout delivers a newly stored event to every matching subscription.
func (s *Server) fanout(ss *session, env protocol.Envelope) {
	ss.mu.Lock()
	var matched []string
	for id, filters := range ss.subs {
		for i := range filters {
			if filters[i].Matches(&env) {
				matched = append(matched, id)
				break
			}
		}
	}
	ss.mu.Unlock()
	for _, id := range matched {
		b, err := protocol.EncodeRelayEvent(id, env)
		if err != nil {
			continue
		}
		if !ss.send(b) {
			s.dropped.Add(1)
		}
	}
}

func (s *Server) notice(ss *session, msg string) {
	if b, err := protocol.EncodeNotice(msg); err == nil {
		ss.send(b)
	}
}
