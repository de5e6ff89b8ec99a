package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/sim/authority"
)

// MirrorConfig configures the HTTP ingest mirror. A remote endpoint gets a
// copy of every decision and slot publish, so clients can learn about
// rejections without access to the authority host.
type MirrorConfig struct {
	Endpoint      string
	Token         string
	WorldID       string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// RetryBackoff is the first delay between attempts; it doubles.
	RetryBackoff time.Duration
	// MaxRetained bounds how many events survive failed flushes.
	MaxRetained int
	Logger      *log.Logger
}

type HTTPMirror struct {
	cfg        MirrorConfig
	httpClient *http.Client

	ch   chan mirrorEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped  atomic.Uint64
	sent     atomic.Uint64
	failures atomic.Uint64
}

type mirrorEvent struct {
	Kind    string `json:"kind"`
	WorldID string `json:"world_id"`
	Payload any    `json:"payload"`
}

type MirrorStats struct {
	QueueDepth   int
	SentTotal    uint64
	DropTotal    uint64
	FailureTotal uint64
}

func OpenMirror(cfg MirrorConfig) (*HTTPMirror, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.WorldID = strings.TrimSpace(cfg.WorldID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty mirror endpoint")
	}
	if cfg.WorldID == "" {
		return nil, fmt.Errorf("empty world id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 8 * cfg.BatchSize
	}

	m := &HTTPMirror{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan mirrorEvent, 32768),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()
	return m, nil
}

func (m *HTTPMirror) Close() error {
	if m == nil {
		return nil
	}
	m.once.Do(func() {
		m.closed.Store(true)
		close(m.ch)
		m.wg.Wait()
	})
	return nil
}

// ActionSeen is not mirrored; the log already carries every action.
func (m *HTTPMirror) ActionSeen(protocol.Envelope) {}

func (m *HTTPMirror) Decided(rec authority.DecisionRecord) {
	m.enqueue(mirrorEvent{Kind: "decision", WorldID: m.cfg.WorldID, Payload: rec})
}

func (m *HTTPMirror) SlotPublished(env protocol.Envelope) {
	m.enqueue(mirrorEvent{Kind: "slot", WorldID: m.cfg.WorldID, Payload: env})
}

func (m *HTTPMirror) Stats() MirrorStats {
	if m == nil {
		return MirrorStats{}
	}
	return MirrorStats{
		QueueDepth:   len(m.ch),
		SentTotal:    m.sent.Load(),
		DropTotal:    m.dropped.Load(),
		FailureTotal: m.failures.Load(),
	}
}

func (m *HTTPMirror) enqueue(ev mirrorEvent) {
	if m == nil || m.closed.Load() {
		return
	}
	select {
	case m.ch <- ev:
	default:
		m.dropped.Add(1)
		m.printf("queue full; drop kind=%s world=%s", ev.Kind, ev.WorldID)
	}
}

func (m *HTTPMirror) loop() {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]mirrorEvent, 0, m.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.sendBatch(batch); err != nil {
			m.failures.Add(1)
			m.printf("flush failed batch=%d err=%v", len(batch), err)
			// Keep the batch for the next tick, dropping the oldest past the cap.
			if over := len(batch) - m.cfg.MaxRetained; over > 0 {
				m.dropped.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		m.sent.Add(uint64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-m.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= m.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (m *HTTPMirror) sendBatch(events []mirrorEvent) error {
	body := struct {
		Events []mirrorEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, m.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if m.cfg.Token != "" {
			req.Header.Set("x-plotrelay-token", m.cfg.Token)
		}

		resp, err := m.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(m.cfg.RetryBackoff << attempt)
	}
	return lastErr
}

func (m *HTTPMirror) printf(format string, args ...any) {
	if m != nil && m.cfg.Logger != nil {
		m.cfg.Logger.Printf("[mirror] "+format, args...)
	}
}
