// Package relay is the boundary with the external event log.
package relay

//go:generate go tool mockgen -destination=./mocks/log_mock.go -package=mocks . Log

import (
	"context"
	"errors"

	"plotrelay.dev/internal/protocol"
)

var (
	// ErrNoRequiredAck means no required destination accepted a publish.
	ErrNoRequiredAck = errors.New("relay: no required destination accepted the event")
	// ErrRejected means a destination answered the publish with OK=false.
	ErrRejected = errors.New("relay: event rejected")
	ErrClosed   = errors.New("relay: closed")
)

// Log is an append-only, multi-writer event store.
type Log interface {
	// Query returns matching envelopes newest first.
	Query(ctx context.Context, f protocol.Filter) ([]protocol.Envelope, error)
	// Publish submits a signed envelope. A nil error means the event was
	// accepted by enough destinations to count as published.
	Publish(ctx context.Context, env protocol.Envelope) (PublishResult, error)
}

// PublishResult reports per-destination outcomes.
type PublishResult struct {
	Accepted []string
	Rejected map[string]string
}

func (r *PublishResult) accept(dest string) {
	r.Accepted = append(r.Accepted, dest)
}

func (r *PublishResult) reject(dest, reason string) {
	if r.Rejected == nil {
		r.Rejected = map[string]string{}
	}
	r.Rejected[dest] = reason
}

// Verifier checks an envelope's id and signature.
type Verifier interface {
	Verify(env *protocol.Envelope) error
}
