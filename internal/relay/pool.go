package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"plotrelay.dev/internal/protocol"
)

type Destination struct {
	Name     string
	Log      Log
	Required bool
}

// Pool fans queries and publishes out across several destinations.
type Pool struct {
	dests       []Destination
	callTimeout time.Duration
	logger      *log.Logger
}

func NewPool(logger *log.Logger, callTimeout time.Duration, dests ...Destination) *Pool {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Pool{dests: dests, callTimeout: callTimeout, logger: logger}
}

func (p *Pool) Destinations() []Destination { return append([]Destination(nil), p.dests...) }

func (p *Pool) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.callTimeout)
}

// Query merges results from every destination by event id. It fails only
// when no destination answered.
func (p *Pool) Query(ctx context.Context, f protocol.Filter) ([]protocol.Envelope, error) {
	if len(p.dests) == 0 {
		return nil, ErrClosed
	}
	var (
		mu       sync.Mutex
		byID     = map[string]protocol.Envelope{}
		answered int
		errs     []error
	)
	var g errgroup.Group
	for _, d := range p.dests {
		g.Go(func() error {
			cctx, cancel := p.callCtx(ctx)
			defer cancel()
			envs, err := d.Log.Query(cctx, f)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				p.logger.Printf("query %s: %v", d.Name, err)
				errs = append(errs, fmt.Errorf("%s: %w", d.Name, err))
				return nil
			}
			answered++
			for _, env := range envs {
				byID[env.ID] = env
			}
			return nil
		})
	}
	_ = g.Wait()
	if answered == 0 {
		return nil, errors.Join(errs...)
	}

	out := make([]protocol.Envelope, 0, len(byID))
	for _, env := range byID {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return protocol.Before(&out[j], &out[i]) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Publish sends env to every destination. It succeeds when at least one
// required destination accepted, or any destination when none is required.
func (p *Pool) Publish(ctx context.Context, env protocol.Envelope) (PublishResult, error) {
	var (
		mu  sync.Mutex
		res PublishResult
	)
	var g errgroup.Group
	for _, d := range p.dests {
		g.Go(func() error {
			cctx, cancel := p.callCtx(ctx)
			defer cancel()
			_, err := d.Log.Publish(cctx, env)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.reject(d.Name, err.Error())
				return nil
			}
			res.accept(d.Name)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(res.Accepted)

	if !p.satisfied(res) {
		return res, fmt.Errorf("publish %s: %w", env.ID, ErrNoRequiredAck)
	}
	if len(res.Rejected) > 0 {
		p.logger.Printf("publish %s: partial: accepted=%v rejected=%v", env.ID, res.Accepted, res.Rejected)
	}
	return res, nil
}

func (p *Pool) satisfied(res PublishResult) bool {
	anyRequired := false
	for _, d := range p.dests {
		if !d.Required {
			continue
		}
		anyRequired = true
		for _, name := range res.Accepted {
			if name == d.Name {
				return true
			}
		}
	}
	return !anyRequired && len(res.Accepted) > 0
}
