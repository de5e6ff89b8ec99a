// Package wsrelay talks NIP-01 to a websocket relay.
package wsrelay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"plotrelay.dev/internal/protocol"
	"plotrelay.dev/internal/relay"
)

// Client implements relay.Log over one websocket per call. Connections are
// not kept between calls, so a relay restart never leaves a stale socket.
type Client struct {
	url    string
	dialer *websocket.Dialer
	header http.Header
	logger *log.Logger
}

func New(url string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		logger: logger,
	}
}

func (c *Client) URL() string { return c.url }

// dial opens a connection bound to ctx: cancelling ctx closes it, which
// unblocks any pending read.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, func(), error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, nil, fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return nil, nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		_ = conn.SetWriteDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	release := func() {
		stop()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}
	return conn, release, nil
}

func (c *Client) Query(ctx context.Context, f protocol.Filter) ([]protocol.Envelope, error) {
	conn, release, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	subID := "q-" + uuid.NewString()
	req, err := protocol.EncodeReq(subID, f)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return nil, c.wrap(ctx, "send REQ", err)
	}

	var (
		out     []protocol.Envelope
		dropped int
	)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return nil, c.wrap(ctx, "read", err)
		}
		fr, err := protocol.DecodeRelayFrame(msg)
		if err != nil {
			continue
		}
		switch fr.Type {
		case protocol.FrameEvent:
			if fr.SubID != subID {
				continue
			}
			if !admissible(fr, f) {
				dropped++
				continue
			}
			out = append(out, *fr.Event)
		case protocol.FrameEOSE:
			if fr.SubID != subID {
				continue
			}
			if b, err := protocol.EncodeClose(subID); err == nil {
				_ = conn.WriteMessage(websocket.TextMessage, b)
			}
			if dropped > 0 {
				c.logger.Printf("query %s: dropped %d invalid events", c.url, dropped)
			}
			return out, nil
		case protocol.FrameClosed:
			if fr.SubID == subID {
				return nil, fmt.Errorf("query %s: closed by relay: %s", c.url, fr.Message)
			}
		case protocol.FrameNotice:
			c.logger.Printf("notice from %s: %s", c.url, fr.Message)
		}
	}
}

// admissible keeps structurally valid, untampered envelopes that match the
// filter. Relays are not trusted to filter correctly.
func admissible(fr protocol.RelayFrame, f protocol.Filter) bool {
	if fr.Event == nil || protocol.ValidateEnvelope(fr.RawEvent) != nil {
		return false
	}
	if fr.Event.ID != fr.Event.Hash() {
		return false
	}
	return f.Matches(fr.Event)
}

func (c *Client) Publish(ctx context.Context, env protocol.Envelope) (relay.PublishResult, error) {
	var res relay.PublishResult
	conn, release, err := c.dial(ctx)
	if err != nil {
		return res, err
	}
	defer release()

	b, err := protocol.EncodeEvent(env)
	if err != nil {
		return res, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return res, c.wrap(ctx, "send EVENT", err)
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return res, c.wrap(ctx, "read", err)
		}
		fr, err := protocol.DecodeRelayFrame(msg)
		if err != nil || fr.Type != protocol.FrameOK || fr.EventID != env.ID {
			continue
		}
		if !fr.OK {
			res.Rejected = map[string]string{c.url: fr.Message}
			return res, fmt.Errorf("%w: %s: %s", relay.ErrRejected, c.url, fr.Message)
		}
		res.Accepted = []string{c.url}
		return res, nil
	}
}

// wrap prefers the context error when the connection was torn down by it.
func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", op, c.url, ctxErr)
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s %s: %w", op, c.url, context.DeadlineExceeded)
	}
	return fmt.Errorf("%s %s: %w", op, c.url, err)
}
