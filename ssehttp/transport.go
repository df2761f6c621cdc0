// Package ssehttp implements the server side of the legacy HTTP+SSE
// transport (component D): a long-lived GET /sse stream plus a separate
// POST /message?sessionId= endpoint, grounded on the same accounting
// style as streamablehttp but simplified for the legacy wire shape,
// which has no per-POST response stream — POST always just acks.
package ssehttp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mcpstream/core/dispatcher"
	"github.com/mcpstream/core/internal/jsonrpc2"
	"github.com/mcpstream/core/sse"
)

// outgoingCap bounds how many not-yet-written messages the session's
// single outgoing stream retains while no GET is consuming it (or a slow
// one is falling behind). The legacy wire format has no per-POST response
// stream, so this one channel plays the role spec.md §3 assigns the
// unsolicited channel — bounded, drop-oldest — for every outgoing
// message, responses included; see DESIGN.md for that tradeoff.
const outgoingCap = 32

// queuedMessage is one message queued on the outgoing stream, carrying
// the index it was produced at so a reader can tell "caught up" apart
// from "earlier entries were dropped ahead of me" once the backlog has
// been trimmed.
type queuedMessage struct {
	idx int
	msg jsonrpc2.Message
}

// ServerTransport is the per-session server-side endpoint for the
// legacy HTTP+SSE wire format.
type ServerTransport struct {
	id       string
	endpoint string // relative URL advertised in the bootstrap "endpoint" event
	inbound  chan<- dispatcher.Envelope

	mu       sync.Mutex
	isDone   bool
	done     chan struct{}
	outgoing []queuedMessage
	produced int
	signal   chan struct{}
}

// NewServerTransport returns a ServerTransport for session id. endpoint
// is the relative POST URL advertised in the bootstrap event; Handler
// passes its messagePath followed by "?sessionId=<id>", e.g.
// "/message?sessionId=<id>".
func NewServerTransport(id, endpoint string, inbound chan<- dispatcher.Envelope) *ServerTransport {
	return &ServerTransport{
		id:       id,
		endpoint: endpoint,
		inbound:  inbound,
		done:     make(chan struct{}),
		signal:   make(chan struct{}, 1),
	}
}

// SessionID returns the session id this transport serves.
func (t *ServerTransport) SessionID() string { return t.id }

// Close implements session.Transport.
func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
	}
	return nil
}

// HandleGet serves the session's single long-lived SSE stream: emit the
// bootstrap "endpoint" event first, then stream queued outgoing messages
// as "message" events until ctx is cancelled or the transport closes.
func (t *ServerTransport) HandleGet(ctx context.Context, w io.Writer, flusher sse.Flusher) error {
	writer := sse.NewWriter(w)
	if err := writer.WriteItem(sse.Item{Type: sse.EventEndpoint, Endpoint: t.endpoint}); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}

	nextIdx := 0
	for {
		t.mu.Lock()
		items := t.outgoing
		t.mu.Unlock()

		// items may have been trimmed from the front (drop-oldest), so
		// find the first entry not yet written by idx rather than by
		// slice position.
		start := 0
		for start < len(items) && items[start].idx < nextIdx {
			start++
		}
		for _, qm := range items[start:] {
			if err := writer.WriteItem(sse.Item{Type: sse.EventMessage, Message: qm.msg}); err != nil {
				return err
			}
			nextIdx = qm.idx + 1
		}
		if flusher != nil {
			flusher.Flush()
		}

		select {
		case <-t.signal:
		case <-t.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandlePost parses body as a single JSON-RPC message and forwards it to
// the dispatcher; the legacy wire format never streams a response body
// for POST, so the caller always acknowledges with 202 "Accepted" once
// this returns without error.
func (t *ServerTransport) HandlePost(ctx context.Context, body []byte) error {
	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		return fmt.Errorf("ssehttp: malformed message: %w", err)
	}
	select {
	case t.inbound <- dispatcher.Envelope{Message: msg, ReplyTo: nil}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage queues msg for delivery on the session's single outgoing
// SSE stream. Unlike streamablehttp, the legacy transport has no
// per-request routing: every message — response or notification — goes
// out on the same stream, in enqueue order, and that stream's backlog is
// capped at outgoingCap with the oldest entry dropped first once a GET
// listener falls behind or is absent entirely.
func (t *ServerTransport) SendMessage(ctx context.Context, env dispatcher.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone {
		return fmt.Errorf("ssehttp: session %s is closed", t.id)
	}
	idx := t.produced
	t.produced++
	t.outgoing = append(t.outgoing, queuedMessage{idx: idx, msg: env.Message})
	if len(t.outgoing) > outgoingCap {
		drop := len(t.outgoing) - outgoingCap
		kept := make([]queuedMessage, outgoingCap)
		copy(kept, t.outgoing[drop:])
		t.outgoing = kept
	}
	select {
	case t.signal <- struct{}{}:
	default:
	}
	return nil
}
