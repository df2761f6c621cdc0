// Package streamablehttp implements the server side of the Streamable
// HTTP transport (component C): a single endpoint handling GET, POST,
// and DELETE for one session, with per-POST SSE response streams and a
// shared unsolicited push stream, grounded on the teacher's
// mcp.StreamableServerTransport.
package streamablehttp

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/mcpstream/core/dispatcher"
	"github.com/mcpstream/core/internal/jsonrpc2"
	"github.com/mcpstream/core/sse"
)

// unsolicitedBacklogCap bounds how many not-yet-written items the shared
// uuid.Nil stream retains when no GET is consuming it. spec.md §3 models
// this channel as bounded with capacity 1 and drop-oldest full-mode; a
// literal capacity of 1 would make the Last-Event-ID resumption this
// transport also offers (§4.C′) useless across any gap wider than a
// single message, so the backlog is capped at a small constant instead
// and trimmed drop-oldest once exceeded. See DESIGN.md for the tradeoff.
const unsolicitedBacklogCap = 32

// outboxItem is one SSE event queued for a logical stream, carrying its
// index within that stream so event IDs and resumption can be computed.
// idx is assigned once, at production time, and keeps its meaning even
// after older entries are trimmed from the front of the stream's slice.
type outboxItem struct {
	idx   int
	event sse.Item
}

// ServerTransport is the per-session server-side endpoint for the
// Streamable HTTP wire format. It implements session.Transport (Close)
// and is driven by a Handler.
type ServerTransport struct {
	id      string
	inbound chan<- dispatcher.Envelope

	mu     sync.Mutex
	isDone bool
	done   chan struct{}

	// outbox holds queued-but-not-yet-written SSE items, keyed by
	// logical stream id. uuid.Nil is the unsolicited stream fed by GET;
	// its backlog is capped at unsolicitedBacklogCap, drop-oldest. A
	// POST stream's entry is deleted outright once its streamLoop
	// returns, whether the stream completed or its reader disconnected
	// — see streamLoop.
	outbox map[uuid.UUID][]outboxItem

	// produced is the total count of items ever enqueued for a stream,
	// independent of how many are still retained in outbox. It is the
	// source of each item's idx and lets a reader tell "caught up" apart
	// from "some items were trimmed ahead of me" once entries have been
	// dropped from the front.
	produced map[uuid.UUID]int

	// signals wakes a blocked HandleGet/HandlePost call when new items
	// land in its stream's outbox. Present only while a request is
	// actively serving that stream.
	signals map[uuid.UUID]chan struct{}

	// streamRequests tracks, per POST stream, which request ids are
	// still unanswered. A stream's POST response completes once its
	// entry here is empty.
	streamRequests map[uuid.UUID]map[jsonrpc2.ID]struct{}
}

// NewServerTransport returns a ServerTransport for session id, whose
// parsed inbound messages are pushed onto inbound (normally
// dispatcher.Dispatcher.Inbound()).
func NewServerTransport(id string, inbound chan<- dispatcher.Envelope) *ServerTransport {
	return &ServerTransport{
		id:             id,
		inbound:        inbound,
		done:           make(chan struct{}),
		outbox:         make(map[uuid.UUID][]outboxItem),
		produced:       make(map[uuid.UUID]int),
		signals:        make(map[uuid.UUID]chan struct{}),
		streamRequests: make(map[uuid.UUID]map[jsonrpc2.ID]struct{}),
	}
}

// SessionID returns the session id this transport serves.
func (t *ServerTransport) SessionID() string { return t.id }

// Close implements session.Transport. It is safe to call more than once.
func (t *ServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
	}
	return nil
}

// HandleGet serves the session's shared unsolicited push stream, per
// §4.C: it streams outbox[uuid.Nil] until ctx is cancelled or the
// transport closes. A non-empty lastEventID selects instead the logical
// stream that event id names, resuming after that event.
// Only one concurrent GET is useful; a second one shares the same
// best-effort, drop-oldest delivery.
func (t *ServerTransport) HandleGet(ctx context.Context, w io.Writer, flusher sse.Flusher, lastEventID string) error {
	streamID, nextIdx := uuid.Nil, 0
	if lastEventID != "" {
		sid, idx, ok := parseEventID(lastEventID)
		if !ok {
			return fmt.Errorf("streamablehttp: malformed Last-Event-ID %q", lastEventID)
		}
		streamID, nextIdx = sid, idx+1
	}
	return t.streamLoop(ctx, w, flusher, streamID, nextIdx, false)
}

// HandlePost parses body as one JSON-RPC message or a batch, enqueues
// each message to the dispatcher tagged with a routing Token for this
// POST, and then — if the batch contained at least one request — streams
// the responses until every request in it has been answered. wroteResponse
// reports whether any SSE bytes were written; when false, the caller
// must respond 202 with no body (the batch was notifications/responses
// only).
func (t *ServerTransport) HandlePost(ctx context.Context, body []byte, w io.Writer, flusher sse.Flusher) (wroteResponse bool, err error) {
	msgs, _, err := jsonrpc2.ReadBatch(body)
	if err != nil {
		return false, err
	}

	requestIDs := make([]jsonrpc2.ID, 0, len(msgs))
	for _, msg := range msgs {
		if req, ok := msg.(*jsonrpc2.Request); ok && req.ID.IsValid() {
			requestIDs = append(requestIDs, req.ID)
		}
	}

	streamID := uuid.New()
	t.mu.Lock()
	if len(requestIDs) > 0 {
		t.streamRequests[streamID] = make(map[jsonrpc2.ID]struct{}, len(requestIDs))
		for _, id := range requestIDs {
			t.streamRequests[streamID][id] = struct{}{}
		}
	}
	t.mu.Unlock()

	tok := Token{streamID: streamID}
	for _, msg := range msgs {
		select {
		case t.inbound <- dispatcher.Envelope{Message: msg, ReplyTo: tok}:
		case <-ctx.Done():
			// streamLoop, which normally prunes this stream's bookkeeping
			// on exit, is never entered on this path — prune here instead,
			// or a cancelled-mid-enqueue POST leaks streamRequests (and
			// whatever outbox/produced entries a racing SendMessage adds
			// for it afterward) for the life of the session.
			t.mu.Lock()
			delete(t.streamRequests, streamID)
			delete(t.outbox, streamID)
			delete(t.produced, streamID)
			t.mu.Unlock()
			return false, ctx.Err()
		}
	}

	if len(requestIDs) == 0 {
		return false, nil
	}
	err = t.streamLoop(ctx, w, flusher, streamID, 0, true)
	return true, err
}

// streamLoop is the shared engine behind HandleGet and HandlePost: drain
// outbox[streamID] starting at nextIdx, blocking for more until either
// the stream completes (postMode and its pending requests all answered),
// the transport closes, or ctx is cancelled. For a POST stream (postMode),
// every exit path prunes that stream's outbox/streamRequests/produced
// entries: once this call returns, nothing will ever read that streamID
// again — whether it finished normally or its reader disconnected
// mid-stream — so retaining the bookkeeping would leak for the rest of
// the session's life.
func (t *ServerTransport) streamLoop(ctx context.Context, w io.Writer, flusher sse.Flusher, streamID uuid.UUID, nextIdx int, postMode bool) error {
	t.mu.Lock()
	if _, inUse := t.signals[streamID]; inUse {
		t.mu.Unlock()
		return fmt.Errorf("streamablehttp: stream %s already has an active reader", streamID)
	}
	signal := make(chan struct{}, 1)
	t.signals[streamID] = signal
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.signals, streamID)
		if postMode {
			delete(t.outbox, streamID)
			delete(t.streamRequests, streamID)
			delete(t.produced, streamID)
		}
		t.mu.Unlock()
	}()

	writer := sse.NewWriter(w)
	for {
		t.mu.Lock()
		items := t.outbox[streamID]
		t.mu.Unlock()

		// items may have been trimmed from the front (drop-oldest on the
		// unsolicited stream), so find the first entry not yet written by
		// idx rather than by slice position.
		start := 0
		for start < len(items) && items[start].idx < nextIdx {
			start++
		}
		for _, item := range items[start:] {
			if err := writer.WriteItem(item.event); err != nil {
				return err
			}
			nextIdx = item.idx + 1
		}
		if flusher != nil {
			flusher.Flush()
		}

		t.mu.Lock()
		outstanding := len(t.streamRequests[streamID])
		produced := t.produced[streamID]
		t.mu.Unlock()

		if nextIdx < produced {
			continue
		}
		if postMode && outstanding == 0 {
			return nil
		}

		select {
		case <-signal:
		case <-t.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendMessage is called by the dispatcher (via the send callback passed
// to Dispatcher.Run) to deliver a response or notification. If msg is a
// Response, its request id is removed from the originating stream's
// outstanding set, completing that POST's stream once empty. The message
// is queued on the POST stream identified by env.ReplyTo if that stream
// is still open, else on the shared unsolicited stream, whose backlog is
// capped at unsolicitedBacklogCap with the oldest entry dropped first.
func (t *ServerTransport) SendMessage(ctx context.Context, env dispatcher.Envelope) error {
	tok, _ := env.ReplyTo.(Token)
	streamID := tok.streamID

	var respID jsonrpc2.ID
	if resp, ok := env.Message.(*jsonrpc2.Response); ok {
		respID = resp.ID
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone {
		return fmt.Errorf("streamablehttp: session %s is closed", t.id)
	}

	if _, open := t.streamRequests[streamID]; !open && streamID != uuid.Nil {
		// The stream this was meant for has already completed (a
		// sequencing violation upstream, or its reader disconnected and
		// its bookkeeping was pruned); fall back to the shared stream
		// rather than drop the message.
		streamID = uuid.Nil
	}

	idx := t.produced[streamID]
	t.produced[streamID] = idx + 1
	t.outbox[streamID] = append(t.outbox[streamID], outboxItem{
		idx: idx,
		event: sse.Item{
			Type:    sse.EventMessage,
			ID:      formatEventID(streamID, idx),
			Message: env.Message,
		},
	})

	if streamID == uuid.Nil && len(t.outbox[streamID]) > unsolicitedBacklogCap {
		drop := len(t.outbox[streamID]) - unsolicitedBacklogCap
		kept := make([]outboxItem, unsolicitedBacklogCap)
		copy(kept, t.outbox[streamID][drop:])
		t.outbox[streamID] = kept
	}

	if respID.IsValid() {
		if set, ok := t.streamRequests[streamID]; ok {
			delete(set, respID)
			if len(set) == 0 {
				delete(t.streamRequests, streamID)
			}
		}
	}

	if c, ok := t.signals[streamID]; ok {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return nil
}
