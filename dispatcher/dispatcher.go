// Package dispatcher defines the boundary contract between the transport
// core and the external JSON-RPC engine that actually answers requests.
// The core only ever depends on this package's interfaces; concrete
// dispatchers (a tool registry, an echo stub used in tests) live outside
// it.
package dispatcher

import (
	"context"

	"github.com/mcpstream/core/internal/jsonrpc2"
)

// ReplyToken is the opaque routing handle a transport attaches to an
// Envelope so that a later SendMessage-equivalent call knows where to
// deliver the response. It is nil for messages with no reply
// destination (GET-stream pushes, legacy SSE inbound). Transports define
// their own concrete token type (see streamablehttp.Token) and type-
// assert it back out; the dispatcher itself must treat it as opaque and
// pass it through unchanged from request to response.
type ReplyToken any

// Envelope carries one parsed JSON-RPC message together with the
// routing token needed to send any response back to its origin.
type Envelope struct {
	Message jsonrpc2.Message
	ReplyTo ReplyToken
}

// SendFunc delivers a dispatcher-produced message back through the
// transport that owns the session, honoring env.ReplyTo.
type SendFunc func(ctx context.Context, env Envelope) error

// Dispatcher is the external JSON-RPC engine the core hands parsed
// messages to, and that hands the core messages to deliver.
type Dispatcher interface {
	// Inbound returns the write end of the channel the transport
	// pushes received messages onto. The dispatcher owns reading from
	// the other end for the lifetime of the session.
	Inbound() chan<- Envelope

	// Run starts the dispatcher's per-session processing loop. It must
	// return when ctx is cancelled or the channel backing Inbound is
	// closed. send is used to deliver any message the dispatcher
	// produces, whether a response to a pending request or an
	// unsolicited notification.
	Run(ctx context.Context, send SendFunc) error
}
