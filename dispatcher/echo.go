package dispatcher

import (
	"context"

	"github.com/mcpstream/core/internal/jsonrpc2"
)

// Echo is a minimal in-memory Dispatcher standing in for the tool
// registry spec.md places out of scope (§1). Any request with method
// "echo" is answered with its own params as the result; any other
// request gets a MethodNotFound error; notifications are dropped.
//
// Echo exists so the transport packages have something real to drive in
// tests and in the cmd/ demos.
type Echo struct {
	inbound chan Envelope
}

// NewEcho returns a ready-to-run Echo dispatcher with the given inbound
// channel buffer size.
func NewEcho(bufferSize int) *Echo {
	return &Echo{inbound: make(chan Envelope, bufferSize)}
}

// Inbound implements Dispatcher.
func (e *Echo) Inbound() chan<- Envelope { return e.inbound }

// Run implements Dispatcher.
func (e *Echo) Run(ctx context.Context, send SendFunc) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-e.inbound:
			if !ok {
				return nil
			}
			resp, ok := e.handle(env.Message)
			if !ok {
				continue // notification or response; nothing to send back
			}
			if err := send(ctx, Envelope{Message: resp, ReplyTo: env.ReplyTo}); err != nil {
				return err
			}
		}
	}
}

func (e *Echo) handle(msg jsonrpc2.Message) (*jsonrpc2.Response, bool) {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok || !req.ID.IsValid() {
		return nil, false
	}
	if req.Method != "echo" {
		return &jsonrpc2.Response{
			ID:    req.ID,
			Error: jsonrpc2.NewError(jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method),
		}, true
	}
	return &jsonrpc2.Response{ID: req.ID, Result: req.Params}, true
}
