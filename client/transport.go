// Package client implements the client side of both MCP HTTP wire
// transports plus the auto-detecting transport that chooses between
// them (component F), grounded on the teacher's streamableClientConn
// but generalized to this repo's two-transport world.
package client

import (
	"context"

	"github.com/mcpstream/core/internal/jsonrpc2"
)

// Transport is the client-side half of a session: an asynchronous,
// full-duplex JSON-RPC message stream. Send and Recv may be called
// concurrently from different goroutines.
type Transport interface {
	// Send delivers msg to the server. For Streamable HTTP this is a
	// POST; for legacy SSE it is a POST to the advertised message
	// endpoint. Any messages the server streams back in reply are
	// delivered asynchronously via Recv, not as a return value here.
	Send(ctx context.Context, msg jsonrpc2.Message) error

	// Recv blocks until a message arrives from the server, ctx is
	// cancelled, or the transport is closed (io.EOF).
	Recv(ctx context.Context) (jsonrpc2.Message, error)

	// SessionID returns the server-assigned session id, or "" before
	// one has been assigned.
	SessionID() string

	// Close releases the transport's resources. Implementations that
	// track a server session send a best-effort DELETE.
	Close() error
}

// protocolVersionHeader is the header an initialized client must carry
// on every request after a successful initialize, per spec §4.F′.
const protocolVersionHeader = "MCP-Protocol-Version"

// sessionHeader is the Streamable HTTP session-identification header.
const sessionHeader = "Mcp-Session-Id"
