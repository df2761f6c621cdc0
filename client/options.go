package client

import (
	"fmt"
	"net/url"
	"time"
)

// Mode selects which wire transport a client uses, or asks it to detect
// the server's variant automatically.
type Mode int

const (
	// AutoDetect probes Streamable HTTP first and falls back to legacy
	// HTTP+SSE; this is the default.
	AutoDetect Mode = iota
	// StreamableHTTP forces the single-endpoint POST/GET/DELETE transport.
	StreamableHTTP
	// SSE forces the legacy GET /sse + POST /message transport.
	SSE
)

func (m Mode) String() string {
	switch m {
	case StreamableHTTP:
		return "streamable-http"
	case SSE:
		return "sse"
	default:
		return "auto-detect"
	}
}

// DefaultConnectionTimeout covers TCP connect plus the endpoint event
// (legacy) or the initial POST response (Streamable HTTP).
const DefaultConnectionTimeout = 30 * time.Second

// Options configures a client session. Endpoint is the only required
// field; everything else has a documented default.
type Options struct {
	// Endpoint is the server URL. For Streamable HTTP this is the single
	// endpoint; for legacy SSE it is the GET /sse URL. Must be absolute
	// http or https.
	Endpoint string

	// Mode selects the wire transport. Zero value is AutoDetect.
	Mode Mode

	// ConnectionTimeout bounds connection establishment. Zero means
	// DefaultConnectionTimeout.
	ConnectionTimeout time.Duration

	// AdditionalHeaders is merged into every outgoing HTTP request.
	AdditionalHeaders map[string]string

	// Name is an opaque identifier for this client. The transports in
	// this package do not read it and do not log it.
	Name string
}

func (o *Options) validate() (*url.URL, error) {
	if o.Endpoint == "" {
		return nil, fmt.Errorf("client: endpoint is required")
	}
	u, err := url.Parse(o.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("client: invalid endpoint: %w", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("client: endpoint must be an absolute http(s) URL, got %q", o.Endpoint)
	}
	return u, nil
}

func (o *Options) connectionTimeout() time.Duration {
	if o.ConnectionTimeout <= 0 {
		return DefaultConnectionTimeout
	}
	return o.ConnectionTimeout
}
