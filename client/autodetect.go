package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	json "github.com/segmentio/encoding/json"

	"github.com/mcpstream/core/internal/jsonrpc2"
)

// versionSetter is implemented by every concrete Transport so
// AutoDetectTransport can propagate a negotiated protocol version once
// the initialize response is observed.
type versionSetter interface {
	SetProtocolVersion(string)
}

// AutoDetectTransport implements component F: it probes Streamable
// HTTP first and falls back to legacy SSE, exposing a single Transport
// to the caller regardless of which wire variant the server turned out
// to speak. It is also used directly for the two non-auto-detect
// modes, simply skipping the probe.
type AutoDetectTransport struct {
	opts   Options
	sseURL string

	mu          sync.Mutex
	transport   Transport
	detectErr   error
	initialized atomic.Bool

	// commitSignal is the one-shot promise gating Recv: a delegating
	// reader blocks on it, then on the committed transport's Recv.
	commitSignal chan struct{}
	commitOnce   sync.Once
}

// Connect establishes a client session per opts.Mode. For AutoDetect,
// detection happens lazily on the first Send call (expected to carry
// the initialize request), per spec §4.F; this call validates
// configuration and, for the non-auto-detect modes, eagerly constructs
// the chosen transport (in SSE mode also performing its GET /sse
// handshake).
func Connect(ctx context.Context, opts Options) (*AutoDetectTransport, error) {
	u, err := opts.validate()
	if err != nil {
		return nil, err
	}
	a := &AutoDetectTransport{opts: opts, sseURL: u.String(), commitSignal: make(chan struct{})}

	switch opts.Mode {
	case StreamableHTTP:
		a.commit(NewStreamableClientTransport(u.String(), httpClientWithTimeout(opts), opts.AdditionalHeaders))
	case SSE:
		sseT, err := NewSSEClientTransport(u.String(), httpClientWithTimeout(opts), opts.AdditionalHeaders)
		if err != nil {
			return nil, err
		}
		connectCtx, cancel := context.WithTimeout(ctx, opts.connectionTimeout())
		defer cancel()
		if err := sseT.Connect(connectCtx); err != nil {
			return nil, fmt.Errorf("client: SSE connect failed: %w", err)
		}
		a.commit(sseT)
	case AutoDetect:
		// detection deferred to first Send
	}
	return a, nil
}

// httpClientWithTimeout bounds dialing and the wait for response headers
// by the connection timeout, leaving long-lived SSE bodies unbounded.
func httpClientWithTimeout(opts Options) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = opts.connectionTimeout()
	return &http.Client{Transport: tr}
}

func (a *AutoDetectTransport) commit(t Transport) {
	a.mu.Lock()
	a.transport = t
	a.mu.Unlock()
	a.commitOnce.Do(func() { close(a.commitSignal) })
}

// Send delivers msg. On an AutoDetect transport's first call it runs
// the detection sequence described in spec §4.F; afterward (and always
// for the other two modes) it delegates to the committed transport.
func (a *AutoDetectTransport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	a.mu.Lock()
	committed := a.transport
	a.mu.Unlock()
	if committed != nil {
		return committed.Send(ctx, msg)
	}
	if a.opts.Mode != AutoDetect {
		return errors.New("client: transport not connected")
	}
	return a.detectAndSend(ctx, msg)
}

// detectAndSend implements spec §4.F steps 1-4: try Streamable HTTP
// first; on any non-success status or send error, dispose it and fall
// back to SSE.
func (a *AutoDetectTransport) detectAndSend(ctx context.Context, msg jsonrpc2.Message) error {
	streamT := NewStreamableClientTransport(a.sseURL, httpClientWithTimeout(a.opts), a.opts.AdditionalHeaders)
	if err := streamT.Send(ctx, msg); err == nil {
		a.commit(streamT)
		return nil
	}
	streamT.Close()

	sseEndpoint := deriveSSEEndpoint(a.sseURL)
	sseT, err := NewSSEClientTransport(sseEndpoint, httpClientWithTimeout(a.opts), a.opts.AdditionalHeaders)
	if err != nil {
		a.setDetectErr(err)
		return err
	}
	connectCtx, cancel := context.WithTimeout(ctx, a.opts.connectionTimeout())
	defer cancel()
	if err := sseT.Connect(connectCtx); err != nil {
		a.setDetectErr(err)
		return fmt.Errorf("client: streamable HTTP and SSE both failed: %w", err)
	}
	if err := sseT.Send(ctx, msg); err != nil {
		a.setDetectErr(err)
		return err
	}
	a.commit(sseT)
	return nil
}

func (a *AutoDetectTransport) setDetectErr(err error) {
	a.mu.Lock()
	a.detectErr = err
	a.mu.Unlock()
	a.commitOnce.Do(func() { close(a.commitSignal) })
}

// deriveSSEEndpoint rewrites the configured endpoint to the
// conventional legacy SSE path when the same base URL is reused for
// auto-detection (mirrors how real deployments mount both variants on
// one origin: POST / for Streamable HTTP, GET /sse for legacy).
func deriveSSEEndpoint(streamableURL string) string {
	if strings.HasSuffix(streamableURL, "/sse") {
		return streamableURL
	}
	return strings.TrimSuffix(streamableURL, "/") + "/sse"
}

// Recv implements the delegating reader: block until commitment, then
// delegate to the committed transport, watching for the negotiated
// protocol version to propagate it onto future outgoing requests.
func (a *AutoDetectTransport) Recv(ctx context.Context) (jsonrpc2.Message, error) {
	select {
	case <-a.commitSignal:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	a.mu.Lock()
	t := a.transport
	detectErr := a.detectErr
	a.mu.Unlock()
	if t == nil {
		if detectErr != nil {
			return nil, detectErr
		}
		return nil, errors.New("client: transport never committed")
	}

	msg, err := t.Recv(ctx)
	if err == nil && !a.initialized.Load() {
		if v, ok := extractProtocolVersion(msg); ok {
			if setter, ok := t.(versionSetter); ok {
				setter.SetProtocolVersion(v)
			}
			a.initialized.Store(true)
		}
	}
	return msg, err
}

// SessionID returns the committed transport's session id, or "" before
// commitment.
func (a *AutoDetectTransport) SessionID() string {
	a.mu.Lock()
	t := a.transport
	a.mu.Unlock()
	if t == nil {
		return ""
	}
	return t.SessionID()
}

// Close releases the committed transport, if any.
func (a *AutoDetectTransport) Close() error {
	a.mu.Lock()
	t := a.transport
	a.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

// initializeResult is the subset of an MCP initialize response this
// package cares about: the negotiated protocol version.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// extractProtocolVersion reports the negotiated protocol version if msg
// is a successful response carrying one.
func extractProtocolVersion(msg jsonrpc2.Message) (string, bool) {
	resp, ok := msg.(*jsonrpc2.Response)
	if !ok || resp.Error != nil || resp.Result == nil {
		return "", false
	}
	var r initializeResult
	if err := json.Unmarshal(resp.Result, &r); err != nil || r.ProtocolVersion == "" {
		return "", false
	}
	return r.ProtocolVersion, true
}
