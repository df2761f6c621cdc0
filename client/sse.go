package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mcpstream/core/internal/jsonrpc2"
	"github.com/mcpstream/core/sse"
)

// SSEClientTransport is the client side of the legacy HTTP+SSE
// transport: a long-lived GET that bootstraps with an "endpoint" event,
// then a separate POST per outgoing message.
type SSEClientTransport struct {
	sseURL  *url.URL
	client  *http.Client
	headers map[string]string

	protocolVersion atomic.Value // string

	connected  chan struct{} // closed once the endpoint event arrives
	connOnce   sync.Once
	mu         sync.Mutex
	messageURL string

	incoming  chan jsonrpc2.Message
	done      chan struct{}
	closeOnce sync.Once
}

// NewSSEClientTransport returns a transport that will GET sseURL to
// bootstrap a session. Call Connect before Send/Recv.
func NewSSEClientTransport(sseURL string, httpClient *http.Client, headers map[string]string) (*SSEClientTransport, error) {
	u, err := url.Parse(sseURL)
	if err != nil {
		return nil, fmt.Errorf("client: invalid SSE url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	t := &SSEClientTransport{
		sseURL:    u,
		client:    httpClient,
		headers:   headers,
		connected: make(chan struct{}),
		incoming:  make(chan jsonrpc2.Message, 64),
		done:      make(chan struct{}),
	}
	t.protocolVersion.Store("")
	return t, nil
}

// SetProtocolVersion records the negotiated protocol version for
// inclusion on subsequent POSTs.
func (t *SSEClientTransport) SetProtocolVersion(v string) { t.protocolVersion.Store(v) }

// Connect performs the GET /sse handshake: it blocks until the bootstrap
// "endpoint" event arrives (or ctx is done), then continues reading the
// stream in the background, forwarding "message" events to Recv.
func (t *SSEClientTransport) Connect(ctx context.Context) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, t.sseURL.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: GET /sse failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("GET /sse returned %s: %s", resp.Status, strings.TrimSpace(string(body)))}
	}

	events := sse.Scan(resp.Body)
	next, stop := sse.Pull(events)

	// Closing the body unblocks next() if ctx ends before the endpoint
	// event arrives.
	stopWatch := context.AfterFunc(ctx, func() { resp.Body.Close() })
	first, err := next()
	if !stopWatch() {
		stop()
		return ctx.Err()
	}
	if err != nil {
		stop()
		resp.Body.Close()
		return fmt.Errorf("client: reading endpoint event: %w", err)
	}
	if first.Type != sse.EventEndpoint {
		stop()
		resp.Body.Close()
		return fmt.Errorf("client: expected endpoint event, got %q", first.Type)
	}

	resolved, err := t.sseURL.Parse(string(first.Data))
	if err != nil {
		stop()
		resp.Body.Close()
		return fmt.Errorf("client: malformed endpoint %q: %w", first.Data, err)
	}
	t.mu.Lock()
	t.messageURL = resolved.String()
	t.mu.Unlock()
	t.connOnce.Do(func() { close(t.connected) })

	go t.drain(resp, next, stop)

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (t *SSEClientTransport) drain(resp *http.Response, next func() (sse.Event, error), stop func()) {
	defer resp.Body.Close()
	defer stop()
	for {
		ev, err := next()
		if err != nil {
			return
		}
		if ev.Type != sse.EventMessage {
			continue
		}
		msg, err := jsonrpc2.DecodeMessage(ev.Data)
		if err != nil {
			continue
		}
		select {
		case t.incoming <- msg:
		case <-t.done:
			return
		}
	}
}

// Send POSTs msg to the endpoint advertised by Connect's bootstrap
// event, blocking until that endpoint is known.
func (t *SSEClientTransport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-t.connected:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	dest := t.messageURL
	t.mu.Unlock()

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("client: encoding message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if v := t.protocolVersion.Load().(string); v != "" {
		req.Header.Set(protocolVersionHeader, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: POST %s failed: %w", dest, err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))}
	}
	return nil
}

// Recv implements Transport.
func (t *SSEClientTransport) Recv(ctx context.Context) (jsonrpc2.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case msg := <-t.incoming:
		return msg, nil
	}
}

// SessionID extracts the sessionId query parameter from the advertised
// message endpoint, or "" before Connect has completed.
func (t *SSEClientTransport) SessionID() string {
	t.mu.Lock()
	dest := t.messageURL
	t.mu.Unlock()
	if dest == "" {
		return ""
	}
	u, err := url.Parse(dest)
	if err != nil {
		return ""
	}
	return u.Query().Get("sessionId")
}

// Close implements Transport. The legacy transport has no session
// DELETE of its own; closing just stops the background drain.
func (t *SSEClientTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

