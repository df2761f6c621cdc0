package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpstream/core/internal/jsonrpc2"
	"github.com/mcpstream/core/sse"
)

// StreamableClientTransport is the client side of the single-endpoint
// Streamable HTTP transport (component F, streamable branch), grounded
// on the teacher's streamableClientConn: POSTs carry client->server
// messages, a backgrounded hanging GET carries unsolicited server
// pushes, and both funnel into one incoming channel.
type StreamableClientTransport struct {
	url     string
	client  *http.Client
	headers map[string]string

	sessionID       atomic.Value // string
	protocolVersion atomic.Value // string

	incoming chan jsonrpc2.Message
	done     chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu               sync.Mutex
	lastEventID      string
	err              error
	cancelHangingGet context.CancelFunc
}

// NewStreamableClientTransport returns a transport that talks to the
// Streamable HTTP endpoint at url. httpClient defaults to
// http.DefaultClient; headers is merged into every request.
func NewStreamableClientTransport(url string, httpClient *http.Client, headers map[string]string) *StreamableClientTransport {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	t := &StreamableClientTransport{
		url:      url,
		client:   httpClient,
		headers:  headers,
		incoming: make(chan jsonrpc2.Message, 64),
		done:     make(chan struct{}),
	}
	t.sessionID.Store("")
	t.protocolVersion.Store("")
	go t.runEventStreamReceiver()
	return t
}

// SessionID implements Transport.
func (t *StreamableClientTransport) SessionID() string { return t.sessionID.Load().(string) }

// SetProtocolVersion records the negotiated protocol version; every
// subsequent request carries it in the MCP-Protocol-Version header.
func (t *StreamableClientTransport) SetProtocolVersion(v string) { t.protocolVersion.Store(v) }

func (t *StreamableClientTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if v := t.protocolVersion.Load().(string); v != "" {
		req.Header.Set(protocolVersionHeader, v)
	}
}

// Send implements Transport by POSTing msg. A non-success status or a
// request error is returned directly so AutoDetectTransport can use it
// as the fallback trigger on the first call.
func (t *StreamableClientTransport) Send(ctx context.Context, msg jsonrpc2.Message) error {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("client: encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("client: building POST request: %w", err)
	}
	if sid := t.SessionID(); sid != "" {
		req.Header.Set(sessionHeader, sid)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("client: POST failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))}
	}

	if newID := resp.Header.Get(sessionHeader); newID != "" && t.SessionID() == "" {
		t.sessionID.Store(newID)
	}

	if resp.Header.Get("Content-Type") == "text/event-stream" {
		go t.drainSSE(resp)
	} else {
		resp.Body.Close()
	}
	return nil
}

// Recv implements Transport.
func (t *StreamableClientTransport) Recv(ctx context.Context) (jsonrpc2.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.err != nil {
			return nil, t.err
		}
		return nil, io.EOF
	case msg := <-t.incoming:
		return msg, nil
	}
}

// drainSSE reads a single POST response's SSE body (the per-request
// response stream) and forwards decoded messages to incoming.
func (t *StreamableClientTransport) drainSSE(resp *http.Response) {
	defer resp.Body.Close()
	for ev, err := range sse.Scan(resp.Body) {
		if err != nil {
			return
		}
		if ev.ID != "" {
			t.mu.Lock()
			t.lastEventID = ev.ID
			t.mu.Unlock()
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

// runEventStreamReceiver maintains the long-lived hanging GET used for
// unsolicited server pushes until the transport is closed: it reconnects
// at once after a stream ends, retries with backoff after a retryable
// HTTP status (see isRetryable), and stops on any other error, including
// a failed connection.
func (t *StreamableClientTransport) runEventStreamReceiver() {
	backoff := time.Second
	for {
		select {
		case <-t.done:
			return
		default:
		}

		sid := t.SessionID()
		if sid == "" {
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-t.done:
				return
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancelHangingGet = cancel
		lastEventID := t.lastEventID
		t.mu.Unlock()

		err := t.performHangingGet(ctx, sid, lastEventID)
		cancel()

		if err == nil {
			backoff = time.Second
			continue
		}
		if isRetryable(err) {
			select {
			case <-time.After(backoff):
			case <-t.done:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return
	}
}

func (t *StreamableClientTransport) performHangingGet(ctx context.Context, sessionID, lastEventID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sessionID)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &httpStatusError{StatusCode: resp.StatusCode, Err: fmt.Errorf("GET returned %s: %s", resp.Status, strings.TrimSpace(string(body)))}
	}
	t.drainSSE(resp)
	return nil
}

// Close implements Transport: it stops the background receiver and, if
// a session was assigned, issues DELETE to terminate it server-side.
func (t *StreamableClientTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		if t.cancelHangingGet != nil {
			t.cancelHangingGet()
		}
		t.mu.Unlock()

		if sid := t.SessionID(); sid != "" {
			req, err := http.NewRequest(http.MethodDelete, t.url, nil)
			if err != nil {
				t.closeErr = err
				return
			}
			req.Header.Set(sessionHeader, sid)
			t.applyHeaders(req)
			if resp, err := t.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	})
	return t.closeErr
}

// httpStatusError wraps a non-2xx HTTP response so callers can branch
// on status code (e.g. AutoDetectTransport's fallback trigger).
type httpStatusError struct {
	StatusCode int
	Err        error
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("http status %d: %v", e.StatusCode, e.Err)
}

func (e *httpStatusError) Unwrap() error { return e.Err }

func isRetryable(err error) bool {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return false
}
