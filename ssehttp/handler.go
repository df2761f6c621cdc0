package ssehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mcpstream/core/dispatcher"
	"github.com/mcpstream/core/internal/jsonrpc2"
	"github.com/mcpstream/core/session"
)

// NewDispatcherFunc constructs the dispatcher that will own a brand new
// session for the lifetime of its run task.
type NewDispatcherFunc func() dispatcher.Dispatcher

// AuthFunc extracts the authenticated principal (if any) from an
// incoming request; see streamablehttp.AuthFunc for the rationale of
// applying the same function uniformly across both transport handlers.
type AuthFunc func(*http.Request) (*session.Principal, error)

// Handler serves the legacy HTTP+SSE transport (component D):
// GET /sse opens the long-lived push stream, POST /message?sessionId=
// forwards a single message to the dispatcher.
type Handler struct {
	registry      *session.Registry
	newDispatcher NewDispatcherFunc
	authenticate  AuthFunc
	messagePath   string // path POST requests arrive on, e.g. "/message"
}

// NewHandler returns a Handler backed by registry. messagePath is the
// path the POST side is mounted on (without query string); it is used
// both to route incoming POSTs and to build the relative endpoint URL
// advertised in the bootstrap SSE event.
func NewHandler(registry *session.Registry, newDispatcher NewDispatcherFunc, authenticate AuthFunc, messagePath string) *Handler {
	if authenticate == nil {
		authenticate = func(*http.Request) (*session.Principal, error) { return nil, nil }
	}
	return &Handler{registry: registry, newDispatcher: newDispatcher, authenticate: authenticate, messagePath: messagePath}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		h.handleSSE(w, req)
	case http.MethodPost:
		h.handleMessage(w, req)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleSSE(w http.ResponseWriter, req *http.Request) {
	principal, err := h.authenticate(req)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	claim := session.ClaimFromPrincipal(principal)

	var d dispatcher.Dispatcher
	sess, _, err := h.registry.GetOrCreate(req.Context(), "", claim, func(newID string) (session.Transport, error) {
		d = h.newDispatcher()
		endpoint := h.messagePath + "?sessionId=" + newID
		return NewServerTransport(newID, endpoint, d.Inbound()), nil
	}, func(ctx context.Context, s *session.Session) {
		transport := s.Transport().(*ServerTransport)
		_ = d.Run(ctx, func(ctx context.Context, env dispatcher.Envelope) error {
			return transport.SendMessage(ctx, env)
		})
	})
	if err != nil {
		if errors.Is(err, session.ErrRateLimited) {
			http.Error(w, "too many session creation requests", http.StatusTooManyRequests)
			return
		}
		http.Error(w, "failed to establish session", http.StatusInternalServerError)
		return
	}

	sess.Reference()
	defer sess.Unreference()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Content-Encoding", "identity")
	flusher, _ := w.(http.Flusher)

	transport := sess.Transport().(*ServerTransport)
	_ = transport.HandleGet(req.Context(), w, flusher)
}

func (h *Handler) handleMessage(w http.ResponseWriter, req *http.Request) {
	id := req.URL.Query().Get("sessionId")
	if id == "" {
		http.Error(w, "missing sessionId query parameter", http.StatusBadRequest)
		return
	}

	principal, err := h.authenticate(req)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	claim := session.ClaimFromPrincipal(principal)

	sess, _, err := h.registry.GetOrCreate(req.Context(), id, claim, nil, nil)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound):
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `{"jsonrpc":%q,"error":{"code":%d,"message":"Session not found"}}`+"\n",
				jsonrpc2.Version, jsonrpc2.CodeSessionNotFound)
		case errors.Is(err, session.ErrUserMismatch):
			w.WriteHeader(http.StatusForbidden)
		default:
			http.Error(w, "failed to resolve session", http.StatusInternalServerError)
		}
		return
	}

	sess.Reference()
	defer sess.Unreference()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	transport := sess.Transport().(*ServerTransport)
	if err := transport.HandlePost(req.Context(), body); err != nil {
		// Malformed JSON or a null message is a protocol exception, not a
		// client-request problem: §7 mandates a 5xx here (distinct from
		// the legitimate 400 above for a missing sessionId) and the
		// session stays alive.
		http.Error(w, "malformed message", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Accepted"))
}
