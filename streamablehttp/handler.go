package streamablehttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/segmentio/encoding/json"

	"github.com/mcpstream/core/dispatcher"
	"github.com/mcpstream/core/internal/jsonrpc2"
	"github.com/mcpstream/core/session"
)

// SessionHeader is the header carrying the server-assigned session id in
// both directions, per §6.
const SessionHeader = "Mcp-Session-Id"

// NewDispatcherFunc constructs the dispatcher that will own a brand new
// session for the lifetime of its run task.
type NewDispatcherFunc func() dispatcher.Dispatcher

// AuthFunc extracts the authenticated principal (if any) from an
// incoming request. A nil *session.Principal represents an
// unauthenticated caller. Handler calls this once per request before
// consulting the session registry, so user-claim enforcement (§4.E, §7)
// applies uniformly to GET, POST, and DELETE — resolving the first Open
// Question in §9 rather than leaving it inconsistent across paths.
type AuthFunc func(*http.Request) (*session.Principal, error)

// Handler is an http.Handler serving Streamable HTTP sessions (component
// C), grounded on the teacher's StreamableHTTPHandler.
type Handler struct {
	registry      *session.Registry
	newDispatcher NewDispatcherFunc
	authenticate  AuthFunc
}

// NewHandler returns a Handler backed by registry. newDispatcher is
// called once per brand new session; authenticate may be nil, in which
// case every request is treated as unauthenticated.
func NewHandler(registry *session.Registry, newDispatcher NewDispatcherFunc, authenticate AuthFunc) *Handler {
	if authenticate == nil {
		authenticate = func(*http.Request) (*session.Principal, error) { return nil, nil }
	}
	return &Handler{registry: registry, newDispatcher: newDispatcher, authenticate: authenticate}
}

func acceptOK(req *http.Request) (jsonOK, streamOK bool) {
	for _, v := range req.Header.Values("Accept") {
		for _, c := range strings.Split(v, ",") {
			switch strings.TrimSpace(c) {
			case "application/json":
				jsonOK = true
			case "text/event-stream":
				streamOK = true
			}
		}
	}
	return
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	jsonOK, streamOK := acceptOK(req)
	if req.Method == http.MethodGet {
		if !streamOK {
			http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusBadRequest)
			return
		}
	} else if req.Method == http.MethodPost && (!jsonOK || !streamOK) {
		http.Error(w, "Accept must contain both 'application/json' and 'text/event-stream'", http.StatusBadRequest)
		return
	}

	principal, err := h.authenticate(req)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	claim := session.ClaimFromPrincipal(principal)

	id := req.Header.Get(SessionHeader)

	if id == "" && req.Method == http.MethodDelete {
		http.Error(w, "DELETE requires an "+SessionHeader+" header", http.StatusBadRequest)
		return
	}

	var sess *session.Session
	if id == "" {
		// newTransport and run close over d: newTransport sets it while
		// constructing the session's transport, and run (launched by the
		// registry only after newTransport returns) reads it. The two
		// closures always run in that order for a given GetOrCreate call.
		var d dispatcher.Dispatcher
		sess, _, err = h.registry.GetOrCreate(req.Context(), "", claim, func(newID string) (session.Transport, error) {
			d = h.newDispatcher()
			return NewServerTransport(newID, d.Inbound()), nil
		}, func(ctx context.Context, s *session.Session) {
			transport := s.Transport().(*ServerTransport)
			_ = d.Run(ctx, func(ctx context.Context, env dispatcher.Envelope) error {
				return transport.SendMessage(ctx, env)
			})
		})
	} else {
		sess, _, err = h.registry.GetOrCreate(req.Context(), id, claim, nil, nil)
	}
	if err != nil {
		writeSessionError(w, err)
		return
	}

	sess.Reference()
	defer sess.Unreference()
	w.Header().Set(SessionHeader, sess.ID())

	transport := sess.Transport().(*ServerTransport)

	switch req.Method {
	case http.MethodGet:
		h.handleGet(w, req, transport)
	case http.MethodPost:
		h.handlePost(w, req, transport)
	case http.MethodDelete:
		h.handleDelete(w, sess)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, req *http.Request, transport *ServerTransport) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Content-Encoding", "identity")
	flusher, _ := w.(http.Flusher)
	lastEventID := req.Header.Get("Last-Event-ID")
	if err := transport.HandleGet(req.Context(), w, flusher, lastEventID); err != nil && !errors.Is(err, context.Canceled) {
		// The stream is already committed by this point; nothing more we
		// can send but a silent close.
		return
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, req *http.Request, transport *ServerTransport) {
	if req.Header.Get("Last-Event-ID") != "" {
		http.Error(w, "can't send Last-Event-ID for POST request", http.StatusBadRequest)
		return
	}
	ct := req.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Content-Encoding", "identity")
	flusher, _ := w.(http.Flusher)

	wroteResponse, err := transport.HandlePost(req.Context(), body, w, flusher)
	if err != nil {
		if !wroteResponse {
			// Malformed JSON or a null message is a protocol exception, not
			// a client-request problem: §7 mandates a 5xx here (distinct
			// from the legitimate 400s above) and the session stays alive.
			http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusInternalServerError)
		}
		return
	}
	if !wroteResponse {
		w.Header().Del("Content-Type")
		w.Header().Del("Cache-Control")
		w.Header().Del("Content-Encoding")
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, sess *session.Session) {
	h.registry.Delete(sess.ID())
	w.WriteHeader(http.StatusOK)
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": jsonrpc2.Version,
			"error": map[string]any{
				"code":    jsonrpc2.CodeSessionNotFound,
				"message": "Session not found",
			},
		})
	case errors.Is(err, session.ErrUserMismatch):
		w.WriteHeader(http.StatusForbidden)
	case errors.Is(err, session.ErrRateLimited):
		http.Error(w, "too many session creation requests", http.StatusTooManyRequests)
	default:
		http.Error(w, "failed to establish session", http.StatusInternalServerError)
	}
}
