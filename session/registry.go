package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Sentinel errors returned by Registry.GetOrCreate and translated by the
// HTTP handler layer into the status codes from §7: ErrNotFound -> 404
// with a JSON-RPC -32001 envelope, ErrUserMismatch -> 403 empty body,
// ErrRateLimited -> 429.
var (
	ErrNotFound     = errors.New("session: not found")
	ErrUserMismatch = errors.New("session: user mismatch")
	ErrRateLimited  = errors.New("session: creation rate limited")
)

// NewTransportFunc constructs the server-side transport for a brand new
// session with the given id.
type NewTransportFunc func(id string) (Transport, error)

// RunFunc is the dispatcher run-loop for a newly created session. The
// Registry launches it in its own goroutine and considers the session's
// run task finished when it returns; ctx is cancelled on Registry.Delete
// or Registry.Shutdown.
type RunFunc func(ctx context.Context, sess *Session)

// Registry is the process-wide map from session id to Session (component
// E). It is safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc

	limiter *rate.Limiter // nil disables rate limiting
	metrics *Metrics      // nil disables metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithCreationRateLimit bounds the rate of brand-new session creation
// (i.e. requests with no mcp-session-id header) to r per second with the
// given burst, protecting the process from unbounded session allocation
// by a burst of unauthenticated POSTs. Lookups of existing sessions are
// never rate limited.
func WithCreationRateLimit(r rate.Limit, burst int) Option {
	return func(reg *Registry) {
		reg.limiter = rate.NewLimiter(r, burst)
	}
}

// WithMetrics registers m to be updated as sessions are created,
// rejected, and deleted.
func WithMetrics(m *Metrics) Option {
	return func(reg *Registry) {
		reg.metrics = m
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	reg := &Registry{
		sessions: make(map[string]*Session),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// GetOrCreate implements the getOrCreate contract from §4.E:
//
//   - If id is empty, a brand new session is created: newTransport builds
//     its transport, run is started in a new goroutine as its dispatcher
//     task, and the session is inserted keyed by a freshly generated id.
//   - If id is non-empty, the existing session is looked up. A miss
//     returns ErrNotFound. A user mismatch (claim differs from the stored
//     one) returns ErrUserMismatch.
//
// The returned bool reports whether a new session was created.
func (r *Registry) GetOrCreate(ctx context.Context, id string, claim UserIdClaim, newTransport NewTransportFunc, run RunFunc) (*Session, bool, error) {
	if id != "" {
		r.mu.Lock()
		sess, ok := r.sessions[id]
		r.mu.Unlock()
		if !ok {
			return nil, false, ErrNotFound
		}
		if !sess.HasSameUser(claim) {
			return nil, false, ErrUserMismatch
		}
		return sess, false, nil
	}

	if r.limiter != nil && !r.limiter.Allow() {
		if r.metrics != nil {
			r.metrics.creationsRejected.Inc()
		}
		return nil, false, ErrRateLimited
	}

	newID, err := NewID()
	if err != nil {
		return nil, false, fmt.Errorf("session: generating id: %w", err)
	}

	transport, err := newTransport(newID)
	if err != nil {
		return nil, false, fmt.Errorf("session: constructing transport: %w", err)
	}
	sess := newSession(newID, transport, claim)

	r.mu.Lock()
	if _, collision := r.sessions[newID]; collision {
		r.mu.Unlock()
		// A collision among 16 random bytes is a ~2^-128 event; treat it
		// as the fatal invariant violation the data model calls for
		// rather than silently overwriting a live session.
		panic(fmt.Sprintf("session: id collision on insert: %q", newID))
	}
	// The run task outlives the request that created the session; only
	// Delete and Shutdown cancel it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.sessions[newID] = sess
	r.cancels[newID] = cancel
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.sessionsCreated.Inc()
		r.metrics.activeSessions.Inc()
	}

	go func() {
		defer close(sess.done)
		defer cancel()
		run(runCtx, sess)
	}()

	return sess, true, nil
}

// Get looks up a session by id without creating one. It's used by
// transports that need read access to a session outside the HTTP request
// path that established it (e.g. to route a dispatcher-originated send).
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Delete removes id from the registry, cancels its run task, and closes
// its transport. It is a no-op if id is not present.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	cancel := r.cancels[id]
	delete(r.sessions, id)
	delete(r.cancels, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	if cancel != nil {
		cancel()
	}
	sess.transport.Close()
	if r.metrics != nil {
		r.metrics.activeSessions.Dec()
	}
}

// Len returns the number of live sessions. Intended for metrics and tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SetCreationRateLimit updates the session-creation rate limit in place,
// letting a long-lived server process reload it (e.g. from a config file
// watch) without restarting. It is a no-op if the registry was built
// without WithCreationRateLimit.
func (r *Registry) SetCreationRateLimit(limit rate.Limit, burst int) {
	r.mu.Lock()
	l := r.limiter
	r.mu.Unlock()
	if l == nil {
		return
	}
	l.SetLimit(limit)
	l.SetBurst(burst)
}

// Shutdown cancels every live session's run task and closes its
// transport, then empties the registry. Per §4.E, this happens promptly
// on process shutdown: callers should not wait out their HTTP server's
// default graceful-shutdown grace period for long-poll GETs to drain on
// their own, since clients are under no obligation to disconnect quickly.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	cancels := make([]context.CancelFunc, 0, len(r.cancels))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	for _, c := range r.cancels {
		cancels = append(cancels, c)
	}
	r.sessions = make(map[string]*Session)
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, s := range sessions {
		s.transport.Close()
	}
	if r.metrics != nil {
		r.metrics.activeSessions.Set(0)
	}
}
