// Package session implements the per-session state machine (component B)
// and the process-wide session registry (component E) shared by both HTTP
// transport variants.
package session

import (
	"sync/atomic"
	"time"
)

// Transport is the minimal contract a transport implementation must
// satisfy to be owned by a Session: it must be closeable. The concrete
// transports (streamablehttp.ServerTransport, ssehttp.ServerTransport)
// satisfy this trivially; Session and Registry never need to know which
// wire format a given transport speaks.
type Transport interface {
	Close() error
}

// Session is the per-client logical context identified by a
// server-allocated session id. It is a passive state holder: all the
// request-handling logic lives on the Transport it owns.
type Session struct {
	id        string
	transport Transport
	claim     UserIdClaim

	refCount     atomic.Int32
	lastActivity atomic.Int64 // UnixNano, updated when refCount drops to zero

	done chan struct{} // closed when the session's run task returns
}

func newSession(id string, transport Transport, claim UserIdClaim) *Session {
	s := &Session{
		id:        id,
		transport: transport,
		claim:     claim,
		done:      make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// ID returns the session's immutable id.
func (s *Session) ID() string { return s.id }

// Transport returns the transport this session owns.
func (s *Session) Transport() Transport { return s.transport }

// Claim returns the user identity claim bound to this session at
// creation. It never changes over the session's lifetime.
func (s *Session) Claim() UserIdClaim { return s.claim }

// Reference increments the session's reference count. Every HTTP handler
// must call this on entry, bracketed with a deferred Unreference, so that
// idle cleanup cannot race with an in-flight request.
func (s *Session) Reference() {
	s.refCount.Add(1)
}

// Unreference decrements the reference count. When it reaches zero, the
// session's last-activity timestamp is stamped with the current time, so
// idle-session sweeps see a monotonically non-decreasing value measured
// from the moment the session actually went idle.
func (s *Session) Unreference() {
	if s.refCount.Add(-1) == 0 {
		s.lastActivity.Store(time.Now().UnixNano())
	}
}

// RefCount returns the current reference count. Intended for tests and
// metrics; not meant to gate logic (TOCTOU against concurrent handlers).
func (s *Session) RefCount() int32 {
	return s.refCount.Load()
}

// IdleSince returns the time at which the session's reference count last
// dropped to zero. While the session is referenced, the value reflects
// the last time it *was* briefly unreferenced, which is fine: a session
// that's never idle is never a cleanup candidate regardless.
func (s *Session) IdleSince() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// HasSameUser reports whether claim identifies the same user as the one
// this session was created for. Two unauthenticated (zero) claims are
// considered the same user, matching an anonymous deployment where no
// auth middleware is configured at all.
func (s *Session) HasSameUser(claim UserIdClaim) bool {
	return s.claim.Equal(claim)
}

// Done returns a channel that is closed once the session's dispatcher run
// task has returned, whether normally or due to cancellation/error.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
