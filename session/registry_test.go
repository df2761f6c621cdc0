package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type fakeTransport struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func noopRun(ctx context.Context, sess *Session) {
	<-ctx.Done()
}

func TestGetOrCreateNewSession(t *testing.T) {
	reg := NewRegistry()
	var transport *fakeTransport
	sess, created, err := reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		transport = &fakeTransport{}
		return transport, nil
	}, noopRun)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected created=true")
	}
	if !ValidID(sess.ID()) {
		t.Errorf("got malformed id %q", sess.ID())
	}
	if reg.Len() != 1 {
		t.Errorf("got registry len %d, want 1", reg.Len())
	}
	reg.Shutdown()
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session run task did not finish after Shutdown")
	}
	if !transport.isClosed() {
		t.Error("expected transport to be closed on shutdown")
	}
}

func TestGetOrCreateExistingSession(t *testing.T) {
	reg := NewRegistry()
	claim := UserIdClaim{Type: ClaimSub, Value: "alice", Issuer: "issuer", set: true}
	sess, _, err := reg.GetOrCreate(context.Background(), "", claim, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if err != nil {
		t.Fatal(err)
	}

	got, created, err := reg.GetOrCreate(context.Background(), sess.ID(), claim, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("expected created=false for existing session lookup")
	}
	if got != sess {
		t.Error("expected the same *Session back")
	}
}

func TestGetOrCreateUnknownIDNotFound(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.GetOrCreate(context.Background(), "does-not-exist", UserIdClaim{}, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestGetOrCreateUserMismatch(t *testing.T) {
	reg := NewRegistry()
	owner := UserIdClaim{Type: ClaimSub, Value: "alice", Issuer: "issuer", set: true}
	other := UserIdClaim{Type: ClaimSub, Value: "mallory", Issuer: "issuer", set: true}
	sess, _, err := reg.GetOrCreate(context.Background(), "", owner, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if err != nil {
		t.Fatal(err)
	}

	_, _, err = reg.GetOrCreate(context.Background(), sess.ID(), other, nil, nil)
	if !errors.Is(err, ErrUserMismatch) {
		t.Errorf("got %v, want ErrUserMismatch", err)
	}
}

func TestGetOrCreateRateLimited(t *testing.T) {
	reg := NewRegistry(WithCreationRateLimit(rate.Limit(0), 1))
	_, _, err := reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("got %v, want ErrRateLimited", err)
	}
}

func TestSetCreationRateLimitRaisesLimit(t *testing.T) {
	reg := NewRegistry(WithCreationRateLimit(rate.Limit(0), 1))
	_, _, err := reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("got %v, want ErrRateLimited before raising the limit", err)
	}

	reg.SetCreationRateLimit(rate.Inf, 1)
	_, _, err = reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if err != nil {
		t.Errorf("got %v, want nil after raising the limit to rate.Inf", err)
	}
}

func TestSetCreationRateLimitNoopWithoutLimiter(t *testing.T) {
	reg := NewRegistry()
	reg.SetCreationRateLimit(rate.Limit(0), 1) // must not panic
	_, _, err := reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if err != nil {
		t.Errorf("got %v, want nil: a registry built without WithCreationRateLimit stays unlimited", err)
	}
}

func TestDeleteClosesTransportAndCancelsRun(t *testing.T) {
	reg := NewRegistry()
	var transport *fakeTransport
	sess, _, err := reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		transport = &fakeTransport{}
		return transport, nil
	}, noopRun)
	if err != nil {
		t.Fatal(err)
	}

	reg.Delete(sess.ID())
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("run task did not finish after Delete")
	}
	if !transport.isClosed() {
		t.Error("expected transport to be closed on delete")
	}
	if _, ok := reg.Get(sess.ID()); ok {
		t.Error("expected session to be gone from registry after delete")
	}
}

func TestShutdownClosesAllSessions(t *testing.T) {
	reg := NewRegistry()
	var transports []*fakeTransport
	var sessions []*Session
	for i := 0; i < 3; i++ {
		var tr *fakeTransport
		sess, _, err := reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
			tr = &fakeTransport{}
			return tr, nil
		}, noopRun)
		if err != nil {
			t.Fatal(err)
		}
		transports = append(transports, tr)
		sessions = append(sessions, sess)
	}

	reg.Shutdown()
	for i, sess := range sessions {
		select {
		case <-sess.Done():
		case <-time.After(time.Second):
			t.Fatalf("session %d run task did not finish after Shutdown", i)
		}
		if !transports[i].isClosed() {
			t.Errorf("session %d transport not closed", i)
		}
	}
	if reg.Len() != 0 {
		t.Errorf("got registry len %d after shutdown, want 0", reg.Len())
	}
}

func TestAnonymousClaimsConsideredSameUser(t *testing.T) {
	reg := NewRegistry()
	sess, _, err := reg.GetOrCreate(context.Background(), "", UserIdClaim{}, func(id string) (Transport, error) {
		return &fakeTransport{}, nil
	}, noopRun)
	if err != nil {
		t.Fatal(err)
	}
	_, _, err = reg.GetOrCreate(context.Background(), sess.ID(), UserIdClaim{}, nil, nil)
	if err != nil {
		t.Errorf("expected anonymous claims to match, got %v", err)
	}
}
