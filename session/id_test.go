package session

import "testing"

// TestNewIDUniqueSample is testable property 1 (spec.md §8): generated ids
// decode to 16 bytes and a large sample produces zero collisions. The full
// run samples 10^6 ids per the spec; -short drops to a size that still
// exercises the birthday-bound math without slowing routine test runs.
func TestNewIDUniqueSample(t *testing.T) {
	n := 1_000_000
	if testing.Short() {
		n = 20_000
	}

	seen := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("NewID failed at sample %d: %v", i, err)
		}
		if !ValidID(id) {
			t.Fatalf("got malformed id %q at sample %d", id, i)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("collision on id %q after %d samples", id, i)
		}
		seen[id] = struct{}{}
	}
}
