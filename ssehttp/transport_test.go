package ssehttp

import (
	"context"
	"testing"

	"github.com/mcpstream/core/dispatcher"
	"github.com/mcpstream/core/internal/jsonrpc2"
)

func TestOutgoingDropsOldestBeyondCap(t *testing.T) {
	transport := NewServerTransport("sess-1", "message?sessionId=sess-1", make(chan dispatcher.Envelope, 1))
	ctx := context.Background()

	total := outgoingCap + 5
	for i := 0; i < total; i++ {
		note := &jsonrpc2.Notification{Method: "tick"}
		if err := transport.SendMessage(ctx, dispatcher.Envelope{Message: note}); err != nil {
			t.Fatal(err)
		}
	}

	transport.mu.Lock()
	got := len(transport.outgoing)
	oldestIdx := transport.outgoing[0].idx
	transport.mu.Unlock()

	if got != outgoingCap {
		t.Fatalf("got %d retained messages, want the cap of %d", got, outgoingCap)
	}
	if wantOldest := total - outgoingCap; oldestIdx != wantOldest {
		t.Fatalf("got oldest retained idx %d, want %d (the first %d messages dropped)", oldestIdx, wantOldest, wantOldest)
	}
}
