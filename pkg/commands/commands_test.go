package commands

import (
	"context"
	"testing"
	"time"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
)

func TestSendAndAwaitResultRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	d := New(s)
	ctx := context.Background()

	cmdID, err := d.Send(ctx, "node-1", TypePing, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if cmdID == "" {
		t.Fatal("expected non-empty command id")
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.AwaitResult(ctx, cmdID)
		done <- err
	}()

	// Give AwaitResult's Subscribe a moment to register before publishing;
	// MemoryStore delivery is immediate once a subscriber exists.
	time.Sleep(10 * time.Millisecond)
	if err := d.PublishResult(ctx, Result{CommandID: cmdID, Success: true, Output: "pong"}); err != nil {
		t.Fatalf("publish result: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("await result: %v", err)
	}
}

func TestAwaitResultTimesOutWithoutReply(t *testing.T) {
	s := store.NewMemoryStore()
	d := New(s)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := d.AwaitResult(ctx, "never-arrives"); err == nil {
		t.Fatal("expected timeout error when no result is published")
	}
}
