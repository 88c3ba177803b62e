package queue

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*Queue, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	bus := events.New(s, testLogger())
	return New(s, bus, testLogger(), nil), s
}

func TestClaimDrainsHighBeforeNormalBeforeLow(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	lowID, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityLow})
	if err != nil {
		t.Fatalf("submit low: %v", err)
	}
	normalID, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("submit normal: %v", err)
	}
	highID, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityHigh})
	if err != nil {
		t.Fatalf("submit high: %v", err)
	}

	first, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if first.ID != highID {
		t.Fatalf("expected high-priority job claimed first, got %s", first.ID)
	}

	second, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if second.ID != normalID {
		t.Fatalf("expected normal-priority job claimed second, got %s", second.ID)
	}

	third, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1"})
	if err != nil {
		t.Fatalf("claim 3: %v", err)
	}
	if third.ID != lowID {
		t.Fatalf("expected low-priority job claimed third, got %s", third.ID)
	}

	if _, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on empty queue, got %v", err)
	}
}

func TestClaimRejectsIncompatibleTargetAndRequeuesToTail(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	targetedID, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityNormal, TargetNode: "node-b"})
	if err != nil {
		t.Fatalf("submit targeted: %v", err)
	}
	genericID, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("submit generic: %v", err)
	}

	claimed, err := q.Claim(ctx, ClaimRequest{WorkerID: "node-a"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != genericID {
		t.Fatalf("expected generic job to be claimed by incompatible worker, got %s", claimed.ID)
	}

	claimed2, err := q.Claim(ctx, ClaimRequest{WorkerID: "node-b"})
	if err != nil {
		t.Fatalf("claim by targeted worker: %v", err)
	}
	if claimed2.ID != targetedID {
		t.Fatalf("expected targeted job to be claimed by node-b, got %s", claimed2.ID)
	}
}

func TestClaimReturnsNotFoundWhenNoJobIsCompatible(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityNormal, TargetCluster: "llm"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	_, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1", WorkerCluster: "vision"})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound when no queued job matches this worker's cluster, got %v", err)
	}

	// The incompatible jobs must still be in the queue, requeued to the
	// tail rather than dropped, so a compatible worker can claim them later.
	claimed, err := q.Claim(ctx, ClaimRequest{WorkerID: "w2", WorkerCluster: "llm"})
	if err != nil {
		t.Fatalf("claim by compatible worker: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a job claimed by the compatible worker")
	}
}

func TestClaimIncompatibleHighJobsDoNotStarveLowerQueues(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityHigh, TargetNode: "node-b"}); err != nil {
			t.Fatalf("submit targeted high %d: %v", i, err)
		}
	}
	wantID, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("submit normal: %v", err)
	}

	// The targeted high-priority jobs keep cycling back to queue:high's
	// tail; the claim must still reach the compatible normal-priority job.
	claimed, err := q.Claim(ctx, ClaimRequest{WorkerID: "node-a"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != wantID {
		t.Fatalf("expected the compatible normal job, got %s", claimed.ID)
	}

	// Both rejected jobs must still be queued for their targeted worker.
	first, err := q.Claim(ctx, ClaimRequest{WorkerID: "node-b"})
	if err != nil {
		t.Fatalf("claim by targeted worker: %v", err)
	}
	if first.Priority != PriorityHigh {
		t.Fatalf("expected a high-priority job for node-b, got %s", first.Priority)
	}
}

func TestCompleteRetriesUntilDead(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Submit(ctx, SubmitRequest{Type: "t", Priority: PriorityNormal, MaxRetries: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// max_retries=2 permits two re-queues; the third failed completion is
	// the one that kills the job: queued → processing → queued →
	// processing → queued → processing → dead.
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1"})
		if err != nil {
			t.Fatalf("claim attempt %d: %v", attempt, err)
		}
		if job.ID != jobID {
			t.Fatalf("unexpected job claimed: %s", job.ID)
		}
		if job.Status != StatusProcessing {
			t.Fatalf("attempt %d: expected processing after claim, got %s", attempt, job.Status)
		}
		if err := q.Complete(ctx, jobID, "w1", nil, "boom"); err != nil {
			t.Fatalf("complete attempt %d: %v", attempt, err)
		}

		job, err = q.Get(ctx, jobID)
		if err != nil {
			t.Fatalf("get after attempt %d: %v", attempt, err)
		}
		if job.RetryCount != attempt {
			t.Fatalf("attempt %d: retry_count = %d, want %d", attempt, job.RetryCount, attempt)
		}
		if attempt < 3 {
			if job.Status != StatusQueued {
				t.Fatalf("attempt %d: expected job re-queued, got %s", attempt, job.Status)
			}
		} else if job.Status != StatusDead {
			t.Fatalf("expected status dead on the third failed completion, got %s", job.Status)
		}
	}

	failed, err := s.Get(ctx, store.StatsFailed)
	if err != nil || failed != "1" {
		t.Fatalf("expected stats:failed=1, got %q err=%v", failed, err)
	}

	if err := q.Retry(ctx, jobID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	revived, err := q.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get after retry: %v", err)
	}
	if revived.Status != StatusQueued || revived.RetryCount != 0 {
		t.Fatalf("expected queued/reset job after retry, got %+v", revived)
	}
}

func TestCompleteRequiresOwnership(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Submit(ctx, SubmitRequest{Type: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.Claim(ctx, ClaimRequest{WorkerID: "owner"}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := q.Complete(ctx, jobID, "imposter", map[string]any{"ok": true}, ""); err == nil {
		t.Fatal("expected ErrNotOwner for non-owning worker")
	}
}

func TestCancelOnlyAllowedPreTerminal(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	jobID, err := q.Submit(ctx, SubmitRequest{Type: "t"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := q.Cancel(ctx, jobID); err != nil {
		t.Fatalf("cancel queued job: %v", err)
	}
	job, err := q.Get(ctx, jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}
	if err := q.Cancel(ctx, jobID); err == nil {
		t.Fatal("expected error cancelling an already-terminal job")
	}
}

type recordingCallback struct {
	requests []*http.Request
}

func (r *recordingCallback) Do(req *http.Request) (*http.Response, error) {
	r.requests = append(r.requests, req)
	return &http.Response{StatusCode: 200, Body: io.NopCloser(nil)}, nil
}

func TestCompleteFiresCallbackOnSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	bus := events.New(s, testLogger())
	cb := &recordingCallback{}
	q := New(s, bus, testLogger(), cb)
	ctx := context.Background()

	jobID, err := q.Submit(ctx, SubmitRequest{Type: "t", CallbackURL: "http://example.invalid/hook"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := q.Claim(ctx, ClaimRequest{WorkerID: "w1"}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Complete(ctx, jobID, "w1", map[string]any{"ok": true}, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if len(cb.requests) != 1 {
		t.Fatalf("expected exactly one callback request, got %d", len(cb.requests))
	}
}
