package vision

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorkerClient records calls and lets tests script generate responses
// and simulate the asynchronous heartbeat a real worker would send after a
// model switch completes.
type fakeWorkerClient struct {
	mu            sync.Mutex
	switches      []string
	generates     []string
	onSwitch      func(nodeID, model string)
	onGenerate    func(nodeID, jobID string)
	generateError error
}

func (f *fakeWorkerClient) SwitchModel(_ context.Context, n VisionNode, model string) error {
	f.mu.Lock()
	f.switches = append(f.switches, n.ID+":"+model)
	cb := f.onSwitch
	f.mu.Unlock()
	if cb != nil {
		cb(n.ID, model)
	}
	return nil
}

func (f *fakeWorkerClient) Generate(_ context.Context, n VisionNode, job Job) (map[string]any, error) {
	f.mu.Lock()
	f.generates = append(f.generates, n.ID+":"+job.ID)
	cb := f.onGenerate
	f.mu.Unlock()
	if cb != nil {
		cb(n.ID, job.ID)
	}
	if f.generateError != nil {
		return nil, f.generateError
	}
	return map[string]any{"image_url": "https://example.invalid/" + job.ID}, nil
}

func (f *fakeWorkerClient) generateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.generates)
}

func (f *fakeWorkerClient) Cancel(_ context.Context, n VisionNode, jobID string) error {
	return nil
}

func newTestScheduler(t *testing.T, client WorkerClient) (*Scheduler, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	bus := events.New(s, testLogger())
	sched := New(s, bus, testLogger(), client, Config{
		PollInterval:      time.Millisecond,
		EmptyFleetBackoff: time.Millisecond,
		SwapPollInterval:  time.Millisecond,
		SwapTimeout:       50 * time.Millisecond,
	})
	return sched, s
}

// waitForJobStatus polls until the job reaches want; generation outcomes are
// recorded by a per-job goroutine, so tests cannot read them synchronously
// after dispatchNext returns.
func waitForJobStatus(t *testing.T, sched *Scheduler, id string, want JobStatus) *Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := sched.GetJob(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for job %s to reach %s", id, want)
	return nil
}

func TestStickyRoutingAvoidsSwap(t *testing.T) {
	client := &fakeWorkerClient{}
	sched, _ := newTestScheduler(t, client)
	ctx := context.Background()

	if err := sched.Heartbeat(ctx, HeartbeatReport{NodeID: "n1", IP: "10.0.0.1", Port: 8080, CurrentModel: "A", Status: NodeOnline}); err != nil {
		t.Fatalf("heartbeat n1: %v", err)
	}
	if err := sched.Heartbeat(ctx, HeartbeatReport{NodeID: "n2", IP: "10.0.0.2", Port: 8080, CurrentModel: "B", Status: NodeOnline}); err != nil {
		t.Fatalf("heartbeat n2: %v", err)
	}

	jobB, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "B"})
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	dispatched, _, err := sched.dispatchNext(ctx)
	if err != nil || !dispatched {
		t.Fatalf("dispatch B: dispatched=%v err=%v", dispatched, err)
	}

	got, err := sched.GetJob(ctx, jobB)
	if err != nil {
		t.Fatalf("get job B: %v", err)
	}
	if got.AssignedNode != "n2" {
		t.Fatalf("expected job targeting model B dispatched to n2, got %s", got.AssignedNode)
	}
	if len(client.switches) != 0 {
		t.Fatalf("expected no model swap for sticky routing, got %v", client.switches)
	}

	jobA, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "A"})
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	dispatched, _, err = sched.dispatchNext(ctx)
	if err != nil || !dispatched {
		t.Fatalf("dispatch A: dispatched=%v err=%v", dispatched, err)
	}
	gotA, err := sched.GetJob(ctx, jobA)
	if err != nil {
		t.Fatalf("get job A: %v", err)
	}
	if gotA.AssignedNode != "n1" {
		t.Fatalf("expected job targeting model A dispatched to n1, got %s", gotA.AssignedNode)
	}
	if len(client.switches) != 0 {
		t.Fatalf("expected still no model swap, got %v", client.switches)
	}
}

func TestForcedSwapWaitsForHeartbeat(t *testing.T) {
	client := &fakeWorkerClient{}
	sched, _ := newTestScheduler(t, client)
	ctx := context.Background()

	client.onSwitch = func(nodeID, model string) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			_ = sched.Heartbeat(ctx, HeartbeatReport{NodeID: nodeID, IP: "10.0.0.1", Port: 8080, CurrentModel: model, Status: NodeOnline})
		}()
	}

	if err := sched.Heartbeat(ctx, HeartbeatReport{NodeID: "n1", IP: "10.0.0.1", Port: 8080, CurrentModel: "A", Status: NodeOnline}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	jobID, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "B"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	dispatched, _, err := sched.dispatchNext(ctx)
	if err != nil || !dispatched {
		t.Fatalf("dispatch: dispatched=%v err=%v", dispatched, err)
	}

	if len(client.switches) != 1 || client.switches[0] != "n1:B" {
		t.Fatalf("expected exactly one switch to model B on n1, got %v", client.switches)
	}

	waitForJobStatus(t, sched, jobID, JobCompleted)
	if got := client.generateCount(); got != 1 {
		t.Fatalf("expected exactly one generate call, got %d", got)
	}
}

func TestGenerationsRunConcurrentlyAcrossIdleWorkers(t *testing.T) {
	client := &fakeWorkerClient{}
	started := make(chan string, 2)
	release := make(chan struct{})
	client.onGenerate = func(nodeID, _ string) {
		started <- nodeID
		<-release
	}
	sched, _ := newTestScheduler(t, client)
	ctx := context.Background()

	if err := sched.Heartbeat(ctx, HeartbeatReport{NodeID: "n1", IP: "10.0.0.1", Port: 8080, CurrentModel: "A", Status: NodeOnline}); err != nil {
		t.Fatalf("heartbeat n1: %v", err)
	}
	if err := sched.Heartbeat(ctx, HeartbeatReport{NodeID: "n2", IP: "10.0.0.2", Port: 8080, CurrentModel: "A", Status: NodeOnline}); err != nil {
		t.Fatalf("heartbeat n2: %v", err)
	}

	job1, err := sched.Submit(ctx, GenerateRequest{Prompt: "p1", Model: "A"})
	if err != nil {
		t.Fatalf("submit job1: %v", err)
	}
	job2, err := sched.Submit(ctx, GenerateRequest{Prompt: "p2", Model: "A"})
	if err != nil {
		t.Fatalf("submit job2: %v", err)
	}

	// The first generation is still blocked when the second dispatch runs:
	// the dispatcher must hand the second job to the other idle worker
	// instead of waiting out the first worker's generation.
	for i := 0; i < 2; i++ {
		dispatched, _, err := sched.dispatchNext(ctx)
		if err != nil || !dispatched {
			t.Fatalf("dispatch %d: dispatched=%v err=%v", i+1, dispatched, err)
		}
	}

	inFlight := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case nodeID := <-started:
			inFlight[nodeID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out with only %d generation(s) in flight; dispatcher is serializing on the worker call", i)
		}
	}
	if !inFlight["n1"] || !inFlight["n2"] {
		t.Fatalf("expected one in-flight generation per worker, got %v", inFlight)
	}

	close(release)
	waitForJobStatus(t, sched, job1, JobCompleted)
	waitForJobStatus(t, sched, job2, JobCompleted)
}

func TestSwapTimeoutFailsJobAndMarksWorkerOffline(t *testing.T) {
	client := &fakeWorkerClient{} // never sends the post-swap heartbeat
	sched, _ := newTestScheduler(t, client)
	ctx := context.Background()

	if err := sched.Heartbeat(ctx, HeartbeatReport{NodeID: "n1", IP: "10.0.0.1", Port: 8080, CurrentModel: "A", Status: NodeOnline}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	jobID, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "B"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, _, err := sched.dispatchNext(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	job, err := sched.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != JobFailed {
		t.Fatalf("expected job failed after swap timeout, got %s", job.Status)
	}

	n, ok, err := sched.Node(ctx, "n1")
	if err != nil || !ok {
		t.Fatalf("node: ok=%v err=%v", ok, err)
	}
	if n.Status != NodeOffline {
		t.Fatalf("expected worker marked offline after swap timeout, got %s", n.Status)
	}
	if got := client.generateCount(); got != 0 {
		t.Fatalf("expected no generate call after failed swap, got %d", got)
	}
}

func TestNoAvailableWorkerRequeuesAtHead(t *testing.T) {
	client := &fakeWorkerClient{}
	sched, s := newTestScheduler(t, client)
	ctx := context.Background()

	jobID, err := sched.Submit(ctx, GenerateRequest{Prompt: "p", Model: "A"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	dispatched, backoff, err := sched.dispatchNext(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if dispatched {
		t.Fatal("expected no dispatch with zero available workers")
	}
	if backoff <= 0 {
		t.Fatal("expected non-zero backoff when fleet is empty")
	}

	ids, err := s.LRange(ctx, store.VisionQueue, 0, -1)
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(ids) != 1 || ids[0] != jobID {
		t.Fatalf("expected job requeued in vision:queue, got %v", ids)
	}
}
