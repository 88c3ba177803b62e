package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/internal/telemetry"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
)

// ErrNotFound is returned when a vision job or node id has no record.
var ErrNotFound = fmt.Errorf("vision: not found")

// Config tunes the scheduler's poll cadence; all fields have sensible
// defaults applied by NewScheduler when zero.
type Config struct {
	// PollInterval is how long the dispatcher sleeps when vision:queue is
	// empty.
	PollInterval time.Duration
	// EmptyFleetBackoff is the sleep applied when no worker is available at
	// all.
	EmptyFleetBackoff time.Duration
	// SwapPollInterval is how often the dispatcher re-checks a swapping
	// worker's heartbeat while waiting for the model to land.
	SwapPollInterval time.Duration
	// SwapTimeout bounds how long the dispatcher waits for a swap to
	// complete before marking the job failed and the worker offline.
	SwapTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.EmptyFleetBackoff <= 0 {
		c.EmptyFleetBackoff = time.Second
	}
	if c.SwapPollInterval <= 0 {
		c.SwapPollInterval = time.Second
	}
	if c.SwapTimeout <= 0 {
		c.SwapTimeout = 120 * time.Second
	}
	return c
}

// Scheduler implements the Smart Scheduler. Run must only ever
// be driven from a single goroutine: the sticky-model decision requires a
// serialized view of "which worker has which model".
type Scheduler struct {
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	client WorkerClient
	cfg    Config
}

// New creates a Scheduler.
func New(s store.Store, bus *events.Bus, logger *slog.Logger, client WorkerClient, cfg Config) *Scheduler {
	return &Scheduler{store: s, bus: bus, logger: logger, client: client, cfg: cfg.withDefaults()}
}

// Heartbeat records a vision worker's self-report.
func (s *Scheduler) Heartbeat(ctx context.Context, report HeartbeatReport) error {
	if report.NodeID == "" {
		return fmt.Errorf("vision: node_id is required")
	}
	n := VisionNode{
		ID:              report.NodeID,
		Hostname:        report.Hostname,
		IP:              report.IP,
		Port:            report.Port,
		CurrentModel:    report.CurrentModel,
		GPUUtilSample:   report.GPUUtil,
		Status:          report.Status,
		LastHeartbeatTS: time.Now().UTC(),
	}
	if n.Status == "" {
		n.Status = NodeOnline
	}

	// Preserve current_job_id across heartbeats unless the worker is
	// reporting itself idle/online, which it only does once a job finishes.
	if existing, ok, err := s.Node(ctx, report.NodeID); err == nil && ok && n.Status != NodeOnline {
		n.CurrentJobID = existing.CurrentJobID
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding vision node: %w", err)
	}
	if err := s.store.HSet(ctx, store.VisionNodesHash, map[string]string{report.NodeID: string(payload)}); err != nil {
		return fmt.Errorf("storing vision node: %w", err)
	}
	return nil
}

// Node returns a single vision node's current record.
func (s *Scheduler) Node(ctx context.Context, id string) (VisionNode, bool, error) {
	nodes, err := s.store.HGetAll(ctx, store.VisionNodesHash)
	if err != nil {
		if err == store.ErrNotFound {
			return VisionNode{}, false, nil
		}
		return VisionNode{}, false, err
	}
	raw, ok := nodes[id]
	if !ok {
		return VisionNode{}, false, nil
	}
	var n VisionNode
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return VisionNode{}, false, fmt.Errorf("decoding vision node %s: %w", id, err)
	}
	return n, true, nil
}

// ListNodes returns every known vision node.
func (s *Scheduler) ListNodes(ctx context.Context) ([]VisionNode, error) {
	raw, err := s.store.HGetAll(ctx, store.VisionNodesHash)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	nodes := make([]VisionNode, 0, len(raw))
	for _, payload := range raw {
		var n VisionNode
		if err := json.Unmarshal([]byte(payload), &n); err == nil {
			nodes = append(nodes, n)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes, nil
}

func (s *Scheduler) putNode(ctx context.Context, n VisionNode) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding vision node: %w", err)
	}
	return s.store.HSet(ctx, store.VisionNodesHash, map[string]string{n.ID: string(payload)})
}

func (s *Scheduler) saveJob(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding vision job: %w", err)
	}
	return s.store.Set(ctx, store.VisionJobKey(job.ID), string(payload), 0)
}

// Submit enqueues an image-generation job.
func (s *Scheduler) Submit(ctx context.Context, req GenerateRequest) (string, error) {
	priority := req.Priority
	switch priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		priority = PriorityNormal
	}

	job := &Job{
		ID:        uuid.NewString(),
		Prompt:    req.Prompt,
		Model:     req.Model,
		Priority:  priority,
		Params:    req.Params,
		Status:    JobQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.saveJob(ctx, job); err != nil {
		return "", err
	}
	if err := s.store.RPush(ctx, store.VisionQueue, job.ID); err != nil {
		return "", fmt.Errorf("enqueuing vision job: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(ctx, store.ChannelFleetEvents, "vision.job.submitted", map[string]any{
			"job_id": job.ID, "model": job.Model,
		})
	}
	return job.ID, nil
}

// GetJob returns a vision job's current record.
func (s *Scheduler) GetJob(ctx context.Context, id string) (*Job, error) {
	payload, err := s.store.Get(ctx, store.VisionJobKey(id))
	if err != nil {
		return nil, ErrNotFound
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decoding vision job: %w", err)
	}
	return &job, nil
}

// CancelJob forwards a cancellation to the assigned worker, if any, and
// marks the job cancelled.
func (s *Scheduler) CancelJob(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == JobCompleted || job.Status == JobFailed || job.Status == JobCancelled {
		return nil
	}

	if job.AssignedNode != "" {
		if n, ok, _ := s.Node(ctx, job.AssignedNode); ok {
			if err := s.client.Cancel(ctx, n, job.ID); err != nil {
				s.logger.Warn("forwarding cancel to worker", "job_id", id, "node_id", n.ID, "error", err)
			}
		}
	}
	_ = s.store.LRem(ctx, store.VisionQueue, 0, id)

	now := time.Now().UTC()
	job.Status = JobCancelled
	job.CompletedAt = &now
	return s.saveJob(ctx, job)
}

// SwitchModel forces an idle worker to load a different model on demand,
// outside the normal dispatch loop.s sticky-model decision.
func (s *Scheduler) SwitchModel(ctx context.Context, nodeID, model string) error {
	n, ok, err := s.Node(ctx, nodeID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if n.CurrentJobID != "" {
		return fmt.Errorf("vision: node %s is busy with job %s", nodeID, n.CurrentJobID)
	}

	n.Status = NodeSwitching
	n.CurrentModel = ""
	if err := s.putNode(ctx, n); err != nil {
		return err
	}
	if err := s.client.SwitchModel(ctx, n, model); err != nil {
		n.Status = NodeOffline
		_ = s.putNode(ctx, n)
		return err
	}
	n.Status = NodeOnline
	n.CurrentModel = model
	return s.putNode(ctx, n)
}

// Status is the persisted vision:scheduler:status snapshot.
type Status struct {
	NodesTotal     int       `json:"nodes_total"`
	NodesAvailable int       `json:"nodes_available"`
	QueueDepth     int64     `json:"queue_depth"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// refreshStatus recomputes and persists vision:scheduler:status. Called
// once per dispatch cycle so Status reads never pay the cost
// of scanning the node hash and queue list on every HTTP request.
func (s *Scheduler) refreshStatus(ctx context.Context) {
	nodes, err := s.ListNodes(ctx)
	if err != nil {
		s.logger.Warn("refreshing vision scheduler status: listing nodes", "error", err)
		return
	}
	available := 0
	for _, n := range nodes {
		if n.Available() {
			available++
		}
	}
	depth, err := s.store.LLen(ctx, store.VisionQueue)
	if err != nil {
		s.logger.Warn("refreshing vision scheduler status: queue depth", "error", err)
	}
	st := Status{NodesTotal: len(nodes), NodesAvailable: available, QueueDepth: depth, UpdatedAt: time.Now().UTC()}
	payload, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, store.VisionSchedulerStatusKey, string(payload), 0); err != nil {
		s.logger.Warn("persisting vision scheduler status", "error", err)
	}
}

// Status returns the most recently persisted scheduler snapshot, computing
// one on the fly if the Run loop has not ticked yet.
func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	payload, err := s.store.Get(ctx, store.VisionSchedulerStatusKey)
	if err == store.ErrNotFound {
		s.refreshStatus(ctx)
		payload, err = s.store.Get(ctx, store.VisionSchedulerStatusKey)
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading vision scheduler status: %w", err)
	}
	var st Status
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return Status{}, fmt.Errorf("decoding vision scheduler status: %w", err)
	}
	return st, nil
}

// pickJob selects the next job: highest priority first, then FIFO by
// created_at, scanning the whole working set since the store only offers a
// plain list.
func (s *Scheduler) pickJob(ctx context.Context) (*Job, error) {
	ids, err := s.store.LRange(ctx, store.VisionQueue, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading vision queue: %w", err)
	}
	var best *Job
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			continue
		}
		if best == nil ||
			priorityRank(job.Priority) > priorityRank(best.Priority) ||
			(priorityRank(job.Priority) == priorityRank(best.Priority) && job.CreatedAt.Before(best.CreatedAt)) {
			best = job
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	if err := s.store.LRem(ctx, store.VisionQueue, 1, best.ID); err != nil {
		return nil, fmt.Errorf("removing job from vision queue: %w", err)
	}
	return best, nil
}

func (s *Scheduler) requeueHead(ctx context.Context, id string) {
	if err := s.store.LPush(ctx, store.VisionQueue, id); err != nil {
		s.logger.Error("requeuing vision job to head", "job_id", id, "error", err)
	}
}

// selectCandidate picks the best available worker for model, preferring one
// that already has it loaded.
func selectCandidate(nodes []VisionNode, model string) (VisionNode, bool, bool) {
	var stickyBest, anyBest VisionNode
	haveSticky, haveAny := false, false

	for _, n := range nodes {
		if !n.Available() {
			continue
		}
		if !haveAny || n.GPUUtilSample < anyBest.GPUUtilSample {
			anyBest = n
			haveAny = true
		}
		if n.CurrentModel == model {
			if !haveSticky || n.GPUUtilSample < stickyBest.GPUUtilSample {
				stickyBest = n
				haveSticky = true
			}
		}
	}
	if haveSticky {
		return stickyBest, true, false
	}
	if haveAny {
		return anyBest, true, true
	}
	return VisionNode{}, false, false
}

// dispatchNext runs one pick/select/swap/dispatch iteration. It returns
// dispatched=true if a job was handed to a worker (successfully or not);
// false means the caller should sleep per the returned backoff.
func (s *Scheduler) dispatchNext(ctx context.Context) (dispatched bool, backoff time.Duration, err error) {
	start := time.Now()
	defer func() {
		if dispatched {
			telemetry.SchedulerDispatchDuration.Observe(time.Since(start).Seconds())
		}
	}()

	job, err := s.pickJob(ctx)
	if err == ErrNotFound {
		return false, s.cfg.PollInterval, nil
	}
	if err != nil {
		return false, s.cfg.PollInterval, err
	}

	nodes, err := s.ListNodes(ctx)
	if err != nil {
		s.requeueHead(ctx, job.ID)
		return false, s.cfg.PollInterval, err
	}

	candidate, ok, needsSwap := selectCandidate(nodes, job.Model)
	if !ok {
		s.requeueHead(ctx, job.ID)
		return false, s.cfg.EmptyFleetBackoff, nil
	}

	if needsSwap {
		if err := s.swap(ctx, &candidate, job); err != nil {
			s.logger.Warn("model swap failed", "node_id", candidate.ID, "job_id", job.ID, "error", err)
			return true, 0, nil
		}
	}

	s.dispatch(ctx, candidate, job)
	return true, 0, nil
}

// swap moves a worker onto the job's model and waits for its heartbeat to
// confirm the load.
func (s *Scheduler) swap(ctx context.Context, n *VisionNode, job *Job) error {
	n.Status = NodeSwitching
	n.CurrentModel = ""
	n.CurrentJobID = ""
	if err := s.putNode(ctx, *n); err != nil {
		return err
	}

	if err := s.client.SwitchModel(ctx, *n, job.Model); err != nil {
		s.failSwap(ctx, n, job, err)
		return err
	}
	telemetry.SchedulerSwapsTotal.Inc()

	deadline := time.Now().Add(s.cfg.SwapTimeout)
	for time.Now().Before(deadline) {
		current, ok, err := s.Node(ctx, n.ID)
		if err == nil && ok && current.Status == NodeOnline && current.CurrentModel == job.Model {
			*n = current
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.SwapPollInterval):
		}
	}

	err := fmt.Errorf("model swap on %s timed out after %s", n.ID, s.cfg.SwapTimeout)
	s.failSwap(ctx, n, job, err)
	return err
}

func (s *Scheduler) failSwap(ctx context.Context, n *VisionNode, job *Job, cause error) {
	now := time.Now().UTC()
	job.Status = JobFailed
	job.Error = cause.Error()
	job.CompletedAt = &now
	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Error("saving failed vision job", "job_id", job.ID, "error", err)
	}

	n.Status = NodeOffline
	n.CurrentJobID = ""
	if err := s.putNode(ctx, *n); err != nil {
		s.logger.Error("marking worker offline after failed swap", "node_id", n.ID, "error", err)
	}

	if s.bus != nil {
		s.bus.Publish(ctx, store.ChannelFleetEvents, "vision.job.failed", map[string]any{
			"job_id": job.ID, "node_id": n.ID, "error": cause.Error(),
		})
	}
}

// dispatch marks the worker busy and the job running, then hands the
// generation call to a per-job goroutine. The worker's busy state is
// persisted before dispatch returns, so the next loop iteration already
// sees this worker as taken and keeps routing to the rest of the fleet
// while the generation is in flight.
func (s *Scheduler) dispatch(ctx context.Context, n VisionNode, job *Job) {
	now := time.Now().UTC()
	n.Status = NodeBusy
	n.CurrentJobID = job.ID
	if err := s.putNode(ctx, n); err != nil {
		s.logger.Error("marking worker busy", "node_id", n.ID, "error", err)
	}

	job.Status = JobRunning
	job.StartedAt = &now
	job.AssignedNode = n.ID
	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Error("saving dispatched vision job", "job_id", job.ID, "error", err)
	}
	if s.bus != nil {
		s.bus.Publish(ctx, store.ChannelFleetEvents, "vision.job.dispatched", map[string]any{
			"job_id": job.ID, "node_id": n.ID,
		})
	}

	go s.awaitGeneration(ctx, n, job)
}

// awaitGeneration blocks on one worker's generation call and records the
// outcome. Runs on its own goroutine per dispatched job so the dispatcher
// never waits out a generation budget.
func (s *Scheduler) awaitGeneration(ctx context.Context, n VisionNode, job *Job) {
	result, genErr := s.client.Generate(ctx, n, *job)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt
	if genErr != nil {
		job.Status = JobFailed
		job.Error = genErr.Error()
	} else {
		job.Status = JobCompleted
		job.Result = result
	}
	if err := s.saveJob(ctx, job); err != nil {
		s.logger.Error("saving completed vision job", "job_id", job.ID, "error", err)
	}

	n.Status = NodeOnline
	n.CurrentJobID = ""
	if err := s.putNode(ctx, n); err != nil {
		s.logger.Error("releasing worker after generation", "node_id", n.ID, "error", err)
	}

	if s.bus != nil {
		s.bus.Publish(ctx, store.ChannelFleetEvents, "vision.job."+string(job.Status), map[string]any{
			"job_id": job.ID, "node_id": n.ID,
		})
	}
}

// Run drives the dispatcher forever until ctx is cancelled. It MUST be
// called from exactly one goroutine: the sticky-model decision requires a
// serialized view of worker state, and concurrent dispatch would race on
// which worker has which model loaded. Only the routing decision is
// serialized — each dispatched generation awaits its worker on a per-job
// goroutine, so the loop keeps feeding idle workers while earlier
// generations are in flight.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dispatched, backoff, err := s.dispatchNext(ctx)
		s.refreshStatus(ctx)
		if err != nil {
			s.logger.Error("vision dispatch cycle failed", "error", err)
			if s.bus != nil {
				s.bus.Publish(ctx, store.ChannelFleetEvents, "vision.error", map[string]any{"error": err.Error()})
			}
		}
		if dispatched {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}
