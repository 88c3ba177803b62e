package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/internal/telemetry"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
)

// ErrNotFound is returned when a job id has no record (expired or never
// existed).
var ErrNotFound = fmt.Errorf("queue: job not found")

// ErrInvalidState is returned when an operation is attempted against a job
// whose current status does not permit it.
var ErrInvalidState = fmt.Errorf("queue: invalid job state for operation")

// ErrNotOwner is returned when a worker tries to complete/update a job it
// was not assigned.
var ErrNotOwner = fmt.Errorf("queue: worker does not own job")

// CallbackClient fires the optional completion webhook. Kept narrow so
// tests can substitute a no-op or recording stub.
type CallbackClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Queue implements the Priority Job Queue.
type Queue struct {
	store    store.Store
	bus      *events.Bus
	logger   *slog.Logger
	callback CallbackClient
}

// New creates a Queue. callback may be nil, in which case completion
// webhooks are skipped entirely.
func New(s store.Store, bus *events.Bus, logger *slog.Logger, callback CallbackClient) *Queue {
	return &Queue{store: s, bus: bus, logger: logger, callback: callback}
}

func queueKey(p Priority) string {
	switch p {
	case PriorityHigh:
		return store.QueueHigh
	case PriorityLow:
		return store.QueueLow
	default:
		return store.QueueNormal
	}
}

func (q *Queue) save(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	return q.store.Set(ctx, store.JobKey(job.ID), string(payload), DefaultJobTTL)
}

// Submit allocates a job id, stores the record, and enqueues it.
func (q *Queue) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	priority := req.Priority
	switch priority {
	case PriorityHigh, PriorityNormal, PriorityLow:
	default:
		priority = PriorityNormal
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	job := &Job{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Priority:      priority,
		Payload:       req.Payload,
		TargetNode:    req.TargetNode,
		TargetCluster: req.TargetCluster,
		TargetModel:   req.TargetModel,
		Status:        StatusQueued,
		MaxRetries:    maxRetries,
		TimeoutS:      req.TimeoutS,
		CreatedAt:     time.Now().UTC(),
		CallbackURL:   req.CallbackURL,
	}

	if err := q.save(ctx, job); err != nil {
		return "", err
	}
	if err := q.store.RPush(ctx, queueKey(priority), job.ID); err != nil {
		return "", fmt.Errorf("enqueuing job: %w", err)
	}
	if _, err := q.store.Incr(ctx, store.StatsQueued); err != nil {
		q.logger.Warn("incrementing stats:queued", "error", err)
	}
	if q.bus != nil {
		q.bus.Publish(ctx, store.ChannelFleetEvents, "job.submitted", map[string]any{
			"job_id": job.ID, "type": job.Type, "priority": string(job.Priority),
		})
	}
	telemetry.QueueJobsTotal.WithLabelValues(string(StatusQueued)).Inc()
	return job.ID, nil
}

// Get returns the current record for id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	payload, err := q.store.Get(ctx, store.JobKey(id))
	if err != nil {
		return nil, ErrNotFound
	}
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

// List performs a full scan with an in-memory filter.
// Intended for small N (thousands), not production-scale fleets.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	keys, err := q.store.ScanKeys(ctx, "job:*")
	if err != nil {
		return nil, fmt.Errorf("scanning jobs: %w", err)
	}
	jobs := make([]*Job, 0, len(keys))
	for _, key := range keys {
		payload, err := q.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		if filter.Priority != "" && job.Priority != filter.Priority {
			continue
		}
		if filter.Type != "" && job.Type != filter.Type {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Cancel marks a queued or processing job cancelled and strips it from
// every list/set it might be sitting in.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusQueued && job.Status != StatusProcessing {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.Status)
	}

	job.Status = StatusCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := q.save(ctx, job); err != nil {
		return err
	}

	_ = q.store.LRem(ctx, queueKey(job.Priority), 0, id)
	_ = q.store.SRem(ctx, store.QueueProcessing, id)
	if q.bus != nil {
		q.bus.Publish(ctx, store.ChannelFleetEvents, "job.cancelled", map[string]any{"job_id": id})
	}
	telemetry.QueueJobsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	return nil
}

// Retry resets a failed/dead job's transient fields and re-enqueues it.
func (q *Queue) Retry(ctx context.Context, id string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusFailed && job.Status != StatusDead {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidState, id, job.Status)
	}

	job.Status = StatusQueued
	job.RetryCount = 0
	job.Error = ""
	job.Progress = 0
	job.AssignedNode = ""
	job.StartedAt = nil
	job.CompletedAt = nil

	if err := q.save(ctx, job); err != nil {
		return err
	}
	if err := q.store.RPush(ctx, queueKey(job.Priority), job.ID); err != nil {
		return fmt.Errorf("re-enqueuing job: %w", err)
	}
	if q.bus != nil {
		q.bus.Publish(ctx, store.ChannelFleetEvents, "job.retried", map[string]any{"job_id": id})
	}
	telemetry.QueueJobsTotal.WithLabelValues(string(StatusQueued)).Inc()
	return nil
}

func (q *Queue) compatible(job *Job, req ClaimRequest) bool {
	if job.TargetNode != "" && job.TargetNode != req.WorkerID {
		return false
	}
	if job.TargetCluster != "" && req.WorkerCluster != "" && job.TargetCluster != req.WorkerCluster {
		return false
	}
	if len(req.AcceptedTypes) > 0 {
		ok := false
		for _, t := range req.AcceptedTypes {
			if t == job.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Claim tries high, then normal, then low, rejecting incompatible jobs back
// to the tail of the same queue so other workers may still pick them up.
// It pops across the priority lists with a single store.LMPop call per
// attempt, giving the priority check (first non-empty queue wins) and the
// pop itself a single atomic step, rather than checking each queue's
// existence separately.
func (q *Queue) Claim(ctx context.Context, req ClaimRequest) (*Job, error) {
	// Budget each queue by its length at the start of the call: an
	// incompatible job is popped and pushed right back to the tail of its
	// own queue, so an unbounded loop would spin forever on a fleet with no
	// compatible job. The budget is per queue, not global — LMPop always
	// restarts from queue:high, and a shared budget would let rejected
	// high-priority jobs starve a compatible job waiting further down.
	keys := make([]string, 0, 3)
	budget := make(map[string]int64, 3)
	for _, priority := range priorityQueueOrder() {
		key := queueKey(priority)
		n, err := q.store.LLen(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("measuring %s: %w", key, err)
		}
		if n > 0 {
			keys = append(keys, key)
			budget[key] = n
		}
	}

	for len(keys) > 0 {
		key, ids, err := q.store.LMPop(ctx, keys, 1)
		if err == store.ErrNotFound {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("claiming job: %w", err)
		}
		id := ids[0]

		budget[key]--
		if budget[key] <= 0 {
			// Every job this queue held at the start of the call has been
			// seen once; retire it so requeued rejects aren't re-popped.
			for i, k := range keys {
				if k == key {
					keys = append(keys[:i], keys[i+1:]...)
					break
				}
			}
		}

		job, err := q.Get(ctx, id)
		if err != nil {
			// Record vanished (TTL expiry); drop the dangling id and move on.
			continue
		}
		if !q.compatible(job, req) {
			if rerr := q.store.RPush(ctx, key, id); rerr != nil {
				return nil, fmt.Errorf("requeuing rejected job: %w", rerr)
			}
			continue
		}

		now := time.Now().UTC()
		job.Status = StatusProcessing
		job.AssignedNode = req.WorkerID
		job.StartedAt = &now
		if err := q.save(ctx, job); err != nil {
			return nil, err
		}
		if err := q.store.SAdd(ctx, store.QueueProcessing, job.ID); err != nil {
			return nil, fmt.Errorf("adding to processing set: %w", err)
		}
		if q.bus != nil {
			q.bus.Publish(ctx, store.ChannelFleetEvents, "job.claimed", map[string]any{
				"job_id": job.ID, "worker_id": req.WorkerID,
			})
		}
		return job, nil
	}
	return nil, ErrNotFound
}

// Complete reports a terminal or retryable outcome for a claimed job.
func (q *Queue) Complete(ctx context.Context, id, workerID string, result map[string]any, failErr string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.AssignedNode != workerID {
		return fmt.Errorf("%w: job %s is assigned to %q, not %q", ErrNotOwner, id, job.AssignedNode, workerID)
	}

	now := time.Now().UTC()
	duration := now.Sub(job.CreatedAt)
	if job.StartedAt != nil {
		duration = now.Sub(*job.StartedAt)
	}

	if failErr == "" {
		job.Status = StatusCompleted
		job.Progress = 100
		job.Result = result
		job.CompletedAt = &now
		if _, err := q.store.Incr(ctx, store.StatsCompleted); err != nil {
			q.logger.Warn("incrementing stats:completed", "error", err)
		}
	} else {
		job.RetryCount++
		job.Error = failErr
		// MaxRetries counts permitted re-queues, not attempts: with
		// max_retries=2 the first two failures re-queue and the third kills
		// the job.
		if job.RetryCount > job.MaxRetries {
			job.Status = StatusDead
			job.CompletedAt = &now
			if _, err := q.store.Incr(ctx, store.StatsFailed); err != nil {
				q.logger.Warn("incrementing stats:failed", "error", err)
			}
		} else {
			job.Status = StatusQueued
			job.AssignedNode = ""
			job.StartedAt = nil
			if err := q.store.RPush(ctx, queueKey(job.Priority), job.ID); err != nil {
				return fmt.Errorf("re-enqueuing failed job: %w", err)
			}
		}
	}

	if err := q.save(ctx, job); err != nil {
		return err
	}
	if err := q.store.SRem(ctx, store.QueueProcessing, id); err != nil {
		q.logger.Warn("removing from processing set", "job_id", id, "error", err)
	}

	q.appendHistory(ctx, job, duration)
	telemetry.QueueJobsTotal.WithLabelValues(string(job.Status)).Inc()

	if job.Status == StatusCompleted && job.CallbackURL != "" {
		q.fireCallback(ctx, job)
	}
	if q.bus != nil {
		q.bus.Publish(ctx, store.ChannelFleetEvents, "job."+string(job.Status), map[string]any{"job_id": id})
	}
	return nil
}

func (q *Queue) appendHistory(ctx context.Context, job *Job, duration time.Duration) {
	sample := completionSample{
		JobID:       job.ID,
		Status:      job.Status,
		CompletedAt: time.Now().UTC(),
		DurationMS:  duration.Milliseconds(),
	}
	payload, err := json.Marshal(sample)
	if err != nil {
		return
	}
	if err := q.store.RPush(ctx, store.StatsCompletionHistory, string(payload)); err != nil {
		q.logger.Warn("appending completion history", "error", err)
		return
	}
	if err := q.store.LTrim(ctx, store.StatsCompletionHistory, -CompletionHistoryCap, -1); err != nil {
		q.logger.Warn("trimming completion history", "error", err)
	}
}

// fireCallback fires the completion webhook. Failures are logged, never
// retried, and never surfaced to the caller.
func (q *Queue) fireCallback(ctx context.Context, job *Job) {
	if q.callback == nil {
		return
	}
	body, err := json.Marshal(job)
	if err != nil {
		q.logger.Warn("encoding callback body", "job_id", job.ID, "error", err)
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, job.CallbackURL, bytes.NewReader(body))
	if err != nil {
		q.logger.Warn("building callback request", "job_id", job.ID, "error", err)
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := q.callback.Do(httpReq)
	if err != nil {
		q.logger.Warn("firing completion callback", "job_id", job.ID, "url", job.CallbackURL, "error", err)
		return
	}
	_ = resp.Body.Close()
}

// UpdateProgress applies a worker's progress report, clamped to [0,100].
func (q *Queue) UpdateProgress(ctx context.Context, id, workerID string, progress int, detail string) error {
	job, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.AssignedNode != workerID {
		return fmt.Errorf("%w: job %s is assigned to %q, not %q", ErrNotOwner, id, job.AssignedNode, workerID)
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	job.Progress = progress
	if detail != "" {
		if job.Result == nil {
			job.Result = map[string]any{}
		}
		job.Result["detail"] = detail
	}
	return q.save(ctx, job)
}
