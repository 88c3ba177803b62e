// Package queue implements the Priority Job Queue: a three-tier
// FIFO with worker-pull claim semantics, retry/dead-letter handling, and a
// rolling completion-rate history.
package queue

import "time"

// Priority is one of the three FIFO tiers a job is queued under.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Status is a job's position in its lifecycle state machine.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDead       Status = "dead"
	StatusCancelled  Status = "cancelled"
)

// DefaultMaxRetries is applied when a SubmitRequest omits MaxRetries.
const DefaultMaxRetries = 3

// DefaultJobTTL is how long a job record survives in the store after its
// last write.
const DefaultJobTTL = 7 * 24 * time.Hour

// CompletionHistoryCap bounds stats:completion_history.
const CompletionHistoryCap = 300

// SubmitRequest is the body of POST /queue/jobs.
type SubmitRequest struct {
	Type          string         `json:"type" validate:"required"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload"`
	TargetNode    string         `json:"target_node,omitempty"`
	TargetCluster string         `json:"target_cluster,omitempty"`
	TargetModel   string         `json:"target_model,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty"`
	TimeoutS      int            `json:"timeout_s,omitempty"`
	CallbackURL   string         `json:"callback_url,omitempty"`
}

// Job is the full record owned by the Priority Job Queue.
type Job struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Priority      Priority       `json:"priority"`
	Payload       map[string]any `json:"payload"`
	TargetNode    string         `json:"target_node,omitempty"`
	TargetCluster string         `json:"target_cluster,omitempty"`
	TargetModel   string         `json:"target_model,omitempty"`
	Status        Status         `json:"status"`
	MaxRetries    int            `json:"max_retries"`
	RetryCount    int            `json:"retry_count"`
	TimeoutS      int            `json:"timeout_s"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	AssignedNode  string         `json:"assigned_node,omitempty"`
	Progress      int            `json:"progress"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CallbackURL   string         `json:"callback_url,omitempty"`
}

// ListFilter narrows List() results.
type ListFilter struct {
	Status   Status
	Priority Priority
	Type     string
}

// ClaimRequest is the body of POST /queue/claim.
type ClaimRequest struct {
	WorkerID      string   `json:"worker_id" validate:"required"`
	AcceptedTypes []string `json:"accepted_types,omitempty"`
	WorkerCluster string   `json:"worker_cluster,omitempty"`
}

// completionSample is one entry in the rolling stats:completion_history ring.
type completionSample struct {
	JobID       string    `json:"job_id"`
	Status      Status    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}

func priorityQueueOrder() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}
