// Package doctor implements the autonomous healing loop: a
// periodic detect → reconcile → gate → diagnose → execute → log cycle with
// per-node cooldowns and a fleet-wide hourly action budget.
package doctor

import "time"

// Severity grades how urgent a detected problem is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ProblemType enumerates what the detectors can flag.
type ProblemType string

const (
	ProblemOfflineNode    ProblemType = "offline_node"
	ProblemHighDisk       ProblemType = "high_disk"
	ProblemCriticalDisk   ProblemType = "critical_disk"
	ProblemHighMemory     ProblemType = "high_memory"
	ProblemSwarmUnhealthy ProblemType = "swarm_unhealthy"
	ProblemJobFailures    ProblemType = "job_failures"
	ProblemAgentDown      ProblemType = "agent_down"
	ProblemS3MountMissing ProblemType = "s3_mount_missing"
)

// Problem is the ephemeral record a detector produces.
type Problem struct {
	ID          string         `json:"id"`
	Type        ProblemType    `json:"type"`
	Severity    Severity       `json:"severity"`
	NodeID      string         `json:"node_id,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details,omitempty"`
	DetectedAt  time.Time      `json:"detected_at"`
	AutoFixable bool           `json:"auto_fixable"`
	RiskLevel   string         `json:"risk_level"`
}

func (p Problem) dedupeKey() string { return string(p.Type) + "|" + p.NodeID }

// Action is one entry in the action catalogue.
type Action struct {
	Name          string         `json:"name"`
	RiskLevel     string         `json:"risk_level"`
	RequiresNode  bool           `json:"requires_node"`
	DefaultParams map[string]any `json:"default_params,omitempty"`
}

// Catalogue is the fixed set of remediations the Doctor may execute.
var Catalogue = map[string]Action{
	"disk_cleanup":       {Name: "disk_cleanup", RiskLevel: "low", RequiresNode: true, DefaultParams: map[string]any{"min_free_gb": 10}},
	"aggressive_cleanup": {Name: "aggressive_cleanup", RiskLevel: "medium", RequiresNode: true, DefaultParams: map[string]any{"min_free_gb": 20}},
	"restart_agent":      {Name: "restart_agent", RiskLevel: "low", RequiresNode: true},
	"fix_s3_mounts":      {Name: "fix_s3_mounts", RiskLevel: "low", RequiresNode: true},
	"health_check":       {Name: "health_check", RiskLevel: "low", RequiresNode: true},
	"prune_docker":       {Name: "prune_docker", RiskLevel: "medium", RequiresNode: true},
	"retry_job":          {Name: "retry_job", RiskLevel: "low", RequiresNode: false},
	"alert_only":         {Name: "alert_only", RiskLevel: "low", RequiresNode: false},
}

// DefaultActionTable is the fallback mapping used when the LLM oracle is
// unavailable or returns malformed output.
var DefaultActionTable = map[ProblemType]string{
	ProblemHighDisk:       "disk_cleanup",
	ProblemCriticalDisk:   "aggressive_cleanup",
	ProblemHighMemory:     "alert_only",
	ProblemOfflineNode:    "alert_only",
	ProblemAgentDown:      "restart_agent",
	ProblemS3MountMissing: "fix_s3_mounts",
	ProblemSwarmUnhealthy: "alert_only",
	ProblemJobFailures:    "alert_only",
}

// RecommendedAction is one entry in a Diagnosis.
type RecommendedAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
	Reason string         `json:"reason"`
}

// Diagnosis is the structured output the LLM oracle must produce. The exact prompt wording is not part of the contract.
type Diagnosis struct {
	Diagnosis          string              `json:"diagnosis"`
	RootCause          string              `json:"root_cause"`
	RecommendedActions []RecommendedAction `json:"recommended_actions"`
	CanAutoFix         bool                `json:"can_auto_fix"`
	RiskLevel          string              `json:"risk_level"`
	ManualSteps        []string            `json:"manual_steps,omitempty"`
}

// ActionResult is recorded per executed action.
type ActionResult struct {
	Action          string        `json:"action"`
	NodeID          string        `json:"node_id,omitempty"`
	Success         bool          `json:"success"`
	Duration        time.Duration `json:"duration_ns"`
	ResponseSnippet string        `json:"response_snippet,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// HistoryEntry is one prepended record in fleet:doctor:history.
type HistoryEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Problem   Problem        `json:"problem"`
	Diagnosis *Diagnosis     `json:"diagnosis,omitempty"`
	Results   []ActionResult `json:"results,omitempty"`
	Skipped   string         `json:"skipped,omitempty"`
}

// HistoryCap bounds fleet:doctor:history.
const HistoryCap = 100

// NodeHealth is the minimal per-node view detectors need. Assembled by the
// caller from the Node Registry so this package has no dependency on it.
type NodeHealth struct {
	ID           string
	Online       bool
	DiskPct      float64
	MemPct       float64
	SwarmReady   bool
	AgentReached bool
}

// FleetSnapshot is what one Doctor cycle detects over.
type FleetSnapshot struct {
	Nodes       []NodeHealth
	JobFailures map[string]int // job type -> recent failure count
}

// Config tunes thresholds and gates.
type Config struct {
	Interval            time.Duration
	AutoFixEnabled      bool
	AutoFixLevels       []string
	DiskWarnThreshold   float64
	DiskCritThreshold   float64
	MemoryThreshold     float64
	JobFailureThreshold int
	NodeCooldown        time.Duration
	MaxActionsPerHour   int
	// RateWindow is the duration doctor:actions:hour stays alive
	// before resetting. Defaults to one hour.
	RateWindow time.Duration
	// RateWindowMode selects how the window resets: "rolling" (sliding,
	// the counter's TTL is refreshed on every action, so it resets only
	// after a full window with no actions) or
	// "calendar_hour" (always resets at the next wall-clock hour
	// boundary, matching the original fleet_doctor.py counter).
	RateWindowMode string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if len(c.AutoFixLevels) == 0 {
		c.AutoFixLevels = []string{"low", "medium"}
	}
	if c.DiskWarnThreshold <= 0 {
		c.DiskWarnThreshold = 85
	}
	if c.DiskCritThreshold <= 0 {
		c.DiskCritThreshold = 95
	}
	if c.MemoryThreshold <= 0 {
		c.MemoryThreshold = 90
	}
	if c.JobFailureThreshold <= 0 {
		c.JobFailureThreshold = 3
	}
	if c.NodeCooldown <= 0 {
		c.NodeCooldown = 5 * time.Minute
	}
	if c.MaxActionsPerHour <= 0 {
		c.MaxActionsPerHour = 20
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	if c.RateWindowMode == "" {
		c.RateWindowMode = "rolling"
	}
	return c
}

func (c Config) riskAllowed(risk string) bool {
	for _, allowed := range c.AutoFixLevels {
		if allowed == risk {
			return true
		}
	}
	return false
}
