package doctor

import (
	"fmt"
	"time"
)

// Detector is a pure function over the current fleet snapshot producing
// zero or more problems.
type Detector func(snapshot FleetSnapshot, cfg Config) []Problem

// DefaultDetectors is the full enabled set.
func DefaultDetectors() []Detector {
	return []Detector{
		OfflineNodeDetector,
		DiskDetector,
		HighMemoryDetector,
		SwarmUnhealthyDetector,
		JobFailuresDetector,
	}
}

func problemID(t ProblemType, nodeID string) string {
	if nodeID == "" {
		return string(t)
	}
	return fmt.Sprintf("%s:%s", t, nodeID)
}

// OfflineNodeDetector flags nodes the registry reports as not online.
func OfflineNodeDetector(snapshot FleetSnapshot, _ Config) []Problem {
	var problems []Problem
	for _, n := range snapshot.Nodes {
		if n.Online {
			continue
		}
		problems = append(problems, Problem{
			ID:          problemID(ProblemOfflineNode, n.ID),
			Type:        ProblemOfflineNode,
			Severity:    SeverityCritical,
			NodeID:      n.ID,
			Title:       "Node offline",
			Description: fmt.Sprintf("node %s has no recent heartbeat", n.ID),
			DetectedAt:  time.Now().UTC(),
			AutoFixable: false,
			RiskLevel:   "low",
		})
	}
	return problems
}

// DiskDetector covers both HighDisk and CriticalDisk.
func DiskDetector(snapshot FleetSnapshot, cfg Config) []Problem {
	var problems []Problem
	for _, n := range snapshot.Nodes {
		if !n.Online {
			continue
		}
		switch {
		case n.DiskPct >= cfg.DiskCritThreshold:
			problems = append(problems, Problem{
				ID:          problemID(ProblemCriticalDisk, n.ID),
				Type:        ProblemCriticalDisk,
				Severity:    SeverityCritical,
				NodeID:      n.ID,
				Title:       "Disk critically full",
				Description: fmt.Sprintf("node %s disk usage %.1f%% >= critical threshold %.1f%%", n.ID, n.DiskPct, cfg.DiskCritThreshold),
				Details:     map[string]any{"disk_pct": n.DiskPct},
				DetectedAt:  time.Now().UTC(),
				AutoFixable: true,
				RiskLevel:   "medium",
			})
		case n.DiskPct >= cfg.DiskWarnThreshold:
			problems = append(problems, Problem{
				ID:          problemID(ProblemHighDisk, n.ID),
				Type:        ProblemHighDisk,
				Severity:    SeverityWarning,
				NodeID:      n.ID,
				Title:       "Disk usage high",
				Description: fmt.Sprintf("node %s disk usage %.1f%% >= warning threshold %.1f%%", n.ID, n.DiskPct, cfg.DiskWarnThreshold),
				Details:     map[string]any{"disk_pct": n.DiskPct},
				DetectedAt:  time.Now().UTC(),
				AutoFixable: true,
				RiskLevel:   "low",
			})
		}
	}
	return problems
}

// HighMemoryDetector flags nodes at or above the memory threshold.
func HighMemoryDetector(snapshot FleetSnapshot, cfg Config) []Problem {
	var problems []Problem
	for _, n := range snapshot.Nodes {
		if !n.Online || n.MemPct < cfg.MemoryThreshold {
			continue
		}
		problems = append(problems, Problem{
			ID:          problemID(ProblemHighMemory, n.ID),
			Type:        ProblemHighMemory,
			Severity:    SeverityWarning,
			NodeID:      n.ID,
			Title:       "Memory usage high",
			Description: fmt.Sprintf("node %s memory usage %.1f%% >= threshold %.1f%%", n.ID, n.MemPct, cfg.MemoryThreshold),
			Details:     map[string]any{"mem_pct": n.MemPct},
			DetectedAt:  time.Now().UTC(),
			AutoFixable: false,
			RiskLevel:   "low",
		})
	}
	return problems
}

// SwarmUnhealthyDetector flags nodes whose container orchestrator isn't
// ready/active.
func SwarmUnhealthyDetector(snapshot FleetSnapshot, _ Config) []Problem {
	var problems []Problem
	for _, n := range snapshot.Nodes {
		if !n.Online || n.SwarmReady {
			continue
		}
		problems = append(problems, Problem{
			ID:          problemID(ProblemSwarmUnhealthy, n.ID),
			Type:        ProblemSwarmUnhealthy,
			Severity:    SeverityWarning,
			NodeID:      n.ID,
			Title:       "Container orchestrator unhealthy",
			Description: fmt.Sprintf("node %s container orchestrator is not ready", n.ID),
			DetectedAt:  time.Now().UTC(),
			AutoFixable: false,
			RiskLevel:   "low",
		})
	}
	return problems
}

// JobFailuresDetector flags job types with repeated recent failures.
func JobFailuresDetector(snapshot FleetSnapshot, cfg Config) []Problem {
	var problems []Problem
	for jobType, count := range snapshot.JobFailures {
		if count < cfg.JobFailureThreshold {
			continue
		}
		problems = append(problems, Problem{
			ID:          problemID(ProblemJobFailures, jobType),
			Type:        ProblemJobFailures,
			Severity:    SeverityWarning,
			Title:       "Repeated job failures",
			Description: fmt.Sprintf("job type %q failed %d times recently", jobType, count),
			Details:     map[string]any{"job_type": jobType, "count": count},
			DetectedAt:  time.Now().UTC(),
			AutoFixable: false,
			RiskLevel:   "low",
		})
	}
	return problems
}
