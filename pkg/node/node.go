// Package node implements the Node Registry: the authoritative,
// heartbeat-driven view of which worker nodes are alive, what they can do,
// and their current load. Node liveness is derived entirely from the
// presence of a TTL-bound heartbeat key — there is no separate reaper
// goroutine required, only "passive GC" on read.
package node

import "time"

// Status is a node's derived liveness state.
type Status string

const (
	StatusOnline    Status = "online"
	StatusBusy      Status = "busy"
	StatusSwitching Status = "switching"
	StatusOffline   Status = "offline"
)

// DefaultHeartbeatTTL is the liveness window for generic nodes.
const DefaultHeartbeatTTL = 120 * time.Second

// GPU is one GPU's live telemetry, nested in Node.GPUs.
type GPU struct {
	Index    int     `json:"index"`
	Name     string  `json:"name"`
	MemTotal int64   `json:"mem_total"`
	MemUsed  int64   `json:"mem_used"`
	UtilPct  float64 `json:"util_pct"`
	TempC    float64 `json:"temp_c"`
	PowerW   float64 `json:"power_w"`
}

// SystemStats is the host-level snapshot nested in Node.System.
type SystemStats struct {
	CPUPct     float64    `json:"cpu_pct"`
	MemPct     float64    `json:"mem_pct"`
	DiskPct    float64    `json:"disk_pct"`
	DiskFreeGB float64    `json:"disk_free_gb"`
	UptimeS    int64      `json:"uptime_s"`
	LoadAvg    [3]float64 `json:"load_avg"`
}

// RegisterRequest is the body of POST /nodes/register.
type RegisterRequest struct {
	NodeID       string   `json:"node_id" validate:"required"`
	Hostname     string   `json:"hostname" validate:"required"`
	IP           string   `json:"ip" validate:"required"`
	Platform     string   `json:"platform"`
	Cluster      string   `json:"cluster"`
	GPUName      string   `json:"gpu_name"`
	GPUMemoryMB  int64    `json:"gpu_memory_mb"`
	GPUCount     int      `json:"gpu_count"`
	AgentPort    int      `json:"agent_port"`
	Capabilities []string `json:"capabilities"`
}

// HeartbeatReport is the body of POST /nodes/{id}/heartbeat.
type HeartbeatReport struct {
	Hostname   string      `json:"hostname"`
	IP         string      `json:"ip"`
	Cluster    string      `json:"cluster"`
	GPUs       []GPU       `json:"gpus"`
	System     SystemStats `json:"system"`
	Containers []string    `json:"containers"`
}

// Node is the merged registration + latest-heartbeat view of a worker.
type Node struct {
	ID              string      `json:"id"`
	Hostname        string      `json:"hostname"`
	IP              string      `json:"ip"`
	Cluster         string      `json:"cluster,omitempty"`
	Capabilities    []string    `json:"capabilities"`
	GPUs            []GPU       `json:"gpus"`
	System          SystemStats `json:"system"`
	Containers      []string    `json:"containers"`
	LastHeartbeatTS time.Time   `json:"last_heartbeat_ts"`
	Status          Status      `json:"status"`
}

// ListFilter narrows List() results.
type ListFilter struct {
	Cluster string
	Status  Status
}

// PowerSample is one entry in the capped power-history ring.
type PowerSample struct {
	Timestamp time.Time `json:"timestamp"`
	GPUs      []GPU     `json:"gpus"`
}

// PowerHistoryCap is the maximum number of samples retained per node.
const PowerHistoryCap = 100
