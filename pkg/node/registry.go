package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/internal/telemetry"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
)

// MetricHistoryCap is the rolling window of raw metric samples kept per
// node, independent of the GPU-only power-history ring.
const MetricHistoryCap = 3600

// ErrNotFound is returned by Get when a node has no registration record:
// it has never registered, or its registration has been explicitly
// removed. A heartbeat alone does not make a node visible to Get or List.
var ErrNotFound = fmt.Errorf("node: not found")

// ErrValidation is returned when a heartbeat or registration payload fails
// schema validation.
var ErrValidation = fmt.Errorf("node: validation failed")

type registration struct {
	Hostname     string   `json:"hostname"`
	IP           string   `json:"ip"`
	Cluster      string   `json:"cluster"`
	Capabilities []string `json:"capabilities"`
}

type heartbeatRecord struct {
	Hostname   string      `json:"hostname"`
	IP         string      `json:"ip"`
	Cluster    string      `json:"cluster"`
	GPUs       []GPU       `json:"gpus"`
	System     SystemStats `json:"system"`
	Containers []string    `json:"containers"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Registry implements the Node Registry over a Store.
type Registry struct {
	store        store.Store
	bus          *events.Bus
	logger       *slog.Logger
	heartbeatTTL time.Duration
}

// New creates a Registry. ttl is the heartbeat liveness window; pass
// node.DefaultHeartbeatTTL (120s) for generic nodes.
func New(s store.Store, bus *events.Bus, logger *slog.Logger, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	return &Registry{store: s, bus: bus, logger: logger, heartbeatTTL: ttl}
}

// Register idempotently stores a node's static registration record.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) error {
	if req.NodeID == "" || req.Hostname == "" || req.IP == "" {
		return fmt.Errorf("%w: node_id, hostname and ip are required", ErrValidation)
	}

	rec := registration{
		Hostname:     req.Hostname,
		IP:           req.IP,
		Cluster:      req.Cluster,
		Capabilities: req.Capabilities,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding registration: %w", err)
	}

	if err := r.store.Set(ctx, store.NodeRegistrationKey(req.NodeID), string(payload), 0); err != nil {
		return fmt.Errorf("storing registration: %w", err)
	}
	if err := r.store.SAdd(ctx, store.NodesRegisteredSet, req.NodeID); err != nil {
		return fmt.Errorf("adding to registered set: %w", err)
	}
	if req.Cluster != "" {
		if err := r.store.SAdd(ctx, store.ClusterNodesKey(req.Cluster), req.NodeID); err != nil {
			return fmt.Errorf("adding to cluster set: %w", err)
		}
	}
	return nil
}

// Heartbeat validates and records a worker's self-report.
func (r *Registry) Heartbeat(ctx context.Context, nodeID string, report HeartbeatReport) error {
	if nodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrValidation)
	}

	rec := heartbeatRecord{
		Hostname:   report.Hostname,
		IP:         report.IP,
		Cluster:    report.Cluster,
		GPUs:       report.GPUs,
		System:     report.System,
		Containers: report.Containers,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding heartbeat: %w", err)
	}

	if err := r.store.Set(ctx, store.NodeHeartbeatKey(nodeID), string(payload), r.heartbeatTTL); err != nil {
		// A failed heartbeat write is dropped and logged; the worker retries
		// on its next interval.
		r.logger.Error("writing heartbeat", "node_id", nodeID, "error", err)
		return fmt.Errorf("writing heartbeat: %w", err)
	}
	if err := r.store.SAdd(ctx, store.NodesActiveSet, nodeID); err != nil {
		return fmt.Errorf("adding to active set: %w", err)
	}

	historyKey := store.NodeHeartbeatKey(nodeID) + ":history"
	if err := r.store.RPush(ctx, historyKey, string(payload)); err != nil {
		r.logger.Warn("appending metric history", "node_id", nodeID, "error", err)
	} else if err := r.store.LTrim(ctx, historyKey, -MetricHistoryCap, -1); err != nil {
		r.logger.Warn("trimming metric history", "node_id", nodeID, "error", err)
	}

	if len(report.GPUs) > 0 {
		r.recordPowerSample(ctx, nodeID, report.GPUs)
	}

	if r.bus != nil {
		r.bus.Publish(ctx, store.ChannelMetrics(nodeID), "heartbeat", map[string]any{
			"node_id": nodeID,
			"system":  report.System,
		})
	}
	return nil
}

func (r *Registry) recordPowerSample(ctx context.Context, nodeID string, gpus []GPU) {
	sample := PowerSample{Timestamp: time.Now().UTC(), GPUs: gpus}
	payload, err := json.Marshal(sample)
	if err != nil {
		return
	}
	key := store.NodePowerHistoryKey(nodeID)
	if err := r.store.RPush(ctx, key, string(payload)); err != nil {
		r.logger.Warn("appending power history", "node_id", nodeID, "error", err)
		return
	}
	if err := r.store.LTrim(ctx, key, -PowerHistoryCap, -1); err != nil {
		r.logger.Warn("trimming power history", "node_id", nodeID, "error", err)
	}
}

// Get returns the merged registration + heartbeat view of a node, deriving
// status from heartbeat presence.
func (r *Registry) Get(ctx context.Context, nodeID string) (Node, error) {
	regPayload, err := r.store.Get(ctx, store.NodeRegistrationKey(nodeID))
	if err != nil {
		return Node{}, ErrNotFound
	}
	var reg registration
	if err := json.Unmarshal([]byte(regPayload), &reg); err != nil {
		return Node{}, fmt.Errorf("decoding registration: %w", err)
	}

	n := Node{
		ID:           nodeID,
		Hostname:     reg.Hostname,
		IP:           reg.IP,
		Cluster:      reg.Cluster,
		Capabilities: reg.Capabilities,
		Status:       StatusOffline,
	}

	hbPayload, err := r.store.Get(ctx, store.NodeHeartbeatKey(nodeID))
	switch err {
	case nil:
		var hb heartbeatRecord
		if jerr := json.Unmarshal([]byte(hbPayload), &hb); jerr == nil {
			n.System = hb.System
			n.GPUs = hb.GPUs
			n.Containers = hb.Containers
			n.LastHeartbeatTS = hb.Timestamp
			n.Status = StatusOnline
		}
	case store.ErrNotFound:
		// No heartbeat: node is offline. If it's still in the active set,
		// passively garbage-collect the stale membership.
		if isMember, merr := r.store.SIsMember(ctx, store.NodesActiveSet, nodeID); merr == nil && isMember {
			_ = r.store.SRem(ctx, store.NodesActiveSet, nodeID)
		}
	default:
		return Node{}, fmt.Errorf("reading heartbeat: %w", err)
	}

	return n, nil
}

// List returns all registered nodes matching filter.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]Node, error) {
	var ids []string
	var err error
	if filter.Cluster != "" {
		ids, err = r.store.SMembers(ctx, store.ClusterNodesKey(filter.Cluster))
	} else {
		ids, err = r.store.SMembers(ctx, store.NodesRegisteredSet)
	}
	if err != nil {
		return nil, fmt.Errorf("listing node ids: %w", err)
	}

	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		n, err := r.Get(ctx, id)
		if err != nil {
			continue
		}
		if filter.Status != "" && n.Status != filter.Status {
			continue
		}
		nodes = append(nodes, n)
	}

	online := 0
	for _, n := range nodes {
		if n.Status == StatusOnline || n.Status == StatusBusy || n.Status == StatusSwitching {
			online++
		}
	}
	telemetry.RegistryNodesOnline.Set(float64(online))

	return nodes, nil
}

// Deregister removes all record of a node.
func (r *Registry) Deregister(ctx context.Context, nodeID string) error {
	n, _ := r.Get(ctx, nodeID)
	if err := r.store.Delete(ctx,
		store.NodeRegistrationKey(nodeID),
		store.NodeHeartbeatKey(nodeID),
		store.NodeHeartbeatKey(nodeID)+":history",
		store.NodePowerHistoryKey(nodeID),
	); err != nil {
		return fmt.Errorf("deleting node records: %w", err)
	}
	if err := r.store.SRem(ctx, store.NodesRegisteredSet, nodeID); err != nil {
		return fmt.Errorf("removing from registered set: %w", err)
	}
	if err := r.store.SRem(ctx, store.NodesActiveSet, nodeID); err != nil {
		return fmt.Errorf("removing from active set: %w", err)
	}
	if n.Cluster != "" {
		_ = r.store.SRem(ctx, store.ClusterNodesKey(n.Cluster), nodeID)
	}
	return nil
}

// PowerHistory returns the capped ring of GPU power samples for a node.
func (r *Registry) PowerHistory(ctx context.Context, nodeID string) ([]PowerSample, error) {
	raw, err := r.store.LRange(ctx, store.NodePowerHistoryKey(nodeID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading power history: %w", err)
	}
	samples := make([]PowerSample, 0, len(raw))
	for _, item := range raw {
		var s PowerSample
		if err := json.Unmarshal([]byte(item), &s); err == nil {
			samples = append(samples, s)
		}
	}
	return samples, nil
}
