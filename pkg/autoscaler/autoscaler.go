// Package autoscaler implements the Auto-Scaler: a ticker that
// reads queue depth and fleet GPU utilization and emits scale-up/down
// recommendations under a cooldown. Provisioning itself is out of scope —
// this package only decides and publishes; an external operator or
// controller acts on the recommendation.
package autoscaler

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

// Action is the recommendation a decision cycle can produce.
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
)

// Config holds the scaler's thresholds.
type Config struct {
	Enabled            bool
	Interval           time.Duration
	MinNodes           int
	MaxNodes           int
	TargetQueueDepth   int
	ScaleUpThreshold   float64 // GPU utilization fraction
	ScaleDownThreshold float64
	Cooldown           time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 300 * time.Second
	}
	if c.TargetQueueDepth <= 0 {
		c.TargetQueueDepth = 10
	}
	if c.MaxNodes <= 0 {
		c.MaxNodes = 100
	}
	return c
}

// HistoryCap bounds scaling:history.
const HistoryCap = 100

// State is the persisted decision-loop state.
type State struct {
	CurrentScale     int       `json:"current_scale"`
	RecommendedScale int       `json:"recommended_scale"`
	LastActionTS     time.Time `json:"last_action_ts"`
	LastReason       string    `json:"last_reason"`
	QueueDepth       int       `json:"queue_depth"`
	AvgGPUUtil       float64   `json:"avg_gpu_util"`
}

// FleetSnapshot is what a Scaler cycle reads from the Node Registry/Queue
// each tick; callers assemble it so this package has no direct dependency on
// those packages' concrete types.
type FleetSnapshot struct {
	QueueDepth    int
	ActiveNodes   int
	IdleNodes     int
	AvgGPUUtilPct float64 // 0-100
}

type historyEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Reason    string    `json:"reason"`
	State     State     `json:"state"`
}

// Scaler implements the Auto-Scaler decision loop.
type Scaler struct {
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	cfg    Config
}

// New creates a Scaler.
func New(s store.Store, bus *events.Bus, logger *slog.Logger, cfg Config) *Scaler {
	sc := &Scaler{store: s, bus: bus, logger: logger, cfg: cfg.withDefaults()}
	sc.writeConfig(context.Background())
	return sc
}

// writeConfig mirrors the resolved Config to scaling:config so
// an operator can see the effective thresholds this process is running
// with, independent of whatever environment it was started from.
func (s *Scaler) writeConfig(ctx context.Context) {
	payload, err := json.Marshal(s.cfg)
	if err != nil {
		return
	}
	if err := s.store.Set(ctx, store.ScalingConfigKey, string(payload), 0); err != nil {
		s.logger.Warn("writing scaler config snapshot", "error", err)
	}
}

func (s *Scaler) loadState(ctx context.Context) (State, error) {
	payload, err := s.store.Get(ctx, store.ScalingStateKey)
	if err == store.ErrNotFound {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("reading scaler state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return State{}, fmt.Errorf("decoding scaler state: %w", err)
	}
	return st, nil
}

func (s *Scaler) saveState(ctx context.Context, st State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding scaler state: %w", err)
	}
	return s.store.Set(ctx, store.ScalingStateKey, string(payload), 0)
}

// Decide evaluates one tick of the scaling decision rules against snapshot
// and returns the resulting action, reason, and recommended scale. It does
// not persist anything; Tick wraps Decide with persisting and publishing.
func (s *Scaler) Decide(snapshot FleetSnapshot, prior State) (Action, string, int) {
	if !s.cfg.Enabled {
		return ActionNone, "disabled", prior.CurrentScale
	}
	if !prior.LastActionTS.IsZero() && time.Since(prior.LastActionTS) < s.cfg.Cooldown {
		return ActionNone, "within cooldown", prior.CurrentScale
	}

	n := snapshot.ActiveNodes
	util := snapshot.AvgGPUUtilPct / 100
	depth := snapshot.QueueDepth

	if depth > s.cfg.TargetQueueDepth && util > s.cfg.ScaleUpThreshold && n < s.cfg.MaxNodes {
		extra := depth / s.cfg.TargetQueueDepth
		if extra < 1 {
			extra = 1
		}
		recommended := n + extra
		if recommended > s.cfg.MaxNodes {
			recommended = s.cfg.MaxNodes
		}
		return ActionScaleUp, "queue depth and GPU utilization both over threshold", recommended
	}

	if depth < s.cfg.TargetQueueDepth/2 &&
		util < s.cfg.ScaleDownThreshold &&
		n > s.cfg.MinNodes &&
		snapshot.IdleNodes >= 1 {
		recommended := n - snapshot.IdleNodes
		if recommended < s.cfg.MinNodes {
			recommended = s.cfg.MinNodes
		}
		return ActionScaleDown, "queue depth low and GPU utilization low with idle capacity", recommended
	}

	return ActionNone, "no threshold crossed", n
}

// Tick runs one full decision+persist+publish cycle.
func (s *Scaler) Tick(ctx context.Context, snapshot FleetSnapshot) (Action, error) {
	prior, err := s.loadState(ctx)
	if err != nil {
		return ActionNone, err
	}
	prior.CurrentScale = snapshot.ActiveNodes

	action, reason, recommended := s.Decide(snapshot, prior)

	next := State{
		CurrentScale:     snapshot.ActiveNodes,
		RecommendedScale: recommended,
		LastActionTS:     prior.LastActionTS,
		LastReason:       reason,
		QueueDepth:       snapshot.QueueDepth,
		AvgGPUUtil:       snapshot.AvgGPUUtilPct,
	}
	if action != ActionNone {
		next.LastActionTS = time.Now().UTC()
	}
	if err := s.saveState(ctx, next); err != nil {
		return action, err
	}

	s.appendHistory(ctx, action, reason, next)
	telemetry.ScalerRecommendationsTotal.WithLabelValues(string(action)).Inc()

	if action != ActionNone && s.bus != nil {
		s.bus.Publish(ctx, store.ChannelFleetEvents, "scaler."+string(action), map[string]any{
			"recommended_scale": recommended,
			"current_scale":     snapshot.ActiveNodes,
			"reason":            reason,
		})
	}
	return action, nil
}

func (s *Scaler) appendHistory(ctx context.Context, action Action, reason string, st State) {
	entry := historyEntry{Timestamp: time.Now().UTC(), Action: action, Reason: reason, State: st}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.store.LPush(ctx, store.ScalingHistoryKey, string(payload)); err != nil {
		s.logger.Warn("appending scaling history", "error", err)
		return
	}
	if err := s.store.LTrim(ctx, store.ScalingHistoryKey, 0, HistoryCap-1); err != nil {
		s.logger.Warn("trimming scaling history", "error", err)
	}
}

// State returns the current persisted scaler state.
func (s *Scaler) State(ctx context.Context) (State, error) {
	return s.loadState(ctx)
}

// EffectiveConfig returns the scaling:config snapshot written at startup.
func (s *Scaler) EffectiveConfig(ctx context.Context) (Config, error) {
	payload, err := s.store.Get(ctx, store.ScalingConfigKey)
	if err == store.ErrNotFound {
		return s.cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading scaler config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding scaler config: %w", err)
	}
	return cfg, nil
}

// Run drives Tick on cfg.Interval until ctx is cancelled. snapshotFn gathers
// the current fleet view; it typically reads the Node Registry and Priority
// Job Queue, kept decoupled from this package.
func (s *Scaler) Run(ctx context.Context, snapshotFn func(context.Context) (FleetSnapshot, error)) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snapshot, err := snapshotFn(ctx)
			if err != nil {
				s.logger.Error("gathering fleet snapshot", "error", err)
				if s.bus != nil {
					s.bus.Publish(ctx, store.ChannelFleetEvents, "scaler.error", map[string]any{"error": err.Error()})
				}
				continue
			}
			if _, err := s.Tick(ctx, snapshot); err != nil {
				s.logger.Error("scaler tick failed", "error", err)
			}
		}
	}
}
