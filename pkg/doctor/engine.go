package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/internal/telemetry"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
	"github.com/socialhostpro/fleetcmdagent/pkg/notify"
)

// AlertNotifier fans a fleet problem of any severity out to an external channel (e.g.
// Slack) alongside the alerts pub/sub event. Optional: a nil notifier is a
// no-op, so the healing loop never depends on an external service being
// reachable.
type AlertNotifier interface {
	Notify(ctx context.Context, a notify.Alert) error
}

// Engine drives the detect → reconcile → gate → diagnose → execute → log
// cycle.
type Engine struct {
	store     store.Store
	bus       *events.Bus
	logger    *slog.Logger
	detectors []Detector
	oracle    OracleClient
	executor  ActionExecutor
	notifier  AlertNotifier
	cfg       Config
}

// New creates an Engine. oracle may be nil to always use DefaultActionTable.
func New(s store.Store, bus *events.Bus, logger *slog.Logger, oracle OracleClient, executor ActionExecutor, cfg Config) *Engine {
	e := &Engine{
		store:     s,
		bus:       bus,
		logger:    logger,
		detectors: DefaultDetectors(),
		oracle:    oracle,
		executor:  executor,
		cfg:       cfg.withDefaults(),
	}
	e.writeConfig(context.Background())
	return e
}

// SetNotifier attaches an optional external alert sink. Safe to call with
// nil to disable.
func (e *Engine) SetNotifier(n AlertNotifier) {
	e.notifier = n
}

func (e *Engine) notify(ctx context.Context, p Problem) {
	if e.notifier == nil {
		return
	}
	alert := notify.Alert{
		ID: p.ID, Type: string(p.Type), Severity: string(p.Severity),
		NodeID: p.NodeID, Title: p.Title, Description: p.Description,
	}
	if err := e.notifier.Notify(ctx, alert); err != nil {
		e.logger.Warn("posting alert to external notifier", "problem_id", p.ID, "error", err)
	}
}

func (e *Engine) previousProblemKeys(ctx context.Context) map[string]struct{} {
	seen := map[string]struct{}{}
	payload, err := e.store.Get(ctx, store.DoctorProblemsKey)
	if err != nil {
		return seen
	}
	var prior []Problem
	if err := json.Unmarshal([]byte(payload), &prior); err != nil {
		return seen
	}
	for _, p := range prior {
		seen[p.dedupeKey()] = struct{}{}
	}
	return seen
}

// detect runs every enabled detector.
func (e *Engine) detect(snapshot FleetSnapshot) []Problem {
	var problems []Problem
	for _, d := range e.detectors {
		problems = append(problems, d(snapshot, e.cfg)...)
	}
	for i := range problems {
		problems[i].ID = uuid.NewString()
	}
	for _, p := range problems {
		telemetry.DoctorProblemsDetected.WithLabelValues(string(p.Type)).Inc()
	}
	return problems
}

// reconcile replaces fleet:doctor:problems wholesale and publishes
// problem_detected for genuinely new problems.
func (e *Engine) reconcile(ctx context.Context, problems []Problem, previouslySeen map[string]struct{}) error {
	payload, err := json.Marshal(problems)
	if err != nil {
		return fmt.Errorf("encoding problems: %w", err)
	}
	if err := e.store.Set(ctx, store.DoctorProblemsKey, string(payload), 0); err != nil {
		return fmt.Errorf("storing problems: %w", err)
	}

	if e.bus == nil {
		return nil
	}
	for _, p := range problems {
		if _, ok := previouslySeen[p.dedupeKey()]; ok {
			continue
		}
		e.bus.Publish(ctx, store.ChannelDoctorEvents, "problem_detected", map[string]any{
			"problem_id": p.ID, "type": string(p.Type), "node_id": p.NodeID, "severity": string(p.Severity),
		})
	}
	return nil
}

type gateDecision int

const (
	gateProceed gateDecision = iota
	gateDisabled
	gateCooldown
	gateRateLimited
)

func (e *Engine) gate(ctx context.Context, p Problem) gateDecision {
	if !e.cfg.AutoFixEnabled {
		return gateDisabled
	}
	if p.NodeID != "" {
		if onCooldown, _ := e.store.Exists(ctx, store.NodeCooldownKey(p.NodeID)); onCooldown {
			return gateCooldown
		}
	}
	count := e.hourlyActionCount(ctx)
	if count >= e.cfg.MaxActionsPerHour {
		return gateRateLimited
	}
	return gateProceed
}

func (e *Engine) hourlyActionCount(ctx context.Context) int {
	raw, err := e.store.Get(ctx, store.DoctorHourlyActionCountKey)
	if err != nil {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(raw, "%d", &n)
	return n
}

func (e *Engine) incrementHourlyCount(ctx context.Context) {
	existed, _ := e.store.Exists(ctx, store.DoctorHourlyActionCountKey)
	n, err := e.store.Incr(ctx, store.DoctorHourlyActionCountKey)
	if err != nil {
		e.logger.Warn("incrementing hourly action count", "error", err)
		return
	}
	if e.cfg.RateWindowMode != "calendar_hour" || !existed || n == 1 {
		if err := e.store.Expire(ctx, store.DoctorHourlyActionCountKey, e.rateWindowTTL()); err != nil {
			e.logger.Warn("setting hourly action count TTL", "error", err)
		}
	}
}

// rateWindowTTL returns how long the hourly action counter should live
// before resetting, per cfg.RateWindowMode.
func (e *Engine) rateWindowTTL() time.Duration {
	if e.cfg.RateWindowMode == "calendar_hour" {
		now := time.Now().UTC()
		next := now.Truncate(time.Hour).Add(time.Hour)
		return next.Sub(now)
	}
	return e.cfg.RateWindow
}

// diagnose obtains a remediation plan for one problem. Each call is one LLM monitor
// session, identified by the problem id, so an operator watching
// llm-monitor:<problem_id> sees the request go out and the verdict (or
// fallback) come back.
func (e *Engine) diagnose(ctx context.Context, p Problem, snapshot FleetSnapshot) Diagnosis {
	if e.oracle == nil {
		return fallbackDiagnosis(p)
	}
	req := DiagnosisRequest{
		Problem: p,
		FleetSummary: map[string]any{
			"node_count":   len(snapshot.Nodes),
			"job_failures": snapshot.JobFailures,
		},
		ActionCatalog: catalogueSlice(),
	}

	if e.bus != nil {
		e.bus.Publish(ctx, store.ChannelLLMMonitor(p.ID), "oracle_request", map[string]any{
			"problem_id": p.ID, "problem_type": string(p.Type),
		})
	}
	diagnosis, err := e.oracle.Diagnose(ctx, req)
	if err != nil {
		e.logger.Warn("llm oracle diagnosis failed, falling back to static table", "problem_type", p.Type, "error", err)
		if e.bus != nil {
			e.bus.Publish(ctx, store.ChannelLLMMonitor(p.ID), "oracle_fallback", map[string]any{
				"problem_id": p.ID, "error": err.Error(),
			})
		}
		return fallbackDiagnosis(p)
	}
	if e.bus != nil {
		e.bus.Publish(ctx, store.ChannelLLMMonitor(p.ID), "oracle_response", map[string]any{
			"problem_id": p.ID, "diagnosis": diagnosis.Diagnosis, "can_auto_fix": diagnosis.CanAutoFix,
		})
	}
	return diagnosis
}

func catalogueSlice() []Action {
	actions := make([]Action, 0, len(Catalogue))
	for _, a := range Catalogue {
		actions = append(actions, a)
	}
	return actions
}

// execute runs the recommended remediations, limited to actions whose risk
// level is in the configured auto-fix set.
func (e *Engine) execute(ctx context.Context, p Problem, diagnosis Diagnosis) []ActionResult {
	var results []ActionResult
	for _, rec := range diagnosis.RecommendedActions {
		action, ok := Catalogue[rec.Action]
		if !ok {
			e.logger.Warn("unknown action recommended, skipping", "action", rec.Action)
			continue
		}
		if !e.cfg.riskAllowed(action.RiskLevel) {
			continue
		}

		params := rec.Params
		if params == nil {
			params = action.DefaultParams
		}

		var result ActionResult
		if action.Name == "alert_only" {
			result = AlertOnlyExecutor{}.Execute(ctx, action, params, p.NodeID)
			e.appendAlertHistory(ctx, p)
			e.notify(ctx, p)
			if e.bus != nil {
				e.bus.Publish(ctx, store.ChannelAlerts, "alert", map[string]any{"problem_id": p.ID, "type": string(p.Type)})
				if p.Severity == SeverityCritical {
					// A critical problem the Doctor cannot fix itself is
					// handed to a human.
					e.bus.Publish(ctx, store.ChannelDoctorEvents, "escalation", map[string]any{
						"problem_id": p.ID, "type": string(p.Type), "node_id": p.NodeID,
					})
				}
			}
		} else {
			result = e.executor.Execute(ctx, action, params, p.NodeID)
		}
		results = append(results, result)
		telemetry.DoctorActionsTotal.WithLabelValues(action.Name, strconv.FormatBool(result.Success)).Inc()

		if action.Name != "alert_only" {
			e.incrementHourlyCount(ctx)
			if p.NodeID != "" {
				if err := e.store.Set(ctx, store.NodeCooldownKey(p.NodeID), time.Now().UTC().Format(time.RFC3339), e.cfg.NodeCooldown); err != nil {
					e.logger.Warn("setting node cooldown", "node_id", p.NodeID, "error", err)
				}
			}
		}

		eventType := "action_completed"
		if !result.Success {
			eventType = "action_failed"
		}
		if e.bus != nil {
			e.bus.Publish(ctx, store.ChannelDoctorEvents, eventType, map[string]any{
				"problem_id": p.ID, "action": action.Name, "node_id": p.NodeID, "success": result.Success,
			})
		}
	}
	return results
}

func (e *Engine) appendHistory(ctx context.Context, entry HistoryEntry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		e.logger.Warn("encoding doctor history entry", "error", err)
		return
	}
	if err := e.store.LPush(ctx, store.DoctorHistoryKey, string(payload)); err != nil {
		e.logger.Warn("appending doctor history", "error", err)
		return
	}
	if err := e.store.LTrim(ctx, store.DoctorHistoryKey, 0, HistoryCap-1); err != nil {
		e.logger.Warn("trimming doctor history", "error", err)
	}
}

// alertHistoryCap bounds alerts:history.
const alertHistoryCap = HistoryCap

// appendAlertHistory records a problem surfaced to the alerts channel so a
// reconnecting /ws/alerts client can reconcile via a query instead of
// relying on having been connected when the event fired.
func (e *Engine) appendAlertHistory(ctx context.Context, p Problem) {
	payload, err := json.Marshal(struct {
		Timestamp time.Time `json:"timestamp"`
		Problem   Problem   `json:"problem"`
	}{Timestamp: time.Now().UTC(), Problem: p})
	if err != nil {
		e.logger.Warn("encoding alert history entry", "error", err)
		return
	}
	if err := e.store.LPush(ctx, store.AlertsHistoryKey, string(payload)); err != nil {
		e.logger.Warn("appending alert history", "error", err)
		return
	}
	if err := e.store.LTrim(ctx, store.AlertsHistoryKey, 0, alertHistoryCap-1); err != nil {
		e.logger.Warn("trimming alert history", "error", err)
	}
}

// Alerts returns up to limit most-recent alerts:history entries.
func (e *Engine) Alerts(ctx context.Context, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > alertHistoryCap {
		limit = alertHistoryCap
	}
	raw, err := e.store.LRange(ctx, store.AlertsHistoryKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("reading alert history: %w", err)
	}
	entries := make([]json.RawMessage, 0, len(raw))
	for _, item := range raw {
		entries = append(entries, json.RawMessage(item))
	}
	return entries, nil
}

// statusRecord is the fleet:doctor:status snapshot, refreshed
// once per Cycle so operators can poll "is the healing loop alive" without
// reading the heavier problems/history lists.
type statusRecord struct {
	LastCycleAt    time.Time `json:"last_cycle_at"`
	ProblemCount   int       `json:"problem_count"`
	AutoFixEnabled bool      `json:"auto_fix_enabled"`
}

func (e *Engine) writeStatus(ctx context.Context, problemCount int) {
	payload, err := json.Marshal(statusRecord{
		LastCycleAt:    time.Now().UTC(),
		ProblemCount:   problemCount,
		AutoFixEnabled: e.cfg.AutoFixEnabled,
	})
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, store.DoctorStatusKey, string(payload), 0); err != nil {
		e.logger.Warn("writing doctor status", "error", err)
	}
}

// Status returns the most recently recorded fleet:doctor:status snapshot.
func (e *Engine) Status(ctx context.Context) (statusRecord, error) {
	payload, err := e.store.Get(ctx, store.DoctorStatusKey)
	if err != nil {
		if err == store.ErrNotFound {
			return statusRecord{}, nil
		}
		return statusRecord{}, fmt.Errorf("reading doctor status: %w", err)
	}
	var rec statusRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return statusRecord{}, fmt.Errorf("decoding doctor status: %w", err)
	}
	return rec, nil
}

// writeConfig mirrors the resolved Config to fleet:doctor:config so
// operators can introspect the effective thresholds without
// cross-referencing process environment variables.
func (e *Engine) writeConfig(ctx context.Context) {
	payload, err := json.Marshal(e.cfg)
	if err != nil {
		return
	}
	if err := e.store.Set(ctx, store.DoctorConfigKey, string(payload), 0); err != nil {
		e.logger.Warn("writing doctor config snapshot", "error", err)
	}
}

// EffectiveConfig returns the fleet:doctor:config snapshot written at
// construction time.
func (e *Engine) EffectiveConfig(ctx context.Context) (Config, error) {
	payload, err := e.store.Get(ctx, store.DoctorConfigKey)
	if err == store.ErrNotFound {
		return e.cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("reading doctor config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return Config{}, fmt.Errorf("decoding doctor config: %w", err)
	}
	return cfg, nil
}

// Cycle runs exactly one detect/reconcile/gate/diagnose/execute/log pass.
// Errors from an individual problem never abort the cycle.
func (e *Engine) Cycle(ctx context.Context, snapshot FleetSnapshot) error {
	previouslySeen := e.previousProblemKeys(ctx)
	problems := e.detect(snapshot)

	if err := e.reconcile(ctx, problems, previouslySeen); err != nil {
		return err
	}
	e.writeStatus(ctx, len(problems))

	for _, p := range problems {
		switch e.gate(ctx, p) {
		case gateDisabled:
			if e.bus != nil {
				e.bus.Publish(ctx, store.ChannelAlerts, "alert", map[string]any{"problem_id": p.ID, "type": string(p.Type)})
			}
			e.appendAlertHistory(ctx, p)
			e.notify(ctx, p)
			e.appendHistory(ctx, HistoryEntry{Timestamp: time.Now().UTC(), Problem: p, Skipped: "auto_fix_disabled"})
			continue
		case gateCooldown:
			e.appendHistory(ctx, HistoryEntry{Timestamp: time.Now().UTC(), Problem: p, Skipped: "node_cooldown"})
			continue
		case gateRateLimited:
			if e.bus != nil {
				e.bus.Publish(ctx, store.ChannelDoctorEvents, "rate_limited", map[string]any{"problem_id": p.ID})
			}
			e.appendHistory(ctx, HistoryEntry{Timestamp: time.Now().UTC(), Problem: p, Skipped: "rate_limited"})
			continue
		}

		diagnosis := e.diagnose(ctx, p, snapshot)
		if e.bus != nil {
			e.bus.Publish(ctx, store.ChannelDoctorEvents, "diagnosis_complete", map[string]any{
				"problem_id": p.ID, "can_auto_fix": diagnosis.CanAutoFix, "risk_level": diagnosis.RiskLevel,
			})
		}
		results := e.execute(ctx, p, diagnosis)
		e.appendHistory(ctx, HistoryEntry{Timestamp: time.Now().UTC(), Problem: p, Diagnosis: &diagnosis, Results: results})
	}
	return nil
}

// Problems returns the current fleet:doctor:problems snapshot.
func (e *Engine) Problems(ctx context.Context) ([]Problem, error) {
	payload, err := e.store.Get(ctx, store.DoctorProblemsKey)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("reading doctor problems: %w", err)
	}
	var problems []Problem
	if err := json.Unmarshal([]byte(payload), &problems); err != nil {
		return nil, fmt.Errorf("decoding doctor problems: %w", err)
	}
	return problems, nil
}

// History returns up to limit most-recent fleet:doctor:history entries.
func (e *Engine) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > HistoryCap {
		limit = HistoryCap
	}
	raw, err := e.store.LRange(ctx, store.DoctorHistoryKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("reading doctor history: %w", err)
	}
	entries := make([]HistoryEntry, 0, len(raw))
	for _, item := range raw {
		var entry HistoryEntry
		if err := json.Unmarshal([]byte(item), &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Run drives Cycle on cfg.Interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, snapshotFn func(context.Context) (FleetSnapshot, error)) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snapshot, err := snapshotFn(ctx)
			if err != nil {
				e.logger.Error("gathering doctor fleet snapshot", "error", err)
				if e.bus != nil {
					e.bus.Publish(ctx, store.ChannelDoctorEvents, "error", map[string]any{"error": err.Error()})
				}
				continue
			}
			if err := e.Cycle(ctx, snapshot); err != nil {
				e.logger.Error("doctor cycle failed", "error", err)
			}
		}
	}
}
