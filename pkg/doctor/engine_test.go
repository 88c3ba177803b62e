package doctor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubExecutor struct {
	calls int
}

func (s *stubExecutor) Execute(_ context.Context, action Action, _ map[string]any, nodeID string) ActionResult {
	s.calls++
	return ActionResult{Action: action.Name, NodeID: nodeID, Success: true}
}

func baseConfig() Config {
	return Config{
		AutoFixEnabled:      true,
		AutoFixLevels:       []string{"low", "medium"},
		DiskWarnThreshold:   85,
		DiskCritThreshold:   95,
		MemoryThreshold:     90,
		JobFailureThreshold: 3,
		NodeCooldown:        time.Hour,
		MaxActionsPerHour:   20,
	}
}

func TestHighDiskTriggersCleanupThenCooldownSuppresses(t *testing.T) {
	s := store.NewMemoryStore()
	bus := events.New(s, testLogger())
	exec := &stubExecutor{}
	engine := New(s, bus, testLogger(), nil, exec, baseConfig())
	ctx := context.Background()

	snapshot := FleetSnapshot{Nodes: []NodeHealth{{ID: "n1", Online: true, DiskPct: 90}}}

	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected disk_cleanup executed once, got %d calls", exec.calls)
	}

	onCooldown, err := s.Exists(ctx, store.NodeCooldownKey("n1"))
	if err != nil || !onCooldown {
		t.Fatalf("expected node cooldown set after action, exists=%v err=%v", onCooldown, err)
	}

	// Second cycle, same problem still present: cooldown must suppress it.
	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected no additional action while on cooldown, got %d total calls", exec.calls)
	}
}

func TestCriticalDiskUsesMediumRiskAction(t *testing.T) {
	s := store.NewMemoryStore()
	exec := &stubExecutor{}
	engine := New(s, events.New(s, testLogger()), testLogger(), nil, exec, baseConfig())
	ctx := context.Background()

	snapshot := FleetSnapshot{Nodes: []NodeHealth{{ID: "n1", Online: true, DiskPct: 97}}}
	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected aggressive_cleanup executed once, got %d", exec.calls)
	}
}

func TestAutoFixDisabledPublishesAlertAndSkipsExecution(t *testing.T) {
	s := store.NewMemoryStore()
	exec := &stubExecutor{}
	cfg := baseConfig()
	cfg.AutoFixEnabled = false
	engine := New(s, events.New(s, testLogger()), testLogger(), nil, exec, cfg)
	ctx := context.Background()

	snapshot := FleetSnapshot{Nodes: []NodeHealth{{ID: "n1", Online: true, DiskPct: 90}}}
	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("expected no execution while auto-fix disabled, got %d calls", exec.calls)
	}
}

func TestHourlyActionBudgetRateLimits(t *testing.T) {
	s := store.NewMemoryStore()
	exec := &stubExecutor{}
	cfg := baseConfig()
	cfg.MaxActionsPerHour = 1
	cfg.NodeCooldown = time.Nanosecond // effectively no per-node cooldown blocking the second node
	engine := New(s, events.New(s, testLogger()), testLogger(), nil, exec, cfg)
	ctx := context.Background()

	snapshot := FleetSnapshot{Nodes: []NodeHealth{
		{ID: "n1", Online: true, DiskPct: 90},
		{ID: "n2", Online: true, DiskPct: 90},
	}}
	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("expected exactly one action across the fleet once budget exhausted, got %d", exec.calls)
	}
}

func TestAlertOnlyNeverConsumesHourlyBudget(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := baseConfig()
	cfg.MaxActionsPerHour = 1
	engine := New(s, events.New(s, testLogger()), testLogger(), nil, &stubExecutor{}, cfg)
	ctx := context.Background()

	// high_memory maps to alert_only in the static fallback table.
	snapshot := FleetSnapshot{Nodes: []NodeHealth{{ID: "n1", Online: true, MemPct: 95}}}
	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	count := engine.hourlyActionCount(ctx)
	if count != 0 {
		t.Fatalf("expected alert_only to not consume hourly budget, got count=%d", count)
	}
}

func TestDisallowedRiskLevelNeverExecutes(t *testing.T) {
	s := store.NewMemoryStore()
	exec := &stubExecutor{}
	cfg := baseConfig()
	cfg.AutoFixLevels = []string{"low"} // medium excluded
	engine := New(s, events.New(s, testLogger()), testLogger(), nil, exec, cfg)
	ctx := context.Background()

	snapshot := FleetSnapshot{Nodes: []NodeHealth{{ID: "n1", Online: true, DiskPct: 97}}} // critical_disk -> medium
	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if exec.calls != 0 {
		t.Fatalf("expected medium-risk action to be withheld when only low is allowed, got %d calls", exec.calls)
	}
}
