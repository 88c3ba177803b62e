package autoscaler

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

func baseConfig() Config {
	return Config{
		Enabled:            true,
		MinNodes:           2,
		MaxNodes:           10,
		TargetQueueDepth:   10,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		Cooldown:           time.Minute,
	}
}

func TestScaleUpRequiresBothConditions(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, testLogger(), baseConfig())

	action, _, _ := s.Decide(FleetSnapshot{QueueDepth: 20, ActiveNodes: 3, AvgGPUUtilPct: 90}, State{})
	if action != ActionScaleUp {
		t.Fatalf("expected scale_up when both depth and util exceed threshold, got %s", action)
	}

	action, _, _ = s.Decide(FleetSnapshot{QueueDepth: 20, ActiveNodes: 3, AvgGPUUtilPct: 50}, State{})
	if action != ActionNone {
		t.Fatalf("expected none when only queue depth exceeds threshold, got %s", action)
	}

	action, _, _ = s.Decide(FleetSnapshot{QueueDepth: 5, ActiveNodes: 3, AvgGPUUtilPct: 90}, State{})
	if action != ActionNone {
		t.Fatalf("expected none when only GPU util exceeds threshold, got %s", action)
	}
}

func TestScaleDownRequiresBothConditions(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, testLogger(), baseConfig())

	// Low queue depth alone: insufficient.
	action, _, _ := s.Decide(FleetSnapshot{QueueDepth: 1, ActiveNodes: 5, AvgGPUUtilPct: 50, IdleNodes: 1}, State{})
	if action != ActionNone {
		t.Fatalf("expected none with low queue depth but high util, got %s", action)
	}

	// Low util alone: insufficient.
	action, _, _ = s.Decide(FleetSnapshot{QueueDepth: 9, ActiveNodes: 5, AvgGPUUtilPct: 5, IdleNodes: 1}, State{})
	if action != ActionNone {
		t.Fatalf("expected none with low util but high queue depth, got %s", action)
	}

	// Both conditions plus idle capacity: scale down.
	action, reason, recommended := s.Decide(FleetSnapshot{QueueDepth: 1, ActiveNodes: 5, AvgGPUUtilPct: 5, IdleNodes: 2}, State{})
	if action != ActionScaleDown {
		t.Fatalf("expected scale_down when both conditions hold, got %s (%s)", action, reason)
	}
	if recommended != 3 {
		t.Fatalf("expected recommended scale 5-2=3, got %d", recommended)
	}
}

func TestScaleDownNeverBelowMinNodes(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, testLogger(), baseConfig())
	action, _, recommended := s.Decide(FleetSnapshot{QueueDepth: 0, ActiveNodes: 2, AvgGPUUtilPct: 1, IdleNodes: 2}, State{})
	if action != ActionNone {
		t.Fatalf("expected none: already at min_nodes, got %s", action)
	}
	_ = recommended
}

func TestCooldownSuppressesAction(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, testLogger(), baseConfig())
	prior := State{LastActionTS: time.Now()}
	action, reason, _ := s.Decide(FleetSnapshot{QueueDepth: 50, ActiveNodes: 2, AvgGPUUtilPct: 95}, prior)
	if action != ActionNone || reason != "within cooldown" {
		t.Fatalf("expected cooldown to suppress action, got %s (%s)", action, reason)
	}
}

func TestTickPersistsStateAndHistory(t *testing.T) {
	s := store.NewMemoryStore()
	bus := events.New(s, testLogger())
	scaler := New(s, bus, testLogger(), baseConfig())
	ctx := context.Background()

	action, err := scaler.Tick(ctx, FleetSnapshot{QueueDepth: 20, ActiveNodes: 3, AvgGPUUtilPct: 90})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if action != ActionScaleUp {
		t.Fatalf("expected scale_up, got %s", action)
	}

	history, err := s.LRange(ctx, store.ScalingHistoryKey, 0, -1)
	if err != nil {
		t.Fatalf("lrange history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one history entry, got %d", len(history))
	}

	// A second tick immediately after should be suppressed by cooldown.
	action, err = scaler.Tick(ctx, FleetSnapshot{QueueDepth: 20, ActiveNodes: 3, AvgGPUUtilPct: 90})
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if action != ActionNone {
		t.Fatalf("expected second tick suppressed by cooldown, got %s", action)
	}
}
