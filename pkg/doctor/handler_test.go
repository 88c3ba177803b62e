package doctor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
	"github.com/socialhostpro/fleetcmdagent/pkg/events"
)

func newTestHandler(t *testing.T) (*Handler, *Engine) {
	t.Helper()
	s := store.NewMemoryStore()
	bus := events.New(s, testLogger())
	engine := New(s, bus, testLogger(), nil, &stubExecutor{}, baseConfig())
	return NewHandler(engine, nil, nil), engine
}

func TestHandleStatusReflectsLastCycle(t *testing.T) {
	h, engine := newTestHandler(t)
	ctx := context.Background()
	snapshot := FleetSnapshot{Nodes: []NodeHealth{{ID: "n1", Online: true, SwarmReady: true, AgentReached: true, DiskPct: 90}}}
	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	h.handleStatus(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got statusRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.ProblemCount != 1 {
		t.Errorf("ProblemCount = %d, want 1", got.ProblemCount)
	}
}

func TestHandleConfigReturnsEffectiveConfig(t *testing.T) {
	h, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()
	h.handleConfig(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got Config
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.MaxActionsPerHour != baseConfig().MaxActionsPerHour {
		t.Errorf("MaxActionsPerHour = %d, want %d", got.MaxActionsPerHour, baseConfig().MaxActionsPerHour)
	}
}

func TestHandleAlertsReturnsHistoryAfterAutoFixDisabled(t *testing.T) {
	s := store.NewMemoryStore()
	bus := events.New(s, testLogger())
	cfg := baseConfig()
	cfg.AutoFixEnabled = false
	engine := New(s, bus, testLogger(), nil, &stubExecutor{}, cfg)
	h := NewHandler(engine, nil, nil)
	ctx := context.Background()

	snapshot := FleetSnapshot{Nodes: []NodeHealth{{ID: "n1", Online: true, SwarmReady: true, AgentReached: true, DiskPct: 90}}}
	if err := engine.Cycle(ctx, snapshot); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/alerts", nil)
	w := httptest.NewRecorder()
	h.handleAlerts(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Alerts []json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(body.Alerts) != 1 {
		t.Fatalf("expected 1 alert recorded, got %d", len(body.Alerts))
	}
}
