package autoscaler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/socialhostpro/fleetcmdagent/internal/store"
)

func TestHandleConfigReturnsResolvedDefaults(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, testLogger(), baseConfig())
	h := NewHandler(s)

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
	if got.MinNodes != baseConfig().MinNodes {
		t.Errorf("MinNodes = %d, want %d", got.MinNodes, baseConfig().MinNodes)
	}
}

func TestHandleStatusReflectsState(t *testing.T) {
	s := New(store.NewMemoryStore(), nil, testLogger(), baseConfig())
	h := NewHandler(s)
	ctx := httptest.NewRequest(http.MethodGet, "/status", nil).Context()

	if _, err := s.Tick(ctx, FleetSnapshot{QueueDepth: 20, ActiveNodes: 3, AvgGPUUtilPct: 90}); err != nil {
		t.Fatalf("tick: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	h.handleStatus(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var got State
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.RecommendedScale == 0 {
		t.Errorf("expected a non-zero recommended scale after scale_up tick")
	}
}
