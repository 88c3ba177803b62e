package doctor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ActionExecutor runs a remediation against the control plane's own
// maintenance surface.
type ActionExecutor interface {
	Execute(ctx context.Context, action Action, params map[string]any, nodeID string) ActionResult
}

// HTTPActionExecutor POSTs to baseURL + "/maintenance/{action}".
type HTTPActionExecutor struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPActionExecutor creates an HTTPActionExecutor against baseURL (the
// control plane's own listen address).
func NewHTTPActionExecutor(baseURL string) *HTTPActionExecutor {
	return &HTTPActionExecutor{baseURL: baseURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

func (e *HTTPActionExecutor) Execute(ctx context.Context, action Action, params map[string]any, nodeID string) ActionResult {
	start := time.Now()
	result := ActionResult{Action: action.Name, NodeID: nodeID}

	body, err := json.Marshal(map[string]any{"node_id": nodeID, "params": params})
	if err != nil {
		result.Error = fmt.Sprintf("encoding action request: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	endpoint := fmt.Sprintf("%s/maintenance/%s", e.baseURL, action.Name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		result.Error = fmt.Sprintf("building action request: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer resp.Body.Close()

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	result.ResponseSnippet = string(snippet)
	result.Duration = time.Since(start)
	result.Success = resp.StatusCode < 300
	if !result.Success {
		result.Error = fmt.Sprintf("maintenance endpoint returned status %d", resp.StatusCode)
	}
	return result
}

// AlertOnlyExecutor is the no-op executor for the alert_only action: it
// never calls out, just reports success so history/logging stays uniform.
type AlertOnlyExecutor struct{}

func (AlertOnlyExecutor) Execute(_ context.Context, action Action, _ map[string]any, nodeID string) ActionResult {
	return ActionResult{Action: action.Name, NodeID: nodeID, Success: true, ResponseSnippet: "alert_only: no-op"}
}
