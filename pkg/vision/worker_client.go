package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// SwitchTimeout bounds a model-swap HTTP call.
const SwitchTimeout = 120 * time.Second

// GenerateTimeout bounds a generation HTTP call.
const GenerateTimeout = 300 * time.Second

// WorkerClient is how the scheduler talks to a vision worker over HTTP. An
// interface so the dispatch loop can be driven by a fake in tests.
type WorkerClient interface {
	SwitchModel(ctx context.Context, n VisionNode, model string) error
	Generate(ctx context.Context, n VisionNode, job Job) (map[string]any, error)
	Cancel(ctx context.Context, n VisionNode, jobID string) error
}

// HTTPWorkerClient is the production WorkerClient, speaking to each worker's
// own agent port.
type HTTPWorkerClient struct {
	httpClient *http.Client
}

// NewHTTPWorkerClient creates a WorkerClient with one shared client and
// per-call timeouts applied via context.
func NewHTTPWorkerClient() *HTTPWorkerClient {
	return &HTTPWorkerClient{httpClient: &http.Client{}}
}

func workerBaseURL(n VisionNode) string {
	return fmt.Sprintf("http://%s:%d", n.IP, n.Port)
}

func (c *HTTPWorkerClient) SwitchModel(ctx context.Context, n VisionNode, model string) error {
	ctx, cancel := context.WithTimeout(ctx, SwitchTimeout)
	defer cancel()

	endpoint := workerBaseURL(n) + "/models/switch?" + url.Values{"model_name": {model}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building switch request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("switching model on %s: %w", n.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("switch request to %s returned status %d", n.ID, resp.StatusCode)
	}
	return nil
}

func (c *HTTPWorkerClient) Generate(ctx context.Context, n VisionNode, job Job) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, GenerateTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"job_id": job.ID,
		"prompt": job.Prompt,
		"model":  job.Model,
		"params": job.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding generate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerBaseURL(n)+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("generating on %s: %w", n.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("generate request to %s returned status %d", n.ID, resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding generate response: %w", err)
	}
	return result, nil
}

// FastQueryTimeout bounds a cancel request.
const FastQueryTimeout = 10 * time.Second

func (c *HTTPWorkerClient) Cancel(ctx context.Context, n VisionNode, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, FastQueryTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/cancel/%s", workerBaseURL(n), jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building cancel request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancelling job %s on %s: %w", jobID, n.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cancel request to %s returned status %d", n.ID, resp.StatusCode)
	}
	return nil
}
