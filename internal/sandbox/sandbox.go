// Package sandbox runs code in an external execution sandbox over HTTP.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hollis/vesper-agent/internal/httpkit"
)

// Execution is the outcome of one sandboxed run.
type Execution struct {
	Success    bool    `json:"success"`
	Output     string  `json:"output"`
	Error      string  `json:"error,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// Runner is the code-execution boundary. *Client satisfies it; tests
// substitute fakes. A nil Runner disables the run_code tool.
type Runner interface {
	// Execute runs source in the given language and returns the
	// captured result. A non-zero exit or runtime error is reported in
	// the Execution, not as a Go error; Go errors mean the sandbox
	// itself was unreachable or misbehaving.
	Execute(ctx context.Context, language, source string) (*Execution, error)
}

// Client talks to the sandbox's HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a sandbox client. timeout bounds a single
// execution, including queue time on the sandbox side.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client: httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithRetry(1, 250*time.Millisecond),
		),
	}
}

type executeRequest struct {
	Language string `json:"language"`
	Source   string `json:"source"`
}

// Execute implements Runner.
func (c *Client) Execute(ctx context.Context, language, source string) (*Execution, error) {
	body, err := json.Marshal(executeRequest{Language: language, Source: source})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, errBody)
	}

	var exec Execution
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &exec, nil
}
