package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evrydayimruslin/ultralight-sub003/internal/blob"
	"github.com/evrydayimruslin/ultralight-sub003/internal/lifecycle"
)

// SandboxRequest is one isolated function run.
type SandboxRequest struct {
	ResourceID      string                     `json:"resource_id"`
	Version         string                     `json:"version"`
	Function        string                     `json:"function"`
	Args            map[string]any             `json:"args"`
	Files           []blob.File                `json:"files"`
	Secrets         map[string]string          `json:"secrets"`
	ExternalService *lifecycle.ExternalService `json:"external_service,omitempty"`
	CallerID        string                     `json:"caller_id"`
}

// SandboxResult is what the function returned.
type SandboxResult struct {
	Result     json.RawMessage `json:"result"`
	Logs       []string        `json:"logs,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs float64         `json:"duration_ms"`
}

// Sandbox executes tenant code in isolation.
type Sandbox interface {
	Run(ctx context.Context, req *SandboxRequest) (*SandboxResult, error)
}

const sandboxTimeout = 30 * time.Second

// HTTPSandbox posts runs to a sandbox runner service.
type HTTPSandbox struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHTTPSandbox(endpoint, token string) *HTTPSandbox {
	return &HTTPSandbox{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: sandboxTimeout},
	}
}

func (s *HTTPSandbox) Run(ctx context.Context, req *SandboxRequest) (*SandboxResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("Run: sandbox returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out SandboxResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("Run: decode: %w", err)
	}
	return &out, nil
}
