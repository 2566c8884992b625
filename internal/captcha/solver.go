// Package captcha reads login CAPTCHA images through an OCR HTTP service.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPSolver posts the CAPTCHA PNG to an OCR endpoint that answers with
// {"result": "<text>"}.
type HTTPSolver struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSolver returns a solver for endpoint. A nil client gets a 10s timeout.
func NewHTTPSolver(endpoint string, client *http.Client) (*HTTPSolver, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("captcha endpoint is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSolver{endpoint: endpoint, client: client}, nil
}

type solveResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Solve returns the recognised characters.
func (s *HTTPSolver) Solve(ctx context.Context, png []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(png))
	if err != nil {
		return "", fmt.Errorf("build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("captcha request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read captcha response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("captcha service status %d", resp.StatusCode)
	}
	var out solveResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode captcha response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("captcha service: %s", out.Error)
	}
	code := strings.TrimSpace(out.Result)
	if code == "" {
		return "", fmt.Errorf("captcha service returned no text")
	}
	return code, nil
}
