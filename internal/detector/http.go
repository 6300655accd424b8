package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// HTTPDetector calls an external scoring service over HTTP. The service
// receives the signal as JSON and answers with the inbound detector
// contract: {module, score|null, confidence, metadata}.
type HTTPDetector struct {
	module   string
	endpoint string
	client   *http.Client
}

// NewHTTPDetector creates a detector client for a remote module endpoint.
// The per-call timeout is enforced via context by the registry runner.
func NewHTTPDetector(module, endpoint string) *HTTPDetector {
	return &HTTPDetector{
		module:   module,
		endpoint: endpoint,
		client:   &http.Client{},
	}
}

// Name returns the canonical module name.
func (d *HTTPDetector) Name() string { return d.module }

// Detect posts the signal to the remote endpoint and normalizes the reply.
func (d *HTTPDetector) Detect(ctx context.Context, sig *domain.Signal) (domain.DetectorResult, error) {
	body, err := json.Marshal(sig)
	if err != nil {
		return domain.DetectorResult{}, fmt.Errorf("marshal signal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.DetectorResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return domain.DetectorResult{}, fmt.Errorf("call detector %s: %w", d.module, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.DetectorResult{}, fmt.Errorf("detector %s returned status %d", d.module, resp.StatusCode)
	}

	var in domain.DetectorInput
	if err := json.NewDecoder(resp.Body).Decode(&in); err != nil {
		return domain.DetectorResult{}, fmt.Errorf("decode detector %s response: %w", d.module, err)
	}
	if in.Module == "" {
		in.Module = d.module
	}

	result := Normalize(in)
	if !result.Available {
		return domain.DetectorResult{}, fmt.Errorf("detector %s: %s", d.module, result.Reason)
	}
	return result, nil
}
