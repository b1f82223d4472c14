package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/mapping"
)

// ErrAdapterUnavailable marks AI mapping adapter failures. Callers must treat
// it as recoverable: the upload is parked, never lost.
var ErrAdapterUnavailable = errors.New("ai mapping adapter unavailable")

// aiMappingClient is the HTTP implementation of mapping.MappingAdapter. It
// posts headers plus sample rows to the configured mapping service and is
// called at most once per uploaded file.
type aiMappingClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAIMappingClient builds the adapter client. An empty baseURL returns a
// stub that fails soft, so environments without the mapping service still
// accept uploads (they just park at PENDING).
func NewAIMappingClient(baseURL, apiKey string, timeout time.Duration) mapping.MappingAdapter {
	if baseURL == "" {
		logger.L.Warn("AI mapper URL not configured; AI-assisted mapping disabled")
		return &disabledMappingAdapter{}
	}
	return &aiMappingClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type proposeMappingRequest struct {
	Headers    []string            `json:"headers"`
	SampleRows []map[string]string `json:"sample_rows"`
	BrokerHint string              `json:"broker_hint,omitempty"`
}

func (c *aiMappingClient) ProposeMapping(ctx context.Context, headers []string, sampleRows []map[string]string, brokerHint string) (*mapping.MappingProposal, error) {
	payload, err := json.Marshal(proposeMappingRequest{
		Headers:    headers,
		SampleRows: sampleRows,
		BrokerHint: brokerHint,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrAdapterUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/propose-mapping", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrAdapterUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.L.Warn("AI mapper request failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrAdapterUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		logger.L.Warn("AI mapper returned non-200", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: status %d", ErrAdapterUnavailable, resp.StatusCode)
	}

	var proposal mapping.MappingProposal
	if err := json.Unmarshal(body, &proposal); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrAdapterUnavailable, err)
	}

	logger.L.Info("AI mapper proposed mapping",
		"columns", len(proposal.Mappings),
		"overallConfidence", proposal.OverallConfidence,
		"unmappedFields", len(proposal.UnmappedFields),
		"duration", time.Since(start))
	return &proposal, nil
}

// disabledMappingAdapter always fails soft. Uploads that would need the AI
// path park at PENDING awaiting manual mapping.
type disabledMappingAdapter struct{}

func (d *disabledMappingAdapter) ProposeMapping(context.Context, []string, []map[string]string, string) (*mapping.MappingProposal, error) {
	return nil, fmt.Errorf("%w: not configured", ErrAdapterUnavailable)
}
