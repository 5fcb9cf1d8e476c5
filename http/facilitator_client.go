// Package http provides the HTTP transport pieces of apix: the
// facilitator client, the remote session-authority client, and a
// net/http middleware adapter for the Gate.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apix "github.com/apixlabs/apix-go"
)

// DefaultFacilitatorURL is the facilitator used when none is configured.
const DefaultFacilitatorURL = "http://localhost:8080"

// requestIDHeader carries the caller's idempotency identifier.
const requestIDHeader = "X-Request-ID"

// FacilitatorConfig configures the HTTP facilitator client.
type FacilitatorConfig struct {
	// URL is the base URL of the facilitator service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout for requests (optional, defaults to 30s). Ignored when
	// HTTPClient is provided.
	Timeout time.Duration
}

// FacilitatorClient verifies payment references with a remote facilitator
// over HTTP. Implements apix.FacilitatorClient.
type FacilitatorClient struct {
	url        string
	httpClient *http.Client
}

// NewFacilitatorClient creates a new HTTP facilitator client.
func NewFacilitatorClient(config *FacilitatorConfig) *FacilitatorClient {
	if config == nil {
		config = &FacilitatorConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &FacilitatorClient{url: url, httpClient: httpClient}
}

// Verify POSTs the payment reference to the facilitator's /v1/verify
// endpoint. Facilitator rejections are returned as a structured verdict,
// not an error; an error means the facilitator could not be reached or
// answered with an unusable body.
func (c *FacilitatorClient) Verify(ctx context.Context, verifyReq apix.VerifyRequest) (*apix.VerifyResponse, error) {
	body, err := json.Marshal(verifyReq)
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/verify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if verifyReq.RequestID != "" {
		req.Header.Set(requestIDHeader, verifyReq.RequestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}

	var verifyResponse apix.VerifyResponse
	if err := json.Unmarshal(responseBody, &verifyResponse); err != nil {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", resp.StatusCode, string(responseBody))
	}

	// Non-200 responses with a parseable body are structured rejections:
	// surface the facilitator's own code and retryability to the caller.
	if resp.StatusCode != http.StatusOK && verifyResponse.Code == "" && verifyResponse.Message == "" {
		return nil, fmt.Errorf("facilitator verify failed (%d): %s", resp.StatusCode, string(responseBody))
	}
	if verifyResponse.RequestID == "" {
		verifyResponse.RequestID = resp.Header.Get(requestIDHeader)
	}

	return &verifyResponse, nil
}

var _ apix.FacilitatorClient = (*FacilitatorClient)(nil)
