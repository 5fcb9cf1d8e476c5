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

// defaultAuthorityTimeout bounds every session-authority call. Expiry is
// treated as a network failure: fail closed for validate/start,
// logged-and-swallowed by the Gate for commit/rollback.
const defaultAuthorityTimeout = 5 * time.Second

// AuthorityConfig configures the remote session-authority client.
type AuthorityConfig struct {
	// URL is the base URL of the session authority service.
	URL string

	// HTTPClient is the HTTP client to use (optional).
	HTTPClient *http.Client

	// Timeout per call (optional, defaults to 5s). Ignored when
	// HTTPClient is provided.
	Timeout time.Duration
}

// AuthorityClient delegates session state transitions to a remote session
// authority so multiple middleware instances share quota state. It holds
// no state locally; ordering per token is assumed to be serialized by the
// remote service. Implements apix.SessionAuthority.
type AuthorityClient struct {
	url        string
	httpClient *http.Client
}

// NewAuthorityClient creates a remote session-authority client.
func NewAuthorityClient(config *AuthorityConfig) *AuthorityClient {
	if config == nil {
		config = &AuthorityConfig{}
	}

	url := config.URL
	if url == "" {
		url = DefaultFacilitatorURL
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultAuthorityTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &AuthorityClient{url: url, httpClient: httpClient}
}

// sessionActionResponse is the authority's reply shape for all four
// transition endpoints.
type sessionActionResponse struct {
	Valid   bool   `json:"valid,omitempty"`
	Started bool   `json:"started,omitempty"`
	OK      bool   `json:"ok,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *AuthorityClient) post(ctx context.Context, action, token string) (*sessionActionResponse, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/session/"+action, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create session %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session %s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read session %s response: %w", action, err)
	}

	var actionResponse sessionActionResponse
	if err := json.Unmarshal(responseBody, &actionResponse); err != nil {
		return nil, fmt.Errorf("session %s failed (%d): %s", action, resp.StatusCode, string(responseBody))
	}
	return &actionResponse, nil
}

// Validate asks the authority whether token identifies a live session.
func (c *AuthorityClient) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	resp, err := c.post(ctx, "validate", token)
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// Start asks the authority to reserve one call under token.
func (c *AuthorityClient) Start(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	resp, err := c.post(ctx, "start", token)
	if err != nil {
		return false, err
	}
	return resp.Started, nil
}

// Commit finalizes a pending reservation with the authority.
func (c *AuthorityClient) Commit(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	_, err := c.post(ctx, "commit", token)
	return err
}

// Rollback refunds a pending reservation with the authority.
func (c *AuthorityClient) Rollback(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	_, err := c.post(ctx, "rollback", token)
	return err
}

var _ apix.SessionAuthority = (*AuthorityClient)(nil)
