package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks the reconciliation protocol from the agent side.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a protocol client for the given control plane base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchDesiredConfig pulls the latest desired configuration snapshots.
// ErrResourceNotFound is returned only on a positive 404 from the control
// plane; any transport or server failure is an ordinary error the caller
// must treat as transient.
func (c *Client) FetchDesiredConfig(ctx context.Context, resourceID string) (*DesiredConfigResponse, error) {
	var resp DesiredConfigResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/resources/%s/desired-config", resourceID), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportStatus pushes the agent's applied-status report.
func (c *Client) ReportStatus(ctx context.Context, resourceID string, report StatusReport) (*StatusAck, error) {
	var ack StatusAck
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/resources/%s/status", resourceID), report, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// SubmitIntent enqueues an external request against a resource.
func (c *Client) SubmitIntent(ctx context.Context, resourceID string, req SubmitIntentRequest) (*SubmitIntentResponse, error) {
	var resp SubmitIntentResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/resources/%s/intents", resourceID), req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// Register registers a resource with the control plane.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/resources", req, nil)
}

// GetResource fetches the operator view of one resource.
func (c *Client) GetResource(ctx context.Context, resourceID string) (*ResourceResponse, error) {
	var resp ResourceResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/resources/%s", resourceID), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearQuarantine lifts a corrupt-state quarantine on a resource.
func (c *Client) ClearQuarantine(ctx context.Context, resourceID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/resources/%s/quarantine", resourceID), nil, nil)
}

// Transitions fetches the recent transition history of one resource.
func (c *Client) Transitions(ctx context.Context, resourceID string) (*TransitionsResponse, error) {
	var resp TransitionsResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/resources/%s/transitions", resourceID), nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound:
		// Only a well-formed not_found body is a positive confirmation.
		// A 404 from an intermediary proxy must stay transient.
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error == CodeNotFound {
			return fmt.Errorf("%s %s: %w", method, path, ErrResourceNotFound)
		}
		return fmt.Errorf("%s %s: unexpected 404", method, path)
	default:
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, errResp.Error, errResp.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
}
