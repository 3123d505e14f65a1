package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mark3labs/signet"
)

// Client talks to an approval server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WithHTTPClient sets a custom underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		if httpClient == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = httpClient
		return nil
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) ClientOption {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// Submit sends a request and waits for its outcome.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*signet.SignOutcome, error) {
	var out signet.SignOutcome
	if err := c.do(ctx, http.MethodPost, PathRequests, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pending lists pending approvals, oldest first.
func (c *Client) Pending(ctx context.Context) ([]signet.DisplayData, error) {
	var out []signet.DisplayData
	if err := c.do(ctx, http.MethodGet, PathApprovals, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one pending approval.
func (c *Client) Get(ctx context.Context, id string) (*signet.DisplayData, error) {
	var out signet.DisplayData
	if err := c.do(ctx, http.MethodGet, approvalPath(id, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Approve approves id and waits for signing to finish.
func (c *Client) Approve(ctx context.Context, id string, actx signet.ApprovalContext) error {
	return c.do(ctx, http.MethodPost, approvalPath(id, "approve"), actx, nil)
}

// Reject rejects id.
func (c *Client) Reject(ctx context.Context, id, reason string) error {
	return c.do(ctx, http.MethodPost, approvalPath(id, "reject"), RejectRequest{Reason: reason}, nil)
}

// Dismiss dismisses id.
func (c *Client) Dismiss(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, approvalPath(id, "dismiss"), nil, nil)
}

func approvalPath(id, action string) string {
	p := PathApprovals + "/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeError rebuilds the server's error so callers can use errors.Is with
// the signet sentinels.
func decodeError(status int, data []byte) error {
	var body ErrorResponse
	if err := json.Unmarshal(data, &body); err != nil || body.Error.Code == "" {
		return fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(string(data)))
	}

	switch body.Error.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", signet.ErrRequestNotFound, body.Error.Message)
	case CodeConflict:
		return fmt.Errorf("%w: %s", signet.ErrInvalidState, body.Error.Message)
	}
	se := signet.NewSigningError(signet.ErrorCode(body.Error.Code), body.Error.Message, nil)
	se.Details = body.Error.Details
	return se
}
