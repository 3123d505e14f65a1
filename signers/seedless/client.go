package seedless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mark3labs/signet/retry"
)

type tokenSource interface {
	BearerToken(method, path string) (string, error)
	WalletToken(method, path string, body []byte) (string, error)
}

// client is the HTTP client for the signing service.
type client struct {
	baseURL    string
	httpClient *http.Client
	auth       tokenSource
	retry      retry.Config
}

func newClient(baseURL string, auth tokenSource) *client {
	return &client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		auth: auth,
		retry: retry.Config{
			MaxAttempts:  5,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     10 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// do sends one request. It returns the status code so callers can tell a
// completed 200 from a suspended 202.
func (c *client) do(ctx context.Context, method, path string, body, result interface{}, walletAuth bool, attempt int) (int, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	token, err := c.auth.BearerToken(method, path)
	if err != nil {
		return 0, fmt.Errorf("generate JWT: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	if walletAuth {
		walletToken, err := c.auth.WalletToken(method, path, bodyBytes)
		if err != nil {
			return 0, fmt.Errorf("generate wallet JWT: %w", err)
		}
		req.Header.Set("X-Wallet-Auth", walletToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, classifyError(resp, method, path, attempt)
	}

	if result != nil {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read response body: %w", err)
		}
		if err := json.Unmarshal(data, result); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// doWithRetry retries rate limits and server errors.
func (c *client) doWithRetry(ctx context.Context, method, path string, body, result interface{}, walletAuth bool) (int, error) {
	attempt := 0
	return retry.WithRetry(ctx, c.retry, isRetryable, func() (int, error) {
		status, err := c.do(ctx, method, path, body, result, walletAuth, attempt)
		attempt++
		return status, err
	})
}

func isRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// classifyError builds an APIError from a non-2xx response:
//
//	429  rate_limit    retryable, honours Retry-After
//	5xx  server_error  retryable
//	401  auth_error
//	403  auth_error
//	4xx  client_error
func classifyError(resp *http.Response, method, path string, attempt int) error {
	apiErr := &APIError{
		StatusCode:    resp.StatusCode,
		RequestID:     resp.Header.Get("X-Request-ID"),
		Method:        method,
		Path:          path,
		AttemptNumber: attempt,
	}

	if body, _ := io.ReadAll(resp.Body); len(body) > 0 {
		apiErr.Message = string(body)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.ErrorType = ErrorTypeRateLimit
		apiErr.Retryable = true
		apiErr.RetryAfter = parseRetryAfter(resp)
		if apiErr.Message == "" {
			apiErr.Message = "Rate limit exceeded"
		}
	case resp.StatusCode >= 500:
		apiErr.ErrorType = ErrorTypeServerError
		apiErr.Retryable = true
		if apiErr.Message == "" {
			apiErr.Message = "signing service error"
		}
	case resp.StatusCode == http.StatusUnauthorized:
		apiErr.ErrorType = ErrorTypeAuthError
		if apiErr.Message == "" {
			apiErr.Message = "Authentication failed - check API credentials"
		}
	case resp.StatusCode == http.StatusForbidden:
		apiErr.ErrorType = ErrorTypeAuthError
		if apiErr.Message == "" {
			apiErr.Message = "Insufficient permissions"
		}
	default:
		apiErr.ErrorType = ErrorTypeClientError
		if apiErr.Message == "" {
			apiErr.Message = "Invalid request parameters"
		}
	}
	return apiErr
}

// parseRetryAfter reads Retry-After as seconds or an HTTP date. It returns
// 60 seconds when the header is missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	value := resp.Header.Get("Retry-After")
	if value == "" {
		return 60 * time.Second
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 60 * time.Second
}
