package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultTimeout    = 120 * time.Second
	defaultMaxRetries = 4
	baseRetryDelay    = 2 * time.Second
	maxRetryDelay     = 60 * time.Second
)

// newHTTPClient returns a client that retries connection errors, 429 and
// 5xx responses with exponential backoff. Retry-After is honoured.
func newHTTPClient(cfg Config) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = defaultMaxRetries
	if cfg.MaxRetries > 0 {
		rc.RetryMax = cfg.MaxRetries
	}
	rc.RetryWaitMin = baseRetryDelay
	rc.RetryWaitMax = maxRetryDelay
	rc.Logger = slog.Default()
	// hand the last response back so its body ends up in the error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	rc.HTTPClient = &http.Client{Timeout: timeout}
	return rc.StandardClient()
}

// postJSON sends body as JSON and returns the raw response of a 200.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrRequestFailed, resp.StatusCode, truncate(respBody, 512))
	}
	return respBody, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
