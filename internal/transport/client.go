package transport

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heimgewebe/plexer/internal/consumer"
)

// Client posts envelope bodies to downstream consumers. One shared client
// serves both the first-attempt dispatcher and the retry worker.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a transport Client with an explicit http.Transport to
// avoid sharing mutable state with other code in the process. The timeout
// bounds each individual delivery attempt.
func NewClient(timeout time.Duration) *Client {
	base := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: WithLogging(base),
		},
	}
}

// Post sends one envelope body to a consumer with its auth header applied.
// Returns the HTTP status code, or 0 with an error on transport failure.
func (c *Client) Post(ctx context.Context, d consumer.Descriptor, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("transport: build request for %s: %w", d.Key, err)
	}

	req.Header.Set("Content-Type", "application/json")
	if name, value, ok := d.AuthHeader(); ok {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("transport: POST %s: %w", d.Key, err)
	}
	drainAndClose(resp.Body)

	return resp.StatusCode, nil
}

// IsSuccess reports whether a status code counts as a delivered forward.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// FailureMessage forms the error string recorded for a failed attempt. The
// status variant appends a token-rejected marker on 401/403.
func FailureMessage(status int, err error) string {
	if err != nil {
		return err.Error()
	}
	msg := fmt.Sprintf("HTTP %d", status)
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		msg += " (token rejected)"
	}
	return msg
}
