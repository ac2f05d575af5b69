package transport

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

// loggingTransport logs request method/URL and response status at debug
// level so high-volume fanout does not flood the log.
type loggingTransport struct {
	next http.RoundTripper
}

// WithLogging wraps a RoundTripper with request/response logging.
func WithLogging(next http.RoundTripper) http.RoundTripper {
	return &loggingTransport{next: next}
}

func (l *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := l.next.RoundTrip(req)
	elapsed := time.Since(start)

	if err != nil {
		slog.Debug("HTTP request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return resp, err
	}

	slog.Debug("HTTP request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
	)
	return resp, nil
}

// drainAndClose reads remaining body bytes and closes, preventing
// connection leaks.
func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, body)
	body.Close()
}
