package httpclient

import (
	"net/http"
	"time"

	"econos/internal/logging"
)

type loggingRoundTripper struct {
	base   http.RoundTripper
	logger logging.Logger
}

// New builds an HTTP client with sane transport defaults and request logging.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &loggingRoundTripper{
			base:   transport,
			logger: logging.OrNop(logger),
		},
	}
}

func (t *loggingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.Debug("%s %s failed after %v: %v", req.Method, req.URL, time.Since(start), err)
		return nil, err
	}
	t.logger.Debug("%s %s -> %d in %v", req.Method, req.URL, resp.StatusCode, time.Since(start))
	return resp, nil
}
