package slogx

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/aussiebroadwan/sunga/pkg/idx"
)

// Transport is an http.RoundTripper that tags outgoing requests with a
// request id and logs the outcome at debug level. Query strings are not
// logged.
type Transport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, logger *slog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Logger: logger}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	reqID := req.Header.Get(RequestIDHeader)
	if reqID == "" {
		reqID = idx.New().String()
		req = req.Clone(req.Context())
		req.Header.Set(RequestIDHeader, reqID)
	}

	logger := t.Logger
	if logger == nil {
		logger = FromContext(req.Context())
	}
	logger = logger.With("req_id", reqID, "method", req.Method, "path", req.URL.Path)

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		logger.Debug("outbound_request_failed",
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	logger.Debug("outbound_request",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}
