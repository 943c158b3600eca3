// Package proxy is a local reverse proxy that forwards requests to the
// records API with the session's bearer token attached. Tools that cannot
// speak the session protocol point at it instead of the API.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aussiebroadwan/sunga/internal/metrics"
	"github.com/aussiebroadwan/sunga/pkg/authsdk"
	"github.com/aussiebroadwan/sunga/pkg/httpx"
	"github.com/aussiebroadwan/sunga/pkg/slogx"
)

// maxBodyBytes bounds a forwarded request body. Bodies are buffered so a
// request rejected with 401 can be replayed after a refresh.
const maxBodyBytes = 8 << 20

// Config wires a Proxy. Manager is required.
type Config struct {
	Manager *authsdk.Manager
	Logger  *slog.Logger
	Version string

	// Limit caps what is forwarded upstream, across all callers.
	Limit httpx.RateLimitConfig

	// Metrics and Gatherer are optional. /metrics is served only when
	// Gatherer is set.
	Metrics  *metrics.Collector
	Gatherer prometheus.Gatherer
}

// Proxy forwards to the API through Manager.Do.
type Proxy struct {
	mgr      *authsdk.Manager
	logger   *slog.Logger
	version  string
	limit    httpx.RateLimitConfig
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer

	startTime time.Time

	// signedOut is set when the session was invalidated and cleared once a
	// new login is picked up from the store.
	signedOut   atomic.Bool
	hydrateMu   sync.Mutex
	unsubscribe func()
}

func New(cfg Config) *Proxy {
	p := &Proxy{
		mgr:       cfg.Manager,
		logger:    cfg.Logger,
		version:   cfg.Version,
		limit:     cfg.Limit,
		metrics:   cfg.Metrics,
		gatherer:  cfg.Gatherer,
		startTime: time.Now(),
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.limit.RequestsPerWindow == 0 {
		p.limit = httpx.ProxyLimit
	}

	p.unsubscribe = p.mgr.Bus().Subscribe(authsdk.TopicAuthError, p.onAuthError)

	return p
}

// Close stops listening for session events.
func (p *Proxy) Close() {
	p.unsubscribe()
}

// SignedOut reports whether the session was invalidated and no login has
// been seen since.
func (p *Proxy) SignedOut() bool { return p.signedOut.Load() }

func (p *Proxy) onAuthError(ev authsdk.Event) {
	p.signedOut.Store(true)
	p.logger.Warn("session invalidated, answering 401 until the next login",
		"event_id", ev.ID.String(),
	)
}

// Handler returns the router. Everything outside the local endpoints is
// forwarded.
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(slogx.HTTPMiddleware(p.logger))

	r.Get("/livez", p.handleLivez)
	r.Get("/session", p.handleSession)
	if p.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(p.gatherer))
	}

	r.With(httpx.RateLimitMiddleware(p.limit, httpx.GlobalKeyExtractor)).
		Handle("/*", http.HandlerFunc(p.forward))

	return r
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (p *Proxy) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           p.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.ListenAndServe()
	}()

	p.logger.Info("proxy listening", "addr", addr, "version", p.version)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	p.logger.Info("shutting down proxy")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		p.logger.Error("graceful proxy shutdown failed", "error", err)
		if err := server.Close(); err != nil {
			p.logger.Error("error closing proxy server", "error", err)
		}
		return err
	}

	return nil
}

type livezResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Version string `json:"version"`
}

func (p *Proxy) handleLivez(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, livezResponse{
		Status:  "ok",
		Uptime:  time.Since(p.startTime).String(),
		Version: p.version,
	})
}

func (p *Proxy) handleSession(w http.ResponseWriter, _ *http.Request) {
	status := Describe(p.mgr)
	status.SignedOut = p.signedOut.Load()
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	log := slogx.FromContext(r.Context())

	if !p.ensureSession(r.Context()) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		httpx.WriteDetail(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpx.WriteDetail(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		httpx.WriteDetail(w, http.StatusBadRequest, "Invalid body")
		return
	}

	var body io.Reader
	if len(raw) > 0 {
		body = bytes.NewReader(raw)
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	req, err := p.mgr.NewRequest(r.Context(), r.Method, path, body)
	if err != nil {
		log.Error("build upstream request failed", "error", err)
		httpx.WriteDetail(w, http.StatusBadRequest, "Invalid request")
		return
	}
	copyHeader(req.Header, r.Header)

	start := time.Now()
	resp, err := p.mgr.Do(req)
	if err != nil {
		p.record(0, time.Since(start))
		p.fail(w, r, err)
		return
	}
	defer resp.Body.Close()

	p.record(resp.StatusCode, time.Since(start))

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Warn("copy upstream response failed", "error", err)
	}
}

// ensureSession reports whether there is a session to forward with. A
// session that is not authenticated is reloaded from the store so a login
// made by another process is picked up.
func (p *Proxy) ensureSession(ctx context.Context) bool {
	if p.mgr.State() == authsdk.StateAuthenticated {
		return true
	}

	p.hydrateMu.Lock()
	defer p.hydrateMu.Unlock()

	if p.mgr.State() == authsdk.StateAuthenticated {
		return true
	}

	if err := p.mgr.Hydrate(ctx); err != nil {
		p.logger.Warn("reload session failed", "error", err)
		return false
	}

	if p.mgr.State() != authsdk.StateAuthenticated {
		return false
	}

	if p.signedOut.CompareAndSwap(true, false) {
		p.logger.Info("new session picked up, forwarding again")
	}
	return true
}

func (p *Proxy) fail(w http.ResponseWriter, r *http.Request, err error) {
	log := slogx.FromContext(r.Context())

	switch {
	case authsdk.IsSessionInvalid(err):
		w.Header().Set("WWW-Authenticate", "Bearer")
		httpx.WriteDetail(w, http.StatusUnauthorized, authsdk.UserMessage(err))
	case errors.Is(err, authsdk.ErrSessionChanged):
		httpx.WriteDetail(w, http.StatusServiceUnavailable, "Session changed, please retry")
	case errors.Is(err, context.Canceled):
		log.Debug("client went away", "error", err)
	default:
		log.Warn("upstream request failed", "error", err)
		httpx.WriteDetail(w, http.StatusBadGateway, "Upstream unavailable")
	}
}

func (p *Proxy) record(status int, latency time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordProxyRequest(status, latency)
	}
}

// hopHeaders are connection scoped and never forwarded. Authorization is
// dropped so only the session's token reaches the API.
var hopHeaders = map[string]bool{
	"Authorization":       true,
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
