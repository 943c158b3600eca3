package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sunga/pkg/authsdk"
)

var _ authsdk.Recorder = (*Collector)(nil)

// counterValue sums every series of the named counter family whose labels
// include want.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, v := range want {
				found := false
				for _, lp := range m.GetLabel() {
					if lp.GetName() == k && lp.GetValue() == v {
						found = true
					}
				}
				if !found {
					continue metric
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCollectorCountsSessionEvents(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin(authsdk.OutcomeSuccess)
	c.RecordLogin(authsdk.OutcomeChallenge)
	c.RecordLogin(authsdk.OutcomeSuccess)
	c.RecordRefresh(authsdk.OutcomeDiscarded)
	c.RecordRefreshShared()
	c.RecordRefreshShared()
	c.RecordSessionInvalid()

	require.Equal(t, 2.0, counterValue(t, reg, "sunga_logins_total", map[string]string{"outcome": "success"}))
	require.Equal(t, 1.0, counterValue(t, reg, "sunga_logins_total", map[string]string{"outcome": "challenge"}))
	require.Equal(t, 1.0, counterValue(t, reg, "sunga_refreshes_total", map[string]string{"outcome": "discarded"}))
	require.Equal(t, 2.0, counterValue(t, reg, "sunga_refresh_shared_total", nil))
	require.Equal(t, 1.0, counterValue(t, reg, "sunga_session_invalid_total", nil))
}

func TestCollectorCountsProxyRequests(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordProxyRequest(http.StatusOK, 20*time.Millisecond)
	c.RecordProxyRequest(http.StatusOK, 30*time.Millisecond)
	c.RecordProxyRequest(0, time.Second)

	require.Equal(t, 2.0, counterValue(t, reg, "sunga_proxy_requests_total", map[string]string{"status_code": "200"}))
	require.Equal(t, 1.0, counterValue(t, reg, "sunga_proxy_requests_total", map[string]string{"status_code": "0"}))
}

func TestHandlerServesMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordSessionInvalid()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := rec.Result()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "sunga_session_invalid_total 1")
}

func TestManagerReportsToCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"detail":"Incorrect username or password"}`)
	}))
	defer srv.Close()

	mgr := authsdk.NewManager(authsdk.NewSDKClient(srv.URL, nil), authsdk.Config{Metrics: c})
	res := mgr.Login(t.Context(), "alice", "wrong")
	require.False(t, res.Success)

	require.Equal(t, 1.0, counterValue(t, reg, "sunga_logins_total", map[string]string{"outcome": "failure"}))
}
