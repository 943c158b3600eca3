package session_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sunga/internal/app"
	"github.com/aussiebroadwan/sunga/internal/proxy"
	"github.com/aussiebroadwan/sunga/internal/testserver"
	"github.com/aussiebroadwan/sunga/pkg/httpx"
	"github.com/aussiebroadwan/sunga/pkg/jwtx"
)

/*
 * End-to-end helpers: an in-process identity API, a sealed sqlite
 * credential store and the local proxy, wired the way `sunga proxy` runs.
 */

const (
	patientUsername = "alice"
	patientPassword = "correct-pw"
	storePassphrase = "correct horse battery staple"

	// Short enough to wait out, long enough that a freshly refreshed token
	// is still valid when the replayed request reaches the API.
	accessTTL = 2 * time.Second
)

type stack struct {
	api      *testserver.Server
	cfg      app.Config
	app      *app.Application
	proxy    *proxy.Proxy
	proxyURL string
}

// setupStack starts the API, opens the application on a fresh credential
// file and serves its proxy.
func setupStack(t *testing.T, apiCfg testserver.Config) *stack {
	t.Helper()

	api := testserver.New(apiCfg)
	t.Cleanup(api.Close)

	api.AddAccount(testserver.Account{
		Username:   patientUsername,
		Password:   patientPassword,
		Role:       jwtx.RolePatient,
		FirstName:  "Alice",
		LastName:   "Nguyen",
		Email:      "alice@example.com",
		BloodGroup: "O+",
	})

	cfg := app.LoadConfig(func(string) string { return "" })
	cfg.APIURL = api.URL
	cfg.DatabaseFile = filepath.Join(t.TempDir(), "sunga.db")
	cfg.StorePassphrase = storePassphrase
	cfg.LogLevel = "error"
	cfg.ProxyRate = 1000
	cfg.ProxyBurst = 1000

	s := &stack{api: api, cfg: cfg}
	s.app = s.open(t)

	s.proxy = s.app.Proxy()
	t.Cleanup(s.proxy.Close)

	srv := httptest.NewServer(s.proxy.Handler())
	t.Cleanup(srv.Close)
	s.proxyURL = srv.URL

	return s
}

// open starts another Application on the same credential file, as a
// second run of the CLI would.
func (s *stack) open(t *testing.T) *app.Application {
	t.Helper()

	a, err := app.New(t.Context(), s.cfg, io.Discard)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func (s *stack) login(t *testing.T) {
	t.Helper()

	res := s.app.Manager.Login(t.Context(), patientUsername, patientPassword)
	require.True(t, res.Success, res.Error)
}

// waitForExpiry blocks until the held access token has expired.
func (s *stack) waitForExpiry(t *testing.T) {
	t.Helper()

	token := s.app.Manager.GetToken()
	require.NotEmpty(t, token)
	require.Eventually(t, func() bool {
		return jwtx.IsExpired(token)
	}, 3*accessTTL, 50*time.Millisecond, "access token never expired")
}

func (s *stack) get(t *testing.T, path string) *http.Response {
	t.Helper()

	resp, err := http.Get(s.proxyURL + path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// relaxedLogin keeps login rate limiting on but out of the way.
var relaxedLogin = httpx.RateLimitConfig{RequestsPerWindow: 1000, Window: time.Minute, Burst: 1000}
