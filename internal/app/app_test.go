package app

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sunga/internal/testserver"
	"github.com/aussiebroadwan/sunga/pkg/authsdk"
	"github.com/aussiebroadwan/sunga/pkg/jwtx"
)

func newAPI(t *testing.T) *testserver.Server {
	t.Helper()

	api := testserver.New(testserver.Config{})
	t.Cleanup(api.Close)

	api.AddAccount(testserver.Account{
		Username:   "alice",
		Password:   "correct-pw",
		Role:       jwtx.RolePatient,
		FirstName:  "Alice",
		Email:      "alice@example.com",
		BloodGroup: "O+",
	})
	return api
}

func testConfig(api *testserver.Server, dbFile, passphrase string) Config {
	cfg := LoadConfig(envOf(nil))
	cfg.APIURL = api.URL
	cfg.DatabaseFile = dbFile
	cfg.StorePassphrase = passphrase
	return cfg
}

func open(t *testing.T, cfg Config) *Application {
	t.Helper()

	a, err := New(t.Context(), cfg, io.Discard)
	require.NoError(t, err)
	return a
}

func TestSessionSurvivesRestart(t *testing.T) {
	api := newAPI(t)
	cfg := testConfig(api, filepath.Join(t.TempDir(), "sunga.db"), "correct horse")

	first := open(t, cfg)
	res := first.Manager.Login(t.Context(), "alice", "correct-pw")
	require.True(t, res.Success, res.Error)
	require.NoError(t, first.Close())

	second := open(t, cfg)
	t.Cleanup(func() { _ = second.Close() })

	require.Equal(t, authsdk.StateAuthenticated, second.Manager.State())
	require.Equal(t, "alice", second.Manager.User().Username)
	require.True(t, second.Manager.IsPatient())
}

func TestWrongPassphraseStartsSignedOut(t *testing.T) {
	api := newAPI(t)
	file := filepath.Join(t.TempDir(), "sunga.db")

	first := open(t, testConfig(api, file, "correct horse"))
	res := first.Manager.Login(t.Context(), "alice", "correct-pw")
	require.True(t, res.Success, res.Error)
	require.NoError(t, first.Close())

	second := open(t, testConfig(api, file, "battery staple"))
	t.Cleanup(func() { _ = second.Close() })

	require.Equal(t, authsdk.StateAnonymous, second.Manager.State())
}

func TestMemoryStore(t *testing.T) {
	api := newAPI(t)
	cfg := testConfig(api, "", "")
	cfg.Store = StoreMemory

	a := open(t, cfg)
	t.Cleanup(func() { _ = a.Close() })

	require.Equal(t, authsdk.StateAnonymous, a.Manager.State())
	require.False(t, a.Manager.FirstLaunchCompleted())
	p := a.Proxy()
	p.Close()
}

func TestUnknownStore(t *testing.T) {
	cfg := LoadConfig(envOf(nil))
	cfg.Store = "keychain"

	_, err := New(t.Context(), cfg, io.Discard)
	require.Error(t, err)
}
