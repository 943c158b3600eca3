package authsdk

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sunga/internal/testserver"
	"github.com/aussiebroadwan/sunga/pkg/credstore"
	"github.com/aussiebroadwan/sunga/pkg/jwtx"
	"github.com/aussiebroadwan/sunga/pkg/slogx"
)

const (
	alicePassword = "correct-pw"
	waitTimeout   = 5 * time.Second
)

// testClock lets a test move the Manager's view of time without touching
// the server's.
type testClock struct {
	offset atomic.Int64
}

func (c *testClock) Now() time.Time { return time.Now().Add(time.Duration(c.offset.Load())) }

func (c *testClock) Set(d time.Duration) { c.offset.Store(int64(d)) }

type fixture struct {
	srv   *testserver.Server
	store *credstore.Memory
	clock *testClock
	mgr   *Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	srv := testserver.New(testserver.Config{})
	t.Cleanup(srv.Close)

	f := &fixture{
		srv:   srv,
		store: credstore.NewMemory(),
		clock: &testClock{},
	}

	cfg.Store = f.store
	cfg.Logger = slogx.Discard()
	cfg.Clock = f.clock.Now
	f.mgr = NewManager(NewSDKClient(srv.URL, slogx.Discard()), cfg)

	return f
}

// reopen builds a second Manager on the same store, as a cold start would.
func (f *fixture) reopen() *Manager {
	return NewManager(NewSDKClient(f.srv.URL, slogx.Discard()), Config{
		Store:  f.store,
		Logger: slogx.Discard(),
	})
}

func (f *fixture) addAlice() testserver.Account {
	return f.srv.AddAccount(testserver.Account{
		Username:   "alice",
		Password:   alicePassword,
		Role:       jwtx.RolePatient,
		FirstName:  "Alice",
		LastName:   "Nguyen",
		Email:      "alice@example.com",
		BloodGroup: "O+",
	})
}

func (f *fixture) loginAlice(t *testing.T) testserver.Account {
	t.Helper()

	acct := f.addAlice()
	res := f.mgr.Login(t.Context(), "alice", alicePassword)
	require.True(t, res.Success, res.Error)
	return acct
}

// countEvents counts publications of topic for the rest of the test.
func countEvents(t *testing.T, bus *Bus, topic Topic) *atomic.Int32 {
	t.Helper()

	var n atomic.Int32
	unsubscribe := bus.Subscribe(topic, func(Event) { n.Add(1) })
	t.Cleanup(unsubscribe)
	return &n
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()

	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for signal")
	}
}

// failingStore fails every operation with err.
type failingStore struct{ err error }

func (s failingStore) Get(context.Context, string) (string, error) { return "", s.err }
func (s failingStore) Set(context.Context, string, string) error   { return s.err }
func (s failingStore) Remove(context.Context, string) error        { return s.err }
