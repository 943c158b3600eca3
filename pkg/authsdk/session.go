package authsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/aussiebroadwan/sunga/pkg/credstore"
	"github.com/aussiebroadwan/sunga/pkg/cryptox"
)

// State is the derived position of the session in its lifecycle.
type State int

const (
	StateAnonymous State = iota
	StateAwaitingSecondFactor
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAwaitingSecondFactor:
		return "awaiting_second_factor"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Session is a point in time copy of the credentials held by a Manager.
// A pending challenge and an access token are never both set.
type Session struct {
	AccessToken            string
	RefreshToken           string
	User                   *UserProfile
	PendingChallengeUserID *int64
	FirstLaunchCompleted   bool
}

// State derives the lifecycle state from the held credentials.
func (s Session) State() State {
	switch {
	case s.PendingChallengeUserID != nil:
		return StateAwaitingSecondFactor
	case s.AccessToken != "" || s.RefreshToken != "":
		return StateAuthenticated
	default:
		return StateAnonymous
	}
}

func (s Session) clone() Session {
	c := s
	c.User = s.User.clone()
	if s.PendingChallengeUserID != nil {
		id := *s.PendingChallengeUserID
		c.PendingChallengeUserID = &id
	}
	return c
}

// Config tunes a Manager. The zero value is usable: an in-memory store, a
// private bus, slog.Default and no metrics.
type Config struct {
	Store   credstore.Store
	Bus     *Bus
	Logger  *slog.Logger
	Metrics Recorder

	// ExpiryLeeway keeps an access token in use for this long past its exp.
	// Zero means tokens are renewed as soon as exp is reached.
	ExpiryLeeway time.Duration

	// KeepOnboardingOnSessionInvalid makes an unrecoverable refresh failure
	// perform a plain Logout instead of LogoutAndResetOnboarding.
	KeepOnboardingOnSessionInvalid bool

	// Clock overrides time.Now for expiry checks.
	Clock func() time.Time
}

// Manager owns the authentication state of one client. It is the only
// writer of the session and is safe for concurrent use.
type Manager struct {
	client  *SDKClient
	store   credstore.Store
	bus     *Bus
	logger  *slog.Logger
	metrics Recorder
	now     func() time.Time
	leeway  time.Duration

	keepOnboarding bool

	mu      sync.RWMutex
	session Session
	// generation changes on every login, logout and hydrate. A refresh that
	// started under another generation must not write its result.
	generation uint64

	refreshGroup singleflight.Group
}

// NewManager creates an anonymous Manager. Call Hydrate to restore a
// persisted session.
func NewManager(client *SDKClient, cfg Config) *Manager {
	m := &Manager{
		client:         client,
		store:          cfg.Store,
		bus:            cfg.Bus,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		now:            cfg.Clock,
		leeway:         cfg.ExpiryLeeway,
		keepOnboarding: cfg.KeepOnboardingOnSessionInvalid,
	}

	if m.store == nil {
		m.store = credstore.NewMemory()
	}
	if m.bus == nil {
		m.bus = NewBus()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = nopRecorder{}
	}
	if m.now == nil {
		m.now = time.Now
	}

	return m
}

// Bus returns the bus authError is published on.
func (m *Manager) Bus() *Bus { return m.bus }

// Client returns the underlying API client.
func (m *Manager) Client() *SDKClient { return m.client }

// Hydrate loads the persisted session. When hasLaunchedBefore is absent the
// session stays anonymous and FirstLaunchCompleted is false. Tokens are
// only restored when both the access token and the profile are present.
// On a read error the session is left anonymous and the error returned.
func (m *Manager) Hydrate(ctx context.Context) error {
	loaded, err := m.load(ctx)

	m.mu.Lock()
	m.generation++
	if err != nil {
		m.session = Session{}
	} else {
		m.session = loaded
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("session hydrate failed, treating as logged out", "error", err)
		return err
	}

	m.logger.Debug("session hydrated",
		"state", loaded.State().String(),
		"first_launch_completed", loaded.FirstLaunchCompleted,
	)
	return nil
}

func (m *Manager) load(ctx context.Context) (Session, error) {
	var s Session

	_, launched, err := credstore.Lookup(ctx, m.store, credstore.KeyLaunched)
	if err != nil {
		return Session{}, fmt.Errorf("read %s: %w", credstore.KeyLaunched, err)
	}
	if !launched {
		return s, nil
	}
	s.FirstLaunchCompleted = true

	access, hasAccess, err := credstore.Lookup(ctx, m.store, credstore.KeyAccessToken)
	if err != nil {
		return Session{}, fmt.Errorf("read %s: %w", credstore.KeyAccessToken, err)
	}
	refresh, _, err := credstore.Lookup(ctx, m.store, credstore.KeyRefreshToken)
	if err != nil {
		return Session{}, fmt.Errorf("read %s: %w", credstore.KeyRefreshToken, err)
	}
	rawUser, hasUser, err := credstore.Lookup(ctx, m.store, credstore.KeyUser)
	if err != nil {
		return Session{}, fmt.Errorf("read %s: %w", credstore.KeyUser, err)
	}

	if !hasAccess || !hasUser {
		return s, nil
	}

	var user UserProfile
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		return Session{}, fmt.Errorf("decode %s: %w", credstore.KeyUser, err)
	}

	s.AccessToken = access
	s.RefreshToken = refresh
	s.User = &user
	return s, nil
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.clone()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.State()
}

// GetToken returns the held access token without checking expiry. Prefer
// GetValidToken for anything sent to the API.
func (m *Manager) GetToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.AccessToken
}

// User returns a copy of the cached profile, or nil.
func (m *Manager) User() *UserProfile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.User.clone()
}

// PendingChallengeUserID returns the user id awaiting a second factor.
func (m *Manager) PendingChallengeUserID() (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session.PendingChallengeUserID == nil {
		return 0, false
	}
	return *m.session.PendingChallengeUserID, true
}

// FirstLaunchCompleted reports whether onboarding has been completed.
func (m *Manager) FirstLaunchCompleted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.FirstLaunchCompleted
}

// MarkLaunchComplete records that onboarding has been shown.
func (m *Manager) MarkLaunchComplete(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session.FirstLaunchCompleted = true
	if err := m.store.Set(ctx, credstore.KeyLaunched, "true"); err != nil {
		m.logger.Warn("persist launch flag failed", "error", err)
	}
}

// Logout clears the tokens, the profile and any pending challenge, in
// memory and in the store. It is idempotent.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(ctx, false)
}

// LogoutAndResetOnboarding is Logout plus clearing the first launch flag.
func (m *Manager) LogoutAndResetOnboarding(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(ctx, true)
}

// clearLocked must be called with m.mu held for writing.
func (m *Manager) clearLocked(ctx context.Context, resetOnboarding bool) {
	m.generation++

	keys := []string{credstore.KeyAccessToken, credstore.KeyRefreshToken, credstore.KeyUser}
	if resetOnboarding {
		keys = append(keys, credstore.KeyLaunched)
	}

	launched := m.session.FirstLaunchCompleted && !resetOnboarding
	m.session = Session{FirstLaunchCompleted: launched}

	err := credstore.Update(ctx, m.store, func(tx credstore.Store) error {
		var errs []error
		for _, key := range keys {
			if err := tx.Remove(ctx, key); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
			}
		}
		return errors.Join(errs...)
	})
	if err != nil {
		m.logger.Warn("clear persisted session failed", "error", err)
	}

	m.logger.Info("session cleared", "reset_onboarding", resetOnboarding)
}

// commitLocked persists the pair, and the encoded profile plus launch flag
// when user is not nil, as one unit and then updates memory. A nil user
// keeps the cached profile. A store failure is logged and the in-memory
// session is still updated. Must be called with m.mu held for writing.
func (m *Manager) commitLocked(ctx context.Context, tokens *TokenResponse, user *UserProfile, rawUser []byte) {
	err := credstore.Update(ctx, m.store, func(tx credstore.Store) error {
		if err := tx.Set(ctx, credstore.KeyAccessToken, tokens.AccessToken); err != nil {
			return fmt.Errorf("set %s: %w", credstore.KeyAccessToken, err)
		}
		if err := tx.Set(ctx, credstore.KeyRefreshToken, tokens.RefreshToken); err != nil {
			return fmt.Errorf("set %s: %w", credstore.KeyRefreshToken, err)
		}
		if rawUser != nil {
			if err := tx.Set(ctx, credstore.KeyUser, string(rawUser)); err != nil {
				return fmt.Errorf("set %s: %w", credstore.KeyUser, err)
			}
			// Signing in implies onboarding is done
			if err := tx.Set(ctx, credstore.KeyLaunched, "true"); err != nil {
				return fmt.Errorf("set %s: %w", credstore.KeyLaunched, err)
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Warn("persist session failed, continuing in memory", "error", err)
	}

	m.session.AccessToken = tokens.AccessToken
	m.session.RefreshToken = tokens.RefreshToken
	m.session.PendingChallengeUserID = nil
	if user != nil {
		m.session.User = user.clone()
		m.session.FirstLaunchCompleted = true
	}

	m.logger.Debug("session committed",
		"profile_updated", user != nil,
		"refresh_fp", cryptox.ShortFingerprint(tokens.RefreshToken),
	)
}
