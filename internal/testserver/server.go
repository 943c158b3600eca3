// Package testserver is an in-process stand-in for the records API
// identity endpoints. It issues HS256 token pairs, rotates refresh tokens,
// checks TOTP codes and can be told to fail or stall so session behaviour
// can be exercised end to end.
package testserver

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aussiebroadwan/sunga/pkg/httpx"
	"github.com/aussiebroadwan/sunga/pkg/jwtx"
	"github.com/aussiebroadwan/sunga/pkg/slogx"
)

// Account is a user known to the server. Setting TOTPSecret enables the
// second factor for the account.
type Account struct {
	ID          int64
	Username    string
	Password    string
	Role        jwtx.Role
	Email       string
	FirstName   string
	LastName    string
	PhoneNumber string
	BloodGroup  string
	TOTPSecret  string
}

// Config tunes the server. Zero values get defaults.
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Logger     *slog.Logger

	// LoginLimit rate limits /login by client IP and username when set.
	LoginLimit *httpx.RateLimitConfig
}

// Server is a running fake API. Close it when done.
type Server struct {
	URL string

	cfg    Config
	srv    *httptest.Server
	signer jwtx.Signer

	accessVerifier  jwtx.Verifier
	refreshVerifier jwtx.Verifier

	mu       sync.Mutex
	nextID   int64
	accounts map[string]*Account
	byID     map[int64]*Account
	live     map[string]int64 // refresh token -> account id
	rotated  map[string]bool
	hold     *hold
	meHold   *hold

	refreshStatus atomic.Int32
	meStatus      atomic.Int32
	rejectNext    atomic.Int32

	refreshCalls  atomic.Int64
	meCalls       atomic.Int64
	loginCalls    atomic.Int64
	verifyCalls   atomic.Int64
	replayedCalls atomic.Int64
}

type hold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// New starts a server on a loopback port.
func New(cfg Config) *Server {
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte("sunga-testserver-secret")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = jwtx.DefaultAccessTokenTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = jwtx.DefaultRefreshTokenTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slogx.Discard()
	}

	signer, err := jwtx.NewSignerHS256(cfg.Secret)
	if err != nil {
		panic(err) // secret is never empty here
	}

	s := &Server{
		cfg:             cfg,
		signer:          signer,
		accessVerifier:  jwtx.NewVerifierHS256(cfg.Secret, jwtx.TokenTypeAccess),
		refreshVerifier: jwtx.NewVerifierHS256(cfg.Secret, jwtx.TokenTypeRefresh),
		accounts:        make(map[string]*Account),
		byID:            make(map[int64]*Account),
		live:            make(map[string]int64),
		rotated:         make(map[string]bool),
	}

	s.srv = httptest.NewServer(s.routes())
	s.URL = s.srv.URL
	return s
}

// Close shuts the server down. Any held refresh is released first.
func (s *Server) Close() {
	s.mu.Lock()
	h := s.hold
	s.hold = nil
	mh := s.meHold
	s.meHold = nil
	s.mu.Unlock()
	for _, h := range []*hold{h, mh} {
		if h != nil {
			h.once.Do(func() { close(h.release) })
		}
	}
	s.srv.Close()
}

// Client returns an HTTP client for the server.
func (s *Server) Client() *http.Client { return s.srv.Client() }

// AddAccount registers a and returns it with its assigned id.
func (s *Server) AddAccount(a Account) Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.addLocked(a)
}

func (s *Server) addLocked(a Account) *Account {
	s.nextID++
	a.ID = s.nextID
	if a.Role == "" {
		a.Role = jwtx.RolePatient
	}

	acct := &a
	s.accounts[a.Username] = acct
	s.byID[a.ID] = acct
	return acct
}

// Account looks an account up by username.
func (s *Server) Account(username string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[username]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// FailRefresh makes /refresh answer status until called again with 0.
func (s *Server) FailRefresh(status int) { s.refreshStatus.Store(int32(status)) }

// FailMe makes /me answer status until called again with 0.
func (s *Server) FailMe(status int) { s.meStatus.Store(int32(status)) }

// RejectNextAuthenticated makes the next n bearer authenticated requests
// answer 401 whatever token they carry.
func (s *Server) RejectNextAuthenticated(n int) { s.rejectNext.Store(int32(n)) }

// HoldRefresh makes /refresh wait until release is called. entered
// receives once for every request that starts waiting.
func (s *Server) HoldRefresh() (entered <-chan struct{}, release func()) {
	h := &hold{
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
	}

	s.mu.Lock()
	s.hold = h
	s.mu.Unlock()

	return h.entered, func() {
		h.once.Do(func() { close(h.release) })

		s.mu.Lock()
		if s.hold == h {
			s.hold = nil
		}
		s.mu.Unlock()
	}
}

// HoldNextMe makes the next /me request wait until release is called.
// Only that request is held; later ones answer straight away. entered is
// closed once it starts waiting.
func (s *Server) HoldNextMe() (entered <-chan struct{}, release func()) {
	h := &hold{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}

	s.mu.Lock()
	s.meHold = h
	s.mu.Unlock()

	return h.entered, func() { h.once.Do(func() { close(h.release) }) }
}

// RefreshCalls is the number of requests that reached /refresh.
func (s *Server) RefreshCalls() int64 { return s.refreshCalls.Load() }

// MeCalls is the number of requests that reached /me.
func (s *Server) MeCalls() int64 { return s.meCalls.Load() }

// LoginCalls is the number of requests that reached /login.
func (s *Server) LoginCalls() int64 { return s.loginCalls.Load() }

// VerifyCalls is the number of requests that reached /login/verify-totp.
func (s *Server) VerifyCalls() int64 { return s.verifyCalls.Load() }

// ReplayedRefreshes counts refresh attempts made with a rotated token.
func (s *Server) ReplayedRefreshes() int64 { return s.replayedCalls.Load() }

// LiveRefreshTokens is the number of refresh tokens that would still be
// accepted.
func (s *Server) LiveRefreshTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

var errUnknownAccount = errors.New("testserver: unknown account")

// issue mints a fresh pair for id and records the refresh token as live.
func (s *Server) issue(id int64) (tokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(id)
}

func (s *Server) issueLocked(id int64) (tokenPair, error) {
	acct, ok := s.byID[id]
	if !ok {
		return tokenPair{}, errUnknownAccount
	}

	now := time.Now()
	access, err := s.signer.Sign(jwtx.NewAccessClaims(acct.ID, acct.Role, s.cfg.AccessTTL, now))
	if err != nil {
		return tokenPair{}, err
	}
	refresh, err := s.signer.Sign(jwtx.NewRefreshClaims(acct.ID, acct.Role, s.cfg.RefreshTTL, now))
	if err != nil {
		return tokenPair{}, err
	}

	s.live[refresh] = acct.ID
	return tokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}
