package testserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"

	"github.com/aussiebroadwan/sunga/pkg/httpx"
	"github.com/aussiebroadwan/sunga/pkg/jwtx"
	"github.com/aussiebroadwan/sunga/pkg/slogx"
)

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type loginResponse struct {
	tokenPair
	RequireTOTP bool   `json:"require_totp"`
	UserID      *int64 `json:"user_id,omitempty"`
}

type profile struct {
	ID          int64     `json:"id"`
	Role        jwtx.Role `json:"role"`
	Username    string    `json:"username"`
	Email       string    `json:"email,omitempty"`
	FirstName   string    `json:"first_name,omitempty"`
	LastName    string    `json:"last_name,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	BloodGroup  string    `json:"blood_group,omitempty"`
	TOTPEnabled bool      `json:"totp_enabled"`
}

type registerRequest struct {
	Username    string    `json:"username"`
	Password    string    `json:"password"`
	Email       string    `json:"email"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	PhoneNumber string    `json:"phone_number"`
	BloodGroup  string    `json:"blood_group"`
	Role        jwtx.Role `json:"role"`
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	authn := func(next http.Handler) http.Handler {
		return httpx.Chain(next, s.rejecting, httpx.AuthnMiddleware(s.accessVerifier))
	}

	login := http.Handler(http.HandlerFunc(s.handleLogin))
	if s.cfg.LoginLimit != nil {
		login = httpx.Chain(login, httpx.RateLimitByIPAndFormField(*s.cfg.LoginLimit, "username"))
	}

	mux.Handle("POST /login", login)
	mux.HandleFunc("POST /login/verify-totp", s.handleVerifyTOTP)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.Handle("GET /me", httpx.Chain(http.HandlerFunc(s.handleMe), authn))
	mux.Handle("GET /records", httpx.Chain(http.HandlerFunc(s.handleRecords),
		authn,
		httpx.RequireAnyRole(jwtx.RolePatient, jwtx.RoleDoctor),
	))
	mux.Handle("POST /records", httpx.Chain(http.HandlerFunc(s.handleEcho),
		authn,
		httpx.RequireAnyRole(jwtx.RolePatient, jwtx.RoleDoctor),
	))

	return httpx.Chain(mux, slogx.HTTPMiddleware(s.cfg.Logger))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.loginCalls.Add(1)

	if err := r.ParseForm(); err != nil {
		httpx.WriteDetail(w, http.StatusBadRequest, "Invalid form body")
		return
	}

	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")

	var issues []httpx.Issue
	if username == "" {
		issues = append(issues, missing("body", "username"))
	}
	if password == "" {
		issues = append(issues, missing("body", "password"))
	}
	if len(issues) > 0 {
		httpx.WriteIssues(w, issues...)
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[username]
	if !ok || acct.Password != password {
		s.mu.Unlock()
		httpx.WriteDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	if acct.TOTPSecret != "" {
		id := acct.ID
		s.mu.Unlock()
		httpx.WriteJSON(w, http.StatusOK, loginResponse{RequireTOTP: true, UserID: &id})
		return
	}

	pair, err := s.issueLocked(acct.ID)
	s.mu.Unlock()
	if err != nil {
		httpx.WriteDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, loginResponse{tokenPair: pair})
}

func (s *Server) handleVerifyTOTP(w http.ResponseWriter, r *http.Request) {
	s.verifyCalls.Add(1)

	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		httpx.WriteIssues(w, missing("query", "user_id"))
		return
	}

	var body struct {
		TOTPCode string `json:"totp_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TOTPCode == "" {
		httpx.WriteIssues(w, missing("body", "totp_code"))
		return
	}

	s.mu.Lock()
	acct, ok := s.byID[id]
	var secret string
	if ok {
		secret = acct.TOTPSecret
	}
	s.mu.Unlock()

	if !ok || secret == "" {
		httpx.WriteDetail(w, http.StatusBadRequest, "TOTP is not enabled for this user")
		return
	}

	if !totp.Validate(body.TOTPCode, secret) {
		httpx.WriteDetail(w, http.StatusUnauthorized, "Invalid TOTP code")
		return
	}

	pair, err := s.issue(id)
	if err != nil {
		httpx.WriteDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	log := slogx.FromContext(r.Context())

	s.mu.Lock()
	h := s.hold
	s.mu.Unlock()

	if h != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
		select {
		case <-h.release:
		case <-r.Context().Done():
			return
		}
	}

	if status := int(s.refreshStatus.Load()); status != 0 {
		httpx.WriteDetail(w, status, http.StatusText(status))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 8<<10))
	if err != nil {
		httpx.WriteDetail(w, http.StatusBadRequest, "Invalid body")
		return
	}
	token := strings.TrimSpace(string(raw))

	if _, err := s.refreshVerifier.Verify(token); err != nil {
		log.Debug("refresh token rejected", "err", err)
		httpx.WriteDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	s.mu.Lock()
	id, ok := s.live[token]
	if !ok {
		if s.rotated[token] {
			s.replayedCalls.Add(1)
		}
		s.mu.Unlock()
		httpx.WriteDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	delete(s.live, token)
	s.rotated[token] = true

	pair, err := s.issueLocked(id)
	s.mu.Unlock()
	if err != nil {
		httpx.WriteDetail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteDetail(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	var issues []httpx.Issue
	if req.Username == "" {
		issues = append(issues, missing("body", "username"))
	}
	if req.Password == "" {
		issues = append(issues, missing("body", "password"))
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		issues = append(issues, httpx.Issue{
			Loc:  []string{"body", "email"},
			Msg:  "value is not a valid email address",
			Type: "value_error",
		})
	}
	if len(issues) > 0 {
		httpx.WriteIssues(w, issues...)
		return
	}

	if req.Role != "" && req.Role != jwtx.RolePatient {
		httpx.WriteDetail(w, http.StatusForbidden, "Only patients can self register")
		return
	}

	s.mu.Lock()
	if _, taken := s.accounts[req.Username]; taken {
		s.mu.Unlock()
		httpx.WriteDetail(w, http.StatusBadRequest, "Username already registered")
		return
	}

	acct := s.addLocked(Account{
		Username:    req.Username,
		Password:    req.Password,
		Role:        jwtx.RolePatient,
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		PhoneNumber: req.PhoneNumber,
		BloodGroup:  req.BloodGroup,
	})
	pair, err := s.issueLocked(acct.ID)
	s.mu.Unlock()
	if err != nil {
		httpx.WriteDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	httpx.WriteJSON(w, http.StatusCreated, pair)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.meCalls.Add(1)

	s.mu.Lock()
	h := s.meHold
	s.meHold = nil
	s.mu.Unlock()

	if h != nil {
		close(h.entered)
		select {
		case <-h.release:
		case <-r.Context().Done():
			return
		}
	}

	if status := int(s.meStatus.Load()); status != 0 {
		httpx.WriteDetail(w, status, http.StatusText(status))
		return
	}

	id, _ := httpx.UserIDFromContext(r.Context())

	s.mu.Lock()
	acct, ok := s.byID[id]
	var p profile
	if ok {
		p = profile{
			ID:          acct.ID,
			Role:        acct.Role,
			Username:    acct.Username,
			Email:       acct.Email,
			FirstName:   acct.FirstName,
			LastName:    acct.LastName,
			PhoneNumber: acct.PhoneNumber,
			BloodGroup:  acct.BloodGroup,
			TOTPEnabled: acct.TOTPSecret != "",
		}
	}
	s.mu.Unlock()

	if !ok {
		httpx.WriteDetail(w, http.StatusNotFound, "User not found")
		return
	}

	httpx.WriteJSON(w, http.StatusOK, p)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	id, _ := httpx.UserIDFromContext(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"user_id": id,
		"records": []string{},
	})
}

// handleEcho returns the request body so a replayed request can be checked.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		httpx.WriteDetail(w, http.StatusBadRequest, "Invalid body")
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, map[string]string{"echo": string(body)})
}

// rejecting answers 401 while the reject budget set by
// RejectNextAuthenticated lasts.
func (s *Server) rejecting(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for {
			n := s.rejectNext.Load()
			if n <= 0 {
				break
			}
			if s.rejectNext.CompareAndSwap(n, n-1) {
				w.Header().Set("WWW-Authenticate", "Bearer")
				httpx.WriteDetail(w, http.StatusUnauthorized, "Could not validate credentials")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func missing(loc, field string) httpx.Issue {
	return httpx.Issue{Loc: []string{loc, field}, Msg: "field required", Type: "value_error.missing"}
}

// NewTOTPSecret returns a base32 secret for a second factor enrolment.
func NewTOTPSecret(account string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "sunga", AccountName: account})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}

// Code returns the current TOTP code for secret.
func Code(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("testserver: empty totp secret")
	}
	return totp.GenerateCode(secret, time.Now())
}
