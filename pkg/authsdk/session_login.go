package authsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Login exchanges credentials at /login. On a direct success the profile
// is fetched before anything is committed; if that fetch fails the login
// fails and nothing is persisted. When the account has a second factor the
// session moves to AwaitingSecondFactor and the result carries the pending
// user id. Failures leave the session untouched.
func (m *Manager) Login(ctx context.Context, username, password string) LoginResult {
	resp, err := m.client.Login(ctx, username, password)
	if err != nil {
		m.metrics.RecordLogin(OutcomeFailure)
		return failed(classify("login", err, msgLoginFailed))
	}

	if resp.RequireTOTP {
		if resp.UserID == nil {
			m.metrics.RecordLogin(OutcomeFailure)
			return failed(&TransportError{
				Op:      "login",
				Message: msgLoginFailed,
				Err:     errors.New("second factor required without user_id"),
			})
		}

		id := *resp.UserID
		m.beginChallenge(ctx, id)
		m.metrics.RecordLogin(OutcomeChallenge)
		m.logger.Info("second factor required", "user_id", id)
		return LoginResult{RequireSecondFactor: true, UserID: id}
	}

	tokens := &TokenResponse{AccessToken: resp.AccessToken, RefreshToken: resp.RefreshToken}
	if !tokens.complete() {
		m.metrics.RecordLogin(OutcomeFailure)
		return failed(classify("login", ErrIncompleteTokens, msgLoginFailed))
	}

	if err := m.establish(ctx, "login", tokens, msgLoginFailed); err != nil {
		m.metrics.RecordLogin(OutcomeFailure)
		return failed(err)
	}

	m.metrics.RecordLogin(OutcomeSuccess)
	return LoginResult{Success: true}
}

// beginChallenge records the pending user id. Any previous session is
// cleared first so the pending id is never held next to a token.
func (m *Manager) beginChallenge(ctx context.Context, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.AccessToken != "" || m.session.RefreshToken != "" {
		m.clearLocked(ctx, false)
	}

	m.generation++
	m.session.PendingChallengeUserID = &userID
}

// VerifySecondFactor submits a TOTP code for pendingUserID. The code must
// be six ASCII digits and is checked before any network call. A nil
// pendingUserID is a caller bug and fails with ErrNoPendingChallenge. On
// failure the pending challenge is kept so the user can retry.
func (m *Manager) VerifySecondFactor(ctx context.Context, pendingUserID *int64, code string) LoginResult {
	if pendingUserID == nil {
		return failed(ErrNoPendingChallenge)
	}

	if err := validateTOTPCode(code); err != nil {
		return failed(err)
	}

	tokens, err := m.client.VerifyTOTP(ctx, *pendingUserID, code)
	if err != nil {
		m.metrics.RecordLogin(OutcomeFailure)
		return failed(classify("verify totp", err, msgVerifyFailed))
	}

	if err := m.establish(ctx, "verify totp", tokens, msgVerifyFailed); err != nil {
		m.metrics.RecordLogin(OutcomeFailure)
		return failed(err)
	}

	m.metrics.RecordLogin(OutcomeSuccess)
	return LoginResult{Success: true}
}

// VerifyPendingChallenge is VerifySecondFactor for the challenge started by
// the last Login on this Manager.
func (m *Manager) VerifyPendingChallenge(ctx context.Context, code string) LoginResult {
	m.mu.RLock()
	var pending *int64
	if m.session.PendingChallengeUserID != nil {
		id := *m.session.PendingChallengeUserID
		pending = &id
	}
	m.mu.RUnlock()

	return m.VerifySecondFactor(ctx, pending, code)
}

// AbandonChallenge drops a pending challenge, returning to Anonymous.
func (m *Manager) AbandonChallenge() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session.PendingChallengeUserID != nil {
		m.session.PendingChallengeUserID = nil
		m.generation++
	}
}

// Register creates a patient account and signs in with the returned pair.
// Input is validated before any network call.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) LoginResult {
	req.Role = RolePatient
	req.BloodGroup = strings.ToUpper(strings.TrimSpace(req.BloodGroup))
	req.Email = strings.TrimSpace(req.Email)

	if err := validateStruct(req); err != nil {
		return failed(err)
	}

	tokens, err := m.client.Register(ctx, req)
	if err != nil {
		m.metrics.RecordLogin(OutcomeFailure)
		return failed(classify("register", err, msgRegisterFailed))
	}

	if err := m.establish(ctx, "register", tokens, msgRegisterFailed); err != nil {
		m.metrics.RecordLogin(OutcomeFailure)
		return failed(err)
	}

	m.metrics.RecordLogin(OutcomeSuccess)
	return LoginResult{Success: true}
}

// establish fetches the profile for a fresh pair and commits both. Nothing
// is written if the fetch fails.
func (m *Manager) establish(ctx context.Context, op string, tokens *TokenResponse, fallback string) error {
	user, err := m.client.Me(ctx, tokens.AccessToken)
	if err != nil {
		return classify(op+": fetch profile", err, fallback)
	}

	return m.adopt(ctx, op, tokens, user, fallback)
}

// adopt commits a fresh pair with its profile. A profile that cannot be
// encoded fails the sign in, since a pair stored without its profile would
// not survive Hydrate.
func (m *Manager) adopt(ctx context.Context, op string, tokens *TokenResponse, user *UserProfile, fallback string) error {
	raw, err := json.Marshal(user)
	if err != nil {
		return &TransportError{Op: op, Message: fallback, Err: fmt.Errorf("encode profile: %w", err)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.commitLocked(ctx, tokens, user, raw)

	m.logger.Info("signed in", "user_id", user.ID, "role", string(user.Role))
	return nil
}
