package authsdk

import (
	"context"
	"errors"

	"github.com/aussiebroadwan/sunga/pkg/jwtx"
)

const refreshKey = "refresh"

// GetValidToken returns an access token that is not expired, refreshing
// first when needed. A session with no tokens at all gives
// ErrNotAuthenticated without publishing anything.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	access, refresh := m.session.AccessToken, m.session.RefreshToken
	m.mu.RUnlock()

	if access == "" && refresh == "" {
		return "", ErrNotAuthenticated
	}

	if access != "" && !m.expired(access) {
		return access, nil
	}

	return m.renew(ctx, access)
}

// Refresh exchanges the refresh token for a new pair and returns the new
// access token. Concurrent callers share one network call. Any failure
// signs the session out, publishes TopicAuthError once and returns a
// *SessionInvalidError. If the session was logged out or replaced while
// the call was in flight the result is dropped and ErrSessionChanged is
// returned.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.RLock()
	empty := m.session.AccessToken == "" && m.session.RefreshToken == ""
	m.mu.RUnlock()

	if empty {
		return "", ErrNotAuthenticated
	}

	return m.renew(ctx, "")
}

// renew joins or starts the shared refresh. stale is the access token the
// caller found expired; when another refresh already replaced it the
// current token is returned without a network call.
func (m *Manager) renew(ctx context.Context, stale string) (string, error) {
	// The flight is detached from ctx so one caller giving up does not fail
	// the others. The client timeout still bounds it.
	flightCtx := context.WithoutCancel(ctx)
	ch := m.refreshGroup.DoChan(refreshKey, func() (any, error) {
		return m.refresh(flightCtx, stale)
	})

	select {
	case res := <-ch:
		if res.Shared {
			m.metrics.RecordRefreshShared()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, stale string) (string, error) {
	m.mu.RLock()
	gen := m.generation
	access, rt := m.session.AccessToken, m.session.RefreshToken
	m.mu.RUnlock()

	if stale != "" && access != "" && access != stale && !m.expired(access) {
		return access, nil
	}

	if access == "" && rt == "" {
		return "", ErrNotAuthenticated
	}

	if rt == "" {
		m.metrics.RecordRefresh(OutcomeFailure)
		return "", m.invalidate(ctx, gen, ErrNoRefreshToken)
	}

	tokens, err := m.client.Refresh(ctx, rt)
	if err != nil {
		m.metrics.RecordRefresh(OutcomeFailure)
		return "", m.invalidate(ctx, gen, classify("refresh", err, msgSessionExpired))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen {
		m.metrics.RecordRefresh(OutcomeDiscarded)
		m.logger.Info("discarding refresh result, session changed while in flight")
		return "", ErrSessionChanged
	}

	m.commitLocked(ctx, tokens, nil, nil)
	m.metrics.RecordRefresh(OutcomeSuccess)

	return tokens.AccessToken, nil
}

// invalidate signs out after an unrecoverable refresh failure and
// announces it. Nothing happens when the session already moved on.
func (m *Manager) invalidate(ctx context.Context, gen uint64, cause error) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		m.logger.Info("refresh failed after session changed, ignoring", "error", cause)
		return ErrSessionChanged
	}
	m.clearLocked(ctx, !m.keepOnboarding)
	m.mu.Unlock()

	m.metrics.RecordSessionInvalid()
	ev := m.bus.Publish(TopicAuthError)

	var apiErr *APIError
	if errors.As(cause, &apiErr) {
		m.logger.Warn("session invalid, signed out",
			"event_id", ev.ID.String(),
			"status", apiErr.StatusCode,
			"error", cause,
		)
	} else {
		m.logger.Warn("session invalid, signed out", "event_id", ev.ID.String(), "error", cause)
	}

	return &SessionInvalidError{Err: cause}
}

func (m *Manager) expired(access string) bool {
	return jwtx.IsExpiredWithLeeway(access, m.now(), m.leeway)
}
