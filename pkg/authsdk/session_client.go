package authsdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aussiebroadwan/sunga/pkg/credstore"
)

// NewRequest builds a request for path on the API. Use it with Do.
func (m *Manager) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.client.url(path), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return req, nil
}

// Do sends req with a valid bearer token. When the API answers 401 the
// token is refreshed once and the request replayed. A request whose body
// cannot be rewound (no GetBody) is not replayed and the 401 is returned.
// If the refresh fails the session is signed out, TopicAuthError has been
// published and the *SessionInvalidError is returned.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := m.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := m.send(req, req.Body, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	body, ok, err := rewind(req)
	if err != nil {
		drain(resp)
		return nil, err
	}
	if !ok {
		return resp, nil
	}
	drain(resp)

	m.logger.Debug("request rejected, refreshing token", "method", req.Method, "path", req.URL.Path)

	// Passing the rejected token lets callers that lost a race reuse the
	// pair another request already fetched.
	token, err = m.renew(ctx, token)
	if err != nil {
		if body != nil {
			_ = body.Close()
		}
		return nil, err
	}

	return m.send(req, body, token)
}

func (m *Manager) send(req *http.Request, body io.ReadCloser, token string) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Body = body
	out.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.client.HTTPClient.Do(out)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return resp, nil
}

// rewind returns a fresh copy of the request body for a replay.
func rewind(req *http.Request) (io.ReadCloser, bool, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return req.Body, true, nil
	}
	if req.GetBody == nil {
		return nil, false, nil
	}

	body, err := req.GetBody()
	if err != nil {
		return nil, false, fmt.Errorf("failed to rewind request body: %w", err)
	}
	return body, true, nil
}

// ReloadProfile fetches /me through Do and replaces the cached profile.
// When the session was logged out or replaced while the fetch was in
// flight the profile is dropped and ErrSessionChanged is returned.
func (m *Manager) ReloadProfile(ctx context.Context) (*UserProfile, error) {
	m.mu.RLock()
	gen := m.generation
	m.mu.RUnlock()

	req, err := m.NewRequest(ctx, http.MethodGet, "/me", nil)
	if err != nil {
		return nil, err
	}

	resp, err := m.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reload profile: %w", err)
	}

	var profile UserProfile
	if err := decodeJSON(resp, &profile, http.StatusOK); err != nil {
		return nil, fmt.Errorf("reload profile: %w", err)
	}

	raw, err := json.Marshal(&profile)
	if err != nil {
		return nil, fmt.Errorf("encode profile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A refresh inside Do keeps the generation, a logout or login does not
	if m.generation != gen || m.session.State() != StateAuthenticated {
		m.logger.Info("discarding profile, session changed while in flight")
		return nil, ErrSessionChanged
	}

	m.session.User = profile.clone()
	if err := m.store.Set(ctx, credstore.KeyUser, string(raw)); err != nil {
		m.logger.Warn("persist profile failed, continuing in memory", "error", err)
	}

	return profile.clone(), nil
}

// IsSessionInvalid reports whether err means the user has to sign in again.
func IsSessionInvalid(err error) bool {
	var sie *SessionInvalidError
	return errors.As(err, &sie) || errors.Is(err, ErrNotAuthenticated)
}
