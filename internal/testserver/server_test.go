package testserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func postForm(t *testing.T, s *Server, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := s.Client().PostForm(s.URL+path, form)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestLoginIssuesPair(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	defer s.Close()
	s.AddAccount(Account{Username: "alice", Password: "correct-pw"})

	resp := postForm(t, s, "/login", url.Values{"username": {"alice"}, "password": {"correct-pw"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[loginResponse](t, resp)
	require.False(t, body.RequireTOTP)
	require.NotEmpty(t, body.AccessToken)
	require.NotEmpty(t, body.RefreshToken)
	require.Equal(t, 1, s.LiveRefreshTokens())
}

func TestLoginMissingFields(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	defer s.Close()

	resp := postForm(t, s, "/login", url.Values{})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Contains(t, string(raw), "field required")
}

func TestRefreshRotates(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	defer s.Close()
	acct := s.AddAccount(Account{Username: "alice", Password: "pw"})

	first, err := s.issue(acct.ID)
	require.NoError(t, err)

	refresh := func(token string) *http.Response {
		resp, err := s.Client().Post(s.URL+"/refresh", "text/plain", strings.NewReader(token))
		require.NoError(t, err)
		return resp
	}

	resp := refresh(first.RefreshToken)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := decode[tokenPair](t, resp)
	require.NotEqual(t, first.RefreshToken, second.RefreshToken)

	// The old token is single use
	resp = refresh(first.RefreshToken)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	require.Equal(t, int64(2), s.RefreshCalls())
	require.Equal(t, int64(1), s.ReplayedRefreshes())
	require.Equal(t, 1, s.LiveRefreshTokens())
}

func TestTOTPChallenge(t *testing.T) {
	t.Parallel()

	secret, err := NewTOTPSecret("bob")
	require.NoError(t, err)

	s := New(Config{})
	defer s.Close()
	acct := s.AddAccount(Account{Username: "bob", Password: "pw", TOTPSecret: secret})

	resp := postForm(t, s, "/login", url.Values{"username": {"bob"}, "password": {"pw"}})
	body := decode[loginResponse](t, resp)
	require.True(t, body.RequireTOTP)
	require.NotNil(t, body.UserID)
	require.Equal(t, acct.ID, *body.UserID)
	require.Empty(t, body.AccessToken)

	code, err := Code(secret)
	require.NoError(t, err)

	resp, err = s.Client().Post(
		s.URL+"/login/verify-totp?user_id="+url.QueryEscape("1"),
		"application/json",
		strings.NewReader(`{"totp_code":"`+code+`"}`),
	)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pair := decode[tokenPair](t, resp)
	require.NotEmpty(t, pair.AccessToken)
}

func TestFailRefresh(t *testing.T) {
	t.Parallel()

	s := New(Config{})
	defer s.Close()
	s.FailRefresh(http.StatusUnauthorized)

	resp, err := s.Client().Post(s.URL+"/refresh", "text/plain", strings.NewReader("whatever"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
