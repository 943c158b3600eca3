package authsdk

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDetail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{"string detail", `{"detail":"Incorrect username or password"}`, "Incorrect username or password"},
		{"padded string", `{"detail":"  Invalid TOTP code \n"}`, "Invalid TOTP code"},
		{"issue list", `{"detail":[{"loc":["body","email"],"msg":"value is not a valid email address"},{"msg":"field required"}]}`, "value is not a valid email address, field required"},
		{"issue list skips blank msg", `{"detail":[{"msg":""},{"msg":"field required"}]}`, "field required"},
		{"no detail", `{"error":"nope"}`, ""},
		{"object detail", `{"detail":{"code":1}}`, ""},
		{"not json", `<html>bad gateway</html>`, ""},
		{"empty", ``, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, parseDetail([]byte(tt.body)))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	t.Run("client error becomes credential error", func(t *testing.T) {
		err := classify("login", &APIError{StatusCode: http.StatusUnauthorized, Detail: "Incorrect username or password"}, msgLoginFailed)

		var credErr *CredentialError
		require.ErrorAs(t, err, &credErr)
		require.Equal(t, "Incorrect username or password", UserMessage(err))
	})

	t.Run("client error without detail uses fallback", func(t *testing.T) {
		err := classify("login", &APIError{StatusCode: http.StatusBadRequest}, msgLoginFailed)
		require.Equal(t, msgLoginFailed, UserMessage(err))
	})

	t.Run("server error becomes transport error", func(t *testing.T) {
		err := classify("login", &APIError{StatusCode: http.StatusBadGateway}, msgLoginFailed)

		var tErr *TransportError
		require.ErrorAs(t, err, &tErr)
		require.Equal(t, msgLoginFailed, UserMessage(err))
	})

	t.Run("missing tokens", func(t *testing.T) {
		err := classify("verify totp", ErrIncompleteTokens, msgVerifyFailed)
		require.ErrorIs(t, err, ErrIncompleteTokens)
		require.Equal(t, msgMissingTokens, UserMessage(err))
	})

	t.Run("anything else is a network error", func(t *testing.T) {
		err := classify("login", context.DeadlineExceeded, msgLoginFailed)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.Equal(t, msgNetwork, UserMessage(err))
	})
}

func TestUserMessageNeverLeaksRawErrors(t *testing.T) {
	t.Parallel()

	require.Empty(t, UserMessage(nil))
	require.Equal(t, msgGeneric, UserMessage(errors.New("dial tcp 10.0.0.1:443: i/o timeout")))
	require.Equal(t, msgSessionExpired, UserMessage(ErrNotAuthenticated))
	require.Equal(t, msgSessionExpired, UserMessage(ErrSessionChanged))
	require.Equal(t, msgNoPendingChallenge, UserMessage(ErrNoPendingChallenge))
	require.Equal(t, msgSessionExpired, UserMessage(&SessionInvalidError{Err: ErrNoRefreshToken}))
}

func TestAPIErrorString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "HTTP 503: Service Unavailable", (&APIError{StatusCode: 503}).Error())
	require.Equal(t, "HTTP 401: nope", (&APIError{StatusCode: 401, Detail: "nope"}).Error())
	require.True(t, (&APIError{StatusCode: 422}).Client())
	require.False(t, (&APIError{StatusCode: 500}).Client())
}
