package authsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aussiebroadwan/sunga/internal/testserver"
	"github.com/aussiebroadwan/sunga/pkg/credstore"
	"github.com/aussiebroadwan/sunga/pkg/slogx"
)

func TestLoginDirectSuccess(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("username") != "alice" || r.PostForm.Get("password") != "correct-pw" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"require_totp":false,"access_token":"A1","refresh_token":"R1"}`)
	})
	mux.HandleFunc("GET /me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer A1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":1,"role":"patient"}`)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	store := credstore.NewMemory()
	mgr := NewManager(NewSDKClient(srv.URL, slogx.Discard()), Config{Store: store, Logger: slogx.Discard()})

	res := mgr.Login(t.Context(), "alice", "correct-pw")
	require.True(t, res.Success, res.Error)
	require.False(t, res.RequireSecondFactor)

	require.Equal(t, StateAuthenticated, mgr.State())
	role, ok := mgr.Role()
	require.True(t, ok)
	require.Equal(t, RolePatient, role)
	require.True(t, mgr.IsPatient())
	require.False(t, mgr.IsDoctor())

	persisted := store.Snapshot()
	require.Equal(t, "A1", persisted[credstore.KeyAccessToken])
	require.Equal(t, "R1", persisted[credstore.KeyRefreshToken])
	require.Equal(t, "true", persisted[credstore.KeyLaunched])

	var user UserProfile
	require.NoError(t, json.Unmarshal([]byte(persisted[credstore.KeyUser]), &user))
	require.Equal(t, int64(1), user.ID)
	require.Equal(t, RolePatient, user.Role)
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.addAlice()

	res := f.mgr.Login(t.Context(), "alice", "wrong")
	require.False(t, res.Success)
	require.Equal(t, "Incorrect username or password", res.Error)

	var credErr *CredentialError
	require.ErrorAs(t, res.Err, &credErr)
	require.Equal(t, http.StatusUnauthorized, credErr.Err.StatusCode)

	require.Equal(t, StateAnonymous, f.mgr.State())
	require.Empty(t, f.store.Snapshot())
}

func TestLoginJoinsValidationIssues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	res := f.mgr.Login(t.Context(), "", "")
	require.False(t, res.Success)
	require.Equal(t, "field required, field required", res.Error)
}

func TestLoginNetworkFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	mgr := NewManager(NewSDKClient(url, slogx.Discard()), Config{Logger: slogx.Discard()})

	res := mgr.Login(t.Context(), "alice", alicePassword)
	require.False(t, res.Success)
	require.Equal(t, msgNetwork, res.Error)

	var tErr *TransportError
	require.ErrorAs(t, res.Err, &tErr)
	require.Equal(t, StateAnonymous, mgr.State())
}

func TestLoginProfileFetchFailurePersistsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.addAlice()
	f.srv.FailMe(http.StatusInternalServerError)

	res := f.mgr.Login(t.Context(), "alice", alicePassword)
	require.False(t, res.Success)
	require.NotEmpty(t, res.Error)

	var tErr *TransportError
	require.ErrorAs(t, res.Err, &tErr)

	require.Equal(t, StateAnonymous, f.mgr.State())
	require.Empty(t, f.mgr.GetToken())
	require.Nil(t, f.mgr.User())
	require.Empty(t, f.store.Snapshot())
}

func TestUnencodableProfilePersistsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	// json.Marshal rejects years past 9999
	visit := time.Date(10000, time.January, 1, 0, 0, 0, 0, time.UTC)
	user := &UserProfile{ID: 1, Role: RolePatient, Username: "alice", VisitDate: &visit}
	tokens := &TokenResponse{AccessToken: "access", RefreshToken: "refresh"}

	err := f.mgr.adopt(t.Context(), "login", tokens, user, msgLoginFailed)

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	require.Equal(t, msgLoginFailed, UserMessage(err))

	require.Equal(t, StateAnonymous, f.mgr.State())
	require.Empty(t, f.mgr.GetToken())
	require.Empty(t, f.store.Snapshot())
}

func TestLoginMissingTokens(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"require_totp":false,"access_token":"A1"}`)
	}))
	defer srv.Close()

	mgr := NewManager(NewSDKClient(srv.URL, slogx.Discard()), Config{Logger: slogx.Discard()})

	res := mgr.Login(t.Context(), "alice", alicePassword)
	require.False(t, res.Success)
	require.Equal(t, msgMissingTokens, res.Error)
	require.ErrorIs(t, res.Err, ErrIncompleteTokens)
	require.Equal(t, StateAnonymous, mgr.State())
}

func setupSecondFactor(t *testing.T) (*fixture, testserver.Account, string) {
	t.Helper()

	secret, err := testserver.NewTOTPSecret("bob")
	require.NoError(t, err)

	f := newFixture(t, Config{})
	acct := f.srv.AddAccount(testserver.Account{
		Username:   "bob",
		Password:   "bob-pw",
		TOTPSecret: secret,
	})

	return f, acct, secret
}

// wrongCode returns a six digit code that differs from code in its last
// digit.
func wrongCode(code string) string {
	last := (code[5]-'0'+5)%10 + '0'
	return code[:5] + string(rune(last))
}

func TestLoginWithSecondFactor(t *testing.T) {
	t.Parallel()

	f, acct, secret := setupSecondFactor(t)
	ctx := t.Context()

	res := f.mgr.Login(ctx, "bob", "bob-pw")
	require.False(t, res.Success)
	require.True(t, res.RequireSecondFactor)
	require.Equal(t, acct.ID, res.UserID)

	require.Equal(t, StateAwaitingSecondFactor, f.mgr.State())
	pending, ok := f.mgr.PendingChallengeUserID()
	require.True(t, ok)
	require.Equal(t, acct.ID, pending)

	// No tokens exist until the challenge is completed
	persisted := f.store.Snapshot()
	require.NotContains(t, persisted, credstore.KeyAccessToken)
	require.NotContains(t, persisted, credstore.KeyRefreshToken)
	require.NotContains(t, persisted, credstore.KeyUser)
	require.Empty(t, f.mgr.GetToken())

	code, err := testserver.Code(secret)
	require.NoError(t, err)

	t.Run("wrong code keeps the challenge", func(t *testing.T) {
		res := f.mgr.VerifySecondFactor(ctx, &pending, wrongCode(code))
		require.False(t, res.Success)
		require.Equal(t, "Invalid TOTP code", res.Error)

		var credErr *CredentialError
		require.ErrorAs(t, res.Err, &credErr)

		require.Equal(t, StateAwaitingSecondFactor, f.mgr.State())
		still, ok := f.mgr.PendingChallengeUserID()
		require.True(t, ok)
		require.Equal(t, pending, still)
	})

	t.Run("correct code authenticates", func(t *testing.T) {
		res := f.mgr.VerifyPendingChallenge(ctx, code)
		require.True(t, res.Success, res.Error)

		require.Equal(t, StateAuthenticated, f.mgr.State())
		_, ok := f.mgr.PendingChallengeUserID()
		require.False(t, ok)

		user := f.mgr.User()
		require.NotNil(t, user)
		require.True(t, user.TOTPEnabled)

		persisted := f.store.Snapshot()
		require.NotEmpty(t, persisted[credstore.KeyAccessToken])
		require.NotEmpty(t, persisted[credstore.KeyRefreshToken])
	})
}

func TestVerifySecondFactorWithoutPendingFailsFast(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	res := f.mgr.VerifySecondFactor(t.Context(), nil, "123456")
	require.False(t, res.Success)
	require.ErrorIs(t, res.Err, ErrNoPendingChallenge)
	require.Equal(t, msgNoPendingChallenge, res.Error)
	require.Zero(t, f.srv.VerifyCalls())

	res = f.mgr.VerifyPendingChallenge(t.Context(), "123456")
	require.ErrorIs(t, res.Err, ErrNoPendingChallenge)
	require.Zero(t, f.srv.VerifyCalls())
}

func TestVerifySecondFactorRejectsMalformedCode(t *testing.T) {
	t.Parallel()

	f, acct, _ := setupSecondFactor(t)
	id := acct.ID

	codes := []string{"", "12345", "1234567", "12a456", "-12345", " 12345", "１２３４５６"}
	for _, code := range codes {
		res := f.mgr.VerifySecondFactor(t.Context(), &id, code)
		require.False(t, res.Success, "code %q", code)

		var vErr *ValidationError
		require.ErrorAs(t, res.Err, &vErr, "code %q", code)
		require.Equal(t, "totp_code", vErr.Field)
	}

	require.Zero(t, f.srv.VerifyCalls())
}

func TestAbandonChallenge(t *testing.T) {
	t.Parallel()

	f, _, _ := setupSecondFactor(t)

	res := f.mgr.Login(t.Context(), "bob", "bob-pw")
	require.True(t, res.RequireSecondFactor)

	f.mgr.AbandonChallenge()
	require.Equal(t, StateAnonymous, f.mgr.State())

	res = f.mgr.VerifyPendingChallenge(t.Context(), "123456")
	require.ErrorIs(t, res.Err, ErrNoPendingChallenge)
}

func TestChallengeReplacesExistingSession(t *testing.T) {
	t.Parallel()

	f, _, _ := setupSecondFactor(t)
	f.loginAlice(t)

	res := f.mgr.Login(t.Context(), "bob", "bob-pw")
	require.True(t, res.RequireSecondFactor)

	snap := f.mgr.Snapshot()
	require.Equal(t, StateAwaitingSecondFactor, snap.State())
	require.Empty(t, snap.AccessToken)
	require.Empty(t, snap.RefreshToken)
	require.Nil(t, snap.User)
	require.NotContains(t, f.store.Snapshot(), credstore.KeyAccessToken)
}

func validRegistration() RegisterRequest {
	return RegisterRequest{
		Username:    "carol",
		Password:    "carol-password",
		Email:       "carol@example.com",
		FirstName:   "Carol",
		LastName:    "Singh",
		PhoneNumber: "0412 345 678",
		BloodGroup:  "ab-",
		Role:        RoleAdmin,
	}
}

func TestRegister(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})

	res := f.mgr.Register(t.Context(), validRegistration())
	require.True(t, res.Success, res.Error)

	require.Equal(t, StateAuthenticated, f.mgr.State())
	user := f.mgr.User()
	require.Equal(t, "carol", user.Username)
	require.Equal(t, RolePatient, user.Role)
	require.Equal(t, "AB-", user.BloodGroup)
	require.Equal(t, "Carol Singh", user.DisplayName())

	t.Run("duplicate username", func(t *testing.T) {
		res := f.mgr.Register(t.Context(), validRegistration())
		require.False(t, res.Success)
		require.Equal(t, "Username already registered", res.Error)

		// A failed attempt leaves the existing session alone
		require.Equal(t, StateAuthenticated, f.mgr.State())
	})
}

func TestRegisterValidatesBeforeNetwork(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*RegisterRequest)
		field  string
	}{
		{"missing blood group", func(r *RegisterRequest) { r.BloodGroup = "" }, "blood_group"},
		{"unknown blood group", func(r *RegisterRequest) { r.BloodGroup = "C+" }, "blood_group"},
		{"bad email", func(r *RegisterRequest) { r.Email = "not-an-email" }, "email"},
		{"short password", func(r *RegisterRequest) { r.Password = "short" }, "password"},
		{"short phone", func(r *RegisterRequest) { r.PhoneNumber = "12345" }, "phone_number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Config{})

			req := validRegistration()
			tt.mutate(&req)

			res := f.mgr.Register(t.Context(), req)
			require.False(t, res.Success)

			var vErr *ValidationError
			require.True(t, errors.As(res.Err, &vErr))
			require.Equal(t, tt.field, vErr.Field)
			require.Equal(t, vErr.Message, res.Error)

			_, exists := f.srv.Account("carol")
			require.False(t, exists)
		})
	}
}
