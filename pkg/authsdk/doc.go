/*
Package authsdk is the client side session manager for the records API.

# Overview

The package owns the authentication state of one client process. It trades
credentials for a token pair, completes an optional TOTP second factor,
persists the pair through a credstore.Store, renews it when the access
token expires and tells the rest of the application when the session can
no longer be renewed.

It is organised around two types:

  - SDKClient: stateless calls to the identity endpoints (/login,
    /login/verify-totp, /refresh, /register, /me)
  - Manager: the session state machine built on an SDKClient

Create a Manager and restore the last session at startup:

	client := authsdk.NewSDKClient("https://api.example.com", logger)
	mgr := authsdk.NewManager(client, authsdk.Config{Store: store, Logger: logger})

	if err := mgr.Hydrate(ctx); err != nil {
		// The session starts anonymous, the error is only informational
	}

# Signing In

	res := mgr.Login(ctx, username, password)
	switch {
	case res.Success:
		// Authenticated
	case res.RequireSecondFactor:
		res = mgr.VerifySecondFactor(ctx, &res.UserID, code)
	default:
		fmt.Println(res.Error) // short, safe to display
	}

A direct success fetches the profile before anything is committed. If the
profile fetch fails the login fails and nothing is persisted. A wrong TOTP
code keeps the pending challenge so the user can retry without the
password.

# Token Renewal

GetValidToken returns the access token while it is not expired and
refreshes otherwise. Refresh tokens are single use, so concurrent callers
share one refresh call. A refresh that finishes after a logout is dropped.

Any refresh failure signs the session out and publishes TopicAuthError on
the Manager's Bus exactly once:

	unsubscribe := mgr.Bus().Subscribe(authsdk.TopicAuthError, func(authsdk.Event) {
		showLogin()
	})
	defer unsubscribe()

By default onboarding is reset as well. Set
Config.KeepOnboardingOnSessionInvalid to perform a plain Logout instead.

# Authenticated Requests

Do adds the bearer token and retries once after a 401:

	req, _ := mgr.NewRequest(ctx, http.MethodGet, "/collections", nil)
	resp, err := mgr.Do(req)

# Roles

Role reads the cached profile first and falls back to the role claim of
the access token.

# Errors

Failures are typed: ValidationError (rejected before any network call),
CredentialError (4xx on login, verify or register), TransportError
(network, 5xx, undecodable responses) and SessionInvalidError (refresh
failed, session cleared). UserMessage maps any of them to a short
message. Raw error text is never meant for end users.

# Thread Safety

A Manager is safe for concurrent use. State is guarded by a read/write
lock and readers always see a consistent snapshot.
*/
package authsdk
