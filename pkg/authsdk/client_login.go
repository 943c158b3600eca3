package authsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Login posts form encoded credentials to /login.
func (c *SDKClient) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	resp, err := c.doRequest(
		ctx,
		http.MethodPost,
		"/login",
		strings.NewReader(form.Encode()),
		map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
	)
	if err != nil {
		return nil, err
	}

	var loginResp LoginResponse
	if err := decodeJSON(resp, &loginResp, http.StatusOK); err != nil {
		return nil, err
	}

	return &loginResp, nil
}

// VerifyTOTP completes a pending challenge for userID.
func (c *SDKClient) VerifyTOTP(ctx context.Context, userID int64, code string) (*TokenResponse, error) {
	body, err := json.Marshal(VerifyTOTPRequest{TOTPCode: code})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	path := "/login/verify-totp?user_id=" + strconv.FormatInt(userID, 10)
	resp, err := c.doRequest(
		ctx,
		http.MethodPost,
		path,
		bytes.NewReader(body),
		map[string]string{"Content-Type": "application/json"},
	)
	if err != nil {
		return nil, err
	}

	return decodeTokens(resp, http.StatusOK)
}

// Refresh exchanges a refresh token for a new pair. The body is the raw
// token as text/plain. The old refresh token is invalid afterwards.
func (c *SDKClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	resp, err := c.doRequest(
		ctx,
		http.MethodPost,
		"/refresh",
		strings.NewReader(refreshToken),
		map[string]string{"Content-Type": "text/plain"},
	)
	if err != nil {
		return nil, err
	}

	return decodeTokens(resp, http.StatusOK)
}

// Register creates a patient account and returns its first token pair.
func (c *SDKClient) Register(ctx context.Context, req RegisterRequest) (*TokenResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.doRequest(
		ctx,
		http.MethodPost,
		"/register",
		bytes.NewReader(body),
		map[string]string{"Content-Type": "application/json"},
	)
	if err != nil {
		return nil, err
	}

	// FastAPI answers 200 or 201 depending on the route decorator
	if resp.StatusCode == http.StatusCreated {
		return decodeTokens(resp, http.StatusCreated)
	}
	return decodeTokens(resp, http.StatusOK)
}

// Me fetches the profile of the account owning accessToken.
func (c *SDKClient) Me(ctx context.Context, accessToken string) (*UserProfile, error) {
	resp, err := c.doRequest(
		ctx,
		http.MethodGet,
		"/me",
		nil,
		map[string]string{"Authorization": "Bearer " + accessToken},
	)
	if err != nil {
		return nil, err
	}

	var profile UserProfile
	if err := decodeJSON(resp, &profile, http.StatusOK); err != nil {
		return nil, err
	}

	return &profile, nil
}

func decodeTokens(resp *http.Response, expectedStatus int) (*TokenResponse, error) {
	var tokens TokenResponse
	if err := decodeJSON(resp, &tokens, expectedStatus); err != nil {
		return nil, err
	}

	if !tokens.complete() {
		return nil, ErrIncompleteTokens
	}

	return &tokens, nil
}
