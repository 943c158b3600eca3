package authsdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ============================================================================
// Sentinel Errors
// ============================================================================

var (
	// ErrNotAuthenticated is returned when a token is requested but the
	// session holds neither an access nor a refresh token.
	ErrNotAuthenticated = errors.New("authsdk: not authenticated")

	// ErrNoPendingChallenge is returned by VerifySecondFactor when called
	// without a pending user id. It indicates a caller bug.
	ErrNoPendingChallenge = errors.New("authsdk: no pending second factor challenge")

	// ErrNoRefreshToken is the cause of a SessionInvalidError when the
	// access token expired and there is nothing to renew it with.
	ErrNoRefreshToken = errors.New("authsdk: no refresh token")

	// ErrSessionChanged is returned by a refresh whose result was discarded
	// because the session was logged out or replaced while it was in flight.
	ErrSessionChanged = errors.New("authsdk: session changed during refresh")

	// ErrIncompleteTokens is returned when the server answered 2xx without
	// a full token pair.
	ErrIncompleteTokens = errors.New("authsdk: server response missing tokens")
)

// Fallback messages shown when the server gave no detail.
const (
	msgLoginFailed        = "Login failed"
	msgVerifyFailed       = "Verification failed"
	msgRegisterFailed     = "Registration failed"
	msgNetwork            = "Network error, please try again"
	msgSessionExpired     = "Session expired, please log in again"
	msgMissingTokens      = "Server response missing tokens"
	msgNoPendingChallenge = "No pending verification, please log in again"
	msgGeneric            = "Something went wrong"
)

// ============================================================================
// APIError - server error responses
// ============================================================================

// APIError is a non-2xx response from the records API. Detail holds the
// server supplied message when there was one.
type APIError struct {
	// StatusCode is the HTTP status code of the response
	StatusCode int

	// Detail is the flattened "detail" field of the body
	Detail string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
}

// Client reports whether the server rejected the request itself (4xx).
func (e *APIError) Client() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// ============================================================================
// Error Taxonomy
// ============================================================================

// ValidationError is returned before any network call when input is
// malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) UserMessage() string { return e.Message }

// CredentialError is a 4xx from a login, verify or register call: wrong
// password, wrong code or rejected registration. The session is unchanged
// and the user may retry.
type CredentialError struct {
	Message string
	Err     *APIError
}

func (e *CredentialError) Error() string {
	return "credentials rejected: " + e.Err.Error()
}

func (e *CredentialError) Unwrap() error       { return e.Err }
func (e *CredentialError) UserMessage() string { return e.Message }

// TransportError covers network failures, 5xx responses and responses
// that could not be decoded. The session is unchanged.
type TransportError struct {
	Op      string
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error       { return e.Err }
func (e *TransportError) UserMessage() string { return e.Message }

// SessionInvalidError means the session could not be renewed. By the time
// a caller sees it the session has been logged out and authError has been
// published.
type SessionInvalidError struct {
	Err error
}

func (e *SessionInvalidError) Error() string {
	return fmt.Sprintf("session invalid: %v", e.Err)
}

func (e *SessionInvalidError) Unwrap() error       { return e.Err }
func (e *SessionInvalidError) UserMessage() string { return msgSessionExpired }

// UserMessage returns a short message safe to show to an end user. Raw
// error text is never returned.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		if msg := um.UserMessage(); msg != "" {
			return msg
		}
	}

	switch {
	case errors.Is(err, ErrNoPendingChallenge):
		return msgNoPendingChallenge
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrSessionChanged):
		return msgSessionExpired
	default:
		return msgGeneric
	}
}

// classify maps a raw client error into the taxonomy. fallback is used
// when the server gave no detail.
func classify(op string, err error, fallback string) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Detail
		if msg == "" {
			msg = fallback
		}
		if apiErr.Client() {
			return &CredentialError{Message: msg, Err: apiErr}
		}
		return &TransportError{Op: op, Message: msg, Err: apiErr}
	}

	if errors.Is(err, ErrIncompleteTokens) {
		return &TransportError{Op: op, Message: msgMissingTokens, Err: err}
	}

	return &TransportError{Op: op, Message: msgNetwork, Err: err}
}

// ============================================================================
// Error Parsing Helpers
// ============================================================================

// errorBody is the FastAPI error envelope. Detail is either a string or a
// list of validation issues.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

type validationIssue struct {
	Msg string `json:"msg"`
}

// parseErrorResponse turns a non-2xx response body into an *APIError.
func parseErrorResponse(resp *http.Response, body []byte) error {
	return &APIError{
		StatusCode: resp.StatusCode,
		Detail:     parseDetail(body),
	}
}

// parseDetail flattens a FastAPI "detail" into one line. A list of issues
// is joined with ", ". Unknown shapes give an empty string.
func parseDetail(body []byte) string {
	var env errorBody
	if err := json.Unmarshal(body, &env); err != nil || len(env.Detail) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(env.Detail, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var issues []validationIssue
	if err := json.Unmarshal(env.Detail, &issues); err == nil {
		msgs := make([]string, 0, len(issues))
		for _, issue := range issues {
			if issue.Msg != "" {
				msgs = append(msgs, issue.Msg)
			}
		}
		return strings.Join(msgs, ", ")
	}

	return ""
}
