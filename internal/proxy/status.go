package proxy

import (
	"time"

	"github.com/aussiebroadwan/sunga/pkg/authsdk"
	"github.com/aussiebroadwan/sunga/pkg/jwtx"
)

// Status is a token free view of a session, served at /session and printed
// by `sunga status`.
type Status struct {
	State                string     `json:"state"`
	UserID               *int64     `json:"user_id,omitempty"`
	Username             string     `json:"username,omitempty"`
	Role                 string     `json:"role,omitempty"`
	PendingUserID        *int64     `json:"pending_user_id,omitempty"`
	FirstLaunchCompleted bool       `json:"first_launch_completed"`
	AccessExpiresAt      *time.Time `json:"access_expires_at,omitempty"`
	SignedOut            bool       `json:"signed_out"`
}

// Describe summarises the session held by m. Every field comes from one
// snapshot.
func Describe(m *authsdk.Manager) Status {
	s := m.Snapshot()

	st := Status{
		State:                s.State().String(),
		PendingUserID:        s.PendingChallengeUserID,
		FirstLaunchCompleted: s.FirstLaunchCompleted,
	}

	if s.User != nil {
		id := s.User.ID
		st.UserID = &id
		st.Username = s.User.Username
	}

	if role, ok := s.Role(); ok {
		st.Role = string(role)
	}

	if p := jwtx.Decode(s.AccessToken); p != nil && !p.ExpiresAt.IsZero() {
		exp := p.ExpiresAt.UTC()
		st.AccessExpiresAt = &exp
	}

	return st
}
