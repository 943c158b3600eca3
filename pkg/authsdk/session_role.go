package authsdk

import "github.com/aussiebroadwan/sunga/pkg/jwtx"

// Role resolves the caller's role. The cached profile wins when present.
// Without a profile the access token payload is decoded. Otherwise the
// role is absent. The lookup reads one consistent snapshot, so a refresh
// completing concurrently cannot mix old and new sources.
func (m *Manager) Role() (Role, bool) {
	m.mu.RLock()
	user, access := m.session.User, m.session.AccessToken
	m.mu.RUnlock()

	return resolveRole(user, access)
}

// Role resolves the role from this snapshot alone, with the same
// precedence as Manager.Role.
func (s Session) Role() (Role, bool) {
	return resolveRole(s.User, s.AccessToken)
}

func resolveRole(user *UserProfile, access string) (Role, bool) {
	if user != nil && user.Role != "" {
		return user.Role, true
	}

	if access == "" {
		return "", false
	}

	p := jwtx.Decode(access)
	if p == nil || p.Role == "" {
		return "", false
	}

	return p.Role, true
}

// HasRole reports whether the resolved role is role.
func (m *Manager) HasRole(role Role) bool {
	r, ok := m.Role()
	return ok && r == role
}

func (m *Manager) IsPatient() bool { return m.HasRole(RolePatient) }
func (m *Manager) IsDoctor() bool  { return m.HasRole(RoleDoctor) }
func (m *Manager) IsAdmin() bool   { return m.HasRole(RoleAdmin) }
