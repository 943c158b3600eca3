package httpx

import (
	"net/http"

	"github.com/aussiebroadwan/sunga/pkg/jwtx"
)

// RequireAnyRole the caller must hold one of the provided roles.
func RequireAnyRole(allowed ...jwtx.Role) Middleware {
	want := make(map[jwtx.Role]struct{}, len(allowed))
	for _, r := range allowed {
		want[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := RoleFromContext(r.Context())
			if _, ok := want[role]; ok {
				next.ServeHTTP(w, r)
				return
			}

			WriteDetail(w, http.StatusForbidden, "Insufficient permissions")
		})
	}
}
