package httpx

import (
	"net/http"
	"strings"

	"github.com/aussiebroadwan/sunga/pkg/jwtx"
	"github.com/aussiebroadwan/sunga/pkg/slogx"
)

// AuthnMiddleware requires a bearer access token accepted by v.
func AuthnMiddleware(v jwtx.Verifier) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			log := slogx.FromContext(ctx)

			authz := r.Header.Get("Authorization")
			if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
				writeBearerError(w, "Not authenticated")
				return
			}
			raw := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer"))

			claims, err := v.Verify(raw)
			if err != nil {
				writeBearerError(w, "Could not validate credentials")
				log.Warn("jwt verify failed", "err", err)
				return
			}

			// Inject into context for downstream handlers.
			ctx = contextWithAuth(ctx, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeBearerError answers 401 with a WWW-Authenticate challenge and a
// detail body.
func writeBearerError(w http.ResponseWriter, desc string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	WriteDetail(w, http.StatusUnauthorized, desc)
}
