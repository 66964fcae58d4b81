package httpapi

import (
	"net/http"
	"strings"

	"github.com/hushh-labs/consent-protocol-sub002/internal/auth"
)

// publicPaths are reachable without a service JWT: probes, metrics, the
// info endpoint and the token mint itself.
var publicPaths = map[string]struct{}{
	"/":              {},
	"/healthz":       {},
	"/readyz":        {},
	"/metrics":       {},
	"/v1/info":       {},
	"/v1/auth/token": {},
}

// withAuth requires a bearer service JWT on every non-public route and
// stores the caller identity in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := publicPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, r, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := auth.ParseAndValidate(strings.TrimSpace(token))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		ctx := auth.ContextWithCaller(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
