package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Skipper selects requests that bypass token validation.
type Skipper func(r *http.Request) bool

// Middleware validates bearer tokens and stores the resulting claims on the request context.
type Middleware struct {
	Config  Config
	Skipper Skipper
}

// PublicPaths are served without a token.
var PublicPaths = []string{"/healthz"}

// NewMiddleware builds a Middleware that leaves PublicPaths open.
func NewMiddleware(cfg Config) Middleware {
	return Middleware{Config: cfg, Skipper: func(r *http.Request) bool {
		for _, p := range PublicPaths {
			if r.URL.Path == p {
				return true
			}
		}
		return false
	}}
}

// Wrap returns next guarded by token validation. Failures answer 401 with a JSON problem body.
func (m Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skipper != nil && m.Skipper(r) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := Parse(bearerToken(r), m.Config)
		if err != nil {
			detail := "invalid bearer token"
			if errors.Is(err, ErrMissingToken) {
				detail = "missing bearer token"
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="pelosync"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"unauthorized","detail":"` + detail + `"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// bearerToken extracts the token from the Authorization header. Non-bearer schemes yield a
// placeholder that fails validation rather than an empty string.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "-"
	}
	return token
}
