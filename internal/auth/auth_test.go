package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{Secret: "test-secret", Issuer: "pelosync.test"}

func scopes(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		out[n] = struct{}{}
	}
	return out
}

func TestIssueAndParse(t *testing.T) {
	token, err := Issue(testConfig, Claims{Subject: "ops", UserID: "user-1", Scopes: scopes(ScopeSyncRead, ScopeSyncWrite)}, time.Hour)
	require.NoError(t, err)

	claims, err := Parse(token, testConfig)
	require.NoError(t, err)
	require.Equal(t, "ops", claims.Subject)
	require.Equal(t, "user-1", claims.UserID)
	require.True(t, claims.HasScope(ScopeSyncWrite))
	require.False(t, claims.HasScope(ScopeSyncAdmin))
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, 2*time.Second)
}

func TestParseRejectsBadTokens(t *testing.T) {
	_, err := Parse("  ", testConfig)
	require.ErrorIs(t, err, ErrMissingToken)

	wrongIssuer, err := Issue(Config{Secret: testConfig.Secret, Issuer: "someone-else"}, Claims{Subject: "ops"}, time.Hour)
	require.NoError(t, err)
	_, err = Parse(wrongIssuer, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	wrongSecret, err := Issue(Config{Secret: "nope", Issuer: testConfig.Issuer}, Claims{Subject: "ops"}, time.Hour)
	require.NoError(t, err)
	_, err = Parse(wrongSecret, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := Issue(testConfig, Claims{Subject: "ops"}, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(expired, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := Issue(testConfig, Claims{}, time.Hour)
	require.NoError(t, err)
	_, err = Parse(noSubject, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops", "iss": testConfig.Issuer}).SignedString([]byte(testConfig.Secret))
	require.NoError(t, err)
	_, err = Parse(noExpiry, testConfig)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestScopeSetDecoding(t *testing.T) {
	require.Equal(t, scopes("a", "b"), map[string]struct{}(decodeScopes("a  b")))
	require.Equal(t, scopes("a", "b"), map[string]struct{}(decodeScopes([]any{"a", "", "b", 7})))
	require.Empty(t, decodeScopes(nil))

	var set scopeSet
	require.NoError(t, set.UnmarshalJSON([]byte(`["sync:read","sync:write"]`)))
	require.Equal(t, scopes(ScopeSyncRead, ScopeSyncWrite), map[string]struct{}(set))

	encoded, err := scopeSet(scopes("b", "a")).MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `"a b"`, string(encoded))
}

func TestCanActFor(t *testing.T) {
	bound := &Claims{UserID: "user-1"}
	require.True(t, bound.CanActFor("user-1"))
	require.False(t, bound.CanActFor("user-2"))

	admin := &Claims{UserID: "user-1", Scopes: scopes(ScopeSyncAdmin)}
	require.True(t, admin.CanActFor("user-2"))

	require.True(t, (&Claims{}).CanActFor("anyone"))
	require.False(t, (*Claims)(nil).CanActFor("anyone"))
}

func TestMiddleware(t *testing.T) {
	var seen *Claims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewMiddleware(testConfig).Wrap(next)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Nil(t, seen)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sync/runs", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/v1/sync/runs", nil)
	req.Header.Set("Authorization", "Basic abc")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	token, err := Issue(testConfig, Claims{Subject: "ops", Scopes: scopes(ScopeSyncRead)}, time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/sync/runs", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, "ops", seen.Subject)
}
