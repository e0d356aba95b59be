// Package auth validates bearer tokens for the sync API.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

// Config holds the HS256 secret and the issuer tokens must carry.
type Config struct {
	Secret string
	Issuer string
}

// Claims is the verified identity of an API caller.
type Claims struct {
	Subject string
	// UserID binds the caller to one remote account. Empty means unbound.
	UserID    string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

var (
	// ErrMissingToken means the request carried no bearer token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps every verification failure.
	ErrInvalidToken = errors.New("invalid bearer token")
)

// tokenClaims is the wire shape of a pelosync token.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes scopeSet `json:"scopes,omitempty"`
	UserID string   `json:"peloton_user_id,omitempty"`
}

// Validate is called by the jwt parser after the registered claims pass.
func (c *tokenClaims) Validate() error {
	if c.Subject == "" {
		return errors.New("token has no subject")
	}
	return nil
}

// scopeSet decodes either a space separated string or a JSON array of strings and encodes as
// the former.
type scopeSet map[string]struct{}

func (s *scopeSet) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = decodeScopes(raw)
	return nil
}

func (s scopeSet) MarshalJSON() ([]byte, error) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	slices.Sort(names)
	return json.Marshal(strings.Join(names, " "))
}

func decodeScopes(raw any) scopeSet {
	set := scopeSet{}
	add := func(name string) {
		if name != "" {
			set[name] = struct{}{}
		}
	}
	switch v := raw.(type) {
	case string:
		for _, name := range strings.Fields(v) {
			add(name)
		}
	case []any:
		for _, item := range v {
			if name, ok := item.(string); ok {
				add(name)
			}
		}
	}
	return set
}

// Parse verifies token against cfg. Tokens must be HS256, carry cfg.Issuer, a subject and an
// expiry in the future.
func Parse(token string, cfg Config) (*Claims, error) {
	if token = strings.TrimSpace(token); token == "" {
		return nil, ErrMissingToken
	}

	var tc tokenClaims
	_, err := jwt.ParseWithClaims(token, &tc,
		func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	return &Claims{
		Subject:   tc.Subject,
		UserID:    tc.UserID,
		Scopes:    tc.Scopes,
		ExpiresAt: tc.ExpiresAt.Time,
	}, nil
}

// Issue signs c with cfg for ttl.
func Issue(cfg Config, c Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.Subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: c.Scopes,
		UserID: c.UserID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &tc).SignedString([]byte(cfg.Secret))
}

// HasScope reports whether the caller was granted scope.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	_, ok := c.Scopes[scope]
	return ok
}

// HasAnyScope reports whether the caller was granted at least one of scopes.
func (c *Claims) HasAnyScope(scopes ...string) bool {
	return slices.ContainsFunc(scopes, c.HasScope)
}

// CanActFor reports whether the caller may read or trigger syncs for userID. Admins and unbound
// callers may act for anyone.
func (c *Claims) CanActFor(userID string) bool {
	switch {
	case c == nil:
		return false
	case c.HasScope(ScopeSyncAdmin), c.UserID == "":
		return true
	default:
		return userID == c.UserID
	}
}
