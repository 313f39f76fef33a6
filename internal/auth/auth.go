// Package auth extracts and verifies dashboard session tokens.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultCookie is the cookie carrying the session token.
	DefaultCookie = "session"
	bearerPrefix  = "Bearer "
)

var (
	// ErrMissingToken is returned when a request carries no credential.
	ErrMissingToken = errors.New("authorization token missing")
	// ErrInvalidToken is returned when a credential fails verification.
	ErrInvalidToken = errors.New("authorization token invalid or expired")
)

// Claims is the session token payload.
type Claims struct {
	UserID     string   `json:"id"`
	Tenant     string   `json:"tenant,omitempty"`
	ClientID   string   `json:"clientId,omitempty"`
	Workspaces []string `json:"workspaces"`
	jwt.RegisteredClaims
}

// Identity is the verified caller.
type Identity struct {
	UserID     string
	Tenant     string
	Workspaces []string
}

// Member reports whether the identity belongs to workspace.
func (id Identity) Member(workspace string) bool {
	for _, w := range id.Workspaces {
		if w == workspace {
			return true
		}
	}
	return false
}

// Authorize keeps the requested workspaces the identity belongs to.
func (id Identity) Authorize(requested []string) []string {
	var allowed []string
	for _, w := range requested {
		if id.Member(w) {
			allowed = append(allowed, w)
		}
	}
	return allowed
}

// Verifier checks HMAC signed session tokens.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier creates a verifier. An empty issuer disables the issuer check.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses token and returns the identity it carries.
func (v *Verifier) Verify(token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}

	return Identity{UserID: claims.UserID, Tenant: claims.Tenant, Workspaces: claims.Workspaces}, nil
}

// Issue signs a token for the given identity.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:     id.UserID,
		Tenant:     id.Tenant,
		Workspaces: id.Workspaces,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest returns the session cookie, falling back to a bearer
// Authorization header.
func TokenFromRequest(r *http.Request, cookieName string) (string, error) {
	if cookieName == "" {
		cookieName = DefaultCookie
	}
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		if token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingToken
}
