package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	v := NewVerifier("top-secret", "wiogate")
	token, err := v.Issue(Identity{UserID: "u1", Tenant: "t1", Workspaces: []string{"W1", "W2"}}, time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", id.UserID)
	assert.Equal(t, "t1", id.Tenant)
	assert.Equal(t, []string{"W1", "W2"}, id.Workspaces)
}

func TestVerifyRejects(t *testing.T) {
	v := NewVerifier("top-secret", "wiogate")
	other := NewVerifier("other-secret", "wiogate")
	foreign := NewVerifier("top-secret", "someone-else")

	expired, err := v.Issue(Identity{UserID: "u1"}, -time.Minute)
	require.NoError(t, err)
	wrongKey, err := other.Issue(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	wrongIssuer, err := foreign.Issue(Identity{UserID: "u1"}, time.Hour)
	require.NoError(t, err)
	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "u1"}).SignedString([]byte("top-secret"))
	require.NoError(t, err)
	noSubject, err := v.Issue(Identity{}, time.Hour)
	require.NoError(t, err)
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: "u1"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"expired":      expired,
		"wrong key":    wrongKey,
		"wrong issuer": wrongIssuer,
		"no expiry":    noExpiry,
		"no subject":   noSubject,
		"alg none":     unsigned,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name    string
		cookie  string
		header  string
		want    string
		wantErr bool
	}{
		{name: "cookie", cookie: "abc", want: "abc"},
		{name: "bearer", header: "Bearer xyz", want: "xyz"},
		{name: "cookie wins", cookie: "abc", header: "Bearer xyz", want: "abc"},
		{name: "basic auth ignored", header: "Basic dXNlcjpwYXNz", wantErr: true},
		{name: "empty bearer", header: "Bearer   ", wantErr: true},
		{name: "nothing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.cookie != "" {
				r.AddCookie(&http.Cookie{Name: "session", Value: tt.cookie})
			}
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := TokenFromRequest(r, "")
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMissingToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorize(t *testing.T) {
	id := Identity{UserID: "u", Workspaces: []string{"W1", "W3"}}
	assert.Equal(t, []string{"W1", "W3"}, id.Authorize([]string{"W1", "W2", "W3"}))
	assert.Empty(t, id.Authorize([]string{"W2"}))
	assert.True(t, id.Member("W3"))
	assert.False(t, id.Member("W2"))
}
