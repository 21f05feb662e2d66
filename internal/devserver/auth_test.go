package devserver

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	auth := NewAuthenticator("secret")

	token, err := auth.IssueToken("u1")
	require.NoError(t, err)

	userID, err := auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestParseTokenRejects(t *testing.T) {
	auth := NewAuthenticator("secret")

	forged, err := NewAuthenticator("other").IssueToken("u1")
	require.NoError(t, err)
	expired, err := (&Authenticator{secret: []byte("secret"), ttl: -time.Minute}).IssueToken("u1")
	require.NoError(t, err)
	noUser, err := auth.IssueToken("")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", forged},
		{"expired", expired},
		{"missing user", noUser},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.ParseToken(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestRequestToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/conversations", nil)
	assert.Empty(t, requestToken(r))

	r.AddCookie(&http.Cookie{Name: authCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", requestToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", requestToken(r))
}
