package security

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, expiresIn int, accessToken func() string) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		body := map[string]interface{}{
			"access_token": accessToken(),
			"token_type":   "Bearer",
		}
		if expiresIn > 0 {
			body["expires_in"] = expiresIn
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestTokenManager_ReusesFreshToken(t *testing.T) {
	srv, calls := tokenServer(t, 3600, func() string { return "opaque" })
	m := NewTokenManager(config.SecurityConfig{TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, logger.NewNop())

	first, err := m.Token()
	require.NoError(t, err)
	second, err := m.Token()
	require.NoError(t, err)

	assert.Equal(t, "opaque", second.AccessToken)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestTokenManager_RefreshesInsideThreshold(t *testing.T) {
	srv, calls := tokenServer(t, 3600, func() string { return "opaque" })
	m := NewTokenManager(config.SecurityConfig{TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, logger.NewNop())

	_, err := m.Token()
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(59 * time.Minute) }
	_, err = m.Token()
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
}

func TestTokenManager_ExpiryFromJWTClaim(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	srv, _ := tokenServer(t, 0, func() string { return signed })
	m := NewTokenManager(config.SecurityConfig{TokenURL: srv.URL, ClientID: "id", ClientSecret: "secret"}, logger.NewNop())

	token, err := m.Token()
	require.NoError(t, err)
	assert.True(t, exp.Equal(token.Expiry), "expiry %v", token.Expiry)
}

func TestClient_CreateUser(t *testing.T) {
	userID := uuid.New()
	tokens, _ := tokenServer(t, 3600, func() string { return "abc" })

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/users", r.URL.Path)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
		var req CreateUserRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.EmailAddress == "missing@example.com" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"user_id": userID})
	}))
	defer api.Close()

	cfg := config.SecurityConfig{TokenURL: tokens.URL, BaseURL: api.URL, ClientID: "id", ClientSecret: "secret"}
	client := NewClient(cfg, NewTokenManager(cfg, logger.NewNop()), logger.NewNop())

	got, err := client.CreateUser(context.Background(), CreateUserRequest{EmailAddress: "user@example.com", Roles: []string{"Merchant"}})
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = client.CreateUser(context.Background(), CreateUserRequest{EmailAddress: "missing@example.com"})
	assert.ErrorIs(t, err, pkgerrors.ErrNotFound)
}
