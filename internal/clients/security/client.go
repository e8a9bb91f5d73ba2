// Package security talks to the identity service: client-credential tokens and
// user provisioning for estates and merchants.
package security

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"txprocessor/pkg/config"
	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// TokenManager hands out a cached client-credentials token and fetches a new
// one once the cached token has less than the refresh threshold left.
type TokenManager struct {
	mu        sync.Mutex
	cfg       *clientcredentials.Config
	threshold time.Duration
	current   *oauth2.Token
	now       func() time.Time
	logger    logger.Logger
}

func NewTokenManager(cfg config.SecurityConfig, log logger.Logger) *TokenManager {
	threshold := cfg.RefreshThreshold
	if threshold <= 0 {
		threshold = 2 * time.Minute
	}
	return &TokenManager{
		cfg: &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		},
		threshold: threshold,
		now:       time.Now,
		logger:    log,
	}
}

// Token satisfies oauth2.TokenSource.
func (m *TokenManager) Token() (*oauth2.Token, error) {
	return m.TokenContext(context.Background())
}

func (m *TokenManager) TokenContext(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.Expiry.Sub(m.now()) >= m.threshold {
		return m.current, nil
	}

	token, err := m.cfg.Token(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to obtain access token")
	}
	if token.Expiry.IsZero() {
		token.Expiry = expiryFromJWT(token.AccessToken)
	}

	m.current = token
	m.logger.Info("Access token refreshed", map[string]interface{}{
		"expires_at": token.Expiry,
	})
	return token, nil
}

// expiryFromJWT reads the exp claim without verifying the signature. A token
// that is not a JWT is treated as already expired.
func expiryFromJWT(accessToken string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

type CreateUserRequest struct {
	EmailAddress string            `json:"email_address"`
	Password     string            `json:"password"`
	GivenName    string            `json:"given_name"`
	MiddleName   string            `json:"middle_name,omitempty"`
	FamilyName   string            `json:"family_name"`
	PhoneNumber  string            `json:"phone_number,omitempty"`
	Roles        []string          `json:"roles"`
	Claims       map[string]string `json:"claims"`
}

type createUserResponse struct {
	UserID uuid.UUID `json:"user_id"`
}

// UserProvisioner creates users for estates and merchants.
type UserProvisioner interface {
	CreateUser(ctx context.Context, req CreateUserRequest) (uuid.UUID, error)
}

// Unconfigured rejects user creation when no security service is set up.
type Unconfigured struct{}

func (Unconfigured) CreateUser(_ context.Context, req CreateUserRequest) (uuid.UUID, error) {
	return uuid.Nil, pkgerrors.Forbidden("security service is not configured, cannot create user %s", req.EmailAddress)
}

// Client calls the security service with a bearer token from the TokenManager.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logger.Logger
}

func NewClient(cfg config.SecurityConfig, tokens oauth2.TokenSource, log logger.Logger) *Client {
	// oauth2.Transport asks the source on every request so the manager's
	// refresh threshold applies.
	httpClient := &http.Client{
		Transport: &oauth2.Transport{Source: tokens, Base: http.DefaultTransport},
		Timeout:   30 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		logger:  log,
	}
}

// CreateUser provisions a user and returns its id.
func (c *Client) CreateUser(ctx context.Context, req CreateUserRequest) (uuid.UUID, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(err, "failed to encode create user request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/users", bytes.NewReader(body))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(err, "failed to build create user request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrapf(err, "failed to call security service at %s", c.baseURL)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		c.logger.Warn("Create user rejected", map[string]interface{}{
			"email":  req.EmailAddress,
			"status": resp.StatusCode,
		})
		return uuid.Nil, err
	}

	var out createUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return uuid.Nil, pkgerrors.Wrap(err, "failed to decode create user response")
	}
	return out.UserID, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return pkgerrors.NotFound("security service: %s", strings.TrimSpace(string(msg)))
	case http.StatusBadRequest:
		return pkgerrors.Invalid("security service: %s", strings.TrimSpace(string(msg)))
	case http.StatusConflict:
		return pkgerrors.Conflict("security service: %s", strings.TrimSpace(string(msg)))
	}
	return fmt.Errorf("security service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}
