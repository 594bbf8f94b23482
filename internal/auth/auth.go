package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"pergola/internal/models"

	"github.com/c-pro/geche"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	DefaultTokenExpiry = 24 * time.Hour
	// verifiedCacheTTL bounds how long a verified token skips signature checks.
	verifiedCacheTTL = 5 * time.Minute
)

type Config struct {
	// Secret is the base64 encoded HS256 signing key.
	Secret      string `json:"secret"`
	secretBytes []byte
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Claims carried by a bearer token. The subject is the account id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the verified content of a token.
type Identity struct {
	AccountID string
	Email     string
	ExpiresAt time.Time
}

type UserLookup interface {
	GetUser(id string) (models.User, error)
}

type AuthService struct {
	Config
	users    UserLookup
	verified geche.Geche[string, Identity]
	now      func() time.Time
}

func NewAuthService(ctx context.Context, config Config, users UserLookup) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:   config,
		users:    users,
		verified: geche.NewMapTTLCache[string, Identity](ctx, verifiedCacheTTL, time.Minute),
		now:      time.Now,
	}, nil
}

// IssueToken mints a signed bearer token for the account.
func (as *AuthService) IssueToken(accountID, email string) (string, time.Time, error) {
	now := as.now()
	expiresAt := now.Add(as.TokenExpiry)
	claims := Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(as.secretBytes)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks the signature and expiry of a token.
func (as *AuthService) Verify(token string) (Identity, error) {
	if id, err := as.verified.Get(token); err == nil {
		if as.now().Before(id.ExpiresAt) {
			return id, nil
		}
		_ = as.verified.Del(token)
		return Identity{}, models.ErrInvalidCredential
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) { return as.secretBytes, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(as.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || claims.Subject == "" {
		return Identity{}, models.ErrInvalidCredential
	}

	id := Identity{
		AccountID: claims.Subject,
		Email:     claims.Email,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	as.verified.Set(token, id)
	return id, nil
}

// Authenticate resolves a bearer token to its account.
func (as *AuthService) Authenticate(token string) (models.User, error) {
	if token == "" {
		return models.User{}, models.ErrUnauthenticated
	}
	id, err := as.Verify(token)
	if err != nil {
		return models.User{}, err
	}
	user, err := as.users.GetUser(id.AccountID)
	if errors.Is(err, models.ErrNotFound) {
		return models.User{}, models.ErrInvalidCredential
	}
	if err != nil {
		return models.User{}, fmt.Errorf("failed to load account: %w", err)
	}
	return user, nil
}

// TokenFromRequest extracts the bearer credential of a request.
// Browsers cannot set headers on a websocket handshake, so the query
// parameter and cookie are accepted too.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	return ""
}
