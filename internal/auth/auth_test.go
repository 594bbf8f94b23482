package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pergola/internal/models"
)

type mockUsers map[string]models.User

func (m mockUsers) GetUser(id string) (models.User, error) {
	u, ok := m[id]
	if !ok {
		return models.User{}, models.ErrNotFound
	}
	return u, nil
}

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T, secret string) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
			TokenExpiry: time.Hour,
		}

		users := mockUsers{"u1": {ID: "u1", UserName: "alice"}}
		svc, err := NewAuthService(context.Background(), cfg, users)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	t.Run("Validate", func(t *testing.T) {
		if _, err := NewAuthService(context.Background(), Config{}, mockUsers{}); err == nil {
			t.Error("Expected error for empty secret")
		}
		if _, err := NewAuthService(context.Background(), Config{Secret: "not base64!"}, mockUsers{}); err == nil {
			t.Error("Expected error for invalid base64")
		}
		cfg := Config{Secret: base64.StdEncoding.EncodeToString([]byte("s"))}
		if err := cfg.Validate(); err != nil {
			t.Fatal(err)
		}
		if cfg.TokenExpiry != DefaultTokenExpiry {
			t.Errorf("Expected default expiry, got %v", cfg.TokenExpiry)
		}
	})

	t.Run("IssueAndAuthenticate", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")

		token, expiresAt, err := svc.IssueToken("u1", "alice@example.com")
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}
		if !expiresAt.Equal(time.Unix(t0Unix, 0).Add(time.Hour)) {
			t.Errorf("Unexpected expiry %v", expiresAt)
		}

		id, err := svc.Verify(token)
		if err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
		if id.AccountID != "u1" || id.Email != "alice@example.com" {
			t.Errorf("Unexpected identity %+v", id)
		}

		user, err := svc.Authenticate(token)
		if err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}
		if user.UserName != "alice" {
			t.Errorf("Expected alice, got %s", user.UserName)
		}
	})

	t.Run("MissingToken", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		if _, err := svc.Authenticate(""); !errors.Is(err, models.ErrUnauthenticated) {
			t.Errorf("Expected ErrUnauthenticated, got %v", err)
		}
	})

	t.Run("Garbage", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		if _, err := svc.Authenticate("not-a-token"); !errors.Is(err, models.ErrInvalidCredential) {
			t.Errorf("Expected ErrInvalidCredential, got %v", err)
		}
	})

	t.Run("WrongSecret", func(t *testing.T) {
		other, _ := createService(t, "other-secret")
		token, _, err := other.IssueToken("u1", "")
		if err != nil {
			t.Fatal(err)
		}

		svc, _ := createService(t, "server-secret")
		if _, err := svc.Authenticate(token); !errors.Is(err, models.ErrInvalidCredential) {
			t.Errorf("Expected ErrInvalidCredential, got %v", err)
		}
	})

	t.Run("UnknownAccount", func(t *testing.T) {
		svc, _ := createService(t, "server-secret")
		token, _, _ := svc.IssueToken("ghost", "")
		if _, err := svc.Authenticate(token); !errors.Is(err, models.ErrInvalidCredential) {
			t.Errorf("Expected ErrInvalidCredential, got %v", err)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		svc, now := createService(t, "server-secret")
		token, _, _ := svc.IssueToken("u1", "")

		// Verified once so the cache is warm.
		if _, err := svc.Authenticate(token); err != nil {
			t.Fatalf("Authenticate failed: %v", err)
		}

		*now = now.Add(2 * time.Hour)
		if _, err := svc.Authenticate(token); !errors.Is(err, models.ErrInvalidCredential) {
			t.Errorf("Expected ErrInvalidCredential after expiry, got %v", err)
		}
	})
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{"None", func(r *http.Request) {}, ""},
		{"Bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") }, "abc"},
		{"Header", func(r *http.Request) { r.Header.Set("token", "abc") }, "abc"},
		{"Query", func(r *http.Request) { r.URL.RawQuery = "token=abc" }, "abc"},
		{"Cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "token", Value: "abc"}) }, "abc"},
		{"Bearer wins", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer first")
			r.URL.RawQuery = "token=second"
		}, "first"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/ws", nil)
			tt.setup(r)
			if got := TokenFromRequest(r); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}
