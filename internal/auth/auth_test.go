package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokens(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(Config{Secret: "s3cret", TokenDuration: time.Hour, Now: func() time.Time { return now }})

	token, err := svc.GenerateToken("ops", RoleViewer)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	t.Run("Valid", func(t *testing.T) {
		claims, err := svc.ValidateToken(token)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if claims.Subject != "ops" || claims.Role != RoleViewer {
			t.Errorf("Unexpected claims %+v", claims)
		}
	})

	t.Run("Expired", func(t *testing.T) {
		later := NewService(Config{Secret: "s3cret", Now: func() time.Time { return now.Add(2 * time.Hour) }})
		if _, err := later.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Wrong secret", func(t *testing.T) {
		other := NewService(Config{Secret: "other", Now: func() time.Time { return now }})
		if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Unsigned", func(t *testing.T) {
		none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{Role: RoleAdmin}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if _, err := svc.ValidateToken(none); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("Expected ErrInvalidToken, got %v", err)
		}
	})

	t.Run("Unknown role", func(t *testing.T) {
		if _, err := svc.GenerateToken("ops", "pilot"); err == nil {
			t.Error("Expected error for unknown role")
		}
	})
}

func TestAuthorize(t *testing.T) {
	svc := NewService(Config{Secret: "s3cret"})
	viewer, _ := svc.GenerateToken("ops", RoleViewer)

	tests := []struct {
		name     string
		header   string
		query    string
		required string
		err      error
	}{
		{"Header", "Bearer " + viewer, "", RoleViewer, nil},
		{"Query", "", "?access_token=" + viewer, RoleViewer, nil},
		{"Missing", "", "", RoleViewer, ErrInvalidToken},
		{"Wrong scheme", "Basic " + viewer, "", RoleViewer, ErrInvalidToken},
		{"Insufficient role", "Bearer " + viewer, "", RoleAdmin, ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/v1/status"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			_, err := svc.Authorize(r, tt.required)
			if !errors.Is(err, tt.err) {
				t.Errorf("Expected %v, got %v", tt.err, err)
			}
		})
	}

	t.Run("Disabled", func(t *testing.T) {
		open := NewService(Config{})
		if open.Enabled() {
			t.Error("Expected service without secret to be disabled")
		}
		r := httptest.NewRequest("GET", "/api/v1/sessions", nil)
		if _, err := open.Authorize(r, RoleAdmin); err != nil {
			t.Errorf("Unexpected error %v", err)
		}
		if _, err := open.GenerateToken("ops", RoleViewer); err == nil {
			t.Error("Expected error issuing without a secret")
		}
	})
}

func TestHasRole(t *testing.T) {
	if !HasRole(RoleAdmin, RoleViewer) || !HasRole(RoleViewer, RoleViewer) {
		t.Error("Expected role hierarchy to grant lower roles")
	}
	if HasRole(RoleViewer, RoleAdmin) || HasRole("guest", RoleViewer) {
		t.Error("Unexpected grant")
	}
}
