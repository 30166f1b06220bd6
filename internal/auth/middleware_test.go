package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "campus-secret"

func sign(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(id string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "unichat",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		ID:    id,
		Email: id + "@uni.edu",
	}
}

func TestValidateToken(t *testing.T) {
	a := NewAuthenticator(testSecret, "unichat", false)

	expired := validClaims("u1")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	wrongIssuer := validClaims("u1")
	wrongIssuer.Issuer = "elsewhere"

	subjectOnly := validClaims("")
	subjectOnly.Subject = "u9"

	tests := []struct {
		name    string
		token   string
		wantID  string
		wantErr bool
	}{
		{"valid", sign(t, testSecret, validClaims("u1")), "u1", false},
		{"bearer prefix", "Bearer " + sign(t, testSecret, validClaims("u2")), "u2", false},
		{"subject fallback", sign(t, testSecret, subjectOnly), "u9", false},
		{"wrong secret", sign(t, "other", validClaims("u1")), "", true},
		{"expired", sign(t, testSecret, expired), "", true},
		{"wrong issuer", sign(t, testSecret, wrongIssuer), "", true},
		{"garbage", "not.a.jwt", "", true},
		{"empty", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := a.ValidateToken(tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got claims %+v", claims)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if claims.UserID() != tt.wantID {
				t.Errorf("expected user %q, got %q", tt.wantID, claims.UserID())
			}
		})
	}
}

func TestValidateToken_NoSecret(t *testing.T) {
	a := NewAuthenticator("", "", false)
	if _, err := a.ValidateToken("abc"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestIdentify(t *testing.T) {
	token := sign(t, testSecret, validClaims("u1"))

	t.Run("query token", func(t *testing.T) {
		a := NewAuthenticator(testSecret, "", false)
		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		id, err := a.Identify(r)
		if err != nil || id != "u1" {
			t.Errorf("expected u1, got %q (%v)", id, err)
		}
	})

	t.Run("authorization header", func(t *testing.T) {
		a := NewAuthenticator(testSecret, "", false)
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)
		id, err := a.Identify(r)
		if err != nil || id != "u1" {
			t.Errorf("expected u1, got %q (%v)", id, err)
		}
	})

	t.Run("userId query disabled", func(t *testing.T) {
		a := NewAuthenticator(testSecret, "", false)
		r := httptest.NewRequest("GET", "/ws?userId=u5", nil)
		if _, err := a.Identify(r); !errors.Is(err, ErrNoIdentity) {
			t.Errorf("expected ErrNoIdentity, got %v", err)
		}
	})

	t.Run("userId query enabled", func(t *testing.T) {
		a := NewAuthenticator(testSecret, "", true)
		r := httptest.NewRequest("GET", "/ws?userId=u5", nil)
		id, err := a.Identify(r)
		if err != nil || id != "u5" {
			t.Errorf("expected u5, got %q (%v)", id, err)
		}
	})

	t.Run("bad token is not rescued by userId", func(t *testing.T) {
		a := NewAuthenticator(testSecret, "", true)
		r := httptest.NewRequest("GET", "/ws?token=bogus&userId=u5", nil)
		if _, err := a.Identify(r); err == nil {
			t.Error("an invalid token must be rejected even with a userId fallback")
		}
	})
}
