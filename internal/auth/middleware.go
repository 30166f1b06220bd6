package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenEmpty    = errors.New("token is empty")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrNoIdentity    = errors.New("no user identity on request")
	ErrNotConfigured = errors.New("token validation is not configured")
)

// Claims mirrors the payload the CRUD service signs at login.
type Claims struct {
	jwt.RegisteredClaims
	ID    string `json:"id"`
	Email string `json:"email"`
}

// UserID prefers the explicit id claim and falls back to sub.
func (c *Claims) UserID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Subject
}

type Authenticator struct {
	secret           []byte
	issuer           string
	allowQueryUserID bool
}

// NewAuthenticator validates HS256 tokens signed with secret. When
// allowQueryUserID is set, a request without a token may identify itself
// with the userId query parameter, as the existing web and mobile clients do.
func NewAuthenticator(secret, issuer string, allowQueryUserID bool) *Authenticator {
	return &Authenticator{
		secret:           []byte(secret),
		issuer:           issuer,
		allowQueryUserID: allowQueryUserID,
	}
}

// ValidateToken parses and verifies a signed token.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, ErrTokenEmpty
	}
	if len(a.secret) == 0 {
		return nil, ErrNotConfigured
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID() == "" {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// Identify resolves the user behind an upgrade request.
func (a *Authenticator) Identify(r *http.Request) (string, error) {
	token := ExtractTokenFromRequest(r)
	if token != "" {
		claims, err := a.ValidateToken(token)
		if err != nil {
			return "", err
		}
		return claims.UserID(), nil
	}

	if a.allowQueryUserID {
		if userID := r.URL.Query().Get("userId"); userID != "" {
			return userID, nil
		}
	}
	return "", ErrNoIdentity
}

// ExtractTokenFromRequest extracts JWT from request (query param or header)
func ExtractTokenFromRequest(r *http.Request) string {
	token := r.URL.Query().Get("token")
	if token != "" {
		return token
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}

	return ""
}
