// Package auth issues and validates the bearer tokens that guard the
// status API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles for the status API
const (
	RoleAdmin  = "admin"  // Sessions with remote addresses
	RoleViewer = "viewer" // Traffic picture and statistics
)

const issuer = "livetraffic"

var (
	// ErrInvalidToken is returned when token validation fails
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrUnauthorized is returned when a token lacks the required role
	ErrUnauthorized = errors.New("unauthorized access")
)

// Claims represents the JWT claims of a status API token
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Config holds token configuration
type Config struct {
	Secret        string        // Secret key for signing tokens
	TokenDuration time.Duration // How long tokens are valid
	Now           func() time.Time
}

// Service issues and validates tokens. A Service without a secret is
// disabled and every request is let through.
type Service struct {
	config Config
}

func NewService(cfg Config) *Service {
	if cfg.TokenDuration == 0 {
		cfg.TokenDuration = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{config: cfg}
}

// Enabled reports whether tokens are required.
func (s *Service) Enabled() bool {
	return s != nil && s.config.Secret != ""
}

// GenerateToken signs a token for subject with the given role.
func (s *Service) GenerateToken(subject, role string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("no token secret configured")
	}
	if _, ok := roleLevel[role]; !ok {
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := s.config.Now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TokenDuration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token and returns its claims
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		return []byte(s.config.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.config.Now),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// Authorize validates the request's bearer token and checks it carries
// at least the required role.
func (s *Service) Authorize(r *http.Request, required string) (*Claims, error) {
	if !s.Enabled() {
		return &Claims{Role: RoleAdmin}, nil
	}
	token, ok := BearerToken(r)
	if !ok {
		return nil, ErrInvalidToken
	}
	claims, err := s.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if !HasRole(claims.Role, required) {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header,
// or from the access_token query parameter for WebSocket clients that
// cannot set headers.
func BearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		return strings.TrimSpace(token), ok && strings.TrimSpace(token) != ""
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, true
	}
	return "", false
}

var roleLevel = map[string]int{
	RoleAdmin:  1,
	RoleViewer: 0,
}

// HasRole checks if a role grants at least the required role
// Role hierarchy: Admin > Viewer
func HasRole(userRole, requiredRole string) bool {
	userLevel, ok1 := roleLevel[userRole]
	requiredLevel, ok2 := roleLevel[requiredRole]
	if !ok1 || !ok2 {
		return false
	}
	return userLevel >= requiredLevel
}
