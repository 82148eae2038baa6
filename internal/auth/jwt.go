package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"bypassd/internal/policy"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller
type Principal struct {
	UserID   string
	TenantID string
	Role     string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	SecretKey string
	// AllowDevHeaders accepts X-User-ID/X-Tenant-ID/X-Role instead of a token
	AllowDevHeaders bool
}

// NewJWTConfig creates a new JWT config
func NewJWTConfig(secretKey string, allowDevHeaders bool) *JWTConfig {
	if secretKey == "" {
		secretKey = "default-secret-key-change-in-production" // Default for development
	}
	return &JWTConfig{SecretKey: secretKey, AllowDevHeaders: allowDevHeaders}
}

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Sign issues an HS256 token for p
func (c *JWTConfig) Sign(p Principal, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"sub":       p.UserID,
		"tenant_id": p.TenantID,
		"role":      p.Role,
		"iat":       time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(c.SecretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return s, nil
}

// Parse validates tokenString and returns its principal
func (c *JWTConfig) Parse(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(c.SecretKey), nil
	})
	if err != nil || !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	p := Principal{}
	p.UserID, _ = claims["sub"].(string)
	p.TenantID, _ = claims["tenant_id"].(string)
	p.Role, _ = claims["role"].(string)
	if p.UserID == "" || p.TenantID == "" {
		return Principal{}, ErrInvalidToken
	}
	return p, nil
}

// Authenticate extracts the principal from a request. The token may come from
// the Authorization header or, for websocket upgrades, the token query param.
func (c *JWTConfig) Authenticate(r *http.Request) (Principal, error) {
	if c.AllowDevHeaders {
		if userID := r.Header.Get("X-User-ID"); userID != "" {
			return Principal{
				UserID:   userID,
				TenantID: r.Header.Get("X-Tenant-ID"),
				Role:     r.Header.Get("X-Role"),
			}, nil
		}
	}

	tokenString := r.URL.Query().Get("token")
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return Principal{}, ErrInvalidToken
		}
		tokenString = parts[1]
	}
	if tokenString == "" {
		return Principal{}, ErrMissingToken
	}
	return c.Parse(tokenString)
}

// Middleware rejects requests without a valid principal
func (c *JWTConfig) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := c.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintf(w, `{"error":{"code":"unauthenticated","message":%q}}`, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the principal from context
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// CanSubscribe reports whether p may receive events on channel: its own user
// channel, its tenant, and role channels of its tenant at or below its rank.
func (p Principal) CanSubscribe(channel string, h *policy.Hierarchy) bool {
	parts := strings.SplitN(channel, ":", 3)
	switch {
	case len(parts) == 2 && parts[0] == "user":
		return parts[1] == p.UserID
	case len(parts) == 2 && parts[0] == "tenant":
		return parts[1] == p.TenantID
	case len(parts) == 3 && parts[0] == "role":
		if parts[1] != p.TenantID || h == nil || !h.Known(parts[2]) {
			return false
		}
		return h.AtLeast(p.Role, parts[2])
	}
	return false
}
