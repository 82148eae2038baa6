package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bypassd/internal/policy"
)

func TestSignAndParse(t *testing.T) {
	c := NewJWTConfig("secret", false)
	tok, err := c.Sign(Principal{UserID: "mgr", TenantID: "h1", Role: "manager"}, time.Hour)
	require.NoError(t, err)

	p, err := c.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, Principal{UserID: "mgr", TenantID: "h1", Role: "manager"}, p)

	_, err = NewJWTConfig("other", false).Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsExpired(t *testing.T) {
	c := NewJWTConfig("secret", false)
	tok, err := c.Sign(Principal{UserID: "mgr", TenantID: "h1"}, -time.Minute)
	require.NoError(t, err)
	_, err = c.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	c := NewJWTConfig("secret", true)
	var got Principal
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("missing token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "unauthenticated")
	})

	t.Run("bearer", func(t *testing.T) {
		tok, err := c.Sign(Principal{UserID: "sup", TenantID: "h1", Role: "supervisor"}, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "sup", got.UserID)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Token abc")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("dev headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User-ID", "dir")
		req.Header.Set("X-Tenant-ID", "h1")
		req.Header.Set("X-Role", "director")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, Principal{UserID: "dir", TenantID: "h1", Role: "director"}, got)
	})
}

func TestDevHeadersIgnoredWhenDisabled(t *testing.T) {
	c := NewJWTConfig("secret", false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "dir")
	_, err := c.Authenticate(req)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestCanSubscribe(t *testing.T) {
	h, err := policy.NewHierarchy(policy.DefaultRoles())
	require.NoError(t, err)
	p := Principal{UserID: "sup", TenantID: "h1", Role: "supervisor"}

	cases := map[string]bool{
		"user:sup":            true,
		"user:mgr":            false,
		"tenant:h1":           true,
		"tenant:h2":           false,
		"role:h1:manager":     true,
		"role:h1:supervisor":  true,
		"role:h1:director":    false,
		"role:h2:manager":     false,
		"role:h1:unknown":     false,
		"workflow:wf-1":       false,
		"garbage":             false,
	}
	for ch, want := range cases {
		assert.Equal(t, want, p.CanSubscribe(ch, h), ch)
	}
}
