package directory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCacheTTL bounds how stale an approver lookup may be
const DefaultCacheTTL = 30 * time.Second

// Cached memoises a Directory in expirable LRUs
type Cached struct {
	inner   Directory
	users   *expirable.LRU[string, User]
	tenants *expirable.LRU[string, []User]
}

func NewCached(inner Directory, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cached{
		inner:   inner,
		users:   expirable.NewLRU[string, User](size, nil, ttl),
		tenants: expirable.NewLRU[string, []User](size, nil, ttl),
	}
}

func (c *Cached) Get(ctx context.Context, tenantID, userID string) (*User, error) {
	k := key(tenantID, userID)
	if u, ok := c.users.Get(k); ok {
		return &u, nil
	}
	u, err := c.inner.Get(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	c.users.Add(k, *u)
	return u, nil
}

func (c *Cached) ListActive(ctx context.Context, tenantID string) ([]User, error) {
	if users, ok := c.tenants.Get(tenantID); ok {
		return append([]User(nil), users...), nil
	}
	users, err := c.inner.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.tenants.Add(tenantID, append([]User(nil), users...))
	return users, nil
}

// Invalidate drops cached entries of a tenant
func (c *Cached) Invalidate(tenantID string) {
	c.tenants.Remove(tenantID)
	for _, k := range c.users.Keys() {
		if len(k) > len(tenantID) && k[:len(tenantID)+1] == tenantID+"/" {
			c.users.Remove(k)
		}
	}
}
