// Package directory resolves people in the organization by email.
package directory

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

// DefaultListLimit is used by ListPeople when limit is not positive.
const DefaultListLimit = 10

// Directory looks people up with a bearer token obtained by the caller.
type Directory interface {
	// ResolveIdentity returns the identity for email, or nil when nobody matches.
	ResolveIdentity(ctx context.Context, token, email string) (*protocol.Identity, error)
	// ListPeople returns up to limit people whose name or email starts with query.
	ListPeople(ctx context.Context, token, query string, limit int) ([]protocol.Person, error)
}

// Cached decorates a Directory with a TTL cache of successful lookups.
// Misses are never cached so a newly created account resolves immediately.
type Cached struct {
	next  Directory
	cache *ttlcache.Cache[string, protocol.Identity]
}

// NewCached wraps next. Call Close to stop the expiry loop.
func NewCached(next Directory, ttl time.Duration) *Cached {
	cache := ttlcache.New[string, protocol.Identity](
		ttlcache.WithTTL[string, protocol.Identity](ttl),
		ttlcache.WithCapacity[string, protocol.Identity](10000),
	)
	go cache.Start()
	return &Cached{next: next, cache: cache}
}

func (c *Cached) ResolveIdentity(ctx context.Context, token, email string) (*protocol.Identity, error) {
	key := strings.ToLower(strings.TrimSpace(email))
	if item := c.cache.Get(key); item != nil {
		id := item.Value()
		return &id, nil
	}

	id, err := c.next.ResolveIdentity(ctx, token, email)
	if err != nil || id == nil {
		return id, err
	}
	c.cache.Set(key, *id, ttlcache.DefaultTTL)
	return id, nil
}

func (c *Cached) ListPeople(ctx context.Context, token, query string, limit int) ([]protocol.Person, error) {
	return c.next.ListPeople(ctx, token, query, limit)
}

// Len returns the number of cached identities.
func (c *Cached) Len() int {
	return c.cache.Len()
}

// Close stops the cache's expiry loop.
func (c *Cached) Close() {
	c.cache.Stop()
}
