package collab

import (
	"context"
	"sync"
	"time"

	"github.com/RichardCYang/NTEOK-sub001/internal/models"
)

// PermissionSource resolves a user's role inside a space. Implemented by the
// space repository; faked in tests.
type PermissionSource interface {
	RoleFor(ctx context.Context, userID, spaceID string) (models.Role, error)
}

type cachedRole struct {
	role models.Role
	at   time.Time
}

// Gate resolves and caches workspace permissions. The cache TTL is short so a
// revocation propagates within seconds without forcing a reconnect; the hub's
// refresh loop sweeps long-lived idle connections on the same TTL.
type Gate struct {
	src PermissionSource
	ttl time.Duration

	mu    sync.Mutex
	cache map[string]cachedRole
}

// NewGate creates an access control gate with the given cache TTL.
func NewGate(src PermissionSource, ttl time.Duration) *Gate {
	return &Gate{
		src:   src,
		ttl:   ttl,
		cache: make(map[string]cachedRole),
	}
}

func cacheKey(userID, spaceID string) string {
	return userID + "\x00" + spaceID
}

// Resolve returns the user's role for a space, from cache when fresh.
func (g *Gate) Resolve(ctx context.Context, userID, spaceID string) (models.Role, error) {
	key := cacheKey(userID, spaceID)

	g.mu.Lock()
	if c, ok := g.cache[key]; ok && time.Since(c.at) < g.ttl {
		g.mu.Unlock()
		return c.role, nil
	}
	g.mu.Unlock()

	role, err := g.src.RoleFor(ctx, userID, spaceID)
	if err != nil {
		return models.RoleNone, err
	}

	g.mu.Lock()
	g.cache[key] = cachedRole{role: role, at: time.Now()}
	g.mu.Unlock()

	return role, nil
}

// Invalidate drops a cached permission so the next Resolve hits the source.
func (g *Gate) Invalidate(userID, spaceID string) {
	g.mu.Lock()
	delete(g.cache, cacheKey(userID, spaceID))
	g.mu.Unlock()
}
