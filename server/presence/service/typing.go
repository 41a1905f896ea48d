package service

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"cardspace_rt/server/presence/domain"
)

const DefaultTypingTTL = 2 * time.Second

type typingKey struct {
	WorkspaceID string
	Email       string
}

type typingEntry struct {
	Identity domain.Identity
	ConnID   string
}

// TypingTracker expires typing indicators after a quiet period. Every
// eviction, explicit or by expiry, is reported through onStop.
type TypingTracker struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[typingKey, typingEntry]
}

func NewTypingTracker(ttl time.Duration, onStop func(workspaceID, connID string, identity domain.Identity)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	cache := ttlcache.New[typingKey, typingEntry](
		ttlcache.WithTTL[typingKey, typingEntry](ttl),
		ttlcache.WithDisableTouchOnHit[typingKey, typingEntry](),
	)
	cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[typingKey, typingEntry]) {
		if onStop == nil {
			return
		}
		entry := item.Value()
		onStop(item.Key().WorkspaceID, entry.ConnID, entry.Identity)
	})
	return &TypingTracker{cache: cache}
}

// Touch refreshes the indicator and reports whether it was not active before.
func (t *TypingTracker) Touch(workspaceID, connID string, identity domain.Identity) bool {
	key := typingKey{WorkspaceID: workspaceID, Email: identity.Email}
	t.mu.Lock()
	defer t.mu.Unlock()
	started := !t.cache.Has(key)
	t.cache.Set(key, typingEntry{Identity: identity, ConnID: connID}, ttlcache.DefaultTTL)
	return started
}

// Stop clears the indicator; the eviction callback fires when it was active.
func (t *TypingTracker) Stop(workspaceID, email string) {
	t.cache.Delete(typingKey{WorkspaceID: workspaceID, Email: email})
}

func (t *TypingTracker) Active(workspaceID, email string) bool {
	return t.cache.Has(typingKey{WorkspaceID: workspaceID, Email: email})
}

// Run drives expiry until ctx is done.
func (t *TypingTracker) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.cache.Stop()
	}()
	t.cache.Start()
	return nil
}
