package handshake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jcbbge/anima/internal/memory/model"
	"github.com/jcbbge/anima/internal/memory/ports"
)

// cacheBackend fronts the Storage Port for a Service's Get, so repeated
// lookups in the same scope within a window don't hit the store.
type cacheBackend interface {
	get(ctx context.Context, key string) (*model.GhostLog, bool)
	put(ctx context.Context, key string, ghost *model.GhostLog, ttl time.Duration)
	invalidate(ctx context.Context, key string)
}

// localBackend is an in-process cache, the default when no Redis client is
// configured.
type localBackend struct {
	mu      sync.Mutex
	entries map[string]localEntry
}

type localEntry struct {
	ghost     *model.GhostLog
	expiresAt time.Time
}

func newLocalBackend() *localBackend {
	return &localBackend{entries: make(map[string]localEntry)}
}

func (b *localBackend) get(_ context.Context, key string) (*model.GhostLog, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.ghost, true
}

func (b *localBackend) put(_ context.Context, key string, ghost *model.GhostLog, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = localEntry{ghost: ghost, expiresAt: time.Now().Add(ttl)}
}

func (b *localBackend) invalidate(_ context.Context, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// redisBackend fronts the Storage Port with Redis so multiple animad
// instances share one ghost cache; invalidate deletes a key and publishes
// it on a pub/sub channel so other instances delete it too. Service itself
// never calls invalidate: it detects stale ghosts on read (isFresh).
type redisBackend struct {
	client     redis.UniversalClient
	channel    string
	logger     ports.Logger
	cancelSubs context.CancelFunc
}

// NewRedisBackend connects to Redis at addr and subscribes to channel for
// cross-instance invalidation broadcasts. ctx governs the subscription
// goroutine's lifetime; callers should derive it from a long-lived
// background context, not a per-request one.
func NewRedisBackend(ctx context.Context, addr, password string, db int, channel string, logger ports.Logger) (*redisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("handshake redis cache ping: %w", err)
	}
	subCtx, cancel := context.WithCancel(ctx)
	b := &redisBackend{client: client, channel: channel, logger: logger, cancelSubs: cancel}
	go b.listenInvalidations(subCtx)
	return b, nil
}

func (b *redisBackend) key(k string) string { return "handshake:ghost:" + k }

func (b *redisBackend) get(ctx context.Context, key string) (*model.GhostLog, bool) {
	val, err := b.client.Get(ctx, b.key(key)).Result()
	if err != nil {
		if err != redis.Nil {
			b.logger.Debug("handshake redis cache get error", map[string]any{"error": err.Error()})
		}
		return nil, false
	}
	var ghost model.GhostLog
	if err := json.Unmarshal([]byte(val), &ghost); err != nil {
		b.logger.Debug("handshake redis cache unmarshal error", map[string]any{"error": err.Error()})
		return nil, false
	}
	return &ghost, true
}

func (b *redisBackend) put(ctx context.Context, key string, ghost *model.GhostLog, ttl time.Duration) {
	data, err := json.Marshal(ghost)
	if err != nil {
		b.logger.Debug("handshake redis cache marshal error", map[string]any{"error": err.Error()})
		return
	}
	if err := b.client.Set(ctx, b.key(key), data, ttl).Err(); err != nil {
		b.logger.Debug("handshake redis cache set error", map[string]any{"error": err.Error()})
	}
}

func (b *redisBackend) invalidate(ctx context.Context, key string) {
	if err := b.client.Del(ctx, b.key(key)).Err(); err != nil {
		b.logger.Debug("handshake redis cache del error", map[string]any{"error": err.Error()})
	}
	if err := b.client.Publish(ctx, b.channel, key).Err(); err != nil {
		b.logger.Debug("handshake redis cache publish error", map[string]any{"error": err.Error()})
	}
}

func (b *redisBackend) listenInvalidations(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := b.client.Del(ctx, b.key(msg.Payload)).Err(); err != nil {
				b.logger.Debug("handshake redis cache invalidation del error", map[string]any{"error": err.Error()})
			}
		}
	}
}

// Close stops the subscription goroutine and closes the client.
func (b *redisBackend) Close() error {
	if b.cancelSubs != nil {
		b.cancelSubs()
	}
	return b.client.Close()
}
