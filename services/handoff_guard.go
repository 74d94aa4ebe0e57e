package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// HandoffGuard lets exactly one caller claim the terminal handoff of an intent.
type HandoffGuard interface {
	Claim(ctx context.Context, intentID string) (bool, error)
}

const defaultHandoffTTL = 24 * time.Hour

// MemoryHandoffGuard claims ids within this process. A claim expires after
// ttl, matching the key expiry of RedisHandoffGuard.
type MemoryHandoffGuard struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	claimed   map[string]time.Time // intent id -> expiry
	lastSweep time.Time
}

func NewMemoryHandoffGuard(ttl time.Duration) *MemoryHandoffGuard {
	if ttl <= 0 {
		ttl = defaultHandoffTTL
	}
	return &MemoryHandoffGuard{ttl: ttl, now: time.Now, claimed: make(map[string]time.Time)}
}

func (g *MemoryHandoffGuard) Claim(_ context.Context, intentID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if expiry, ok := g.claimed[intentID]; ok && now.Before(expiry) {
		return false, nil
	}
	g.sweep(now)
	g.claimed[intentID] = now.Add(g.ttl)
	return true, nil
}

// Len reports how many claims are held.
func (g *MemoryHandoffGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.claimed)
}

// sweep drops expired claims at most once per quarter ttl. Caller holds g.mu.
func (g *MemoryHandoffGuard) sweep(now time.Time) {
	if now.Sub(g.lastSweep) < g.ttl/4 {
		return
	}
	g.lastSweep = now
	for id, expiry := range g.claimed {
		if !now.Before(expiry) {
			delete(g.claimed, id)
		}
	}
}

type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisHandoffGuard claims ids across replicas with SETNX, so two BFF
// instances watching the same intent notify the booking once.
type RedisHandoffGuard struct {
	client setNXer
	ttl    time.Duration
}

// NewRedisHandoffGuard creates a guard. ttl bounds how long a claim is remembered.
func NewRedisHandoffGuard(client *redis.Client, ttl time.Duration) (*RedisHandoffGuard, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	return newRedisHandoffGuard(client, ttl), nil
}

func newRedisHandoffGuard(client setNXer, ttl time.Duration) *RedisHandoffGuard {
	if ttl <= 0 {
		ttl = defaultHandoffTTL
	}
	return &RedisHandoffGuard{client: client, ttl: ttl}
}

func (g *RedisHandoffGuard) Claim(ctx context.Context, intentID string) (bool, error) {
	key := fmt.Sprintf("payments:handoff:%s", intentID)
	ok, err := g.client.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim handoff %s: %w", intentID, err)
	}
	return ok, nil
}
