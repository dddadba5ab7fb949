// Package cache stores hot-path entitlement lookups in redis so the read
// endpoint does not hit the database for every quota check.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finchbill/entitled/internal/config"
	entitlementdomain "github.com/finchbill/entitled/internal/entitlement/domain"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	entitlementKeyFormat  = "entitlement:user:%s"
	defaultEntitlementTTL = 45 * time.Second
)

// EntitlementCache caches resolved entitlements keyed by user id. A nil
// cache is valid and behaves as a pass-through miss.
type EntitlementCache struct {
	client *redis.Client
	log    *zap.Logger
	ttl    time.Duration
}

// NewRedisClient connects to redis when configured, returning nil otherwise.
// Callers must tolerate a nil client.
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
}

// NewEntitlementCache builds the cache. client may be nil.
func NewEntitlementCache(client *redis.Client, log *zap.Logger) *EntitlementCache {
	if client == nil {
		return nil
	}
	return &EntitlementCache{
		client: client,
		log:    log.Named("cache.entitlement"),
		ttl:    defaultEntitlementTTL,
	}
}

// Get returns the cached entitlement, or (nil, false) on any miss or error.
func (c *EntitlementCache) Get(ctx context.Context, userID string) (*entitlementdomain.UserEntitlement, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, entitlementKey(userID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("entitlement cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var item entitlementdomain.UserEntitlement
	if err := json.Unmarshal(raw, &item); err != nil {
		c.log.Warn("entitlement cache decode failed", zap.Error(err))
		return nil, false
	}
	return &item, true
}

// Set stores the entitlement. Failures are logged, never propagated.
func (c *EntitlementCache) Set(ctx context.Context, entitlement *entitlementdomain.UserEntitlement) {
	if c == nil || c.client == nil || entitlement == nil {
		return
	}
	raw, err := json.Marshal(entitlement)
	if err != nil {
		c.log.Warn("entitlement cache encode failed", zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, entitlementKey(entitlement.UserID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("entitlement cache write failed", zap.Error(err))
	}
}

// Invalidate drops the cached entitlement after a state change commits.
func (c *EntitlementCache) Invalidate(ctx context.Context, userID string) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Del(ctx, entitlementKey(userID)).Err(); err != nil {
		c.log.Warn("entitlement cache invalidate failed", zap.Error(err))
	}
}

func entitlementKey(userID string) string {
	return fmt.Sprintf(entitlementKeyFormat, strings.TrimSpace(userID))
}
