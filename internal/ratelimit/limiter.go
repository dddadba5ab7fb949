package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	webhookRate  = 50.0
	webhookBurst = 100

	commandRate  = 2.0
	commandBurst = 5
)

// Limiter throttles webhook ingestion per provider and command submission
// per user. It fails open: when redis is unavailable or unconfigured, every
// request is allowed.
type Limiter struct {
	bucket *TokenBucket
	log    *zap.Logger
}

func NewLimiter(client *redis.Client, log *zap.Logger) *Limiter {
	if client == nil {
		return &Limiter{log: log.Named("ratelimit")}
	}
	return &Limiter{
		bucket: NewTokenBucket(client),
		log:    log.Named("ratelimit"),
	}
}

func (l *Limiter) AllowWebhook(ctx context.Context, provider string) RateLimitResult {
	return l.allow(ctx, fmt.Sprintf("webhook:ingest:provider:%s", provider), webhookRate, webhookBurst)
}

func (l *Limiter) AllowCommand(ctx context.Context, userID string) RateLimitResult {
	return l.allow(ctx, fmt.Sprintf("command:user:%s", userID), commandRate, commandBurst)
}

func (l *Limiter) allow(ctx context.Context, key string, rate float64, burst int) RateLimitResult {
	if l == nil || l.bucket == nil {
		return RateLimitResult{Allowed: true, Limit: burst, Remaining: burst}
	}

	limitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	res, err := l.bucket.Allow(limitCtx, key, rate, burst)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing request",
			zap.String("key", key),
			zap.Error(err),
		)
		return RateLimitResult{Allowed: true, Limit: burst, Remaining: burst}
	}
	return *res
}
