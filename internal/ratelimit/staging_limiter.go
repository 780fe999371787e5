package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/stagecraft/internal/config"
)

const keyStagingCreateAccount = "stagecraft:ratelimit:staging:create:%s"

// StagingLimiter throttles job submissions per account.
type StagingLimiter struct {
	bucket *TokenBucket
}

// NewStagingLimiter returns a disabled limiter when rate limiting is off or no
// redis client is available.
func NewStagingLimiter(cfg config.Config, client *redis.Client) *StagingLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil || limitCfg.StagingCreateRate <= 0 || limitCfg.StagingCreateBurst <= 0 {
		return &StagingLimiter{}
	}
	bucket, err := NewTokenBucket(client, limitCfg.StagingCreateRate, limitCfg.StagingCreateBurst)
	if err != nil {
		return &StagingLimiter{}
	}
	return &StagingLimiter{bucket: bucket}
}

func (l *StagingLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *StagingLimiter) AllowCreate(ctx context.Context, accountID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyStagingCreateAccount, strings.TrimSpace(accountID)))
}
