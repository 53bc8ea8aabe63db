package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	rulesVersionKey = "pricing:rules:version"
	rulesKeyPrefix  = "pricing:rules"
	loadTimeout     = 5 * time.Second
)

// CachedRules is a read-through redis cache in front of a RuleSource.
// A nil client disables caching.
type CachedRules struct {
	source RuleSource
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
	group  singleflight.Group
}

// NewCachedRules wraps source.
func NewCachedRules(source RuleSource, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedRules {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedRules{source: source, client: client, ttl: ttl, logger: logger}
}

// ActiveRules serves the rules from redis, loading them once per version on a miss.
// Redis failures fall through to the source.
func (c *CachedRules) ActiveRules(ctx context.Context) ([]OverrideRule, error) {
	if c.client == nil {
		return c.source.ActiveRules(ctx)
	}
	key, err := c.key(ctx)
	if err != nil {
		c.logger.Warn("pricing rule cache unavailable", slog.Any("error", err))
		return c.source.ActiveRules(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var rules []OverrideRule
		if err := json.Unmarshal(payload, &rules); err == nil {
			return rules, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("pricing rule cache read failed", slog.Any("error", err))
		return c.source.ActiveRules(ctx)
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Shared by every waiter, so one caller's cancellation must not fail the rest.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		rules, err := c.source.ActiveRules(loadCtx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(rules)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(loadCtx, key, raw, c.ttl).Err(); err != nil {
			c.logger.Warn("pricing rule cache write failed", slog.Any("error", err))
		}
		return rules, nil
	})
	if err != nil {
		return nil, err
	}
	return value.([]OverrideRule), nil
}

// Invalidate bumps the cache version so the next read reloads from the source.
func (c *CachedRules) Invalidate(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, rulesVersionKey).Err()
}

func (c *CachedRules) key(ctx context.Context) (string, error) {
	ver, err := c.client.Get(ctx, rulesVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		ver = 0
	} else if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", rulesKeyPrefix, ver), nil
}
