// Package rediscache implements store.Cache over go-redis/v9: a fast status
// and result lookup ahead of the authoritative Postgres store, and the
// in-flight set the Automatch Scheduler uses to avoid double-submitting a
// pair of users on the same leaderboard.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avalon-arena/match-core/internal/models"
)

const (
	statusTTL    = 24 * time.Hour
	resultTTL    = 24 * time.Hour
	inflightTTL  = 10 * time.Minute
)

// Cache implements store.Cache.
type Cache struct {
	client *redis.Client
}

// New parses url (a redis:// URL) and opens a client.
func New(url string) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("rediscache: parse url: %w", err)
	}
	return &Cache{client: redis.NewClient(opts)}, nil
}

// Close releases the client's connections.
func (c *Cache) Close() error { return c.client.Close() }

// Client exposes the underlying redis.Client for the ops healthz check.
func (c *Cache) Client() *redis.Client { return c.client }

func statusKey(battleID string) string { return "battle:status:" + battleID }
func resultKey(battleID string) string { return "battle:result:" + battleID }

func (c *Cache) SetStatus(ctx context.Context, battleID string, status models.BattleStatus) error {
	return c.client.Set(ctx, statusKey(battleID), string(status), statusTTL).Err()
}

func (c *Cache) Status(ctx context.Context, battleID string) (models.BattleStatus, bool, error) {
	v, err := c.client.Get(ctx, statusKey(battleID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("rediscache: status: %w", err)
	}
	return models.BattleStatus(v), true, nil
}

func (c *Cache) SetResult(ctx context.Context, battleID string, result models.GameResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("rediscache: marshal result: %w", err)
	}
	return c.client.Set(ctx, resultKey(battleID), data, resultTTL).Err()
}

func (c *Cache) Result(ctx context.Context, battleID string) (models.GameResult, bool, error) {
	data, err := c.client.Get(ctx, resultKey(battleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.GameResult{}, false, nil
	}
	if err != nil {
		return models.GameResult{}, false, fmt.Errorf("rediscache: result: %w", err)
	}
	var result models.GameResult
	if err := json.Unmarshal(data, &result); err != nil {
		return models.GameResult{}, false, fmt.Errorf("rediscache: unmarshal result: %w", err)
	}
	return result, true, nil
}

func inflightKey(leaderboardID int64, userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("automatch:inflight:%d:%s:%s", leaderboardID, userA, userB)
}

// MarkInFlight atomically claims the pair, returning false if it is already
// claimed by a concurrent automatch pass.
func (c *Cache) MarkInFlight(ctx context.Context, leaderboardID int64, userA, userB string) (bool, error) {
	ok, err := c.client.SetNX(ctx, inflightKey(leaderboardID, userA, userB), "1", inflightTTL).Result()
	if err != nil {
		return false, fmt.Errorf("rediscache: mark in-flight: %w", err)
	}
	return ok, nil
}

// ClearInFlight releases the claim once the battle holding it has reached a
// terminal status (or the submit attempt failed, so it can be retried sooner
// than the TTL).
func (c *Cache) ClearInFlight(ctx context.Context, leaderboardID int64, userA, userB string) error {
	if err := c.client.Del(ctx, inflightKey(leaderboardID, userA, userB)).Err(); err != nil {
		return fmt.Errorf("rediscache: clear in-flight: %w", err)
	}
	return nil
}
