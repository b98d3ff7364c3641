// Package store defines the external-interface contracts the Battle
// Manager and Rating Processor run against, and the adapters that bind
// them to Postgres, MySQL, and Redis.
package store

import (
	"context"

	"github.com/avalon-arena/match-core/internal/models"
)

// BattleStore is the authoritative record of battles and their seats. It is
// backed by Postgres via pgx, the product's primary datastore.
type BattleStore interface {
	CreateBattle(ctx context.Context, b models.Battle, participants []models.Participant) error
	SetStatus(ctx context.Context, battleID string, status models.BattleStatus) error
	Status(ctx context.Context, battleID string) (models.BattleStatus, error)
	SetResult(ctx context.Context, battleID string, result models.GameResult, status models.BattleStatus) error
	Battle(ctx context.Context, battleID string) (models.Battle, []models.Participant, error)

	GetStats(ctx context.Context, leaderboardID int64, userID string) (models.GameStats, error)
	SaveStats(ctx context.Context, stats models.GameStats) error
	IsProcessed(ctx context.Context, battleID string) (bool, error)
	MarkProcessed(ctx context.Context, battleID string) error
	SaveBattlePlayers(ctx context.Context, battleID string, players []models.BattlePlayer) error
}

// AICodeResolver looks up the on-disk source path for a player's active bot
// submission. It is deliberately a distinct service boundary from
// BattleStore — a separate driver (database/sql + lib/pq) against what in
// the full product is a separate "AI code" microservice's database.
type AICodeResolver interface {
	Resolve(ctx context.Context, aiCodeID string) (models.AICode, error)
}

// LegacyStatsMirror best-effort dual-writes BattlePlayer rows to a MySQL
// mirror kept for a reporting stack that still reads the legacy schema.
type LegacyStatsMirror interface {
	MirrorBattlePlayers(battleID string, leaderboardID int64, players []models.BattlePlayer)
}

// Cache is the Redis-backed status/result cache the Battle Manager
// consults ahead of the authoritative store, and the in-flight set the
// Automatch Scheduler uses to avoid double-submitting a leaderboard pair.
type Cache interface {
	SetStatus(ctx context.Context, battleID string, status models.BattleStatus) error
	Status(ctx context.Context, battleID string) (models.BattleStatus, bool, error)
	SetResult(ctx context.Context, battleID string, result models.GameResult) error
	Result(ctx context.Context, battleID string) (models.GameResult, bool, error)

	MarkInFlight(ctx context.Context, leaderboardID int64, userA, userB string) (bool, error)
	ClearInFlight(ctx context.Context, leaderboardID int64, userA, userB string) error
}
