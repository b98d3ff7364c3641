// Package mysqlmirror best-effort dual-writes finished BattlePlayer rows
// into a MySQL schema kept around for a legacy reporting stack. A mirror
// write failure is logged and never blocks or rolls back the primary path.
package mysqlmirror

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/models"
)

// Mirror implements rating.LegacyMirror.
type Mirror struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// New opens dsn. A connection failure here is non-fatal to the caller in
// the sense that the Mirror still answers writes (they will simply fail
// and be logged); construction still reports setup errors so misconfigured
// DSNs surface at startup rather than on the first finished battle.
func New(dsn string, logger *zap.Logger) (*Mirror, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return &Mirror{db: db, logger: logger.Sugar()}, nil
}

// Close closes the underlying connection pool.
func (m *Mirror) Close() error { return m.db.Close() }

// MirrorBattlePlayers writes players to the legacy schema. Failures are
// logged and swallowed; this path must never affect the primary result.
func (m *Mirror) MirrorBattlePlayers(battleID string, leaderboardID int64, players []models.BattlePlayer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, p := range players {
		outcome := ""
		if p.Outcome != nil {
			outcome = string(*p.Outcome)
		}
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO legacy_battle_players (battle_id, leaderboard_id, user_id, ai_code_id, position, outcome, initial_elo, elo_change)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE outcome = VALUES(outcome), initial_elo = VALUES(initial_elo), elo_change = VALUES(elo_change)`,
			battleID, leaderboardID, p.UserID, p.AICodeID, p.Position, outcome, p.InitialElo, p.EloChange)
		if err != nil {
			m.logger.Warnw("legacy mirror write failed", "battle_id", battleID, "position", p.Position, "error", err)
		}
	}
}
