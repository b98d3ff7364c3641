// Package postgres implements store.BattleStore against Postgres via pgx,
// the product's primary datastore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avalon-arena/match-core/internal/models"
)

// Store is a pgxpool-backed store.BattleStore.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and verifies it with a ping.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.pool.Close() }

// Ping satisfies the ops package's healthz connectivity check.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// EligibleBots lists the (user, active ai code) pairs the Automatch
// Scheduler may sample for leaderboardID: an active AI code owned by a user
// who already has a game_stats row there.
func (s *Store) EligibleBots(ctx context.Context, leaderboardID int64) ([]models.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT gs.user_id, ac.id
		FROM game_stats gs
		JOIN ai_codes ac ON ac.owner_id = gs.user_id AND ac.active = true
		WHERE gs.leaderboard_id = $1`, leaderboardID)
	if err != nil {
		return nil, fmt.Errorf("postgres: eligible bots: %w", err)
	}
	defer rows.Close()

	var bots []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.AICodeID); err != nil {
			return nil, fmt.Errorf("postgres: scan eligible bot: %w", err)
		}
		bots = append(bots, p)
	}
	return bots, rows.Err()
}

func (s *Store) CreateBattle(ctx context.Context, b models.Battle, participants []models.Participant) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO battles (id, status, leaderboard_id, elo_exempt, battle_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Status, b.LeaderboardID, b.EloExempt, b.BattleType, b.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert battle: %w", err)
	}

	for _, p := range participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO battle_players (battle_id, user_id, ai_code_id, position)
			VALUES ($1, $2, $3, $4)`,
			b.ID, p.UserID, p.AICodeID, p.Position)
		if err != nil {
			return fmt.Errorf("postgres: insert battle player %d: %w", p.Position, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *Store) SetStatus(ctx context.Context, battleID string, status models.BattleStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE battles SET status = $1 WHERE id = $2`, status, battleID)
	if err != nil {
		return fmt.Errorf("postgres: set status: %w", err)
	}
	return nil
}

func (s *Store) Status(ctx context.Context, battleID string) (models.BattleStatus, error) {
	var status models.BattleStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM battles WHERE id = $1`, battleID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("postgres: battle %s not found", battleID)
	}
	if err != nil {
		return "", fmt.Errorf("postgres: status: %w", err)
	}
	return status, nil
}

func (s *Store) SetResult(ctx context.Context, battleID string, result models.GameResult, status models.BattleStatus) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("postgres: marshal result: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE battles SET status = $1, result = $2, ended_at = now(), log_artifact = $3
		WHERE id = $4`,
		status, data, result.LogPath, battleID)
	if err != nil {
		return fmt.Errorf("postgres: set result: %w", err)
	}
	return nil
}

func (s *Store) Battle(ctx context.Context, battleID string) (models.Battle, []models.Participant, error) {
	var b models.Battle
	var resultData []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, status, leaderboard_id, elo_exempt, battle_type, created_at, result
		FROM battles WHERE id = $1`, battleID).
		Scan(&b.ID, &b.Status, &b.LeaderboardID, &b.EloExempt, &b.BattleType, &b.CreatedAt, &resultData)
	if err != nil {
		return models.Battle{}, nil, fmt.Errorf("postgres: load battle: %w", err)
	}
	if len(resultData) > 0 {
		var result models.GameResult
		if err := json.Unmarshal(resultData, &result); err == nil {
			b.Result = &result
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT user_id, ai_code_id, position FROM battle_players WHERE battle_id = $1 ORDER BY position`, battleID)
	if err != nil {
		return models.Battle{}, nil, fmt.Errorf("postgres: load participants: %w", err)
	}
	defer rows.Close()

	var participants []models.Participant
	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.UserID, &p.AICodeID, &p.Position); err != nil {
			return models.Battle{}, nil, fmt.Errorf("postgres: scan participant: %w", err)
		}
		participants = append(participants, p)
	}
	return b, participants, rows.Err()
}

func (s *Store) GetStats(ctx context.Context, leaderboardID int64, userID string) (models.GameStats, error) {
	stats := models.GameStats{UserID: userID, LeaderboardID: leaderboardID, Elo: models.DefaultElo}
	err := s.pool.QueryRow(ctx, `
		SELECT elo, games_played, wins, losses, draws
		FROM game_stats WHERE leaderboard_id = $1 AND user_id = $2`,
		leaderboardID, userID).
		Scan(&stats.Elo, &stats.GamesPlayed, &stats.Wins, &stats.Losses, &stats.Draws)
	if errors.Is(err, pgx.ErrNoRows) {
		return stats, nil // fresh player: default ELO, zeroed record
	}
	if err != nil {
		return models.GameStats{}, fmt.Errorf("postgres: get stats: %w", err)
	}
	return stats, nil
}

func (s *Store) SaveStats(ctx context.Context, stats models.GameStats) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO game_stats (leaderboard_id, user_id, elo, games_played, wins, losses, draws)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (leaderboard_id, user_id) DO UPDATE SET
			elo = EXCLUDED.elo, games_played = EXCLUDED.games_played,
			wins = EXCLUDED.wins, losses = EXCLUDED.losses, draws = EXCLUDED.draws`,
		stats.LeaderboardID, stats.UserID, stats.Elo, stats.GamesPlayed, stats.Wins, stats.Losses, stats.Draws)
	if err != nil {
		return fmt.Errorf("postgres: save stats: %w", err)
	}
	return nil
}

func (s *Store) IsProcessed(ctx context.Context, battleID string) (bool, error) {
	var processed bool
	err := s.pool.QueryRow(ctx, `SELECT rating_processed FROM battles WHERE id = $1`, battleID).Scan(&processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: is processed: %w", err)
	}
	return processed, nil
}

func (s *Store) MarkProcessed(ctx context.Context, battleID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE battles SET rating_processed = true WHERE id = $1`, battleID)
	if err != nil {
		return fmt.Errorf("postgres: mark processed: %w", err)
	}
	return nil
}

func (s *Store) SaveBattlePlayers(ctx context.Context, battleID string, players []models.BattlePlayer) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, p := range players {
		_, err := tx.Exec(ctx, `
			UPDATE battle_players SET outcome = $1, initial_elo = $2, elo_change = $3
			WHERE battle_id = $4 AND position = $5`,
			p.Outcome, p.InitialElo, p.EloChange, battleID, p.Position)
		if err != nil {
			return fmt.Errorf("postgres: save battle player %d: %w", p.Position, err)
		}
	}
	return tx.Commit(ctx)
}
