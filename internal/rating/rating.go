// Package rating turns a finished battle's result and event log into ELO
// mutations and per-seat outcomes, including the error-attribution penalty
// path and a best-effort legacy mirror of the same rows.
package rating

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/models"
)

const (
	errorBasePenalty        = 30.0
	errorTeamDiffFraction   = 0.10
	criticalPlayerErrorMult = 1.5
	playerReturnErrorMult   = 1.2
	penaltyClampMin         = 20.0
	penaltyClampMax         = 100.0
	kFactor                 = 100.0
	defaultMaxTokenAllowed  = 3000
)

var methodSurcharge = map[string]float64{
	"walk":                  10,
	"decide_mission_member": 15,
	"mission_vote2":         20,
}

// StatsStore is the subset of the Battle Store the Rating Processor needs:
// per-(leaderboard, user) ELO rows, plus idempotency bookkeeping.
type StatsStore interface {
	GetStats(ctx context.Context, leaderboardID int64, userID string) (models.GameStats, error)
	SaveStats(ctx context.Context, stats models.GameStats) error
	IsProcessed(ctx context.Context, battleID string) (bool, error)
	MarkProcessed(ctx context.Context, battleID string) error
	SaveBattlePlayers(ctx context.Context, battleID string, players []models.BattlePlayer) error
}

// LegacyMirror is a best-effort dual write of the same rows to a secondary
// store; failures are logged, never propagated.
type LegacyMirror interface {
	MirrorBattlePlayers(battleID string, leaderboardID int64, players []models.BattlePlayer)
}

// Processor computes and persists the rating effects of one finished battle.
type Processor struct {
	store           StatsStore
	mirror          LegacyMirror
	logger          *zap.SugaredLogger
	maxTokenAllowed int
}

// New builds a Processor. maxTokenAllowed <= 0 defaults to 3000.
func New(store StatsStore, mirror LegacyMirror, maxTokenAllowed int, logger *zap.Logger) *Processor {
	if maxTokenAllowed <= 0 {
		maxTokenAllowed = defaultMaxTokenAllowed
	}
	return &Processor{store: store, mirror: mirror, logger: logger.Sugar(), maxTokenAllowed: maxTokenAllowed}
}

// Process applies battle to leaderboardID's ratings and returns the
// resulting BattlePlayer rows. A nil, nil return means the battle was
// already processed.
func (p *Processor) Process(ctx context.Context, battleID string, leaderboardID int64, eloExempt bool, participants []models.Participant, result models.GameResult, events []models.Event) ([]models.BattlePlayer, error) {
	processed, err := p.store.IsProcessed(ctx, battleID)
	if err != nil {
		return nil, fmt.Errorf("rating: check idempotency: %w", err)
	}
	if processed {
		return nil, nil
	}

	var players []models.BattlePlayer
	switch {
	case result.WinReason == models.ReasonTerminatedByStatus:
		players = p.cancelledPath(participants)
	case eloExempt || leaderboardID == 0:
		players, err = p.exemptPath(ctx, participants, result)
	case result.WinReason == models.ReasonSetupError || result.Error != "" && findOffense(events) == nil:
		players = p.cancelledPath(participants) // non-attributable setup failure: nobody is penalized
	case result.Error != "":
		players, err = p.errorPath(ctx, leaderboardID, participants, result, events)
	default:
		players, err = p.normalPath(ctx, leaderboardID, participants, result, events)
	}
	if err != nil {
		return nil, err
	}

	if err := p.store.SaveBattlePlayers(ctx, battleID, players); err != nil {
		return nil, fmt.Errorf("rating: save battle players: %w", err)
	}
	if err := p.store.MarkProcessed(ctx, battleID); err != nil {
		return nil, fmt.Errorf("rating: mark processed: %w", err)
	}
	if p.mirror != nil {
		p.mirror.MirrorBattlePlayers(battleID, leaderboardID, players)
	}
	return players, nil
}

func (p *Processor) cancelledPath(participants []models.Participant) []models.BattlePlayer {
	out := make([]models.BattlePlayer, 0, len(participants))
	for _, pa := range participants {
		outcome := models.OutcomeCancelled
		out = append(out, models.BattlePlayer{
			UserID: pa.UserID, AICodeID: pa.AICodeID, Position: pa.Position,
			Outcome: &outcome, EloChange: 0,
		})
	}
	return out
}

func (p *Processor) exemptPath(ctx context.Context, participants []models.Participant, result models.GameResult) ([]models.BattlePlayer, error) {
	out := make([]models.BattlePlayer, 0, len(participants))
	for _, pa := range participants {
		role := result.Roles[pa.Position]
		outcome := models.OutcomeLoss
		if models.TeamOf(role) == result.Winner {
			outcome = models.OutcomeWin
		}
		out = append(out, models.BattlePlayer{
			UserID: pa.UserID, AICodeID: pa.AICodeID, Position: pa.Position,
			Outcome: &outcome, EloChange: 0,
		})
	}
	return out, nil
}

func (p *Processor) normalPath(ctx context.Context, leaderboardID int64, participants []models.Participant, result models.GameResult, events []models.Event) ([]models.BattlePlayer, error) {
	stats, err := p.loadStats(ctx, leaderboardID, participants)
	if err != nil {
		return nil, err
	}

	blueElos, redElos := teamElos(participants, result.Roles, stats)
	blueMean, redMean := harmonicMean(blueElos), harmonicMean(redElos)
	tokens := extractTokens(events)
	meanTokenUnit := meanTokenUnit(participants, tokens)

	out := make([]models.BattlePlayer, 0, len(participants))
	for _, pa := range participants {
		role := result.Roles[pa.Position]
		team := models.TeamOf(role)
		st := stats[pa.UserID]

		ownMean, oppMean := blueMean, redMean
		if team == models.TeamRed {
			ownMean, oppMean = redMean, blueMean
		}

		actual := 0.0
		outcome := models.OutcomeLoss
		if team == result.Winner {
			actual = 1.0
			outcome = models.OutcomeWin
		}

		proportion := tokenProportion(tokens[pa.Position], meanTokenUnit, p.maxTokenAllowed)
		m := tokenMultiplier(proportion)
		expected := expectedScore(ownMean, oppMean)
		delta := kFactor * (actual - minF(1, expected*m))

		initialElo := st.Elo
		newElo := floorElo(st.Elo + round(delta))
		st.Elo = newElo
		st.GamesPlayed++
		if outcome == models.OutcomeWin {
			st.Wins++
		} else {
			st.Losses++
		}
		if err := p.store.SaveStats(ctx, st); err != nil {
			return nil, fmt.Errorf("rating: save stats for %s: %w", pa.UserID, err)
		}

		out = append(out, models.BattlePlayer{
			UserID: pa.UserID, AICodeID: pa.AICodeID, Position: pa.Position,
			InitialElo: initialElo, EloChange: newElo - initialElo, Outcome: &outcome,
		})
	}
	return out, nil
}

func (p *Processor) errorPath(ctx context.Context, leaderboardID int64, participants []models.Participant, result models.GameResult, events []models.Event) ([]models.BattlePlayer, error) {
	off := findOffense(events)
	if off == nil {
		return p.cancelledPath(participants), nil
	}

	stats, err := p.loadStats(ctx, leaderboardID, participants)
	if err != nil {
		return nil, err
	}
	blueElos, redElos := teamElos(participants, result.Roles, stats)
	teamDiff := arithmeticMean(blueElos) - arithmeticMean(redElos)
	if teamDiff < 0 {
		teamDiff = -teamDiff
	}

	mult := playerReturnErrorMult
	if eventKind(events, off.Player) == models.EventCriticalPlayerError {
		mult = criticalPlayerErrorMult
	}
	surcharge := methodSurcharge[off.Method]
	reduction := clamp((errorBasePenalty+errorTeamDiffFraction*teamDiff)*mult+surcharge, penaltyClampMin, penaltyClampMax)

	out := make([]models.BattlePlayer, 0, len(participants))
	for _, pa := range participants {
		st := stats[pa.UserID]
		st.GamesPlayed++

		if pa.Position == off.Player {
			initialElo := st.Elo
			st.Elo = floorElo(st.Elo - round(reduction))
			st.Losses++
			outcome := models.OutcomeLoss
			if err := p.store.SaveStats(ctx, st); err != nil {
				return nil, fmt.Errorf("rating: save stats for %s: %w", pa.UserID, err)
			}
			out = append(out, models.BattlePlayer{
				UserID: pa.UserID, AICodeID: pa.AICodeID, Position: pa.Position,
				InitialElo: initialElo, EloChange: st.Elo - initialElo, Outcome: &outcome,
			})
			continue
		}

		st.Draws++
		outcome := models.OutcomeDraw
		if err := p.store.SaveStats(ctx, st); err != nil {
			return nil, fmt.Errorf("rating: save stats for %s: %w", pa.UserID, err)
		}
		out = append(out, models.BattlePlayer{
			UserID: pa.UserID, AICodeID: pa.AICodeID, Position: pa.Position,
			InitialElo: st.Elo, EloChange: 0, Outcome: &outcome,
		})
	}
	return out, nil
}

func (p *Processor) loadStats(ctx context.Context, leaderboardID int64, participants []models.Participant) (map[string]models.GameStats, error) {
	out := make(map[string]models.GameStats, len(participants))
	for _, pa := range participants {
		st, err := p.store.GetStats(ctx, leaderboardID, pa.UserID)
		if err != nil {
			return nil, fmt.Errorf("rating: load stats for %s: %w", pa.UserID, err)
		}
		out[pa.UserID] = st
	}
	return out, nil
}

func teamElos(participants []models.Participant, roles map[int]models.Role, stats map[string]models.GameStats) (blue, red []int) {
	for _, pa := range participants {
		elo := stats[pa.UserID].Elo
		if models.TeamOf(roles[pa.Position]) == models.TeamBlue {
			blue = append(blue, elo)
		} else {
			red = append(red, elo)
		}
	}
	return blue, red
}

func meanTokenUnit(participants []models.Participant, tokens map[int]models.PlayerTokens) float64 {
	if len(tokens) == 0 {
		return 0
	}
	var sum float64
	for _, pa := range participants {
		t := tokens[pa.Position]
		sum += (float64(t.Input) + 3*float64(t.Output)) / 4
	}
	return sum / float64(len(participants))
}

func tokenProportion(t models.PlayerTokens, meanUnit float64, maxAllowed int) float64 {
	numerator := (float64(t.Input) + 3*float64(t.Output)) / 4
	denom := float64(maxAllowed)
	if meanUnit > denom {
		denom = meanUnit
	}
	if denom == 0 {
		return 0
	}
	return numerator / denom
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
