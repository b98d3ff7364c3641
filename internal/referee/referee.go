// Package referee runs one battle to completion: role assignment, the
// mission-round state machine, and the assassination endgame, driving seven
// sandboxed bots and emitting every event to an Observer.
package referee

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/llmclient"
	"github.com/avalon-arena/match-core/internal/models"
	"github.com/avalon-arena/match-core/internal/observer"
	"github.com/avalon-arena/match-core/internal/sandbox"
)

// errCancelled unwinds the whole call stack back to Run when the battle
// status leaves {waiting, playing} mid-game.
var errCancelled = errors.New("referee: battle status changed, unwinding")

type randSource interface {
	Shuffle(n int, swap func(i, j int))
	Intn(n int) int
}

// StatusChecker reports a battle's current externally-visible status, so
// the Referee can notice an operator cancellation between phases.
type StatusChecker interface {
	Status(battleID string) models.BattleStatus
}

// Seat is one of the seven fixed positions in a battle.
type Seat struct {
	Position int // 1..7, also the player id used throughout events
	Role     models.Role
	Bot      *sandbox.Bot
	Session  *llmclient.PlayerSession
	pos      point
}

// Referee runs a single battle end to end.
type Referee struct {
	battleID string
	seats    [models.PlayerCount]*Seat
	gateway  *llmclient.Gateway
	obs      *observer.Observer
	status   StatusChecker
	logger   *zap.SugaredLogger
	rng      randSource

	leader  int // seat index, 0-based
	attempt int // monotonic proposal-attempt counter, drives LLM quota keys
}

// New builds a Referee for battleID. bots and sessions must be indexed by
// seat 0..6 (player ids 1..7).
func New(battleID string, bots [models.PlayerCount]*sandbox.Bot, sessions [models.PlayerCount]*llmclient.PlayerSession, gateway *llmclient.Gateway, obs *observer.Observer, status StatusChecker, logger *zap.Logger, seed int64) *Referee {
	r := &Referee{
		battleID: battleID,
		gateway:  gateway,
		obs:      obs,
		status:   status,
		logger:   logger.Sugar(),
		rng:      rand.New(rand.NewSource(seed)),
	}
	for i := 0; i < models.PlayerCount; i++ {
		r.seats[i] = &Seat{Position: i + 1, Bot: bots[i], Session: sessions[i]}
	}
	return r
}

// Run plays the battle to completion and always returns a GameResult, even
// on cancellation or a bot fault.
func (r *Referee) Run(ctx context.Context) (models.GameResult, error) {
	result := models.GameResult{Roles: map[int]models.Role{}}

	err := r.play(ctx, &result)

	for _, s := range r.seats {
		result.Roles[s.Position] = s.Role
	}
	result.LogPath = r.obs.PublicPath()

	switch {
	case errors.Is(err, errCancelled):
		result.Winner = ""
		result.WinReason = models.ReasonTerminatedByStatus
		r.obs.Record(models.EventGameTerminated, result)
		return result, nil
	case err == nil:
		return result, nil
	default:
		var fault *sandbox.PlayerFault
		var setup *sandbox.SetupError
		switch {
		case errors.As(err, &fault):
			result.WinReason = models.ReasonPlayerError
		case errors.As(err, &setup):
			result.WinReason = models.ReasonSetupError
		default:
			result.WinReason = models.ReasonPlayerError
		}
		result.Error = err.Error()
		r.obs.Record(models.EventGameError, result)
		return result, err
	}
}

func (r *Referee) play(ctx context.Context, result *models.GameResult) error {
	if err := r.checkStatus(); err != nil {
		return err
	}
	if err := r.assignRoles(); err != nil {
		return err
	}
	r.obs.Record(models.EventGameStart, map[string]any{"battle_id": r.battleID})

	if err := r.night(); err != nil {
		return err
	}

	if err := r.checkStatus(); err != nil {
		return err
	}

	round := 1
	for round <= models.MissionRoundCount && result.BlueWins < models.WinsRequired && result.RedWins < models.WinsRequired {
		r.obs.Record(models.EventRoundStart, map[string]any{"round": round})

		if err := r.checkStatus(); err != nil {
			return err
		}

		success, err := r.playMissionRound(ctx, round)
		if err != nil {
			return err
		}

		if success {
			result.BlueWins++
		} else {
			result.RedWins++
		}
		result.RoundsPlayed = round
		r.obs.Record(models.EventMissionResult, map[string]any{"round": round, "success": success, "blue_wins": result.BlueWins, "red_wins": result.RedWins})
		r.obs.Record(models.EventScoreBoard, map[string]any{"blue_wins": result.BlueWins, "red_wins": result.RedWins})
		r.obs.Record(models.EventRoundEnd, map[string]any{"round": round})

		r.leader = (r.leader + 1) % models.PlayerCount
		round++
	}

	if result.RedWins >= models.WinsRequired {
		result.Winner = models.TeamRed
		result.WinReason = models.ReasonMissionsFailed
		r.finalize(result)
		return nil
	}

	// Blue reached 3 successes: assassination decides the game.
	if err := r.checkStatus(); err != nil {
		return err
	}
	success, err := r.assassinate()
	if err != nil {
		return err
	}
	if success {
		result.Winner = models.TeamRed
		result.WinReason = models.ReasonAssassinationSuccess
	} else {
		result.Winner = models.TeamBlue
		result.WinReason = models.ReasonAssassinationFailed
	}
	r.finalize(result)
	return nil
}

func (r *Referee) finalize(result *models.GameResult) {
	r.obs.Record(models.EventFinalScore, result)
	r.obs.Record(models.EventGameResult, result)
	r.obs.Record(models.EventGameEnd, map[string]any{"battle_id": r.battleID})
}

// checkStatus aborts the battle if an operator changed its status away from
// {waiting, playing}. Called at every phase boundary.
func (r *Referee) checkStatus() error {
	if r.status == nil {
		return nil
	}
	s := r.status.Status(r.battleID)
	if s.IsTerminal() {
		return errCancelled
	}
	return nil
}

// checkStatusEvery consults the status checker every third seat visited in
// a long round-robin loop, matching the spec's "every third player" cadence.
func (r *Referee) checkStatusEvery(i int) error {
	if i%3 == 2 {
		return r.checkStatus()
	}
	return nil
}

func (r *Referee) assignRoles() error {
	roles := append([]models.Role(nil), models.RoleTable...)
	r.rng.Shuffle(len(roles), func(i, j int) { roles[i], roles[j] = roles[j], roles[i] })

	for i, s := range r.seats {
		s.Role = roles[i]
	}

	positions := randomDistinctPositions(r.rng)
	for i, s := range r.seats {
		s.pos = positions[i]
	}

	r.leader = r.rng.Intn(models.PlayerCount)

	for i, s := range r.seats {
		if _, err := s.Bot.Call("set_player_index", s.Position); err != nil {
			return r.fatal(err)
		}
		if _, err := s.Bot.Call("set_role_type", string(s.Role)); err != nil {
			return r.fatal(err)
		}
		if _, err := s.Bot.Call("pass_map", models.MapSize); err != nil {
			return r.fatal(err)
		}
		r.obs.Record(models.EventRoleAssign, map[string]any{"player": s.Position, "role": string(s.Role)})
		if err := r.checkStatusEvery(i); err != nil {
			return err
		}
	}

	return r.broadcastPositions(models.EventDefaultPositions)
}

func (r *Referee) night() error {
	r.obs.Record(models.EventNightStart, nil)

	var merlinIdx, morganaIdx, assassinIdx int
	for _, s := range r.seats {
		switch s.Role {
		case models.RoleMerlin:
			merlinIdx = s.Position
		case models.RoleMorgana:
			morganaIdx = s.Position
		case models.RoleAssassin:
			assassinIdx = s.Position
		}
	}

	for i, s := range r.seats {
		var sight any
		switch s.Role {
		case models.RoleMorgana:
			sight = assassinIdx
		case models.RoleAssassin:
			sight = morganaIdx
		case models.RoleMerlin:
			reds := map[string]any{}
			for _, other := range r.seats {
				if models.TeamOf(other.Role) == models.TeamRed {
					reds[string(other.Role)] = other.Position
				}
			}
			sight = reds
		case models.RolePercival:
			pair := []int{merlinIdx, morganaIdx}
			r.rng.Shuffle(len(pair), func(a, b int) { pair[a], pair[b] = pair[b], pair[a] })
			sight = pair
		default:
			sight = nil
		}

		if _, err := s.Bot.Call("pass_role_sight", sight); err != nil {
			return r.fatal(err)
		}
		if err := r.checkStatusEvery(i); err != nil {
			return err
		}
	}

	r.obs.Record(models.EventNightEnd, nil)
	return nil
}

// fatal turns a bot-level error into an event record plus propagates it.
func (r *Referee) fatal(err error) error {
	var fault *sandbox.PlayerFault
	if errors.As(err, &fault) {
		eventType := models.EventCriticalPlayerError
		if fault.Kind == sandbox.FaultReturn {
			eventType = models.EventPlayerReturnError
		}
		r.obs.Record(eventType, models.PlayerErrorData{
			PlayerID: fault.Player,
			Method:   fault.Method,
			Message:  fault.Message,
			Trace:    fault.Trace,
		})
		return err
	}
	var setup *sandbox.SetupError
	if errors.As(err, &setup) {
		r.obs.Record(models.EventCriticalSetupError, map[string]any{"message": err.Error()})
		return err
	}
	return fmt.Errorf("referee: %w", err)
}

func (r *Referee) broadcastPositions(eventType models.EventType) error {
	positions := map[string]any{}
	for _, s := range r.seats {
		positions[fmt.Sprintf("%d", s.Position)] = []int{s.pos.X, s.pos.Y}
	}
	r.obs.Record(eventType, positions)
	for _, s := range r.seats {
		if _, err := s.Bot.Call("pass_position_data", positions); err != nil {
			return r.fatal(err)
		}
	}
	return nil
}
