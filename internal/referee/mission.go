package referee

import (
	"context"
	"fmt"

	"github.com/avalon-arena/match-core/internal/models"
	"github.com/avalon-arena/match-core/internal/sandbox"
)

// playMissionRound runs proposal/speech/movement/speech/vote cycles for one
// mission round until a team is approved or force-executed, then runs the
// execution vote. It returns whether the mission succeeded.
func (r *Referee) playMissionRound(ctx context.Context, round int) (bool, error) {
	teamSize := models.TeamSizes[round-1]

	var team []int
	for proposal := 1; ; proposal++ {
		r.attempt++
		for _, s := range r.seats {
			s.Session.SetRound(r.attempt)
			_ = s.Session.ResetRoundQuota()
		}

		r.obs.Record(models.EventLeader, map[string]any{"round": round, "proposal": proposal, "leader": r.seats[r.leader].Position})

		proposed, err := r.seats[r.leader].Bot.CallExpectIntSlice("decide_mission_member", round)
		if err != nil {
			return false, r.fatal(err)
		}
		if err := validateTeam(proposed, teamSize); err != nil {
			fault := &sandbox.PlayerFault{Kind: sandbox.FaultReturn, Player: r.seats[r.leader].Position, Method: "decide_mission_member", Message: err.Error()}
			return false, r.fatal(fault)
		}
		team = proposed
		r.obs.Record(models.EventTeamPropose, map[string]any{"round": round, "proposal": proposal, "team": team})

		if err := r.globalSpeech(round, proposal); err != nil {
			return false, err
		}
		if err := r.movement(); err != nil {
			return false, err
		}
		if err := r.limitedSpeech(); err != nil {
			return false, err
		}

		approved, err := r.publicVote(round, proposal)
		if err != nil {
			return false, err
		}

		if approved || proposal == models.MaxProposalsPerRound {
			if !approved {
				r.obs.Record(models.EventMissionForceExecute, map[string]any{"round": round, "team": team})
			} else {
				r.obs.Record(models.EventMissionApproved, map[string]any{"round": round, "team": team})
			}
			break
		}
		r.obs.Record(models.EventMissionRejected, map[string]any{"round": round, "proposal": proposal, "team": team})
		r.leader = (r.leader + 1) % models.PlayerCount
	}

	if err := r.checkStatus(); err != nil {
		return false, err
	}

	for i, s := range r.seats {
		if _, err := s.Bot.Call("pass_mission_members", round, team); err != nil {
			return false, r.fatal(err)
		}
		if err := r.checkStatusEvery(i); err != nil {
			return false, err
		}
	}

	return r.executeMission(round, team)
}

func validateTeam(team []int, size int) error {
	if len(team) != size {
		return fmt.Errorf("expected a team of %d players, got %d", size, len(team))
	}
	seen := map[int]bool{}
	for _, p := range team {
		if p < 1 || p > models.PlayerCount {
			return fmt.Errorf("player id %d out of range [1,%d]", p, models.PlayerCount)
		}
		if seen[p] {
			return fmt.Errorf("player id %d proposed more than once", p)
		}
		seen[p] = true
	}
	return nil
}

func (r *Referee) globalSpeech(round, proposal int) error {
	order := r.orderFromLeader()
	for i, idx := range order {
		s := r.seats[idx]
		speech, err := s.Bot.CallExpectString("say")
		if err != nil {
			return r.fatal(err)
		}
		r.obs.Record(models.EventPublicSpeech, map[string]any{"round": round, "proposal": proposal, "player": s.Position, "message": speech})
		for _, other := range r.seats {
			if other.Position == s.Position {
				continue
			}
			if _, err := other.Bot.Call("pass_message", s.Position, speech); err != nil {
				return r.fatal(err)
			}
		}
		if err := r.checkStatusEvery(i); err != nil {
			return err
		}
	}
	return nil
}

func (r *Referee) limitedSpeech() error {
	order := r.orderFromLeader()
	for i, idx := range order {
		s := r.seats[idx]
		speech, err := s.Bot.CallExpectString("say")
		if err != nil {
			return r.fatal(err)
		}
		radius := models.HearingRadius(s.Role)
		r.obs.Record(models.EventPrivateSpeech, map[string]any{"player": s.Position, "message": speech, "radius": radius})
		for _, other := range r.seats {
			if other.Position == s.Position {
				continue
			}
			if chebyshev(s.pos, other.pos) > radius {
				continue
			}
			if _, err := other.Bot.Call("pass_message", s.Position, speech); err != nil {
				return r.fatal(err)
			}
		}
		if err := r.checkStatusEvery(i); err != nil {
			return err
		}
	}
	return nil
}

// movement lets each bot take up to 3 steps; any out-of-bounds, occupied,
// or unrecognized step is fatal on that bot.
func (r *Referee) movement() error {
	order := r.orderFromLeader()
	for i, idx := range order {
		s := r.seats[idx]
		moves, err := s.Bot.CallExpectStringSlice("walk")
		if err != nil {
			return r.fatal(err)
		}
		if len(moves) > 3 {
			return r.fatal(&sandbox.PlayerFault{Kind: sandbox.FaultReturn, Player: s.Position, Method: "walk", Message: "returned more than 3 moves"})
		}
		for _, dir := range moves {
			next, recognized := applyMove(s.pos, dir)
			if !recognized {
				return r.fatal(&sandbox.PlayerFault{Kind: sandbox.FaultReturn, Player: s.Position, Method: "walk", Message: fmt.Sprintf("unrecognized move %q", dir)})
			}
			if !inBounds(next) || r.occupied(next) {
				return r.fatal(&sandbox.PlayerFault{Kind: sandbox.FaultReturn, Player: s.Position, Method: "walk", Message: fmt.Sprintf("illegal move %q from (%d,%d)", dir, s.pos.X, s.pos.Y)})
			}
			s.pos = next
			r.obs.Record(models.EventMove, map[string]any{"player": s.Position, "x": s.pos.X, "y": s.pos.Y})
			if err := r.broadcastPositions(models.EventPositions); err != nil {
				return err
			}
		}
		if err := r.checkStatusEvery(i); err != nil {
			return err
		}
	}
	return nil
}

func (r *Referee) occupied(p point) bool {
	for _, s := range r.seats {
		if s.pos == p {
			return true
		}
	}
	return false
}

// publicVote runs mission_vote1 on every seat and returns whether a simple
// majority approved the proposed team.
func (r *Referee) publicVote(round, proposal int) (bool, error) {
	approvals := 0
	votes := map[int]bool{}
	for i, s := range r.seats {
		vote, err := s.Bot.CallExpectBool("mission_vote1")
		if err != nil {
			return false, r.fatal(err)
		}
		votes[s.Position] = vote
		if vote {
			approvals++
		}
		if err := r.checkStatusEvery(i); err != nil {
			return false, err
		}
	}
	r.obs.Record(models.EventPublicVote, map[string]any{"round": round, "proposal": proposal, "votes": votes})
	approved := approvals*2 > models.PlayerCount
	r.obs.Record(models.EventPublicVoteResult, map[string]any{"round": round, "proposal": proposal, "approved": approved, "approvals": approvals})
	return approved, nil
}

// executeMission runs mission_vote2 on the team members only and applies
// the round's Fail threshold.
func (r *Referee) executeMission(round int, team []int) (bool, error) {
	fails := 0
	votes := map[int]bool{}
	for _, pos := range team {
		s := r.seats[pos-1]
		approve, err := s.Bot.CallExpectBool("mission_vote2")
		if err != nil {
			return false, r.fatal(err)
		}
		if models.TeamOf(s.Role) == models.TeamBlue && !approve {
			return false, r.fatal(&sandbox.PlayerFault{Kind: sandbox.FaultReturn, Player: s.Position, Method: "mission_vote2", Message: "blue player voted Fail"})
		}
		votes[s.Position] = approve
		if !approve {
			fails++
		}
	}
	r.obs.Record(models.EventMissionVote, map[string]any{"round": round, "votes": votes, "fails": fails})

	threshold := 1
	if models.TwoFailsRequired(round) {
		threshold = 2
	}
	return fails < threshold, nil
}

// orderFromLeader returns seat indices in leader-first round-robin order.
func (r *Referee) orderFromLeader() []int {
	order := make([]int, 0, models.PlayerCount)
	for i := 0; i < models.PlayerCount; i++ {
		order = append(order, (r.leader+i)%models.PlayerCount)
	}
	return order
}
