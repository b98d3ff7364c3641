package referee

import (
	"fmt"

	"github.com/avalon-arena/match-core/internal/models"
	"github.com/avalon-arena/match-core/internal/sandbox"
)

// assassinate finds the Assassin's seat and runs the endgame call. It
// returns true if red wins (the target is Merlin).
func (r *Referee) assassinate() (bool, error) {
	var assassin, merlin *Seat
	for _, s := range r.seats {
		switch s.Role {
		case models.RoleAssassin:
			assassin = s
		case models.RoleMerlin:
			merlin = s
		}
	}
	if assassin == nil {
		return false, r.fatal(&sandbox.SetupError{Cause: fmt.Errorf("no Assassin seated")})
	}

	target, err := assassin.Bot.CallExpectInt("assass")
	if err != nil {
		return false, r.fatal(err)
	}
	if target < 1 || target > models.PlayerCount || target == assassin.Position {
		return false, r.fatal(&sandbox.PlayerFault{Kind: sandbox.FaultReturn, Player: assassin.Position, Method: "assass", Message: fmt.Sprintf("invalid target %d", target)})
	}

	r.obs.Record(models.EventAssass, map[string]any{"assassin": assassin.Position, "target": target})
	return target == merlin.Position, nil
}
