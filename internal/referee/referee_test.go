package referee

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/llmclient"
	"github.com/avalon-arena/match-core/internal/models"
	"github.com/avalon-arena/match-core/internal/observer"
	"github.com/avalon-arena/match-core/internal/sandbox"
)

// teamSizeTable mirrors models.TeamSizes for use inside test bot scripts.
const teamSizeTable = `
_SIZES = {1: 2, 2: 3, 3: 3, 4: 4, 5: 4}

def _team(round):
    n = _SIZES[round]
    return list(range(1, n + 1))
`

// alwaysApproveBot approves every proposal and every mission, never fails,
// never walks anywhere: a pure "blue sweep" happy path.
const alwaysApproveBot = teamSizeTable + `
def set_player_index(i):
    pass

def set_role_type(role):
    pass

def pass_role_sight(sight):
    pass

def pass_map(size):
    pass

def pass_position_data(positions):
    pass

def pass_message(player, message):
    pass

def pass_mission_members(round, team):
    pass

def decide_mission_member(round):
    return _team(round)

def walk():
    return []

def say():
    return "hello"

def mission_vote1():
    return True

def mission_vote2():
    return True

def assass():
    return 1
`

// roleAwareFailBot approves proposals but has every Red-team seat fail
// every mission it is sent on. Its team picks are fixed per round (not
// derived from the proposer's seat) so the scenario is reproducible against
// a deterministic role assignment: see fixedRand in referee_test.go.
const roleAwareFailBot = `
_TEAMS = {1: [1, 2], 2: [3, 4, 5], 3: [5, 6, 7], 4: [4, 5, 6, 7], 5: [1, 2, 3, 4]}
_state = {"role": ""}

def set_player_index(i):
    pass

def set_role_type(role):
    _state["role"] = role

def pass_role_sight(sight):
    pass

def pass_map(size):
    pass

def pass_position_data(positions):
    pass

def pass_message(player, message):
    pass

def pass_mission_members(round, team):
    pass

def decide_mission_member(round):
    return _TEAMS[round]

def walk():
    return []

def say():
    return ""

def mission_vote1():
    return True

def mission_vote2():
    return _state["role"] not in ("Morgana", "Assassin", "Oberon")

def assass():
    return 1
`

// alwaysRejectBot rejects every proposal, forcing the 5th ballot through by
// the referee's own MaxProposalsPerRound rule, then always succeeds.
const alwaysRejectBot = teamSizeTable + `
def set_player_index(i):
    pass

def set_role_type(role):
    pass

def pass_role_sight(sight):
    pass

def pass_map(size):
    pass

def pass_position_data(positions):
    pass

def pass_message(player, message):
    pass

def pass_mission_members(round, team):
    pass

def decide_mission_member(round):
    return _team(round)

def walk():
    return []

def say():
    return ""

def mission_vote1():
    return False

def mission_vote2():
    return True

def assass():
    return 1
`

// walkOffGridBot plays an ordinary happy path except every seat tries to
// step "up", which leaves the grid from row 0: a fatal bot fault rather than
// an engine crash.
const walkOffGridBot = teamSizeTable + `
def set_player_index(i):
    pass

def set_role_type(role):
    pass

def pass_role_sight(sight):
    pass

def pass_map(size):
    pass

def pass_position_data(positions):
    pass

def pass_message(player, message):
    pass

def pass_mission_members(round, team):
    pass

def decide_mission_member(round):
    return _team(round)

def walk():
    return ["up"]

def say():
    return ""

def mission_vote1():
    return True

def mission_vote2():
    return True

def assass():
    return 1
`

type fixedStatus struct {
	status models.BattleStatus
}

func (f *fixedStatus) Status(battleID string) models.BattleStatus { return f.status }

// cancelAfterStatus reports playing for the first n status checks and
// cancelled from then on, so the cancellation lands while the game runs.
type cancelAfterStatus struct {
	n, calls int
}

func (c *cancelAfterStatus) Status(battleID string) models.BattleStatus {
	c.calls++
	if c.calls > c.n {
		return models.BattleCancelled
	}
	return models.BattlePlaying
}

// fixedRand is a no-op randSource: Shuffle never swaps (so models.RoleTable
// lands on seats in its declared order) and Intn always picks the first
// candidate (seat 0 leads first). Used where a test needs to know exactly
// which seat holds which role.
type fixedRand struct{}

func (fixedRand) Shuffle(n int, swap func(i, j int)) {}
func (fixedRand) Intn(n int) int                     { return 0 }

// buildReferee loads the same bot source into all seven seats and assembles
// a Referee ready to Run.
func buildReferee(t *testing.T, source string, status StatusChecker, seed int64) *Referee {
	t.Helper()
	dataDir := t.TempDir()
	battleID := "test-battle"
	logger := zap.NewNop()

	host := sandbox.NewHost(dataDir, 5*time.Second, logger)
	botPath := writeBotSource(t, source)

	gateway := llmclient.NewGateway(llmclient.NewPool(nil, time.Minute, logger), time.Second, 1, 10, logger)

	obs, err := observer.New(battleID, dataDir, nil, logger)
	if err != nil {
		t.Fatalf("observer.New: %v", err)
	}

	var bots [models.PlayerCount]*sandbox.Bot
	var sessions [models.PlayerCount]*llmclient.PlayerSession
	for i := 0; i < models.PlayerCount; i++ {
		player := i + 1
		askLLM := func(prompt string) (string, error) { return "", nil }
		bot, err := host.LoadBot(battleID, player, botPath, askLLM)
		if err != nil {
			t.Fatalf("LoadBot player %d: %v", player, err)
		}
		bots[i] = bot

		log, err := observer.NewPrivateLog(dataDir, battleID, player)
		if err != nil {
			t.Fatalf("NewPrivateLog player %d: %v", player, err)
		}
		sessions[i] = llmclient.NewPlayerSession(battleID, player, log)
	}

	return New(battleID, bots, sessions, gateway, obs, status, logger, seed)
}

func writeBotSource(t *testing.T, source string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot.star")
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		t.Fatalf("write bot source: %v", err)
	}
	return path
}

func TestHappyPathBlueSweep(t *testing.T) {
	r := buildReferee(t, alwaysApproveBot, &fixedStatus{status: models.BattlePlaying}, 1)

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected result error: %s", result.Error)
	}
	if result.BlueWins != models.WinsRequired || result.RedWins != 0 {
		t.Fatalf("expected a clean blue sweep, got blue=%d red=%d", result.BlueWins, result.RedWins)
	}
	if result.RoundsPlayed != models.WinsRequired {
		t.Fatalf("expected exactly %d rounds played, got %d", models.WinsRequired, result.RoundsPlayed)
	}
	if result.Winner != models.TeamBlue && result.Winner != models.TeamRed {
		t.Fatalf("expected a decided winner via assassination, got %q", result.Winner)
	}
	if len(result.Roles) != models.PlayerCount {
		t.Fatalf("expected all %d roles recorded, got %d", models.PlayerCount, len(result.Roles))
	}
}

func TestRedWinsByMissionFailures(t *testing.T) {
	r := buildReferee(t, roleAwareFailBot, &fixedStatus{status: models.BattlePlaying}, 0)
	r.rng = fixedRand{} // pins role assignment to models.RoleTable's declared order

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Winner != models.TeamRed || result.WinReason != models.ReasonMissionsFailed {
		t.Fatalf("expected red to win by mission failures, got winner=%q reason=%q", result.Winner, result.WinReason)
	}
	if result.RedWins != models.WinsRequired {
		t.Fatalf("expected red to reach %d wins, got %d", models.WinsRequired, result.RedWins)
	}
	if result.RoundsPlayed != 4 {
		t.Fatalf("expected the fixed team schedule to decide it by round 4, got %d", result.RoundsPlayed)
	}
}

func TestForcedExecutionAfterRejections(t *testing.T) {
	r := buildReferee(t, alwaysRejectBot, &fixedStatus{status: models.BattlePlaying}, 3)

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected result error: %s", result.Error)
	}
	// Every proposal is rejected, the 5th included, and the 5th is then
	// executed anyway, so the whole game still completes rather than stalling.
	if result.BlueWins+result.RedWins == 0 {
		t.Fatalf("expected at least one mission to resolve via forced execution")
	}
}

func TestFatalOutOfBoundsMoveEndsGameInError(t *testing.T) {
	r := buildReferee(t, walkOffGridBot, &fixedStatus{status: models.BattlePlaying}, 4)
	r.rng = fixedRand{} // seat 1 starts at (0,0) and leads, so its "up" leaves the grid

	result, err := r.Run(context.Background())
	if err == nil {
		t.Fatalf("expected an error from an out-of-bounds move, got nil")
	}
	if result.WinReason != models.ReasonPlayerError {
		t.Fatalf("expected player_error win reason, got %q", result.WinReason)
	}
	if result.Error == "" {
		t.Fatalf("expected result.Error to carry the fault message")
	}
}

func TestMidFlightCancellation(t *testing.T) {
	// The first three status checks see playing, so the cancellation is
	// observed after the game has started.
	r := buildReferee(t, alwaysApproveBot, &cancelAfterStatus{n: 3}, 5)

	result, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.WinReason != models.ReasonTerminatedByStatus {
		t.Fatalf("expected termination by status, got %q", result.WinReason)
	}
	if result.Winner != "" {
		t.Fatalf("expected no winner on cancellation, got %q", result.Winner)
	}
}
