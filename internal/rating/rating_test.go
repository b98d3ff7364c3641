package rating

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/models"
)

type fakeStore struct {
	stats     map[string]models.GameStats
	processed map[string]bool
	saved     []models.BattlePlayer
}

func newFakeStore() *fakeStore {
	return &fakeStore{stats: map[string]models.GameStats{}, processed: map[string]bool{}}
}

func (f *fakeStore) GetStats(ctx context.Context, leaderboardID int64, userID string) (models.GameStats, error) {
	if st, ok := f.stats[userID]; ok {
		return st, nil
	}
	return models.GameStats{UserID: userID, LeaderboardID: leaderboardID, Elo: models.DefaultElo}, nil
}

func (f *fakeStore) SaveStats(ctx context.Context, stats models.GameStats) error {
	f.stats[stats.UserID] = stats
	return nil
}

func (f *fakeStore) IsProcessed(ctx context.Context, battleID string) (bool, error) {
	return f.processed[battleID], nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, battleID string) error {
	f.processed[battleID] = true
	return nil
}

func (f *fakeStore) SaveBattlePlayers(ctx context.Context, battleID string, players []models.BattlePlayer) error {
	f.saved = append(f.saved, players...)
	return nil
}

type fakeMirror struct {
	calls int
}

func (f *fakeMirror) MirrorBattlePlayers(battleID string, leaderboardID int64, players []models.BattlePlayer) {
	f.calls++
}

func sevenParticipants() []models.Participant {
	out := make([]models.Participant, models.PlayerCount)
	for i := range out {
		out[i] = models.Participant{UserID: userID(i + 1), AICodeID: "ai-" + userID(i+1), Position: i + 1}
	}
	return out
}

func userID(position int) string {
	return "user-" + string(rune('0'+position))
}

func blueSweepRoles() map[int]models.Role {
	roles := map[int]models.Role{}
	for i, r := range models.RoleTable {
		roles[i+1] = r
	}
	return roles
}

func TestProcessIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.processed["battle-1"] = true
	p := New(store, nil, 0, zap.NewNop())

	players, err := p.Process(context.Background(), "battle-1", 1, false, sevenParticipants(), models.GameResult{}, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if players != nil {
		t.Fatalf("expected nil players for an already-processed battle, got %v", players)
	}
}

func TestProcessCancelledPathZeroesEloChange(t *testing.T) {
	store := newFakeStore()
	p := New(store, nil, 0, zap.NewNop())

	result := models.GameResult{WinReason: models.ReasonTerminatedByStatus, Roles: blueSweepRoles()}
	players, err := p.Process(context.Background(), "battle-2", 1, false, sevenParticipants(), result, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, pl := range players {
		if pl.EloChange != 0 || *pl.Outcome != models.OutcomeCancelled {
			t.Fatalf("expected zero elo change and cancelled outcome, got %+v", pl)
		}
	}
}

func TestProcessEloExemptSkipsRating(t *testing.T) {
	store := newFakeStore()
	p := New(store, nil, 0, zap.NewNop())

	result := models.GameResult{Winner: models.TeamBlue, WinReason: models.ReasonMissionsFailed, Roles: blueSweepRoles()}
	players, err := p.Process(context.Background(), "battle-3", 1, true, sevenParticipants(), result, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, pl := range players {
		if pl.EloChange != 0 {
			t.Fatalf("expected no elo change for an exempt battle, got %+v", pl)
		}
	}
	if len(store.stats) != 0 {
		t.Fatalf("expected no stats rows saved for an exempt battle, got %d", len(store.stats))
	}
}

func TestProcessNormalPathWinnerGainsLoserLoses(t *testing.T) {
	store := newFakeStore()
	mirror := &fakeMirror{}
	p := New(store, mirror, 0, zap.NewNop())

	result := models.GameResult{Winner: models.TeamBlue, WinReason: models.ReasonMissionsFailed, Roles: blueSweepRoles()}
	players, err := p.Process(context.Background(), "battle-4", 1, false, sevenParticipants(), result, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if mirror.calls != 1 {
		t.Fatalf("expected the legacy mirror to be invoked once, got %d", mirror.calls)
	}

	for _, pl := range players {
		role := blueSweepRoles()[pl.Position]
		won := models.TeamOf(role) == models.TeamBlue
		if won && pl.EloChange <= 0 {
			t.Fatalf("expected a positive elo change for a blue winner, got %+v", pl)
		}
		if !won && pl.EloChange >= 0 {
			t.Fatalf("expected a negative elo change for a red loser, got %+v", pl)
		}
		st := store.stats[pl.UserID]
		if st.GamesPlayed != st.Wins+st.Losses+st.Draws {
			t.Fatalf("games_played invariant broken for %s: %+v", pl.UserID, st)
		}
	}
}

func TestProcessEloNeverDropsBelowFloor(t *testing.T) {
	store := newFakeStore()
	for i := 1; i <= models.PlayerCount; i++ {
		store.stats[userID(i)] = models.GameStats{UserID: userID(i), LeaderboardID: 1, Elo: models.EloFloor + 5}
	}
	p := New(store, nil, 0, zap.NewNop())

	// A lopsided loss should clamp at the floor, never go negative.
	result := models.GameResult{Winner: models.TeamRed, WinReason: models.ReasonMissionsFailed, Roles: blueSweepRoles()}
	players, err := p.Process(context.Background(), "battle-5", 1, false, sevenParticipants(), result, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, pl := range players {
		st := store.stats[pl.UserID]
		if st.Elo < models.EloFloor {
			t.Fatalf("elo fell below the floor: %+v", st)
		}
		if pl.InitialElo != models.EloFloor+5 {
			t.Fatalf("expected InitialElo to reflect the true pre-battle elo, got %+v", pl)
		}
		if pl.InitialElo+pl.EloChange != st.Elo {
			t.Fatalf("InitialElo+EloChange must equal the stored post-battle elo, got %+v (stored elo %d)", pl, st.Elo)
		}
	}
}

func TestProcessErrorPathPenalizesOffendingPlayerOnly(t *testing.T) {
	store := newFakeStore()
	p := New(store, nil, 0, zap.NewNop())

	events := []models.Event{
		{EventType: models.EventCriticalPlayerError, EventData: models.PlayerErrorData{PlayerID: 3, Method: "walk", Message: "deadline exceeded"}},
	}
	result := models.GameResult{WinReason: models.ReasonPlayerError, Roles: blueSweepRoles(), Error: "player 3: walk: deadline exceeded"}

	players, err := p.Process(context.Background(), "battle-6", 1, false, sevenParticipants(), result, events)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	for _, pl := range players {
		if pl.Position == 3 {
			if pl.EloChange >= 0 {
				t.Fatalf("expected the offending player to lose elo, got %+v", pl)
			}
			if *pl.Outcome != models.OutcomeLoss {
				t.Fatalf("expected the offending player's outcome to be a loss, got %v", *pl.Outcome)
			}
		} else if *pl.Outcome != models.OutcomeDraw || pl.EloChange != 0 {
			t.Fatalf("expected every non-offending player to draw with no elo change, got %+v", pl)
		}
	}
}

func TestProcessErrorPathWithoutAttributableOffenseFallsBackToCancelled(t *testing.T) {
	store := newFakeStore()
	p := New(store, nil, 0, zap.NewNop())

	result := models.GameResult{WinReason: models.ReasonSetupError, Roles: blueSweepRoles(), Error: "setup error: missing bot source"}
	players, err := p.Process(context.Background(), "battle-7", 1, false, sevenParticipants(), result, nil)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	for _, pl := range players {
		if *pl.Outcome != models.OutcomeCancelled {
			t.Fatalf("expected every player cancelled on a non-attributable setup error, got %+v", pl)
		}
	}
}
