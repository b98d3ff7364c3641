package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/models"
)

type fakeBattleStore struct {
	mu       sync.Mutex
	battles  map[string]models.Battle
	seats    map[string][]models.Participant
	statuses map[string]models.BattleStatus
	results  map[string]models.GameResult
}

func newFakeBattleStore() *fakeBattleStore {
	return &fakeBattleStore{
		battles:  make(map[string]models.Battle),
		seats:    make(map[string][]models.Participant),
		statuses: make(map[string]models.BattleStatus),
		results:  make(map[string]models.GameResult),
	}
}

func (f *fakeBattleStore) CreateBattle(ctx context.Context, b models.Battle, participants []models.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.battles[b.ID] = b
	f.seats[b.ID] = participants
	f.statuses[b.ID] = b.Status
	return nil
}

func (f *fakeBattleStore) SetStatus(ctx context.Context, battleID string, status models.BattleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[battleID] = status
	return nil
}

func (f *fakeBattleStore) Status(ctx context.Context, battleID string) (models.BattleStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[battleID], nil
}

func (f *fakeBattleStore) SetResult(ctx context.Context, battleID string, result models.GameResult, status models.BattleStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[battleID] = result
	f.statuses[battleID] = status
	return nil
}

func (f *fakeBattleStore) Battle(ctx context.Context, battleID string) (models.Battle, []models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.battles[battleID], f.seats[battleID], nil
}

func (f *fakeBattleStore) GetStats(ctx context.Context, leaderboardID int64, userID string) (models.GameStats, error) {
	return models.GameStats{}, nil
}
func (f *fakeBattleStore) SaveStats(ctx context.Context, stats models.GameStats) error { return nil }
func (f *fakeBattleStore) IsProcessed(ctx context.Context, battleID string) (bool, error) {
	return false, nil
}
func (f *fakeBattleStore) MarkProcessed(ctx context.Context, battleID string) error { return nil }
func (f *fakeBattleStore) SaveBattlePlayers(ctx context.Context, battleID string, players []models.BattlePlayer) error {
	return nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, aiCodeID string) (models.AICode, error) {
	return models.AICode{ID: aiCodeID, Path: "/dev/null"}, nil
}

func sevenSeats() []models.Participant {
	seats := make([]models.Participant, models.PlayerCount)
	for i := range seats {
		seats[i] = models.Participant{UserID: string(rune('a' + i)), AICodeID: string(rune('a' + i)), Position: i + 1}
	}
	return seats
}

func testManager(t *testing.T) (*Manager, *fakeBattleStore) {
	st := newFakeBattleStore()
	cfg := Config{QueueSize: 4, WorkerMin: 1, WorkerMax: 1, AdaptivePoll: time.Second, SandboxDir: t.TempDir()}
	m := New(cfg, st, fakeResolver{}, nil, nil, nil, nil, nil, zap.NewNop())
	return m, st
}

// TestCancelWhileQueuedStaysCancelled exercises the race the worker pool can
// hit: a battle cancelled while still sitting in the admission queue must
// never be force-started into Playing once a worker dequeues it. Terminal
// statuses are sticky.
func TestCancelWhileQueuedStaysCancelled(t *testing.T) {
	m, st := testManager(t)
	ctx := context.Background()

	ok, err := m.Submit(ctx, "battle-1", 1, false, "ranked", sevenSeats())
	if err != nil || !ok {
		t.Fatalf("Submit: ok=%v err=%v", ok, err)
	}

	if !m.Cancel("battle-1", "admission test") {
		t.Fatal("expected Cancel to succeed on a still-queued battle")
	}
	status, ok := m.Status("battle-1")
	if !ok || status != models.BattleCancelled {
		t.Fatalf("expected status Cancelled right after Cancel, got %v (ok=%v)", status, ok)
	}

	// Simulate the worker pool later dequeuing this battle id and attempting
	// to run it, exactly as runBattle would after <-m.queue.
	m.runBattle("battle-1")

	status, ok = m.Status("battle-1")
	if !ok || status != models.BattleCancelled {
		t.Fatalf("expected status to remain Cancelled after the race, got %v (ok=%v)", status, ok)
	}
	if stored := st.statuses["battle-1"]; stored != models.BattleCancelled {
		t.Fatalf("expected the store's persisted status to remain Cancelled, got %v", stored)
	}
}

// TestSetPlayingRefusesAfterCancel exercises the guard directly: once a
// battle is cancelled, setPlaying must refuse to overwrite the terminal
// status even if invoked again.
func TestSetPlayingRefusesAfterCancel(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Submit(ctx, "battle-2", 1, false, "ranked", sevenSeats()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	m.Cancel("battle-2", "test")

	if m.setPlaying(ctx, "battle-2") {
		t.Fatal("expected setPlaying to refuse a cancelled battle")
	}
	status, _ := m.Status("battle-2")
	if status != models.BattleCancelled {
		t.Fatalf("expected status to remain Cancelled, got %v", status)
	}
}

// TestCancelIsIdempotentOnTerminalBattle confirms cancelling an already
// terminal battle is a no-op that still reports success.
func TestCancelIsIdempotentOnTerminalBattle(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	if _, err := m.Submit(ctx, "battle-3", 1, false, "ranked", sevenSeats()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !m.Cancel("battle-3", "first cancel") {
		t.Fatal("expected first Cancel to succeed")
	}
	if !m.Cancel("battle-3", "second cancel") {
		t.Fatal("expected a second Cancel on an already-terminal battle to be a no-op success")
	}
	status, _ := m.Status("battle-3")
	if status != models.BattleCancelled {
		t.Fatalf("expected status to remain Cancelled, got %v", status)
	}
}

func TestCancelUnknownBattleFails(t *testing.T) {
	m, _ := testManager(t)
	if m.Cancel("never-submitted", "test") {
		t.Fatal("expected Cancel to fail for an unknown battle id")
	}
}
