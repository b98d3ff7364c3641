package automatch

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/models"
)

type fakeSource struct {
	mu   sync.Mutex
	bots []models.Participant
	err  error
}

func (f *fakeSource) EligibleBots(ctx context.Context, leaderboardID int64) ([]models.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bots, f.err
}

func (f *fakeSource) setBots(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bots := make([]models.Participant, n)
	for i := range bots {
		bots[i] = models.Participant{UserID: string(rune('a' + i)), AICodeID: string(rune('a' + i))}
	}
	f.bots = bots
}

type fakeSubmitter struct {
	mu       sync.Mutex
	statuses map[string]models.BattleStatus
	submits  int
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{statuses: make(map[string]models.BattleStatus)}
}

func (f *fakeSubmitter) Submit(ctx context.Context, battleID string, leaderboardID int64, eloExempt bool, battleType string, participants []models.Participant) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.statuses[battleID] = models.BattleWaiting
	return true, nil
}

func (f *fakeSubmitter) Status(battleID string) (models.BattleStatus, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[battleID]
	return s, ok
}

func (f *fakeSubmitter) complete(battleID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[battleID] = models.BattleCompleted
}

type fakeCache struct {
	mu     sync.Mutex
	claims map[string]bool
}

func newFakeCache() *fakeCache { return &fakeCache{claims: make(map[string]bool)} }

func (f *fakeCache) SetStatus(ctx context.Context, battleID string, status models.BattleStatus) error {
	return nil
}
func (f *fakeCache) Status(ctx context.Context, battleID string) (models.BattleStatus, bool, error) {
	return "", false, nil
}
func (f *fakeCache) SetResult(ctx context.Context, battleID string, result models.GameResult) error {
	return nil
}
func (f *fakeCache) Result(ctx context.Context, battleID string) (models.GameResult, bool, error) {
	return models.GameResult{}, false, nil
}

func pairKey(leaderboardID int64, userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return strconv.FormatInt(leaderboardID, 10) + ":" + userA + ":" + userB
}

func (f *fakeCache) MarkInFlight(ctx context.Context, leaderboardID int64, userA, userB string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(leaderboardID, userA, userB)
	if f.claims[key] {
		return false, nil
	}
	f.claims[key] = true
	return true, nil
}

func (f *fakeCache) ClearInFlight(ctx context.Context, leaderboardID int64, userA, userB string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claims, pairKey(leaderboardID, userA, userB))
	return nil
}

func testConfig() Config {
	return Config{
		RefreshEvery: 100,
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		InflightCap:  2,
		BatchSize:    2,
		PollInterval: 5 * time.Millisecond,
	}
}

func TestInstanceBacksOffWithoutEnoughBots(t *testing.T) {
	source := &fakeSource{}
	submitter := newFakeSubmitter()
	in := NewInstance(1, testConfig(), source, submitter, nil, zap.NewNop())

	in.Start()
	time.Sleep(30 * time.Millisecond)
	in.Stop()

	if submitter.submits != 0 {
		t.Fatalf("expected no submits with an empty bot pool, got %d", submitter.submits)
	}
}

func TestInstanceSubmitsWhenEligible(t *testing.T) {
	source := &fakeSource{}
	source.setBots(10)
	submitter := newFakeSubmitter()
	in := NewInstance(1, testConfig(), source, submitter, nil, zap.NewNop())

	in.Start()
	time.Sleep(40 * time.Millisecond)
	in.Stop()

	if submitter.submits == 0 {
		t.Fatal("expected at least one submit with 10 eligible bots")
	}
}

func TestInstanceBlocksWhenInflightFull(t *testing.T) {
	source := &fakeSource{}
	source.setBots(10)
	submitter := newFakeSubmitter()
	cfg := testConfig()
	cfg.InflightCap = 1
	cfg.BatchSize = 5
	in := NewInstance(1, cfg, source, submitter, nil, zap.NewNop())

	in.Start()
	time.Sleep(20 * time.Millisecond)

	submitter.mu.Lock()
	submitted := submitter.submits
	submitter.mu.Unlock()
	if submitted > 1 {
		t.Fatalf("expected in-flight cap of 1 to block further submits, got %d submits", submitted)
	}

	in.mu.Lock()
	var oldest string
	if len(in.inflight) > 0 {
		oldest = in.inflight[0]
	}
	in.mu.Unlock()
	if oldest != "" {
		submitter.complete(oldest)
	}

	time.Sleep(30 * time.Millisecond)
	in.Stop()
}

func TestInstanceSkipsSubmitWhenEveryPairAlreadyClaimed(t *testing.T) {
	source := &fakeSource{}
	source.setBots(models.PlayerCount) // exactly one possible team: every sample reuses the same pairs
	submitter := newFakeSubmitter()
	cache := newFakeCache()
	for i := 0; i < len(source.bots); i++ {
		for j := i + 1; j < len(source.bots); j++ {
			cache.claims[pairKey(1, source.bots[i].UserID, source.bots[j].UserID)] = true
		}
	}

	cfg := testConfig()
	cfg.BatchSize = 1
	in := NewInstance(1, cfg, source, submitter, cache, zap.NewNop())

	in.Start()
	time.Sleep(30 * time.Millisecond)
	in.Stop()

	if submitter.submits != 0 {
		t.Fatalf("expected no submits while every pair in the only possible team is already claimed, got %d", submitter.submits)
	}
}

func TestInstanceClaimsAndReleasesPairsOnCompletion(t *testing.T) {
	source := &fakeSource{}
	source.setBots(10)
	submitter := newFakeSubmitter()
	cache := newFakeCache()
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.InflightCap = 1
	in := NewInstance(1, cfg, source, submitter, cache, zap.NewNop())

	in.Start()
	time.Sleep(20 * time.Millisecond)

	in.mu.Lock()
	oldest := ""
	if len(in.inflight) > 0 {
		oldest = in.inflight[0]
	}
	pairsHeld := len(in.inflightPairs[oldest])
	in.mu.Unlock()
	if oldest == "" || pairsHeld == 0 {
		t.Fatalf("expected the submitted battle to hold claimed pairs, got %d", pairsHeld)
	}

	cache.mu.Lock()
	claimedBefore := len(cache.claims)
	cache.mu.Unlock()
	if claimedBefore == 0 {
		t.Fatal("expected the cache to record the claimed pairs")
	}

	submitter.complete(oldest)
	time.Sleep(30 * time.Millisecond)
	in.Stop()

	// Completing the oldest battle frees its slot, so produce goes on to
	// submit the next battle and claims that battle's pairs: only the
	// completed battle's pairs must be gone from the cache.
	in.mu.Lock()
	_, stillHeld := in.inflightPairs[oldest]
	heldNow := 0
	for _, pairs := range in.inflightPairs {
		heldNow += len(pairs)
	}
	in.mu.Unlock()
	if stillHeld {
		t.Fatalf("expected the completed battle's pairs to be released")
	}

	cache.mu.Lock()
	defer cache.mu.Unlock()
	if len(cache.claims) != heldNow {
		t.Fatalf("expected only the pairs of battles still in flight to stay claimed (%d), got %d", heldNow, len(cache.claims))
	}
}

func TestManagerStartStopIdempotent(t *testing.T) {
	source := &fakeSource{}
	submitter := newFakeSubmitter()
	m := NewManager(testConfig(), source, submitter, nil, zap.NewNop())

	m.Start(1)
	m.Start(1) // must not panic or create a second goroutine
	m.Stop(1)
	m.Stop(1) // idempotent on an already-stopped instance

	if len(m.Statuses()) != 1 {
		t.Fatalf("expected exactly one tracked instance, got %d", len(m.Statuses()))
	}
}

func TestManagerManageSetStopsUnwanted(t *testing.T) {
	source := &fakeSource{}
	submitter := newFakeSubmitter()
	m := NewManager(testConfig(), source, submitter, nil, zap.NewNop())

	m.Start(1)
	m.Start(2)
	m.ManageSet([]int64{2, 3})

	statuses := m.Statuses()
	seen := make(map[int64]bool)
	for _, s := range statuses {
		seen[s.LeaderboardID] = true
	}
	if seen[1] {
		t.Fatal("leaderboard 1 should have been terminated by ManageSet")
	}
	if !seen[2] || !seen[3] {
		t.Fatal("leaderboards 2 and 3 should be managed after ManageSet")
	}
}

func TestManagerResetStats(t *testing.T) {
	source := &fakeSource{}
	source.setBots(10)
	submitter := newFakeSubmitter()
	m := NewManager(testConfig(), source, submitter, nil, zap.NewNop())

	m.Start(1)
	time.Sleep(30 * time.Millisecond)
	m.ResetStats(1)

	in := m.get(1)
	in.mu.Lock()
	battles := in.battles
	in.mu.Unlock()
	if battles != 0 {
		t.Fatalf("expected battles counter reset to 0, got %d", battles)
	}
	m.Stop(1)
}
