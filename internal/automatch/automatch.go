// Package automatch runs one scheduling loop per managed leaderboard,
// sampling eligible bots and submitting battles to the Battle Manager
// without operator intervention.
package automatch

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/config"
	"github.com/avalon-arena/match-core/internal/models"
	"github.com/avalon-arena/match-core/internal/store"
)

var automatchBackoffs = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "matchcore_automatch_backoffs_total",
	Help: "Automatch backoff events, labeled by leaderboard id.",
}, []string{"leaderboard_id"})

// BotSource lists eligible bots for a leaderboard: active AI codes owned by
// users who already have a GameStats row there.
type BotSource interface {
	EligibleBots(ctx context.Context, leaderboardID int64) ([]models.Participant, error)
}

// Submitter is the subset of the Battle Manager an instance needs.
type Submitter interface {
	Submit(ctx context.Context, battleID string, leaderboardID int64, eloExempt bool, battleType string, participants []models.Participant) (bool, error)
	Status(battleID string) (models.BattleStatus, bool)
}

// Config carries the tunables from internal/config.Config.
type Config struct {
	RefreshEvery int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	InflightCap  int
	BatchSize    int
	PollInterval time.Duration
}

// FromAppConfig extracts the Automatch Scheduler's slice of config.Config.
func FromAppConfig(c *config.Config) Config {
	return Config{
		RefreshEvery: c.AutomatchRefreshEvery, BackoffMin: c.AutomatchBackoffMin, BackoffMax: c.AutomatchBackoffMax,
		InflightCap: c.AutomatchInflightCap, BatchSize: c.AutomatchBatchSize, PollInterval: c.AutomatchPollInterval,
	}
}

// Instance is one leaderboard's dedicated automatch worker.
type Instance struct {
	leaderboardID int64
	cfg           Config
	source        BotSource
	manager       Submitter
	cache         store.Cache // optional; nil falls back to the in-process queue only
	logger        *zap.SugaredLogger

	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
	inflight      []string // in-flight battle ids, cap InflightCap
	inflightPairs map[string][][2]string // battleID -> the Redis-claimed user pairs it holds, when cache != nil
	battles       int                    // battles submitted since last refresh
}

// NewInstance builds an idle instance for leaderboardID. A nil cache
// disables the Redis-backed in-flight pair dedup; the in-process queue
// still caps concurrent submissions either way.
func NewInstance(leaderboardID int64, cfg Config, source BotSource, manager Submitter, cache store.Cache, logger *zap.Logger) *Instance {
	return &Instance{
		leaderboardID: leaderboardID, cfg: cfg, source: source, manager: manager, cache: cache, logger: logger.Sugar(),
		inflightPairs: make(map[string][][2]string),
	}
}

// Start is idempotent: starting an already-running instance is a no-op.
func (in *Instance) Start() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.running {
		return
	}
	in.running = true
	in.stopCh = make(chan struct{})
	in.doneCh = make(chan struct{})
	go in.loop(in.stopCh, in.doneCh)
}

// Stop joins the worker with a bounded timeout, logging if it outlasted it.
func (in *Instance) Stop() {
	in.mu.Lock()
	if !in.running {
		in.mu.Unlock()
		return
	}
	stopCh, doneCh := in.stopCh, in.doneCh
	in.running = false
	in.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		in.logger.Warnw("automatch worker outlasted stop timeout", "leaderboard_id", in.leaderboardID)
	}
}

// ResetStats clears the refresh/in-flight counters without stopping the loop.
// Any Redis-held pair claims are left to expire on their own TTL rather than
// released here: this is a stats reset, not a graceful drain.
func (in *Instance) ResetStats() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.battles = 0
	in.inflight = nil
	in.inflightPairs = make(map[string][][2]string)
}

func (in *Instance) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	var eligible []models.Participant
	backoff := in.cfg.BackoffMin

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		if len(eligible) == 0 || in.shouldRefresh() {
			var err error
			eligible, err = in.source.EligibleBots(context.Background(), in.leaderboardID)
			if err != nil {
				in.logger.Warnw("eligible bots lookup failed", "leaderboard_id", in.leaderboardID, "error", err)
			}
		}

		if len(eligible) < models.PlayerCount {
			automatchBackoffs.WithLabelValues(strconv.FormatInt(in.leaderboardID, 10)).Inc()
			select {
			case <-stopCh:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > in.cfg.BackoffMax {
				backoff = in.cfg.BackoffMax
			}
			continue
		}
		backoff = in.cfg.BackoffMin

		in.produce(stopCh, eligible)

		select {
		case <-stopCh:
			return
		case <-time.After(in.cfg.PollInterval):
		}
	}
}

func (in *Instance) shouldRefresh() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	refreshEvery := in.cfg.RefreshEvery
	if refreshEvery <= 0 {
		refreshEvery = 10
	}
	return in.battles > 0 && in.battles%refreshEvery == 0
}

// produce submits up to BatchSize battles while the in-flight queue has
// room, blocking on the oldest in-flight id if the queue is full instead of
// spin-waiting. When a cache is configured, every user pair in a sampled
// team is also claimed in Redis first, so in-flight membership survives an
// automatch worker restart instead of living only in this process's slice.
func (in *Instance) produce(stopCh chan struct{}, eligible []models.Participant) {
	submitted := 0
	for submitted < in.cfg.BatchSize {
		in.mu.Lock()
		full := len(in.inflight) >= in.cfg.InflightCap
		in.mu.Unlock()

		if full {
			in.waitOldestInflight(stopCh)
			continue
		}

		team := sampleSeven(eligible)

		var pairs [][2]string
		if in.cache != nil {
			claimed, p, err := in.claimPairs(team)
			if err != nil {
				in.logger.Warnw("automatch in-flight claim failed", "leaderboard_id", in.leaderboardID, "error", err)
				return
			}
			if !claimed {
				// one of this sample's pairs is already mid-battle elsewhere; back
				// off before resampling instead of spinning against the cache.
				select {
				case <-stopCh:
					return
				case <-time.After(in.cfg.PollInterval):
				}
				continue
			}
			pairs = p
		}

		battleID := uuid.NewString()
		ok, err := in.manager.Submit(context.Background(), battleID, in.leaderboardID, false, "automatch", team)
		if err != nil {
			in.logger.Warnw("automatch submit failed", "leaderboard_id", in.leaderboardID, "error", err)
			in.releasePairs(pairs)
			return
		}
		if !ok {
			in.releasePairs(pairs)
			return
		}

		in.mu.Lock()
		in.inflight = append(in.inflight, battleID)
		if pairs != nil {
			in.inflightPairs[battleID] = pairs
		}
		in.battles++
		in.mu.Unlock()
		submitted++
	}
}

// pairsOf lists every distinct user pair in team, the unit the Redis
// in-flight claim dedups on.
func pairsOf(team []models.Participant) [][2]string {
	pairs := make([][2]string, 0, len(team)*(len(team)-1)/2)
	for i := 0; i < len(team); i++ {
		for j := i + 1; j < len(team); j++ {
			pairs = append(pairs, [2]string{team[i].UserID, team[j].UserID})
		}
	}
	return pairs
}

// claimPairs marks every pair in team in-flight via the cache, rolling back
// any partial claim if one pair is already held by a concurrent automatch
// pass (on this leaderboard or another instance sharing the same Redis).
func (in *Instance) claimPairs(team []models.Participant) (bool, [][2]string, error) {
	pairs := pairsOf(team)
	claimed := make([][2]string, 0, len(pairs))
	for _, pr := range pairs {
		ok, err := in.cache.MarkInFlight(context.Background(), in.leaderboardID, pr[0], pr[1])
		if err != nil {
			in.releasePairs(claimed)
			return false, nil, err
		}
		if !ok {
			in.releasePairs(claimed)
			return false, nil, nil
		}
		claimed = append(claimed, pr)
	}
	return true, pairs, nil
}

func (in *Instance) releasePairs(pairs [][2]string) {
	if in.cache == nil {
		return
	}
	for _, pr := range pairs {
		_ = in.cache.ClearInFlight(context.Background(), in.leaderboardID, pr[0], pr[1])
	}
}

// waitOldestInflight blocks until the oldest in-flight battle leaves
// {waiting, playing}, polling at PollInterval rather than spinning.
func (in *Instance) waitOldestInflight(stopCh chan struct{}) {
	in.mu.Lock()
	if len(in.inflight) == 0 {
		in.mu.Unlock()
		return
	}
	oldest := in.inflight[0]
	in.mu.Unlock()

	for {
		select {
		case <-stopCh:
			return
		default:
		}
		status, ok := in.manager.Status(oldest)
		if !ok || status.IsTerminal() {
			in.mu.Lock()
			if len(in.inflight) > 0 && in.inflight[0] == oldest {
				in.inflight = in.inflight[1:]
			}
			pairs := in.inflightPairs[oldest]
			delete(in.inflightPairs, oldest)
			in.mu.Unlock()
			in.releasePairs(pairs)
			return
		}
		select {
		case <-stopCh:
			return
		case <-time.After(in.cfg.PollInterval):
		}
	}
}

func sampleSeven(eligible []models.Participant) []models.Participant {
	idx := rand.Perm(len(eligible))[:models.PlayerCount]
	team := make([]models.Participant, models.PlayerCount)
	for i, j := range idx {
		p := eligible[j]
		p.Position = i + 1
		team[i] = p
	}
	return team
}

// Manager coordinates one Instance per managed leaderboard id.
type Manager struct {
	cfg       Config
	source    BotSource
	submitter Submitter
	cache     store.Cache // optional; nil disables Redis-backed in-flight dedup
	logger    *zap.Logger

	mu        sync.Mutex
	instances map[int64]*Instance
}

// NewManager builds an empty Automatch Manager. A nil cache is fine: each
// instance then falls back to its in-process in-flight queue only.
func NewManager(cfg Config, source BotSource, submitter Submitter, cache store.Cache, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, source: source, submitter: submitter, cache: cache, logger: logger, instances: make(map[int64]*Instance)}
}

func (m *Manager) get(leaderboardID int64) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.instances[leaderboardID]
	if !ok {
		in = NewInstance(leaderboardID, m.cfg, m.source, m.submitter, m.cache, m.logger)
		m.instances[leaderboardID] = in
	}
	return in
}

// Start starts (or no-ops on) the instance for leaderboardID.
func (m *Manager) Start(leaderboardID int64) { m.get(leaderboardID).Start() }

// Stop stops the instance for leaderboardID, if any.
func (m *Manager) Stop(leaderboardID int64) {
	m.mu.Lock()
	in, ok := m.instances[leaderboardID]
	m.mu.Unlock()
	if ok {
		in.Stop()
	}
}

// Terminate stops and removes the instance for leaderboardID.
func (m *Manager) Terminate(leaderboardID int64) {
	m.mu.Lock()
	in, ok := m.instances[leaderboardID]
	delete(m.instances, leaderboardID)
	m.mu.Unlock()
	if ok {
		in.Stop()
	}
}

// ResetStats resets the instance's counters for leaderboardID, if any.
func (m *Manager) ResetStats(leaderboardID int64) {
	m.mu.Lock()
	in, ok := m.instances[leaderboardID]
	m.mu.Unlock()
	if ok {
		in.ResetStats()
	}
}

// ManageSet ensures an instance exists and is running for every id in ids,
// and stops+removes any managed instance not in the set.
func (m *Manager) ManageSet(ids []int64) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
		m.get(id).Start()
	}

	m.mu.Lock()
	var toRemove []int64
	for id := range m.instances {
		if !want[id] {
			toRemove = append(toRemove, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toRemove {
		m.Terminate(id)
	}
}

// Status summarizes one instance for the admin surface.
type Status struct {
	LeaderboardID int64 `json:"leaderboard_id"`
	Running       bool  `json:"running"`
	InFlight      int   `json:"in_flight"`
	Battles       int   `json:"battles_submitted"`
}

// Statuses reports every managed instance's state.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.instances))
	for id, in := range m.instances {
		in.mu.Lock()
		out = append(out, Status{LeaderboardID: id, Running: in.running, InFlight: len(in.inflight), Battles: in.battles})
		in.mu.Unlock()
	}
	return out
}
