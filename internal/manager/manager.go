// Package manager implements the Battle Manager: the singleton admission
// queue and adaptive worker pool that takes a submitted battle through
// sandbox loading, refereeing, result caching, and rating.
package manager

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/config"
	"github.com/avalon-arena/match-core/internal/llmclient"
	"github.com/avalon-arena/match-core/internal/models"
	"github.com/avalon-arena/match-core/internal/observer"
	"github.com/avalon-arena/match-core/internal/rating"
	"github.com/avalon-arena/match-core/internal/referee"
	"github.com/avalon-arena/match-core/internal/sandbox"
	"github.com/avalon-arena/match-core/internal/store"
)

var battlesTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "matchcore_battles_terminal_total",
	Help: "Battles reaching a terminal status, labeled by status.",
}, []string{"status"})

// Mirror is the optional analytical event mirror (ClickHouse). A nil Mirror
// disables it.
type Mirror = observer.Mirror

// Manager is the process-wide Battle Manager singleton.
type Manager struct {
	store    store.BattleStore
	resolver store.AICodeResolver
	cache    store.Cache // optional; nil disables the Redis fast-path
	gateway  *llmclient.Gateway
	host     *sandbox.Host
	rater    *rating.Processor
	mirror   Mirror
	dataDir  string
	logger   *zap.SugaredLogger

	queue chan string

	mu        sync.Mutex
	status    map[string]models.BattleStatus
	results   map[string]models.GameResult
	observers map[string]*observer.Observer

	pool *workerPool
}

// Config bundles the adaptive worker pool's tunables, read from
// internal/config.Config.
type Config struct {
	QueueSize     int
	WorkerMin     int
	WorkerMax     int
	AdaptivePoll  time.Duration
	CPUHighWater  float64
	MemHighWater  float64
	CPULowWater   float64
	MemLowWater   float64
	SandboxDir    string
}

// FromAppConfig extracts the Battle Manager's slice of config.Config.
func FromAppConfig(c *config.Config) Config {
	return Config{
		QueueSize: c.QueueSize, WorkerMin: c.WorkerPoolMin, WorkerMax: c.WorkerPoolMax,
		AdaptivePoll: c.AdaptivePoll, CPUHighWater: c.CPUHighWater, MemHighWater: c.MemHighWater,
		CPULowWater: c.CPULowWater, MemLowWater: c.MemLowWater, SandboxDir: c.SandboxDataDir,
	}
}

// New builds a Manager and starts its adaptive worker pool.
func New(cfg Config, st store.BattleStore, resolver store.AICodeResolver, cache store.Cache, gateway *llmclient.Gateway, host *sandbox.Host, rater *rating.Processor, mirror Mirror, logger *zap.Logger) *Manager {
	m := &Manager{
		store: st, resolver: resolver, cache: cache, gateway: gateway, host: host, rater: rater,
		mirror: mirror, dataDir: cfg.SandboxDir, logger: logger.Sugar(),
		queue:     make(chan string, cfg.QueueSize),
		status:    make(map[string]models.BattleStatus),
		results:   make(map[string]models.GameResult),
		observers: make(map[string]*observer.Observer),
	}
	m.pool = newWorkerPool(cfg, m.runBattle, logger)
	return m
}

// Submit admits a new battle. It returns false without enqueueing if the id
// is already known, the participant count isn't 7, or an AI path fails to
// resolve up front.
func (m *Manager) Submit(ctx context.Context, battleID string, leaderboardID int64, eloExempt bool, battleType string, participants []models.Participant) (bool, error) {
	if len(participants) != models.PlayerCount {
		return false, nil
	}

	m.mu.Lock()
	_, known := m.status[battleID]
	m.mu.Unlock()
	if known {
		return false, nil
	}

	for _, p := range participants {
		if _, err := m.resolver.Resolve(ctx, p.AICodeID); err != nil {
			return false, nil
		}
	}

	battle := models.Battle{
		ID: battleID, Status: models.BattleWaiting, LeaderboardID: leaderboardID,
		EloExempt: eloExempt, BattleType: battleType, CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateBattle(ctx, battle, participants); err != nil {
		return false, fmt.Errorf("manager: create battle: %w", err)
	}

	m.mu.Lock()
	m.status[battleID] = models.BattleWaiting
	m.mu.Unlock()
	if m.cache != nil {
		_ = m.cache.SetStatus(ctx, battleID, models.BattleWaiting)
	}

	select {
	case m.queue <- battleID:
		return true, nil
	default:
		m.mu.Lock()
		delete(m.status, battleID)
		m.mu.Unlock()
		return false, nil
	}
}

// Status returns the battle's current status, preferring the Redis cache
// over the in-memory map when both are available.
func (m *Manager) Status(battleID string) (models.BattleStatus, bool) {
	if m.cache != nil {
		if s, ok, err := m.cache.Status(context.Background(), battleID); err == nil && ok {
			return s, true
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[battleID]
	return s, ok
}

// Result returns the battle's cached final result, if it has one.
func (m *Manager) Result(battleID string) (models.GameResult, bool) {
	if m.cache != nil {
		if r, ok, err := m.cache.Result(context.Background(), battleID); err == nil && ok {
			return r, true
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[battleID]
	return r, ok
}

// Cancel transitions a waiting/playing battle to cancelled. It is idempotent:
// calling it again on an already-terminal battle is a no-op that returns true.
func (m *Manager) Cancel(battleID string, reason string) bool {
	m.mu.Lock()
	s, ok := m.status[battleID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if s.IsTerminal() {
		m.mu.Unlock()
		return true
	}
	m.status[battleID] = models.BattleCancelled
	m.mu.Unlock()

	ctx := context.Background()
	_ = m.store.SetStatus(ctx, battleID, models.BattleCancelled)
	if m.cache != nil {
		_ = m.cache.SetStatus(ctx, battleID, models.BattleCancelled)
	}
	m.logger.Infow("battle cancelled", "battle_id", battleID, "reason", reason)
	return true
}

// DrainSnapshots returns and clears a running battle's in-memory event
// tail. Unknown or already-finished battles return nil.
func (m *Manager) DrainSnapshots(battleID string) []models.Event {
	m.mu.Lock()
	obs, ok := m.observers[battleID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return obs.DrainSnapshots()
}

// ManagerStatus summarizes the pool for the admin surface.
type ManagerStatus struct {
	QueueDepth    int `json:"queue_depth"`
	QueueCapacity int `json:"queue_capacity"`
	Workers       int `json:"workers"`
	Desired       int `json:"desired"`
	WorkerMin     int `json:"worker_min"`
	WorkerMax     int `json:"worker_max"`
}

// Describe reports the pool's current shape for the admin surface.
func (m *Manager) Describe() ManagerStatus {
	running, desired := m.pool.snapshot()
	return ManagerStatus{
		QueueDepth: len(m.queue), QueueCapacity: cap(m.queue),
		Workers: running, Desired: desired, WorkerMin: m.pool.cfg.WorkerMin, WorkerMax: m.pool.cfg.WorkerMax,
	}
}

// statusCheck backs referee.StatusChecker by reading the manager's
// in-memory status map directly, avoiding a roundtrip through the cache
// for the hot "is this battle still running" check the referee makes at
// every phase boundary.
func (m *Manager) statusCheck(battleID string) models.BattleStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status[battleID]
}

// runBattle is the per-worker pipeline: dequeue → Observer → resolve paths
// → Referee → cache result → Rating Processor → terminal status → cleanup.
func (m *Manager) runBattle(battleID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	defer observer.Purge(m.dataDir, battleID)

	if m.statusCheck(battleID) == models.BattleCancelled {
		m.finish(ctx, battleID, 0, false, nil, models.GameResult{WinReason: models.ReasonTerminatedByStatus}, models.BattleCancelled)
		return
	}

	battle, participants, err := m.store.Battle(ctx, battleID)
	if err != nil {
		m.logger.Errorw("failed to load battle for execution", "battle_id", battleID, "error", err)
		m.finish(ctx, battleID, battle.LeaderboardID, battle.EloExempt, nil, models.GameResult{WinReason: models.ReasonSetupError, Error: err.Error()}, models.BattleError)
		return
	}

	if !m.setPlaying(ctx, battleID) {
		// cancelled while sitting in the queue: the status transition out of
		// waiting is sticky, so don't overwrite it back to playing.
		m.finish(ctx, battleID, battle.LeaderboardID, battle.EloExempt, participants, models.GameResult{WinReason: models.ReasonTerminatedByStatus}, models.BattleCancelled)
		return
	}

	obs, err := observer.New(battleID, m.dataDir, m.mirror, m.logger.Desugar())
	if err != nil {
		m.logger.Errorw("failed to create observer", "battle_id", battleID, "error", err)
		m.finish(ctx, battleID, battle.LeaderboardID, battle.EloExempt, participants, models.GameResult{WinReason: models.ReasonSetupError, Error: err.Error()}, models.BattleError)
		return
	}
	m.mu.Lock()
	m.observers[battleID] = obs
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.observers, battleID)
		m.mu.Unlock()
	}()

	var bots [models.PlayerCount]*sandbox.Bot
	var sessions [models.PlayerCount]*llmclient.PlayerSession
	var privateLogs [models.PlayerCount]*observer.PrivateLog
	for i, p := range participants {
		aiCode, err := m.resolver.Resolve(ctx, p.AICodeID)
		if err != nil {
			result := models.GameResult{WinReason: models.ReasonSetupError, Error: fmt.Sprintf("resolve ai code for position %d: %v", p.Position, err)}
			m.finish(ctx, battleID, battle.LeaderboardID, battle.EloExempt, participants, result, models.BattleError)
			return
		}

		privateLog, err := observer.NewPrivateLog(m.dataDir, battleID, p.Position)
		if err != nil {
			result := models.GameResult{WinReason: models.ReasonSetupError, Error: err.Error()}
			m.finish(ctx, battleID, battle.LeaderboardID, battle.EloExempt, participants, result, models.BattleError)
			return
		}
		session := llmclient.NewPlayerSession(battleID, p.Position, privateLog)
		sessions[i] = session
		privateLogs[i] = privateLog

		bot, err := m.host.LoadBot(battleID, p.Position, aiCode.Path, func(prompt string) (string, error) {
			return m.gateway.Ask(ctx, session, prompt)
		})
		if err != nil {
			result := models.GameResult{WinReason: models.ReasonSetupError, Error: err.Error()}
			m.finish(ctx, battleID, battle.LeaderboardID, battle.EloExempt, participants, result, models.BattleError)
			return
		}
		bots[i] = bot
	}

	ref := referee.New(battleID, bots, sessions, m.gateway, obs, statusCheckerFunc(m.statusCheck), m.logger.Desugar(), rand.Int63())
	result, err := ref.Run(ctx)

	tokens := models.TokensData{ByPlayer: make(map[int]models.PlayerTokens, models.PlayerCount)}
	for i, pl := range privateLogs {
		if pl == nil {
			continue
		}
		if st, loadErr := pl.Load(); loadErr == nil {
			tokens.ByPlayer[participants[i].Position] = models.PlayerTokens{Input: st.InputTokens, Output: st.OutputTokens}
		}
	}
	obs.Record(models.EventTokens, tokens)

	finalStatus := models.BattleCompleted
	switch {
	case result.WinReason == models.ReasonTerminatedByStatus:
		finalStatus = models.BattleCancelled
	case err != nil || result.Error != "":
		finalStatus = models.BattleError
	}
	m.finish(ctx, battleID, battle.LeaderboardID, battle.EloExempt, participants, result, finalStatus)
}

// setPlaying transitions a waiting battle to playing. It refuses and
// reports false if the battle was already cancelled while queued, since
// terminal statuses are sticky and must never be overwritten.
func (m *Manager) setPlaying(ctx context.Context, battleID string) bool {
	m.mu.Lock()
	if m.status[battleID] == models.BattleCancelled {
		m.mu.Unlock()
		return false
	}
	m.status[battleID] = models.BattlePlaying
	m.mu.Unlock()
	_ = m.store.SetStatus(ctx, battleID, models.BattlePlaying)
	if m.cache != nil {
		_ = m.cache.SetStatus(ctx, battleID, models.BattlePlaying)
	}
	return true
}

func (m *Manager) finish(ctx context.Context, battleID string, leaderboardID int64, eloExempt bool, participants []models.Participant, result models.GameResult, status models.BattleStatus) {
	m.mu.Lock()
	m.status[battleID] = status
	m.results[battleID] = result
	m.mu.Unlock()

	battlesTerminal.WithLabelValues(string(status)).Inc()

	if err := m.store.SetResult(ctx, battleID, result, status); err != nil {
		m.logger.Errorw("failed to persist result", "battle_id", battleID, "error", err)
	}
	if m.cache != nil {
		_ = m.cache.SetStatus(ctx, battleID, status)
		_ = m.cache.SetResult(ctx, battleID, result)
	}

	if participants == nil || m.rater == nil {
		return
	}

	events, err := m.readEvents(battleID)
	if err != nil {
		m.logger.Warnw("could not read event log for rating", "battle_id", battleID, "error", err)
	}
	if _, err := m.rater.Process(ctx, battleID, leaderboardID, eloExempt, participants, result, events); err != nil {
		m.logger.Errorw("rating processor failed", "battle_id", battleID, "error", err)
	}
}

func (m *Manager) readEvents(battleID string) ([]models.Event, error) {
	m.mu.Lock()
	obs, ok := m.observers[battleID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("manager: no observer for %s", battleID)
	}
	return obs.AllEvents()
}

type statusCheckerFunc func(string) models.BattleStatus

func (f statusCheckerFunc) Status(battleID string) models.BattleStatus { return f(battleID) }

// Run starts the admission loop, dequeuing into the adaptive worker pool.
// It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.pool.run(ctx, m.queue)
}
