package llmclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/observer"
)

var (
	llmCallLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchcore_llm_call_latency_seconds",
		Help:    "LLM Gateway call latency, including retries.",
		Buckets: prometheus.DefBuckets,
	})
	llmCallErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "matchcore_llm_call_errors_total",
		Help: "LLM Gateway calls that exhausted retries without a usable completion.",
	})
)

// Default sampling parameters for every chat-completion call.
const (
	defaultTemperature     = 1.0
	defaultTopP            = 0.9
	defaultPresencePenalty = 0.5
	defaultFrequencyPenalty = 0.5
	defaultMaxTokens        = 500
)

// ErrQuotaExceeded is a fatal bot error: the player exceeded its per-round
// LLM call ceiling. Unlike transport failures, this propagates as a Go
// error the Referee must attribute to the calling player.
var ErrQuotaExceeded = fmt.Errorf("llm call quota exceeded for this round")

// PlayerSession identifies the bot on whose behalf ask_llm is being called,
// so the Gateway can enforce per-round quotas and persist history. It is the
// explicit, goroutine-safe replacement for the original's thread-local
// "current player/game/round" — see SPEC_FULL.md §REDESIGN FLAGS.
type PlayerSession struct {
	BattleID string
	Player   int

	mu    sync.Mutex
	round int
	log   *observer.PrivateLog
}

// NewPlayerSession binds a private log to a (battle, player) pair.
func NewPlayerSession(battleID string, player int, log *observer.PrivateLog) *PlayerSession {
	return &PlayerSession{BattleID: battleID, Player: player, log: log}
}

// SetRound updates the current mission round, called by the Referee at the
// start of each propose/vote cycle.
func (s *PlayerSession) SetRound(round int) {
	s.mu.Lock()
	s.round = round
	s.mu.Unlock()
}

// ResetRoundQuota zeroes the call counter for the current round. Called by
// the Referee when a team proposal is rejected and the round is re-entered.
func (s *PlayerSession) ResetRoundQuota() error {
	s.mu.Lock()
	round := s.round
	s.mu.Unlock()

	state, err := s.log.Load()
	if err != nil {
		return err
	}
	state.CallsByRound[round] = 0
	return s.log.Save(state)
}

// Gateway gives bot code a single synchronous ask_llm(prompt) -> string
// call, backed by the shared client Pool.
type Gateway struct {
	pool         *Pool
	timeout      time.Duration
	retries      int
	perRoundCap  int
	logger       *zap.SugaredLogger

	mu       sync.Mutex
	sessions map[*Handle]time.Time
}

// NewGateway constructs a Gateway over pool.
func NewGateway(pool *Pool, timeout time.Duration, retries, perRoundCap int, logger *zap.Logger) *Gateway {
	g := &Gateway{
		pool:        pool,
		timeout:     timeout,
		retries:     retries,
		perRoundCap: perRoundCap,
		logger:      logger.Sugar(),
		sessions:    make(map[*Handle]time.Time),
	}
	go g.watchStaleSessions()
	return g
}

// Ask is the bot-facing ask_llm entry point. On a quota breach it returns a
// fatal Go error the Referee must attribute to sess.Player. On any other
// failure (timeout, transport error after retries) it returns a descriptive
// error string as the *result* and a nil error — that failure is local to
// the bot call and must never crash the referee.
func (g *Gateway) Ask(ctx context.Context, sess *PlayerSession, prompt string) (string, error) {
	sess.mu.Lock()
	round := sess.round
	sess.mu.Unlock()

	state, err := sess.log.Load()
	if err != nil {
		return "", fmt.Errorf("llm gateway: load session state: %w", err)
	}
	if state.CallsByRound[round] >= g.perRoundCap {
		return "", ErrQuotaExceeded
	}
	state.CallsByRound[round]++
	if err := sess.log.Save(state); err != nil {
		return "", fmt.Errorf("llm gateway: persist call count: %w", err)
	}

	handle := g.pool.Acquire()
	g.trackSession(handle)
	defer g.untrackSession(handle)
	defer g.pool.Release(handle)

	messages := buildMessages(state.History, prompt)

	start := time.Now()
	reply, usageErr := g.callWithRetry(ctx, handle, messages)
	llmCallLatency.Observe(time.Since(start).Seconds())
	if usageErr != nil {
		llmCallErrors.Inc()
		g.logger.Warnw("llm call failed after retries", "battle_id", sess.BattleID, "player", sess.Player, "error", usageErr)
		return fmt.Sprintf("LLM call failed: %v", usageErr), nil
	}

	state, err = sess.log.Load()
	if err != nil {
		return reply, nil
	}
	state.History = append(state.History, observer.ChatTurn{Role: "user", Content: prompt}, observer.ChatTurn{Role: "assistant", Content: reply})
	state.InputTokens += len(prompt)
	state.OutputTokens += len(reply)
	_ = sess.log.Save(state)

	return reply, nil
}

func buildMessages(history []observer.ChatTurn, prompt string) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	for _, turn := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})
	return messages
}

func (g *Gateway) callWithRetry(ctx context.Context, handle *Handle, messages []openai.ChatCompletionMessage) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := handle.client.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
			Model:            handle.client.cfg.Model,
			Messages:         messages,
			Temperature:      defaultTemperature,
			TopP:             defaultTopP,
			PresencePenalty:  defaultPresencePenalty,
			FrequencyPenalty: defaultFrequencyPenalty,
			MaxTokens:        defaultMaxTokens,
			Stream:           false,
		})
		cancel()

		if err == nil && len(resp.Choices) > 0 {
			return resp.Choices[0].Message.Content, nil
		}
		if err == nil {
			err = fmt.Errorf("empty completion response")
		}
		lastErr = err
	}
	return "", lastErr
}

func (g *Gateway) trackSession(h *Handle) {
	g.mu.Lock()
	g.sessions[h] = time.Now()
	g.mu.Unlock()
}

func (g *Gateway) untrackSession(h *Handle) {
	g.mu.Lock()
	delete(g.sessions, h)
	g.mu.Unlock()
}

// watchStaleSessions force-releases handles held past the pool's session
// TTL — a call that panicked mid-flight, or a goroutine that never reached
// its deferred Release, would otherwise leak pool capacity forever.
func (g *Gateway) watchStaleSessions() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		g.mu.Lock()
		for h := range g.sessions {
			if g.pool.Expired(h) {
				g.pool.ForceRelease(h)
				delete(g.sessions, h)
			}
		}
		g.mu.Unlock()
	}
}
