// Package ops exposes the internal operations HTTP surface: liveness,
// Prometheus metrics, and the admin control endpoints for the Automatch
// Scheduler and Battle Manager. It is deliberately thin — the excluded
// product front-end is a separate system entirely.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/automatch"
	"github.com/avalon-arena/match-core/internal/manager"
)

// BattleStorePinger is the minimal connectivity check the Battle Store
// adapter exposes for healthz, without pulling the full store.BattleStore
// surface into this package.
type BattleStorePinger interface {
	Ping(ctx context.Context) error
}

// Config wires the Ops Surface's dependencies.
type Config struct {
	Manager    *manager.Manager
	Automatch  *automatch.Manager
	Store      BattleStorePinger
	Redis      *redis.Client
	ClickHouse driver.Conn
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Handler serves the internal HTTP mux.
type Handler struct {
	manager    *manager.Manager
	automatch  *automatch.Manager
	store      BattleStorePinger
	redis      *redis.Client
	clickhouse driver.Conn
	metrics    *Metrics
	logger     *zap.SugaredLogger
}

// New builds a Handler from cfg.
func New(cfg Config) *Handler {
	return &Handler{
		manager: cfg.Manager, automatch: cfg.Automatch, store: cfg.Store,
		redis: cfg.Redis, clickhouse: cfg.ClickHouse, metrics: cfg.Metrics, logger: cfg.Logger.Sugar(),
	}
}

// RunMetricsSampler polls the Battle Manager's Describe on interval, keeping
// the queue-depth and running/desired worker gauges current until ctx is
// cancelled. Counters (battles-by-status, LLM latency, Automatch backoffs)
// are incremented directly at their call sites instead.
func (h *Handler) RunMetricsSampler(ctx context.Context, interval time.Duration) {
	if h.metrics == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			desc := h.manager.Describe()
			h.metrics.QueueDepth.Set(float64(desc.QueueDepth))
			h.metrics.WorkersRunning.Set(float64(desc.Workers))
			h.metrics.WorkersDesired.Set(float64(desc.Desired))
		}
	}
}

// Router builds the chi mux: cors middleware wraps everything, matching the
// teacher's ops router shape.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Post("/leaderboards/{id}/start", h.leaderboardStart)
		r.Post("/leaderboards/{id}/stop", h.leaderboardStop)
		r.Post("/leaderboards/{id}/terminate", h.leaderboardTerminate)
		r.Post("/leaderboards/{id}/reset-stats", h.leaderboardResetStats)
		r.Post("/leaderboards/manage-set", h.leaderboardManageSet)
		r.Post("/battles/{id}/cancel", h.battleCancel)
		r.Get("/manager-status", h.managerStatus)
	})

	return r
}

func (h *Handler) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Errorw("failed to encode response", "error", err)
	}
}

func (h *Handler) errorResponse(w http.ResponseWriter, status int, message string) {
	h.jsonResponse(w, status, map[string]string{"error": message})
}

// Healthz reports process liveness plus Battle Store/Redis/ClickHouse
// connectivity.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]bool{}
	if h.store != nil {
		checks["battle_store"] = h.store.Ping(ctx) == nil
	}
	if h.redis != nil {
		checks["redis"] = h.redis.Ping(ctx).Err() == nil
	}
	if h.clickhouse != nil {
		checks["clickhouse"] = h.clickhouse.Ping(ctx) == nil
	}

	healthy := true
	for _, ok := range checks {
		if !ok {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	h.jsonResponse(w, status, map[string]interface{}{
		"status": "ok",
		"checks": checks,
	})
}

func (h *Handler) leaderboardID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (h *Handler) leaderboardStart(w http.ResponseWriter, r *http.Request) {
	id, err := h.leaderboardID(r)
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid leaderboard id")
		return
	}
	h.automatch.Start(id)
	h.jsonResponse(w, http.StatusOK, map[string]string{"status": "started"})
}

func (h *Handler) leaderboardStop(w http.ResponseWriter, r *http.Request) {
	id, err := h.leaderboardID(r)
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid leaderboard id")
		return
	}
	h.automatch.Stop(id)
	h.jsonResponse(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) leaderboardTerminate(w http.ResponseWriter, r *http.Request) {
	id, err := h.leaderboardID(r)
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid leaderboard id")
		return
	}
	h.automatch.Terminate(id)
	h.jsonResponse(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (h *Handler) leaderboardResetStats(w http.ResponseWriter, r *http.Request) {
	id, err := h.leaderboardID(r)
	if err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid leaderboard id")
		return
	}
	h.automatch.ResetStats(id)
	h.jsonResponse(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) leaderboardManageSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LeaderboardIDs []int64 `json:"leaderboard_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	h.automatch.ManageSet(body.LeaderboardIDs)
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{"managed": body.LeaderboardIDs})
}

func (h *Handler) battleCancel(w http.ResponseWriter, r *http.Request) {
	battleID := chi.URLParam(r, "id")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	cancelled := h.manager.Cancel(battleID, body.Reason)
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{"cancelled": cancelled})
}

func (h *Handler) managerStatus(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, http.StatusOK, map[string]interface{}{
		"manager":   h.manager.Describe(),
		"automatch": h.automatch.Statuses(),
	})
}
