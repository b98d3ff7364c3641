// Package llmclient implements the shared pool of OpenAI-compatible chat
// clients bot code calls through ask_llm, and the per-call timeout, quota,
// and token-accounting discipline around it.
package llmclient

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/config"
)

// client is one configured (api_key, base_url, model) backend plus its load
// counters. Lower (activeCount, totalCount) sorts first in the heap, so
// Acquire always returns the least-loaded client.
type client struct {
	index       int // heap.Interface bookkeeping
	cfg         config.LLMClientConfig
	api         *openai.Client
	activeCount int
	totalCount  int
}

// clientHeap is a container/heap of *client ordered by (activeCount, totalCount).
type clientHeap []*client

func (h clientHeap) Len() int { return len(h) }
func (h clientHeap) Less(i, j int) bool {
	if h[i].activeCount != h[j].activeCount {
		return h[i].activeCount < h[j].activeCount
	}
	return h[i].totalCount < h[j].totalCount
}
func (h clientHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *clientHeap) Push(x any) {
	c := x.(*client)
	c.index = len(*h)
	*h = append(*h, c)
}
func (h *clientHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	c.index = -1
	*h = old[:n-1]
	return c
}

// Handle is an opaque acquired-client token returned by Acquire and
// consumed by Release. A Handle must be released exactly once.
type Handle struct {
	client      *client
	acquiredAt  time.Time
}

// Pool is the shared, concurrency-safe min-heap of LLM clients. Only the
// Gateway touches its internals; bot code never sees a Pool directly. The
// stale-session watchdog lives in Gateway, which is the component that
// actually tracks which Handle belongs to which (battle, player) session.
type Pool struct {
	mu     sync.Mutex
	heap   clientHeap
	ttl    time.Duration
	logger *zap.SugaredLogger
}

// NewPool builds a client pool from the configured LLM client triples.
func NewPool(cfgs []config.LLMClientConfig, sessionTTL time.Duration, logger *zap.Logger) *Pool {
	p := &Pool{
		ttl:    sessionTTL,
		logger: logger.Sugar(),
	}
	for _, cfg := range cfgs {
		occfg := openai.DefaultConfig(cfg.APIKey)
		occfg.BaseURL = cfg.BaseURL
		c := &client{cfg: cfg, api: openai.NewClientWithConfig(occfg)}
		heap.Push(&p.heap, c)
	}
	return p
}

// Acquire returns the least-loaded client and marks it busy.
func (p *Pool) Acquire() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.heap[0]
	c.activeCount++
	c.totalCount++
	heap.Fix(&p.heap, 0)

	return &Handle{client: c, acquiredAt: time.Now()}
}

// Release returns a Handle's client to the pool.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(h.client)
}

func (p *Pool) releaseLocked(c *client) {
	if c.activeCount > 0 {
		c.activeCount--
	}
	if c.index >= 0 {
		heap.Fix(&p.heap, c.index)
	}
}

// ForceRelease releases a handle that exceeded the session TTL without an
// explicit Release call.
func (p *Pool) ForceRelease(h *Handle) {
	p.logger.Warnw("forcing stale LLM session release", "acquired_at", h.acquiredAt)
	p.Release(h)
}

// Expired reports whether h has been held longer than the pool's session TTL.
func (p *Pool) Expired(h *Handle) bool {
	return time.Since(h.acquiredAt) > p.ttl
}
