package manager

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

const (
	shrinkStep   = 2
	growStep     = 2
	absoluteMax  = 192
	absoluteMin  = 4
	cpuProbeWait = 500 * time.Millisecond
)

// workerPool is the Battle Manager's adaptive goroutine pool. Workers are
// added by spawning a new goroutine; shrinkage happens by an over-capacity
// worker declining to dequeue another battle and exiting instead, matching
// "shrinkage is by not replacing exiting workers".
type workerPool struct {
	cfg     Config
	handler func(battleID string)
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	desired int
	running int
}

func newWorkerPool(cfg Config, handler func(string), logger *zap.Logger) *workerPool {
	if cfg.WorkerMin <= 0 {
		cfg.WorkerMin = absoluteMin
	}
	if cfg.WorkerMax <= 0 || cfg.WorkerMax > absoluteMax {
		cfg.WorkerMax = absoluteMax
	}
	if cfg.AdaptivePoll <= 0 {
		cfg.AdaptivePoll = 60 * time.Second
	}
	return &workerPool{cfg: cfg, handler: handler, logger: logger.Sugar(), desired: cfg.WorkerMin}
}

func (p *workerPool) snapshot() (running, desired int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, p.desired
}

// run starts the monitor and the initial worker set, consuming battle ids
// from queue until ctx is cancelled.
func (p *workerPool) run(ctx context.Context, queue <-chan string) {
	go p.monitor(ctx)
	go p.spawner(ctx, queue)
	<-ctx.Done()
}

// spawner keeps the running goroutine count caught up to desired.
func (p *workerPool) spawner(ctx context.Context, queue <-chan string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			for p.running < p.desired {
				p.running++
				go p.worker(ctx, queue)
			}
			p.mu.Unlock()
		}
	}
}

func (p *workerPool) worker(ctx context.Context, queue <-chan string) {
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	for {
		if p.overCapacity() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case battleID, ok := <-queue:
			if !ok {
				return
			}
			p.handler(battleID)
		}
	}
}

// overCapacity reports whether this worker should exit instead of
// dequeuing another battle, because the pool has shrunk below its count.
// Checked before each dequeue, never mid-battle.
func (p *workerPool) overCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running > p.desired
}

// monitor samples CPU and memory every AdaptivePoll and grows or shrinks
// the desired worker count accordingly.
func (p *workerPool) monitor(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.AdaptivePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.adjust()
		}
	}
}

func (p *workerPool) adjust() {
	cpuPct, err := cpu.Percent(cpuProbeWait, false)
	if err != nil || len(cpuPct) == 0 {
		p.logger.Warnw("cpu sampling failed", "error", err)
		return
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		p.logger.Warnw("memory sampling failed", "error", err)
		return
	}

	// Config thresholds are fractions (0.75 == 75%); gopsutil reports 0-100.
	cpuFrac, memFrac := cpuPct[0]/100, vm.UsedPercent/100

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case cpuFrac > p.cfg.CPUHighWater || memFrac > p.cfg.MemHighWater:
		p.desired = maxInt(p.desired-shrinkStep, p.cfg.WorkerMin)
	case cpuFrac < p.cfg.CPULowWater && memFrac < p.cfg.MemLowWater:
		p.desired = minInt(p.desired+growStep, p.cfg.WorkerMax)
	}
	p.logger.Infow("adaptive pool sample", "cpu_frac", cpuFrac, "mem_frac", memFrac, "desired_workers", p.desired, "running_workers", p.running)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
