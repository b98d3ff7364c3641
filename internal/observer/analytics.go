package observer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/avalon-arena/match-core/internal/models"
)

// Prometheus metrics for the analytical mirror.
var (
	eventsMirrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avalon_events_mirrored_total",
		Help: "Total number of events shipped to the ClickHouse analytical mirror",
	})
	eventsMirrorFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "avalon_events_mirror_failed_total",
		Help: "Total number of events dropped because a ClickHouse batch flush failed",
	})
	mirrorQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "avalon_analytics_queue_depth",
		Help: "Current depth of the analytics mirror queue",
	})
	mirrorFlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avalon_analytics_flush_duration_seconds",
		Help:    "Duration of batch inserts to ClickHouse for the event mirror",
		Buckets: prometheus.DefBuckets,
	})
)

// ClickHouseMirror ships a copy of every recorded event into ClickHouse for
// analytics/backfill. It is purely additive telemetry: a flush failure is
// logged and counted, never surfaced to the Observer or the referee. Batching
// shape (queue + ticker + size threshold) is grounded on the teacher's
// worker pool flush loop.
type ClickHouseMirror struct {
	conn   driver.Conn
	logger *zap.SugaredLogger

	queue     chan models.Event
	batchSize int
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClickHouseMirror starts the background batch writer. Call Stop to flush
// and shut it down.
func NewClickHouseMirror(conn driver.Conn, logger *zap.Logger, queueSize, batchSize int, flushInterval time.Duration) *ClickHouseMirror {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ClickHouseMirror{
		conn:      conn,
		logger:    logger.Sugar(),
		queue:     make(chan models.Event, queueSize),
		batchSize: batchSize,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go m.run(flushInterval)
	return m
}

// Ship enqueues event for mirroring. Non-blocking: a full queue drops the
// event and counts it as a mirror failure rather than backpressuring the
// Observer, which must never block on analytics.
func (m *ClickHouseMirror) Ship(event models.Event) {
	select {
	case m.queue <- event:
	default:
		eventsMirrorFailed.Inc()
		m.logger.Warnw("analytics queue full, dropping event", "battle_id", event.BattleID, "event_type", event.EventType)
	}
}

// Stop flushes any buffered events and stops the background writer.
func (m *ClickHouseMirror) Stop() {
	m.cancel()
	<-m.done
}

func (m *ClickHouseMirror) run(flushInterval time.Duration) {
	defer close(m.done)

	batch := make([]models.Event, 0, m.batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := m.insertBatch(batch); err != nil {
			m.logger.Errorw("analytics batch flush failed", "batch_size", len(batch), "error", err)
			eventsMirrorFailed.Add(float64(len(batch)))
		} else {
			eventsMirrored.Add(float64(len(batch)))
		}
		mirrorFlushDuration.Observe(time.Since(start).Seconds())
		batch = batch[:0]
	}

	for {
		mirrorQueueDepth.Set(float64(len(m.queue)))
		select {
		case event, ok := <-m.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= m.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-m.ctx.Done():
			flush()
			return
		}
	}
}

func (m *ClickHouseMirror) insertBatch(batch []models.Event) error {
	ctx := context.Background()
	chBatch, err := m.conn.PrepareBatch(ctx, `
		INSERT INTO avalon_stats.events (
			battle_id, sequence, timestamp, event_type, payload
		)
	`)
	if err != nil {
		return err
	}

	for i, event := range batch {
		payload, err := json.Marshal(event.EventData)
		if err != nil {
			m.logger.Warnw("failed to marshal event payload", "error", err, "event_type", event.EventType)
			continue
		}
		if err := chBatch.Append(event.BattleID, i, event.Timestamp, string(event.EventType), string(payload)); err != nil {
			m.logger.Warnw("failed to append event to batch", "error", err, "event_type", event.EventType)
			continue
		}
	}

	return chBatch.Send()
}
