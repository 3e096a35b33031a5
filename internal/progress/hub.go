package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HubConfig controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type HubConfig struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

func (c HubConfig) withDefaults() HubConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub relays progress events to registered sinks on a background goroutine.
// Tree callbacks run while the tree is locked, so Emit never blocks: when the
// buffer is full the event is dropped and counted.
type Hub struct {
	cfg    HubConfig
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	dropLimiter rateLimiter
	pending     atomic.Int64
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub initializes a Hub and starts the batching goroutine. The returned Hub
// is immediately ready to accept events.
func NewHub(cfg HubConfig, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      cfg.Logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.pending.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			h.logger.Warn("progress events dropped due to backpressure",
				zap.Int64("dropped", h.pending.Swap(0)),
				zap.Int64("dropped_total", h.dropped.Load()),
			)
		}
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Close stops accepting events, drains the buffer, flushes and closes sinks,
// then waits for the background goroutine. Subsequent calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := newBatchTimer(h.cfg.MaxBatchWait)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
				timer.stop()
			} else {
				timer.arm()
			}
		case <-timer.C():
			timer.fired()
			batch = h.flush(batch)
		case <-h.stopCh:
			timer.stop()
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			h.flush(batch)
			return
		}
	}
}

// flush hands a copy of batch to every sink and returns batch emptied.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", fmt.Sprintf("%T", sink)),
				zap.Int("events", len(out)),
				zap.Error(err),
			)
		}
		cancel()
	}
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.String("sink", fmt.Sprintf("%T", sink)), zap.Error(err))
		}
	}
}

// batchTimer wraps a stopped time.Timer that is armed by the first event of a
// batch and disarmed whenever the batch is flushed.
type batchTimer struct {
	t      *time.Timer
	wait   time.Duration
	active bool
}

func newBatchTimer(wait time.Duration) *batchTimer {
	t := time.NewTimer(wait)
	t.Stop()
	return &batchTimer{t: t, wait: wait}
}

func (b *batchTimer) C() <-chan time.Time {
	return b.t.C
}

func (b *batchTimer) arm() {
	if b.active {
		return
	}
	b.t.Reset(b.wait)
	b.active = true
}

func (b *batchTimer) fired() {
	b.active = false
}

func (b *batchTimer) stop() {
	if !b.active {
		return
	}
	if !b.t.Stop() {
		select {
		case <-b.t.C:
		default:
		}
	}
	b.active = false
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
