// Package bridge implements the one-way message conduit between data-plane
// workers and the single-threaded control loop (spec.md §4.F). It is
// grounded on pkg/flusher.BackgroundUploader's bounded-channel,
// fixed-worker-pool, graceful-drain shape, narrowed to a single consumer
// goroutine (the control loop owns all mutation, spec.md §5) and widened
// to carry arbitrary named events instead of one request type.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/ferrule/ferrule/internal/logger"
	"github.com/ferrule/ferrule/internal/metrics"
)

// ErrAgain is returned by Post when the ring is full; callers must treat
// this as "drop the packet and increment a counter", never block.
var ErrAgain = errAgain{}

type errAgain struct{}

func (errAgain) Error() string { return "bridge: ring full (AGAIN)" }

// HandlerFunc processes one posted unit on the control loop goroutine.
type HandlerFunc func(payload any)

// Handler is a registered destination for posted units (spec.md §4.F
// register_handler). IsStack marks handlers that re-inject into a named
// data-plane node rather than taking a typed control-plane pointer.
type Handler struct {
	ID      int
	Name    string
	IsStack bool
	fn      HandlerFunc
}

type unit struct {
	handlerID int
	payload   any
}

// Bridge is the single-consumer, multi-producer event channel linking
// data-plane workers to the control loop.
type Bridge struct {
	queue    chan unit
	handlers []Handler

	wg        sync.WaitGroup
	stopCh    chan struct{}
	stoppedCh chan struct{}

	mu      sync.Mutex
	started bool
	posted  uint64
	dropped uint64

	metrics *metrics.Metrics
}

// Config bounds the bridge's ring capacity.
type Config struct {
	// RingSize is the capacity of the posting channel. Default: 4096.
	RingSize int
	// Metrics is optional; a nil value disables ferrule_bridge_* metrics.
	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{RingSize: 4096}
}

// New creates a Bridge with an empty handler table.
func New(cfg Config) *Bridge {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 4096
	}
	return &Bridge{
		queue:     make(chan unit, cfg.RingSize),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
		metrics:   cfg.Metrics,
	}
}

// RegisterHandler registers a named handler at startup and returns its ID.
// Not safe to call concurrently with Run or Post.
func (b *Bridge) RegisterHandler(name string, isStack bool, fn HandlerFunc) int {
	id := len(b.handlers)
	b.handlers = append(b.handlers, Handler{ID: id, Name: name, IsStack: isStack, fn: fn})
	return id
}

// Post enqueues a unit for the control loop's single consumer. Safe to call
// from any data-plane worker goroutine; never blocks. Returns ErrAgain when
// the ring is full — the caller must drop the packet and count it.
func (b *Bridge) Post(handlerID int, payload any) error {
	select {
	case b.queue <- unit{handlerID: handlerID, payload: payload}:
		b.mu.Lock()
		b.posted++
		b.mu.Unlock()
		b.metrics.BridgePosted()
		return nil
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		b.metrics.BridgeDropped()
		return ErrAgain
	}
}

// Stats returns the lifetime posted/dropped counters.
func (b *Bridge) Stats() (posted, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.posted, b.dropped
}

// Run starts the single control-loop consumer goroutine. Handlers execute
// on this goroutine only, preserving spec.md §5's "control loop only"
// mutation rule.
func (b *Bridge) Run(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	logger.Info("bridge consumer starting", "handlers", len(b.handlers))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.stopCh:
				b.drain()
				return
			case <-ctx.Done():
				return
			case u := <-b.queue:
				b.dispatch(u)
			}
		}
	}()

	go func() {
		b.wg.Wait()
		close(b.stoppedCh)
	}()
}

func (b *Bridge) drain() {
	for {
		select {
		case u := <-b.queue:
			b.dispatch(u)
		default:
			return
		}
	}
}

func (b *Bridge) dispatch(u unit) {
	if u.handlerID < 0 || u.handlerID >= len(b.handlers) {
		logger.Warn("bridge: posted unit for unknown handler", "handlerID", u.handlerID)
		return
	}
	b.handlers[u.handlerID].fn(u.payload)
}

// Stop signals the consumer to drain the queue and exit, waiting up to
// timeout for it to finish (spec.md §5: "shutdown stops the control loop,
// drains timers, frees all pool entries; the data plane is stopped first").
func (b *Bridge) Stop(timeout time.Duration) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	close(b.stopCh)

	select {
	case <-b.stoppedCh:
		logger.Info("bridge consumer stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("bridge consumer stop timed out")
	}
}
