package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/timour/aiomessaging/internal/broker"
	"github.com/timour/aiomessaging/internal/metrics"
)

// DefaultCleanupTimeout is how long a tmp generation queue may sit idle
// before the Generation consumer cancels and deletes it (spec.md §4.4,
// default 1 s).
const DefaultCleanupTimeout = 1 * time.Second

// monitorPeriod is how often the idle-queue sweep runs (spec.md §4.4
// "monitor loop (period = 1 s)").
const monitorPeriod = 1 * time.Second

// Generation is the single per-worker consumer draining every tmp
// generation queue it has been told to consume into the durable
// messages.<event_type> exchange, and garbage-collecting idle ones
// (spec.md §4.4).
type Generation struct {
	*Base
	ch              broker.Channel
	cleanupTimeout  time.Duration
	log             *slog.Logger

	mu               sync.Mutex
	lastReceivedTime map[string]time.Time
	consumptions     map[string]broker.Consumption

	stopMonitor chan struct{}

	// Metrics is optional; a nil Metrics disables instrumentation.
	Metrics *metrics.Pipeline
}

// NewGeneration constructs a Generation consumer bound to ch, the channel
// used both to consume tmp queues and to republish onto messages.<type>.
func NewGeneration(ch broker.Channel, cleanupTimeout time.Duration, log *slog.Logger) *Generation {
	if cleanupTimeout <= 0 {
		cleanupTimeout = DefaultCleanupTimeout
	}
	l := log.With(slog.String("role", "generation"))
	return &Generation{
		Base:             NewBase(l),
		ch:               ch,
		cleanupTimeout:   cleanupTimeout,
		log:              l,
		lastReceivedTime: map[string]time.Time{},
		consumptions:     map[string]broker.Consumption{},
		stopMonitor:      make(chan struct{}),
	}
}

// StartMonitor launches the idle-queue GC sweep. Call once, alongside the
// first Consume.
func (g *Generation) StartMonitor(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(monitorPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopMonitor:
				return
			case <-ticker.C:
				g.sweep(ctx)
			}
		}
	}()
}

func (g *Generation) sweep(ctx context.Context) {
	now := time.Now()
	var idle []string
	g.mu.Lock()
	for queue, last := range g.lastReceivedTime {
		if now.Sub(last) > g.cleanupTimeout {
			idle = append(idle, queue)
		}
	}
	g.mu.Unlock()

	for _, queue := range idle {
		g.log.Info("cancel by generation monitoring", slog.String("queue", queue))
		g.cancelAndDelete(ctx, queue)
	}
}

func (g *Generation) cancelAndDelete(ctx context.Context, queue string) {
	g.mu.Lock()
	consumption, ok := g.consumptions[queue]
	delete(g.consumptions, queue)
	delete(g.lastReceivedTime, queue)
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := consumption.Cancel(ctx); err != nil {
		g.log.Error("generation consumer: cancel failed", slog.String("queue", queue), slog.String("error", err.Error()))
	}
	if err := g.ch.DeleteQueue(ctx, queue); err != nil {
		g.log.Error("generation consumer: delete queue failed", slog.String("queue", queue), slog.String("error", err.Error()))
	}
	if g.Metrics != nil {
		g.Metrics.TmpQueuesGCed.Inc()
	}
}

// Consume starts draining queue, republishing every message it receives to
// messages.<eventType> with routing key = eventType (spec.md §4.4).
func (g *Generation) Consume(ctx context.Context, queue, eventType string) error {
	g.mu.Lock()
	if _, already := g.consumptions[queue]; already {
		g.mu.Unlock()
		return nil
	}
	g.lastReceivedTime[queue] = time.Now()
	g.mu.Unlock()

	consumption, err := g.ch.Consume(ctx, queue, func(ctx context.Context, d broker.Delivery) error {
		g.mu.Lock()
		g.lastReceivedTime[queue] = time.Now()
		g.mu.Unlock()

		g.Track(func() {
			dest := "messages." + eventType
			if err := g.ch.Publish(ctx, dest, eventType, nil, d.Body); err != nil {
				g.log.Error("generation consumer: republish failed", slog.String("error", err.Error()))
			}
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("generation consumer: consume %q: %w", queue, err)
	}

	g.mu.Lock()
	g.consumptions[queue] = consumption
	g.mu.Unlock()
	g.Own(consumption)
	return nil
}

// Stop cancels the monitor loop in addition to the base shutdown sequence.
func (g *Generation) Stop(ctx context.Context) {
	close(g.stopMonitor)
	g.Base.Stop(ctx)
}
