// Package consumer implements four of the five cooperating consumer roles
// (Event, Generation, Message, Output) plus the shared lifecycle they all
// follow (spec.md §4.3-§4.6, §5). The fifth, Cluster, is implemented
// separately in internal/cluster since it is a control-plane bus, not a
// queue consumer.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/timour/aiomessaging/internal/broker"
)

// stopTimeout bounds how long Stop waits on the in-flight WaitGroup for
// every handler task to drain before giving up (spec.md §5 "stop()... waits
// for the monitor with a 2 s timeout"). There is no separate periodic
// reaper.
const stopTimeout = 2 * time.Second

// Base is the shared running/in-flight/stop machinery every consumer role
// embeds. It owns no queue-specific knowledge: subtypes call Track around
// their own handler bodies and Own to register what Stop cancels.
type Base struct {
	log     *slog.Logger
	running atomic32
	mu      sync.Mutex
	inFlight sync.WaitGroup
	owned    []broker.Consumption
	stopOnce sync.Once
}

// atomic32 is a mutex-guarded bool: running is read and written from
// multiple goroutines (the consumer's own Track calls plus Stop).
type atomic32 struct {
	mu sync.RWMutex
	v  bool
}

func (a *atomic32) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic32) get() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.v
}

// NewBase constructs a Base ready to track work under the given logger.
func NewBase(log *slog.Logger) *Base {
	b := &Base{log: log}
	b.running.set(true)
	return b
}

// Running reports whether Stop has not yet been called.
func (b *Base) Running() bool { return b.running.get() }

// Own registers a Consumption so Stop cancels it.
func (b *Base) Own(c broker.Consumption) {
	b.mu.Lock()
	b.owned = append(b.owned, c)
	b.mu.Unlock()
}

// Track runs fn as an in-flight handler task, counted so Stop can wait for
// it to finish draining (spec.md §5 "lets outstanding handler tasks
// complete (no forced kill)").
func (b *Base) Track(fn func()) {
	b.inFlight.Add(1)
	go func() {
		defer b.inFlight.Done()
		fn()
	}()
}

// Stop sets running = false, cancels every owned consumption, then waits up
// to stopTimeout for in-flight handlers to drain (spec.md §5 "stop()").
func (b *Base) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.running.set(false)

		b.mu.Lock()
		owned := b.owned
		b.mu.Unlock()
		for _, c := range owned {
			if err := c.Cancel(ctx); err != nil {
				b.log.Error("consumer: cancel failed", slog.String("error", err.Error()))
			}
		}

		done := make(chan struct{})
		go func() {
			b.inFlight.Wait()
			close(done)
		}()

		timer := time.NewTimer(stopTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			b.log.Warn("consumer: stop timed out waiting for in-flight handlers")
		}
	})
}
