// Package manager wires every consumer role together per spec.md §4.8:
// builds the cluster bus, starts the Generation consumer, one Event and one
// Message consumer per configured event type, and supervises startup and
// graceful shutdown.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/timour/aiomessaging/internal/broker"
	"github.com/timour/aiomessaging/internal/cluster"
	"github.com/timour/aiomessaging/internal/config"
	"github.com/timour/aiomessaging/internal/consumer"
	"github.com/timour/aiomessaging/internal/effect"
	"github.com/timour/aiomessaging/internal/metrics"
	"github.com/timour/aiomessaging/internal/output"
	"github.com/timour/aiomessaging/internal/pipeline"
	"github.com/timour/aiomessaging/internal/router"
)

// EventPipelineBuilder resolves a config.EventConfig's pipeline definitions
// into live callables. A real deployment plugs in its own dotted-path
// resolver here; tests and the CLI's worker command use a registry of
// named functions (pipeline.Registry) instead (Design Notes §9, no Go
// equivalent of Python's import-by-string).
type EventPipelineBuilder interface {
	BuildEventPipeline(eventType string, steps []string) (*pipeline.EventPipeline, error)
	BuildGenerationPipeline(eventType string, generators []string) (*pipeline.GenerationPipeline, error)
	BuildOutputSpec(eventType string, spec config.OutputSpec) (router.OutputSpec, error)
}

// Manager is the ConsumersManager: it owns the broker connection, the
// cluster bus, and every consumer role, and supervises their lifecycle.
type Manager struct {
	cfg     *config.Config
	brk     broker.Broker
	log     *slog.Logger
	metrics *metrics.Pipeline
	effects *effect.Registry
	builder EventPipelineBuilder

	bus        *cluster.Bus
	generation *consumer.Generation
	events     []*consumer.Event
	messages   map[string]*consumer.Message
	routers    map[string]*router.Router

	mu              sync.Mutex
	outputConsumers map[string]map[string]*consumer.Output // event_type -> output_name -> consumer

	metricsServer *http.Server
	busConsumption broker.Consumption
}

// New constructs a Manager ready to Start. outputs should already have
// every backend the configured pipelines reference registered on it.
func New(cfg *config.Config, brk broker.Broker, outputs *output.Registry, builder EventPipelineBuilder, log *slog.Logger) *Manager {
	return &Manager{
		cfg:             cfg,
		brk:             brk,
		log:             log,
		metrics:         metrics.New("aiomessaging"),
		effects:         effect.NewDefaultRegistry(outputs),
		builder:         builder,
		messages:        map[string]*consumer.Message{},
		routers:         map[string]*router.Router{},
		outputConsumers: map[string]map[string]*consumer.Output{},
	}
}

// Start builds the cluster bus, the Generation consumer, and one Event +
// Message consumer per configured event type, then begins consuming
// (spec.md §4.8). It also starts a Prometheus /metrics endpoint on
// metricsAddr if non-empty.
func (m *Manager) Start(ctx context.Context, metricsAddr string) error {
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		m.metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := m.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				m.log.Error("metrics server error", slog.String("error", err.Error()))
			}
		}()
	}

	clusterCh, err := m.brk.Channel(ctx, "cluster")
	if err != nil {
		return fmt.Errorf("manager: open cluster channel: %w", err)
	}
	m.bus, err = cluster.New(ctx, clusterCh, m.log, m.onStartConsume, m.onOutputObserved)
	if err != nil {
		return fmt.Errorf("manager: build cluster bus: %w", err)
	}
	m.bus.Metrics = m.metrics
	m.busConsumption, err = m.bus.Listen(ctx)
	if err != nil {
		return fmt.Errorf("manager: listen cluster bus: %w", err)
	}

	genCh, err := m.brk.Channel(ctx, "generation")
	if err != nil {
		return fmt.Errorf("manager: open generation channel: %w", err)
	}
	m.generation = consumer.NewGeneration(genCh, m.cfg.CleanupTimeout, m.log)
	m.generation.Metrics = m.metrics
	m.generation.StartMonitor(ctx)

	for eventType, ec := range m.cfg.Events {
		if err := m.startEventType(ctx, eventType, ec); err != nil {
			return fmt.Errorf("manager: start event type %q: %w", eventType, err)
		}
	}

	return nil
}

func (m *Manager) startEventType(ctx context.Context, eventType string, ec config.EventConfig) error {
	eventPipeline, err := m.builder.BuildEventPipeline(eventType, ec.EventPipeline)
	if err != nil {
		return err
	}
	genPipeline, err := m.builder.BuildGenerationPipeline(eventType, ec.Generators)
	if err != nil {
		return err
	}
	outputSpec, err := m.builder.BuildOutputSpec(eventType, ec.Output)
	if err != nil {
		return err
	}

	rtBuilder := &router.Builder{Effects: m.effects}
	rt, err := router.New(outputSpec, rtBuilder)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}
	rt.Metrics = m.metrics
	m.routers[eventType] = rt

	var available consumer.AvailableOutputs
	if len(ec.AvailableOutputs) > 0 {
		available = consumer.AvailableOutputs{}
		for _, name := range ec.AvailableOutputs {
			available[name] = struct{}{}
		}
	}

	msgCh, err := m.brk.Channel(ctx, "message."+eventType)
	if err != nil {
		return err
	}
	msgConsumer := consumer.NewMessage(eventType, rt, m, available, m.log)
	if err := msgConsumer.Listen(ctx, msgCh); err != nil {
		return err
	}
	m.messages[eventType] = msgConsumer

	evCh, err := m.brk.Channel(ctx, "event."+eventType)
	if err != nil {
		return err
	}
	evConsumer := consumer.NewEvent(eventType, eventPipeline, genPipeline, m, m.log)
	evConsumer.Metrics = m.metrics
	if err := evConsumer.Listen(ctx, evCh); err != nil {
		return err
	}
	m.events = append(m.events, evConsumer)

	return nil
}

// Consume implements consumer.GenerationStarter, forwarding a freshly
// announced tmp queue into the shared Generation consumer.
func (m *Manager) Consume(ctx context.Context, queue, eventType string) error {
	return m.generation.Consume(ctx, queue, eventType)
}

// AnnounceStartConsume implements consumer.GenerationStarter.
func (m *Manager) AnnounceStartConsume(ctx context.Context, queueName string) error {
	return m.bus.AnnounceStartConsume(ctx, queueName)
}

// AnnounceOutput implements consumer.OutputAnnouncer: it starts a local
// Output consumer for (eventType, out) idempotently, then broadcasts
// output_observed so every other worker tries too (spec.md §4.5 step 3a).
func (m *Manager) AnnounceOutput(ctx context.Context, eventType string, out output.Backend) error {
	if err := m.startOutputConsumer(ctx, eventType, out.Name()); err != nil {
		return err
	}

	serialized, err := output.Serialize(out)
	if err != nil {
		return err
	}
	return m.bus.AnnounceOutputObserved(ctx, eventType, json.RawMessage(serialized))
}

// onStartConsume implements cluster.StartConsumeHandler.
func (m *Manager) onStartConsume(ctx context.Context, queueName string) error {
	eventType := eventTypeFromTmpQueue(queueName)
	return m.generation.Consume(ctx, queueName, eventType)
}

// onOutputObserved implements cluster.OutputObservedHandler.
func (m *Manager) onOutputObserved(ctx context.Context, eventType string, raw json.RawMessage) error {
	outputs := m.effects.Outputs()
	backend, err := outputs.Load(raw)
	if err != nil {
		return err
	}
	return m.startOutputConsumer(ctx, eventType, backend.Name())
}

// startOutputConsumer is idempotent: a duplicate start for the same
// (event_type, output) is a no-op (spec.md §4.8).
func (m *Manager) startOutputConsumer(ctx context.Context, eventType, outputName string) error {
	m.mu.Lock()
	byOutput, ok := m.outputConsumers[eventType]
	if !ok {
		byOutput = map[string]*consumer.Output{}
		m.outputConsumers[eventType] = byOutput
	}
	if _, exists := byOutput[outputName]; exists {
		m.mu.Unlock()
		return nil
	}
	rt, ok := m.routers[eventType]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: no router configured for event type %q", eventType)
	}

	ch, err := m.brk.Channel(ctx, fmt.Sprintf("output.%s.%s", eventType, outputName))
	if err != nil {
		return err
	}
	msgCh, err := m.brk.Channel(ctx, "message."+eventType)
	if err != nil {
		return err
	}
	out := consumer.NewOutput(eventType, outputName, rt, msgCh, m.log)
	if err := out.Listen(ctx, ch); err != nil {
		return err
	}

	m.mu.Lock()
	m.outputConsumers[eventType][outputName] = out
	m.mu.Unlock()
	return nil
}

func eventTypeFromTmpQueue(queueName string) string {
	// gen.<type>.<uuid>
	rest := queueName
	const prefix = "gen."
	if len(rest) > len(prefix) && rest[:len(prefix)] == prefix {
		rest = rest[len(prefix):]
	}
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == '.' {
			return rest[:i]
		}
	}
	return rest
}

// Shutdown stops every consumer role in reverse dependency order, then the
// cluster bus, then closes the broker connection (spec.md §4.8).
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	var outputs []*consumer.Output
	for _, byOutput := range m.outputConsumers {
		for _, o := range byOutput {
			outputs = append(outputs, o)
		}
	}
	m.mu.Unlock()
	for _, o := range outputs {
		o.Stop(ctx)
	}

	for _, c := range m.messages {
		c.Stop(ctx)
	}
	for _, c := range m.events {
		c.Stop(ctx)
	}
	if m.generation != nil {
		m.generation.Stop(ctx)
	}
	if m.busConsumption != nil {
		if err := m.busConsumption.Cancel(ctx); err != nil {
			m.log.Error("manager: cluster bus cancel failed", slog.String("error", err.Error()))
		}
	}

	if m.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := m.metricsServer.Shutdown(shutdownCtx); err != nil {
			m.log.Error("manager: metrics server shutdown failed", slog.String("error", err.Error()))
		}
	}

	return m.brk.Close(ctx)
}
