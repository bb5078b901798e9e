// Command worker runs a node of the messaging framework (spec.md §6.4):
// `worker -c <config>` starts it, `send <event_type>` publishes test events.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/timour/aiomessaging/internal/broker"
	"github.com/timour/aiomessaging/internal/builtins"
	"github.com/timour/aiomessaging/internal/config"
	"github.com/timour/aiomessaging/internal/event"
	"github.com/timour/aiomessaging/internal/logging"
	"github.com/timour/aiomessaging/internal/manager"
	"github.com/timour/aiomessaging/internal/output"
	"github.com/timour/aiomessaging/internal/pipeline"
	"github.com/timour/aiomessaging/internal/tracing"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aiomessaging",
		Short: "Distributed asynchronous messaging worker",
	}
	root.AddCommand(newWorkerCmd())
	root.AddCommand(newSendCmd())
	return root
}

func newWorkerCmd() *cobra.Command {
	var configPath string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start a worker node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), configPath, metricsAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the worker configuration file")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address the Prometheus /metrics endpoint listens on")
	return cmd
}

func newSendCmd() *cobra.Command {
	var configPath string
	var payloadJSON string
	var count int
	var loop bool

	cmd := &cobra.Command{
		Use:   "send <event_type> [payload-json]",
		Short: "Publish test events",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType := args[0]
			if len(args) == 2 {
				payloadJSON = args[1]
			}
			return runSend(cmd.Context(), configPath, eventType, payloadJSON, count, loop)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the worker configuration file")
	cmd.Flags().IntVar(&count, "count", 1, "number of events to publish")
	cmd.Flags().BoolVar(&loop, "loop", false, "publish continuously until interrupted")
	return cmd
}

func runWorker(ctx context.Context, configPath, metricsAddr string) error {
	log := logging.New("aiomessaging-worker")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sigCh
		cancel()
	}()
	ctx = runCtx

	shutdownTracing, err := tracing.Init("aiomessaging-worker", log)
	if err != nil {
		return fmt.Errorf("worker: init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error("worker: tracing shutdown failed", slog.String("error", err.Error()))
		}
	}()

	brk, err := broker.Dial(ctx, broker.Config{
		Host:             cfg.Queue.Host,
		Port:             cfg.Queue.Port,
		Username:         cfg.Queue.Username,
		Password:         cfg.Queue.Password,
		VirtualHost:      cfg.Queue.VirtualHost,
		ReconnectTimeout: cfg.Queue.ReconnectTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("worker: connect to broker: %w", err)
	}

	outputs := output.NewRegistry()
	output.RegisterContrib(outputs, logging.Component(log, "output"))

	builder := pipeline.NewRegistry()
	builtins.RegisterEventSteps(builder)
	builtins.RegisterGenerators(builder)

	mgr := manager.New(cfg, brk, outputs, builder, log)
	if err := mgr.Start(ctx, metricsAddr); err != nil {
		return fmt.Errorf("worker: start manager: %w", err)
	}

	log.Info("worker started")
	<-ctx.Done()
	log.Info("shutting down")

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		shutdownDone <- mgr.Shutdown(shutdownCtx)
	}()

	// A second interrupt while shutdown is in flight means the operator
	// wants out now: skip waiting on mgr.Shutdown and exit hard, matching
	// the original's second-KeyboardInterrupt behavior during start().
	select {
	case err := <-shutdownDone:
		return err
	case <-sigCh:
		log.Error("Stopped hard. Exiting.")
		os.Exit(1)
		return nil
	}
}

func runSend(ctx context.Context, configPath, eventType, payloadJSON string, count int, loop bool) error {
	log := logging.New("aiomessaging-send")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	brk, err := broker.Dial(ctx, broker.Config{
		Host:             cfg.Queue.Host,
		Port:             cfg.Queue.Port,
		Username:         cfg.Queue.Username,
		Password:         cfg.Queue.Password,
		VirtualHost:      cfg.Queue.VirtualHost,
		ReconnectTimeout: cfg.Queue.ReconnectTimeout,
	}, log)
	if err != nil {
		return fmt.Errorf("send: connect to broker: %w", err)
	}
	defer brk.Close(context.Background())

	ch, err := brk.Channel(ctx, "send")
	if err != nil {
		return err
	}
	queueName := "events." + eventType
	if err := ch.DeclareQueue(ctx, broker.QueueSpec{Name: queueName, Durable: true}); err != nil {
		return err
	}
	if err := ch.Bind(ctx, queueName, "", queueName); err != nil {
		return err
	}

	payload := map[string]any{}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return fmt.Errorf("send: parse payload: %w", err)
		}
	}

	publishOne := func() error {
		e := event.New("", eventType, payload)
		body, err := e.ToJSON()
		if err != nil {
			return err
		}
		if err := ch.Publish(ctx, "", queueName, nil, body); err != nil {
			return err
		}
		log.Info("published event", slog.String("event_id", e.ID))
		return nil
	}

	if loop {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if err := publishOne(); err != nil {
				return err
			}
		}
	}

	for i := 0; i < count; i++ {
		if err := publishOne(); err != nil {
			return err
		}
	}
	return nil
}
