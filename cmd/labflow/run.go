package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"

	"github.com/openbench/labflow/pkg/eventbus"
	"github.com/openbench/labflow/pkg/flow"
	"github.com/openbench/labflow/pkg/hardware"
	"github.com/openbench/labflow/pkg/log"
	"github.com/openbench/labflow/pkg/metric"
	"github.com/openbench/labflow/pkg/node"
	"github.com/openbench/labflow/pkg/nodes"
	"github.com/openbench/labflow/pkg/schema"
)

// NewRunCommand loads an experiment file and runs it until it completes, the
// duration elapses or the process is interrupted.
func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Run an experiment file",
		ArgsUsage: "<experiment.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.DurationFlag{
				Name:    "duration",
				Usage:   "Stop the experiment after this long (0 runs until the flow ends)",
				Value:   0,
				Sources: cli.EnvVars("LABFLOW_DURATION"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Serve Prometheus metrics on this address (empty disables)",
				Value:   "",
				Sources: cli.EnvVars("LABFLOW_METRICS_ADDR"),
			},
		},
		Action: runExperiment,
	}
}

func runExperiment(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("labflow")

	path := command.Args().First()
	if path == "" {
		return errors.New("usage: labflow run <experiment.json>")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read experiment: %w", err)
	}

	exp, err := schema.Parse(data)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := metric.New(registry)

	bus := eventbus.NewInProcess()
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Error("event bus close failed", "error", err)
		}
	}()

	mgr := hardware.NewManager(
		hardware.WithLogger(log.WithModule("hardware")),
		hardware.WithMetrics(metrics),
	)
	hardware.RegisterDefaultBoards(mgr)

	nodeRegistry := node.NewRegistry()
	if err := nodes.RegisterAll(nodeRegistry, mgr); err != nil {
		return fmt.Errorf("register node types: %w", err)
	}

	engine := flow.NewEngine(nodeRegistry,
		flow.WithEventBus(bus),
		flow.WithMetrics(metrics),
	)

	if err := schema.Load(ctx, exp, engine, mgr); err != nil {
		return err
	}
	defer mgr.Shutdown(context.Background())

	for _, issue := range engine.Validate() {
		logger.Warn("graph issue", "issue", issue)
	}

	if addr := command.String("metrics-addr"); addr != "" {
		go serveMetrics(logger, addr, registry)
	}

	// The flow publishes a state change when an experiment:end node stops it;
	// that is the normal way a run finishes.
	flowDone := make(chan struct{})

	var closeDone sync.Once

	bus.Handle(eventbus.FlowStateChangedEvent, func(_ context.Context, event eventbus.Event) error {
		if state, ok := event.(*eventbus.FlowStateChanged); ok && !state.Running {
			closeDone.Do(func() { close(flowDone) })
		}

		return nil
	})

	if err := bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var deadline <-chan time.Time
	if d := command.Duration("duration"); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	logger.Info("experiment starting", "name", exp.Name, "nodes", len(exp.Nodes))

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start flow: %w", err)
	}

	select {
	case <-flowDone:
		logger.Info("experiment finished", "name", exp.Name)
	case <-deadline:
		logger.Info("duration elapsed, stopping", "name", exp.Name)
	case sig := <-sigs:
		logger.Info("signal received, stopping", "signal", sig.String())
		mgr.EmergencyStop(context.Background())
	case <-ctx.Done():
	}

	engine.Stop()

	return nil
}

func serveMetrics(logger *slog.Logger, addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "addr", addr, "error", err)
	}
}
