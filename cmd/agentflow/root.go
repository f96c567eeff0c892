package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/config"
	"github.com/keleshteri/agent-flow-sub000/internal/logging"
	"github.com/keleshteri/agent-flow-sub000/internal/metrics"
	"github.com/keleshteri/agent-flow-sub000/internal/orchestrator"
	"github.com/keleshteri/agent-flow-sub000/internal/registry"
)

// shutdownTimeout bounds how long running workflows get to roll back on exit.
const shutdownTimeout = 30 * time.Second

type rootOptions struct {
	globalConfig  string
	projectConfig string
	logLevel      string
	forceMetrics  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	// Without a home directory only the project config applies.
	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		globalPath, projectPath = "", ".agentflow/config.yaml"
	}

	cmd := &cobra.Command{
		Use:   "agentflow",
		Short: "Workflow orchestration over capability-tagged agents",
		Long: `agentflow runs workflows of dependent steps on a pool of workers.

Each step declares a task type; the dispatcher picks the best available
worker advertising that capability, retries failures with backoff, and can
compensate completed steps when a workflow fails.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.globalConfig, "global-config", globalPath, "global config file")
	cmd.PersistentFlags().StringVarP(&opts.projectConfig, "config", "c", projectPath, "project config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newValidateCmd())
	cmd.AddCommand(newTaskCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	return cmd
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.globalConfig, o.projectConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

// runtime is an initialised engine plus the resources it needs released.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	engine   *orchestrator.Engine
	pm       *agent.ProcessManager
	registry *prometheus.Registry
}

func (o *rootOptions) start(ctx context.Context, extra ...orchestrator.Option) (*runtime, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, logger: logger, pm: agent.NewProcessManager()}
	engineOpts := []orchestrator.Option{orchestrator.WithLogger(logger)}
	if cfg.Metrics.Enabled || o.forceMetrics {
		rt.registry = prometheus.NewRegistry()
		rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		engineOpts = append(engineOpts, orchestrator.WithMetrics(metrics.NewCollector(cfg.Metrics.Namespace, rt.registry)))
	}
	engineOpts = append(engineOpts, extra...)

	workers := make([]registry.Worker, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		workers = append(workers, w.Build(rt.pm))
	}

	rt.engine = orchestrator.New(cfg, engineOpts...)
	if err := rt.engine.Init(ctx, workers...); err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	return rt, nil
}

// close shuts the engine down, then kills any worker process still alive.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.engine.Shutdown(ctx); err != nil {
		rt.logger.Warn("engine shutdown incomplete", zap.Error(err))
	}
	if err := rt.pm.KillAll(); err != nil {
		rt.logger.Warn("failed to kill worker processes", zap.Error(err))
	}
	_ = rt.logger.Sync()
}
