package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/keleshteri/agent-flow-sub000/internal/config"
	"github.com/keleshteri/agent-flow-sub000/internal/events"
	"github.com/keleshteri/agent-flow-sub000/internal/orchestrator"
	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
	"github.com/keleshteri/agent-flow-sub000/internal/tui"
)

// errWorkflowNotCompleted makes the process exit non-zero without a usage dump.
var errWorkflowNotCompleted = errors.New("workflow did not complete")

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		useTUI      bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow definition to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, root, args[0], useTUI, metricsAddr)
		},
	}
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show a live dashboard")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (enables metrics)")
	return cmd
}

func runWorkflow(cmd *cobra.Command, root *rootOptions, path string, useTUI bool, metricsAddr string) error {
	ctx := cmd.Context()
	wf, err := config.LoadWorkflow(path)
	if err != nil {
		return err
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}

	bus := events.NewEventBus()
	defer bus.Close()

	if metricsAddr != "" {
		root.forceMetrics = true
	}
	rt, err := root.start(ctx, orchestrator.WithEventBus(bus))
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.registry != nil {
		addr := metricsAddr
		if addr == "" {
			addr = rt.cfg.Metrics.Addr
		}
		stop := serveMetrics(addr, rt.registry, rt.logger)
		defer stop()
	}

	// Subscribe before submitting so no progress is missed.
	var program *tea.Program
	tuiDone := make(chan error, 1)
	progressDone := make(chan struct{})
	if useTUI {
		program = tea.NewProgram(tui.New(bus, wf.ID), tea.WithAltScreen(), tea.WithContext(ctx))
		close(progressDone)
	} else {
		sub := bus.Subscribe(events.TopicStep, 256)
		go func() {
			defer close(progressDone)
			printProgress(cmd.OutOrStdout(), sub)
		}()
	}

	id, err := rt.engine.SubmitWorkflow(ctx, wf)
	if err != nil {
		return err
	}

	if program != nil {
		go func() {
			_, err := program.Run()
			tuiDone <- err
		}()
	}

	res, err := waitWorkflow(ctx, rt.engine, id, tuiDone)
	bus.Close()
	<-progressDone
	if program != nil {
		program.Quit()
		<-tuiDone
	}
	if res == nil {
		return err
	}

	printResult(cmd.OutOrStdout(), res)
	if res.Status != scheduler.StatusCompleted {
		return fmt.Errorf("%w: %s", errWorkflowNotCompleted, res.Status)
	}
	return nil
}

// waitWorkflow waits for the workflow, cancelling it when ctx is done or
// the dashboard is closed early.
func waitWorkflow(ctx context.Context, e *orchestrator.Engine, id string, tuiDone chan error) (*scheduler.WorkflowResult, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case err := <-tuiDone:
			tuiDone <- err
			cancel()
		case <-waitCtx.Done():
		}
	}()

	res, err := e.Wait(waitCtx, id)
	if res != nil {
		return res, nil
	}

	// Interrupted: cancel and wait for rollback to finish.
	e.CancelWorkflow(id)
	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()
	res, werr := e.Wait(drainCtx, id)
	if res != nil {
		return res, nil
	}
	return nil, errors.Join(err, werr)
}

func printProgress(w io.Writer, sub <-chan events.Event) {
	for ev := range sub {
		switch ev := ev.(type) {
		case events.StepProgressEvent:
			line := fmt.Sprintf("%s  %-10s %s", ev.Timestamp.Format(time.TimeOnly), ev.Status, ev.StepID)
			if ev.WorkerID != "" {
				line += " (" + ev.WorkerID + ")"
			}
			if ev.Error != "" {
				line += ": " + ev.Error
			}
			fmt.Fprintln(w, line)
		case events.CompensationEvent:
			status := "compensated"
			if !ev.Succeeded {
				status = "compensation failed"
			}
			fmt.Fprintf(w, "%s  %-10s %s\n", ev.Timestamp.Format(time.TimeOnly), status, ev.StepID)
		}
	}
}

// serveMetrics exposes reg on addr until the returned stop is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
