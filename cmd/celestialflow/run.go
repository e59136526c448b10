package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/Mr-xiaotian/CelestialFlow/flow"
	"github.com/Mr-xiaotian/CelestialFlow/internal/config"
	"github.com/Mr-xiaotian/CelestialFlow/internal/logging"
	"github.com/Mr-xiaotian/CelestialFlow/internal/otelinit"
	"github.com/Mr-xiaotian/CelestialFlow/internal/resilience"
)

func runCmd() *cobra.Command {
	var layout string
	var reportTo string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a demo CelestialFlow graph and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if layout != "" {
				cfg.Graph.LayoutMode = layout
			}

			logger := logging.Init(cfg.Service.Name)
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			shutdownTrace := otelinit.InitTracer(ctx, cfg.Service.Name)
			defer otelinit.Flush(context.Background(), shutdownTrace)
			shutdownMetrics, _ := otelinit.InitMetrics(ctx, cfg.Service.Name)
			defer otelinit.Flush(context.Background(), shutdownMetrics)

			g, err := buildDemoGraph(cfg)
			if err != nil {
				return err
			}

			store, err := flow.NewRunStore(cfg.Store.Path, otel.Meter("celestialflow"))
			if err != nil {
				return fmt.Errorf("open run store: %w", err)
			}
			defer store.Close()

			start := time.Now()
			runCtx, endSpan := otelinit.WithSpan(ctx, "graph.run")
			result, err := g.Run(runCtx)
			endSpan()
			if err != nil {
				return fmt.Errorf("run graph: %w", err)
			}

			rec := flow.RunRecord{
				RunID:      uuid.NewString(),
				GraphName:  "demo",
				StartTime:  start,
				Duration:   result.Duration,
				FailCount:  len(result.Failures),
				Failures:   result.Failures,
				StageStats: g.StatusSnapshot(time.Duration(cfg.Reporter.IntervalMillis) * time.Millisecond),
			}
			if err := store.PutRun(ctx, rec); err != nil {
				logger.Warn("failed to persist run record", "error", err)
			}

			if reportTo != "" {
				pushRunResult(ctx, reportTo, cfg.Graph.LayoutMode, g, result, rec, logger)
			}

			logger.Info("run complete",
				"run_id", rec.RunID,
				"duration", result.Duration,
				"failures", len(result.Failures))
			return nil
		},
	}
	cmd.Flags().StringVar(&layout, "layout", "", "override graph.layout_mode (process|serial)")
	cmd.Flags().StringVar(&reportTo, "report-to", "", "reporter base URL to push the final status to, e.g. http://localhost:8090")
	return cmd
}

// pushRunResult pushes the finished run's topology, status and failures
// to a reporter. Each push is retried a few times since the reporter may
// still be coming up; a push that never lands is logged and dropped.
func pushRunResult(ctx context.Context, baseURL, layoutMode string, g *flow.Graph, result *flow.RunResult, rec flow.RunRecord, logger *slog.Logger) {
	client := flow.NewReporterClient(baseURL)

	topo := flow.TopologyPush{
		IsDAG:      g.IsDAG(),
		LayoutMode: layoutMode,
		ClassName:  "Graph",
		LayersDict: g.LayersDict(),
	}
	pushes := []struct {
		name string
		fn   func() error
	}{
		{"push_topology", func() error { return client.PushTopology(ctx, topo) }},
		{"push_status", func() error { return client.PushStatus(ctx, rec.StageStats) }},
		{"push_errors", func() error {
			errs := make([]flow.ErrorPush, 0, len(result.Failures))
			for _, f := range result.Failures {
				errs = append(errs, flow.ErrorPush{Error: f.Err, Stage: f.StageTag, TaskID: f.ErrorID, Timestamp: f.Timestamp})
			}
			return client.PushErrors(ctx, errs)
		}},
	}
	for _, p := range pushes {
		_, err := resilience.Retry(ctx, 3, 200*time.Millisecond, func() (struct{}, error) {
			return struct{}{}, p.fn()
		})
		if err != nil {
			logger.Warn("reporter push failed", "push", p.name, "error", err)
		}
	}
}

// buildDemoGraph wires a three-stage chain (double -> stringify ->
// length) as a runnable example of the package's public API, seeded
// with a handful of integers.
func buildDemoGraph(cfg *config.Config) (*flow.Graph, error) {
	double := flow.NewStage("double", func(ctx context.Context, args ...any) (any, error) {
		n, _ := args[0].(int)
		return n * 2, nil
	}, flow.WithTag("double"))

	stringify := flow.NewStage("stringify", func(ctx context.Context, args ...any) (any, error) {
		return fmt.Sprintf("value=%v", args[0]), nil
	}, flow.WithTag("stringify"))

	length := flow.NewStage("length", func(ctx context.Context, args ...any) (any, error) {
		s, _ := args[0].(string)
		return len(s), nil
	}, flow.WithTag("length"))

	roots := flow.TaskChain(double, stringify, length)

	opts := []flow.GraphOption{
		flow.WithLayoutMode(flow.LayoutMode(cfg.Graph.LayoutMode)),
		flow.WithFallbackDir(cfg.Graph.FallbackDir),
		flow.WithPersistLeftovers(cfg.Graph.PersistLeftovers),
	}
	g, err := flow.NewGraph(roots, opts...)
	if err != nil {
		return nil, err
	}

	var seed []any
	for i := 1; i <= 5; i++ {
		seed = append(seed, i)
	}
	if err := g.InjectTasks(double.Tag(), seed); err != nil {
		return nil, err
	}
	return g, nil
}
