package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ScheduleConfig defines when and how often to run a graph, for
// operators who want a graph run on a recurring cadence rather than
// invoked once.
type ScheduleConfig struct {
	GraphName     string
	CronExpr      string
	MaxConcurrent int
	Timeout       time.Duration
}

// GraphScheduler runs registered graphs on a cron cadence, recording
// each run in a RunStore.
type GraphScheduler struct {
	cron  *cron.Cron
	store *RunStore

	mu      sync.Mutex
	running map[string]int

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	tracer        trace.Tracer
	logger        *slog.Logger
}

// NewGraphScheduler builds a scheduler persisting completed runs to
// store and reporting metrics against meter.
func NewGraphScheduler(store *RunStore, meter metric.Meter, logger *slog.Logger) *GraphScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	scheduleRuns, _ := meter.Int64Counter("celestialflow_schedule_runs_total")
	scheduleFails, _ := meter.Int64Counter("celestialflow_schedule_failures_total")

	return &GraphScheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		running:       make(map[string]int),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		tracer:        otel.Tracer("celestialflow-scheduler"),
		logger:        logger,
	}
}

// Start begins firing registered schedules.
func (s *GraphScheduler) Start() {
	s.cron.Start()
	s.logger.Info("graph scheduler started")
}

// Stop gracefully stops the scheduler, waiting for in-flight cron jobs
// (each of which runs its graph to completion) to finish or ctx to
// expire.
func (s *GraphScheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		s.logger.Info("graph scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("graph scheduler stop timed out")
		return ctx.Err()
	}
}

// AddSchedule registers build to run on cfg's cron expression. build
// constructs a fresh Graph for each firing, since a Graph's internal
// queues and counters are single-use: a run drains its stages to
// completion.
func (s *GraphScheduler) AddSchedule(cfg ScheduleConfig, build func(ctx context.Context) (*Graph, error)) (cron.EntryID, error) {
	entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
		s.fire(context.Background(), cfg, build)
	})
	if err != nil {
		return 0, fmt.Errorf("add cron schedule for %q: %w", cfg.GraphName, err)
	}
	s.logger.Info("cron schedule added", "graph", cfg.GraphName, "cron", cfg.CronExpr, "entry_id", entryID)
	return entryID, nil
}

// RemoveSchedule cancels a previously registered cron entry.
func (s *GraphScheduler) RemoveSchedule(id cron.EntryID) {
	s.cron.Remove(id)
}

func (s *GraphScheduler) fire(ctx context.Context, cfg ScheduleConfig, build func(ctx context.Context) (*Graph, error)) {
	s.mu.Lock()
	if cfg.MaxConcurrent > 0 && s.running[cfg.GraphName] >= cfg.MaxConcurrent {
		s.mu.Unlock()
		s.logger.Warn("max concurrent graph runs reached", "graph", cfg.GraphName, "max", cfg.MaxConcurrent)
		return
	}
	s.running[cfg.GraphName]++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[cfg.GraphName]--
		s.mu.Unlock()
	}()

	runCtx, span := s.tracer.Start(ctx, "scheduler.run_graph",
		trace.WithAttributes(attribute.String("graph", cfg.GraphName)))
	defer span.End()

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	g, err := build(runCtx)
	if err != nil {
		s.logger.Error("schedule build failed", "graph", cfg.GraphName, "error", err)
		s.scheduleFails.Add(runCtx, 1, metric.WithAttributes(attribute.String("graph", cfg.GraphName)))
		return
	}

	result, err := g.Run(runCtx)
	if err != nil {
		s.logger.Error("scheduled graph run failed", "graph", cfg.GraphName, "error", err)
		s.scheduleFails.Add(runCtx, 1, metric.WithAttributes(attribute.String("graph", cfg.GraphName)))
		return
	}

	rec := RunRecord{
		RunID:     uuid.NewString(),
		GraphName: cfg.GraphName,
		StartTime: start,
		Duration:  result.Duration,
		FailCount: len(result.Failures),
		Failures:  result.Failures,
	}
	if s.store != nil {
		if err := s.store.PutRun(runCtx, rec); err != nil {
			s.logger.Error("failed to persist run record", "error", err)
		}
	}

	s.scheduleRuns.Add(runCtx, 1, metric.WithAttributes(
		attribute.String("graph", cfg.GraphName),
		attribute.String("status", "success"),
	))
	s.logger.Info("scheduled graph run completed",
		"graph", cfg.GraphName, "run_id", rec.RunID, "duration_ms", result.Duration.Milliseconds())
}
