package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestGraphSchedulerFirePersistsRunRecord(t *testing.T) {
	store := newTestRunStore(t)
	sched := NewGraphScheduler(store, otel.Meter("celestialflow-test"), nil)

	cfg := ScheduleConfig{GraphName: "demo"}
	build := func(ctx context.Context) (*Graph, error) {
		a := NewStage("a", func(ctx context.Context, args ...any) (any, error) {
			return args[0], nil
		}, WithTag("a"))
		g, err := NewGraph([]*Stage{a})
		if err != nil {
			return nil, err
		}
		if err := g.InjectTasks(a.Tag(), []any{1, 2}); err != nil {
			return nil, err
		}
		return g, nil
	}

	sched.fire(context.Background(), cfg, build)

	runs, err := store.ListRuns(context.Background(), "demo", time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 persisted run, got %d", len(runs))
	}
	if runs[0].FailCount != 0 {
		t.Fatalf("expected no failures, got %d", runs[0].FailCount)
	}
}

func TestGraphSchedulerFireSkipsWhenBuildFails(t *testing.T) {
	store := newTestRunStore(t)
	sched := NewGraphScheduler(store, otel.Meter("celestialflow-test"), nil)

	cfg := ScheduleConfig{GraphName: "broken"}
	build := func(ctx context.Context) (*Graph, error) {
		return nil, errors.New("cannot build graph")
	}

	sched.fire(context.Background(), cfg, build)

	runs, err := store.ListRuns(context.Background(), "broken", time.Now().Add(-time.Minute), time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Fatalf("expected no persisted run when build fails, got %d", len(runs))
	}
}

func TestGraphSchedulerFireRespectsMaxConcurrent(t *testing.T) {
	store := newTestRunStore(t)
	sched := NewGraphScheduler(store, otel.Meter("celestialflow-test"), nil)

	cfg := ScheduleConfig{GraphName: "limited", MaxConcurrent: 1}
	sched.running["limited"] = 1

	called := false
	build := func(ctx context.Context) (*Graph, error) {
		called = true
		return nil, errors.New("should not be invoked")
	}
	sched.fire(context.Background(), cfg, build)
	if called {
		t.Fatalf("expected fire to skip building when max concurrency already reached")
	}
}

func TestGraphSchedulerAddAndRemoveSchedule(t *testing.T) {
	store := newTestRunStore(t)
	sched := NewGraphScheduler(store, otel.Meter("celestialflow-test"), nil)

	id, err := sched.AddSchedule(ScheduleConfig{GraphName: "demo", CronExpr: "*/5 * * * * *"}, func(ctx context.Context) (*Graph, error) {
		return nil, errors.New("unused")
	})
	if err != nil {
		t.Fatal(err)
	}
	sched.RemoveSchedule(id)
}

func TestGraphSchedulerAddScheduleInvalidCronExpr(t *testing.T) {
	store := newTestRunStore(t)
	sched := NewGraphScheduler(store, otel.Meter("celestialflow-test"), nil)

	_, err := sched.AddSchedule(ScheduleConfig{GraphName: "demo", CronExpr: "not a cron expr"}, func(ctx context.Context) (*Graph, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatalf("expected an error for an invalid cron expression")
	}
}
