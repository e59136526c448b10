package flow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGraphRunLinearChainProducesExpectedOutputs(t *testing.T) {
	double := NewStage("double", func(ctx context.Context, args ...any) (any, error) {
		return args[0].(int) * 2, nil
	}, WithTag("double"))
	addOne := NewStage("addOne", func(ctx context.Context, args ...any) (any, error) {
		return args[0].(int) + 1, nil
	}, WithTag("addOne"))

	roots := TaskChain(double, addOne)
	g, err := NewGraph(roots)
	if err != nil {
		t.Fatal(err)
	}
	if !g.IsDAG() {
		t.Fatalf("expected a linear chain to be a DAG")
	}
	if err := g.InjectTasks(double.Tag(), []any{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := g.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("expected no failures, got %v", result.Failures)
	}

	succ, _, _ := addOne.Counters()
	if succ != 3 {
		t.Fatalf("expected addOne to process 3 tasks, got %d", succ)
	}
}

func TestGraphDetectsCycle(t *testing.T) {
	a := NewStage("a", noopFn, WithTag("a"))
	b := NewStage("b", noopFn, WithTag("b"))
	roots := TaskLoop(a, b)

	g, err := NewGraph(roots, WithPutTerminationSignal(false))
	if err != nil {
		t.Fatal(err)
	}
	if g.IsDAG() {
		t.Fatalf("expected a loop graph to be detected as non-DAG")
	}
	if len(g.LayersDict()) != 0 {
		t.Fatalf("expected empty layers dict for a cyclic graph")
	}
}

func TestGraphSerialLayoutRejectsCycles(t *testing.T) {
	a := NewStage("a", noopFn, WithTag("a"))
	b := NewStage("b", noopFn, WithTag("b"))
	roots := TaskLoop(a, b)

	g, err := NewGraph(roots, WithPutTerminationSignal(false), WithLayoutMode(LayoutSerial))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = g.Run(ctx)
	if err == nil {
		t.Fatalf("expected serial layout to reject a cyclic graph")
	}
}

func TestGraphSerialLayoutLinearChain(t *testing.T) {
	a := NewStage("a", func(ctx context.Context, args ...any) (any, error) {
		return args[0].(int) + 1, nil
	}, WithTag("a"))
	b := NewStage("b", func(ctx context.Context, args ...any) (any, error) {
		return args[0].(int) * 10, nil
	}, WithTag("b"))
	roots := TaskChain(a, b)

	g, err := NewGraph(roots, WithLayoutMode(LayoutSerial))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(a.Tag(), []any{1, 2}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := g.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("expected no failures, got %v", result.Failures)
	}
	succ, _, _ := b.Counters()
	if succ != 2 {
		t.Fatalf("expected b to process 2 tasks, got %d", succ)
	}
}

func TestGraphAggregatesFailuresByErrorAndStage(t *testing.T) {
	failing := NewStage("failing", func(ctx context.Context, args ...any) (any, error) {
		return nil, NewUserFunctionError(errors.New("boom"))
	}, WithTag("failing"))
	roots := TaskChain(failing)

	g, err := NewGraph(roots)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(failing.Tag(), []any{1, 2}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := g.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(result.Failures))
	}
	key := ErrorStageKey{ErrorKind: "UserFunctionError", StageTag: "failing"}
	if len(result.ByError[key]) != 2 {
		t.Fatalf("expected 2 failures indexed by (UserFunctionError, failing), got %d", len(result.ByError[key]))
	}
	if len(result.ByStage["failing"]) != 2 {
		t.Fatalf("expected 2 failures indexed by stage 'failing', got %d", len(result.ByStage["failing"]))
	}
}

func TestGraphInjectTasksUnknownStageErrors(t *testing.T) {
	a := NewStage("a", noopFn, WithTag("a"))
	g, err := NewGraph([]*Stage{a})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks("missing", []any{1}); err == nil {
		t.Fatalf("expected error injecting into an unknown stage tag")
	}
}

func TestGraphStatusSnapshotReportsCounts(t *testing.T) {
	a := NewStage("a", func(ctx context.Context, args ...any) (any, error) {
		return args[0], nil
	}, WithTag("a"))
	g, err := NewGraph([]*Stage{a})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(a.Tag(), []any{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.Run(ctx); err != nil {
		t.Fatal(err)
	}

	snap := g.StatusSnapshot(100 * time.Millisecond)
	got, ok := snap["a"]
	if !ok {
		t.Fatalf("expected a snapshot for stage 'a'")
	}
	if got.TasksInput != 3 || got.TasksSuccess != 3 || got.TasksPending != 0 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if got.Status != "STOPPED" {
		t.Fatalf("expected STOPPED status after run completes, got %q", got.Status)
	}
}

func TestGraphLoopRunsUntilExternallyCancelled(t *testing.T) {
	addOne := func(ctx context.Context, args ...any) (any, error) {
		return args[0].(int) + 1, nil
	}
	a := NewStage("a", addOne, WithTag("a"))
	b := NewStage("b", addOne, WithTag("b"))
	c := NewStage("c", addOne, WithTag("c"))
	roots := TaskLoop(a, b, c)

	g, err := NewGraph(roots, WithPutTerminationSignal(false))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(a.Tag(), []any{1}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := g.Run(ctx); err != nil {
		t.Fatal(err)
	}

	succ, _, _ := a.Counters()
	if succ == 0 {
		t.Fatalf("expected the loop to make progress before cancellation")
	}
	for _, st := range g.Stages() {
		if st.Status() != StatusStopped {
			t.Fatalf("expected stage %s to be stopped after cancellation", st.Tag())
		}
	}
}

func TestGraphDuplicateInjectionCountsDuplicates(t *testing.T) {
	s := NewStage("dedup", func(ctx context.Context, args ...any) (any, error) {
		return args[0], nil
	}, WithTag("dedup"), WithDuplicateCheck(true))

	g, err := NewGraph([]*Stage{s})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(s.Tag(), []any{5, 5, 5}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.Run(ctx); err != nil {
		t.Fatal(err)
	}

	succ, _, dup := s.Counters()
	if succ != 1 || dup != 2 {
		t.Fatalf("expected success=1 duplicate=2 for the same task injected 3 times, got %d/%d", succ, dup)
	}
}

func TestGraphRetryOnNonRootStage(t *testing.T) {
	root := NewStage("root", func(ctx context.Context, args ...any) (any, error) {
		return args[0], nil
	}, WithTag("root"))

	// The non-root stage's ingress termination is consumed before its
	// first task arrives; a retried envelope must still be reprocessed.
	attempts := 0
	flaky := NewStage("flaky", func(ctx context.Context, args ...any) (any, error) {
		attempts++
		if attempts == 1 {
			return nil, NewUserFunctionError(errors.New("transient"))
		}
		return args[0], nil
	}, WithTag("flaky"), WithMaxRetries(2), WithRetryKinds(KindUserFunction))

	roots := TaskChain(root, flaky)
	g, err := NewGraph(roots)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(root.Tag(), []any{7}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := g.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("expected the retried task to succeed, got failures %v", result.Failures)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 invocations (fail then retry), got %d", attempts)
	}
	succ, errCount, _ := flaky.Counters()
	if succ != 1 || errCount != 0 {
		t.Fatalf("expected success=1 error=0 after retry, got %d/%d", succ, errCount)
	}
}

func TestGraphFanInMergesTerminationsAndCounts(t *testing.T) {
	passthrough := func(ctx context.Context, args ...any) (any, error) {
		return args[0], nil
	}
	r1 := NewStage("r1", passthrough, WithTag("r1"))
	r2 := NewStage("r2", passthrough, WithTag("r2"))
	sink := NewStage("sink", passthrough, WithTag("sink"))
	r1.SetNextStages([]*Stage{sink})
	r2.SetNextStages([]*Stage{sink})

	g, err := NewGraph([]*Stage{r1, r2})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(r1.Tag(), []any{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(r2.Tag(), []any{3}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := g.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Failures) != 0 {
		t.Fatalf("expected no failures, got %v", result.Failures)
	}

	succ, _, _ := sink.Counters()
	if succ != 3 {
		t.Fatalf("expected sink to process 3 tasks across both producers, got %d", succ)
	}
	if sink.TaskCounter().Value() != 3 {
		t.Fatalf("expected sink's input count to equal both producers' successes, got %d", sink.TaskCounter().Value())
	}
}

func TestGraphFallbackPersistsRealtimeErrors(t *testing.T) {
	dir := t.TempDir()
	failing := NewStage("failing", func(ctx context.Context, args ...any) (any, error) {
		return nil, NewUserFunctionError(errors.New("boom"))
	}, WithTag("failing"))

	g, err := NewGraph([]*Stage{failing}, WithFallbackDir(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := g.InjectTasks(failing.Tag(), []any{1}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := g.Run(ctx); err != nil {
		t.Fatal(err)
	}

	dateDir := filepath.Join(dir, time.Now().Format("2006-01-02"))
	entries, err := os.ReadDir(dateDir)
	if err != nil {
		t.Fatalf("expected fallback directory to exist: %v", err)
	}
	if len(entries) == 0 {
		t.Fatalf("expected at least one fallback file")
	}
}
