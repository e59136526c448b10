package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// initEndpointTag is the synthetic predecessor every stage's input
// queue carries for initial task injection, so injection may target any
// stage, not only roots.
const initEndpointTag = "__init__"

// LayoutMode selects how the graph driver schedules stage startup.
type LayoutMode string

const (
	// LayoutProcess starts every stage concurrently.
	LayoutProcess LayoutMode = "process"
	// LayoutSerial starts one topological layer at a time; valid for
	// DAGs only.
	LayoutSerial LayoutMode = "serial"
)

// GraphOptions configures a Graph's injection and layout behavior.
type GraphOptions struct {
	LayoutMode LayoutMode
	// PutTerminationSignal pushes one Termination onto every root's
	// ingress endpoint once initial injection completes. Loop graphs
	// should set this false: they have no natural completion and must
	// be stopped externally.
	PutTerminationSignal bool
	// PersistLeftovers enables writing a Queue.Drain snapshot to a
	// leftover_tasks JSONL file after the run. Off by default.
	PersistLeftovers bool
	// FallbackDir is the root of the ./fallback/YYYY-MM-DD/ tree.
	// Empty disables disk persistence.
	FallbackDir string
	Logger      *slog.Logger
	Provenance  Provenance
}

// GraphOption configures GraphOptions.
type GraphOption func(*GraphOptions)

func WithLayoutMode(m LayoutMode) GraphOption { return func(o *GraphOptions) { o.LayoutMode = m } }
func WithPutTerminationSignal(v bool) GraphOption {
	return func(o *GraphOptions) { o.PutTerminationSignal = v }
}
func WithPersistLeftovers(v bool) GraphOption {
	return func(o *GraphOptions) { o.PersistLeftovers = v }
}
func WithFallbackDir(dir string) GraphOption { return func(o *GraphOptions) { o.FallbackDir = dir } }
func WithGraphLogger(l *slog.Logger) GraphOption { return func(o *GraphOptions) { o.Logger = l } }
func WithGraphProvenance(p Provenance) GraphOption {
	return func(o *GraphOptions) { o.Provenance = p }
}

type snapshotState struct {
	mu          sync.Mutex
	elapsed     time.Duration
	lastPending int64
	ticked      bool
	history     []HistorySample
}

// HistorySample is one point in a stage's status-snapshot history
// window, capped at 20 samples.
type HistorySample struct {
	Timestamp      time.Time
	TasksProcessed int64
}

// StageSnapshot is the Reporter-facing status fragment for one stage.
type StageSnapshot struct {
	Status         string
	TasksInput     int64
	TasksSuccess   int64
	TasksError     int64
	TasksDuplicate int64
	TasksProcessed int64
	TasksPending   int64
	StartTime      time.Time
	ElapsedTime    time.Duration
	RemainingTime  time.Duration
	History        []HistorySample
}

// RunResult summarizes one completed graph run: wall-clock duration and
// the two failure indexes built by failure aggregation.
type RunResult struct {
	Duration time.Duration
	ByError  map[ErrorStageKey][]FailRecord
	ByStage  map[string][]FailRecord
	Failures []FailRecord
}

// ErrorStageKey indexes failures by (error kind, stage tag).
type ErrorStageKey struct {
	ErrorKind string
	StageTag  string
}

// Graph is the topology driver over a set of Stages: construction,
// topology analysis, layout scheduling, initial injection, failure
// aggregation, and status snapshots.
type Graph struct {
	roots      []*Stage
	rootTags   map[string]bool
	stages     []*Stage
	stageByTag map[string]*Stage

	isDAG      bool
	levels     map[string]int
	layersDict map[int][]string

	initTasks map[string][]any

	failQ *UnboundedQueue[FailRecord]
	logQ  *UnboundedQueue[LogRecord]

	options GraphOptions
	logger  *slog.Logger

	snapMu    sync.Mutex
	snapState map[string]*snapshotState
}

// NewGraph discovers every stage reachable (breadth-first) from roots
// via their already-wired NextStages links, wires a fresh queue per
// directed edge, analyzes topology, and returns a ready-to-run Graph.
func NewGraph(roots []*Stage, opts ...GraphOption) (*Graph, error) {
	options := GraphOptions{
		LayoutMode:           LayoutProcess,
		PutTerminationSignal: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Provenance == nil {
		options.Provenance = NoopProvenance{}
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	g := &Graph{
		roots:      roots,
		rootTags:   make(map[string]bool, len(roots)),
		stageByTag: make(map[string]*Stage),
		initTasks:  make(map[string][]any),
		failQ:      NewUnboundedQueue[FailRecord](),
		logQ:       NewUnboundedQueue[LogRecord](),
		options:    options,
		logger:     options.Logger,
		snapState:  make(map[string]*snapshotState),
	}
	for _, r := range roots {
		g.rootTags[r.tag] = true
	}

	visited := make(map[string]bool)
	queue := append([]*Stage(nil), roots...)
	for len(queue) > 0 {
		st := queue[0]
		queue = queue[1:]
		if visited[st.tag] {
			continue
		}
		visited[st.tag] = true
		if _, dup := g.stageByTag[st.tag]; dup {
			return nil, NewConfigurationError(fmt.Sprintf("duplicate stage tag %q", st.tag), nil)
		}
		g.stageByTag[st.tag] = st
		g.stages = append(g.stages, st)
		g.snapState[st.tag] = &snapshotState{}
		queue = append(queue, st.NextStages()...)
	}

	for _, st := range g.stages {
		st.inQ = NewQueue("in", options.Provenance)
		st.outQ = NewQueue("out", options.Provenance)
		st.provenance = options.Provenance
		if err := st.inQ.AddEndpoint(initEndpointTag); err != nil {
			return nil, err
		}
	}
	for _, st := range g.stages {
		for _, next := range st.NextStages() {
			ep := &endpoint{tag: st.tag + "->" + next.tag}
			if err := st.outQ.attachEndpoint(next.tag, ep); err != nil {
				return nil, err
			}
			if err := next.inQ.attachEndpoint(st.tag, ep); err != nil {
				return nil, err
			}
		}
	}
	for _, st := range g.stages {
		st.BindQueues(st.inQ, st.outQ, g.failQ, g.logQ)
	}

	g.analyzeTopology()
	return g, nil
}

// analyzeTopology runs Kahn's algorithm to detect cycles and, for DAGs,
// compute each stage's level (longest path from any root) via
// relaxation during the topological walk.
func (g *Graph) analyzeTopology() {
	indegree := make(map[string]int, len(g.stages))
	levels := make(map[string]int, len(g.stages))
	for _, st := range g.stages {
		indegree[st.tag] = len(st.PrevStages())
	}

	var ready []*Stage
	for _, st := range g.stages {
		if indegree[st.tag] == 0 {
			ready = append(ready, st)
			levels[st.tag] = 0
		}
	}

	processed := 0
	for len(ready) > 0 {
		st := ready[0]
		ready = ready[1:]
		processed++
		for _, next := range st.NextStages() {
			if levels[next.tag] < levels[st.tag]+1 {
				levels[next.tag] = levels[st.tag] + 1
			}
			indegree[next.tag]--
			if indegree[next.tag] == 0 {
				ready = append(ready, next)
			}
		}
	}

	g.isDAG = processed == len(g.stages)
	g.levels = levels
	g.layersDict = make(map[int][]string)
	if g.isDAG {
		for _, st := range g.stages {
			lvl := levels[st.tag]
			g.layersDict[lvl] = append(g.layersDict[lvl], st.tag)
		}
	}
}

// IsDAG reports whether the graph's topology is acyclic.
func (g *Graph) IsDAG() bool { return g.isDAG }

// LayersDict returns the level -> stage tags clustering (empty for
// cyclic graphs).
func (g *Graph) LayersDict() map[int][]string { return g.layersDict }

// Stages returns every stage discovered in this graph, in BFS order.
func (g *Graph) Stages() []*Stage { return g.stages }

// InjectTasks registers initial tasks for stageTag, pushed onto its
// ingress endpoint when Run starts.
func (g *Graph) InjectTasks(stageTag string, tasks []any) error {
	if _, ok := g.stageByTag[stageTag]; !ok {
		return NewConfigurationError(fmt.Sprintf("unknown stage tag %q", stageTag), nil)
	}
	g.initTasks[stageTag] = append(g.initTasks[stageTag], tasks...)
	return nil
}

func (g *Graph) inject() {
	for _, st := range g.stages {
		for _, task := range g.initTasks[st.tag] {
			env := WrapEnvelope(task)
			st.inQ.PutTarget(env, initEndpointTag)
			st.taskCounter.AddInitValue(1)
		}
		if g.rootTags[st.tag] {
			if g.options.PutTerminationSignal {
				st.inQ.PutTarget(Termination{ID: g.options.Provenance.Derive(EventTerminationMerge, nil, 0, nil)}, initEndpointTag)
			}
			continue
		}
		st.inQ.PutTarget(Termination{ID: g.options.Provenance.Derive(EventTerminationMerge, nil, 0, nil)}, initEndpointTag)
	}
}

// Run injects initial tasks, drives stage startup per the configured
// layout mode, waits for every stage to stop, and aggregates failures.
func (g *Graph) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	g.inject()

	logDone := make(chan struct{})
	go func() {
		defer close(logDone)
		g.drainLogs(ctx)
	}()

	var err error
	switch g.options.LayoutMode {
	case LayoutSerial:
		if !g.isDAG {
			err = NewConfigurationError("serial layout requires a DAG", nil)
		} else {
			err = g.runSerialLayout(ctx)
		}
	default:
		err = g.runProcessLayout(ctx)
	}

	g.logQ.Close()
	<-logDone

	failures := g.failQ.Drain()
	byError, byStage := aggregateFailures(failures)

	if g.options.FallbackDir != "" {
		if werr := persistJSONL(g.options.FallbackDir, "realtime_errors", failures); werr != nil {
			g.logger.Warn("failed to persist realtime_errors", "error", werr)
		}
	}
	if g.options.PersistLeftovers && g.options.FallbackDir != "" {
		leftovers := g.collectLeftovers()
		if werr := persistJSONL(g.options.FallbackDir, "leftover_tasks", leftovers); werr != nil {
			g.logger.Warn("failed to persist leftover_tasks", "error", werr)
		}
	}

	return &RunResult{
		Duration: time.Since(start),
		ByError:  byError,
		ByStage:  byStage,
		Failures: failures,
	}, err
}

// runProcessLayout starts every stage concurrently and lets the queue
// fabric's termination propagation drain them.
func (g *Graph) runProcessLayout(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	for _, st := range g.stages {
		st := st
		eg.Go(func() error { return st.Start(egCtx) })
	}
	return eg.Wait()
}

// runSerialLayout starts one topological level at a time, waiting for
// every stage in a level to finish before starting the next.
func (g *Graph) runSerialLayout(ctx context.Context) error {
	levelsPresent := make([]int, 0, len(g.layersDict))
	for lvl := range g.layersDict {
		levelsPresent = append(levelsPresent, lvl)
	}
	sort.Ints(levelsPresent)

	for _, lvl := range levelsPresent {
		eg, egCtx := errgroup.WithContext(ctx)
		for _, tag := range g.layersDict[lvl] {
			st := g.stageByTag[tag]
			eg.Go(func() error { return st.Start(egCtx) })
		}
		if err := eg.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (g *Graph) drainLogs(ctx context.Context) {
	for {
		rec, ok := g.logQ.Pop(ctx)
		if !ok {
			return
		}
		switch rec.Level {
		case LogLevelDebug:
			g.logger.Debug(rec.Message, "stage", rec.StageTag)
		case LogLevelWarn:
			g.logger.Warn(rec.Message, "stage", rec.StageTag)
		case LogLevelError:
			g.logger.Error(rec.Message, "stage", rec.StageTag)
		default:
			g.logger.Info(rec.Message, "stage", rec.StageTag)
		}
	}
}

func aggregateFailures(failures []FailRecord) (map[ErrorStageKey][]FailRecord, map[string][]FailRecord) {
	byError := make(map[ErrorStageKey][]FailRecord)
	byStage := make(map[string][]FailRecord)
	for _, f := range failures {
		key := ErrorStageKey{ErrorKind: f.ErrorKind, StageTag: f.StageTag}
		byError[key] = append(byError[key], f)
		byStage[f.StageTag] = append(byStage[f.StageTag], f)
	}
	return byError, byStage
}

func (g *Graph) collectLeftovers() []Envelope {
	var out []Envelope
	for _, st := range g.stages {
		out = append(out, st.inQ.Drain()...)
		out = append(out, st.outQ.Drain()...)
	}
	return out
}

// StatusSnapshot computes the Reporter-facing snapshot for every stage,
// as of now, given the caller's polling interval (used for the
// accumulated elapsed-time and remaining-time estimate).
func (g *Graph) StatusSnapshot(interval time.Duration) map[string]StageSnapshot {
	out := make(map[string]StageSnapshot, len(g.stages))
	for _, st := range g.stages {
		out[st.tag] = g.snapshotFor(st, interval)
	}
	return out
}

func (g *Graph) snapshotFor(st *Stage, interval time.Duration) StageSnapshot {
	g.snapMu.Lock()
	state := g.snapState[st.tag]
	g.snapMu.Unlock()

	succ, errCount, dup := st.Counters()
	input := st.TaskCounter().Value()
	processed := succ + errCount + dup
	pending := input - processed
	if pending < 0 {
		pending = 0
	}

	state.mu.Lock()
	if state.ticked && state.lastPending > 0 {
		state.elapsed += interval
	}
	state.lastPending = pending
	state.ticked = true
	state.history = append(state.history, HistorySample{Timestamp: time.Now(), TasksProcessed: processed})
	if len(state.history) > 20 {
		state.history = state.history[len(state.history)-20:]
	}
	elapsed := state.elapsed
	history := append([]HistorySample(nil), state.history...)
	state.mu.Unlock()

	var remaining time.Duration
	if processed > 0 && pending > 0 {
		remaining = time.Duration(float64(elapsed) * float64(pending) / float64(processed))
	}

	return StageSnapshot{
		Status:         st.Status().String(),
		TasksInput:     input,
		TasksSuccess:   succ,
		TasksError:     errCount,
		TasksDuplicate: dup,
		TasksProcessed: processed,
		TasksPending:   pending,
		StartTime:      st.startTime,
		ElapsedTime:    elapsed,
		RemainingTime:  remaining,
		History:        history,
	}
}
