package flow

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ExecutionMode is the in-stage worker discipline.
type ExecutionMode string

const (
	ExecSerial ExecutionMode = "serial"
	ExecThread ExecutionMode = "thread"
	ExecAsync  ExecutionMode = "async"
)

// StageMode labels a stage as running in the graph driver ("serial") or
// in its own isolated worker ("process"). The mode is stored on the
// stage and reported by Summary; Graph starts every stage in its own
// goroutine whatever its StageMode, and no stage runs synchronously in
// the driver.
type StageMode string

const (
	StageModeSerial  StageMode = "serial"
	StageModeProcess StageMode = "process"
)

type stageKind int

const (
	kindDefault stageKind = iota
	kindSplitter
	kindRouter
)

// Func is a stage's user function: it receives the resolved call
// arguments for one task and returns either a result (interpretation
// depends on the stage kind: plain stages broadcast it, Splitter
// iterates it, Router expects a RouterResult) or an error.
type Func func(ctx context.Context, args ...any) (any, error)

type successHandler func(s *Stage, parent Envelope, result any) error

// Stage is a worker pool running one user function, consuming from one
// input Queue and producing onto one output Queue. Splitter and Router
// are Stage values constructed with a specialized successHandler and
// stageKind rather than separate types.
type Stage struct {
	tag       string
	name      string
	funcName  string
	className string
	kind      stageKind

	fn Func

	executionMode ExecutionMode
	stageMode     StageMode

	workerLimit          int
	maxRetries           int
	retryKinds           map[Kind]bool
	enableDuplicateCheck bool
	unpackTaskArgs       bool

	taskCounter      *SumCounter
	successCounter   atomic.Int64
	errorCounter     atomic.Int64
	duplicateCounter atomic.Int64
	splitCounter     atomic.Int64

	routeMu       sync.Mutex
	routeCounters map[string]*atomic.Int64

	prevStages            []*Stage
	nextStages            []*Stage
	pendingRouterBindings []*Stage

	mu            sync.Mutex
	retryTimeDict map[string]int
	processedSet  map[string]struct{}

	inQ   *Queue
	outQ  *Queue
	failQ *UnboundedQueue[FailRecord]
	logQ  *UnboundedQueue[LogRecord]

	provenance Provenance
	onSuccess  successHandler

	taskDuration metric.Float64Histogram
	retryCount   metric.Int64Counter

	statusMu  sync.Mutex
	status    StageStatus
	startTime time.Time

	graphContextSet bool
}

// Option configures a Stage at construction time.
type Option func(*Stage)

func WithTag(tag string) Option                 { return func(s *Stage) { s.tag = tag } }
func WithFuncName(name string) Option           { return func(s *Stage) { s.funcName = name } }
func WithClassName(name string) Option          { return func(s *Stage) { s.className = name } }
func WithWorkerLimit(n int) Option              { return func(s *Stage) { s.workerLimit = n } }
func WithMaxRetries(n int) Option               { return func(s *Stage) { s.maxRetries = n } }
func WithDuplicateCheck(enabled bool) Option    { return func(s *Stage) { s.enableDuplicateCheck = enabled } }
func WithUnpackTaskArgs(enabled bool) Option    { return func(s *Stage) { s.unpackTaskArgs = enabled } }
func WithExecutionMode(m ExecutionMode) Option  { return func(s *Stage) { s.executionMode = m } }
func WithProvenance(p Provenance) Option        { return func(s *Stage) { s.provenance = p } }
func WithTaskDurationHistogram(h metric.Float64Histogram) Option {
	return func(s *Stage) { s.taskDuration = h }
}
func WithRetryCounter(c metric.Int64Counter) Option {
	return func(s *Stage) { s.retryCount = c }
}

// WithRetryKinds marks the given error kinds as retryable: a failure of
// one of these kinds re-enters the input queue instead of landing on
// the failure queue, up to the stage's max retries.
func WithRetryKinds(kinds ...Kind) Option {
	return func(s *Stage) {
		for _, k := range kinds {
			s.retryKinds[k] = true
		}
	}
}

// NewStage constructs a default (non-specialized) stage.
func NewStage(funcName string, fn Func, opts ...Option) *Stage {
	s := &Stage{
		funcName:      funcName,
		className:     "Stage",
		fn:            fn,
		kind:          kindDefault,
		executionMode: ExecSerial,
		stageMode:     StageModeSerial,
		workerLimit:   1,
		retryKinds:    make(map[Kind]bool),
		retryTimeDict: make(map[string]int),
		processedSet:  make(map[string]struct{}),
		taskCounter:   NewSumCounter(0),
		provenance:    NoopProvenance{},
	}
	s.onSuccess = defaultSuccessHandler
	for _, opt := range opts {
		opt(s)
	}
	if s.tag == "" {
		s.tag = fmt.Sprintf("stage-%s", uuid.NewString()[:8])
	}
	if s.name == "" {
		s.name = s.tag
	}
	return s
}

// Tag returns the stage's unique-within-graph identifier.
func (s *Stage) Tag() string { return s.tag }

// Name returns the stage's display name.
func (s *Stage) Name() string { return s.name }

// TaskCounter returns this stage's input-accounting counter.
func (s *Stage) TaskCounter() *SumCounter { return s.taskCounter }

// Counters returns the current success/error/duplicate counts.
func (s *Stage) Counters() (success, errorCount, duplicate int64) {
	return s.successCounter.Load(), s.errorCounter.Load(), s.duplicateCounter.Load()
}

// Status reports the stage's lifecycle state.
func (s *Stage) Status() StageStatus {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Stage) setStatus(st StageStatus) {
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()
}

// NextStages returns the stages wired downstream of s.
func (s *Stage) NextStages() []*Stage { return s.nextStages }

// PrevStages returns the stages wired upstream of s.
func (s *Stage) PrevStages() []*Stage { return s.prevStages }

// StageModeOf returns the configured stage_mode.
func (s *Stage) StageModeOf() StageMode { return s.stageMode }

// SetStageMode sets the stage mode, defaulting to "serial" unless the
// value is literally "process".
func (s *Stage) SetStageMode(mode StageMode) {
	if mode == StageModeProcess {
		s.stageMode = StageModeProcess
		return
	}
	s.stageMode = StageModeSerial
}

// SetStageName sets the stage's display name, defaulting to its tag.
func (s *Stage) SetStageName(name string) {
	if name == "" {
		name = s.tag
	}
	s.name = name
}

// SetNextStages wires this stage's outbound fan-out and, for each next
// stage, registers this stage as one of its predecessors (which performs
// the kind-specific counter binding).
func (s *Stage) SetNextStages(next []*Stage) {
	s.nextStages = next
	for _, n := range next {
		n.addPrevStage(s)
	}
}

func (s *Stage) addPrevStage(prev *Stage) {
	for _, p := range s.prevStages {
		if p == prev {
			return
		}
	}
	s.prevStages = append(s.prevStages, prev)
	if prev == nil {
		return
	}
	switch prev.kind {
	case kindSplitter:
		s.taskCounter.AppendCounter(&prev.splitCounter)
	case kindRouter:
		s.pendingRouterBindings = append(s.pendingRouterBindings, prev)
	default:
		s.taskCounter.AppendCounter(&prev.successCounter)
	}
}

// finalizePrevBindings resolves any Router predecessors registered
// before this stage's tag was stable: the router's per-target counter
// keyed by this stage's tag is created at zero if absent, then bound
// into this stage's task counter.
func (s *Stage) finalizePrevBindings() {
	if len(s.pendingRouterBindings) == 0 {
		return
	}
	for _, prev := range s.pendingRouterBindings {
		key := s.tag
		prev.routeMu.Lock()
		counter, ok := prev.routeCounters[key]
		if !ok {
			counter = &atomic.Int64{}
			prev.routeCounters[key] = counter
		}
		prev.routeMu.Unlock()
		s.taskCounter.AppendCounter(counter)
	}
	s.pendingRouterBindings = nil
}

// SetGraphContext wires this stage into a graph: next stages, stage
// mode, display name, and resolution of any deferred Router bindings.
func (s *Stage) SetGraphContext(next []*Stage, mode StageMode, name string) {
	s.SetNextStages(next)
	s.SetStageMode(mode)
	s.SetStageName(name)
	s.finalizePrevBindings()
	s.graphContextSet = true
}

// BindQueues attaches the input/output queues and the shared
// failure/log queues before Start is called.
func (s *Stage) BindQueues(in, out *Queue, failQ *UnboundedQueue[FailRecord], logQ *UnboundedQueue[LogRecord]) {
	s.inQ = in
	s.outQ = out
	s.failQ = failQ
	s.logQ = logQ
}

// Summary returns the stage's static descriptor for structure pushes.
func (s *Stage) Summary() map[string]any {
	return map[string]any{
		"stage_mode":     string(s.stageMode),
		"execution_mode": string(s.executionMode),
		"func_name":      s.funcName,
		"class_name":     s.className,
	}
}

func (s *Stage) logf(level LogLevel, format string, args ...any) {
	if s.logQ == nil {
		return
	}
	s.logQ.Push(LogRecord{
		Timestamp: time.Now(),
		Level:     level,
		StageTag:  s.tag,
		Message:   fmt.Sprintf(format, args...),
	})
}

func (s *Stage) recordFailure(parent Envelope, err error) {
	kindStr := "UserFunctionError"
	if k, ok := KindOf(err); ok {
		kindStr = k.String()
	}
	rec := FailRecord{
		Timestamp: time.Now(),
		StageTag:  s.tag,
		ErrorKind: kindStr,
		ErrorID:   uuid.NewString(),
		Task:      fmt.Sprintf("%v", parent.Task),
		Err:       err.Error(),
	}
	if s.failQ != nil {
		s.failQ.Push(rec)
	}
	s.logf(LogLevelError, "stage %s task %s failed: %v", s.tag, parent.ID, err)
}

func (s *Stage) invoke(ctx context.Context, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewUserFunctionError(fmt.Errorf("panic: %v", r))
		}
	}()
	return s.fn(ctx, args...)
}

// executeTask runs the per-task pipeline for one envelope dequeued from
// the input queue: dedup check, argument extraction, invocation, then
// retry re-injection, failure recording, or success emission.
func (s *Stage) executeTask(ctx context.Context, parent Envelope) {
	if s.enableDuplicateCheck {
		s.mu.Lock()
		_, dup := s.processedSet[parent.ID]
		s.mu.Unlock()
		if dup {
			s.duplicateCounter.Add(1)
			s.logf(LogLevelInfo, "duplicate task %s skipped", parent.ID)
			return
		}
	}

	var args []any
	if s.unpackTaskArgs {
		if tuple, ok := parent.Task.([]any); ok {
			args = tuple
		} else {
			args = []any{parent.Task}
		}
	} else {
		args = []any{parent.Task}
	}

	start := time.Now()
	result, err := s.invoke(ctx, args)
	if s.taskDuration != nil {
		s.taskDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		if kind, ok := KindOf(err); ok && s.retryKinds[kind] {
			s.mu.Lock()
			attempts := s.retryTimeDict[parent.ID]
			if attempts < s.maxRetries {
				s.retryTimeDict[parent.ID] = attempts + 1
				s.mu.Unlock()
				if s.retryCount != nil {
					s.retryCount.Add(ctx, 1)
				}
				s.inQ.PutRetry(parent)
				return
			}
			s.mu.Unlock()
		}
		s.recordFailure(parent, err)
		s.errorCounter.Add(1)
		s.finishProcessed(parent.ID)
		return
	}

	if handleErr := s.onSuccess(s, parent, result); handleErr != nil {
		s.recordFailure(parent, handleErr)
		s.errorCounter.Add(1)
		s.finishProcessed(parent.ID)
		return
	}
	s.finishProcessed(parent.ID)
}

func (s *Stage) finishProcessed(id string) {
	s.mu.Lock()
	delete(s.retryTimeDict, id)
	s.processedSet[id] = struct{}{}
	s.mu.Unlock()
}

// EventProduce is the event kind for an ordinary one-to-one stage
// emission (a plain Stage's single result), alongside the split, route
// and termination-merge kinds used by the specialized paths.
const EventProduce EventKind = "task.produce"

func defaultSuccessHandler(s *Stage, parent Envelope, result any) error {
	childID := s.provenance.Derive(EventProduce, []string{parent.ID}, 0, result)
	s.outQ.Put(Envelope{Task: result, ID: childID})
	s.successCounter.Add(1)
	return nil
}

func toIterable(result any) []any {
	switch result.(type) {
	case string, []byte:
		return []any{result}
	}
	rv := reflect.ValueOf(result)
	if rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) {
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{result}
}

// Start runs the stage's worker discipline (serial/thread/async) until
// the merged termination arrives on its input queue, then propagates one
// Termination onto every outbound endpoint and returns.
func (s *Stage) Start(ctx context.Context) error {
	s.startTime = time.Now()
	s.setStatus(StatusRunning)
	s.logf(LogLevelInfo, "stage %s starting mode=%s workers=%d", s.tag, s.executionMode, s.workerLimit)

	var term Termination
	var gotTerm bool

	switch s.executionMode {
	case ExecThread:
		term, gotTerm = s.runThreadPool(ctx)
	case ExecAsync:
		term, gotTerm = s.runAsync(ctx)
	default:
		term, gotTerm = s.runSerial(ctx)
	}

	if gotTerm {
		s.drainRetries(ctx)
	}
	if gotTerm && s.outQ != nil {
		s.outQ.Put(term)
	}
	s.setStatus(StatusStopped)
	succ, errCount, dup := s.Counters()
	s.logf(LogLevelInfo, "stage %s stopped in %s success=%d error=%d duplicate=%d",
		s.tag, time.Since(s.startTime), succ, errCount, dup)
	return nil
}

// drainRetries processes any re-injected envelopes still on the input
// queue's retry lane after the worker pool has observed termination: an
// async in-flight task may re-inject after the dispatcher stops
// consuming. Each attempt may re-inject again; the per-envelope retry
// bound guarantees the lane empties.
func (s *Stage) drainRetries(ctx context.Context) {
	for {
		item, ok := s.inQ.TakeRetry()
		if !ok {
			return
		}
		if env, isEnv := item.(Envelope); isEnv {
			s.executeTask(ctx, env)
		}
	}
}

func (s *Stage) runSerial(ctx context.Context) (Termination, bool) {
	for {
		item, err := s.inQ.Get(ctx)
		if err != nil {
			return Termination{}, false
		}
		if term, ok := item.(Termination); ok {
			return term, true
		}
		s.executeTask(ctx, item.(Envelope))
	}
}

// runThreadPool runs workerLimit independent consumer goroutines over
// the shared input queue, using an errgroup so a future fatal error
// path has somewhere to propagate to without changing this function's
// shape.
func (s *Stage) runThreadPool(ctx context.Context) (Termination, bool) {
	limit := s.workerLimit
	if limit < 1 {
		limit = 1
	}
	var once sync.Once
	var term Termination
	var gotTerm bool

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < limit; i++ {
		g.Go(func() error {
			for {
				item, err := s.inQ.Get(gctx)
				if err != nil {
					return nil
				}
				if t, ok := item.(Termination); ok {
					once.Do(func() { term = t; gotTerm = true })
					return nil
				}
				s.executeTask(ctx, item.(Envelope))
			}
		})
	}
	_ = g.Wait()
	return term, gotTerm
}

// runAsync runs a single dispatcher goroutine that fires off one
// goroutine per task, bounded by a workerLimit-sized semaphore, so up
// to workerLimit calls are in flight at once while the dispatcher keeps
// draining the input queue.
func (s *Stage) runAsync(ctx context.Context) (Termination, bool) {
	limit := int64(s.workerLimit)
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)
	var wg sync.WaitGroup

	for {
		item, err := s.inQ.Get(ctx)
		if err != nil {
			wg.Wait()
			return Termination{}, false
		}
		if term, ok := item.(Termination); ok {
			wg.Wait()
			return term, true
		}
		env := item.(Envelope)
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return Termination{}, false
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			s.executeTask(ctx, env)
		}()
	}
}
