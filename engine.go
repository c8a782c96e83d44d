package conduct

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/armadha/conduct/sandbox"
)

// Result is the terminal state of a workflow run.
type Result int

const (
	// ResultSucceeded means every step reached StatusSucceeded.
	ResultSucceeded Result = iota
	// ResultFailed means the run completed without aborting, but at least
	// one step failed with an on_error handler consuming the failure.
	ResultFailed
	// ResultAborted means an unhandled step failure terminated the run
	// before all steps could execute.
	ResultAborted
	// ResultCancelled means the external context was cancelled mid-run.
	ResultCancelled
)

func (r Result) String() string {
	switch r {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	case ResultAborted:
		return "aborted"
	case ResultCancelled:
		return "cancelled"
	}
	return "unknown"
}

// OK reports whether the run completed with every step succeeding.
func (r Result) OK() bool { return r == ResultSucceeded }

// CommandRunner executes one shell command under the run's resource limits
// and reduces the outcome to a boolean. The sandbox package provides the
// production implementation; tests substitute fakes.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string, timeoutSeconds, memLimitMB int) bool
}

// Engine executes a workflow's step graph with a dependency-aware parallel
// scheduler. Ready steps are dispatched to a bounded worker pool; per-step
// retries and timeouts are honored by the workers; an unhandled step failure
// aborts the run while a handled one merely unblocks the failed step's
// dependents.
//
// Engine owns all run state, guarded by a single mutex. Workers communicate
// outcomes exclusively through the done channel; apart from recording its own
// step's StatusRunning transition, every state change is the coordinator's.
type Engine struct {
	name     string
	steps    map[string]Step
	notify   *notifyDispatcher
	runner   CommandRunner
	workdir  string
	workers  int
	memLimit int
	onStatus []StatusFunc
	onNotify func(handler, step string)
	logger   *slog.Logger
	tracer   Tracer

	mu         sync.Mutex
	states     map[string]StepStatus
	indeg      map[string]int
	dependents map[string][]string
	aborted    bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWorkdir sets the run's working directory. Step commands execute inside
// it and notifications.log is written there. Defaults to "conduct_run" under
// the current directory.
func WithWorkdir(dir string) EngineOption {
	return func(e *Engine) { e.workdir = dir }
}

// WithMaxWorkers bounds the worker pool. Defaults to DefaultMaxWorkers().
func WithMaxWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithMemLimit sets the per-command resident-memory ceiling in megabytes.
// Zero means unlimited.
func WithMemLimit(mb int) EngineOption {
	return func(e *Engine) { e.memLimit = mb }
}

// WithStatusFunc registers a callback for step status transitions. May be
// given more than once; callbacks run in registration order. Each callback
// is invoked concurrently from coordinator and worker goroutines.
func WithStatusFunc(fn StatusFunc) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.onStatus = append(e.onStatus, fn)
		}
	}
}

// WithRunner substitutes the command runner. Defaults to sandbox.New().
func WithRunner(r CommandRunner) EngineOption {
	return func(e *Engine) { e.runner = r }
}

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithTracer enables span creation for the run and each step execution.
func WithTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithNotifyCallback registers a hook invoked after each notifier dispatch.
func WithNotifyCallback(fn func(handler, step string)) EngineOption {
	return func(e *Engine) { e.onNotify = fn }
}

// NewEngine builds an engine for the given workflow. The workflow is assumed
// to have passed Analyze; structural defects that slip through (unknown
// dependencies, cycles) are still rejected by Execute's graph builder.
func NewEngine(wf *Workflow, opts ...EngineOption) *Engine {
	e := &Engine{
		name:    wf.Name,
		steps:   make(map[string]Step, len(wf.Steps)),
		workdir: "conduct_run",
		workers: DefaultMaxWorkers(),
		logger:  slog.Default(),
	}
	for _, s := range wf.Steps {
		e.steps[s.Name] = s
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runner == nil {
		e.runner = sandbox.New(sandbox.WithLogger(e.logger))
	}
	e.notify = newNotifyDispatcher(e.workdir, wf.Notifiers, e.logger)
	return e
}

// stepOutcome is what a worker reports back to the coordinator.
type stepOutcome struct {
	name string
	ok   bool
	// started distinguishes a genuine command failure from a worker that
	// observed cancel/abort before its first attempt.
	started bool
}

// Execute runs the step graph to one of the four terminal results.
//
// An unknown dependency in the step list is a structural error: the graph
// builder fails loud and the run never starts. External cancellation is
// observed between completions and at the top of each retry attempt;
// commands already handed to the sandbox are not pre-empted mid-flight —
// their termination rides on their own timeout.
func (e *Engine) Execute(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "workflow.execute",
			StringAttr("workflow.name", e.name),
			IntAttr("step_count", len(e.steps)))
		defer span.End()
	}

	if err := os.MkdirAll(e.workdir, 0o755); err != nil {
		return ResultAborted, err
	}
	if err := e.buildGraph(); err != nil {
		if span != nil {
			span.Error(err)
		}
		return ResultAborted, err
	}

	ready := e.initialReady()
	if len(ready) == 0 {
		if len(e.steps) == 0 {
			e.finishSpan(span, ResultSucceeded)
			return ResultSucceeded, nil
		}
		// Should have been rejected by Analyze; fail loud anyway.
		err := semanticErrorf("no ready steps: dependency graph is not acyclic")
		if span != nil {
			span.Error(err)
		}
		return ResultAborted, err
	}

	sem := semaphore.NewWeighted(int64(e.workers))
	done := make(chan stepOutcome, len(e.steps))
	inflight := 0

	submit := func(names []string) {
		sort.Strings(names)
		for _, name := range names {
			e.setState(name, StatusQueued)
			e.report(name, StatusQueued)
			inflight++
			go e.worker(ctx, sem, e.steps[name], done)
		}
	}

	submit(ready)

	failures := 0
	for inflight > 0 {
		select {
		case <-ctx.Done():
			e.markAborted()
			e.drain(done, inflight)
			e.skipUnstarted()
			e.logger.Info("workflow cancelled", "workflow", e.name)
			e.finishSpan(span, ResultCancelled)
			return ResultCancelled, nil

		case out := <-done:
			inflight--

			if !out.started {
				// Worker saw cancel/abort before its first attempt.
				e.setState(out.name, StatusSkipped)
				continue
			}

			if out.ok {
				e.setState(out.name, StatusSucceeded)
				submit(e.unblockDependents(out.name))
				continue
			}

			failures++
			e.setState(out.name, StatusFailed)
			step := e.steps[out.name]
			if step.OnError != "" {
				// Handler consumes the failure: dispatch the notifier and
				// let the graph continue past the failed node.
				e.logger.Warn("step failed, handler dispatched",
					"workflow", e.name, "step", out.name, "handler", step.OnError)
				e.notify.dispatch(step.OnError, out.name)
				if e.onNotify != nil {
					e.onNotify(step.OnError, out.name)
				}
				submit(e.unblockDependents(out.name))
				continue
			}

			// Unhandled failure: abort the whole run.
			e.logger.Error("step failed, aborting workflow",
				"workflow", e.name, "step", out.name)
			e.markAborted()
			cancel()
			e.drain(done, inflight)
			e.skipUnstarted()
			e.finishSpan(span, ResultAborted)
			return ResultAborted, nil
		}
	}

	// The done channel can win the select race against ctx.Done; re-check so
	// a cancelled run never reports completion.
	if ctx.Err() != nil {
		e.skipUnstarted()
		e.logger.Info("workflow cancelled", "workflow", e.name)
		e.finishSpan(span, ResultCancelled)
		return ResultCancelled, nil
	}

	if failures > 0 {
		e.logger.Warn("workflow finished with handled failures",
			"workflow", e.name, "failed", failures)
		e.finishSpan(span, ResultFailed)
		return ResultFailed, nil
	}
	e.logger.Info("workflow finished", "workflow", e.name)
	e.finishSpan(span, ResultSucceeded)
	return ResultSucceeded, nil
}

// ExecuteSerial runs the steps one at a time in the given canonical order,
// stopping at the first failure. A failing step's on_error handler is still
// dispatched before the run stops.
func (e *Engine) ExecuteSerial(ctx context.Context, order []string) (Result, error) {
	if err := os.MkdirAll(e.workdir, 0o755); err != nil {
		return ResultAborted, err
	}
	if err := e.buildGraph(); err != nil {
		return ResultAborted, err
	}
	for _, name := range order {
		step, ok := e.steps[name]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			e.skipUnstarted()
			return ResultCancelled, nil
		}
		e.setState(name, StatusQueued)
		e.report(name, StatusQueued)
		e.setState(name, StatusRunning)
		e.report(name, StatusRunning)
		if e.attempts(ctx, step) {
			e.setState(name, StatusSucceeded)
			e.report(name, StatusSucceeded)
			continue
		}
		e.setState(name, StatusFailed)
		e.report(name, StatusFailed)
		if step.OnError != "" {
			e.notify.dispatch(step.OnError, name)
			if e.onNotify != nil {
				e.onNotify(step.OnError, name)
			}
		}
		e.logger.Error("step failed, stopping", "workflow", e.name, "step", name)
		e.skipUnstarted()
		return ResultAborted, nil
	}
	return ResultSucceeded, nil
}

// worker executes one step under the pool semaphore: up to retries+1 sandbox
// attempts, with a cancel/abort check at the top of each. The only state it
// writes is its step's StatusRunning, through the engine's locked setter; the
// outcome goes back to the coordinator on done.
func (e *Engine) worker(ctx context.Context, sem *semaphore.Weighted, step Step, done chan<- stepOutcome) {
	if err := sem.Acquire(ctx, 1); err != nil {
		done <- stepOutcome{name: step.Name, ok: false, started: false}
		return
	}
	defer sem.Release(1)

	if ctx.Err() != nil || e.isAborted() {
		done <- stepOutcome{name: step.Name, ok: false, started: false}
		return
	}

	e.setState(step.Name, StatusRunning)
	e.report(step.Name, StatusRunning)

	var span Span
	if e.tracer != nil {
		var stepCtx context.Context
		stepCtx, span = e.tracer.Start(ctx, "workflow.step", StringAttr("step.name", step.Name))
		ctx = stepCtx
	}
	start := time.Now()

	ok := e.attempts(ctx, step)

	if span != nil {
		status := "failed"
		if ok {
			status = "succeeded"
		}
		span.SetAttr(
			StringAttr("step.status", status),
			Float64Attr("step.duration_ms", float64(time.Since(start).Milliseconds())))
		span.End()
	}

	if ok {
		e.report(step.Name, StatusSucceeded)
	} else {
		e.report(step.Name, StatusFailed)
	}
	done <- stepOutcome{name: step.Name, ok: ok, started: true}
}

// attempts runs the step's command up to retries+1 times, re-checking
// cancel/abort before each attempt.
func (e *Engine) attempts(ctx context.Context, step Step) bool {
	total := step.Retries + 1
	for attempt := 1; attempt <= total; attempt++ {
		if ctx.Err() != nil || e.isAborted() {
			return false
		}
		e.logger.Debug("step attempt",
			"workflow", e.name, "step", step.Name, "attempt", attempt, "total", total)
		if e.runner.Run(ctx, step.Command, e.workdir, step.TimeoutSeconds(), e.memLimit) {
			return true
		}
		e.logger.Warn("step attempt failed",
			"workflow", e.name, "step", step.Name, "attempt", attempt, "total", total)
	}
	return false
}

// buildGraph derives the forward adjacency and unresolved-dependency counts
// from the step list, rejecting dependencies on unknown steps and dependency
// cycles. All steps start StatusPending.
func (e *Engine) buildGraph() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.states = make(map[string]StepStatus, len(e.steps))
	e.indeg = make(map[string]int, len(e.steps))
	e.dependents = make(map[string][]string, len(e.steps))
	for name := range e.steps {
		e.states[name] = StatusPending
		e.indeg[name] = 0
	}
	for name, s := range e.steps {
		for _, dep := range s.DependsOn {
			if _, ok := e.steps[dep]; !ok {
				return semanticErrorf("step %q depends on unknown step %q", name, dep)
			}
			e.dependents[dep] = append(e.dependents[dep], name)
			e.indeg[name]++
		}
	}
	steps := make([]Step, 0, len(e.steps))
	for _, s := range e.steps {
		steps = append(steps, s)
	}
	if _, err := topoOrder(steps); err != nil {
		return err
	}
	return nil
}

func (e *Engine) initialReady() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ready []string
	for name, d := range e.indeg {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	return ready
}

// unblockDependents decrements the unresolved counter of each dependent of
// name and returns those that became ready.
func (e *Engine) unblockDependents(name string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ready []string
	for _, dep := range e.dependents[name] {
		e.indeg[dep]--
		if e.indeg[dep] == 0 {
			ready = append(ready, dep)
		}
	}
	return ready
}

// drain consumes the remaining worker outcomes after abort or cancel without
// submitting new work. Outcomes that did start are still recorded.
func (e *Engine) drain(done <-chan stepOutcome, inflight int) {
	for ; inflight > 0; inflight-- {
		out := <-done
		if !out.started {
			e.setState(out.name, StatusSkipped)
			continue
		}
		if out.ok {
			e.setState(out.name, StatusSucceeded)
		} else {
			e.setState(out.name, StatusFailed)
		}
	}
}

// skipUnstarted marks every step still pending or queued as skipped.
func (e *Engine) skipUnstarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, st := range e.states {
		if st == StatusPending || st == StatusQueued {
			e.states[name] = StatusSkipped
		}
	}
}

func (e *Engine) setState(name string, st StepStatus) {
	e.mu.Lock()
	e.states[name] = st
	e.mu.Unlock()
}

// States returns a snapshot of each step's current status.
func (e *Engine) States() map[string]StepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]StepStatus, len(e.states))
	for k, v := range e.states {
		out[k] = v
	}
	return out
}

func (e *Engine) markAborted() {
	e.mu.Lock()
	e.aborted = true
	e.mu.Unlock()
}

func (e *Engine) isAborted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.aborted
}

func (e *Engine) report(name string, st StepStatus) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("status callback panic", "step", name, "panic", r)
		}
	}()
	for _, fn := range e.onStatus {
		fn(name, st)
	}
}

func (e *Engine) finishSpan(span Span, r Result) {
	if span == nil {
		return
	}
	span.SetAttr(StringAttr("workflow.status", r.String()))
}
