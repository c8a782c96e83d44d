package conduct

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRunner counts sandbox invocations per command and fails on demand.
// Commands double as step names in these tests.
type fakeRunner struct {
	mu        sync.Mutex
	calls     map[string]int
	failFirst map[string]int  // fail the first N attempts
	failAll   map[string]bool // fail every attempt
	delay     time.Duration
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls:     make(map[string]int),
		failFirst: make(map[string]int),
		failAll:   make(map[string]bool),
	}
}

func (f *fakeRunner) Run(ctx context.Context, command, dir string, timeoutSeconds, memLimitMB int) bool {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[command]++
	if f.failAll[command] {
		return false
	}
	return f.calls[command] > f.failFirst[command]
}

func (f *fakeRunner) count(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[command]
}

// statusRecorder collects status events per step, concurrency-safe.
type statusRecorder struct {
	mu     sync.Mutex
	events map[string][]StepStatus
	queued []string
}

func newStatusRecorder() *statusRecorder {
	return &statusRecorder{events: make(map[string][]StepStatus)}
}

func (r *statusRecorder) record(step string, status StepStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[step] = append(r.events[step], status)
	if status == StatusQueued {
		r.queued = append(r.queued, step)
	}
}

func (r *statusRecorder) sequence(step string) []StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StepStatus(nil), r.events[step]...)
}

func testEngine(t *testing.T, wf *Workflow, runner CommandRunner, rec *statusRecorder, opts ...EngineOption) *Engine {
	t.Helper()
	base := []EngineOption{
		WithWorkdir(t.TempDir()),
		WithRunner(runner),
	}
	if rec != nil {
		base = append(base, WithStatusFunc(rec.record))
	}
	return NewEngine(wf, append(base, opts...)...)
}

func cmdStep(name string, deps ...string) Step {
	return Step{Name: name, Command: name, DependsOn: deps}
}

func TestExecuteLinearSuccess(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{cmdStep("a"), cmdStep("b", "a")}}
	runner := newFakeRunner()
	rec := newStatusRecorder()
	engine := testEngine(t, wf, runner, rec)

	result, err := engine.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != ResultSucceeded {
		t.Errorf("result = %v, want succeeded", result)
	}
	for _, name := range []string{"a", "b"} {
		want := []StepStatus{StatusQueued, StatusRunning, StatusSucceeded}
		got := rec.sequence(name)
		if len(got) != len(want) {
			t.Fatalf("%s events = %v, want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s events = %v, want %v", name, got, want)
			}
		}
	}
	if runner.count("a") != 1 || runner.count("b") != 1 {
		t.Errorf("sandbox calls a=%d b=%d, want 1 each", runner.count("a"), runner.count("b"))
	}
}

func TestExecuteEmptyWorkflow(t *testing.T) {
	engine := testEngine(t, &Workflow{Name: "empty"}, newFakeRunner(), nil)
	result, err := engine.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != ResultSucceeded {
		t.Errorf("result = %v, want succeeded", result)
	}
}

func TestExecuteRetryThenSucceed(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{
		{Name: "a", Command: "a", Retries: 2},
	}}
	runner := newFakeRunner()
	runner.failFirst["a"] = 2
	rec := newStatusRecorder()
	engine := testEngine(t, wf, runner, rec)

	result, err := engine.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != ResultSucceeded {
		t.Errorf("result = %v, want succeeded", result)
	}
	if got := runner.count("a"); got != 3 {
		t.Errorf("sandbox calls = %d, want 3", got)
	}
	seq := rec.sequence("a")
	if len(seq) != 3 || seq[2] != StatusSucceeded {
		t.Errorf("events = %v, want queued/running/succeeded", seq)
	}
}

func TestExecuteRetriesExhausted(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{
		{Name: "a", Command: "a", Retries: 2},
	}}
	runner := newFakeRunner()
	runner.failAll["a"] = true
	engine := testEngine(t, wf, runner, nil)

	result, err := engine.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != ResultAborted {
		t.Errorf("result = %v, want aborted", result)
	}
	if got := runner.count("a"); got != 3 {
		t.Errorf("sandbox calls = %d, want exactly retries+1 = 3", got)
	}
}

func TestExecuteHandledFailureContinues(t *testing.T) {
	workdir := t.TempDir()
	wf := &Workflow{
		Name: "w",
		Steps: []Step{
			{Name: "a", Command: "a", OnError: "notify_ops"},
			cmdStep("b", "a"),
		},
		Notifiers: []Notifier{{
			Name: "notify_ops", Email: "ops@example.com",
			Subject: "failure", Body: "step ${failed_step} failed",
		}},
	}
	runner := newFakeRunner()
	runner.failAll["a"] = true
	rec := newStatusRecorder()
	engine := NewEngine(wf,
		WithWorkdir(workdir),
		WithRunner(runner),
		WithStatusFunc(rec.record),
	)

	result, err := engine.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != ResultFailed {
		t.Errorf("result = %v, want failed (non-abort)", result)
	}

	states := engine.States()
	if states["a"] != StatusFailed {
		t.Errorf("state[a] = %v, want failed", states["a"])
	}
	if states["b"] != StatusSucceeded {
		t.Errorf("state[b] = %v, want succeeded", states["b"])
	}

	data, err := os.ReadFile(filepath.Join(workdir, "notifications.log"))
	if err != nil {
		t.Fatalf("notifications.log missing: %v", err)
	}
	log := string(data)
	if strings.Count(log, "\n") != 1 {
		t.Errorf("notifications.log has %d lines, want 1:\n%s", strings.Count(log, "\n"), log)
	}
	if !strings.Contains(log, "notify_ops") || !strings.Contains(log, "step a failed") {
		t.Errorf("notifications.log = %q, want notify_ops and substituted body", log)
	}
}

func TestExecuteUnhandledFailureAborts(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{
		cmdStep("a"),
		cmdStep("b", "a"),
	}}
	runner := newFakeRunner()
	runner.failAll["a"] = true
	rec := newStatusRecorder()
	engine := testEngine(t, wf, runner, rec)

	result, err := engine.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != ResultAborted {
		t.Errorf("result = %v, want aborted", result)
	}
	if seq := rec.sequence("b"); len(seq) != 0 {
		t.Errorf("b received events %v, want none", seq)
	}
	if got := runner.count("b"); got != 0 {
		t.Errorf("b was executed %d times, want 0", got)
	}
	if st := engine.States()["b"]; st != StatusSkipped {
		t.Errorf("state[b] = %v, want skipped", st)
	}
}

func TestExecuteDiamond(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{
		cmdStep("a"),
		cmdStep("b", "a"),
		cmdStep("c", "a"),
		cmdStep("d", "b", "c"),
	}}
	runner := newFakeRunner()
	rec := newStatusRecorder()
	engine := testEngine(t, wf, runner, rec, WithMaxWorkers(4))

	result, err := engine.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != ResultSucceeded {
		t.Errorf("result = %v, want succeeded", result)
	}
	if got := runner.count("d"); got != 1 {
		t.Errorf("d executed %d times, want exactly once", got)
	}
	// d's QUEUED must come after b and c terminated: with the recorder's
	// queued list, d is always last.
	rec.mu.Lock()
	last := rec.queued[len(rec.queued)-1]
	rec.mu.Unlock()
	if last != "d" {
		t.Errorf("queued order = %v, want d last", rec.queued)
	}
}

func TestExecuteQueuedOrderSorted(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{
		cmdStep("c"), cmdStep("a"), cmdStep("b"),
	}}
	runner := newFakeRunner()
	rec := newStatusRecorder()
	engine := testEngine(t, wf, runner, rec, WithMaxWorkers(1))

	if _, err := engine.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	want := []string{"a", "b", "c"}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for i := range want {
		if rec.queued[i] != want[i] {
			t.Fatalf("queued order = %v, want %v", rec.queued, want)
		}
	}
}

func TestExecuteCancellation(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{
		cmdStep("a"),
		cmdStep("b", "a"),
	}}
	runner := newFakeRunner()
	runner.delay = 100 * time.Millisecond
	rec := newStatusRecorder()
	engine := testEngine(t, wf, runner, rec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	result, err := engine.Execute(ctx)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if result != ResultCancelled {
		t.Errorf("result = %v, want cancelled", result)
	}
	if got := runner.count("b"); got != 0 {
		t.Errorf("b executed %d times after cancel, want 0", got)
	}
	for step, seq := range rec.events {
		for _, st := range seq {
			if st == StatusFailed {
				t.Errorf("step %s marked failed on cancellation", step)
			}
		}
	}
}

func TestExecuteUnknownDependencyFailsLoud(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{cmdStep("a", "ghost")}}
	engine := testEngine(t, wf, newFakeRunner(), nil)
	if _, err := engine.Execute(context.Background()); err == nil {
		t.Error("Execute() accepted a graph with an unknown dependency")
	}
}

func TestExecuteSerialStopsOnFailure(t *testing.T) {
	workdir := t.TempDir()
	wf := &Workflow{
		Name: "w",
		Steps: []Step{
			cmdStep("a"),
			{Name: "b", Command: "b", DependsOn: []string{"a"}, OnError: "ops"},
			cmdStep("c", "b"),
		},
		Notifiers: []Notifier{{Name: "ops", Body: "${failed_step}"}},
	}
	runner := newFakeRunner()
	runner.failAll["b"] = true
	engine := NewEngine(wf, WithWorkdir(workdir), WithRunner(runner))

	result, err := engine.ExecuteSerial(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("ExecuteSerial() error: %v", err)
	}
	if result != ResultAborted {
		t.Errorf("result = %v, want aborted", result)
	}
	if got := runner.count("c"); got != 0 {
		t.Errorf("c executed %d times after failure, want 0", got)
	}
	if _, err := os.Stat(filepath.Join(workdir, "notifications.log")); err != nil {
		t.Errorf("handler was not dispatched: %v", err)
	}
}

func TestExecuteSerialSuccess(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{cmdStep("a"), cmdStep("b", "a")}}
	runner := newFakeRunner()
	engine := testEngine(t, wf, runner, nil)
	result, err := engine.ExecuteSerial(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("ExecuteSerial() error: %v", err)
	}
	if result != ResultSucceeded {
		t.Errorf("result = %v, want succeeded", result)
	}
}

func TestExecuteMultipleStatusSinks(t *testing.T) {
	wf := &Workflow{Name: "w", Steps: []Step{cmdStep("a")}}
	first := newStatusRecorder()
	second := newStatusRecorder()
	engine := testEngine(t, wf, newFakeRunner(), first, WithStatusFunc(second.record))

	if _, err := engine.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(first.sequence("a")) != 3 || len(second.sequence("a")) != 3 {
		t.Errorf("sinks saw %d and %d events, want 3 each",
			len(first.sequence("a")), len(second.sequence("a")))
	}
}

func TestExecuteNotifyCallback(t *testing.T) {
	var mu sync.Mutex
	var handlers []string
	wf := &Workflow{
		Name:      "w",
		Steps:     []Step{{Name: "a", Command: "a", OnError: "ops"}},
		Notifiers: []Notifier{{Name: "ops"}},
	}
	runner := newFakeRunner()
	runner.failAll["a"] = true
	engine := testEngine(t, wf, runner, nil, WithNotifyCallback(func(handler, step string) {
		mu.Lock()
		handlers = append(handlers, handler+"/"+step)
		mu.Unlock()
	}))

	if _, err := engine.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(handlers) != 1 || handlers[0] != "ops/a" {
		t.Errorf("notify callbacks = %v, want [ops/a]", handlers)
	}
}
