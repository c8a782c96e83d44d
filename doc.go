// Package conduct orchestrates shell-command pipelines described in a small
// declarative DSL.
//
// A workflow names a set of steps, each with a shell command, optional
// timeout, retry budget, dependency list, and an optional on_error notifier.
// The pipeline from source to execution:
//
//	src, err := parser.Parse(text)      // DSL -> *Workflow
//	order, err := conduct.Analyze(src)  // validate, canonical topo order
//	prog := bytecode.FromWorkflow(src)  // portable instruction list
//	engine := conduct.NewEngine(src, conduct.WithMaxWorkers(8))
//	result, err := engine.Execute(ctx)  // dependency-aware parallel run
//
// The engine dispatches ready steps to a bounded worker pool. Each command
// runs inside the sandbox package's supervised child process with a
// wall-clock timeout and a resident-memory ceiling. A failing step with an
// on_error handler appends to notifications.log and lets its dependents
// proceed; a failing step without one aborts the run. Cancelling the context
// stops the run without marking unstarted steps as failed.
//
// Subpackages supply the collaborators: parser (DSL front end), bytecode
// (persisted instruction lists), sandbox (command execution), visualize
// (Graphviz DOT rendering), observer (OTEL tracing plus the Prometheus
// monitor endpoint).
package conduct
