package conduct

// StepStatus represents the execution state of a workflow step.
type StepStatus string

const (
	// StatusPending indicates a step created at run start that has not
	// become ready.
	StatusPending StepStatus = "pending"
	// StatusQueued indicates a step whose dependencies have all terminated
	// and which has been handed to the worker pool.
	StatusQueued StepStatus = "queued"
	// StatusRunning indicates a step picked up by a worker.
	StatusRunning StepStatus = "running"
	// StatusSucceeded indicates an attempt exited zero within its limits.
	StatusSucceeded StepStatus = "succeeded"
	// StatusFailed indicates all attempts were exhausted or a limit
	// violation killed the command.
	StatusFailed StepStatus = "failed"
	// StatusSkipped indicates a step that never started because the run
	// aborted or was cancelled first. Recorded in final state only; no
	// status event carries it.
	StatusSkipped StepStatus = "skipped"
)

// StatusFunc receives step status transitions during a run. Events for a
// single step arrive in the order queued, running, then one terminal status.
// The engine invokes the callback from its coordinator and worker goroutines
// concurrently; implementations needing serialization must provide their own.
type StatusFunc func(step string, status StepStatus)
