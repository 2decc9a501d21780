package domain

// Task statuses. Terminal: completed, cancelled, failed.
const (
	TaskOpen      = "open"
	TaskAssigned  = "assigned"
	TaskSubmitted = "submitted"
	TaskDisputed  = "disputed"
	TaskCompleted = "completed"
	TaskCancelled = "cancelled"
	TaskFailed    = "failed"
)

// Workflow statuses. Terminal: completed, cancelled.
const (
	WorkflowDraft     = "draft"
	WorkflowActive    = "active"
	WorkflowCompleted = "completed"
	WorkflowCancelled = "cancelled"
)

// Step statuses. Terminal: completed, failed, skipped.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

const (
	StepSequential = "sequential"
	StepParallel   = "parallel"
)
