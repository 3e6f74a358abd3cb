package schema

// ExecutionState is the lifecycle state of a single flow invocation.
type ExecutionState string

const (
	StateValidating       ExecutionState = "validating"
	StateRendering        ExecutionState = "rendering"
	StateAwaitingBackend  ExecutionState = "awaiting_backend"
	StateToolRequested    ExecutionState = "tool_requested"
	StateToolDispatching  ExecutionState = "tool_dispatching"
	StateValidatingOutput ExecutionState = "validating_output"
	StateCompleted        ExecutionState = "completed"
	StateFailed           ExecutionState = "failed"
)

// Terminal reports whether no transition leaves s.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Event type constants published while a flow executes.
const (
	EventInvocationStarted   = "invocation_started"
	EventStateChanged        = "state_changed"
	EventToolDispatched      = "tool_dispatched"
	EventToolFailed          = "tool_failed"
	EventInvocationCompleted = "invocation_completed"
	EventInvocationFailed    = "invocation_failed"
)
