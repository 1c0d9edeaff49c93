// Package registry defines the contract to the agent-execution engine.
//
// The engine itself is an external collaborator: the orchestration core only
// starts executions, reads their state, and subscribes to completion events.
// A single Start capability is required of every implementation; environment
// variants are configuration at construction, never runtime feature probing.
package registry

import "context"

// Status is the lifecycle state of one agent execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Message is one entry of an execution's transcript. PendingTool names a
// tool call the agent issued but has not yet received a result for.
type Message struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	PendingTool string `json:"pending_tool,omitempty"`
}

// Execution is a read-only view of one in-flight agent run. The registry
// owns the record; callers hold only the id and re-read state through
// GetExecution.
type Execution struct {
	ID       string    `json:"id"`
	AgentID  string    `json:"agent_id"`
	UserID   string    `json:"user_id,omitempty"`
	Status   Status    `json:"status"`
	Progress int       `json:"progress"`
	Result   string    `json:"result,omitempty"`
	Error    string    `json:"error,omitempty"`
	Messages []Message `json:"messages,omitempty"`
}

// StartRequest carries everything needed to start an execution.
type StartRequest struct {
	Instruction string
	AgentID     string
	UserID      string
	Context     string
}

// EventCompleted is emitted on the event bus when an execution reaches a
// terminal status.
const EventCompleted = "execution_completed"

// Event is a bus notification about an execution.
type Event struct {
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id"`
}

// Handler consumes bus events. Handlers must be cheap; slow consumers
// should hand off to their own goroutine.
type Handler func(Event)

// Registry is the port to the execution engine.
type Registry interface {
	// Start begins an execution and returns its handle. The returned
	// execution may already be terminal for engines that run synchronously.
	Start(ctx context.Context, req StartRequest) (*Execution, error)
	// GetExecution returns the current state of an execution, or nil when
	// the id is unknown.
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// ActiveExecutions lists executions that have not reached a terminal
	// status. Used only for best-effort recovery when Start loses its id.
	ActiveExecutions(ctx context.Context) ([]*Execution, error)
}

// EventSource is the optional event-subscription capability. Registries
// without reliable event delivery may omit it; the delegation coordinator
// falls back to polling alone.
type EventSource interface {
	Subscribe(handler Handler) (unsubscribe func())
}
