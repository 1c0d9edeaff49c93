package delegation

// Priority is the canonical urgency of a delegated task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// NormalizePriority coerces the wider input vocabulary into the canonical
// set. Unknown values fall back to normal.
func NormalizePriority(raw string) Priority {
	switch Priority(raw) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(raw)
	case "medium":
		return PriorityNormal
	case "urgent":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// OutcomeStatus is the terminal state of one delegation attempt.
type OutcomeStatus string

const (
	StatusDelegated   OutcomeStatus = "delegated"
	StatusFailed      OutcomeStatus = "failed"
	StatusTimedOut    OutcomeStatus = "timed_out"
	StatusCircuitOpen OutcomeStatus = "circuit_open"
)

// TimeoutClass sub-classifies a deadline-exceeded delegation. The class
// changes what an operator should do next: retry, investigate a specific
// tool, or check model health.
type TimeoutClass string

const (
	TimeoutNonResponsive TimeoutClass = "model_non_responsive"
	TimeoutToolStalled   TimeoutClass = "tool_stalled"
	TimeoutGeneric       TimeoutClass = "deadline_exceeded"
)

// Outcome is the structured result of a delegation. Every branch of the
// coordinator produces one; no error ever escapes Delegate.
type Outcome struct {
	Status   OutcomeStatus `json:"status"`
	AgentID  string        `json:"agent_id"`
	Priority Priority      `json:"priority"`
	Task     string        `json:"task"`
	Summary  string        `json:"summary"`
	// Result carries the best available result text. On timeout it holds
	// the diagnostic message instead of agent output.
	Result   string       `json:"result,omitempty"`
	ActionID string       `json:"action_id,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Timeout  TimeoutClass `json:"timeout_class,omitempty"`
}
