package breaker

import (
	"fmt"
	"sync"
	"time"

	"conductor/internal/logging"
)

// State represents the state of one agent's circuit.
type State int

const (
	// StateClosed - normal operation, delegations allowed.
	StateClosed State = iota
	// StateOpen - failing, delegations blocked.
	StateOpen
	// StateHalfOpen - testing if the agent recovered.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures circuit behavior. Thresholds are tuning parameters,
// not part of the delegation contract.
type Config struct {
	FailureThreshold int                                  // consecutive failures to open the circuit
	SuccessThreshold int                                  // consecutive half-open successes to close it
	Cooldown         time.Duration                        // wait before attempting half-open
	OnStateChange    func(from, to State, agentID string) // optional callback
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         2 * time.Minute,
	}
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// circuit tracks failure history for a single agent.
type circuit struct {
	state           State
	failureCount    int
	successCount    int
	lastFailure     time.Time
	lastReason      string
	lastStateChange time.Time
}

// Breaker is a per-agent failure-tracking gate. It is an explicitly
// constructed, process-scoped service: consumers receive it by injection,
// never through package globals.
type Breaker struct {
	config Config
	logger logging.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a Breaker with the given config.
func New(config Config, logger logging.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		config:   config,
		logger:   logging.OrNop(logger),
		circuits: make(map[string]*circuit),
	}
}

// circuitLocked returns the circuit for agentID, creating it lazily.
// Must be called with b.mu held.
func (b *Breaker) circuitLocked(agentID string) *circuit {
	c, ok := b.circuits[agentID]
	if !ok {
		c = &circuit{state: StateClosed, lastStateChange: time.Now()}
		b.circuits[agentID] = c
	}
	return c
}

// CanExecute reports whether a delegation to agentID is admitted. An open
// circuit past its cooldown transitions to half-open and admits one trial.
func (b *Breaker) CanExecute(agentID string) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(agentID)
	switch c.state {
	case StateClosed:
		return Decision{Allowed: true}
	case StateOpen:
		if time.Since(c.lastFailure) >= b.config.Cooldown {
			b.setStateLocked(agentID, c, StateHalfOpen)
			c.successCount = 0
			b.logger.Info("[%s] circuit half-open, admitting trial delegation", agentID)
			return Decision{Allowed: true}
		}
		remaining := b.config.Cooldown - time.Since(c.lastFailure)
		reason := fmt.Sprintf("agent %q is temporarily blocked after %d consecutive failures (last: %s); retry in %s",
			agentID, c.failureCount, c.lastReason, remaining.Round(time.Second))
		return Decision{Allowed: false, Reason: reason}
	case StateHalfOpen:
		return Decision{Allowed: true}
	default:
		return Decision{Allowed: false, Reason: fmt.Sprintf("unknown circuit state %v", c.state)}
	}
}

// RecordSuccess registers a successful delegation, resetting failure history.
func (b *Breaker) RecordSuccess(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(agentID)
	switch c.state {
	case StateClosed:
		if c.failureCount > 0 {
			b.logger.Debug("[%s] success, resetting failure count", agentID)
		}
		c.failureCount = 0
		c.lastReason = ""
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= b.config.SuccessThreshold {
			b.setStateLocked(agentID, c, StateClosed)
			c.failureCount = 0
			c.successCount = 0
			c.lastReason = ""
			b.logger.Info("[%s] circuit closed (agent recovered)", agentID)
		}
	case StateOpen:
		b.logger.Warn("[%s] unexpected success while circuit open", agentID)
	}
}

// RecordFailure registers a failed delegation with an optional reason.
func (b *Breaker) RecordFailure(agentID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(agentID)
	c.lastFailure = time.Now()
	if reason != "" {
		c.lastReason = reason
	}

	switch c.state {
	case StateClosed:
		c.failureCount++
		b.logger.Debug("[%s] failure %d/%d: %s", agentID, c.failureCount, b.config.FailureThreshold, reason)
		if c.failureCount >= b.config.FailureThreshold {
			b.setStateLocked(agentID, c, StateOpen)
			b.logger.Warn("[%s] circuit opened after %d consecutive failures", agentID, c.failureCount)
		}
	case StateHalfOpen:
		b.setStateLocked(agentID, c, StateOpen)
		c.successCount = 0
		b.logger.Warn("[%s] circuit reopened (trial delegation failed)", agentID)
	case StateOpen:
		b.logger.Debug("[%s] failure while circuit open", agentID)
	}
}

// State returns the current circuit state for agentID.
func (b *Breaker) State(agentID string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitLocked(agentID).state
}

// Reset manually closes the circuit for agentID.
func (b *Breaker) Reset(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(agentID)
	old := c.state
	c.state = StateClosed
	c.failureCount = 0
	c.successCount = 0
	c.lastReason = ""
	c.lastStateChange = time.Now()
	b.logger.Info("[%s] circuit manually reset from %s to closed", agentID, old)
}

// Snapshot captures per-agent circuit statistics for reporting.
type Snapshot struct {
	AgentID      string
	State        State
	FailureCount int
	LastFailure  time.Time
	LastReason   string
}

// Snapshots returns statistics for every tracked agent.
func (b *Breaker) Snapshots() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Snapshot, 0, len(b.circuits))
	for agentID, c := range b.circuits {
		out = append(out, Snapshot{
			AgentID:      agentID,
			State:        c.state,
			FailureCount: c.failureCount,
			LastFailure:  c.lastFailure,
			LastReason:   c.lastReason,
		})
	}
	return out
}

func (b *Breaker) setStateLocked(agentID string, c *circuit, newState State) {
	oldState := c.state
	c.state = newState
	c.lastStateChange = time.Now()

	if b.config.OnStateChange != nil {
		// Call in goroutine to avoid blocking under b.mu.
		go b.config.OnStateChange(oldState, newState, agentID)
	}
}
