// Package delegation drives one agent-to-agent handoff end to end: identity
// resolution, circuit admission, execution start, a completion-event
// listener raced against a poll loop, adaptive deadline extension, and
// timeout diagnosis.
package delegation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"conductor/internal/action"
	"conductor/internal/breaker"
	"conductor/internal/ident"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/registry"
	"conductor/internal/resolver"
)

// Config holds the tunable timeout and extension policy. The numbers are
// tuning parameters, not a contract; the shape of the policy is what
// matters: extend proportionally to observed progress, cap the total
// extension, stop extending after sustained silence.
type Config struct {
	// BaseTimeout is the initial deadline for an interactive delegation.
	BaseTimeout time.Duration
	// ScheduledBaseTimeout replaces BaseTimeout for delegations that
	// originate from a scheduled task, which tolerate longer multi-step
	// workflows.
	ScheduledBaseTimeout time.Duration
	// PollInterval is the spacing of direct state reads.
	PollInterval time.Duration
	// ExtensionIncrement is granted when a poll tick observes at least
	// MinSignificantProgress percentage points of new progress. Half of it
	// is granted for smaller increases while the run is not stalled.
	ExtensionIncrement time.Duration
	// MaxExtension bounds the total extension granted to one delegation.
	MaxExtension time.Duration
	// MinSignificantProgress is the progress delta, in percentage points,
	// that earns a full extension increment.
	MinSignificantProgress int
	// StallThreshold is how long progress may stay flat before the run is
	// considered stalled. A stalled run earns no further extensions from
	// marginal increments.
	StallThreshold time.Duration
	// DrainRetries and DrainInterval bound the re-read loop used when a
	// completion event arrives with an empty result payload.
	DrainRetries  int
	DrainInterval time.Duration
}

// DefaultConfig returns the tuned production policy.
func DefaultConfig() Config {
	return Config{
		BaseTimeout:            3 * time.Minute,
		ScheduledBaseTimeout:   10 * time.Minute,
		PollInterval:           2 * time.Second,
		ExtensionIncrement:     30 * time.Second,
		MaxExtension:           5 * time.Minute,
		MinSignificantProgress: 10,
		StallThreshold:         45 * time.Second,
		DrainRetries:           3,
		DrainInterval:          120 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = def.BaseTimeout
	}
	if c.ScheduledBaseTimeout <= 0 {
		c.ScheduledBaseTimeout = def.ScheduledBaseTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.ExtensionIncrement <= 0 {
		c.ExtensionIncrement = def.ExtensionIncrement
	}
	if c.MaxExtension <= 0 {
		c.MaxExtension = def.MaxExtension
	}
	if c.MinSignificantProgress <= 0 {
		c.MinSignificantProgress = def.MinSignificantProgress
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = def.StallThreshold
	}
	if c.DrainRetries <= 0 {
		c.DrainRetries = def.DrainRetries
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = def.DrainInterval
	}
}

// Request describes one delegation call.
type Request struct {
	TargetAgentID string // raw, possibly aliased
	Task          string
	Context       string
	Requirements  string
	Priority      string // wider vocabulary, normalized by the coordinator
	UserID        string
	// Scheduled marks delegations originating from the task scheduler,
	// which get the longer base timeout.
	Scheduled bool
}

// Coordinator executes delegations. All collaborators are injected at
// construction; the coordinator holds no ambient global state.
type Coordinator struct {
	registry registry.Registry
	events   registry.EventSource // optional, nil falls back to poll-only
	resolver resolver.Resolver
	breaker  *breaker.Breaker
	actions  *action.Store
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   logging.Logger
	config   Config

	// userFallback recovers a user id when the caller supplied none. Lost
	// request context is a call-site bug; this hook papers over it and
	// logs loudly when it fires.
	userFallback func() string
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Registry     registry.Registry
	Events       registry.EventSource
	Resolver     resolver.Resolver
	Breaker      *breaker.Breaker
	Actions      *action.Store
	Metrics      *metrics.Metrics
	Logger       logging.Logger
	UserFallback func() string
}

// NewCoordinator builds a coordinator. Registry, Resolver, Breaker and
// Actions are required; Events, Metrics and UserFallback are optional.
func NewCoordinator(deps Deps, config Config) *Coordinator {
	config.applyDefaults()
	return &Coordinator{
		registry:     deps.Registry,
		events:       deps.Events,
		resolver:     deps.Resolver,
		breaker:      deps.Breaker,
		actions:      deps.Actions,
		metrics:      deps.Metrics,
		tracer:       otel.Tracer("conductor/delegation"),
		logger:       logging.OrNop(deps.Logger),
		config:       config,
		userFallback: deps.UserFallback,
	}
}

// Delegate hands a task to the target agent and waits for its terminal
// outcome. It never returns an error: circuit-open, start failures,
// execution failures and timeouts all become structured outcomes.
func (c *Coordinator) Delegate(ctx context.Context, req Request) Outcome {
	started := time.Now()

	ctx, span := c.tracer.Start(ctx, "delegation.Delegate")
	defer span.End()

	priority := NormalizePriority(req.Priority)

	agentID, err := c.resolver.ResolveCanonicalAgentID(ctx, req.TargetAgentID)
	if err != nil || agentID == "" {
		reason := "unresolvable agent id"
		if err != nil {
			reason = fmt.Sprintf("agent resolution failed: %v", err)
		}
		c.logger.Error("delegation to %q aborted: %s", req.TargetAgentID, reason)
		return c.finish(started, Outcome{
			Status:   StatusFailed,
			AgentID:  req.TargetAgentID,
			Priority: priority,
			Task:     req.Task,
			Summary:  fmt.Sprintf("Delegation to %q failed before start", req.TargetAgentID),
			Reason:   reason,
		})
	}
	span.SetAttributes(
		attribute.String("delegation.agent_id", agentID),
		attribute.String("delegation.priority", string(priority)),
	)

	if decision := c.breaker.CanExecute(agentID); !decision.Allowed {
		c.logger.Warn("delegation to %s rejected: %s", agentID, decision.Reason)
		c.metrics.IncBreakerRejection(agentID)
		return c.finish(started, Outcome{
			Status:   StatusCircuitOpen,
			AgentID:  agentID,
			Priority: priority,
			Task:     req.Task,
			Summary:  fmt.Sprintf("Delegation to %s blocked by circuit breaker", c.resolver.DisplayName(agentID)),
			Result:   decision.Reason,
			Reason:   decision.Reason,
		})
	}

	userID := c.recoverUserID(ctx, req.UserID)

	snap := c.actions.Create(action.KindDelegation, action.Meta{
		UserID:      userID,
		AgentID:     agentID,
		DisplayName: c.resolver.DisplayName(agentID),
	}, map[string]any{
		"task":         req.Task,
		"context":      req.Context,
		"requirements": req.Requirements,
		"priority":     string(priority),
	})
	c.actions.Start(snap)

	exec, startErr := c.registry.Start(ctx, registry.StartRequest{
		Instruction: composeInstruction(req, priority),
		AgentID:     agentID,
		UserID:      userID,
		Context:     req.Context,
	})
	if startErr != nil {
		reason := fmt.Sprintf("execution start failed: %v", startErr)
		c.breaker.RecordFailure(agentID, reason)
		c.actions.Error(snap, reason)
		return c.finish(started, Outcome{
			Status:   StatusFailed,
			AgentID:  agentID,
			Priority: priority,
			Task:     req.Task,
			Summary:  fmt.Sprintf("Delegation to %s failed to start", c.resolver.DisplayName(agentID)),
			Result:   reason,
			ActionID: snap.ID,
			Reason:   reason,
		})
	}

	if exec == nil || exec.ID == "" {
		exec = c.recoverExecution(ctx, agentID, userID)
	}
	if exec == nil || exec.ID == "" {
		reason := "execution engine returned no execution id"
		c.breaker.RecordFailure(agentID, reason)
		c.actions.Error(snap, reason)
		return c.finish(started, Outcome{
			Status:   StatusFailed,
			AgentID:  agentID,
			Priority: priority,
			Task:     req.Task,
			Summary:  fmt.Sprintf("Delegation to %s lost its execution handle", c.resolver.DisplayName(agentID)),
			Result:   reason,
			ActionID: snap.ID,
			Reason:   reason,
		})
	}

	c.logger.Info("delegated %q to %s (execution %s, priority %s)", truncate(req.Task, 80), agentID, exec.ID, priority)

	final := c.await(ctx, exec, snap, req.Scheduled)

	summary := fmt.Sprintf("Delegated %q to %s", truncate(req.Task, 80), c.resolver.DisplayName(agentID))
	outcome := Outcome{
		AgentID:  agentID,
		Priority: priority,
		Task:     req.Task,
		Summary:  summary,
		ActionID: snap.ID,
	}

	switch {
	case final.timedOut:
		outcome.Status = StatusTimedOut
		outcome.Timeout = final.timeoutClass
		outcome.Result = final.diagnostic
		outcome.Reason = final.diagnostic
		c.breaker.RecordFailure(agentID, fmt.Sprintf("timeout (%s)", final.timeoutClass))
		c.actions.Timeout(snap, final.diagnostic)
	case final.state != nil && final.state.Status == registry.StatusCompleted:
		outcome.Status = StatusDelegated
		outcome.Result = final.state.Result
		c.breaker.RecordSuccess(agentID)
		c.actions.Result(snap, map[string]any{"result": final.state.Result}, "delegation completed")
	default:
		outcome.Status = StatusFailed
		reason := "execution failed"
		if final.state != nil && final.state.Error != "" {
			reason = final.state.Error
		} else if final.err != nil {
			reason = final.err.Error()
		}
		outcome.Result = reason
		outcome.Reason = reason
		c.breaker.RecordFailure(agentID, reason)
		c.actions.Error(snap, reason)
	}

	return c.finish(started, outcome)
}

func (c *Coordinator) finish(started time.Time, outcome Outcome) Outcome {
	c.metrics.ObserveDelegation(outcome.AgentID, string(outcome.Status), time.Since(started))
	return outcome
}

// recoverUserID patches over call paths that lost their user context.
func (c *Coordinator) recoverUserID(ctx context.Context, supplied string) string {
	if supplied != "" && supplied != "unknown" {
		return supplied
	}
	if fromCtx := ident.UserIDFromContext(ctx); fromCtx != "" {
		return fromCtx
	}
	if c.userFallback != nil {
		if recovered := c.userFallback(); recovered != "" {
			c.logger.Warn("delegation arrived without a user id, recovered %q from fallback; fix the call site", recovered)
			return recovered
		}
	}
	c.logger.Warn("delegation arrived without a user id and no fallback is configured; fix the call site")
	return supplied
}

// recoverExecution scans active executions for one matching the target
// agent and caller. Last-resort path for engines that acknowledge a start
// without echoing the id.
func (c *Coordinator) recoverExecution(ctx context.Context, agentID, userID string) *registry.Execution {
	active, err := c.registry.ActiveExecutions(ctx)
	if err != nil {
		c.logger.Error("execution recovery scan failed: %v", err)
		return nil
	}
	for _, candidate := range active {
		if candidate.AgentID != agentID {
			continue
		}
		if userID != "" && candidate.UserID != "" && candidate.UserID != userID {
			continue
		}
		c.logger.Warn("recovered execution id %s for agent %s by scanning active executions", candidate.ID, agentID)
		return candidate
	}
	return nil
}

func composeInstruction(req Request, priority Priority) string {
	var b strings.Builder
	b.WriteString(req.Task)
	if req.Context != "" {
		b.WriteString("\n\nContext: ")
		b.WriteString(req.Context)
	}
	if req.Requirements != "" {
		b.WriteString("\nRequirements: ")
		b.WriteString(req.Requirements)
	}
	b.WriteString("\nPriority: ")
	b.WriteString(string(priority))
	return b.String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
