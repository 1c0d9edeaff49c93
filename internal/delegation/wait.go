package delegation

import (
	"context"
	"fmt"
	"time"

	"conductor/internal/action"
	"conductor/internal/registry"
)

// finalState is the terminal observation of one delegation wait.
type finalState struct {
	state        *registry.Execution
	err          error
	timedOut     bool
	timeoutClass TimeoutClass
	diagnostic   string
}

// await races a completion-event listener against a poll loop until the
// adaptive deadline expires. Dual-path detection hedges against unreliable
// event delivery; whichever waiter observes a terminal state first wins,
// and the listener is detached regardless of which path won.
func (c *Coordinator) await(ctx context.Context, exec *registry.Execution, snap *action.Snapshot, scheduled bool) finalState {
	if exec.Status != registry.StatusRunning {
		return finalState{state: exec}
	}

	terminal := make(chan *registry.Execution, 1)
	if c.events != nil {
		unsubscribe := c.events.Subscribe(func(event registry.Event) {
			if event.Type != registry.EventCompleted || event.ExecutionID != exec.ID {
				return
			}
			// The drain sleeps between reads, so it runs off the bus's
			// dispatch goroutine. A nil drain means the state never turned
			// terminal; the poll loop keeps watching under its deadline.
			go func() {
				state := c.drainResult(ctx, exec.ID)
				if state == nil {
					return
				}
				select {
				case terminal <- state:
				default:
				}
			}()
		})
		defer unsubscribe()
	}

	base := c.config.BaseTimeout
	if scheduled {
		base = c.config.ScheduledBaseTimeout
	}
	deadline := time.Now().Add(base)

	var (
		extended     time.Duration
		lastProgress = exec.Progress
		lastIncrease = time.Now()
		lastSeen     = exec
	)

	poll := time.NewTicker(c.config.PollInterval)
	defer poll.Stop()

	for {
		deadlineTimer := time.NewTimer(time.Until(deadline))

		select {
		case state := <-terminal:
			deadlineTimer.Stop()
			return finalState{state: state}

		case <-ctx.Done():
			deadlineTimer.Stop()
			class, diagnostic := c.diagnoseTimeout(lastSeen)
			return finalState{
				state:        lastSeen,
				err:          ctx.Err(),
				timedOut:     true,
				timeoutClass: class,
				diagnostic:   fmt.Sprintf("delegation cancelled: %v (%s)", ctx.Err(), diagnostic),
			}

		case <-deadlineTimer.C:
			class, diagnostic := c.diagnoseTimeout(lastSeen)
			c.logger.Warn("delegation %s timed out after %s (+%s extension): %s",
				exec.ID, base, extended, diagnostic)
			return finalState{state: lastSeen, timedOut: true, timeoutClass: class, diagnostic: diagnostic}

		case <-poll.C:
			deadlineTimer.Stop()

			state, err := c.registry.GetExecution(ctx, exec.ID)
			if err != nil {
				// Transient read failures are swallowed; the deadline
				// still bounds the overall wait.
				c.logger.Debug("poll of execution %s failed: %v", exec.ID, err)
				continue
			}
			if state == nil {
				continue
			}
			lastSeen = state

			if state.Status != registry.StatusRunning {
				return finalState{state: state}
			}

			if state.Progress != lastProgress {
				c.actions.Progress(snap, state.Progress, fmt.Sprintf("execution %s at %d%%", exec.ID, state.Progress))
			}

			grant, resetClock := c.extension(state.Progress-lastProgress, time.Since(lastIncrease))
			if remaining := c.config.MaxExtension - extended; grant > remaining {
				grant = remaining
			}
			if grant > 0 {
				deadline = deadline.Add(grant)
				extended += grant
				c.logger.Debug("extended delegation %s deadline by %s (total +%s)", exec.ID, grant, extended)
			}
			if resetClock {
				lastIncrease = time.Now()
			}
			if state.Progress > lastProgress {
				lastProgress = state.Progress
			}
		}
	}
}

// extension computes the deadline grant for one poll observation. Significant
// progress earns the full increment. Smaller increases earn half, but only
// while the run has not been flat past the stall threshold: a stalled run
// earns nothing from marginal increments, which stops indefinite creep from
// noisy one-percent ticks.
func (c *Coordinator) extension(delta int, sinceIncrease time.Duration) (grant time.Duration, resetClock bool) {
	switch {
	case delta >= c.config.MinSignificantProgress:
		return c.config.ExtensionIncrement, true
	case delta > 0 && sinceIncrease <= c.config.StallThreshold:
		return c.config.ExtensionIncrement / 2, true
	default:
		return 0, false
	}
}

// drainResult re-reads an execution after a completion event. Events can
// land a beat before the result is committed; a short bounded retry loop
// recovers the payload instead of accepting emptiness. It returns nil if
// the state never turns terminal, so a premature event cannot resolve the
// wait with a still-running observation.
func (c *Coordinator) drainResult(ctx context.Context, executionID string) *registry.Execution {
	var last *registry.Execution
	for attempt := 0; attempt <= c.config.DrainRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.DrainInterval):
			case <-ctx.Done():
				return nil
			}
		}
		current, err := c.registry.GetExecution(ctx, executionID)
		if err != nil || current == nil {
			continue
		}
		last = current
		if current.Status == registry.StatusRunning {
			continue
		}
		if current.Result != "" || current.Error != "" {
			return current
		}
	}
	if last == nil || last.Status == registry.StatusRunning {
		return nil
	}
	return last
}

// diagnoseTimeout classifies a stall from the last known execution state.
func (c *Coordinator) diagnoseTimeout(state *registry.Execution) (TimeoutClass, string) {
	if state == nil || len(state.Messages) == 0 {
		return TimeoutNonResponsive,
			"The agent did not respond within the deadline: no output was produced at all. Check model availability before retrying."
	}
	last := state.Messages[len(state.Messages)-1]
	if last.PendingTool != "" {
		return TimeoutToolStalled,
			fmt.Sprintf("The agent stalled waiting on tool %q. Investigate that tool's availability; retrying without fixing it will stall again.", last.PendingTool)
	}
	return TimeoutGeneric,
		fmt.Sprintf("The delegation exceeded its deadline at %d%% progress. The underlying execution may still finish; treat its final state as unknown.", state.Progress)
}
