package main

import (
	"context"
	"errors"
	"fmt"

	"conductor/internal/action"
	"conductor/internal/breaker"
	"conductor/internal/config"
	"conductor/internal/confirm"
	"conductor/internal/delegation"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/notify"
	"conductor/internal/registry"
	"conductor/internal/resolver"
	"conductor/internal/scheduler"
	"conductor/internal/store"
	"conductor/internal/transport"
)

// app is the composition root: every service is constructed once here and
// injected downward, nothing is reached through package globals.
type app struct {
	cfg *config.Config

	tasks       *store.SQLite
	sink        notify.Sink
	breaker     *breaker.Breaker
	actions     *action.Store
	broadcaster *transport.Broadcaster
	gate        *confirm.Gate
	coordinator *delegation.Coordinator
	loop        *scheduler.Loop
	driver      *scheduler.Driver
	server      *transport.Server

	closers []func()
}

func buildApp(cfg *config.Config) (*app, error) {
	logging.SetDefaultLevel(logging.ParseLevel(cfg.Log.Level))
	a := &app{cfg: cfg}
	m := metrics.Default()

	tasks, err := store.Open(cfg.Database.Path, logging.NewComponentLogger("store"))
	if err != nil {
		return nil, err
	}
	a.tasks = tasks
	a.closers = append(a.closers, func() { tasks.Close() })

	a.sink = notify.Nop{}
	if cfg.NATS.Enabled {
		sink, err := notify.NewNATSSink(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logging.NewComponentLogger("notify"))
		if err != nil {
			tasks.Close()
			return nil, err
		}
		a.sink = sink
		a.closers = append(a.closers, sink.Close)
	}

	a.breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, logging.NewComponentLogger("breaker"))

	a.broadcaster = transport.NewBroadcaster(logging.NewComponentLogger("sse"))
	a.actions = action.NewStore(a.broadcaster, logging.NewComponentLogger("action"))

	a.gate = confirm.NewGate(confirm.Config{
		TTL:            cfg.Confirm.TTL,
		SweepInterval:  cfg.Confirm.SweepInterval,
		SensitiveTools: cfg.Confirm.SensitiveTools,
	}, a.actions, m, logging.NewComponentLogger("confirm"))

	ids := resolver.NewStatic(cfg.Agents.Aliases, cfg.Agents.DisplayNames, nil,
		logging.NewComponentLogger("resolver"))

	// The real execution engine is an external collaborator. The built-in
	// engine acknowledges instructions so a single binary stays runnable
	// end to end.
	engine := registry.NewMemory(demoRun, nil, logging.NewComponentLogger("registry"))

	a.coordinator = delegation.NewCoordinator(delegation.Deps{
		Registry: engine,
		Events:   engine,
		Resolver: ids,
		Breaker:  a.breaker,
		Actions:  a.actions,
		Metrics:  m,
		Logger:   logging.NewComponentLogger("delegation"),
	}, delegation.Config{
		BaseTimeout:            cfg.Delegation.BaseTimeout,
		ScheduledBaseTimeout:   cfg.Delegation.ScheduledBaseTimeout,
		PollInterval:           cfg.Delegation.PollInterval,
		ExtensionIncrement:     cfg.Delegation.ExtensionIncrement,
		MaxExtension:           cfg.Delegation.MaxExtension,
		MinSignificantProgress: cfg.Delegation.MinSignificantProgress,
		StallThreshold:         cfg.Delegation.StallThreshold,
	})

	a.loop = scheduler.NewLoop(tasks, a.runTask, a.sink, m,
		logging.NewComponentLogger("scheduler"), scheduler.LoopConfig{
			StuckCeiling: cfg.Scheduler.StuckCeiling,
			BatchSize:    cfg.Scheduler.BatchSize,
			BatchPause:   cfg.Scheduler.BatchPause,
			HardTimeout:  cfg.Scheduler.HardTimeout,
			RetryCeiling: cfg.Scheduler.RetryCeiling,
		})
	a.loop.SetRetryClassifier(delegationRetryable)

	driver, err := scheduler.NewDriver(cfg.Scheduler.CycleSchedule, a.loop,
		logging.NewComponentLogger("driver"))
	if err != nil {
		a.close()
		return nil, err
	}
	a.driver = driver

	a.server = transport.NewServer(transport.Deps{
		Broadcaster: a.broadcaster,
		Gate:        a.gate,
		Breaker:     a.breaker,
		Tasks:       tasks,
		Loop:        a.loop,
		Logger:      logging.NewComponentLogger("http"),
	})
	return a, nil
}

// errDelegationTimeout marks a delegation whose final state is unknown.
// Retrying it could run the same work twice.
var errDelegationTimeout = errors.New("delegation timed out")

// delegationRetryable is the loop's retry classifier: timed-out
// delegations are terminal, everything else may be retried.
func delegationRetryable(err error) bool {
	return !errors.Is(err, errDelegationTimeout)
}

// runTask is the scheduler's executor: every scheduled task becomes one
// delegation to its agent.
func (a *app) runTask(ctx context.Context, task *scheduler.Task) (any, error) {
	outcome := a.coordinator.Delegate(ctx, delegation.Request{
		TargetAgentID: task.AgentID,
		Task:          task.Instruction,
		Priority:      task.Priority,
		UserID:        task.OwnerID,
		Scheduled:     true,
	})
	switch outcome.Status {
	case delegation.StatusDelegated:
		return outcome.Result, nil
	case delegation.StatusTimedOut:
		return nil, fmt.Errorf("delegation %s (%s): %w", outcome.Status, outcome.Timeout, errDelegationTimeout)
	default:
		return nil, fmt.Errorf("delegation %s: %s", outcome.Status, outcome.Reason)
	}
}

func demoRun(_ context.Context, req registry.StartRequest, progress func(int)) (string, error) {
	progress(50)
	return fmt.Sprintf("agent %s acknowledged the instruction", req.AgentID), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
