package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"conductor/internal/action"
	"conductor/internal/breaker"
	"conductor/internal/delegation"
	"conductor/internal/registry"
	"conductor/internal/resolver"
	"conductor/internal/scheduler"
)

func timeoutProneApp() *app {
	engine := registry.NewMemory(func(ctx context.Context, _ registry.StartRequest, _ func(int)) (string, error) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
		}
		return "late", nil
	}, nil, nil)

	return &app{coordinator: delegation.NewCoordinator(delegation.Deps{
		Registry: engine,
		Resolver: resolver.NewStatic(nil, nil, nil, nil),
		Breaker:  breaker.New(breaker.DefaultConfig(), nil),
		Actions:  action.NewStore(nil, nil),
	}, delegation.Config{
		BaseTimeout:          50 * time.Millisecond,
		ScheduledBaseTimeout: 50 * time.Millisecond,
		PollInterval:         10 * time.Millisecond,
	})}
}

func TestRunTaskTimeoutIsNotRetryable(t *testing.T) {
	a := timeoutProneApp()

	_, err := a.runTask(context.Background(), &scheduler.Task{
		OwnerID:     "owner-1",
		AgentID:     "agent-1",
		Instruction: "summarize inbox",
	})
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if !errors.Is(err, errDelegationTimeout) {
		t.Fatalf("err = %v, want errDelegationTimeout", err)
	}
	if delegationRetryable(err) {
		t.Error("a timed-out delegation may still be running; it must not be retried")
	}
}

func TestDelegationRetryableClassifier(t *testing.T) {
	if !delegationRetryable(errors.New("delegation failed: engine offline")) {
		t.Error("plain failures must stay retryable")
	}
	if delegationRetryable(fmt.Errorf("task run: %w", errDelegationTimeout)) {
		t.Error("a wrapped timeout must stay non-retryable")
	}
}
