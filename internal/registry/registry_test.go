package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func waitForCompletion(t *testing.T, bus *Bus) chan Event {
	t.Helper()
	done := make(chan Event, 1)
	unsubscribe := bus.Subscribe(func(event Event) {
		if event.Type == EventCompleted {
			select {
			case done <- event:
			default:
			}
		}
	})
	t.Cleanup(unsubscribe)
	return done
}

func TestMemory_StartCompletes(t *testing.T) {
	reg := NewMemory(func(_ context.Context, _ StartRequest, progress func(int)) (string, error) {
		progress(50)
		return "finished", nil
	}, nil, nil)
	done := waitForCompletion(t, reg.Bus())

	exec, err := reg.Start(context.Background(), StartRequest{AgentID: "toby-technical", Instruction: "fix"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if exec.Status != StatusRunning {
		t.Errorf("initial status = %v, want running", exec.Status)
	}

	select {
	case event := <-done:
		if event.ExecutionID != exec.ID {
			t.Errorf("completion for %q, want %q", event.ExecutionID, exec.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	final, err := reg.GetExecution(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if final.Status != StatusCompleted || final.Result != "finished" {
		t.Errorf("final = %+v, want completed/finished", final)
	}
	if final.Progress != 100 {
		t.Errorf("progress = %d, want 100", final.Progress)
	}
}

func TestMemory_RunError(t *testing.T) {
	reg := NewMemory(func(_ context.Context, _ StartRequest, _ func(int)) (string, error) {
		return "", errors.New("agent exploded")
	}, nil, nil)
	done := waitForCompletion(t, reg.Bus())

	exec, _ := reg.Start(context.Background(), StartRequest{AgentID: "a"})
	<-done

	final, _ := reg.GetExecution(context.Background(), exec.ID)
	if final.Status != StatusFailed || final.Error != "agent exploded" {
		t.Errorf("final = %+v, want failed with error", final)
	}
}

func TestMemory_GetUnknown(t *testing.T) {
	reg := NewMemory(nil, nil, nil)
	exec, err := reg.GetExecution(context.Background(), "exec-missing")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if exec != nil {
		t.Errorf("expected nil for unknown id, got %+v", exec)
	}
}

func TestMemory_ActiveExecutions(t *testing.T) {
	release := make(chan struct{})
	reg := NewMemory(func(_ context.Context, _ StartRequest, _ func(int)) (string, error) {
		<-release
		return "", nil
	}, nil, nil)
	done := waitForCompletion(t, reg.Bus())

	exec, _ := reg.Start(context.Background(), StartRequest{AgentID: "slow"})

	active, _ := reg.ActiveExecutions(context.Background())
	if len(active) != 1 || active[0].ID != exec.ID {
		t.Errorf("active = %+v, want the running execution", active)
	}

	close(release)
	<-done

	active, _ = reg.ActiveExecutions(context.Background())
	if len(active) != 0 {
		t.Errorf("expected no active executions, got %d", len(active))
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)
	var mu sync.Mutex
	calls := 0
	unsubscribe := bus.Subscribe(func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	bus.Publish(Event{Type: EventCompleted})
	unsubscribe()
	unsubscribe() // second detach is a no-op
	bus.Publish(Event{Type: EventCompleted})

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("subscribers = %d, want 0", bus.SubscriberCount())
	}
}

func TestBus_HandlerPanicContained(t *testing.T) {
	bus := NewBus(nil)
	bus.Subscribe(func(Event) { panic("boom") })

	received := false
	bus.Subscribe(func(Event) { received = true })

	bus.Publish(Event{Type: EventCompleted})
	if !received {
		t.Error("panicking handler must not block later handlers")
	}
}
