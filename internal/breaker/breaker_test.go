package breaker

import (
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestBreaker(cooldown time.Duration) *Breaker {
	return New(Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         cooldown,
	}, nil)
}

func TestCanExecute_NewAgentAllowed(t *testing.T) {
	b := newTestBreaker(time.Minute)
	d := b.CanExecute("toby-technical")
	if !d.Allowed {
		t.Fatalf("fresh agent should be allowed, got reason %q", d.Reason)
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(time.Minute)

	b.RecordFailure("agent-a", "missing credentials")
	b.RecordFailure("agent-a", "missing credentials")
	if !b.CanExecute("agent-a").Allowed {
		t.Fatal("should still be allowed below threshold")
	}

	b.RecordFailure("agent-a", "missing credentials")
	d := b.CanExecute("agent-a")
	if d.Allowed {
		t.Fatal("circuit should be open after 3 consecutive failures")
	}
	if !strings.Contains(d.Reason, "missing credentials") {
		t.Errorf("reason should carry the last failure, got %q", d.Reason)
	}
	if b.State("agent-a") != StateOpen {
		t.Errorf("state = %v, want open", b.State("agent-a"))
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker(time.Minute)

	b.RecordFailure("agent-b", "timeout")
	b.RecordFailure("agent-b", "timeout")
	b.RecordSuccess("agent-b")

	// Two more failures must not open the circuit: the count was reset.
	b.RecordFailure("agent-b", "timeout")
	b.RecordFailure("agent-b", "timeout")
	if !b.CanExecute("agent-b").Allowed {
		t.Fatal("success should have reset the consecutive failure count")
	}
}

func TestHalfOpenAfterCooldown(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure("agent-c", "outage")
	}
	if b.CanExecute("agent-c").Allowed {
		t.Fatal("circuit should be open")
	}

	time.Sleep(20 * time.Millisecond)

	d := b.CanExecute("agent-c")
	if !d.Allowed {
		t.Fatal("cooldown elapsed, trial delegation should be admitted")
	}
	if b.State("agent-c") != StateHalfOpen {
		t.Errorf("state = %v, want half-open", b.State("agent-c"))
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure("agent-d", "outage")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.CanExecute("agent-d").Allowed {
		t.Fatal("expected half-open admission")
	}

	b.RecordFailure("agent-d", "still down")
	if b.State("agent-d") != StateOpen {
		t.Errorf("state = %v, want open after failed trial", b.State("agent-d"))
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	b := newTestBreaker(10 * time.Millisecond)

	for i := 0; i < 3; i++ {
		b.RecordFailure("agent-e", "outage")
	}
	time.Sleep(20 * time.Millisecond)
	b.CanExecute("agent-e")
	b.RecordSuccess("agent-e")

	if b.State("agent-e") != StateClosed {
		t.Errorf("state = %v, want closed after successful trial", b.State("agent-e"))
	}
	if !b.CanExecute("agent-e").Allowed {
		t.Fatal("closed circuit should admit")
	}
}

func TestAgentsIsolated(t *testing.T) {
	b := newTestBreaker(time.Minute)
	for i := 0; i < 5; i++ {
		b.RecordFailure("broken", "boom")
	}
	if b.CanExecute("broken").Allowed {
		t.Fatal("broken agent should be blocked")
	}
	if !b.CanExecute("healthy").Allowed {
		t.Fatal("unrelated agent must not be affected")
	}
}

func TestReset(t *testing.T) {
	b := newTestBreaker(time.Minute)
	for i := 0; i < 3; i++ {
		b.RecordFailure("agent-f", "boom")
	}
	b.Reset("agent-f")
	if !b.CanExecute("agent-f").Allowed {
		t.Fatal("reset circuit should admit")
	}
}

func TestSnapshots(t *testing.T) {
	b := newTestBreaker(time.Minute)
	b.RecordFailure("agent-g", "boom")
	snaps := b.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snaps))
	}
	if snaps[0].AgentID != "agent-g" || snaps[0].FailureCount != 1 {
		t.Errorf("unexpected snapshot %+v", snaps[0])
	}
}

func TestConcurrentAccess(t *testing.T) {
	b := newTestBreaker(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.RecordFailure("shared", "x")
				b.CanExecute("shared")
				b.RecordSuccess("shared")
			}
		}()
	}
	wg.Wait()
}
