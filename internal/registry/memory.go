package registry

import (
	"context"
	"sync"

	"conductor/internal/ident"
	"conductor/internal/logging"
)

// RunFunc produces the terminal state of an execution. Implementations
// receive a progress callback they may call as work advances; the memory
// registry republishes each call as observable execution progress.
type RunFunc func(ctx context.Context, req StartRequest, progress func(pct int)) (result string, err error)

// Memory is an in-process Registry used by tests and the demo wiring. Real
// deployments point the coordinator at the hosted execution engine instead.
type Memory struct {
	run    RunFunc
	bus    *Bus
	logger logging.Logger

	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewMemory creates a memory registry. run may be nil, in which case
// executions complete immediately with an empty result.
func NewMemory(run RunFunc, bus *Bus, logger logging.Logger) *Memory {
	if bus == nil {
		bus = NewBus(logger)
	}
	return &Memory{
		run:        run,
		bus:        bus,
		logger:     logging.OrNop(logger),
		executions: make(map[string]*Execution),
	}
}

// Bus exposes the registry's event bus.
func (m *Memory) Bus() *Bus { return m.bus }

// Subscribe implements EventSource.
func (m *Memory) Subscribe(handler Handler) func() {
	return m.bus.Subscribe(handler)
}

// Start implements Registry. The run function executes on its own
// goroutine; completion is published on the bus.
func (m *Memory) Start(ctx context.Context, req StartRequest) (*Execution, error) {
	exec := &Execution{
		ID:      ident.NewExecutionID(),
		AgentID: req.AgentID,
		UserID:  req.UserID,
		Status:  StatusRunning,
	}

	m.mu.Lock()
	m.executions[exec.ID] = exec
	m.mu.Unlock()

	m.logger.Debug("started execution %s for agent %s", exec.ID, req.AgentID)

	go m.drive(ctx, exec.ID, req)

	snapshot := *exec
	return &snapshot, nil
}

func (m *Memory) drive(ctx context.Context, executionID string, req StartRequest) {
	progress := func(pct int) {
		m.mu.Lock()
		if exec := m.executions[executionID]; exec != nil && exec.Status == StatusRunning {
			exec.Progress = pct
		}
		m.mu.Unlock()
	}

	var result string
	var err error
	if m.run != nil {
		result, err = m.run(ctx, req, progress)
	}

	m.mu.Lock()
	exec := m.executions[executionID]
	if exec != nil {
		if err != nil {
			exec.Status = StatusFailed
			exec.Error = err.Error()
		} else {
			exec.Status = StatusCompleted
			exec.Progress = 100
			exec.Result = result
		}
	}
	m.mu.Unlock()

	m.bus.Publish(Event{Type: EventCompleted, ExecutionID: executionID})
}

// GetExecution implements Registry.
func (m *Memory) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, nil
	}
	snapshot := *exec
	snapshot.Messages = append([]Message(nil), exec.Messages...)
	return &snapshot, nil
}

// ActiveExecutions implements Registry.
func (m *Memory) ActiveExecutions(_ context.Context) ([]*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Execution
	for _, exec := range m.executions {
		if exec.Status == StatusRunning {
			snapshot := *exec
			out = append(out, &snapshot)
		}
	}
	return out, nil
}

// SetMessages replaces an execution's transcript. Tests use this to shape
// timeout diagnosis scenarios.
func (m *Memory) SetMessages(id string, messages []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exec := m.executions[id]; exec != nil {
		exec.Messages = append([]Message(nil), messages...)
	}
}
