// Package confirm gates sensitive tool calls behind human approval.
//
// A gated call suspends until an external actor approves or rejects it, or
// until the sweep expires it. The deferred action runs only after approval,
// inside the resolving call.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"conductor/internal/action"
	"conductor/internal/ident"
	"conductor/internal/logging"
	"conductor/internal/metrics"
)

var (
	// ErrNotFound is returned for unknown or already-resolved confirmation ids.
	ErrNotFound = errors.New("confirm: confirmation not found")
	// ErrRejected reaches the suspended caller when the action is declined.
	ErrRejected = errors.New("confirm: rejected by user")
	// ErrExpired reaches the suspended caller when the sweep evicts an
	// unanswered confirmation.
	ErrExpired = errors.New("confirm: confirmation expired")
)

// ExecuteFunc is the deferred real action guarded by a confirmation.
type ExecuteFunc func(ctx context.Context) (any, error)

// resolution is the one-shot outcome delivered to the suspended caller.
type resolution struct {
	result any
	err    error
}

type pending struct {
	ID        string
	ToolName  string
	Params    map[string]any
	Message   string
	UserID    string
	CreatedAt time.Time

	execute ExecuteFunc
	outcome chan resolution // buffered, written exactly once
	snap    *action.Snapshot
}

// Result is the response to a resolution attempt.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

// View is the externally visible shape of a pending confirmation.
type View struct {
	ID        string         `json:"id"`
	ToolName  string         `json:"tool_name"`
	Params    map[string]any `json:"params,omitempty"`
	Message   string         `json:"message"`
	UserID    string         `json:"user_id,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Config tunes the gate's expiry policy and sensitive-tool set.
type Config struct {
	TTL            time.Duration // unanswered confirmations older than this are rejected
	SweepInterval  time.Duration
	SensitiveTools []string // replaces the default set when non-empty
}

// DefaultConfig returns the production policy: a five minute TTL checked
// once per minute.
func DefaultConfig() Config {
	return Config{
		TTL:           5 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// defaultSensitiveTools lists the tool names whose side effects are visible
// to third parties and therefore need explicit approval.
var defaultSensitiveTools = []string{
	"createCalendarEvent",
	"updateCalendarEvent",
	"deleteCalendarEvent",
	"sendGmailMessage",
	"replyGmailMessage",
	"createFacebookPost",
	"uploadFileToDrive",
	"deleteDriveFile",
}

// Gate is the process-scoped confirmation service.
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*pending
	sensitive map[string]bool

	config  Config
	actions *action.Store
	metrics *metrics.Metrics
	logger  logging.Logger
	now     func() time.Time
}

// NewGate builds a gate. actions and metrics are optional.
func NewGate(config Config, actions *action.Store, m *metrics.Metrics, logger logging.Logger) *Gate {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	tools := config.SensitiveTools
	if len(tools) == 0 {
		tools = defaultSensitiveTools
	}
	sensitive := make(map[string]bool, len(tools))
	for _, name := range tools {
		sensitive[name] = true
	}
	return &Gate{
		pending:   make(map[string]*pending),
		sensitive: sensitive,
		config:    config,
		actions:   actions,
		metrics:   m,
		logger:    logging.OrNop(logger),
		now:       time.Now,
	}
}

// NeedsConfirmation reports whether a tool requires approval before running.
func (g *Gate) NeedsConfirmation(toolName string) bool {
	return g.sensitive[toolName]
}

// BlockForConfirmation runs execute immediately for non-sensitive tools.
// For sensitive tools it registers a pending confirmation and suspends the
// caller until Resolve, expiry, or context cancellation.
func (g *Gate) BlockForConfirmation(ctx context.Context, toolName string, params map[string]any, execute ExecuteFunc) (any, error) {
	if !g.NeedsConfirmation(toolName) {
		return execute(ctx)
	}

	entry := &pending{
		ID:        ident.NewConfirmationID(),
		ToolName:  toolName,
		Params:    params,
		Message:   RenderMessage(toolName, params),
		UserID:    ident.UserIDFromContext(ctx),
		CreatedAt: g.now(),
		execute:   execute,
		outcome:   make(chan resolution, 1),
	}

	if g.actions != nil {
		entry.snap = g.actions.Create(action.KindConfirmation, action.Meta{
			UserID: entry.UserID,
		}, map[string]any{
			"tool":    toolName,
			"params":  params,
			"message": entry.Message,
		})
		g.actions.Start(entry.snap)
	}

	g.mu.Lock()
	g.pending[entry.ID] = entry
	count := len(g.pending)
	g.mu.Unlock()
	g.metrics.SetPendingConfirmations(count)

	g.logger.Info("confirmation %s pending for tool %s: %s", entry.ID, toolName, entry.Message)

	select {
	case res := <-entry.outcome:
		return res.result, res.err
	case <-ctx.Done():
		g.remove(entry.ID)
		if entry.snap != nil {
			g.actions.Error(entry.snap, fmt.Sprintf("caller abandoned confirmation: %v", ctx.Err()))
		}
		return nil, ctx.Err()
	}
}

// Resolve applies the decision for a pending confirmation. The entry is
// removed from the pending set before the guarded action executes, so a
// racing second resolution is a well-defined "not found" no-op and the
// action can never run twice.
func (g *Gate) Resolve(ctx context.Context, confirmationID string, approved bool) Result {
	g.mu.Lock()
	entry, ok := g.pending[confirmationID]
	if ok {
		delete(g.pending, confirmationID)
	}
	count := len(g.pending)
	g.mu.Unlock()
	g.metrics.SetPendingConfirmations(count)

	if !ok {
		return Result{Success: false, Message: "confirmation not found"}
	}

	if !approved {
		message := fmt.Sprintf("User cancelled %s", entry.ToolName)
		entry.outcome <- resolution{err: fmt.Errorf("%s: %w", message, ErrRejected)}
		if entry.snap != nil {
			g.actions.Error(entry.snap, message)
		}
		g.logger.Info("confirmation %s rejected", confirmationID)
		return Result{Success: true, Message: message}
	}

	result, err := entry.execute(ctx)
	entry.outcome <- resolution{result: result, err: err}
	if entry.snap != nil {
		if err != nil {
			g.actions.Error(entry.snap, err.Error())
		} else {
			g.actions.Result(entry.snap, map[string]any{"result": fmt.Sprintf("%v", result)}, "approved and executed")
		}
	}
	if err != nil {
		g.logger.Warn("confirmation %s approved but %s failed: %v", confirmationID, entry.ToolName, err)
		return Result{Success: true, Message: fmt.Sprintf("%s failed: %v", entry.ToolName, err)}
	}
	g.logger.Info("confirmation %s approved, %s executed", confirmationID, entry.ToolName)
	return Result{Success: true, Result: result}
}

// Pending lists confirmations awaiting a decision, oldest first.
func (g *Gate) Pending() []View {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]View, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, View{
			ID:        entry.ID,
			ToolName:  entry.ToolName,
			Params:    entry.Params,
			Message:   entry.Message,
			UserID:    entry.UserID,
			CreatedAt: entry.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep rejects every pending confirmation older than the TTL, unblocking
// any caller still waiting. Returns the number evicted.
func (g *Gate) Sweep() int {
	cutoff := g.now().Add(-g.config.TTL)

	g.mu.Lock()
	var expired []*pending
	for id, entry := range g.pending {
		if entry.CreatedAt.Before(cutoff) {
			expired = append(expired, entry)
			delete(g.pending, id)
		}
	}
	count := len(g.pending)
	g.mu.Unlock()
	g.metrics.SetPendingConfirmations(count)

	for _, entry := range expired {
		entry.outcome <- resolution{err: fmt.Errorf("confirmation for %s unanswered after %s: %w", entry.ToolName, g.config.TTL, ErrExpired)}
		if entry.snap != nil {
			g.actions.Error(entry.snap, "confirmation expired")
		}
		g.logger.Warn("confirmation %s for %s expired", entry.ID, entry.ToolName)
	}
	return len(expired)
}

// StartSweeper runs the expiry sweep on its interval until ctx is done.
func (g *Gate) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}

func (g *Gate) remove(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	count := len(g.pending)
	g.mu.Unlock()
	g.metrics.SetPendingConfirmations(count)
}
