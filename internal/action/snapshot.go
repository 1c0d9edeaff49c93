package action

import (
	"errors"
	"sync"
	"time"

	"conductor/internal/ident"
	"conductor/internal/logging"
)

// Kind classifies a tracked outbound action.
type Kind string

const (
	KindDelegation   Kind = "delegation"
	KindConfirmation Kind = "confirmation"
)

// EventType identifies a lifecycle event within a snapshot.
type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventError    EventType = "error"
	EventTimeout  EventType = "timeout"
)

// terminal reports whether the event type closes a snapshot.
func (t EventType) terminal() bool {
	return t == EventResult || t == EventError || t == EventTimeout
}

// Event is one entry in a snapshot's append-only lifecycle trail.
type Event struct {
	Seq     int            `json:"seq"`
	Type    EventType      `json:"type"`
	At      time.Time      `json:"at"`
	Pct     int            `json:"pct,omitempty"`
	Detail  string         `json:"detail,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Note    string         `json:"note,omitempty"`
}

// Meta identifies the parties of an action.
type Meta struct {
	UserID      string `json:"user_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Snapshot records the causally-ordered event trail of one outbound action,
// independent of the transport used to surface it.
type Snapshot struct {
	ID     string         `json:"id"`
	Kind   Kind           `json:"kind"`
	Meta   Meta           `json:"meta"`
	Input  map[string]any `json:"input,omitempty"`
	Events []Event        `json:"events"`

	mu     sync.Mutex
	closed bool
}

// ErrTerminal is returned when an event is appended after a terminal event.
var ErrTerminal = errors.New("action: snapshot already closed by a terminal event")

// Emitter receives each appended event for best-effort forwarding to a push
// transport. Implementations must not block; delivery failures must not
// affect the action's outcome.
type Emitter interface {
	EmitActionEvent(snapshotID string, kind Kind, event Event)
}

// Store holds every snapshot created during the process lifetime. It is a
// dependency-injected, process-scoped service.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	emitter   Emitter
	logger    logging.Logger
}

// NewStore creates an empty snapshot store. The emitter is optional.
func NewStore(emitter Emitter, logger logging.Logger) *Store {
	return &Store{
		snapshots: make(map[string]*Snapshot),
		emitter:   emitter,
		logger:    logging.OrNop(logger),
	}
}

// Create opens a snapshot of the given kind. The input map is redacted
// before storage so oversized payloads never enter the event trail.
func (s *Store) Create(kind Kind, meta Meta, input map[string]any) *Snapshot {
	snap := &Snapshot{
		ID:    ident.NewActionID(),
		Kind:  kind,
		Meta:  meta,
		Input: RedactInput(input),
	}

	s.mu.Lock()
	s.snapshots[snap.ID] = snap
	s.mu.Unlock()

	s.logger.Debug("opened %s snapshot %s (agent=%s user=%s)", kind, snap.ID, meta.AgentID, meta.UserID)
	return snap
}

// Get returns the snapshot with the given id, or nil.
func (s *Store) Get(id string) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshots[id]
}

// List returns all snapshots, newest last in creation order is not
// guaranteed; callers sort as needed.
func (s *Store) List() []*Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	return out
}

// append adds one event to the snapshot and forwards it to the emitter.
func (s *Store) append(snap *Snapshot, event Event) (Event, error) {
	snap.mu.Lock()
	if snap.closed {
		snap.mu.Unlock()
		s.logger.Error("rejected %s event on closed snapshot %s", event.Type, snap.ID)
		return Event{}, ErrTerminal
	}
	event.Seq = len(snap.Events) + 1
	event.At = time.Now()
	snap.Events = append(snap.Events, event)
	if event.Type.terminal() {
		snap.closed = true
	}
	snap.mu.Unlock()

	if s.emitter != nil {
		s.emitter.EmitActionEvent(snap.ID, snap.Kind, event)
	}
	return event, nil
}

// Start appends the started event.
func (s *Store) Start(snap *Snapshot) (Event, error) {
	return s.append(snap, Event{Type: EventStarted})
}

// Progress appends a progress event with a percentage and detail text.
func (s *Store) Progress(snap *Snapshot, pct int, detail string) (Event, error) {
	return s.append(snap, Event{Type: EventProgress, Pct: pct, Detail: Redact(detail)})
}

// Result appends the terminal result event.
func (s *Store) Result(snap *Snapshot, payload map[string]any, note string) (Event, error) {
	return s.append(snap, Event{Type: EventResult, Payload: RedactInput(payload), Note: Redact(note)})
}

// Error appends the terminal error event.
func (s *Store) Error(snap *Snapshot, info string) (Event, error) {
	return s.append(snap, Event{Type: EventError, Detail: Redact(info)})
}

// Timeout appends the terminal timeout event.
func (s *Store) Timeout(snap *Snapshot, detail string) (Event, error) {
	return s.append(snap, Event{Type: EventTimeout, Detail: Redact(detail)})
}

// Closed reports whether a terminal event has been appended.
func (snap *Snapshot) Closed() bool {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	return snap.closed
}

// Tail returns the most recently appended event, if any.
func (snap *Snapshot) Tail() (Event, bool) {
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if len(snap.Events) == 0 {
		return Event{}, false
	}
	return snap.Events[len(snap.Events)-1], true
}
