package action

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) EmitActionEvent(_ string, _ Kind, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestLifecycleOrdering(t *testing.T) {
	store := NewStore(nil, nil)
	snap := store.Create(KindDelegation, Meta{AgentID: "toby-technical", UserID: "u1"}, map[string]any{"task": "fix bug"})

	_, err := store.Start(snap)
	require.NoError(t, err)
	_, err = store.Progress(snap, 40, "working")
	require.NoError(t, err)
	tail, err := store.Result(snap, map[string]any{"answer": "done"}, "")
	require.NoError(t, err)

	assert.Equal(t, EventResult, tail.Type)
	assert.True(t, snap.Closed())

	require.Len(t, snap.Events, 3)
	for i, event := range snap.Events {
		assert.Equal(t, i+1, event.Seq, "events must be strictly ordered")
	}
}

func TestNoEventsAfterTerminal(t *testing.T) {
	store := NewStore(nil, nil)
	snap := store.Create(KindDelegation, Meta{}, nil)

	_, err := store.Start(snap)
	require.NoError(t, err)
	_, err = store.Error(snap, "boom")
	require.NoError(t, err)

	_, err = store.Progress(snap, 50, "late")
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = store.Timeout(snap, "late timeout")
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Len(t, snap.Events, 2, "no events may follow a terminal event")
}

func TestExactlyOneTerminal(t *testing.T) {
	store := NewStore(nil, nil)
	snap := store.Create(KindConfirmation, Meta{}, nil)

	_, err := store.Timeout(snap, "expired")
	require.NoError(t, err)
	_, err = store.Result(snap, nil, "")
	assert.ErrorIs(t, err, ErrTerminal)

	terminals := 0
	for _, event := range snap.Events {
		if event.Type.terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
}

func TestInputRedaction(t *testing.T) {
	store := NewStore(nil, nil)
	long := strings.Repeat("x", 1000)
	snap := store.Create(KindDelegation, Meta{}, map[string]any{
		"task":   long,
		"nested": map[string]any{"context": long},
		"count":  7,
	})

	task := snap.Input["task"].(string)
	assert.True(t, strings.HasSuffix(task, "…"))
	assert.LessOrEqual(t, len([]rune(task)), maxFieldRunes+1)

	nested := snap.Input["nested"].(map[string]any)
	assert.True(t, strings.HasSuffix(nested["context"].(string), "…"))
	assert.Equal(t, 7, snap.Input["count"])
}

func TestRedact_ShortStringUntouched(t *testing.T) {
	assert.Equal(t, "short", Redact("short"))
}

func TestEmitterReceivesEveryEvent(t *testing.T) {
	emitter := &recordingEmitter{}
	store := NewStore(emitter, nil)
	snap := store.Create(KindDelegation, Meta{}, nil)

	_, _ = store.Start(snap)
	_, _ = store.Progress(snap, 10, "")
	_, _ = store.Result(snap, nil, "")

	assert.Equal(t, 3, emitter.count())
}

func TestGetAndList(t *testing.T) {
	store := NewStore(nil, nil)
	snap := store.Create(KindDelegation, Meta{}, nil)

	assert.Same(t, snap, store.Get(snap.ID))
	assert.Nil(t, store.Get("action-unknown"))
	assert.Len(t, store.List(), 1)
}

func TestTail(t *testing.T) {
	store := NewStore(nil, nil)
	snap := store.Create(KindDelegation, Meta{}, nil)

	_, ok := snap.Tail()
	assert.False(t, ok)

	_, _ = store.Start(snap)
	tail, ok := snap.Tail()
	require.True(t, ok)
	assert.Equal(t, EventStarted, tail.Type)
}
