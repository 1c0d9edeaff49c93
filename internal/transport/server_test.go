package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/action"
	"conductor/internal/breaker"
	"conductor/internal/confirm"
	"conductor/internal/scheduler"
)

func newTestServer(t *testing.T) (*Server, *confirm.Gate, *scheduler.MemoryStore) {
	t.Helper()
	gate := confirm.NewGate(confirm.DefaultConfig(), nil, nil, nil)
	tasks := scheduler.NewMemoryStore()
	loop := scheduler.NewLoop(tasks, func(context.Context, *scheduler.Task) (any, error) {
		return "ok", nil
	}, nil, nil, nil, scheduler.LoopConfig{BatchPause: time.Millisecond})
	server := NewServer(Deps{
		Broadcaster: NewBroadcaster(nil),
		Gate:        gate,
		Breaker:     breaker.New(breaker.DefaultConfig(), nil),
		Tasks:       tasks,
		Loop:        loop,
	})
	return server, gate, tasks
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	server, _, _ := newTestServer(t)

	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/tasks", map[string]any{
		"owner_id":    "owner-1",
		"title":       "digest",
		"instruction": "summarize inbox",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created scheduler.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	assert.Equal(t, scheduler.TaskScheduled, created.Status)

	rec = doJSON(t, server.Handler(), http.MethodPost, "/api/cycle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats scheduler.CycleStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Succeeded)

	rec = doJSON(t, server.Handler(), http.MethodGet, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var final scheduler.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	assert.Equal(t, scheduler.TaskCompleted, final.Status)
}

func TestListTasksRequiresOwner(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/tasks", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskNotFound(t *testing.T) {
	server, _, _ := newTestServer(t)
	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/tasks/task-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestConfirmationResolutionOverHTTP(t *testing.T) {
	server, gate, _ := newTestServer(t)

	executed := make(chan any, 1)
	go func() {
		result, err := gate.BlockForConfirmation(context.Background(), "sendGmailMessage",
			map[string]any{"to": "a@b.com"}, func(context.Context) (any, error) {
				return "sent", nil
			})
		if err != nil {
			executed <- err
			return
		}
		executed <- result
	}()

	var id string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, server.Handler(), http.MethodGet, "/api/confirmations", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var payload struct {
			Confirmations []confirm.View `json:"confirmations"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
		if len(payload.Confirmations) > 0 {
			id = payload.Confirmations[0].ID
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NotEmpty(t, id, "confirmation never became visible")

	rec := doJSON(t, server.Handler(), http.MethodPost, "/api/confirmations/"+id, map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case got := <-executed:
		assert.Equal(t, any("sent"), got)
	case <-time.After(time.Second):
		t.Fatal("suspended caller never resumed")
	}

	rec = doJSON(t, server.Handler(), http.MethodPost, "/api/confirmations/"+id, map[string]any{"approved": true})
	assert.Equal(t, http.StatusNotFound, rec.Code, "second resolution must be not found")
}

func TestBreakerStateEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)
	server.breaker.RecordFailure("toby-technical", "flake")

	rec := doJSON(t, server.Handler(), http.MethodGet, "/api/breaker", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "toby-technical")
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	events, detach := b.subscribe()
	defer detach()

	b.EmitActionEvent("act-1", action.KindDelegation, action.Event{Seq: 1, Type: action.EventStarted})

	select {
	case data := <-events:
		var env envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, "act-1", env.SnapshotID)
		assert.Equal(t, action.EventStarted, env.Event.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestBroadcasterDropsOnFullBuffer(t *testing.T) {
	b := NewBroadcaster(nil)
	_, detach := b.subscribe()
	defer detach()

	for i := 0; i < clientBuffer+10; i++ {
		b.EmitActionEvent("act-1", action.KindDelegation, action.Event{Seq: i + 1, Type: action.EventProgress})
	}
	// No deadlock and the client is still attached.
	assert.Equal(t, 1, b.ClientCount())
}

func TestBroadcasterDetachIdempotent(t *testing.T) {
	b := NewBroadcaster(nil)
	_, detach := b.subscribe()
	detach()
	detach()
	assert.Zero(t, b.ClientCount())
}

func TestSSEStreamDeliversEvents(t *testing.T) {
	b := NewBroadcaster(nil)
	server := NewServer(Deps{Broadcaster: b})

	httpServer := httptest.NewServer(server.Handler())
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpServer.URL+"/events", nil)
	require.NoError(t, err)

	// No event has been emitted yet: the response headers must arrive
	// anyway, from the priming ping, or this call blocks until timeout.
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")
	require.Equal(t, 1, b.ClientCount())

	b.EmitActionEvent("act-9", action.KindConfirmation, action.Event{Seq: 1, Type: action.EventStarted})

	var body string
	buf := make([]byte, 4096)
	for !strings.Contains(body, "act-9") {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err, "stream closed before the event arrived")
		body += string(buf[:n])
	}
	assert.Contains(t, body, "action_event")
}
