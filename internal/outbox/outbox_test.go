package outbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
)

func TestMemoryQueuePushPop(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, Event{JobID: "j1"}))
	assert.ErrorIs(t, q.Push(ctx, Event{JobID: "j2"}), ErrFull)

	e, ok, err := q.Pop(ctx, time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "j1", e.JobID)

	_, ok, err = q.Pop(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliverable(t *testing.T) {
	j := domain.Job{ID: "j", WorkspaceID: "ws", Status: domain.Completed, WebhookURL: "http://x"}
	assert.True(t, NewStatusEvent(j, time.Now()).Deliverable())

	j.Status = domain.InProgress
	assert.False(t, NewStatusEvent(j, time.Now()).Deliverable())

	j.Status = domain.DeadLetter
	assert.True(t, NewStatusEvent(j, time.Now()).Deliverable())

	j.WebhookURL = ""
	assert.False(t, NewStatusEvent(j, time.Now()).Deliverable())
	assert.False(t, NewProgressEvent(domain.Job{WebhookURL: "http://x"}, nil, "", time.Now()).Deliverable())
}

func TestDispatcherDeliversSignedWebhookAndBroadcasts(t *testing.T) {
	var (
		mu       sync.Mutex
		gotSig   string
		gotBody  []byte
		attempts int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		gotSig = r.Header.Get("x-webhook-signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hub := NewHub()
	sub, unsubscribe := hub.Subscribe("jobs:ws-1", 4)
	defer unsubscribe()

	d := NewDispatcher(NewMemoryQueue(4), hub, srv.Client(), DispatcherConfig{Secret: "s3cret"}, zap.NewNop())
	j := domain.Job{ID: "j1", WorkspaceID: "ws-1", Status: domain.Completed, WebhookURL: srv.URL}
	d.Handle(context.Background(), NewStatusEvent(j, time.Now()))

	mu.Lock()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "sha256="+Sign("s3cret", gotBody), gotSig)
	var e Event
	require.NoError(t, json.Unmarshal(gotBody, &e))
	assert.Equal(t, "j1", e.JobID)
	mu.Unlock()

	select {
	case msg := <-sub:
		assert.Contains(t, string(msg), `"jobId":"j1"`)
	default:
		t.Fatal("expected realtime message")
	}
}

func TestDispatcherSurvivesDeliveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewDispatcher(NewMemoryQueue(1), nil, srv.Client(), DispatcherConfig{}, zap.NewNop())
	j := domain.Job{ID: "j1", WorkspaceID: "ws", Status: domain.Failed, WebhookURL: srv.URL}
	assert.NotPanics(t, func() { d.Handle(context.Background(), NewStatusEvent(j, time.Now())) })
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(4)
	hub := NewHub()
	sub, unsubscribe := hub.Subscribe("jobs:ws", 4)
	defer unsubscribe()

	d := NewDispatcher(q, hub, nil, DispatcherConfig{Block: 10 * time.Millisecond}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.NoError(t, q.Push(ctx, NewProgressEvent(domain.Job{ID: "j", WorkspaceID: "ws"}, nil, "half", time.Now())))
	select {
	case <-sub:
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestSinkSwallowsPushErrors(t *testing.T) {
	q := NewMemoryQueue(1)
	s := NewSink(q, zap.NewNop())
	s.Emit(context.Background(), Event{JobID: "a"})
	s.Emit(context.Background(), Event{JobID: "b"})
	assert.Equal(t, 1, q.Len())

	var nilSink *Sink
	assert.NotPanics(t, func() { nilSink.Emit(context.Background(), Event{}) })
}
