package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
)

type recordingSink struct {
	mu     sync.Mutex
	all    []*Notification
	scoped map[string][]*Notification
}

func newRecordingSink() *recordingSink {
	return &recordingSink{scoped: make(map[string][]*Notification)}
}

func (r *recordingSink) Broadcast(note *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, note)
}

func (r *recordingSink) BroadcastToDeployment(deploymentID string, note *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scoped[deploymentID] = append(r.scoped[deploymentID], note)
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestBroadcasterRoutesByDeployment(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	RegisterBroadcaster(ctx, eventBus, sink, log)

	err := eventBus.Publish(ctx, events.UIDeploymentUpdated,
		bus.NewEvent(events.UIDeploymentUpdated, "test", map[string]any{
			"deployment_id": "dep-1",
			"action":        "triggered",
		}))
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.scoped["dep-1"], 1)
	assert.Empty(t, sink.all)
	note := sink.scoped["dep-1"][0]
	assert.Equal(t, events.UIDeploymentUpdated, note.Type)
	assert.Equal(t, "triggered", note.Payload["action"])
	assert.False(t, note.Timestamp.IsZero())
}

func TestBroadcasterFallsBackToGlobalBroadcast(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	RegisterBroadcaster(ctx, eventBus, sink, log)

	err := eventBus.Publish(ctx, events.UIStallClassified,
		bus.NewEvent(events.UIStallClassified, "test", map[string]any{
			"session_id":     "sess-1",
			"classification": "waiting_for_input",
		}))
	require.NoError(t, err)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.all, 1)
	assert.Equal(t, events.UIStallClassified, sink.all[0].Type)
}

func TestBroadcasterCoversEveryUISubject(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	RegisterBroadcaster(ctx, eventBus, sink, log)

	for _, subject := range uiSubjects {
		err := eventBus.Publish(ctx, subject,
			bus.NewEvent(subject, "test", map[string]any{"deployment_id": "dep-x"}))
		require.NoError(t, err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.scoped["dep-x"], len(uiSubjects))
}

func TestBroadcasterClosesWithContext(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	RegisterBroadcaster(ctx, eventBus, sink, log)
	cancel()

	// The teardown goroutine races with the publish; a publish stops landing
	// once the subscriptions are gone.
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		before := len(sink.scoped["dep-late"])
		sink.mu.Unlock()

		err := eventBus.Publish(context.Background(), events.UIDeploymentUpdated,
			bus.NewEvent(events.UIDeploymentUpdated, "test", map[string]any{"deployment_id": "dep-late"}))
		if err != nil {
			return false
		}

		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.scoped["dep-late"]) == before
	}, time.Second, 10*time.Millisecond)
}

func TestHubFiltersByDeployment(t *testing.T) {
	log := newTestLogger(t)
	hub := NewHub(log)

	open := &Client{ID: "open", hub: hub, send: make(chan []byte, 8), filters: make(map[string]bool), log: log}
	narrowed := &Client{ID: "narrowed", hub: hub, send: make(chan []byte, 8), filters: make(map[string]bool), log: log}
	hub.clients[open] = true
	hub.clients[narrowed] = true
	hub.subscribeDeployment(narrowed, "dep-1")

	hub.BroadcastToDeployment("dep-2", &Notification{Type: "team:deployment_updated"})
	assert.Len(t, open.send, 1, "unfiltered client sees every deployment")
	assert.Empty(t, narrowed.send, "filtered client only sees its deployment")

	hub.BroadcastToDeployment("dep-1", &Notification{Type: "team:deployment_updated"})
	assert.Len(t, open.send, 2)
	assert.Len(t, narrowed.send, 1)
}
