package push

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/events"
	"github.com/crewdeck/crewdeck/internal/events/bus"
)

// Sink receives notifications ready for delivery. The hub implements it.
type Sink interface {
	Broadcast(note *Notification)
	BroadcastToDeployment(deploymentID string, note *Notification)
}

// Broadcaster bridges the event bus onto the push feed. UI subjects are
// single-token, so each one gets its own subscription; a NATS wildcard
// cannot cover them.
type Broadcaster struct {
	sink          Sink
	subscriptions []bus.Subscription
	log           *logger.Logger
}

// uiSubjects is the full set of events surfaced to the UI.
var uiSubjects = []string{
	events.UIAgentLoopStarted,
	events.UIAgentLoopCompleted,
	events.UIAgentLoopFailed,
	events.UIMessageSent,
	events.UIAgentToolRunning,
	events.UIAgentToolInterrupt,
	events.UIAgentLoginRequired,
	events.UIAgentBlockingPrompt,
	events.UIStallClassified,
	events.UIEscalationSurfaced,
	events.UIDeploymentUpdated,
	events.UIWorkflowUpdated,
	events.UIWorkflowCompleted,
	events.UIWorkflowFailed,
}

// RegisterBroadcaster wires every UI subject to the sink and tears the
// subscriptions down when ctx ends.
func RegisterBroadcaster(ctx context.Context, eventBus bus.EventBus, sink Sink, log *logger.Logger) *Broadcaster {
	b := &Broadcaster{
		sink: sink,
		log:  log.WithFields(zap.String("component", "push-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	for _, subject := range uiSubjects {
		b.subscribe(eventBus, subject)
	}

	go func() {
		<-ctx.Done()
		b.Close()
	}()
	return b
}

// Close drops all bus subscriptions.
func (b *Broadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *Broadcaster) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		note := &Notification{
			Type:      event.Type,
			Timestamp: event.Timestamp,
			Payload:   event.Data,
		}
		if note.Timestamp.IsZero() {
			note.Timestamp = time.Now().UTC()
		}
		if deploymentID := event.String("deployment_id"); deploymentID != "" {
			b.sink.BroadcastToDeployment(deploymentID, note)
		} else {
			b.sink.Broadcast(note)
		}
		return nil
	})
	if err != nil {
		b.log.Error("failed to subscribe to ui events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
