package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/internal/common/logger"
)

func newBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewMemoryEventBus(log)
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	var order []string
	for _, name := range []string{"first", "second"} {
		name := name
		_, err := b.Subscribe("session.output", func(_ context.Context, _ *Event) error {
			order = append(order, name)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, b.Publish(ctx, "session.output", NewEvent("session.output", "test", nil)))
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestWildcardSubscriptions(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	var single, multi, exact int
	_, err := b.Subscribe("session.*.output", func(context.Context, *Event) error {
		single++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("session.>", func(context.Context, *Event) error {
		multi++
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe("session.abc.output", func(context.Context, *Event) error {
		exact++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "session.abc.output", NewEvent("x", "test", nil)))
	assert.Equal(t, 1, single)
	assert.Equal(t, 1, multi)
	assert.Equal(t, 1, exact)

	// Two tokens after the prefix: * must not span them, > does.
	require.NoError(t, b.Publish(ctx, "session.abc.def.output", NewEvent("x", "test", nil)))
	assert.Equal(t, 1, single)
	assert.Equal(t, 2, multi)

	// Single-token subjects match nothing with a dot-separated pattern.
	require.NoError(t, b.Publish(ctx, "team:deployment_updated", NewEvent("x", "test", nil)))
	assert.Equal(t, 1, single)
	assert.Equal(t, 2, multi)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	var count int
	sub, err := b.Subscribe("workflow.updated", func(context.Context, *Event) error {
		count++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "workflow.updated", NewEvent("x", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(ctx, "workflow.updated", NewEvent("x", "test", nil)))
	assert.Equal(t, 1, count)
}

func TestQueueSubscribeRoundRobins(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	counts := make([]int, 2)
	for i := range counts {
		i := i
		_, err := b.QueueSubscribe("agent.loop.dispatch", "workers", func(context.Context, *Event) error {
			counts[i]++
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "agent.loop.dispatch", NewEvent("x", "test", nil)))
	}
	assert.Equal(t, 2, counts[0])
	assert.Equal(t, 2, counts[1])
}

func TestSubscribeFromHandlerDoesNotDeadlock(t *testing.T) {
	b := newBus(t)
	ctx := context.Background()

	var nested bool
	_, err := b.Subscribe("a", func(context.Context, *Event) error {
		_, subErr := b.Subscribe("b", func(context.Context, *Event) error {
			nested = true
			return nil
		})
		return subErr
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "a", NewEvent("x", "test", nil)))
	require.NoError(t, b.Publish(ctx, "b", NewEvent("x", "test", nil)))
	assert.True(t, nested)
}

func TestClosedBusRejectsPublishAndSubscribe(t *testing.T) {
	b := newBus(t)
	b.Close()

	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "a", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("a", func(context.Context, *Event) error { return nil })
	assert.Error(t, err)
}
