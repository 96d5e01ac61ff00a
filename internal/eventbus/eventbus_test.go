package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/synqx/internal/eventbus"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := eventbus.TopicJob("j1")
	ch, err := bus.Subscribe(ctx, topic)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, topic, eventbus.NewEvent("job_state", map[string]any{"status": "RUNNING"})))
	// events on other topics are not delivered
	require.NoError(t, bus.Publish(ctx, eventbus.TopicJob("j2"), eventbus.NewEvent("job_state", nil)))

	select {
	case event := <-ch:
		assert.Equal(t, "job_state", event.Type)
		assert.Equal(t, "RUNNING", event.Payload["status"])
	case <-time.After(time.Second):
		t.Fatal("expected an event")
	}

	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed early")
		t.Fatalf("unexpected event %v", event)
	default:
	}
}

func TestMemoryBusUnsubscribesOnContextDone(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	topic := eventbus.TopicStep("s1")
	ch, err := bus.Subscribe(ctx, topic)
	require.NoError(t, err)

	cancel()
	// the channel closes once the unsubscribe goroutine runs
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	require.NoError(t, bus.Publish(context.Background(), topic, eventbus.NewEvent("step_state", nil)))
}

func TestMemoryBusDropsForSlowConsumers(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := eventbus.TopicJob("j1")
	ch, err := bus.Subscribe(ctx, topic)
	require.NoError(t, err)

	// nobody reading; publishing must never block
	for i := 0; i < 200; i++ {
		require.NoError(t, bus.Publish(ctx, topic, eventbus.NewEvent("job_state", nil)))
	}

	delivered := 0
	for {
		select {
		case <-ch:
			delivered++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 64, delivered, "buffer bounds what a slow consumer sees")
}

func TestEventMarshalRoundTrip(t *testing.T) {
	event := eventbus.NewEvent("job_state", map[string]any{"job_id": "j1"})
	data, err := event.Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"job_state"`)
	assert.Contains(t, string(data), `"job_id":"j1"`)
}
