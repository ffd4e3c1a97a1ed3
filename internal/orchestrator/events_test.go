package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbiter/internal/types"
)

func TestEventBusRoutesByTask(t *testing.T) {
	bus := NewEventBus(nil)

	chA, cancelA := bus.Subscribe("task-a")
	defer cancelA()
	chAll, cancelAll := bus.Subscribe("")
	defer cancelAll()

	bus.Publish(types.StatusEvent{Task: "task-a", Message: "hello"})
	bus.Publish(types.StatusEvent{Task: "task-b", Message: "other"})

	got := <-chA
	assert.Equal(t, "task-a", got.TaskID())
	select {
	case extra := <-chA:
		t.Fatalf("unexpected event for %s", extra.TaskID())
	default:
	}

	first := <-chAll
	second := <-chAll
	assert.Equal(t, "task-a", first.TaskID())
	assert.Equal(t, "task-b", second.TaskID())
}

func TestEventBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe("task-a")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(types.StatusEvent{Task: "task-a", Message: "tick"})
	}

	count := 0
	for {
		select {
		case <-ch:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, count)
}

func TestEventBusCancelClosesChannel(t *testing.T) {
	bus := NewEventBus(nil)
	ch, cancel := bus.Subscribe("task-a")
	cancel()

	_, open := <-ch
	require.False(t, open)

	// Publishing after cancel must not panic.
	bus.Publish(types.StatusEvent{Task: "task-a", Message: "late"})
}
