package orchestrator

import (
	"sync"

	"arbiter/internal/logging"
	"arbiter/internal/types"
)

// subscriberBuffer is the per-subscriber channel depth. Publish never
// blocks; a full subscriber drops the event.
const subscriberBuffer = 64

// EventBus fans task events out to per-task and firehose subscribers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan types.Event // task id -> subscribers; "" is the firehose
	logger logging.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger logging.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[string][]chan types.Event),
		logger: logging.OrNop(logger),
	}
}

// Subscribe registers for one task's events; an empty task id receives every
// event. The returned cancel function must be called to release the channel.
func (b *EventBus) Subscribe(taskID string) (<-chan types.Event, func()) {
	ch := make(chan types.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[taskID]
		for i, c := range list {
			if c == ch {
				b.subs[taskID] = append(list[:i], list[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

// Publish delivers an event to the task's subscribers and the firehose.
// Fire-and-forget: slow subscribers lose events rather than stall the
// pipeline.
func (b *EventBus) Publish(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[event.TaskID()] {
		b.send(ch, event)
	}
	if event.TaskID() != "" {
		for _, ch := range b.subs[""] {
			b.send(ch, event)
		}
	}
}

func (b *EventBus) send(ch chan types.Event, event types.Event) {
	select {
	case ch <- event:
	default:
		b.logger.Warn("events: dropping %s event for %s, subscriber full", event.Type(), event.TaskID())
	}
}
