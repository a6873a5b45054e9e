package sequencer

import "sync"

type EventType string

const (
	EventStarted      EventType = "started"
	EventSlot         EventType = "slot"
	EventSettled      EventType = "settled"
	EventReset        EventType = "reset"
	EventModels       EventType = "models"
	EventNotification EventType = "notification"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

type Event struct {
	Type       EventType `json:"type"`
	Generation uint64    `json:"generation"`
	Slot       *SlotView `json:"slot,omitempty"`
	Level      Level     `json:"level,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// broadcaster fans events out to subscribers. A full subscriber misses events
// instead of stalling the publisher.
type broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

func (b *broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
