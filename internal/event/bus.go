package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const defaultSubscriberBuffer = 100

type InMemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	buffer      int
	dropped     atomic.Uint64
}

func NewBus() *InMemoryBus {
	return NewBusWithBuffer(defaultSubscriberBuffer)
}

func NewBusWithBuffer(buffer int) *InMemoryBus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &InMemoryBus{
		subscribers: make(map[string]chan Event),
		buffer:      buffer,
	}
}

// Publish fans the event out without blocking. Subscribers whose buffer is
// full miss the event and the drop is counted.
func (b *InMemoryBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *InMemoryBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			close(ch)
			delete(b.subscribers, id)
		})
	}

	return ch, unsubscribe
}

func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}
