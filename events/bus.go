package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Bus fans stage-changed events out to in-process subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan StageChanged
	nextID int
	Logger *logrus.Logger
}

func NewBus(logger *logrus.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]chan StageChanged),
		Logger: logger,
	}
}

// Subscribe registers a listener. The returned func unsubscribes and closes
// the channel.
func (b *Bus) Subscribe(buffer int) (<-chan StageChanged, func()) {
	ch := make(chan StageChanged, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(_ context.Context, event StageChanged) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			if b.Logger != nil {
				b.Logger.WithFields(logrus.Fields{
					"subscriber":  id,
					"customer_id": event.CustomerID,
				}).Warn("Dropping stage event for slow subscriber")
			}
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
