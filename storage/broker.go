package storage

import (
	"context"
	"sync"
)

// Broker notifies in-process subscribers when a user's tasks change. A
// subscriber that has not consumed its last notification is not sent another.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe registers for change notifications on userID's tasks.
func (b *Broker) Subscribe(userID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[userID] == nil {
		b.subs[userID] = make(map[chan struct{}]struct{})
	}
	b.subs[userID][ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[userID], ch)
		if len(b.subs[userID]) == 0 {
			delete(b.subs, userID)
		}
	}
}

func (b *Broker) Publish(_ context.Context, ev TaskEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.UserID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Broker) subscribers(userID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[userID])
}
