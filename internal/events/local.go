package events

import (
	"context"
	"sync"
	"sync/atomic"
)

const subscriberBuffer = 64

// LocalBus fans events out to in-process subscribers. Slow subscribers lose
// events rather than blocking publishers.
type LocalBus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	dropped atomic.Int64
}

// NewLocalBus returns an empty hub.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]chan Event)}
}

func (b *LocalBus) Publish(_ context.Context, event Event) error {
	b.deliver(stamp(event))
	return nil
}

func (b *LocalBus) deliver(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel
}

// Dropped reports how many deliveries were skipped for full subscribers.
func (b *LocalBus) Dropped() int64 { return b.dropped.Load() }

// Subscribers reports the number of active subscriptions.
func (b *LocalBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
