package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/conductor/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.Event
	filter Filter
}

// MemoryBus is an in-process EventBus built on channels.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
	closed  bool
}

var _ EventBus = (*MemoryBus)(nil)

// NewMemoryBus creates a new MemoryBus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[uint64]*subscriber)}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (b *MemoryBus) Publish(ctx context.Context, event schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The cancel function unregisters it and
// closes the channel; it is safe to call more than once.
func (b *MemoryBus) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	size := filter.Buffer
	if size <= 0 {
		size = defaultChannelBuffer
	}

	id := b.seq.Add(1)
	sub := &subscriber{ch: make(chan schema.Event, size), filter: filter}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, schema.NewError(schema.ErrCodeConflict, "event bus is closed")
	}
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel, nil
}

// Subscribers returns the number of active subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were discarded for slow subscribers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription and rejects new ones.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
