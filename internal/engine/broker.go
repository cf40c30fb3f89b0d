package engine

import (
	"sync"

	"github.com/luufmg/esdm/internal/scheduler"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans out sub-request events per dataset to subscribers.
// It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan scheduler.Event
	nextID int
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives events for the dataset at path
// and an unsubscribe function.
func (b *Broker) Subscribe(path string) (<-chan scheduler.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[path]
	if !ok {
		t = &topic{subs: make(map[int]chan scheduler.Event)}
		b.topics[path] = t
	}

	ch := make(chan scheduler.Event, subscriberBufferSize)
	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish sends ev to all subscribers of its dataset. Events are dropped for
// subscribers whose buffers are full.
func (b *Broker) Publish(ev scheduler.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.Dataset]
	if !ok {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop the event for slow subscribers to avoid blocking I/O.
		}
	}
}

// Close ends every subscription for path, e.g. when the dataset is
// destroyed.
func (b *Broker) Close(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[path]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	delete(b.topics, path)
}
