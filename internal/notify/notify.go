// Package notify implements Broker, a subscriber-channel fan-out
// adapted from the teacher's cluster event bus and repurposed for
// Concourse's own asynchronous milestones: a Buffer page transferring
// into the Database, a mutable block sealing to immutable, and a
// transaction committing. Tests subscribe to synchronize on these
// instead of polling.
package notify

import (
	"sync"
	"time"
)

// Type identifies the kind of Event published.
type Type string

const (
	BufferTransferred    Type = "buffer.transferred"
	BlockFlushed         Type = "block.flushed"
	BlockQuarantined     Type = "block.quarantined"
	TransactionCommitted Type = "transaction.committed"
	TransactionConflict  Type = "transaction.conflict"
)

// Event is one published occurrence.
type Event struct {
	Type      Type
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages subscriptions and distributes events to every
// subscriber, dropping an event for any subscriber whose buffer is
// full rather than blocking the publisher.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker constructs a Broker. Start must be called before Publish
// delivers anything.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop in its own goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts distribution. Publish after Stop is a no-op.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe returns a new channel that receives every future event
// until Unsubscribe is called.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes sub.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish queues event for distribution, stamping Timestamp if unset.
// A nil Broker is a valid no-op receiver so callers can wire an
// optional broker without a nil check at every call site.
func (b *Broker) Publish(event *Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// subscriber buffer full, drop
		}
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
