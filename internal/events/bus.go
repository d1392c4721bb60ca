// Package events provides the in-process lifecycle event bus.
package events

import (
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("event bus is closed")

// Subscriber receives dispatched events.
type Subscriber func(Event)

type subscription struct {
	filter  Filter
	handler Subscriber
}

// Bus fans published events out to subscribers on a single dispatch
// goroutine and keeps a bounded history.
// A nil *Bus is valid and drops everything published to it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscription
	nextID      int
	eventChan   chan Event
	history     *history
	seq         uint64 // owned by the dispatch goroutine
	closed      bool
	done        chan struct{}
}

// NewBus creates a bus whose queue and history both hold bufferSize events.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	b := &Bus{
		subscribers: make(map[int]*subscription),
		eventChan:   make(chan Event, bufferSize),
		history:     newHistory(bufferSize),
		done:        make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	for {
		select {
		case event := <-b.eventChan:
			b.seq++
			event.Seq = b.seq
			b.history.add(event)
			b.notifySubscribers(event)
		case <-b.done:
			return
		}
	}
}

// notifySubscribers runs handlers on the dispatch goroutine, so each
// subscriber observes events in publish order.
func (b *Bus) notifySubscribers(event Event) {
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.filter.Match(event) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}

// Publish queues an event. Events are dropped when the queue is full or
// the bus is closed; publishers never block.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	select {
	case b.eventChan <- event:
	default:
	}
}

// Subscribe registers handler for the given event types, or for every
// event when none are given. It returns the unsubscribe function.
func (b *Bus) Subscribe(handler Subscriber, eventTypes ...EventType) func() {
	return b.SubscribeFilter(Filter{Types: eventTypes}, handler)
}

// SubscribeFilter registers handler for the events matching f.
func (b *Bus) SubscribeFilter(f Filter, handler Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = &subscription{filter: f, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// SubscribeChan delivers matching events on a buffered channel. Events
// are dropped when the channel is full. The returned function unsubscribes
// and closes the channel.
func (b *Bus) SubscribeChan(bufSize int, eventTypes ...EventType) (<-chan Event, func()) {
	ch := make(chan Event, bufSize)

	var once sync.Once
	var mu sync.Mutex
	closed := false

	unsubscribe := b.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	}, eventTypes...)

	return ch, func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// History returns up to limit of the most recent events, oldest first.
func (b *Bus) History(limit int) []Event {
	if limit <= 0 {
		return nil
	}
	return b.history.query(Filter{}, 0, limit)
}

// Query returns, oldest first, up to limit of the most recent retained
// events matching f whose sequence is greater than after.
func (b *Bus) Query(f Filter, after uint64, limit int) []Event {
	return b.history.query(f, after, limit)
}

// Close stops dispatching. Queued events that were not yet dispatched are
// dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	close(b.done)
}
