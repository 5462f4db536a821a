package events

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher fans envelopes out to in-process subscribers keyed by org.
// Slow subscribers miss envelopes instead of blocking the publisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Envelope
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for one org. The subscription ends when ctx is done or cleanup runs.
func (d *Dispatcher) Subscribe(ctx context.Context, orgID string) (<-chan Envelope, func()) {
	if orgID == "" {
		ch := make(chan Envelope)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Envelope, d.bufferSize),
	}
	d.register(orgID, entry)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(orgID, entry.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

func (d *Dispatcher) Publish(ctx context.Context, envelope Envelope) error {
	orgID := envelope.OrgID()
	if orgID == "" {
		return nil
	}
	d.mu.RLock()
	subscribers := d.subscribers[orgID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return nil
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- envelope:
		default:
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions for an org.
func (d *Dispatcher) Subscribers(orgID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[orgID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(orgID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[orgID]; !ok {
		d.subscribers[orgID] = make(map[int64]*subscriber)
	}
	d.subscribers[orgID][entry.id] = entry
}

func (d *Dispatcher) unregister(orgID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[orgID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, orgID)
		}
	}
	d.mu.Unlock()
}

var _ Publisher = (*Dispatcher)(nil)
