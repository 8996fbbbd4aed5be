package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/cellsync/internal/wire"
)

const defaultSubscriberBuffer = 64

// RealtimeMessage is one frame addressed to every subscriber of a table.
type RealtimeMessage struct {
	TableID string
	// Origin is the subscriber that produced the frame; it does not receive it back. Zero means the server.
	Origin int64
	Frame  wire.Frame
}

// RealtimeDispatcher fans frames out to per-table subscribers. A subscriber whose buffer is full
// is dropped and its stream closed.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

// NewRealtimeDispatcher returns an empty dispatcher.
func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a subscriber for tableID until ctx ends, the cleanup function runs or the
// subscriber falls behind. The stream is closed when the subscription ends.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, tableID string) (int64, <-chan RealtimeMessage, func()) {
	if tableID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return 0, ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(tableID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(tableID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.id, subscriber.stream, cleanup
}

// Publish delivers message to the table's subscribers other than its origin. Subscribers that
// cannot take the frame are unsubscribed.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.TableID == "" || message.Frame.Type == "" {
		return
	}
	var overflowed []int64
	d.mu.RLock()
	for _, subscriber := range d.subscribers[message.TableID] {
		if subscriber.id == message.Origin {
			continue
		}
		select {
		case subscriber.stream <- message:
		default:
			overflowed = append(overflowed, subscriber.id)
		}
	}
	d.mu.RUnlock()
	for _, subscriberID := range overflowed {
		d.unregisterSubscriber(message.TableID, subscriberID)
	}
}

// SubscriberCount reports the subscribers of tableID.
func (d *RealtimeDispatcher) SubscriberCount(tableID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[tableID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(tableID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tableID]; !ok {
		d.subscribers[tableID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[tableID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(tableID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[tableID]
	subscriber, ok := subscribers[subscriberID]
	if !ok {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, tableID)
	}
	close(subscriber.stream)
}
