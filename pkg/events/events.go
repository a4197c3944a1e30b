package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names one kind of lifecycle change a trigger can watch.
type EventType string

const (
	EventJobSubmitted          EventType = "job.submitted"
	EventJobStarted            EventType = "job.started"
	EventJobCompleted          EventType = "job.completed"
	EventJobCancelled          EventType = "job.cancelled"
	EventJobFailed             EventType = "job.failed"
	EventJobTimeout            EventType = "job.timeout"
	EventNodeStateChanged      EventType = "node.state_changed"
	EventNodeDrained           EventType = "node.drained"
	EventNodeDown              EventType = "node.down"
	EventPartitionStateChanged EventType = "partition.state_changed"
	EventReconfigured          EventType = "controller.reconfigured"
	EventFailoverPromoted      EventType = "controller.failover_promoted"
)

// Event is one recorded lifecycle change, queued at publish time and
// delivered on the next trigger-fire pass.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscription is one registered trigger: the set of event types it
// watches and the bounded channel deliveries land on.
type Subscription struct {
	C     chan *Event
	types map[EventType]bool
}

func (s *Subscription) matches(t EventType) bool {
	return len(s.types) == 0 || s.types[t]
}

// maxPending bounds the backlog between fire passes. If nothing drains
// the queue (no background loop running), the oldest events age out
// first; triggers are best-effort notifications, not a durable stream.
const maxPending = 1024

// Broker queues published events until the next trigger-fire pass.
// Publishers are write-lock holders on the hot path, so Publish only
// appends under a short mutex; fan-out happens later, from the
// background loop's trigger activity, never on the publisher's
// goroutine.
type Broker struct {
	mu      sync.Mutex
	pending []*Event
	subs    map[*Subscription]bool
}

// NewBroker returns an empty broker with no subscriptions.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*Subscription]bool)}
}

// Subscribe registers a trigger for the given event types. No types
// means every event.
func (b *Broker) Subscribe(types ...EventType) *Subscription {
	sub := &Subscription{
		C:     make(chan *Event, 64),
		types: make(map[EventType]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a trigger and closes its channel. Safe to call
// twice.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub] {
		delete(b.subs, sub)
		close(sub.C)
	}
}

// Publish stamps and queues one event. It never delivers inline and
// never blocks, whatever state the subscribers are in.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	b.mu.Lock()
	b.pending = append(b.pending, event)
	if len(b.pending) > maxPending {
		b.pending = b.pending[len(b.pending)-maxPending:]
	}
	b.mu.Unlock()
}

// Fire drains the pending queue to every matching subscription and
// returns how many events were drained. A subscription whose channel is
// full loses the event rather than stalling the pass.
func (b *Broker) Fire() int {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, ev := range pending {
		for _, sub := range subs {
			if !sub.matches(ev.Type) {
				continue
			}
			select {
			case sub.C <- ev:
			default:
			}
		}
	}
	return len(pending)
}

// Pending returns the number of events queued for the next fire pass.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// SubscriberCount returns the number of registered triggers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
