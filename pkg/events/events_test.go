package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishQueuesFireDelivers(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Publish(&Event{Type: EventJobSubmitted})
	require.Equal(t, 1, b.Pending(), "publish must queue, not deliver")

	select {
	case <-sub.C:
		t.Fatal("nothing may be delivered before a fire pass")
	default:
	}

	assert.Equal(t, 1, b.Fire())
	assert.Equal(t, 0, b.Pending())

	ev := <-sub.C
	assert.Equal(t, EventJobSubmitted, ev.Type)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestSubscriptionFiltersByEventType(t *testing.T) {
	b := NewBroker()
	jobs := b.Subscribe(EventJobSubmitted, EventJobCompleted)
	nodes := b.Subscribe(EventNodeStateChanged)

	b.Publish(&Event{Type: EventJobSubmitted})
	b.Publish(&Event{Type: EventNodeStateChanged})
	b.Fire()

	assert.Len(t, jobs.C, 1)
	assert.Len(t, nodes.C, 1)

	ev := <-jobs.C
	assert.Equal(t, EventJobSubmitted, ev.Type)
	ev = <-nodes.C
	assert.Equal(t, EventNodeStateChanged, ev.Type)
}

func TestUnsubscribeClosesChannelOnce(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.C
	assert.False(t, open)
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(EventNodeStateChanged)

	for i := 0; i < cap(sub.C)+10; i++ {
		b.Publish(&Event{Type: EventNodeStateChanged})
	}
	fired := b.Fire()

	assert.Equal(t, cap(sub.C)+10, fired, "fire must drain the whole backlog")
	assert.Len(t, sub.C, cap(sub.C), "overflow is dropped, not buffered")
}

func TestPendingBacklogIsBounded(t *testing.T) {
	b := NewBroker()
	for i := 0; i < maxPending+50; i++ {
		b.Publish(&Event{Type: EventJobSubmitted})
	}
	assert.Equal(t, maxPending, b.Pending(), "oldest events age out past the cap")
}
