package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Type: EventJobSubmitted, Message: "accepted", Metadata: map[string]string{"job_id": "J1"}})

	select {
	case got := <-sub:
		assert.Equal(t, EventJobSubmitted, got.Type)
		assert.Equal(t, "J1", got.Metadata["job_id"])
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishFansOutToEverySubscriber(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe()
	subB := b.Subscribe()
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventExecutorFailed})

	for _, sub := range []Subscriber{subA, subB} {
		select {
		case got := <-sub:
			assert.Equal(t, EventExecutorFailed, got.Type)
		case <-time.After(time.Second):
			t.Fatal("event not delivered to all subscribers")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	b.Publish(&Event{Type: EventEmergencyRaised})

	_, open := <-sub
	assert.False(t, open)
}

func TestStopEndsRunLoopWithoutPanicking(t *testing.T) {
	b := NewBus()
	b.Start()
	b.Stop()

	assert.Eventually(t, func() bool { return true }, time.Second, 10*time.Millisecond)
}
