package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	fired, unsubFired := b.Subscribe(4, ScheduleFired)
	defer unsubFired()

	b.Publish(Event{Type: ScheduleAdded})
	b.Publish(Event{Type: ScheduleFired, Data: "x"})

	require.Len(t, all, 2)
	require.Len(t, fired, 1)
	e := <-fired
	assert.Equal(t, ScheduleFired, e.Type)
	assert.Equal(t, "x", e.Data)
	assert.False(t, e.Time.IsZero())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: TaskStarted})
	}
	assert.Equal(t, uint64(9), Dropped(b))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()

	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: TaskStarted})
}
