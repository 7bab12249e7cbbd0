package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeEntitySaved, Data: int64(7)})

	for _, ch := range []<-chan Event{a, c} {
		select {
		case ev := <-ch:
			assert.Equal(t, TypeEntitySaved, ev.Type)
			assert.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}

	unsubA()
	unsubA()
	_, open := <-a
	require.False(t, open)

	// Publishing after an unsubscribe must not panic.
	b.Publish(Event{Type: TypeEntityDeleted})
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeTriggerFired})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestSubscribeFiltersByPrefix(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(4, "lifecycle.", "work.")
	defer unsub()

	b.Publish(Event{Type: TypeTriggerFired})
	b.Publish(Event{Type: TypeTransition})
	b.Publish(Event{Type: TypeWorkDone})

	require.Len(t, ch, 2)
	assert.Equal(t, TypeTransition, (<-ch).Type)
	assert.Equal(t, TypeWorkDone, (<-ch).Type)
}

func TestDroppedCountsFullBuffers(t *testing.T) {
	t.Parallel()

	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeEntitySaved})
	b.Publish(Event{Type: TypeEntitySaved})
	b.Publish(Event{Type: TypeEntitySaved})
	assert.Equal(t, uint64(2), b.Dropped())
}
