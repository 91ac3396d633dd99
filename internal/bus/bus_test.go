package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFIFOOrdering(t *testing.T) {
	topic := NewTopic("laser", 16, zap.NewNop())
	sub := topic.Subscribe()
	require.NotNil(t, sub)

	for i := 1; i <= 10; i++ {
		topic.Publish(Event{Type: EventState, Resource: "laser", Seq: uint64(i)})
	}
	topic.Close()

	var seqs []uint64
	for ev := range sub.Events() {
		seqs = append(seqs, ev.Seq)
	}
	require.Len(t, seqs, 10)
	for i, seq := range seqs {
		assert.Equal(t, uint64(i+1), seq)
	}
	assert.NoError(t, sub.Err(), "clean end-of-stream")
}

func TestSlowSubscriberEvicted(t *testing.T) {
	topic := NewTopic("mill", 4, zap.NewNop())
	slow := topic.Subscribe()
	fast := topic.SubscribeBuffered(256)

	done := make(chan []uint64)
	go func() {
		var got []uint64
		for ev := range fast.Events() {
			got = append(got, ev.Seq)
		}
		done <- got
	}()

	// The slow subscriber reads nothing; its 4-slot buffer overflows on the
	// fifth event.
	for i := 1; i <= 100; i++ {
		topic.Publish(Event{Type: EventState, Resource: "mill", Seq: uint64(i)})
	}
	topic.Close()

	got := <-done
	require.Len(t, got, 100, "fast subscriber sees every event in order")
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}

	var slowGot []uint64
	for ev := range slow.Events() {
		slowGot = append(slowGot, ev.Seq)
	}
	assert.Len(t, slowGot, 4)
	assert.ErrorIs(t, slow.Err(), ErrEvicted)
}

func TestSubscribeAfterClose(t *testing.T) {
	topic := NewTopic("laser", 4, zap.NewNop())
	topic.Close()
	assert.Nil(t, topic.Subscribe())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	topic := NewTopic("laser", 4, zap.NewNop())
	sub := topic.Subscribe()
	sub.Close()
	// must not panic or deliver
	topic.Publish(Event{Type: EventState, Seq: 1})
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.NoError(t, sub.Err())
}
