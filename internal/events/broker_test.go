package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain[T any](ch <-chan T) []T {
	var out []T
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestBroker_EverySubscriberSeesEveryEvent(t *testing.T) {
	b := NewBroker[int](8)
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubA()
	defer unsubC()

	for i := 1; i <= 3; i++ {
		b.Publish(i)
	}

	assert.Equal(t, []int{1, 2, 3}, drain(a))
	assert.Equal(t, []int{1, 2, 3}, drain(c))
}

func TestBroker_SlowSubscriberLosesOldest(t *testing.T) {
	b := NewBroker[int](3)
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	assert.Equal(t, []int{3, 4, 5}, drain(ch))
	assert.Equal(t, 2, b.Dropped())
}

func TestBroker_UnsubscribeAndClose(t *testing.T) {
	b := NewBroker[string](0)

	ch, unsub := b.Subscribe()
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok, "unsubscribe closes the channel")

	live, _ := b.Subscribe()
	b.Close()
	b.Close()
	_, ok = <-live
	assert.False(t, ok)

	require.NotPanics(t, func() { b.Publish("late") })

	after, unsubAfter := b.Subscribe()
	_, ok = <-after
	assert.False(t, ok)
	unsubAfter()
}
