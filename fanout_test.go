package tapstreams_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artificial-james/tapstreams"
)

func TestFanoutDropsSlowSubscriber(t *testing.T) {
	m := newTestMaterializer(t)

	items := make([]int, 10)
	for i := range items {
		items[i] = i + 1
	}

	pub, err := tapstreams.FromSlice(items).ToFanoutPublisher(2, 2, m)
	require.NoError(t, err)

	slow := newTestSubscriber[int](0) // never requests
	require.NoError(t, pub.Subscribe(slow))

	fast := newTestSubscriber[int](math.MaxInt64)
	require.NoError(t, pub.Subscribe(fast))

	waitDone(t, fast)
	elems, ferr, complete := fast.snapshot()
	assert.Equal(t, items, elems, "the fast subscriber must see every element uninterrupted")
	assert.NoError(t, ferr)
	assert.True(t, complete)

	waitDone(t, slow)
	selems, serr, _ := slow.snapshot()
	assert.ErrorIs(t, serr, tapstreams.ErrSubscriberTooSlow)
	assert.Empty(t, selems)
}

func TestFanoutInvalidBounds(t *testing.T) {
	m := newTestMaterializer(t)
	src := tapstreams.FromSlice([]int{1})

	_, err := src.ToFanoutPublisher(-1, 2, m)
	assert.ErrorIs(t, err, tapstreams.ErrInvalidBufferBounds)

	_, err = src.ToFanoutPublisher(5, 2, m)
	assert.ErrorIs(t, err, tapstreams.ErrInvalidBufferBounds)
}

func TestFanoutDefaultBounds(t *testing.T) {
	m := newTestMaterializer(t)

	pub, err := tapstreams.FromSlice([]int{1, 2, 3}).ToFanoutPublisher(0, 0, m)
	require.NoError(t, err)

	sub := newTestSubscriber[int](math.MaxInt64)
	require.NoError(t, pub.Subscribe(sub))

	waitDone(t, sub)
	elems, serr, complete := sub.snapshot()
	assert.Equal(t, []int{1, 2, 3}, elems)
	assert.NoError(t, serr)
	assert.True(t, complete)
}

func TestFanoutLateSubscriberGetsTerminal(t *testing.T) {
	m := newTestMaterializer(t)

	pub, err := tapstreams.FromSlice([]int{1, 2}).ToFanoutPublisher(2, 4, m)
	require.NoError(t, err)

	first := newTestSubscriber[int](math.MaxInt64)
	require.NoError(t, pub.Subscribe(first))
	waitDone(t, first)

	late := newTestSubscriber[int](math.MaxInt64)
	require.NoError(t, pub.Subscribe(late))
	waitDone(t, late)

	elems, serr, complete := late.snapshot()
	assert.Empty(t, elems, "late subscribers observe only elements emitted after they attach")
	assert.NoError(t, serr)
	assert.True(t, complete)
}

func TestFanoutMultipleFastSubscribers(t *testing.T) {
	m := newTestMaterializer(t)

	items := []int{1, 2, 3, 4, 5}
	pub, err := tapstreams.FromSlice(items).ToFanoutPublisher(2, 8, m)
	require.NoError(t, err)

	// both attach before any demand is issued, so both see everything
	a := newTestSubscriber[int](0)
	b := newTestSubscriber[int](0)
	require.NoError(t, pub.Subscribe(a))
	require.NoError(t, pub.Subscribe(b))
	a.request(math.MaxInt64)
	b.request(math.MaxInt64)

	waitDone(t, a)
	waitDone(t, b)

	for name, sub := range map[string]*testSubscriber[int]{"a": a, "b": b} {
		elems, serr, complete := sub.snapshot()
		assert.NoError(t, serr, name)
		assert.True(t, complete, name)
		assert.Equal(t, items, elems, name)
	}
}
