package tapstreams

import (
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEdge() *demandChannel {
	return newDemandChannel(make(chan struct{}))
}

func mustReceive(t *testing.T, c *demandChannel) event {
	t.Helper()
	select {
	case ev := <-c.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
		return event{}
	}
}

func assertNoEvent(t *testing.T, c *demandChannel) {
	t.Helper()
	select {
	case ev := <-c.events:
		t.Fatalf("unexpected event: %v", ev.kind)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestNoUnsolicitedDelivery(t *testing.T) {
	c := newTestEdge()
	var sent int32

	go func() {
		for i := 1; i <= 3; i++ {
			if !c.send(i) {
				return
			}
			atomic.AddInt32(&sent, 1)
		}
	}()

	c.request(2)
	assert.Equal(t, 1, mustReceive(t, c).elem)
	assert.Equal(t, 2, mustReceive(t, c).elem)

	// the third element was never authorized
	assertNoEvent(t, c)
	assert.Equal(t, int32(2), atomic.LoadInt32(&sent))

	c.request(1)
	assert.Equal(t, 3, mustReceive(t, c).elem)
}

func TestTerminalAtMostOnce(t *testing.T) {
	c := newTestEdge()

	go c.complete()
	ev := mustReceive(t, c)
	assert.Equal(t, signalComplete, ev.kind)

	// a second terminal is swallowed, not delivered
	c.fail(fmt.Errorf("too late"))
	assertNoEvent(t, c)

	// and no element may follow a terminal
	c.request(1)
	assert.False(t, c.send("x"))
}

func TestCancelSuppressesTraffic(t *testing.T) {
	c := newTestEdge()
	c.cancel()

	assert.False(t, c.send(1))
	c.request(5)
	assert.False(t, c.send(1))
	assert.False(t, c.awaitDemand())

	_, ok := c.receive()
	assert.False(t, ok)
}

func TestCancelReason(t *testing.T) {
	c := newTestEdge()
	c.cancelWith(ErrNonPositiveDemand)
	c.cancel() // later cancels must not overwrite the reason

	assert.True(t, c.cancelled())
	assert.ErrorIs(t, c.cancelReason(), ErrNonPositiveDemand)
}

func TestCancelWithResidualDemand(t *testing.T) {
	c := newTestEdge()
	c.request(5)
	c.cancel()

	// demand requested before the cancel must not leak out afterwards
	assert.False(t, c.awaitDemand())
	assert.Equal(t, int64(0), c.takeDemand())
	assert.False(t, c.send(1))
}

func TestCancelledEdgeStopsTaps(t *testing.T) {
	t.Run("Iterator not advanced", func(t *testing.T) {
		pulls := 0
		src := FromIterator(func() (int, bool) {
			pulls++
			return pulls, true
		})

		c := newTestEdge()
		c.request(3)
		c.cancel()

		require.NoError(t, src.g.tap.run(nil, c))
		assert.Zero(t, pulls, "a cancelled run must not consume shared iterator elements")
	})
	t.Run("Thunk not called", func(t *testing.T) {
		calls := 0
		src := FromThunk(func() (int, bool, error) {
			calls++
			return calls, true, nil
		})

		c := newTestEdge()
		c.request(3)
		c.cancel()

		require.NoError(t, src.g.tap.run(nil, c))
		assert.Zero(t, calls)
	})
}

func TestTrySendDropsWithoutDemand(t *testing.T) {
	c := newTestEdge()

	sent, open := c.trySend("tick")
	assert.False(t, sent)
	assert.True(t, open)

	c.request(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sent, open := c.trySend("tick")
		assert.True(t, sent)
		assert.True(t, open)
	}()
	assert.Equal(t, "tick", mustReceive(t, c).elem)
	<-done

	c.cancel()
	_, open = c.trySend("tick")
	assert.False(t, open)
}

func TestDemandOverflowClamps(t *testing.T) {
	c := newTestEdge()
	c.request(math.MaxInt64)
	c.request(5)
	assert.Equal(t, int64(math.MaxInt64), c.pending())
}

func TestTakeDemandDrains(t *testing.T) {
	c := newTestEdge()
	c.request(3)
	c.request(4)

	assert.Equal(t, int64(7), c.takeDemand())
	assert.Equal(t, int64(0), c.pending())

	c.cancel()
	assert.Equal(t, int64(0), c.takeDemand())
}

func TestDyingUnblocksProducer(t *testing.T) {
	dying := make(chan struct{})
	c := newDemandChannel(dying)

	blocked := make(chan bool)
	go func() { blocked <- c.send(1) }()

	close(dying)
	select {
	case ok := <-blocked:
		require.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not observe the kill signal")
	}
}
