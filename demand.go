package tapstreams

import (
	"math"
	"sync"
)

type signal int

const (
	signalNext signal = iota
	signalComplete
	signalError
)

func (s signal) String() string {
	switch s {
	case signalNext:
		return "next"
	case signalComplete:
		return "complete"
	case signalError:
		return "error"
	}
	return "unknown"
}

// event is one message crossing an edge: an element or a terminal.
type event struct {
	kind signal
	elem any
	err  error
}

// demandChannel is the backpressure edge between one producer and one
// consumer. The producer may deliver one element per unit of demand
// the consumer has requested, plus at most one terminal signal.
// Cancellation flows from consumer to producer and suppresses all
// further traffic in both directions.
//
// Exactly one goroutine owns each side. Demand accounting is guarded
// by mu; hand-off happens on the unbuffered events channel so element
// order is the producer's emission order.
type demandChannel struct {
	mu        sync.Mutex
	demand    int64
	done      bool  // terminal signal recorded
	cancelErr error // optional cancellation reason

	events    chan event
	demandSig chan struct{} // capacity 1, pulsed on request
	cancelSig chan struct{} // closed on cancel
	doneCh    chan struct{} // closed once a terminal is recorded

	cancelOnce sync.Once
	dying      <-chan struct{} // materialization-wide kill
}

func newDemandChannel(dying <-chan struct{}) *demandChannel {
	return &demandChannel{
		events:    make(chan event),
		demandSig: make(chan struct{}, 1),
		cancelSig: make(chan struct{}),
		doneCh:    make(chan struct{}),
		dying:     dying,
	}
}

// --- consumer side ---

// request adds n units of demand and wakes the producer. Non-positive
// n is ignored here; edgeSubscription rejects it before it gets this
// far.
func (c *demandChannel) request(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.demand += n
	if c.demand < 0 { // overflow: treat as effectively unbounded
		c.demand = math.MaxInt64
	}
	c.mu.Unlock()
	select {
	case c.demandSig <- struct{}{}:
	default:
	}
}

func (c *demandChannel) cancel() { c.cancelWith(nil) }

// cancelWith cancels the edge, recording reason for whoever observes
// the cancellation.
func (c *demandChannel) cancelWith(reason error) {
	c.cancelOnce.Do(func() {
		c.mu.Lock()
		c.cancelErr = reason
		c.mu.Unlock()
		close(c.cancelSig)
	})
}

func (c *demandChannel) cancelled() bool {
	select {
	case <-c.cancelSig:
		return true
	default:
		return false
	}
}

func (c *demandChannel) cancelReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelErr
}

// receive blocks until the producer delivers an event. ok is false
// when the edge was cancelled or the run is dying.
func (c *demandChannel) receive() (event, bool) {
	select {
	case ev := <-c.events:
		return ev, true
	case <-c.cancelSig:
		return event{}, false
	case <-c.dying:
		return event{}, false
	}
}

// --- producer side ---

// pending reports the demand not yet fulfilled.
func (c *demandChannel) pending() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.demand
}

// awaitDemand blocks until at least one unit of demand is outstanding.
// It returns false once the edge is cancelled, terminated or the run
// is dying: the producer has nothing left to wait for.
func (c *demandChannel) awaitDemand() bool {
	for {
		c.mu.Lock()
		d, done := c.demand, c.done
		c.mu.Unlock()
		if done || c.cancelled() {
			return false
		}
		if d > 0 {
			return true
		}
		select {
		case <-c.demandSig:
		case <-c.cancelSig:
			return false
		case <-c.doneCh:
			return false
		case <-c.dying:
			return false
		}
	}
}

// send delivers one element, consuming one unit of demand. It blocks
// while demand is zero and returns false when the edge is cancelled,
// terminated or the run is dying.
func (c *demandChannel) send(elem any) bool {
	if !c.awaitDemand() {
		return false
	}
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.demand--
	c.mu.Unlock()
	return c.put(event{kind: signalNext, elem: elem})
}

// trySend delivers elem only if demand is outstanding right now. A
// tick arriving with zero demand is dropped, never queued. open is
// false once the edge can take no further elements.
func (c *demandChannel) trySend(elem any) (sent, open bool) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false, false
	}
	if c.demand == 0 {
		c.mu.Unlock()
		return false, !c.cancelled()
	}
	c.demand--
	c.mu.Unlock()
	sent = c.put(event{kind: signalNext, elem: elem})
	return sent, sent
}

// deliver pushes an element whose demand was already consumed through
// takeDemand. Used by the external-publisher bridge, where the remote
// producer meters itself against the forwarded demand.
func (c *demandChannel) deliver(elem any) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()
	return c.put(event{kind: signalNext, elem: elem})
}

// takeDemand blocks until demand is outstanding, then drains and
// returns all of it. Returns 0 when the edge is cancelled, terminated
// or the run is dying.
func (c *demandChannel) takeDemand() int64 {
	if !c.awaitDemand() {
		return 0
	}
	c.mu.Lock()
	n := c.demand
	c.demand = 0
	c.mu.Unlock()
	return n
}

// complete records and delivers the completion terminal. Terminals
// need no demand; at most one is ever delivered per edge.
func (c *demandChannel) complete() { c.terminate(event{kind: signalComplete}) }

// fail records and delivers the error terminal.
func (c *demandChannel) fail(err error) { c.terminate(event{kind: signalError, err: err}) }

func (c *demandChannel) terminate(ev event) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.mu.Unlock()
	close(c.doneCh)
	c.put(ev)
}

// put hands an event to the consumer, giving up on cancellation or
// kill so a departed consumer never wedges its producer.
func (c *demandChannel) put(ev event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.cancelSig:
		return false
	case <-c.dying:
		return false
	}
}
