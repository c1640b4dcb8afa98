package tapstreams

import (
	"sync"

	"gopkg.in/tomb.v2"
)

// edgeSubscription adapts the consumer side of an edge to the
// Subscription contract. Non-positive demand is a protocol violation:
// it cancels the edge and surfaces ErrNonPositiveDemand as the
// subscriber's terminal.
type edgeSubscription struct {
	ch *demandChannel
}

func (s *edgeSubscription) Request(n int64) {
	if n <= 0 {
		s.ch.cancelWith(ErrNonPositiveDemand)
		return
	}
	s.ch.request(n)
}

func (s *edgeSubscription) Cancel() { s.ch.cancel() }

// pumpTo drives one external subscriber from the consumer side of an
// edge. Demand flows straight from the subscriber's Request calls onto
// the edge; the pump itself only relays events, so every callback runs
// on this one goroutine.
func pumpTo[T any](t *tomb.Tomb, up *demandChannel, sub Subscriber[T]) error {
	sub.OnSubscribe(&edgeSubscription{ch: up})
	for {
		select {
		case ev := <-up.events:
			switch ev.kind {
			case signalNext:
				sub.OnNext(ev.elem.(T))
			case signalComplete:
				sub.OnComplete()
				return nil
			case signalError:
				sub.OnError(ev.err)
				return ev.err
			}
		case <-up.cancelSig:
			// the subscriber cancelled, or violated the demand contract
			if reason := up.cancelReason(); reason != nil {
				sub.OnError(reason)
				return reason
			}
			return nil
		case <-t.Dying():
			sub.OnError(killReason(t))
			return nil
		}
	}
}

// killReason maps a tomb's death to the error reported to external
// subscribers.
func killReason(t *tomb.Tomb) error {
	err := t.Err()
	if err == nil || err == tomb.ErrStillAlive {
		err = ErrRunCancelled
	}
	return err
}

// streamPublisher is the single-subscriber external endpoint of a
// materialized source.
type streamPublisher[T any] struct {
	mu       sync.Mutex
	attached bool
	dead     bool // the pump quit without taking a hand-off
	attach   chan Subscriber[T]
	h        *RunHandle
}

// Subscribe attaches the one allowed subscriber. A second call returns
// ErrAlreadySubscribed and leaves the first subscription untouched. A
// subscriber attaching after the run already terminated receives the
// terminal immediately.
func (p *streamPublisher[T]) Subscribe(sub Subscriber[T]) error {
	p.mu.Lock()
	if p.attached {
		p.mu.Unlock()
		return ErrAlreadySubscribed
	}
	p.attached = true
	dead := p.dead
	if !dead {
		p.attach <- sub
	}
	p.mu.Unlock()

	if dead {
		sub.OnSubscribe(noopSubscription{})
		if err := p.h.Err(); err != nil {
			sub.OnError(err)
		} else {
			sub.OnComplete()
		}
	}
	return nil
}

// pump parks until the subscriber attaches, then relays events to it.
// A subscriber whose attach races the kill is still owed its terminal:
// the dead flag and the drain cover both sides of that race.
func (p *streamPublisher[T]) pump(t *tomb.Tomb, up *demandChannel) error {
	select {
	case sub := <-p.attach:
		return pumpTo(t, up, sub)
	case <-t.Dying():
		p.mu.Lock()
		p.dead = true
		p.mu.Unlock()
		select {
		case sub := <-p.attach:
			sub.OnSubscribe(noopSubscription{})
			sub.OnError(killReason(t))
		default:
		}
		return nil
	}
}
