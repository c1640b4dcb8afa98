package tapstreams

import (
	"sync"
	"time"

	"gopkg.in/tomb.v2"
)

// tapSpec is the immutable description of an originating producer.
// run drives the first edge of a materialization: it may deliver one
// element per unit of outstanding demand plus one terminal signal, and
// must stop as soon as the edge reports cancellation.
type tapSpec struct {
	name string
	run  func(t *tomb.Tomb, down *demandChannel) error
}

func tapSource[T any](spec *tapSpec) *Source[T] {
	return &Source[T]{g: graph{tap: spec}}
}

// FromSlice emits the elements of items in order, then completes. The
// slice is shared: every materialization restarts from the first
// element and emits the same sequence.
func FromSlice[T any](items []T) *Source[T] {
	return tapSource[T](&tapSpec{
		name: "slice",
		run: func(_ *tomb.Tomb, down *demandChannel) error {
			for _, item := range items {
				if !down.send(item) {
					return nil
				}
			}
			down.complete()
			return nil
		},
	})
}

// FromIterator emits the elements produced by next until it reports
// exhaustion. The iterator is shared and advanced under a lock: across
// any number of materializations each element is emitted exactly once,
// and runs started after exhaustion complete immediately. next is
// pulled only once demand is outstanding.
func FromIterator[T any](next func() (T, bool)) *Source[T] {
	var mu sync.Mutex
	pull := func() (T, bool) {
		mu.Lock()
		defer mu.Unlock()
		return next()
	}
	return tapSource[T](&tapSpec{
		name: "iterator",
		run: func(_ *tomb.Tomb, down *demandChannel) error {
			for {
				if !down.awaitDemand() {
					return nil
				}
				item, ok := pull()
				if !ok {
					down.complete()
					return nil
				}
				if !down.send(item) {
					return nil
				}
			}
		},
	})
}

// FromThunk calls produce once per unit of demand. produce returns
// (element, true, nil) to emit, (zero, false, nil) to end the stream,
// or an error to fail it. It is never called again after reporting the
// end or an error.
func FromThunk[T any](produce func() (T, bool, error)) *Source[T] {
	return tapSource[T](&tapSpec{
		name: "thunk",
		run: func(_ *tomb.Tomb, down *demandChannel) error {
			for {
				if !down.awaitDemand() {
					return nil
				}
				item, ok, err := produce()
				if err != nil {
					down.fail(err)
					return nil
				}
				if !ok {
					down.complete()
					return nil
				}
				if !down.send(item) {
					return nil
				}
			}
		},
	})
}

// Future is a single-assignment value a future tap waits on. Only the
// first Complete or Fail wins; the rest are ignored.
type Future[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// NewFuture returns an unfulfilled future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete fulfils the future with val.
func (f *Future[T]) Complete(val T) {
	f.once.Do(func() {
		f.val = val
		close(f.done)
	})
}

// Fail rejects the future.
func (f *Future[T]) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// FromFuture emits the future's value once it is fulfilled and demand
// exists, then completes. A failed future fails the pipeline instead.
// The future is shared across materializations, which therefore all
// observe the same outcome.
func FromFuture[T any](f *Future[T]) *Source[T] {
	return tapSource[T](&tapSpec{
		name: "future",
		run: func(t *tomb.Tomb, down *demandChannel) error {
			select {
			case <-f.done:
			case <-down.cancelSig:
				return nil
			case <-t.Dying():
				return nil
			}
			if f.err != nil {
				down.fail(f.err)
				return nil
			}
			if !down.send(f.val) {
				return nil
			}
			down.complete()
			return nil
		},
	})
}

// Tick emits element every interval, but only when demand is
// outstanding at the moment the tick fires: a tick arriving with zero
// demand is dropped, never queued. A tick source never completes on
// its own; it ends with downstream cancellation.
func Tick[T any](interval time.Duration, element T) *Source[T] {
	return tapSource[T](&tapSpec{
		name: "tick",
		run: func(t *tomb.Tomb, down *demandChannel) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					if _, open := down.trySend(element); !open {
						return nil
					}
				case <-down.cancelSig:
					return nil
				case <-t.Dying():
					return nil
				}
			}
		},
	})
}

// FromPublisher bridges an external producer into a pipeline. The
// bridge forwards the pipeline's demand to the publisher verbatim and
// relays the publisher's signals onto the first edge, so the external
// producer is bounded by the same contract as any tap. A failed
// Subscribe fails the pipeline.
func FromPublisher[T any](pub Publisher[T]) *Source[T] {
	return tapSource[T](&tapSpec{
		name: "publisher",
		run: func(t *tomb.Tomb, down *demandChannel) error {
			bridge := &publisherBridge[T]{down: down, subscribed: make(chan Subscription, 1)}
			if err := pub.Subscribe(bridge); err != nil {
				down.fail(err)
				return nil
			}
			var sub Subscription
			select {
			case sub = <-bridge.subscribed:
			case <-down.cancelSig:
				go cancelLateSubscription(bridge.subscribed)
				return nil
			case <-t.Dying():
				go cancelLateSubscription(bridge.subscribed)
				return nil
			}
			for {
				n := down.takeDemand()
				if n == 0 {
					sub.Cancel()
					return nil
				}
				sub.Request(n)
			}
		},
	})
}

// cancelLateSubscription releases a subscription that was granted
// after the pipeline stopped wanting it, so the external producer does
// not stay parked on a consumer that already left.
func cancelLateSubscription(subscribed <-chan Subscription) {
	(<-subscribed).Cancel()
}

// publisherBridge is the Subscriber half of FromPublisher. The
// publisher's serial OnNext calls become pre-metered deliveries on the
// first edge; terminals land on the edge at most once.
type publisherBridge[T any] struct {
	down       *demandChannel
	subscribed chan Subscription
}

func (b *publisherBridge[T]) OnSubscribe(s Subscription) { b.subscribed <- s }
func (b *publisherBridge[T]) OnNext(elem T)              { b.down.deliver(elem) }
func (b *publisherBridge[T]) OnError(err error)          { b.down.fail(err) }
func (b *publisherBridge[T]) OnComplete()                { b.down.complete() }
