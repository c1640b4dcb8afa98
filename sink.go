package tapstreams

import (
	"errors"

	"gopkg.in/tomb.v2"
)

// sinkSpec is the immutable description of a terminating consumer. run
// owns the consumer side of the last edge: it issues demand, absorbs
// elements and the terminal, and returns the pipeline error reported
// through the RunHandle, if any.
type sinkSpec struct {
	name string
	run  func(t *tomb.Tomb, up *demandChannel, batch int64) error
}

// drain is the common sink loop. It keeps a window of batch demand
// open upstream, hands every element to accept and runs flush on
// normal completion. accept returning errDownstreamCancelled cancels
// upstream quietly; any other error cancels upstream and fails the
// run.
func drain(up *demandChannel, batch int64, accept func(elem any) error, flush func() error) error {
	up.request(batch)
	for {
		ev, ok := up.receive()
		if !ok {
			return nil // run is dying
		}
		switch ev.kind {
		case signalNext:
			if err := accept(ev.elem); err != nil {
				up.cancel()
				if errors.Is(err, errDownstreamCancelled) {
					return nil
				}
				return err
			}
			up.request(1)
		case signalComplete:
			if flush != nil {
				return flush()
			}
			return nil
		case signalError:
			return ev.err
		}
	}
}

// ToChan forwards every element into out and closes it when the stream
// terminates for any reason. A full channel backpressures the whole
// pipeline. The sink is bound to out: materialize it once.
func ToChan[T any](out chan<- T) *Sink[T] {
	return &Sink[T]{spec: &sinkSpec{
		name: "chan",
		run: func(t *tomb.Tomb, up *demandChannel, batch int64) error {
			defer close(out)
			return drain(up, batch, func(elem any) error {
				select {
				case out <- elem.(T):
					return nil
				case <-t.Dying():
					return errDownstreamCancelled
				}
			}, nil)
		},
	}}
}

// ForEach invokes fn for every element in order. An error from fn
// cancels upstream and fails the run with that error.
func ForEach[T any](fn func(T) error) *Sink[T] {
	return &Sink[T]{spec: &sinkSpec{
		name: "foreach",
		run: func(_ *tomb.Tomb, up *demandChannel, batch int64) error {
			return drain(up, batch, func(elem any) error {
				return fn(elem.(T))
			}, nil)
		},
	}}
}

// Ignore discards every element, running the pipeline purely for its
// effects.
func Ignore[T any]() *Sink[T] {
	return &Sink[T]{spec: &sinkSpec{
		name: "ignore",
		run: func(_ *tomb.Tomb, up *demandChannel, batch int64) error {
			return drain(up, batch, func(any) error { return nil }, nil)
		},
	}}
}

// Fold folds every element into an accumulator and delivers the final
// value on the returned channel, one value per completed run. Failed
// or cancelled runs deliver nothing; completion is observed through
// the RunHandle.
func Fold[T, A any](zero A, fn func(A, T) A) (*Sink[T], <-chan A) {
	results := make(chan A, 1)
	sink := &Sink[T]{spec: &sinkSpec{
		name: "fold",
		run: func(t *tomb.Tomb, up *demandChannel, batch int64) error {
			acc := zero
			return drain(up, batch, func(elem any) error {
				acc = fn(acc, elem.(T))
				return nil
			}, func() error {
				select {
				case results <- acc:
				case <-t.Dying():
				}
				return nil
			})
		},
	}}
	return sink, results
}

// Collect gathers every element, in order, into a slice delivered on
// the returned channel once the stream completes, one slice per
// completed run.
func Collect[T any]() (*Sink[T], <-chan []T) {
	sink, results := Fold([]T(nil), func(acc []T, elem T) []T {
		return append(acc, elem)
	})
	return sink, results
}

// ToSubscriber terminates the pipeline at an external consumer. The
// subscriber's demand drives the whole chain; its callbacks are
// invoked from a single goroutine, in element order, with at most one
// terminal.
func ToSubscriber[T any](sub Subscriber[T]) *Sink[T] {
	return &Sink[T]{spec: &sinkSpec{
		name: "subscriber",
		run: func(t *tomb.Tomb, up *demandChannel, _ int64) error {
			return pumpTo(t, up, sub)
		},
	}}
}
