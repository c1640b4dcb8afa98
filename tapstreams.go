// Package tapstreams builds and materializes demand-driven stream
// pipelines. A pipeline is described as an immutable graph of a tap
// (the originating producer), transformation stages and a sink, then
// materialized into a live network of goroutines connected by demand
// channels: a producer may emit only as many elements as its consumer
// has requested, so a slow consumer bounds the whole chain without
// unbounded buffering or loss. Completion and errors travel
// downstream, cancellation travels upstream, each at most once per
// edge.
package tapstreams

// Subscription lets an external consumer govern the producer feeding
// it. Implemented by the subscriptions handed out in OnSubscribe.
type Subscription interface {
	// Request adds n to the outstanding demand. n must be positive;
	// anything else terminates the subscription with
	// ErrNonPositiveDemand.
	Request(n int64)
	// Cancel releases the subscription. It needs no acknowledgment
	// and suppresses all further signals in both directions.
	Cancel()
}

// Subscriber is the contract an external consumer implements to
// receive from a pipeline. Calls are serialized: OnSubscribe first,
// then one OnNext per requested element in upstream order, then at
// most one terminal (OnError or OnComplete).
type Subscriber[T any] interface {
	OnSubscribe(s Subscription)
	OnNext(elem T)
	OnError(err error)
	OnComplete()
}

// Publisher is an externally-facing producer obtained by
// materializing an open source.
type Publisher[T any] interface {
	// Subscribe attaches a consumer. Single-subscriber publishers
	// return ErrAlreadySubscribed on a second attach; fan-out
	// publishers accept any number.
	Subscribe(sub Subscriber[T]) error
}

// noopSubscription is handed to subscribers that attach after their
// publisher already terminated and only receive the replayed terminal.
type noopSubscription struct{}

func (noopSubscription) Request(int64) {}
func (noopSubscription) Cancel()       {}
