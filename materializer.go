package tapstreams

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// Materializer turns pipeline descriptions into running stage
// networks. It carries the settings and logger shared by the runs it
// starts; the runs themselves are fully isolated from one another and
// a single Materializer may start any number of them concurrently.
type Materializer struct {
	settings Settings
	log      zerolog.Logger
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(m *Materializer) { m.settings = s }
}

// WithLogger replaces the default stderr console logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Materializer) { m.log = log }
}

// NewMaterializer returns a materializer with defaulted, validated
// settings. Invalid settings are reported here, before any run
// starts.
func NewMaterializer(opts ...Option) (*Materializer, error) {
	m := &Materializer{
		log: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.settings.ApplyDefaults()
	if err := m.settings.Validate(); err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(m.settings.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	m.log = m.log.Level(level)
	return m, nil
}

// RunHandle is the caller's grip on one materialization: completion,
// failure and cancellation of the whole live stage network.
type RunHandle struct {
	id string
	t  *tomb.Tomb
}

// ID returns the unique identifier of this run, also present as the
// run_id field on its log events.
func (h *RunHandle) ID() string { return h.id }

// Done is closed once every stage of the run has terminated.
func (h *RunHandle) Done() <-chan struct{} { return h.t.Dead() }

// Err returns the run's terminal error: nil while running or after a
// clean completion.
func (h *RunHandle) Err() error {
	err := h.t.Err()
	if err == tomb.ErrStillAlive {
		return nil
	}
	return err
}

// Wait blocks until the run terminates and returns its error, if any.
func (h *RunHandle) Wait() error { return h.t.Wait() }

// Cancel kills the run: every stage stops issuing demand, cancellation
// propagates to the tap and resources are released without waiting for
// in-flight elements. Wait then returns ErrRunCancelled.
func (h *RunHandle) Cancel() { h.t.Kill(ErrRunCancelled) }

// materialize spawns the live network for g: one goroutine for the
// tap, one per stage and one for the terminal driver, plus one demand
// channel per adjacent pair, all supervised by a single tomb. The
// terminal driver owns the consumer side of the last edge; its error
// return is the run's error.
func (m *Materializer) materialize(g graph, kind string, terminal func(t *tomb.Tomb, up *demandChannel, log zerolog.Logger) error) *RunHandle {
	t, _ := tomb.WithContext(context.Background())
	runID := uuid.NewString()
	log := m.log.With().Str("run_id", runID).Str("tap", g.tap.name).Logger()

	edges := make([]*demandChannel, len(g.stages)+1)
	for i := range edges {
		edges[i] = newDemandChannel(t.Dying())
	}

	tap := g.tap
	t.Go(func() error { return tap.run(t, edges[0]) })
	for i, spec := range g.stages {
		ls := &liveStage{
			spec: spec,
			up:   edges[i],
			down: edges[i+1],
			t:    t,
			log:  log.With().Str("stage", spec.name).Int("index", i).Logger(),
		}
		t.Go(ls.run)
	}
	last := edges[len(edges)-1]
	t.Go(func() error { return terminal(t, last, log) })

	log.Debug().Int("stages", len(g.stages)).Str("terminal", kind).Msg("materialized")
	return &RunHandle{id: runID, t: t}
}

// Run materializes the closed pipeline and returns its handle. Each
// call produces an independent live network; a Runnable may be run any
// number of times, concurrently, with no shared state beyond what its
// tap and sink are documented to share.
func (r *Runnable) Run(m *Materializer) *RunHandle {
	sink := r.sink
	batch := int64(m.settings.SinkRequestBatch)
	return m.materialize(r.g, sink.name, func(t *tomb.Tomb, up *demandChannel, _ zerolog.Logger) error {
		return sink.run(t, up, batch)
	})
}

// Consume materializes the open source against a discarding sink,
// running the pipeline to completion for its side effects.
func (s *Source[T]) Consume(m *Materializer) *RunHandle {
	return s.To(Ignore[T]()).Run(m)
}

// PublishTo wires the source's output directly to the given external
// consumer and starts the run. The consumer's demand drives the chain.
func (s *Source[T]) PublishTo(sub Subscriber[T], m *Materializer) *RunHandle {
	return s.To(ToSubscriber(sub)).Run(m)
}

// ToPublisher materializes the source and exposes its output as a
// single-subscriber publisher. The network is live immediately but, by
// the demand contract, produces nothing until the subscriber asks.
func (s *Source[T]) ToPublisher(m *Materializer) Publisher[T] {
	pub := &streamPublisher[T]{attach: make(chan Subscriber[T], 1)}
	pub.h = m.materialize(s.g, "publisher", func(t *tomb.Tomb, up *demandChannel, _ zerolog.Logger) error {
		return pub.pump(t, up)
	})
	return pub
}

// ToFanoutPublisher materializes the source behind a fan-out hub that
// serves any number of subscribers from a shared buffer of at most max
// elements (allocated at initial). A subscriber that falls more than
// max elements behind is dropped with ErrSubscriberTooSlow rather than
// stalling faster subscribers or growing the buffer. Passing 0 for
// both bounds uses the materializer's configured defaults.
func (s *Source[T]) ToFanoutPublisher(initial, max int, m *Materializer) (Publisher[T], error) {
	if initial == 0 && max == 0 {
		initial = m.settings.FanoutInitialBuffer
		max = m.settings.FanoutMaxBuffer
	}
	if initial <= 0 || max < initial {
		return nil, ErrInvalidBufferBounds
	}
	hub := newFanoutHub[T](initial, max)
	hub.h = m.materialize(s.g, "fanout", func(t *tomb.Tomb, up *demandChannel, log zerolog.Logger) error {
		return hub.run(t, up, log)
	})
	return &fanoutPublisher[T]{hub: hub}, nil
}
