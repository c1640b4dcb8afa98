package tapstreams

// graph is the immutable chain of one tap plus zero or more stages.
type graph struct {
	tap    *tapSpec
	stages []*stageSpec
}

// extend returns a copy of g with one more stage appended. The
// receiver is never mutated, so graphs sharing a prefix stay
// independent.
func (g graph) extend(s *stageSpec) graph {
	stages := make([]*stageSpec, len(g.stages), len(g.stages)+1)
	copy(stages, g.stages)
	return graph{tap: g.tap, stages: append(stages, s)}
}

// Source is an open pipeline description with output type T. It is
// pure data: combinators return new descriptions without touching
// their receiver, and nothing runs until materialization. One Source
// may be extended in different directions and materialized any number
// of times.
type Source[T any] struct {
	g graph
}

// Flow describes a transformation segment from In to Out. Like Source
// it is immutable and inert until materialized as part of a pipeline.
type Flow[In, Out any] struct {
	stages []*stageSpec
}

// Sink describes a terminating consumer of T.
type Sink[T any] struct {
	spec *sinkSpec
}

// Runnable is a closed pipeline description: tap, stages and sink. It
// exposes nothing but materialization. It has no combinators, so the
// "extend after close" usage error is ruled out at compile time rather
// than detected at run time.
type Runnable struct {
	g    graph
	sink *sinkSpec
}

// Via appends a flow to a source, producing a source of the flow's
// output type. Element type compatibility between adjacent stages is
// enforced by the compiler, not checked at materialization time.
//
// Via is a package function rather than a method because Go methods
// cannot introduce the flow's output type parameter.
func Via[In, Out any](src *Source[In], fl *Flow[In, Out]) *Source[Out] {
	g := src.g
	for _, s := range fl.stages {
		g = g.extend(s)
	}
	return &Source[Out]{g: g}
}

// Fuse concatenates two flows into one.
func Fuse[A, B, C any](first *Flow[A, B], second *Flow[B, C]) *Flow[A, C] {
	stages := make([]*stageSpec, 0, len(first.stages)+len(second.stages))
	stages = append(stages, first.stages...)
	stages = append(stages, second.stages...)
	return &Flow[A, C]{stages: stages}
}

// To closes the source with a sink, yielding a Runnable.
func (s *Source[T]) To(sink *Sink[T]) *Runnable {
	return &Runnable{g: s.g, sink: sink.spec}
}

// Transform builds a single-stage flow from a processing function.
// apply receives each input element together with an emit callback it
// may invoke zero or more times, so one stage can transform, drop or
// expand. Errors returned by apply or by emit fail the pipeline; apply
// must simply return them. apply must be stateless: the flow
// description is shared across materializations.
func Transform[In, Out any](name string, apply func(in In, emit func(Out) error) error) *Flow[In, Out] {
	spec := &stageSpec{
		name: name,
		apply: func(elem any, emit func(any) error) error {
			return apply(elem.(In), func(out Out) error { return emit(out) })
		},
	}
	return &Flow[In, Out]{stages: []*stageSpec{spec}}
}

// Identity passes every element through unchanged.
func Identity[T any]() *Flow[T, T] {
	return Transform("identity", func(in T, emit func(T) error) error {
		return emit(in)
	})
}
