package tapstreams

import (
	"errors"

	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// stageState tracks where a live stage is in its lifecycle.
type stageState int

const (
	stageIdle stageState = iota
	stageDemanding
	stageProcessing
	stageCompleting
	stageFailed
	stageCancelled
)

func (s stageState) String() string {
	switch s {
	case stageIdle:
		return "idle"
	case stageDemanding:
		return "demanding"
	case stageProcessing:
		return "processing"
	case stageCompleting:
		return "completing"
	case stageFailed:
		return "failed"
	case stageCancelled:
		return "cancelled"
	}
	return "unknown"
}

// stageSpec is the immutable description of one transformation stage.
// It holds no run state and is shared by every materialization of
// every graph that contains it.
type stageSpec struct {
	name  string
	apply func(elem any, emit func(any) error) error
}

// liveStage is one running stage bound to exactly one upstream and one
// downstream edge. The materializer creates it and runs it as a tomb
// goroutine; it never shares mutable state with its neighbors.
type liveStage struct {
	spec *stageSpec
	up   *demandChannel
	down *demandChannel
	t    *tomb.Tomb
	log  zerolog.Logger

	state       stageState
	outstanding int64 // demand issued upstream, not yet fulfilled
}

func (ls *liveStage) setState(s stageState) {
	ls.state = s
	ls.log.Trace().Stringer("state", s).Msg("stage transition")
}

// run is the stage loop. Demand is solicited upstream only against
// downstream demand not yet served, never because upstream is willing
// to send. Elements are processed one at a time in arrival order;
// terminals are forwarded downstream and cancellation upstream, each
// exactly once.
func (ls *liveStage) run() error {
	for {
		if want := ls.down.pending() - ls.outstanding; want > 0 {
			ls.up.request(want)
			ls.outstanding += want
			ls.setState(stageDemanding)
		}
		select {
		case ev := <-ls.up.events:
			switch ev.kind {
			case signalNext:
				ls.outstanding--
				ls.setState(stageProcessing)
				if err := ls.spec.apply(ev.elem, ls.emit); err != nil {
					ls.up.cancel()
					if errors.Is(err, errDownstreamCancelled) {
						ls.setState(stageCancelled)
						return nil
					}
					ls.down.fail(err)
					ls.setState(stageFailed)
					ls.log.Debug().Err(err).Msg("stage failed")
					return nil
				}
				ls.setState(stageIdle)
			case signalComplete:
				ls.setState(stageCompleting)
				ls.down.complete()
				return nil
			case signalError:
				ls.setState(stageFailed)
				ls.down.fail(ev.err)
				ls.log.Debug().Err(ev.err).Msg("stage forwarding failure")
				return nil
			}
		case <-ls.down.demandSig:
			// loop to re-evaluate how much to solicit upstream
		case <-ls.down.cancelSig:
			ls.up.cancel()
			ls.setState(stageCancelled)
			return nil
		case <-ls.t.Dying():
			ls.up.cancel()
			return nil
		}
	}
}

// emit hands one output element downstream, consuming one unit of the
// downstream demand. It blocks while downstream demand is zero, which
// is what backpressures an expanding stage.
func (ls *liveStage) emit(elem any) error {
	if !ls.down.send(elem) {
		return errDownstreamCancelled
	}
	return nil
}
