package tapstreams

import (
	"math"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// fanoutPublisher is the multi-subscriber external endpoint of a
// materialized source.
type fanoutPublisher[T any] struct {
	hub *fanoutHub[T]
}

func (p *fanoutPublisher[T]) Subscribe(sub Subscriber[T]) error {
	return p.hub.subscribe(sub)
}

// fanoutSub is one subscriber's view of the hub buffer: an absolute
// cursor plus its unfulfilled demand. It doubles as the subscriber's
// Subscription.
type fanoutSub[T any] struct {
	hub     *fanoutHub[T]
	sub     Subscriber[T]
	cursor  int64
	demand  int64
	gone    bool
	dropErr error // terminal owed to a dropped subscriber
}

func (s *fanoutSub[T]) Request(n int64) {
	if n <= 0 {
		s.hub.drop(s, ErrNonPositiveDemand)
		return
	}
	h := s.hub
	h.mu.Lock()
	if !s.gone {
		s.demand += n
		if s.demand < 0 {
			s.demand = math.MaxInt64
		}
	}
	h.mu.Unlock()
	h.wakeUp()
}

func (s *fanoutSub[T]) Cancel() { s.hub.drop(s, nil) }

// fanoutHub is the single arbitration point of a fan-out publisher.
// One goroutine owns the shared buffer and every subscriber callback,
// so deliveries never race; subscriber-side calls only mutate demand
// and departure flags under the hub lock and wake the goroutine.
//
// The buffer holds at most max elements, indexed absolutely so each
// subscriber is just a cursor into it. Upstream demand is issued only
// against live subscriber demand and remaining buffer room.
type fanoutHub[T any] struct {
	max int

	mu        sync.Mutex
	subs      []*fanoutSub[T]
	buf       []any
	head      int64 // absolute index of buf[0]
	tail      int64 // absolute index one past the newest element
	requested int64 // upstream demand outstanding
	term      *event
	dead      bool
	everSub   bool

	wake chan struct{}
	h    *RunHandle
}

func newFanoutHub[T any](initial, max int) *fanoutHub[T] {
	return &fanoutHub[T]{
		max:  max,
		buf:  make([]any, 0, initial),
		wake: make(chan struct{}, 1),
	}
}

func (h *fanoutHub[T]) wakeUp() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// subscribe registers a new subscriber. Late subscribers observe only
// elements emitted after they attach; subscribers arriving after the
// terminal get it replayed immediately.
func (h *fanoutHub[T]) subscribe(sub Subscriber[T]) error {
	s := &fanoutSub[T]{hub: h, sub: sub}
	sub.OnSubscribe(s)

	h.mu.Lock()
	if h.term != nil || h.dead {
		term := h.term
		h.mu.Unlock()
		switch {
		case term != nil && term.kind == signalError:
			sub.OnError(term.err)
		case term != nil:
			sub.OnComplete()
		default:
			sub.OnError(ErrRunCancelled)
		}
		return nil
	}
	s.cursor = h.tail
	h.subs = append(h.subs, s)
	h.everSub = true
	h.mu.Unlock()
	h.wakeUp()
	return nil
}

// drop removes a subscriber. A nil reason is a voluntary cancel; a
// non-nil reason is delivered as the subscriber's terminal by the hub
// goroutine.
func (h *fanoutHub[T]) drop(s *fanoutSub[T], reason error) {
	h.mu.Lock()
	if s.gone {
		h.mu.Unlock()
		return
	}
	s.gone = true
	s.dropErr = reason
	h.mu.Unlock()
	h.wakeUp()
}

// run is the hub loop: advance subscribers, decide how much to ask
// upstream, block for the next upstream event or subscriber activity.
func (h *fanoutHub[T]) run(t *tomb.Tomb, up *demandChannel, log zerolog.Logger) error {
	for {
		h.step()

		h.mu.Lock()
		term, live, everSub := h.term, len(h.subs), h.everSub
		if term != nil && live == 0 {
			h.mu.Unlock()
			// the terminal stays recorded for late subscribers
			if term.kind == signalError {
				return term.err
			}
			return nil
		}
		if term == nil && everSub && live == 0 {
			h.dead = true
			h.mu.Unlock()
			up.cancel()
			return nil
		}
		h.mu.Unlock()

		n, evicted := h.solicit(log)
		if n > 0 {
			up.request(n)
		}
		if n > 0 || evicted {
			continue // dropped subscribers are owed their terminal
		}

		select {
		case ev := <-up.events:
			h.accept(ev)
		case <-h.wake:
		case <-t.Dying():
			h.failAll(t)
			return nil
		}
	}
}

// step advances every subscriber: buffered elements against demand,
// the terminal for the caught-up, departure signals for the dropped.
// Callbacks run outside the lock, on the hub goroutine only.
func (h *fanoutHub[T]) step() {
	type delivery struct {
		s     *fanoutSub[T]
		elems []any
		term  *event
	}

	h.mu.Lock()
	var out []delivery
	live := h.subs[:0]
	for _, s := range h.subs {
		d := delivery{s: s}
		if s.gone {
			if s.dropErr != nil {
				d.term = &event{kind: signalError, err: s.dropErr}
			}
			out = append(out, d)
			continue
		}
		for s.demand > 0 && s.cursor < h.tail {
			d.elems = append(d.elems, h.buf[s.cursor-h.head])
			s.cursor++
			s.demand--
		}
		if h.term != nil {
			if h.term.kind == signalError {
				// errors preempt buffered elements still owed
				d.term = h.term
				s.gone = true
			} else if s.cursor == h.tail {
				d.term = h.term
				s.gone = true
			}
		}
		if s.gone {
			out = append(out, d)
			continue
		}
		live = append(live, s)
		if len(d.elems) > 0 {
			out = append(out, d)
		}
	}
	h.subs = live
	h.compactLocked()
	h.mu.Unlock()

	for _, d := range out {
		for _, elem := range d.elems {
			d.s.sub.OnNext(elem.(T))
		}
		if d.term != nil {
			if d.term.kind == signalError {
				d.s.sub.OnError(d.term.err)
			} else {
				d.s.sub.OnComplete()
			}
		}
	}
}

// solicit issues upstream demand bounded by remaining buffer room and
// live subscriber demand. When the buffer is pinned full by a laggard
// while a faster subscriber still wants elements, the laggard is
// dropped: bounded memory wins over slow readers.
func (h *fanoutHub[T]) solicit(log zerolog.Logger) (int64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.term != nil {
		return 0, false
	}
	var want int64
	for _, s := range h.subs {
		if !s.gone && s.demand > want {
			want = s.demand
		}
	}
	if want == 0 {
		return 0, false
	}
	// invariant: buffered + requested never exceeds max, so room == 0
	// implies nothing is in flight and the buffer is pinned by a laggard
	evicted := false
	room := int64(h.max) - (h.tail - h.minCursorLocked())
	for room == 0 {
		// drop the subscribers pinning the buffer, but only those with
		// no demand of their own: one that just requested will drain on
		// the next step
		minCur := h.minCursorLocked()
		dropped := false
		for _, s := range h.subs {
			if s.gone || s.demand > 0 || s.cursor != minCur {
				continue
			}
			s.gone = true
			s.dropErr = ErrSubscriberTooSlow
			dropped = true
			evicted = true
			log.Warn().Int64("backlog", h.tail-s.cursor).Msg("dropping slow fan-out subscriber")
		}
		if !dropped {
			break
		}
		room = int64(h.max) - (h.tail - h.minCursorLocked())
	}
	n := min(room-h.requested, want)
	if n <= 0 {
		return 0, evicted
	}
	h.requested += n
	return n, evicted
}

// accept folds one upstream event into the hub state.
func (h *fanoutHub[T]) accept(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch ev.kind {
	case signalNext:
		h.requested--
		h.buf = append(h.buf, ev.elem)
		h.tail++
	default:
		t := ev
		h.term = &t
	}
}

// compactLocked drops buffered elements every remaining subscriber has
// already passed.
func (h *fanoutHub[T]) compactLocked() {
	min := h.minCursorLocked()
	if min > h.head {
		n := copy(h.buf, h.buf[min-h.head:])
		h.buf = h.buf[:n]
		h.head = min
	}
}

func (h *fanoutHub[T]) minCursorLocked() int64 {
	min := h.tail
	for _, s := range h.subs {
		if !s.gone && s.cursor < min {
			min = s.cursor
		}
	}
	return min
}

// failAll delivers the run's kill reason to every remaining subscriber.
func (h *fanoutHub[T]) failAll(t *tomb.Tomb) {
	err := killReason(t)
	h.mu.Lock()
	subs := h.subs
	h.subs = nil
	h.term = &event{kind: signalError, err: err}
	h.mu.Unlock()
	for _, s := range subs {
		if !s.gone {
			s.sub.OnError(err)
		}
	}
}
