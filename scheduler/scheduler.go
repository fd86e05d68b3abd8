// Package scheduler throttles asynchronous requests to a fixed concurrency
// budget. Queued requests are re-prioritized on every tick; a negative
// priority cancels a request before it is ever issued.
package scheduler

import (
	"context"
	"math"
	"sort"
	"sync"
)

// DefaultMaxRequests is the concurrency budget used when Options.MaxRequests
// is not set.
const DefaultMaxRequests = 6

// PriorityFunc returns the priority of a queued handle. Lower values are more
// urgent; a negative value cancels the request.
type PriorityFunc[H comparable] func(h H) float64

// Options configures a Scheduler. Zero values are safe.
type Options struct {
	// MaxRequests is the number of requests allowed in flight at once.
	MaxRequests int

	// DisableThrottling issues every request as soon as it is scheduled.
	DisableThrottling bool

	Metrics Metrics
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Active      int
	Queued      int
	Cancelled   uint64
	QueuedEver  uint64
	IssuedEver  uint64
	MaxRequests int
}

// Scheduler admits requests by priority under a concurrency budget.
// All methods are safe for concurrent use.
type Scheduler[H comparable] struct {
	mu       sync.Mutex
	opt      Options
	requests map[H]*Request[H]
	queue    []*Request[H] // insertion order
	active   int
	seq      uint64
	stats    Stats

	ticking bool
	again   bool
	pass    uint64
}

// New constructs a scheduler with the provided Options.
func New[H comparable](opt Options) *Scheduler[H] {
	if opt.MaxRequests <= 0 {
		opt.MaxRequests = DefaultMaxRequests
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	return &Scheduler[H]{
		opt:      opt,
		requests: make(map[H]*Request[H]),
		stats:    Stats{MaxRequests: opt.MaxRequests},
	}
}

// Schedule queues a request for h. If a request for h is still outstanding
// (queued or issued) that request is returned instead and no new one is
// created. The request is considered for issuing on the next Tick.
func (s *Scheduler[H]) Schedule(h H, getPriority PriorityFunc[H]) *Request[H] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.requests[h]; ok {
		return r
	}

	s.seq++
	r := &Request[H]{
		handle:      h,
		getPriority: getPriority,
		seq:         s.seq,
		ready:       make(chan struct{}),
		sched:       s,
	}
	s.requests[h] = r
	s.stats.QueuedEver++
	s.opt.Metrics.Queued()

	if s.opt.DisableThrottling {
		s.issueLocked(r)
	} else {
		s.queue = append(s.queue, r)
	}
	s.opt.Metrics.Size(s.active, len(s.queue))
	return r
}

// Tick re-evaluates every queued request: negative priorities are cancelled,
// the rest are sorted by priority (ties in scheduling order) and issued until
// the budget is full. Concurrent calls coalesce into the running pass.
func (s *Scheduler[H]) Tick() {
	s.mu.Lock()
	if s.ticking {
		s.again = true
		s.mu.Unlock()
		return
	}
	s.ticking = true

	for {
		s.again = false
		free := s.opt.MaxRequests - s.active
		if free <= 0 || len(s.queue) == 0 {
			break
		}

		s.pass++
		pass := s.pass
		snapshot := append([]*Request[H](nil), s.queue...)
		s.mu.Unlock()
		for _, r := range snapshot {
			r.priority, r.skip = evaluate(r)
			r.pass = pass
		}
		s.mu.Lock()

		s.applyLocked(free)
		if !s.again {
			break
		}
	}

	s.ticking = false
	s.opt.Metrics.Size(s.active, len(s.queue))
	s.mu.Unlock()
}

// applyLocked consumes the priorities computed by the current pass. Requests
// scheduled while priorities were being computed wait for the next pass.
func (s *Scheduler[H]) applyLocked(free int) {
	kept := s.queue[:0:0]
	var eligible []*Request[H]

	for _, r := range s.queue {
		switch {
		case r.state != Queued:
			// Withdrawn by the caller while priorities were computed.
		case r.pass != s.pass || r.skip:
			kept = append(kept, r)
		case r.priority < 0:
			s.cancelLocked(r)
		default:
			eligible = append(eligible, r)
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].priority != eligible[j].priority {
			return eligible[i].priority < eligible[j].priority
		}
		return eligible[i].seq < eligible[j].seq
	})

	for i, r := range eligible {
		if i < free {
			s.issueLocked(r)
		} else {
			kept = append(kept, r)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].seq < kept[j].seq })
	s.queue = kept
}

// ActiveCount returns the number of issued, not yet done requests.
func (s *Scheduler[H]) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// QueuedCount returns the number of requests waiting to be issued.
func (s *Scheduler[H]) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler[H]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Active = s.active
	st.Queued = len(s.queue)
	return st
}

// -------------------- internals (mu held) --------------------

func (s *Scheduler[H]) issueLocked(r *Request[H]) {
	r.state = Issued
	s.active++
	s.stats.IssuedEver++
	s.opt.Metrics.Issued()
	close(r.ready)
}

func (s *Scheduler[H]) cancelLocked(r *Request[H]) {
	r.state = Cancelled
	delete(s.requests, r.handle)
	s.stats.Cancelled++
	s.opt.Metrics.Cancelled()
	close(r.ready)
}

// done releases the slot of an issued request, or withdraws a queued one.
func (s *Scheduler[H]) done(r *Request[H]) {
	s.mu.Lock()
	switch r.state {
	case Issued:
		r.state = Done
		s.active--
		delete(s.requests, r.handle)
	case Queued:
		for i, q := range s.queue {
			if q == r {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		s.cancelLocked(r)
	default:
		s.mu.Unlock()
		return
	}
	s.opt.Metrics.Size(s.active, len(s.queue))
	s.mu.Unlock()

	s.Tick()
}

// evaluate runs the priority function. A panic or a NaN result skips the
// request for this pass without cancelling it.
func evaluate[H comparable](r *Request[H]) (p float64, skip bool) {
	defer func() {
		if recover() != nil {
			p, skip = 0, true
		}
	}()
	if r.getPriority == nil {
		return 0, false
	}
	p = r.getPriority(r.handle)
	if math.IsNaN(p) {
		return 0, true
	}
	return p, false
}

// State is the lifecycle of a Request.
type State int32

const (
	Queued State = iota
	Issued
	Cancelled
	Done
)

func (s State) String() string {
	switch s {
	case Queued:
		return "queued"
	case Issued:
		return "issued"
	case Cancelled:
		return "cancelled"
	default:
		return "done"
	}
}

// Request is the pending result of Schedule. Its Ready channel closes once
// the request is either issued or cancelled.
type Request[H comparable] struct {
	handle      H
	getPriority PriorityFunc[H]
	seq         uint64
	ready       chan struct{}
	sched       *Scheduler[H]

	// guarded by sched.mu
	state State

	// written by the goroutine running the scheduling pass
	priority float64
	skip     bool
	pass     uint64
}

func (r *Request[H]) Handle() H { return r.handle }

// Ready is closed when the request leaves the queue.
func (r *Request[H]) Ready() <-chan struct{} { return r.ready }

// State returns the current lifecycle state.
func (r *Request[H]) State() State {
	r.sched.mu.Lock()
	defer r.sched.mu.Unlock()
	return r.state
}

// Issued reports whether the request was granted a slot. It is false while
// queued and after cancellation.
func (r *Request[H]) Issued() bool {
	st := r.State()
	return st == Issued || st == Done
}

// Wait blocks until the request is issued or cancelled and reports which.
func (r *Request[H]) Wait(ctx context.Context) (bool, error) {
	select {
	case <-r.ready:
		return r.Issued(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Done frees the slot of an issued request and immediately re-runs the
// scheduling pass. Calling Done on a queued request withdraws it. Done is
// idempotent.
func (r *Request[H]) Done() { r.sched.done(r) }
