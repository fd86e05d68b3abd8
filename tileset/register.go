package tileset

// PendingRegister counts outstanding content requests per viewport and frame
// number. A traversal has finished loading once its (viewport, frame) count
// drops back to zero. It is not safe for concurrent use.
type PendingRegister struct {
	counts map[string]map[int64]int
	total  int
}

func NewPendingRegister() *PendingRegister {
	return &PendingRegister{counts: make(map[string]map[int64]int)}
}

// Register records one pending request for (viewport, frame).
func (r *PendingRegister) Register(viewport string, frame int64) {
	frames, ok := r.counts[viewport]
	if !ok {
		frames = make(map[int64]int)
		r.counts[viewport] = frames
	}
	frames[frame]++
	r.total++
}

// Deregister drops one pending request for (viewport, frame). Deregistering
// an unknown pair is a no-op; counts never go negative.
func (r *PendingRegister) Deregister(viewport string, frame int64) {
	frames, ok := r.counts[viewport]
	if !ok {
		return
	}
	n, ok := frames[frame]
	if !ok {
		return
	}
	r.total--
	if n <= 1 {
		delete(frames, frame)
		if len(frames) == 0 {
			delete(r.counts, viewport)
		}
		return
	}
	frames[frame] = n - 1
}

// IsZero reports whether no request is pending for (viewport, frame).
func (r *PendingRegister) IsZero(viewport string, frame int64) bool {
	return r.Count(viewport, frame) == 0
}

// Count returns the pending requests for (viewport, frame).
func (r *PendingRegister) Count(viewport string, frame int64) int {
	return r.counts[viewport][frame]
}

// Total returns the pending requests across every viewport and frame.
func (r *PendingRegister) Total() int { return r.total }
