package segment

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultReclaimInterval is how often failed deletions are retried.
const DefaultReclaimInterval = 5 * time.Second

// Reclaimer defers deletion of superseded segments until no reader holds
// a reference. Readers Acquire segments while the partition's segment list
// is read-locked; compaction Reserves segments before it drops them from
// the catalog and Retires them after they left the list.
type Reclaimer struct {
	store    *Store
	interval time.Duration

	mu       sync.Mutex
	refs     map[string]int
	reserved map[string]int
	retired  map[string]*Segment
	ready    map[string]*Segment
	deleted  int64

	wake    chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	once    sync.Once
	started atomic.Bool
}

// NewReclaimer creates a reclaimer. Call Start to delete in the background.
func NewReclaimer(store *Store, interval time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = DefaultReclaimInterval
	}
	return &Reclaimer{
		store:    store,
		interval: interval,
		refs:     make(map[string]int),
		reserved: make(map[string]int),
		retired:  make(map[string]*Segment),
		ready:    make(map[string]*Segment),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Acquire takes a reference on each segment.
func (r *Reclaimer) Acquire(segs ...*Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range segs {
		r.refs[s.Dir()]++
	}
}

// Release drops a reference on each segment. A retired segment whose last
// reference is dropped becomes eligible for deletion.
func (r *Reclaimer) Release(segs ...*Segment) {
	r.mu.Lock()
	notify := false
	for _, s := range segs {
		dir := s.Dir()
		n := r.refs[dir] - 1
		if n > 0 {
			r.refs[dir] = n
			continue
		}
		delete(r.refs, dir)
		if seg, ok := r.retired[dir]; ok {
			delete(r.retired, dir)
			r.ready[dir] = seg
			notify = true
		}
	}
	r.mu.Unlock()
	if notify {
		r.signal()
	}
}

// Reserve claims segments that are about to leave the catalog. Reserved
// segments count as tracked, so reconciliation leaves them alone between
// the catalog commit and Retire. Unreserve undoes a reservation whose
// commit failed.
func (r *Reclaimer) Reserve(segs ...*Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range segs {
		r.reserved[s.Dir()]++
	}
}

// Unreserve drops a reservation taken by Reserve.
func (r *Reclaimer) Unreserve(segs ...*Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range segs {
		r.unreserveLocked(s.Dir())
	}
}

func (r *Reclaimer) unreserveLocked(dir string) {
	if n := r.reserved[dir] - 1; n > 0 {
		r.reserved[dir] = n
	} else {
		delete(r.reserved, dir)
	}
}

// Retire schedules segments for deletion once unreferenced. It takes over
// any reservation on them.
func (r *Reclaimer) Retire(segs ...*Segment) {
	r.mu.Lock()
	notify := false
	for _, s := range segs {
		dir := s.Dir()
		if r.reserved[dir] > 0 {
			r.unreserveLocked(dir)
		}
		if r.refs[dir] > 0 {
			r.retired[dir] = s
			continue
		}
		r.ready[dir] = s
		notify = true
	}
	r.mu.Unlock()
	if notify {
		r.signal()
	}
}

// Pending returns the number of retired segments not yet deleted.
func (r *Reclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retired) + len(r.ready)
}

// Tracks reports whether the segment directory is reserved, or retired
// and awaiting deletion.
func (r *Reclaimer) Tracks(dir string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, retired := r.retired[dir]
	_, ready := r.ready[dir]
	return r.reserved[dir] > 0 || retired || ready
}

// Refs returns the number of references held on a segment.
func (r *Reclaimer) Refs(seg *Segment) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs[seg.Dir()]
}

// Deleted returns the number of segments deleted so far.
func (r *Reclaimer) Deleted() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleted
}

func (r *Reclaimer) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs background deletion until Stop.
func (r *Reclaimer) Start() {
	if r.started.CompareAndSwap(false, true) {
		go r.run()
	}
}

func (r *Reclaimer) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.wake:
		case <-ticker.C:
		}
		r.DeleteReady(context.Background())
	}
}

// Stop stops the background loop and makes a final deletion attempt.
// Segments still referenced are left for startup reconciliation.
func (r *Reclaimer) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		select {
		case <-r.doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.DeleteReady(ctx)
	return nil
}

// DeleteReady deletes every unreferenced retired segment and returns how
// many were removed. Failures stay queued for the next attempt.
func (r *Reclaimer) DeleteReady(ctx context.Context) int {
	r.mu.Lock()
	batch := make([]*Segment, 0, len(r.ready))
	for dir, s := range r.ready {
		batch = append(batch, s)
		delete(r.ready, dir)
	}
	r.mu.Unlock()

	removed := 0
	for _, s := range batch {
		if err := r.store.DeleteSegment(ctx, s); err != nil {
			log.Printf("reclaim: failed to delete segment %s: %v", s.Dir(), err)
			r.mu.Lock()
			r.ready[s.Dir()] = s
			r.mu.Unlock()
			continue
		}
		removed++
	}
	if removed > 0 {
		r.mu.Lock()
		r.deleted += int64(removed)
		r.mu.Unlock()
	}
	return removed
}
