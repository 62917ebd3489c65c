package discoverystate

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Priority selects which of the Store's two lanes an update is queued on.
// Discovery updates always use URGENT; Normal exists so a host embedding
// this package can submit its own,
// lower-priority housekeeping work through the same serialized writer
// without starving discovery updates.
type Priority int

const (
	Urgent Priority = iota
	Normal
)

// UpdateFunc transforms the current snapshot into a new one, or reports why
// it could not.
type UpdateFunc func(ClusterState) (ClusterState, error)

type request struct {
	update   UpdateFunc
	source   string
	priority Priority
	result   chan requestResult
}

type requestResult struct {
	transition Transition
	err        error
}

// Store is the single-writer, priority-queued update processor standing in
// for the host's ClusterStateStore. All mutation flows through Submit; reads
// via Snapshot never block on the writer.
type Store struct {
	urgent chan request
	normal chan request
	cur    atomic.Value // ClusterState

	stopped chan struct{}
}

// NewStore constructs a Store seeded with initial.
func NewStore(initial ClusterState) *Store {
	s := &Store{
		urgent:  make(chan request, 64),
		normal:  make(chan request, 64),
		stopped: make(chan struct{}),
	}
	s.cur.Store(initial)
	return s
}

// Run drains the priority queue until ctx is done. Call it once, in its own
// goroutine.
func (s *Store) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.urgent:
			s.process(req)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case req := <-s.urgent:
			s.process(req)
		case req := <-s.normal:
			s.process(req)
		}
	}
}

func (s *Store) process(req request) {
	old := s.cur.Load().(ClusterState)
	newState, err := req.update(old)
	if err != nil {
		req.result <- requestResult{err: err}
		return
	}
	if newState.Version < old.Version {
		// Version monotonicity (spec.md §4.4: "the host's state store uses
		// version monotonicity to reject stale applications"): this update
		// was computed against a snapshot older than what's already
		// current — e.g. a replayed or overlapping-master publish racing
		// one that already landed. Apply nothing; report the unchanged
		// current state back to the submitter (P4: no state change).
		req.result <- requestResult{transition: Transition{Source: req.source, OldState: old, NewState: old}}
		return
	}
	s.cur.Store(newState)
	req.result <- requestResult{transition: Transition{Source: req.source, OldState: old, NewState: newState}}
}

// Submit enqueues update at the given priority and blocks until it has been
// applied, rejected, or ctx is done.
func (s *Store) Submit(ctx context.Context, update UpdateFunc, source string, priority Priority) (Transition, error) {
	req := request{update: update, source: source, priority: priority, result: make(chan requestResult, 1)}
	lane := s.normal
	if priority == Urgent {
		lane = s.urgent
	}
	select {
	case lane <- req:
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	case <-s.stopped:
		return Transition{}, fmt.Errorf("discoverystate: store stopped")
	}
	select {
	case res := <-req.result:
		return res.transition, res.err
	case <-ctx.Done():
		return Transition{}, ctx.Err()
	}
}

// Snapshot returns the most recently applied state. It never blocks on the
// writer goroutine.
func (s *Store) Snapshot() ClusterState {
	return s.cur.Load().(ClusterState)
}
