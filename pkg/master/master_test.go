package master

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eskka-go/discovery/pkg/discoverystate"
	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
)

type fakeMasterSubstrate struct {
	self membership.Member
}

func (f *fakeMasterSubstrate) Start(ctx context.Context) error       { return nil }
func (f *fakeMasterSubstrate) Join(seeds []membership.Address) error { return nil }
func (f *fakeMasterSubstrate) SelfAddress() membership.Address       { return f.self.Address }
func (f *fakeMasterSubstrate) SelfNodeID() membership.NodeID         { return f.self.NodeID }
func (f *fakeMasterSubstrate) SelfRoles() []membership.Role          { return nil }
func (f *fakeMasterSubstrate) State() []membership.Member            { return nil }
func (f *fakeMasterSubstrate) Events() <-chan gossip.Event           { return nil }
func (f *fakeMasterSubstrate) Down(addr membership.Address) error    { return nil }
func (f *fakeMasterSubstrate) Leave(ctx context.Context) error       { return nil }
func (f *fakeMasterSubstrate) Stop() error                           { return nil }

func TestResponseHandler_FullCoverage(t *testing.T) {
	recipients := []membership.Member{
		membership.NewMember(membership.Address{Host: "a", Port: 1}, "a", nil, membership.StatusUp, 0),
		membership.NewMember(membership.Address{Host: "b", Port: 1}, "b", nil, membership.StatusUp, 0),
	}

	var mu sync.Mutex
	results := map[membership.NodeID]error{}
	h := newResponseHandler(recipients, func(node membership.NodeID, err error) {
		mu.Lock()
		results[node] = err
		mu.Unlock()
	}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.run(ctx)

	h.record("a", nil)
	h.record("b", errors.New("boom"))

	select {
	case <-h.acked:
	case <-time.After(time.Second):
		t.Fatal("handler never reached Done")
	}

	mu.Lock()
	defer mu.Unlock()
	if err, ok := results["a"]; !ok || err != nil {
		t.Fatalf("a result = %v, %v", err, ok)
	}
	if err, ok := results["b"]; !ok || err == nil {
		t.Fatalf("b result = %v, %v", err, ok)
	}
}

func TestResponseHandler_TimeoutReportsOutstanding(t *testing.T) {
	recipients := []membership.Member{
		membership.NewMember(membership.Address{Host: "a", Port: 1}, "a", nil, membership.StatusUp, 0),
		membership.NewMember(membership.Address{Host: "b", Port: 1}, "b", nil, membership.StatusUp, 0),
	}

	var mu sync.Mutex
	results := map[membership.NodeID]error{}
	h := newResponseHandler(recipients, func(node membership.NodeID, err error) {
		mu.Lock()
		results[node] = err
		mu.Unlock()
	}, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.run(ctx)

	h.record("a", nil)

	select {
	case <-h.acked:
	case <-time.After(time.Second):
		t.Fatal("handler never reached Done after timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != 2 {
		t.Fatalf("expected exactly one outcome per recipient, got %d", len(results))
	}
	if results["b"] != ErrPublishTimedOut {
		t.Fatalf("b result = %v, want ErrPublishTimedOut", results["b"])
	}
}

func TestResponseHandler_IgnoresAcksAfterDone(t *testing.T) {
	recipients := []membership.Member{
		membership.NewMember(membership.Address{Host: "a", Port: 1}, "a", nil, membership.StatusUp, 0),
	}
	calls := 0
	h := newResponseHandler(recipients, func(node membership.NodeID, err error) {
		calls++
	}, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.run(ctx)

	h.record("a", nil)
	<-h.acked
	h.record("a", nil) // extra ack after Done must be ignored

	if calls != 1 {
		t.Fatalf("listener invoked %d times, want exactly 1", calls)
	}
}

func TestMaster_HandlePublish_StaleVersionProducesNoLocalStateChange(t *testing.T) {
	self := membership.NewMember(membership.Address{Host: "127.0.0.1", Port: 1}, "m1", []membership.Role{membership.RoleMasterEligible}, membership.StatusUp, 0)
	sub := &fakeMasterSubstrate{self: self}

	store := discoverystate.NewStore(discoverystate.Empty())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	m := New(sub, store, nil, nil, nil)
	go m.Run(ctx)

	latest := discoverystate.Empty()
	latest.Version = 5
	if err := m.Publish(context.Background(), latest, nil, 0); err != nil {
		t.Fatalf("publish v5: %v", err)
	}
	if got := store.Snapshot().Version; got != 5 {
		t.Fatalf("store version = %d, want 5", got)
	}

	// A locally re-applied publish carrying a lower version than what the
	// store already holds must not move the store backward (P4) — the
	// same version-monotonicity check that guards Follower replay also
	// guards the master's own local-apply path in handlePublish.
	stale := discoverystate.Empty()
	stale.Version = 3
	if err := m.Publish(context.Background(), stale, nil, 0); err != nil {
		t.Fatalf("publish stale v3: %v", err)
	}
	if got := store.Snapshot().Version; got != 5 {
		t.Fatalf("P4 violated: store version = %d after stale local publish, want unchanged 5", got)
	}
}
