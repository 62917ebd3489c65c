//go:build integration

package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eskka-go/discovery/pkg/discoverystate"
	"github.com/eskka-go/discovery/pkg/membership"
)

// TestPublish_PropagatesToFollowersAndAcksEveryRecipient exercises ack
// completeness: a publish from the host yields exactly one ack per
// non-master recipient, and every follower actually applies the
// published state through its local store.
func TestPublish_PropagatesToFollowersAndAcksEveryRecipient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer cancel()

	addrs := defaultThreeNodeAddrs(17970)
	n1, n2, n3 := mustStartThreeNodes(t, ctx, addrs)
	defer n3.Close()
	defer n2.Close()
	defer n1.Close()

	waitUntil(t, 20*time.Second, func() error {
		s, err := n1.Status(ctx)
		if err != nil {
			return err
		}
		if !s.QuorumAvailable || s.LeaderID != "n1" {
			return errNotYet
		}
		if len(s.Members) < 3 {
			return errNotYet
		}
		return nil
	})

	s, err := n1.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	state := discoverystate.Empty()
	state.Version = s.StateVersion + 1
	for id, m := range membersByID(s.Members) {
		state.Nodes[id] = m
	}

	var mu sync.Mutex
	acked := map[membership.NodeID]error{}
	var wg sync.WaitGroup
	wg.Add(2)
	listener := func(node membership.NodeID, err error) {
		mu.Lock()
		if _, seen := acked[node]; !seen {
			acked[node] = err
			wg.Done()
		}
		mu.Unlock()
	}

	if err := n1.Publish(ctx, state, listener, 10*time.Second); err != nil {
		t.Fatalf("publish: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for acks, got %v", acked)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(acked) != 2 {
		t.Fatalf("expected exactly 2 acks (non-master recipients), got %d: %v", len(acked), acked)
	}
	for node, err := range acked {
		if err != nil {
			t.Fatalf("node %s ack reported error: %v", node, err)
		}
	}

	waitUntil(t, 10*time.Second, func() error {
		s2, err := n2.Status(ctx)
		if err != nil {
			return err
		}
		if s2.StateVersion != state.Version {
			return errNotYet
		}
		return nil
	})
}

func membersByID(members []membership.Member) map[membership.NodeID]membership.Member {
	out := make(map[membership.NodeID]membership.Member, len(members))
	for _, m := range members {
		out[m.NodeID] = m
	}
	return out
}
