package partition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
	"github.com/eskka-go/discovery/pkg/pinger"
)

type fakeDowner struct {
	mu    sync.Mutex
	downs []membership.Address
}

func (f *fakeDowner) Start(ctx context.Context) error       { return nil }
func (f *fakeDowner) Join(seeds []membership.Address) error { return nil }
func (f *fakeDowner) SelfAddress() membership.Address       { return membership.Address{} }
func (f *fakeDowner) SelfNodeID() membership.NodeID         { return "" }
func (f *fakeDowner) SelfRoles() []membership.Role          { return nil }
func (f *fakeDowner) State() []membership.Member            { return nil }
func (f *fakeDowner) Events() <-chan gossip.Event           { return nil }
func (f *fakeDowner) Down(addr membership.Address) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downs = append(f.downs, addr)
	return nil
}
func (f *fakeDowner) Leave(ctx context.Context) error { return nil }
func (f *fakeDowner) Stop() error                     { return nil }

func (f *fakeDowner) downCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.downs)
}

type fakePingerClient struct {
	outcome func(voter membership.Address) pinger.Outcome
}

func (c *fakePingerClient) Identify(ctx context.Context, voter membership.Address, timeout time.Duration) error {
	return nil
}
func (c *fakePingerClient) RequestPing(ctx context.Context, voter, target membership.Address, timeout time.Duration) pinger.Response {
	return pinger.Response{Outcome: c.outcome(voter), From: voter}
}

func addr(p int) membership.Address { return membership.Address{Host: "127.0.0.1", Port: p} }

func setup(t *testing.T, client PingerClient) (*Monitor, *fakeDowner, context.CancelFunc) {
	t.Helper()
	voters, err := membership.ParseVotingMembers([]string{"127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3"})
	if err != nil {
		t.Fatalf("voters: %v", err)
	}
	downer := &fakeDowner{}
	mon := New(addr(1), voters, downer, client, 20*time.Millisecond, 30*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go mon.Run(ctx)

	for _, p := range []int{1, 2, 3} {
		mon.HandleEvent(ctx, gossip.Event{Type: gossip.MemberUp, Member: membership.NewMember(addr(p), membership.NodeID(addr(p).String()), []membership.Role{membership.RoleVoter}, membership.StatusUp, 0)})
	}
	time.Sleep(50 * time.Millisecond) // allow enroll to settle
	return mon, downer, cancel
}

func TestMonitor_DownsOnQuorumOfAffirmativeTimeouts(t *testing.T) {
	client := &fakePingerClient{outcome: func(voter membership.Address) pinger.Outcome { return pinger.PingTimeout }}
	mon, downer, cancel := setup(t, client)
	defer cancel()

	target := addr(3)
	mon.HandleEvent(context.Background(), gossip.Event{
		Type:   gossip.UnreachableMember,
		Member: membership.NewMember(target, "n3", []membership.Role{membership.RoleVoter}, membership.StatusUp, 0),
	})

	deadline := time.Now().Add(2 * time.Second)
	for downer.downCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if downer.downCount() != 1 {
		t.Fatalf("expected exactly one down decision, got %d", downer.downCount())
	}
}

func TestMonitor_NoDownWithoutQuorumOfTimeouts(t *testing.T) {
	client := &fakePingerClient{outcome: func(voter membership.Address) pinger.Outcome { return pinger.PingOk }}
	mon, downer, cancel := setup(t, client)
	defer cancel()

	target := addr(3)
	mon.HandleEvent(context.Background(), gossip.Event{
		Type:   gossip.UnreachableMember,
		Member: membership.NewMember(target, "n3", []membership.Role{membership.RoleVoter}, membership.StatusUp, 0),
	})

	time.Sleep(300 * time.Millisecond)
	if downer.downCount() != 0 {
		t.Fatalf("expected no down decision when votes don't reach quorum, got %d", downer.downCount())
	}
}

func TestMonitor_NoDownWhenVotersUnresolved(t *testing.T) {
	// All three registered voters fail to even answer (RPC-layer failure
	// reaching their Pinger) rather than affirmatively declaring
	// PingTimeout. This must never be treated as quorum for downing.
	client := &fakePingerClient{outcome: func(voter membership.Address) pinger.Outcome { return pinger.PingUnresolved }}
	mon, downer, cancel := setup(t, client)
	defer cancel()

	target := addr(3)
	mon.HandleEvent(context.Background(), gossip.Event{
		Type:   gossip.UnreachableMember,
		Member: membership.NewMember(target, "n3", []membership.Role{membership.RoleVoter}, membership.StatusUp, 0),
	})

	time.Sleep(300 * time.Millisecond)
	if downer.downCount() != 0 {
		t.Fatalf("expected no down decision from unresolved (non-affirmative) votes, got %d", downer.downCount())
	}
}

func TestMonitor_FlapCancelsPendingEvaluation(t *testing.T) {
	client := &fakePingerClient{outcome: func(voter membership.Address) pinger.Outcome { return pinger.PingTimeout }}
	mon, downer, cancel := setup(t, client)
	defer cancel()

	target := addr(3)
	member := membership.NewMember(target, "n3", []membership.Role{membership.RoleVoter}, membership.StatusUp, 0)
	mon.HandleEvent(context.Background(), gossip.Event{Type: gossip.UnreachableMember, Member: member})
	mon.HandleEvent(context.Background(), gossip.Event{Type: gossip.ReachableMember, Member: member})

	time.Sleep(300 * time.Millisecond)
	if downer.downCount() != 0 {
		t.Fatalf("expected flap recovery to cancel the pending evaluation, got %d downs", downer.downCount())
	}
}
