package abdicator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
)

type fakeSubstrate struct {
	state []membership.Member
}

func (f *fakeSubstrate) Start(ctx context.Context) error       { return nil }
func (f *fakeSubstrate) Join(seeds []membership.Address) error { return nil }
func (f *fakeSubstrate) SelfAddress() membership.Address       { return membership.Address{} }
func (f *fakeSubstrate) SelfNodeID() membership.NodeID         { return "" }
func (f *fakeSubstrate) SelfRoles() []membership.Role          { return nil }
func (f *fakeSubstrate) State() []membership.Member            { return f.state }
func (f *fakeSubstrate) Events() <-chan gossip.Event           { return nil }
func (f *fakeSubstrate) Down(addr membership.Address) error    { return nil }
func (f *fakeSubstrate) Leave(ctx context.Context) error       { return nil }
func (f *fakeSubstrate) Stop() error                            { return nil }

func upVoter(p int) membership.Member {
	addr := membership.Address{Host: "127.0.0.1", Port: p}
	return membership.NewMember(addr, membership.NodeID(addr.String()), []membership.Role{membership.RoleVoter}, membership.StatusUp, 0)
}

func TestAbdicator_RestartsOnSustainedQuorumLoss(t *testing.T) {
	voters, err := membership.ParseVotingMembers([]string{"127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3"})
	if err != nil {
		t.Fatalf("voters: %v", err)
	}
	sub := &fakeSubstrate{state: []membership.Member{upVoter(1)}} // 1/3 < quorum of 2

	var restarts int32
	a := New(sub, voters, func(ctx context.Context) { atomic.AddInt32(&restarts, 1) }, 200*time.Millisecond, 42, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go a.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&restarts) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if atomic.LoadInt32(&restarts) == 0 {
		t.Fatal("expected a restart after sustained quorum loss, got none")
	}
}

func TestAbdicator_NoRestartWithQuorum(t *testing.T) {
	voters, err := membership.ParseVotingMembers([]string{"127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3"})
	if err != nil {
		t.Fatalf("voters: %v", err)
	}
	sub := &fakeSubstrate{state: []membership.Member{upVoter(1), upVoter(2)}} // 2/3 >= quorum of 2

	var restarts int32
	a := New(sub, voters, func(ctx context.Context) { atomic.AddInt32(&restarts, 1) }, 200*time.Millisecond, 42, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	go a.Run(ctx)
	<-ctx.Done()

	if atomic.LoadInt32(&restarts) != 0 {
		t.Fatalf("expected no restart while quorum is available, got %d", restarts)
	}
}
