package follower

import (
	"context"
	"testing"
	"time"

	"github.com/eskka-go/discovery/pkg/discoverystate"
	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
)

type fakeSubstrate struct {
	self  membership.Member
	state []membership.Member
}

func (f *fakeSubstrate) Start(ctx context.Context) error               { return nil }
func (f *fakeSubstrate) Join(seeds []membership.Address) error         { return nil }
func (f *fakeSubstrate) SelfAddress() membership.Address               { return f.self.Address }
func (f *fakeSubstrate) SelfNodeID() membership.NodeID                 { return f.self.NodeID }
func (f *fakeSubstrate) SelfRoles() []membership.Role                  { return []membership.Role{membership.RoleMasterEligible, membership.RoleVoter} }
func (f *fakeSubstrate) State() []membership.Member                    { return f.state }
func (f *fakeSubstrate) Events() <-chan gossip.Event                   { return nil }
func (f *fakeSubstrate) Down(addr membership.Address) error            { return nil }
func (f *fakeSubstrate) Leave(ctx context.Context) error               { return nil }
func (f *fakeSubstrate) Stop() error                                   { return nil }

func newTestFollower(t *testing.T, sub *fakeSubstrate) (*Follower, *discoverystate.Store, context.CancelFunc) {
	t.Helper()
	store := discoverystate.NewStore(discoverystate.Empty())
	ctx, cancel := context.WithCancel(context.Background())
	go store.Run(ctx)

	voters, err := membership.ParseVotingMembers([]string{"127.0.0.1:1", "127.0.0.1:2", "127.0.0.1:3"})
	if err != nil {
		t.Fatalf("voters: %v", err)
	}
	fol := New(sub, voters, store, nil, func() (membership.Address, bool) { return membership.Address{}, false }, nil)
	go fol.Run(ctx)
	return fol, store, cancel
}

func upMember(host string, port int) membership.Member {
	return membership.NewMember(membership.Address{Host: host, Port: port}, membership.NodeID(host), []membership.Role{membership.RoleVoter}, membership.StatusUp, 0)
}

func TestFollower_RejectsPublishWithoutQuorum(t *testing.T) {
	sub := &fakeSubstrate{self: upMember("127.0.0.1", 1), state: []membership.Member{upMember("127.0.0.1", 1)}}
	fol, _, cancel := newTestFollower(t, sub)
	defer cancel()

	// Force quorumCheckLastResult to false by waiting for one quorum-check
	// tick with an insufficient view.
	time.Sleep(300 * time.Millisecond)

	ack := fol.Publish(context.Background(), "other-master", 1, []byte(`{}`))
	if ack.Err != ErrQuorumUnavailable {
		t.Fatalf("err = %v, want ErrQuorumUnavailable", ack.Err)
	}
}

func TestFollower_AcceptsPublishWithQuorum(t *testing.T) {
	sub := &fakeSubstrate{
		self: upMember("127.0.0.1", 1),
		state: []membership.Member{
			upMember("127.0.0.1", 1),
			upMember("127.0.0.1", 2),
		},
	}
	fol, store, cancel := newTestFollower(t, sub)
	defer cancel()

	codec := discoverystate.Codec{}
	state := discoverystate.Empty()
	state.Version = 5
	state.MasterNodeID = "other-master"
	data, err := codec.Encode(state)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ack := fol.Publish(context.Background(), "other-master", 5, data)
	if ack.Err != nil {
		t.Fatalf("unexpected error: %v", ack.Err)
	}
	if got := store.Snapshot().Version; got != 5 {
		t.Fatalf("store version = %d, want 5", got)
	}

	select {
	case <-fol.FirstSubmit():
	case <-time.After(time.Second):
		t.Fatal("first-submit promise did not resolve")
	}
}

func TestFollower_ReplayingStaleVersionProducesNoStateChange(t *testing.T) {
	sub := &fakeSubstrate{
		self: upMember("127.0.0.1", 1),
		state: []membership.Member{
			upMember("127.0.0.1", 1),
			upMember("127.0.0.1", 2),
		},
	}
	fol, store, cancel := newTestFollower(t, sub)
	defer cancel()

	codec := discoverystate.Codec{}

	latest := discoverystate.Empty()
	latest.Version = 5
	latest.MasterNodeID = "other-master"
	latestData, err := codec.Encode(latest)
	if err != nil {
		t.Fatalf("encode latest: %v", err)
	}
	if ack := fol.Publish(context.Background(), "other-master", 5, latestData); ack.Err != nil {
		t.Fatalf("unexpected error applying latest: %v", ack.Err)
	}
	if got := store.Snapshot().Version; got != 5 {
		t.Fatalf("store version = %d, want 5", got)
	}

	stale := discoverystate.Empty()
	stale.Version = 3
	stale.MasterNodeID = "other-master"
	staleData, err := codec.Encode(stale)
	if err != nil {
		t.Fatalf("encode stale: %v", err)
	}
	ack := fol.Publish(context.Background(), "other-master", 3, staleData)
	if ack.Err != nil {
		t.Fatalf("replaying a stale publish should ack success as a no-op, got: %v", ack.Err)
	}
	if got := store.Snapshot().Version; got != 5 {
		t.Fatalf("P4 violated: store version = %d after stale replay, want unchanged 5", got)
	}
}

func TestFollower_RejectsSelfPublish(t *testing.T) {
	sub := &fakeSubstrate{self: upMember("127.0.0.1", 1), state: []membership.Member{upMember("127.0.0.1", 1), upMember("127.0.0.1", 2)}}
	fol, _, cancel := newTestFollower(t, sub)
	defer cancel()

	ack := fol.Publish(context.Background(), sub.self.NodeID, 1, []byte(`{}`))
	if ack.Err != ErrSelfPublish {
		t.Fatalf("err = %v, want ErrSelfPublish", ack.Err)
	}
}

func TestMergeFollowerState_KeepsUnchangedRoutingAndMetadata(t *testing.T) {
	cur := discoverystate.Empty()
	cur.RoutingTable.Version = 3
	cur.RoutingTable.Indices["idx"] = discoverystate.IndexRouting{Version: 3}
	cur.MetaData.Version = 7
	cur.MetaData.Indices["idx"] = discoverystate.IndexMetadata{Version: 7, Settings: map[string]string{"k": "old"}}

	incoming := discoverystate.Empty()
	incoming.Version = 9
	incoming.RoutingTable.Version = 3 // unchanged
	incoming.MetaData.Version = 7     // unchanged
	incoming.MetaData.Indices["idx"] = discoverystate.IndexMetadata{Version: 7, Settings: map[string]string{"k": "new"}}

	merged := mergeFollowerState(cur, incoming)
	if merged.RoutingTable.Version != 3 {
		t.Fatalf("routing table version = %d, want 3", merged.RoutingTable.Version)
	}
	if merged.MetaData.Indices["idx"].Settings["k"] != "old" {
		t.Fatalf("expected unchanged metadata to keep current value, got %q", merged.MetaData.Indices["idx"].Settings["k"])
	}
}

func TestMergeFollowerState_ReplacesChangedIndexOnly(t *testing.T) {
	cur := discoverystate.Empty()
	cur.MetaData.Version = 7
	cur.MetaData.Indices["a"] = discoverystate.IndexMetadata{Version: 1, Settings: map[string]string{"k": "a-old"}}
	cur.MetaData.Indices["b"] = discoverystate.IndexMetadata{Version: 1, Settings: map[string]string{"k": "b-old"}}

	incoming := discoverystate.Empty()
	incoming.MetaData.Version = 8 // changed overall
	incoming.MetaData.Indices["a"] = discoverystate.IndexMetadata{Version: 1, Settings: map[string]string{"k": "a-old"}}   // index unchanged
	incoming.MetaData.Indices["b"] = discoverystate.IndexMetadata{Version: 2, Settings: map[string]string{"k": "b-new"}} // index changed

	merged := mergeFollowerState(cur, incoming)
	if merged.MetaData.Indices["a"].Settings["k"] != "a-old" {
		t.Fatalf("unchanged index a should keep current value")
	}
	if merged.MetaData.Indices["b"].Settings["k"] != "b-new" {
		t.Fatalf("changed index b should take incoming value")
	}
}
