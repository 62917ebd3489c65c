//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/eskka-go/discovery/pkg/bootstrap"
	"github.com/eskka-go/discovery/pkg/transport/httpjson"
)

// TestDisconnectAndRejoin_MembershipConverges stops a follower (n3) and
// restarts it under the same node id against the same seed list.
// Membership as reported by n1 must first exclude n3, then include it
// again.
func TestDisconnectAndRejoin_MembershipConverges(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	addrs := defaultThreeNodeAddrs(17990)
	n1, n2, n3 := mustStartThreeNodes(t, ctx, addrs)
	defer n2.Close()
	defer n1.Close()

	cli := httpjson.NewClient(3 * time.Second)

	waitUntil(t, 15*time.Second, func() error {
		s, err := fetchStatus(ctx, cli, addrs.rpcAddr[0])
		if err != nil {
			return err
		}
		if !s.QuorumAvailable || s.LeaderID != "n1" {
			return errNotYet
		}
		return nil
	})

	// Close runs the full Stop sequence, which leaves the substrate
	// gracefully before shutting it down; the remaining two nodes learn of
	// n3's departure through gossip.
	if err := n3.Close(); err != nil {
		t.Fatalf("n3 close: %v", err)
	}

	waitUntil(t, 25*time.Second, func() error {
		s, err := fetchStatus(ctx, cli, addrs.rpcAddr[0])
		if err != nil {
			return err
		}
		for _, m := range s.Members {
			if m.NodeID == "n3" {
				return errNotYet
			}
		}
		return nil
	})

	n3b, _, err := bootstrap.Run(ctx, bootstrap.Config{
		NodeID:      "n3",
		MemBind:     addrs.memBind[2],
		RPCAddr:     addrs.rpcAddr[2],
		RPCProto:    "http",
		SeedKind:    "static",
		SeedsCSV:    addrs.seedsCSV(),
		EvalDelay:   300 * time.Millisecond,
		PingTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("n3 restart: %v", err)
	}
	defer n3b.Close()

	waitUntil(t, 25*time.Second, func() error {
		s, err := fetchStatus(ctx, cli, addrs.rpcAddr[0])
		if err != nil {
			return err
		}
		found := false
		for _, m := range s.Members {
			if m.NodeID == "n3" {
				found = true
			}
		}
		if !found {
			return errNotYet
		}
		return nil
	})
}
