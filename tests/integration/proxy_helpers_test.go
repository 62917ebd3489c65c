//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/eskka-go/discovery/pkg/bootstrap"
	"github.com/eskka-go/discovery/pkg/discovery"
	"github.com/eskka-go/discovery/pkg/transport/httpjson"
)

// status mirrors discovery.Status's JSON shape for test assertions.
type status struct {
	Live            bool
	QuorumAvailable bool
	LeaderID        string
	StateVersion    uint64
	Members         []struct {
		NodeID string
	}
	Warnings []string
}

type temporaryError struct{}

func (e *temporaryError) Error() string { return "not yet" }

var errNotYet = &temporaryError{}

func waitUntil(t *testing.T, timeout time.Duration, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last error
	for time.Now().Before(deadline) {
		if err := fn(); err == nil {
			return
		} else {
			last = err
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %v", last)
}

func fetchStatus(ctx context.Context, cli *httpjson.Client, addr string) (status, error) {
	var s status
	b, err := cli.GetStatus(ctx, addr)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, err
	}
	return s, nil
}

// threeNodeAddrs holds the fixed gossip/RPC addresses shared by the
// three-node scenarios so every node can be configured with the identical
// seed_nodes list the quorum arithmetic requires.
type threeNodeAddrs struct {
	memBind [3]string
	rpcAddr [3]string
}

func defaultThreeNodeAddrs(basePort int) threeNodeAddrs {
	var a threeNodeAddrs
	for i := 0; i < 3; i++ {
		a.memBind[i] = fmt.Sprintf("127.0.0.1:%d", basePort+i)
		a.rpcAddr[i] = fmt.Sprintf("127.0.0.1:%d", basePort+100+i)
	}
	return a
}

func (a threeNodeAddrs) seedsCSV() string {
	return a.memBind[0] + "," + a.memBind[1] + "," + a.memBind[2]
}

// mustStartThreeNodes starts three discovery nodes sharing the same
// seed_nodes list (so quorumSize is identical everywhere); the gossip
// substrate's own convergence does the work no explicit join RPC is needed
// for once each node has Start()ed against the shared seed list.
func mustStartThreeNodes(t *testing.T, ctx context.Context, a threeNodeAddrs) (n1, n2, n3 *discovery.Facade) {
	t.Helper()
	seeds := a.seedsCSV()
	cfgFor := func(i int, nodeID string) bootstrap.Config {
		return bootstrap.Config{
			NodeID:      nodeID,
			MemBind:     a.memBind[i],
			RPCAddr:     a.rpcAddr[i],
			RPCProto:    "http",
			SeedKind:    "static",
			SeedsCSV:    seeds,
			EvalDelay:   300 * time.Millisecond,
			PingTimeout: 200 * time.Millisecond,
		}
	}

	var err error
	n1, _, err = bootstrap.Run(ctx, cfgFor(0, "n1"))
	if err != nil {
		t.Fatalf("n1: %v", err)
	}
	n2, _, err = bootstrap.Run(ctx, cfgFor(1, "n2"))
	if err != nil {
		t.Fatalf("n2: %v", err)
	}
	n3, _, err = bootstrap.Run(ctx, cfgFor(2, "n3"))
	if err != nil {
		t.Fatalf("n3: %v", err)
	}
	return n1, n2, n3
}
