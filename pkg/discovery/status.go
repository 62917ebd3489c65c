package discovery

import "github.com/eskka-go/discovery/pkg/membership"

// Status is a high-level, JSON-serializable snapshot suitable for external
// status endpoints and tooling.
type Status struct {
	// Live is true once this node has joined the substrate.
	Live bool
	// QuorumAvailable reflects this node's own Follower-observed quorum view.
	QuorumAvailable bool
	// LeaderID is the node id of the oldest master-eligible member, if any.
	LeaderID membership.NodeID
	// StateVersion is the version of the last locally applied ClusterState.
	StateVersion uint64
	// Members lists the membership view as seen via gossip.
	Members []membership.Member
	// Warnings contains non-fatal observations (e.g. too few seeds).
	Warnings []string
}
