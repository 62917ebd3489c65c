// Package discoverystate stands in for the embedding host's ClusterStateStore:
// a single-writer, priority-queued processor of update functions over
// immutable cluster-state snapshots. Every other component submits updates
// through it rather than mutating state directly.
package discoverystate

import "github.com/eskka-go/discovery/pkg/membership"

// Block is a named restriction carried on a ClusterState until cleared.
type Block string

const (
	NoMasterBlock        Block = "no_master_block"
	StateNotRecoveredBlock Block = "state_not_recovered_block"
)

// IndexRouting is an opaque per-index routing payload, versioned
// independently of the cluster state it is embedded in.
type IndexRouting struct {
	Version uint64
	Shards  map[string]string
}

// RoutingTable carries the routing assignment for every known index.
type RoutingTable struct {
	Version uint64
	Indices map[string]IndexRouting
}

// IndexMetadata is versioned per-index metadata. Followers keep their local
// copy for any index whose version has not advanced in an incoming publish.
type IndexMetadata struct {
	Version  uint64
	Settings map[string]string
}

// MetaData is the top-level metadata envelope.
type MetaData struct {
	Version uint64
	Indices map[string]IndexMetadata
}

// ClusterState is the opaque, versioned snapshot the spec assigns to the
// host. It is immutable; every update produces a new value rather than
// mutating in place.
type ClusterState struct {
	Version      uint64
	MasterNodeID membership.NodeID
	Nodes        map[membership.NodeID]membership.Member
	RoutingTable RoutingTable
	MetaData     MetaData
	Blocks       map[Block]struct{}
}

// Empty returns the zero-value cluster state bootstrapped to version 0 with
// no master, no routing, and no metadata — the state a Follower resets to on
// ClearState.
func Empty() ClusterState {
	return ClusterState{
		Nodes:        map[membership.NodeID]membership.Member{},
		RoutingTable: RoutingTable{Indices: map[string]IndexRouting{}},
		MetaData:     MetaData{Indices: map[string]IndexMetadata{}},
		Blocks:       map[Block]struct{}{},
	}
}

// HasBlock reports whether b is present.
func (c ClusterState) HasBlock(b Block) bool {
	_, ok := c.Blocks[b]
	return ok
}

// WithBlock returns a copy of c with b added.
func (c ClusterState) WithBlock(b Block) ClusterState {
	out := c.clone()
	out.Blocks[b] = struct{}{}
	return out
}

// clone performs a shallow-field, deep-map copy sufficient for the
// update-function contract: callers mutate the clone, never the original.
func (c ClusterState) clone() ClusterState {
	out := c
	out.Nodes = make(map[membership.NodeID]membership.Member, len(c.Nodes))
	for k, v := range c.Nodes {
		out.Nodes[k] = v
	}
	out.RoutingTable.Indices = make(map[string]IndexRouting, len(c.RoutingTable.Indices))
	for k, v := range c.RoutingTable.Indices {
		out.RoutingTable.Indices[k] = v
	}
	out.MetaData.Indices = make(map[string]IndexMetadata, len(c.MetaData.Indices))
	for k, v := range c.MetaData.Indices {
		out.MetaData.Indices[k] = v
	}
	out.Blocks = make(map[Block]struct{}, len(c.Blocks))
	for k, v := range c.Blocks {
		out.Blocks[k] = v
	}
	return out
}

// Transition records a single accepted update: who submitted it and the
// before/after snapshots.
type Transition struct {
	Source   string
	OldState ClusterState
	NewState ClusterState
}
