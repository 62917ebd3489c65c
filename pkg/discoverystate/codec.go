package discoverystate

import (
	"encoding/json"

	"github.com/eskka-go/discovery/pkg/membership"
)

// Codec serializes ClusterState snapshots for wire transmission between the
// Master and its Followers: no schema registry, just stable JSON.
type Codec struct{}

// Encode serializes state.
func (Codec) Encode(state ClusterState) ([]byte, error) {
	return json.Marshal(state)
}

// Decode deserializes into a ClusterState.
func (Codec) Decode(data []byte) (ClusterState, error) {
	var state ClusterState
	if err := json.Unmarshal(data, &state); err != nil {
		return ClusterState{}, err
	}
	if state.Nodes == nil {
		state.Nodes = map[membership.NodeID]membership.Member{}
	}
	if state.RoutingTable.Indices == nil {
		state.RoutingTable.Indices = map[string]IndexRouting{}
	}
	if state.MetaData.Indices == nil {
		state.MetaData.Indices = map[string]IndexMetadata{}
	}
	if state.Blocks == nil {
		state.Blocks = map[Block]struct{}{}
	}
	return state, nil
}
