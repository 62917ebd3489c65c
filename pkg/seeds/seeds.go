// Package seeds abstracts how the static seed_nodes list is obtained: a
// literal comma-separated list, DNS SRV/A
// records, or a file/env source refreshed on a timer. Every implementation
// returns "host:port" strings; pkg/membership.ParseVotingMembers turns them
// into the immutable VotingMembers set that defines quorumSize.
package seeds

// Source abstracts how seed nodes are provided.
type Source interface {
	Seeds() []string
}

