// Package membership defines the data model shared by every discovery
// component: node identity, addresses, member records and the static voter
// set used for quorum arithmetic. It has no dependency on the gossip
// substrate; pkg/gossip builds on top of these types.
package membership

import (
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// NodeID is an opaque, process-lifetime identifier. It is regenerated on
// every restart.
type NodeID string

// NewNodeID returns a fresh random NodeID.
func NewNodeID() NodeID {
	return NodeID(uuid.NewString())
}

// Address is a (host, port) pair. Hostnames must be pre-resolved to
// canonical form before two Addresses are compared; see Canonicalize.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Equal reports whether two addresses refer to the same (host, port).
func (a Address) Equal(b Address) bool {
	return a.Host == b.Host && a.Port == b.Port
}

// ParseAddress parses a "host:port" string into an Address.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, err
	}
	return Address{Host: host, Port: port}, nil
}

// Canonicalize resolves host to its canonical form (the lexicographically
// smallest A/AAAA result, falling back to the literal host on resolution failure) so that address
// equality does not depend on how a peer happened to spell a hostname.
func Canonicalize(addr Address) Address {
	ips, err := net.LookupHost(addr.Host)
	if err != nil || len(ips) == 0 {
		return addr
	}
	sort.Strings(ips)
	return Address{Host: ips[0], Port: addr.Port}
}

// Role is one element of a Member's role set.
type Role string

const (
	RoleMasterEligible Role = "master_eligible"
	RoleVoter          Role = "voter"
)

// Status is a member's lifecycle state as observed via gossip.
type Status string

const (
	StatusJoining Status = "joining"
	StatusUp      Status = "up"
	StatusLeaving Status = "leaving"
	StatusExiting Status = "exiting"
	StatusDown    Status = "down"
	StatusRemoved Status = "removed"
)

// Member is a read-only projection of a gossip-observed cluster member.
type Member struct {
	Address Address
	NodeID  NodeID
	Roles   map[Role]struct{}
	Status  Status
	// JoinSeq is a monotonically increasing, locally-assigned sequence
	// number recording observation order; the "oldest" master-eligible
	// member is the one with the smallest JoinSeq, not wall-clock
	// time, since clocks across nodes are not assumed to be synchronized.
	JoinSeq uint64
}

func (m Member) HasRole(r Role) bool {
	_, ok := m.Roles[r]
	return ok
}

func NewMember(addr Address, id NodeID, roles []Role, status Status, joinSeq uint64) Member {
	rs := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		rs[r] = struct{}{}
	}
	return Member{Address: addr, NodeID: id, Roles: rs, Status: status, JoinSeq: joinSeq}
}

// VotingMembers is the immutable seed set configured at startup. quorumSize
// depends solely on it, never on the live membership view.
type VotingMembers struct {
	seeds map[Address]struct{}
	size  int
}

// NewVotingMembers canonicalizes and de-duplicates the given seed addresses.
func NewVotingMembers(seeds []Address) VotingMembers {
	set := make(map[Address]struct{}, len(seeds))
	for _, s := range seeds {
		set[Canonicalize(s)] = struct{}{}
	}
	return VotingMembers{seeds: set, size: len(set)}
}

// ParseVotingMembers parses a list of "host:port" strings.
func ParseVotingMembers(hostports []string) (VotingMembers, error) {
	addrs := make([]Address, 0, len(hostports))
	for _, hp := range hostports {
		hp = strings.TrimSpace(hp)
		if hp == "" {
			continue
		}
		a, err := ParseAddress(hp)
		if err != nil {
			return VotingMembers{}, err
		}
		addrs = append(addrs, a)
	}
	return NewVotingMembers(addrs), nil
}

func (v VotingMembers) Contains(addr Address) bool {
	_, ok := v.seeds[Canonicalize(addr)]
	return ok
}

func (v VotingMembers) Len() int { return v.size }

// QuorumSize is floor(|seeds|/2) + 1.
func (v VotingMembers) QuorumSize() int {
	return v.size/2 + 1
}

// Addresses returns a stable-ordered copy of the seed set.
func (v VotingMembers) Addresses() []Address {
	out := make([]Address, 0, len(v.seeds))
	for a := range v.seeds {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// QuorumAvailable reports whether at least QuorumSize() of the seed
// addresses are present in view with Status Up.
func (v VotingMembers) QuorumAvailable(view []Member) bool {
	count := 0
	for _, m := range view {
		if m.Status != StatusUp {
			continue
		}
		if v.Contains(m.Address) {
			count++
		}
	}
	return count >= v.QuorumSize()
}

// Oldest returns the master-eligible member with Status Up and the
// smallest JoinSeq. ok is false when view contains no such member.
func Oldest(view []Member) (m Member, ok bool) {
	best := Member{}
	found := false
	for _, cand := range view {
		if !cand.HasRole(RoleMasterEligible) || cand.Status != StatusUp {
			continue
		}
		if !found || cand.JoinSeq < best.JoinSeq {
			best = cand
			found = true
		}
	}
	return best, found
}
