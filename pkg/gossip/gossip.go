// Package gossip abstracts the membership substrate assumed by §4.1 of the
// discovery design: a black box that gossips member status and reachability
// and exposes a read-only snapshot plus a down/leave control surface. It
// says nothing about how that gossip happens; pkg/gossip/memberlist is the
// concrete implementation built on hashicorp/memberlist.
package gossip

import (
	"context"
	"time"

	"github.com/eskka-go/discovery/pkg/membership"
)

// EventType is the closed sum type of substrate notifications (§9: "Typed
// events vs tagged variants" — implemented here as a tagged variant rather
// than five separate channel types).
type EventType string

const (
	MemberUp          EventType = "member_up"
	MemberExited      EventType = "member_exited"
	MemberRemoved     EventType = "member_removed"
	UnreachableMember EventType = "unreachable_member"
	ReachableMember   EventType = "reachable_member"
)

// Event is a single substrate notification. Only Member is populated; At is
// the local observation time.
type Event struct {
	Type   EventType
	Member membership.Member
	At     time.Time
}

// Substrate is the contract every other component consumes. Implementations
// deliver events to each subscriber in order, FIFO per (sender, receiver)
// pair, with initial membership replayed as a burst of MemberUp events ahead
// of any live event.
type Substrate interface {
	Start(ctx context.Context) error
	Join(seeds []membership.Address) error

	SelfAddress() membership.Address
	SelfNodeID() membership.NodeID
	SelfRoles() []membership.Role

	// State returns a read-only snapshot of the current membership view.
	State() []membership.Member

	// Events returns the event stream for this subscriber. The channel is
	// closed when the substrate stops.
	Events() <-chan Event

	// Down unilaterally marks a member Down; gossip propagates the change.
	Down(addr membership.Address) error

	// Leave initiates a voluntary departure; terminates by emitting
	// MemberRemoved(self).
	Leave(ctx context.Context) error

	Stop() error
}

// HealthReporter is an optional capability some substrates expose (e.g. the
// memberlist implementation surfaces its internal awareness score).
type HealthReporter interface {
	HealthScore() int
}
