package discovery

import (
	"errors"
	"log"
	"time"

	"github.com/eskka-go/discovery/pkg/abdicator"
	"github.com/eskka-go/discovery/pkg/follower"
	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/master"
	"github.com/eskka-go/discovery/pkg/membership"
	"github.com/eskka-go/discovery/pkg/partition"
)

// Options carries the dependency-injected components and runtime
// configuration used to assemble the Facade. Instances are typically
// produced by pkg/bootstrap from parsed configuration.
type Options struct {
	NodeID membership.NodeID
	// SeedAddresses is the static seed list; it defines VotingMembers and,
	// by extension, quorumSize.
	SeedAddresses []membership.Address
	Logger        *log.Logger

	// Substrate is the gossip membership substrate (required).
	Substrate gossip.Substrate

	// FollowerClient delivers FollowerPublish to remote members.
	FollowerClient master.FollowerClient
	// MasterNotifier delivers PleasePublishDiscoveryState to the current master.
	MasterNotifier follower.Notifier
	// PingerClient reaches registered voters' Pingers for partition evaluation.
	PingerClient partition.PingerClient

	// Timing knobs for the various actor loops.
	EvalDelay   time.Duration
	PingTimeout time.Duration

	// PublishTimeout overrides the Master's per-publish deadline; 0 uses the
	// host-configured default.
	PublishTimeout time.Duration

	// RestartHook is invoked by the Abdicator on sustained quorum loss. If
	// nil, a default hook that only logs is used.
	RestartHook abdicator.RestartHook
}

// Validate performs minimal validation. It does not start any network
// activity and is safe to call before New.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("discovery: empty NodeID")
	}
	if o.Substrate == nil {
		return errors.New("discovery: nil Substrate")
	}
	if o.Logger == nil {
		return errors.New("discovery: nil Logger")
	}
	return nil
}
