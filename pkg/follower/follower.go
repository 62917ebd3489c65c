// Package follower implements the quorum-aware acceptance side of the
// publish pipeline: every node, including the current master, runs one.
package follower

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/eskka-go/discovery/pkg/discoverystate"
	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
)

// ErrQuorumUnavailable is returned in a PublishAck when the local view lacks
// quorum (I2: a Follower never applies a publish without quorum).
var ErrQuorumUnavailable = errors.New("follower: quorum unavailable")

// ErrSelfPublish is returned if a publish arrives claiming the local node as
// master, which can never be a legitimate publish source.
var ErrSelfPublish = errors.New("follower: publish claims local node as master")

const (
	quorumCheckInterval  = 250 * time.Millisecond
	retryClearStateDelay = time.Second
)

// Ack is the outcome of one FollowerPublish call.
type Ack struct {
	Node membership.NodeID
	Err  error
}

// Notifier reaches the current master on the follower's behalf. Failures are
// swallowed by the caller: the request is explicitly idempotent and allowed
// to drop silently when the master is unreachable — retry is left to the
// periodic quorum check.
type Notifier interface {
	PleasePublishDiscoveryState(ctx context.Context, master membership.Address, requester membership.Address) error
}

// CurrentMasterFunc resolves the node currently believed to be master, if
// any is known.
type CurrentMasterFunc func() (membership.Address, bool)

type publishReq struct {
	masterNodeID membership.NodeID
	version      uint64
	data         []byte
	result       chan Ack
}

// Follower is the per-node actor that tracks the current master and applies
// published state on its behalf.
type Follower struct {
	substrate     gossip.Substrate
	voters        membership.VotingMembers
	store         *discoverystate.Store
	codec         discoverystate.Codec
	notifier      Notifier
	currentMaster CurrentMasterFunc
	logger        *log.Logger

	quorumCheckLastResult bool
	pendingPublishRequest bool

	publishCh chan publishReq
	notifyCh  chan discoverystate.Transition

	firstSubmit     chan struct{}
	firstSubmitOnce sync.Once
}

// New constructs a Follower. quorumCheckLastResult and pendingPublishRequest
// start at true/false.
func New(substrate gossip.Substrate, voters membership.VotingMembers, store *discoverystate.Store, notifier Notifier, currentMaster CurrentMasterFunc, logger *log.Logger) *Follower {
	if logger == nil {
		logger = log.Default()
	}
	return &Follower{
		substrate:             substrate,
		voters:                voters,
		store:                 store,
		notifier:              notifier,
		currentMaster:         currentMaster,
		logger:                logger,
		quorumCheckLastResult: true,
		publishCh:             make(chan publishReq, 16),
		notifyCh:              make(chan discoverystate.Transition, 4),
		firstSubmit:           make(chan struct{}),
	}
}

// FirstSubmit resolves on the first successful state application; used by
// the lifecycle to fire initial-state listeners.
func (f *Follower) FirstSubmit() <-chan struct{} { return f.firstSubmit }

// Publish implements FollowerPublish(version, bytes).
func (f *Follower) Publish(ctx context.Context, masterNodeID membership.NodeID, version uint64, data []byte) Ack {
	req := publishReq{masterNodeID: masterNodeID, version: version, data: data, result: make(chan Ack, 1)}
	select {
	case f.publishCh <- req:
	case <-ctx.Done():
		return Ack{Node: f.substrate.SelfNodeID(), Err: ctx.Err()}
	}
	select {
	case ack := <-req.result:
		return ack
	case <-ctx.Done():
		return Ack{Node: f.substrate.SelfNodeID(), Err: ctx.Err()}
	}
}

// NotifyLocalPublish implements MasterPublishNotification for a co-located
// Master applying a publish to its own local store.
func (f *Follower) NotifyLocalPublish(tr discoverystate.Transition) {
	select {
	case f.notifyCh <- tr:
	default:
		f.logger.Printf("follower: dropping local publish notification, channel full")
	}
}

// Run drives the actor's periodic quorum check and message handling until
// ctx is done. Call it once, in its own goroutine.
func (f *Follower) Run(ctx context.Context) {
	ticker := time.NewTicker(quorumCheckInterval)
	defer ticker.Stop()

	var clearRetry *time.Timer
	var clearRetryC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if clearRetry != nil {
				clearRetry.Stop()
			}
			return
		case req := <-f.publishCh:
			f.handlePublish(ctx, req)
		case tr := <-f.notifyCh:
			f.handleMasterNotification(tr)
		case <-ticker.C:
			needsClear := f.handleQuorumCheck(ctx)
			if needsClear && clearRetry == nil {
				clearRetry = time.NewTimer(0)
				clearRetryC = clearRetry.C
			}
		case <-clearRetryC:
			clearRetry = nil
			clearRetryC = nil
			if !f.tryClearState(ctx) {
				clearRetry = time.NewTimer(retryClearStateDelay)
				clearRetryC = clearRetry.C
			}
		}
	}
}

func (f *Follower) handlePublish(ctx context.Context, req publishReq) {
	self := f.substrate.SelfNodeID()
	if req.masterNodeID == self {
		req.result <- Ack{Node: self, Err: ErrSelfPublish}
		return
	}
	if !f.quorumCheckLastResult {
		req.result <- Ack{Node: self, Err: ErrQuorumUnavailable}
		return
	}
	incoming, err := f.codec.Decode(req.data)
	if err != nil {
		req.result <- Ack{Node: self, Err: err}
		return
	}
	tr, err := f.store.Submit(ctx, func(cur discoverystate.ClusterState) (discoverystate.ClusterState, error) {
		return mergeFollowerState(cur, incoming), nil
	}, "follower{master-publish}", discoverystate.Urgent)
	if err != nil {
		req.result <- Ack{Node: self, Err: err}
		return
	}
	f.completeFirstSubmit()
	f.pendingPublishRequest = false
	_ = tr
	req.result <- Ack{Node: self}
}

// mergeFollowerState implements the merge rules: unchanged
// top-level versions keep the current side wholesale; when the top-level
// metaData version has moved, per-index metadata is kept from current only
// for indices whose own version is unchanged.
func mergeFollowerState(cur, incoming discoverystate.ClusterState) discoverystate.ClusterState {
	merged := incoming

	if incoming.RoutingTable.Version == cur.RoutingTable.Version {
		merged.RoutingTable = cur.RoutingTable
	}

	if incoming.MetaData.Version == cur.MetaData.Version {
		merged.MetaData = cur.MetaData
	} else {
		mergedIndices := make(map[string]discoverystate.IndexMetadata, len(incoming.MetaData.Indices))
		for idx, incomingMeta := range incoming.MetaData.Indices {
			if curMeta, ok := cur.MetaData.Indices[idx]; ok && curMeta.Version == incomingMeta.Version {
				mergedIndices[idx] = curMeta
				continue
			}
			mergedIndices[idx] = incomingMeta
		}
		merged.MetaData.Indices = mergedIndices
	}
	return merged
}

func (f *Follower) handleMasterNotification(tr discoverystate.Transition) {
	_ = tr
	f.completeFirstSubmit()
	f.pendingPublishRequest = false
}

// handleQuorumCheck implements the periodic QuorumCheck. It returns true if
// a ClearState attempt should be scheduled.
func (f *Follower) handleQuorumCheck(ctx context.Context) bool {
	cur := f.voters.QuorumAvailable(f.substrate.State())
	needsClear := false
	if cur != f.quorumCheckLastResult {
		if !cur {
			needsClear = true
		} else {
			f.pendingPublishRequest = true
		}
	}
	if f.pendingPublishRequest {
		if master, ok := f.currentMaster(); ok && f.notifier != nil {
			_ = f.notifier.PleasePublishDiscoveryState(ctx, master, f.substrate.SelfAddress())
		}
	}
	f.quorumCheckLastResult = cur
	return needsClear
}

// tryClearState implements ClearState. It returns true on success or when
// quorum has since been regained (no longer needed); false means the caller
// should retry after retryClearStateDelay.
func (f *Follower) tryClearState(ctx context.Context) bool {
	if f.voters.QuorumAvailable(f.substrate.State()) {
		return true
	}
	self := membership.NewMember(f.substrate.SelfAddress(), f.substrate.SelfNodeID(), f.substrate.SelfRoles(), membership.StatusUp, 0)
	_, err := f.store.Submit(ctx, func(cur discoverystate.ClusterState) (discoverystate.ClusterState, error) {
		out := discoverystate.Empty()
		out.Version = cur.Version
		out.Nodes[self.NodeID] = self
		out = out.WithBlock(discoverystate.NoMasterBlock).WithBlock(discoverystate.StateNotRecoveredBlock)
		return out, nil
	}, "follower{clear-state}", discoverystate.Urgent)
	if err != nil {
		f.logger.Printf("follower: clear-state failed, retrying in %s: %v", retryClearStateDelay, err)
		return false
	}
	return true
}

func (f *Follower) completeFirstSubmit() {
	f.firstSubmitOnce.Do(func() { close(f.firstSubmit) })
}
