// Package master implements the leader-singleton publish pipeline: the
// current master serializes state updates and broadcasts the outcome to
// every other member.
package master

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/eskka-go/discovery/pkg/discoverystate"
	"github.com/eskka-go/discovery/pkg/follower"
	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
)

const defaultPublishTimeout = 60 * time.Second

// AckListener is invoked once per non-master recipient with either a
// successful or failed/timed-out outcome (P5: ack completeness).
type AckListener func(node membership.NodeID, err error)

// FollowerClient delivers FollowerPublish RPCs to a remote member.
type FollowerClient interface {
	FollowerPublish(ctx context.Context, target membership.Address, masterNodeID membership.NodeID, version uint64, data []byte) follower.Ack
}

// PublishReq is a publish request from the host.
type PublishReq struct {
	State    discoverystate.ClusterState
	Listener AckListener
	// Timeout overrides defaultPublishTimeout when non-zero.
	Timeout time.Duration

	done chan struct{}
}

type pleasePublishReq struct {
	requester membership.Address
}

// Master is the singleton actor present on the current leader.
type Master struct {
	substrate     gossip.Substrate
	store         *discoverystate.Store
	codec         discoverystate.Codec
	client        FollowerClient
	localFollower *follower.Follower
	logger        *log.Logger

	publishCh       chan PublishReq
	pleasePublishCh chan pleasePublishReq

	mu      sync.Mutex
	handler *responseHandler
}

// New constructs a Master. localFollower, if non-nil, is notified via
// LocalMasterPublishNotification after every successful local apply.
func New(substrate gossip.Substrate, store *discoverystate.Store, client FollowerClient, localFollower *follower.Follower, logger *log.Logger) *Master {
	if logger == nil {
		logger = log.Default()
	}
	return &Master{
		substrate:       substrate,
		store:           store,
		client:          client,
		localFollower:   localFollower,
		logger:          logger,
		publishCh:       make(chan PublishReq, 8),
		pleasePublishCh: make(chan pleasePublishReq, 32),
	}
}

// Publish implements PublishReq handling. It
// blocks until the local application completes (success or failure); the
// broadcast to followers and ack bookkeeping continue asynchronously.
func (m *Master) Publish(ctx context.Context, state discoverystate.ClusterState, listener AckListener, timeout time.Duration) error {
	req := PublishReq{State: state, Listener: listener, Timeout: timeout, done: make(chan struct{})}
	select {
	case m.publishCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PleasePublishDiscoveryState implements the single-target republish a
// Follower requests after regaining quorum.
func (m *Master) PleasePublishDiscoveryState(requester membership.Address) {
	select {
	case m.pleasePublishCh <- pleasePublishReq{requester: requester}:
	default:
		m.logger.Printf("master: dropping please-publish from %s, channel full", requester)
	}
}

// Run drives the Master's message loop until ctx is done.
func (m *Master) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.publishCh:
			m.handlePublish(ctx, req)
		case req := <-m.pleasePublishCh:
			m.handlePleasePublish(ctx, req)
		}
	}
}

func (m *Master) handlePublish(ctx context.Context, req PublishReq) {
	self := m.substrate.SelfNodeID()
	state := req.State
	state.MasterNodeID = self

	recipients := nonMasterMembers(state, self)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	h := newResponseHandler(recipients, req.Listener, timeout, m.logger)
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	go h.run(ctx)

	tr, err := m.store.Submit(ctx, func(discoverystate.ClusterState) (discoverystate.ClusterState, error) {
		return state, nil
	}, "master{local-publish}", discoverystate.Urgent)
	close(req.done)
	if err != nil {
		m.logger.Printf("master: local apply failed: %v", err)
		return
	}
	if m.localFollower != nil {
		m.localFollower.NotifyLocalPublish(tr)
	}

	data, err := m.codec.Encode(state)
	if err != nil {
		m.logger.Printf("master: encode failed: %v", err)
		return
	}
	for _, member := range recipients {
		go m.broadcastOne(ctx, h, member, state.Version, data)
	}
}

func (m *Master) broadcastOne(ctx context.Context, h *responseHandler, target membership.Member, version uint64, data []byte) {
	if m.client == nil {
		h.record(target.NodeID, nil)
		return
	}
	ack := m.client.FollowerPublish(ctx, target.Address, m.substrate.SelfNodeID(), version, data)
	h.record(target.NodeID, ack.Err)
}

func (m *Master) handlePleasePublish(ctx context.Context, req pleasePublishReq) {
	state := m.store.Snapshot()
	data, err := m.codec.Encode(state)
	if err != nil {
		m.logger.Printf("master: please-publish encode failed: %v", err)
		return
	}
	if m.client == nil {
		return
	}
	for _, member := range m.substrate.State() {
		if member.Address.Equal(req.requester) {
			go func() {
				ack := m.client.FollowerPublish(ctx, member.Address, m.substrate.SelfNodeID(), state.Version, data)
				if ack.Err != nil {
					m.logger.Printf("master: please-publish to %s failed: %v", req.requester, ack.Err)
				}
			}()
			return
		}
	}
}

func nonMasterMembers(state discoverystate.ClusterState, self membership.NodeID) []membership.Member {
	out := make([]membership.Member, 0, len(state.Nodes))
	for id, m := range state.Nodes {
		if id == self {
			continue
		}
		out = append(out, m)
	}
	return out
}
