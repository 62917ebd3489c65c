package discovery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eskka-go/discovery/pkg/abdicator"
	"github.com/eskka-go/discovery/pkg/discoverystate"
	"github.com/eskka-go/discovery/pkg/follower"
	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/internal/logutil"
	"github.com/eskka-go/discovery/pkg/master"
	"github.com/eskka-go/discovery/pkg/membership"
	obsmetrics "github.com/eskka-go/discovery/pkg/observability/metrics"
	"github.com/eskka-go/discovery/pkg/observability/tracing"
	"github.com/eskka-go/discovery/pkg/partition"
	"github.com/eskka-go/discovery/pkg/pinger"
)

const (
	startupJitterMin = 15 * time.Second
	startupJitterMax = 45 * time.Second
	leaveTimeout     = 4 * time.Second
	stopTimeout      = 1 * time.Second
	watchInterval    = 250 * time.Millisecond
)

// Facade is the embeddable discovery runtime: it owns the gossip substrate,
// the quorum-aware publish pipeline, deterministic leader election, and
// partition downing behind a small Start/Stop/Publish/Subscribe API.
type Facade struct {
	opts   Options
	voters membership.VotingMembers
	store  *discoverystate.Store
	events <-chan gossip.Event

	pinger    *pinger.Pinger
	follower  *follower.Follower
	partition *partition.Monitor // nil when self is not a voter
	abdicator *abdicator.Abdicator

	masterMu      sync.RWMutex
	masterImpl    *master.Master
	masterCancel  context.CancelFunc
	currentLeader membership.NodeID
	hasLeader     bool

	eb eventBus

	live    atomic.Bool
	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Facade from validated Options. It performs no network
// activity; call Start to launch the node.
func New(opts Options) (*Facade, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Facade{
		opts:   opts,
		voters: membership.NewVotingMembers(opts.SeedAddresses),
		store:  discoverystate.NewStore(discoverystate.Empty()),
	}, nil
}

// Close is a convenience alias for Stop with a background context.
func (f *Facade) Close() error { return f.Stop(context.Background()) }

// Start implements the startup sequence: construct VotingMembers
// (done in New), join the substrate, wait for MemberUp(self) within a
// jittered startup timeout, then instantiate the core actors and begin the
// dispatch loop.
func (f *Facade) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()

	obsmetrics.Register()

	if f.voters.Len() < 3 {
		logutil.Warnf(f.opts.Logger, "fewer than 3 seed voters configured (%d); partition tolerance is reduced", f.voters.Len())
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	f.wg.Add(1)
	go func() { defer f.wg.Done(); f.store.Run(runCtx) }()

	if err := f.opts.Substrate.Start(runCtx); err != nil {
		cancel()
		return err
	}
	f.events = f.opts.Substrate.Events()
	if err := f.opts.Substrate.Join(f.opts.SeedAddresses); err != nil {
		logutil.Warnf(f.opts.Logger, "initial substrate join failed, will rely on retries: %v", err)
	}

	buffered, err := f.awaitSelfUp(runCtx)
	if err != nil {
		cancel()
		if f.opts.RestartHook != nil {
			go f.opts.RestartHook(ctx)
		}
		return err
	}

	self := f.opts.Substrate.SelfAddress()
	f.pinger = pinger.New(self, nil)
	f.follower = follower.New(f.opts.Substrate, f.voters, f.store, f.opts.MasterNotifier, f.currentMasterAddress, f.opts.Logger)
	if f.voters.Contains(self) {
		f.partition = partition.New(self, f.voters, f.opts.Substrate, f.opts.PingerClient, f.opts.EvalDelay, f.opts.PingTimeout, f.opts.Logger)
	}
	restartHook := f.opts.RestartHook
	if restartHook == nil {
		restartHook = func(context.Context) { logutil.Warnf(f.opts.Logger, "abdicator restart triggered with no RestartHook configured") }
	}
	f.abdicator = abdicator.New(f.opts.Substrate, f.voters, restartHook, 0, time.Now().UnixNano(), f.opts.Logger)

	for _, e := range buffered {
		if f.partition != nil {
			f.partition.HandleEvent(runCtx, e)
		}
		f.abdicator.HandleEvent(e)
	}

	f.wg.Add(1)
	go func() { defer f.wg.Done(); f.pinger.Run(runCtx) }()
	f.wg.Add(1)
	go func() { defer f.wg.Done(); f.follower.Run(runCtx) }()
	if f.partition != nil {
		f.wg.Add(1)
		go func() { defer f.wg.Done(); f.partition.Run(runCtx) }()
	}
	f.wg.Add(1)
	go func() { defer f.wg.Done(); f.abdicator.Run(runCtx) }()
	f.wg.Add(1)
	go func() { defer f.wg.Done(); f.watchLoop(runCtx) }()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		select {
		case <-f.follower.FirstSubmit():
			f.eb.publish(Event{Type: EventFirstSubmit, At: time.Now()})
		case <-runCtx.Done():
		}
	}()

	f.live.Store(true)
	logutil.Infof(f.opts.Logger, "discovery started: node=%s self=%s voters=%d", f.opts.NodeID, self, f.voters.Len())
	return nil
}

// awaitSelfUp blocks until a MemberUp event for this node arrives, or the
// jittered [15s, 45s] startup timeout expires. Every event observed in the
// meantime is returned so the caller can replay it into the actors once
// they exist, instead of silently dropping the substrate's initial burst.
func (f *Facade) awaitSelfUp(ctx context.Context) ([]gossip.Event, error) {
	self := f.opts.Substrate.SelfNodeID()
	jitter := startupJitterMin + time.Duration(rand.Int63n(int64(startupJitterMax-startupJitterMin)))
	timer := time.NewTimer(jitter)
	defer timer.Stop()

	var buffered []gossip.Event
	for {
		select {
		case <-ctx.Done():
			return buffered, ctx.Err()
		case <-timer.C:
			return buffered, ErrStartupTimeout
		case e, ok := <-f.events:
			if !ok {
				return buffered, errors.New("discovery: substrate event stream closed before startup completed")
			}
			buffered = append(buffered, e)
			if e.Type == gossip.MemberUp && e.Member.NodeID == self {
				return buffered, nil
			}
		}
	}
}

// watchLoop is the Facade's own actor: it fans substrate events out to the
// PartitionMonitor and Abdicator, and on a ticker recomputes leadership and
// diffs membership status for app-facing events.
func (f *Facade) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	prevStatus := make(map[membership.NodeID]membership.Status)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-f.events:
			if !ok {
				return
			}
			if f.partition != nil {
				f.partition.HandleEvent(ctx, e)
			}
			f.abdicator.HandleEvent(e)
			f.emitMembershipEvent(e)
		case <-ticker.C:
			f.tick(ctx, prevStatus)
		}
	}
}

func (f *Facade) emitMembershipEvent(e gossip.Event) {
	m := e.Member
	switch e.Type {
	case gossip.MemberUp:
		f.eb.publish(Event{Type: EventMemberJoin, At: e.At, Member: &m})
	case gossip.MemberExited, gossip.MemberRemoved:
		f.eb.publish(Event{Type: EventMemberLeave, At: e.At, Member: &m})
	}
}

func (f *Facade) tick(ctx context.Context, prevStatus map[membership.NodeID]membership.Status) {
	state := f.opts.Substrate.State()

	obsmetrics.ClusterMembers.Set(float64(len(state)))
	obsmetrics.QuorumAvailable.Set(boolToFloat(f.voters.QuorumAvailable(state)))

	for _, m := range state {
		prev, seen := prevStatus[m.NodeID]
		prevStatus[m.NodeID] = m.Status
		if seen && prev != membership.StatusDown && m.Status == membership.StatusDown {
			obsmetrics.NodesDownedTotal.Inc()
			mc := m
			f.eb.publish(Event{Type: EventNodeDowned, At: time.Now(), Member: &mc})
		}
	}

	oldest, ok := membership.Oldest(state)
	f.masterMu.RLock()
	hadLeader, curLeader := f.hasLeader, f.currentLeader
	f.masterMu.RUnlock()

	switch {
	case ok && curLeader != oldest.NodeID:
		if hadLeader {
			obsmetrics.LeaderChanges.Inc()
		}
		f.becomeOrYieldMaster(ctx, oldest.NodeID == f.opts.Substrate.SelfNodeID())
		f.setLeader(oldest.NodeID, true)
		f.eb.publish(Event{Type: EventLeaderChanged, At: time.Now(), Leader: oldest.NodeID})
		if hadLeader {
			f.eb.publish(Event{Type: EventElectionEnd, At: time.Now(), Leader: oldest.NodeID})
		}
	case !ok && hadLeader:
		f.setLeader("", false)
		f.becomeOrYieldMaster(ctx, false)
		f.eb.publish(Event{Type: EventElectionStart, At: time.Now()})
	}

	if ok && oldest.NodeID == f.opts.Substrate.SelfNodeID() {
		obsmetrics.IsLeader.Set(1)
	} else {
		obsmetrics.IsLeader.Set(0)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (f *Facade) setLeader(id membership.NodeID, has bool) {
	f.masterMu.Lock()
	f.currentLeader, f.hasLeader = id, has
	f.masterMu.Unlock()
}

// becomeOrYieldMaster implements the leader-singleton mechanism:
// exactly one Master actor runs at a time, on whichever node
// is currently Oldest() among master-eligible members.
func (f *Facade) becomeOrYieldMaster(parent context.Context, isSelf bool) {
	f.masterMu.Lock()
	defer f.masterMu.Unlock()
	if isSelf {
		if f.masterImpl != nil {
			return
		}
		mctx, cancel := context.WithCancel(parent)
		f.masterImpl = master.New(f.opts.Substrate, f.store, f.opts.FollowerClient, f.follower, f.opts.Logger)
		f.masterCancel = cancel
		f.wg.Add(1)
		go func() { defer f.wg.Done(); f.masterImpl.Run(mctx) }()
		logutil.Infof(f.opts.Logger, "elected master")
		return
	}
	if f.masterImpl == nil {
		return
	}
	f.masterCancel()
	f.masterImpl = nil
	f.masterCancel = nil
	logutil.Infof(f.opts.Logger, "yielded master role")
}

func (f *Facade) currentMasterAddress() (membership.Address, bool) {
	oldest, ok := membership.Oldest(f.opts.Substrate.State())
	if !ok {
		return membership.Address{}, false
	}
	return oldest.Address, true
}

// Publish submits a new ClusterState for distribution. Only the current
// master may publish; followers get ErrNotLeader.
func (f *Facade) Publish(ctx context.Context, state discoverystate.ClusterState, listener master.AckListener, timeout time.Duration) error {
	ctx, end := tracing.StartSpan(ctx, "discovery.publish")
	defer end()
	f.masterMu.RLock()
	m := f.masterImpl
	f.masterMu.RUnlock()
	if m == nil {
		return ErrNotLeader
	}
	if timeout <= 0 {
		timeout = f.opts.PublishTimeout
	}
	return m.Publish(ctx, state, listener, timeout)
}

// FollowerPublish is the server-side handler for a remote FollowerPublish
// RPC, delegating to the local Follower actor.
func (f *Facade) FollowerPublish(ctx context.Context, masterNodeID membership.NodeID, version uint64, data []byte) follower.Ack {
	return f.follower.Publish(ctx, masterNodeID, version, data)
}

// PleasePublishDiscoveryState is the server-side handler for a remote
// PleasePublishDiscoveryState RPC. It is a no-op when this node is not
// currently the master.
func (f *Facade) PleasePublishDiscoveryState(requester membership.Address) {
	f.masterMu.RLock()
	m := f.masterImpl
	f.masterMu.RUnlock()
	if m != nil {
		m.PleasePublishDiscoveryState(requester)
	}
}

// Identify answers a liveness probe with this node's NodeID.
func (f *Facade) Identify() membership.NodeID {
	return f.opts.Substrate.SelfNodeID()
}

// RequestPing asks the local Pinger to probe target and blocks for its
// affirmative reply (never silence) or ctx cancellation.
func (f *Facade) RequestPing(ctx context.Context, reqID pinger.ReqID, target membership.Address, timeout time.Duration) (pinger.Response, error) {
	reply := make(chan pinger.Response, 1)
	f.pinger.Submit(pinger.Request{ReqID: reqID, ReplyTo: reply, Target: target, Timeout: timeout})
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return pinger.Response{}, ctx.Err()
	}
}

// Subscribe is implemented in events.go.

// Status returns a JSON-serializable snapshot of this node's view.
func (f *Facade) Status(ctx context.Context) (*Status, error) {
	state := f.opts.Substrate.State()
	var warnings []string
	if f.voters.Len() < 3 {
		warnings = append(warnings, "fewer than 3 seed voters configured")
	}
	f.masterMu.RLock()
	leader, hasLeader := f.currentLeader, f.hasLeader
	f.masterMu.RUnlock()
	if !hasLeader {
		leader = ""
	}
	return &Status{
		Live:            f.live.Load(),
		QuorumAvailable: f.voters.QuorumAvailable(state),
		LeaderID:        leader,
		StateVersion:    f.store.Snapshot().Version,
		Members:         state,
		Warnings:        warnings,
	}, nil
}

// Leave instructs the substrate to
// gracefully leave, awaiting MemberRemoved(self) up to 4s. The timeout is
// logged and swallowed; Leave is idempotent.
func (f *Facade) Leave(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, leaveTimeout)
	defer cancel()
	if err := f.opts.Substrate.Leave(lctx); err != nil {
		logutil.Warnf(f.opts.Logger, "leave: %v (ignored)", err)
	}
	return nil
}

// Stop leaves, then terminates
// the substrate and every actor, awaiting termination up to 1s. Both
// timeouts are logged and swallowed; Stop is idempotent.
func (f *Facade) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	_ = f.Leave(ctx)

	sctx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()
	if f.cancel != nil {
		f.cancel()
	}
	if f.opts.Substrate != nil {
		if err := f.opts.Substrate.Stop(); err != nil {
			logutil.Warnf(f.opts.Logger, "substrate stop: %v (ignored)", err)
		}
	}
	done := make(chan struct{})
	go func() { f.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-sctx.Done():
		logutil.Warnf(f.opts.Logger, "shutdown: timed out waiting for actors to stop")
	}
	f.live.Store(false)
	return nil
}
