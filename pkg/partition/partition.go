// Package partition implements the quorum-ping partition monitor: the
// component that decides, with affirmative evidence from a quorum of seed
// voters, when an unreachable peer must be forcibly downed.
package partition

import (
	"context"
	"log"
	"time"

	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
	"github.com/eskka-go/discovery/pkg/pinger"
)

// PingerClient reaches a registered voter's Pinger over the network. Unlike
// the local pinger.Pinger (which replies onto a Go channel), RequestPing is
// a synchronous round trip: it blocks until the remote Pinger's own
// affirmative PingOk/PingTimeout reply arrives, or ctx is done.
type PingerClient interface {
	// Identify performs a lightweight liveness probe against voter itself,
	// used to resolve its Pinger before registering it.
	Identify(ctx context.Context, voter membership.Address, timeout time.Duration) error
	// RequestPing asks voter's Pinger to probe target and returns its reply.
	RequestPing(ctx context.Context, voter, target membership.Address, timeout time.Duration) pinger.Response
}

type evalEntry struct {
	epoch  int
	cancel context.CancelFunc
}

// Monitor is the per-voter PartitionMonitor actor. It exists
// only on Voter members.
type Monitor struct {
	self        membership.Address
	voters      membership.VotingMembers
	substrate   gossip.Substrate
	client      PingerClient
	evalDelay   time.Duration
	pingTimeout time.Duration
	logger      *log.Logger

	inbox   chan func()
	stopped chan struct{}

	franchisedVoters map[membership.Address]struct{}
	registeredVoters map[membership.Address]struct{}
	unreachable      map[membership.Address]struct{}
	pendingEval      map[membership.Address]*evalEntry
	nextEpoch        int
}

// New constructs a Monitor. self is the local node's address.
func New(self membership.Address, voters membership.VotingMembers, substrate gossip.Substrate, client PingerClient, evalDelay, pingTimeout time.Duration, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		self:             self,
		voters:           voters,
		substrate:        substrate,
		client:           client,
		evalDelay:        evalDelay,
		pingTimeout:      pingTimeout,
		logger:           logger,
		inbox:            make(chan func(), 256),
		stopped:          make(chan struct{}),
		franchisedVoters: map[membership.Address]struct{}{},
		registeredVoters: map[membership.Address]struct{}{},
		unreachable:      map[membership.Address]struct{}{},
		pendingEval:      map[membership.Address]*evalEntry{},
	}
}

// Run processes the actor's mailbox until ctx is done. Call it once, in its
// own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

func (m *Monitor) post(fn func()) {
	select {
	case m.inbox <- fn:
	case <-m.stopped:
	}
}

// HandleEvent feeds one substrate event into the monitor.
func (m *Monitor) HandleEvent(ctx context.Context, e gossip.Event) {
	switch e.Type {
	case gossip.MemberUp:
		m.post(func() { m.handleMemberUp(ctx, e.Member) })
	case gossip.MemberExited, gossip.MemberRemoved:
		m.post(func() { m.handleMemberGone(e.Member) })
	case gossip.UnreachableMember:
		m.post(func() { m.handleUnreachable(ctx, e.Member) })
	case gossip.ReachableMember:
		m.post(func() { m.handleReachable(e.Member) })
	}
}

func (m *Monitor) handleMemberUp(ctx context.Context, member membership.Member) {
	if !m.voters.Contains(member.Address) {
		return
	}
	m.franchisedVoters[member.Address] = struct{}{}
	m.post(func() { m.handleEnrollVoter(ctx, member.Address) })
}

func (m *Monitor) handleEnrollVoter(ctx context.Context, addr membership.Address) {
	if _, ok := m.franchisedVoters[addr]; !ok {
		return
	}
	if _, ok := m.registeredVoters[addr]; ok {
		return
	}
	if m.client == nil {
		m.registeredVoters[addr] = struct{}{}
		return
	}
	go func() {
		probeCtx, cancel := context.WithTimeout(ctx, m.pingTimeout)
		defer cancel()
		err := m.client.Identify(probeCtx, addr, m.pingTimeout)
		m.post(func() {
			if err != nil {
				time.AfterFunc(m.evalDelay, func() { m.post(func() { m.handleEnrollVoter(ctx, addr) }) })
				return
			}
			m.registeredVoters[addr] = struct{}{}
		})
	}()
}

func (m *Monitor) handleMemberGone(member membership.Member) {
	delete(m.franchisedVoters, member.Address)
	delete(m.registeredVoters, member.Address)
	delete(m.unreachable, member.Address)
	if entry, ok := m.pendingEval[member.Address]; ok {
		entry.cancel()
		delete(m.pendingEval, member.Address)
	}
}

func (m *Monitor) handleUnreachable(ctx context.Context, member membership.Member) {
	if member.Status == membership.StatusDown || member.Status == membership.StatusExiting {
		return
	}
	m.unreachable[member.Address] = struct{}{}
	addr := member.Address
	time.AfterFunc(m.evalDelay, func() { m.post(func() { m.handleEvaluate(ctx, addr) }) })
}

func (m *Monitor) handleReachable(member membership.Member) {
	delete(m.unreachable, member.Address)
	if entry, ok := m.pendingEval[member.Address]; ok {
		entry.cancel()
		delete(m.pendingEval, member.Address)
	}
}

func (m *Monitor) handleEvaluate(ctx context.Context, addr membership.Address) {
	if _, stillUnreachable := m.unreachable[addr]; !stillUnreachable {
		return
	}
	if _, pending := m.pendingEval[addr]; pending {
		return
	}

	m.nextEpoch++
	epoch := m.nextEpoch
	evalCtx, cancel := context.WithCancel(ctx)
	m.pendingEval[addr] = &evalEntry{epoch: epoch, cancel: cancel}

	voters := make([]membership.Address, 0, len(m.registeredVoters))
	for v := range m.registeredVoters {
		voters = append(voters, v)
	}
	quorumSize := m.voters.QuorumSize()
	pingTimeout := m.pingTimeout

	go m.runEvaluation(evalCtx, addr, epoch, voters, pingTimeout, quorumSize)
}

type pingVote struct {
	voter   membership.Address
	outcome pinger.Outcome
}

func (m *Monitor) runEvaluation(ctx context.Context, target membership.Address, epoch int, voters []membership.Address, pingTimeout time.Duration, quorumSize int) {
	results := make(chan pingVote, len(voters))
	for _, voter := range voters {
		go func(voter membership.Address) {
			resp := m.client.RequestPing(ctx, voter, target, pingTimeout)
			select {
			case results <- pingVote{voter: voter, outcome: resp.Outcome}:
			case <-ctx.Done():
			}
		}(voter)
	}

	fudge := time.Duration(float64(pingTimeout) * 1.25)
	timer := time.NewTimer(fudge)
	defer timer.Stop()

	votes := map[membership.Address]pinger.Outcome{}
collect:
	for len(votes) < len(voters) {
		select {
		case v := <-results:
			votes[v.voter] = v.outcome
		case <-timer.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}

	timeouts := 0
	for _, outcome := range votes {
		if outcome == pinger.PingTimeout {
			timeouts++
		}
	}

	m.post(func() { m.handleEvaluateTimeout(ctx, target, epoch, timeouts, quorumSize) })
}

func (m *Monitor) handleEvaluateTimeout(ctx context.Context, addr membership.Address, epoch, timeouts, quorumSize int) {
	entry, ok := m.pendingEval[addr]
	if !ok || entry.epoch != epoch {
		return
	}
	delete(m.pendingEval, addr)
	delete(m.unreachable, addr)

	if timeouts >= quorumSize {
		m.logger.Printf("partition: down(%s): %d/%d voters affirmatively timed out", addr, timeouts, quorumSize)
		if err := m.substrate.Down(addr); err != nil {
			m.logger.Printf("partition: down(%s) failed: %v", addr, err)
		}
		return
	}

	m.unreachable[addr] = struct{}{}
	time.AfterFunc(m.evalDelay, func() { m.post(func() { m.handleEvaluate(ctx, addr) }) })
}
