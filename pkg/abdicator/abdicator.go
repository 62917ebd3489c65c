// Package abdicator implements the sustained-quorum-loss reaction: when this
// node's own view of the cluster loses quorum for longer than a short
// observation window, the only supported recovery is a clean local restart.
package abdicator

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
)

// RestartHook recreates the whole local discovery instance from scratch. It
// is the only supported recovery from persistent quorum loss.
type RestartHook func(ctx context.Context)

// DefaultObservationWindow is how long quorum must stay unavailable, measured
// from the most recent quorum-loss edge, before Abdicator acts.
const DefaultObservationWindow = 5 * time.Second

const (
	minBackoff         = time.Second
	maxBackoff         = 30 * time.Second
	healthyResetPeriod = 5 * time.Minute
)

// Abdicator watches membership events, derives quorumAvailable continuously,
// and restarts the local subsystem on sustained quorum loss.
type Abdicator struct {
	substrate gossip.Substrate
	voters    membership.VotingMembers
	hook      RestartHook
	logger    *log.Logger

	rng               *rand.Rand
	observationWindow time.Duration

	lastQuorumAvailable bool
	lossEdge            time.Time
	hasLossEdge         bool
	lastHealthyAt       time.Time
	attempt             int

	inbox   chan gossip.Event
	stopped chan struct{}
}

// New constructs an Abdicator. observationWindow of 0 defaults to
// DefaultObservationWindow. rngSeed pins the jitter source so tests are
// deterministic; pass 0 for a time-derived seed.
func New(substrate gossip.Substrate, voters membership.VotingMembers, hook RestartHook, observationWindow time.Duration, rngSeed int64, logger *log.Logger) *Abdicator {
	if logger == nil {
		logger = log.Default()
	}
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	if observationWindow <= 0 {
		observationWindow = DefaultObservationWindow
	}
	return &Abdicator{
		substrate:           substrate,
		voters:              voters,
		hook:                hook,
		logger:              logger,
		rng:                 rand.New(rand.NewSource(rngSeed)),
		observationWindow:   observationWindow,
		lastQuorumAvailable: true,
		lastHealthyAt:       time.Now(),
		inbox:               make(chan gossip.Event, 64),
		stopped:             make(chan struct{}),
	}
}

// HandleEvent feeds a substrate event in. Non-blocking beyond mailbox
// admission.
func (a *Abdicator) HandleEvent(e gossip.Event) {
	select {
	case a.inbox <- e:
	case <-a.stopped:
	}
}

// Run drives the observation loop until ctx is done.
func (a *Abdicator) Run(ctx context.Context) {
	defer close(a.stopped)
	ticker := time.NewTicker(a.observationWindow / 5)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.inbox:
			a.evaluate(ctx)
		case <-ticker.C:
			a.evaluate(ctx)
		}
	}
}

func (a *Abdicator) evaluate(ctx context.Context) {
	cur := a.voters.QuorumAvailable(a.substrate.State())
	now := time.Now()

	if cur {
		// lastHealthyAt marks the start of the current healthy stretch.
		if !a.lastQuorumAvailable {
			a.lastHealthyAt = now
		}
		a.lastQuorumAvailable = true
		a.hasLossEdge = false
		if now.Sub(a.lastHealthyAt) >= healthyResetPeriod {
			a.attempt = 0
		}
		return
	}

	if a.lastQuorumAvailable {
		a.lossEdge = now
		a.hasLossEdge = true
	}
	a.lastQuorumAvailable = false

	if !a.hasLossEdge || now.Sub(a.lossEdge) < a.observationWindow {
		return
	}

	a.restart(ctx)
	a.hasLossEdge = false
}

func (a *Abdicator) restart(ctx context.Context) {
	delay := a.backoff()
	a.logger.Printf("abdicator: sustained quorum loss, restarting in %s (attempt %d)", delay, a.attempt)
	a.attempt++
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}
	if a.hook != nil {
		a.hook(ctx)
	}
}

// backoff computes a bounded exponential delay with full jitter, so repeated
// abdications under a sustained partition don't hammer the restart hook.
func (a *Abdicator) backoff() time.Duration {
	exp := minBackoff << a.attempt
	if exp <= 0 || exp > maxBackoff {
		exp = maxBackoff
	}
	return time.Duration(a.rng.Int63n(int64(exp)-int64(minBackoff)+1)) + minBackoff
}
