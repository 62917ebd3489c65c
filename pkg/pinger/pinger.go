// Package pinger implements the trivial reachability responder present on
// every node: answer each PingRequest with an affirmative PingOk or
// PingTimeout, and never with silence.
package pinger

import (
	"context"
	"net"
	"time"

	"github.com/eskka-go/discovery/pkg/membership"
)

// Outcome is the closed sum type of a ping reply.
type Outcome string

const (
	PingOk      Outcome = "ping_ok"
	PingTimeout Outcome = "ping_timeout"
	// PingUnresolved marks a voter's reply as not obtained at all — the RPC
	// to reach that voter's own Pinger failed (dial error, connection
	// refused, our own context deadline) rather than the voter completing
	// its probe and affirmatively declaring a timeout. Per spec.md
	// §4.2/§9, this is distinct from PingTimeout and MUST NOT count toward
	// a downing quorum: silence from the voter is not a vote.
	PingUnresolved Outcome = "ping_unresolved"
)

// ReqID identifies one in-flight request so a collector can correlate
// replies from many voters.
type ReqID string

// Request asks the local Pinger to probe target and report back to ReplyTo
// within Timeout.
type Request struct {
	ReqID   ReqID
	ReplyTo chan<- Response
	Target  membership.Address
	Timeout time.Duration
}

// Response is the affirmative reply to a Request. From identifies the
// responding voter so a collector can attribute votes.
type Response struct {
	ReqID   ReqID
	Outcome Outcome
	From    membership.Address
}

// ProbeFunc performs the actual liveness check against target, returning nil
// on success. It must respect ctx's deadline.
type ProbeFunc func(ctx context.Context, target membership.Address) error

// TCPProbe dials target over TCP as the application-level RTT check the spec
// allows as an equivalent to the substrate's own reachability primitive.
func TCPProbe(ctx context.Context, target membership.Address) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", target.String())
	if err != nil {
		return err
	}
	return conn.Close()
}

// Pinger answers Requests, one goroutine per in-flight probe, guaranteeing
// exactly one Response per Request regardless of probe outcome.
type Pinger struct {
	self    membership.Address
	probe   ProbeFunc
	reqs    chan Request
	stopped chan struct{}
}

// New constructs a Pinger bound to self (used to fill Response.From). probe
// defaults to TCPProbe when nil.
func New(self membership.Address, probe ProbeFunc) *Pinger {
	if probe == nil {
		probe = TCPProbe
	}
	return &Pinger{self: self, probe: probe, reqs: make(chan Request, 64), stopped: make(chan struct{})}
}

// Submit enqueues req for handling. It never blocks the caller beyond
// channel admission.
func (p *Pinger) Submit(req Request) {
	select {
	case p.reqs <- req:
	case <-p.stopped:
	}
}

// Run processes requests until ctx is done. Call it once, in its own
// goroutine.
func (p *Pinger) Run(ctx context.Context) {
	defer close(p.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.reqs:
			go p.handle(ctx, req)
		}
	}
}

func (p *Pinger) handle(ctx context.Context, req Request) {
	probeCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	outcome := PingOk
	if err := p.probe(probeCtx, req.Target); err != nil {
		outcome = PingTimeout
	}
	select {
	case req.ReplyTo <- Response{ReqID: req.ReqID, Outcome: outcome, From: p.self}:
	case <-ctx.Done():
	}
}
