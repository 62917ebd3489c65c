// Package memberlist implements pkg/gossip.Substrate on top of
// hashicorp/memberlist's SWIM-style gossip protocol.
package memberlist

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/eskka-go/discovery/pkg/gossip"
	"github.com/eskka-go/discovery/pkg/membership"
	hml "github.com/hashicorp/memberlist"
)

// Options configures the memberlist-backed substrate.
type Options struct {
	NodeID    membership.NodeID
	Bind      string
	Advertise string
	Roles     []membership.Role

	Logger *log.Logger

	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	SuspicionMult int

	// PollInterval governs how often node states are diffed to synthesize
	// UnreachableMember/ReachableMember events. Defaults to 1s.
	PollInterval time.Duration
}

type nodeMeta struct {
	NodeID membership.NodeID `json:"node_id"`
	Roles  []membership.Role `json:"roles"`
}

// impl is the memberlist-backed gossip.Substrate.
type impl struct {
	mu   sync.RWMutex
	opts Options
	ml   *hml.Memberlist

	evts   chan gossip.Event
	closed bool

	nextSeq   uint64
	seqByName map[string]uint64
	suspected map[string]bool
	downed    map[membership.Address]membership.NodeID
	selfAddr  membership.Address
}

// New constructs a memberlist-backed gossip.Substrate. The returned value
// satisfies both gossip.Substrate and gossip.HealthReporter.
func New(opts Options) (*impl, error) {
	if opts.NodeID == "" {
		return nil, fmt.Errorf("memberlist: empty NodeID")
	}
	if opts.Bind == "" {
		return nil, fmt.Errorf("memberlist: empty bind address")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &impl{
		opts:      opts,
		evts:      make(chan gossip.Event, 256),
		seqByName: make(map[string]uint64),
		suspected: make(map[string]bool),
		downed:    make(map[membership.Address]membership.NodeID),
	}, nil
}

func (m *impl) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.ml != nil {
		m.mu.Unlock()
		return nil
	}

	cfg := hml.DefaultLANConfig()
	cfg.Name = string(m.opts.NodeID)

	host, portStr, err := net.SplitHostPort(m.opts.Bind)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("memberlist: invalid bind address %q: %w", m.opts.Bind, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("memberlist: invalid bind port %q: %w", portStr, err)
	}
	cfg.BindAddr = host
	cfg.BindPort = port

	advHost, advPort := host, port
	if m.opts.Advertise != "" {
		ah, ap, err := net.SplitHostPort(m.opts.Advertise)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("memberlist: invalid advertise address %q: %w", m.opts.Advertise, err)
		}
		aport, err := strconv.Atoi(ap)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("memberlist: invalid advertise port %q: %w", ap, err)
		}
		cfg.AdvertiseAddr = ah
		cfg.AdvertisePort = aport
		advHost, advPort = ah, aport
	}
	m.selfAddr = membership.Address{Host: advHost, Port: advPort}

	if m.opts.ProbeInterval > 0 {
		cfg.ProbeInterval = m.opts.ProbeInterval
	}
	if m.opts.ProbeTimeout > 0 {
		cfg.ProbeTimeout = m.opts.ProbeTimeout
	}
	if m.opts.SuspicionMult > 0 {
		cfg.SuspicionMult = m.opts.SuspicionMult
	}
	cfg.Logger = m.opts.Logger

	cfg.Events = &eventDelegate{impl: m}
	meta, _ := json.Marshal(nodeMeta{NodeID: m.opts.NodeID, Roles: m.opts.Roles})
	cfg.Delegate = &nodeDelegate{meta: meta}
	m.mu.Unlock()

	// hml.Create delivers NotifyJoin for the local node synchronously, and
	// that callback takes m.mu, so the lock is not held across it.
	ml, err := hml.Create(cfg)
	if err != nil {
		return err
	}
	ln := ml.LocalNode()
	m.mu.Lock()
	m.ml = ml
	m.selfAddr = membership.Address{Host: ln.Addr.String(), Port: int(ln.Port)}
	m.mu.Unlock()

	go m.pollUnreachable(ctx)
	go func() {
		<-ctx.Done()
		_ = m.Stop()
	}()
	return nil
}

func (m *impl) Join(seeds []membership.Address) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	if len(seeds) == 0 {
		return nil
	}
	hostports := make([]string, 0, len(seeds))
	for _, s := range seeds {
		hostports = append(hostports, s.String())
	}
	_, err := ml.Join(hostports)
	return err
}

func (m *impl) SelfAddress() membership.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selfAddr
}
func (m *impl) SelfNodeID() membership.NodeID { return m.opts.NodeID }
func (m *impl) SelfRoles() []membership.Role  { return m.opts.Roles }

func (m *impl) State() []membership.Member {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return nil
	}
	nodes := ml.Members()
	out := make([]membership.Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, m.toMember(n))
	}
	return out
}

func (m *impl) Events() <-chan gossip.Event { return m.evts }

// Down unilaterally marks the member at addr Down (I5: absorbing until a
// restart regenerates its NodeID). memberlist exposes no remote
// forced-eviction primitive, so this is implemented locally: the node's
// current (Address, NodeID) pair is recorded as downed, toMember reports
// StatusDown for it from then on regardless of what memberlist's own
// Alive/Suspect/Dead state says, and the reachability poller stops emitting
// Unreachable/Reachable for it. The down record is cleared only when a node
// rejoins at the same address under a different NodeID — a genuine restart.
func (m *impl) Down(addr membership.Address) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return fmt.Errorf("memberlist: not started")
	}
	target := membership.Canonicalize(addr)
	for _, n := range ml.Members() {
		na := membership.Canonicalize(membership.Address{Host: n.Addr.String(), Port: int(n.Port)})
		if !na.Equal(target) {
			continue
		}
		mem := m.toMember(n)
		m.mu.Lock()
		m.downed[target] = mem.NodeID
		m.mu.Unlock()
		return nil
	}
	return fmt.Errorf("memberlist: no member at %s", addr)
}

// downedStatus reports the forced-down override for addr/nodeID, if any.
func (m *impl) downedStatus(addr membership.Address, nodeID membership.NodeID) (membership.Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	downedID, ok := m.downed[membership.Canonicalize(addr)]
	if !ok {
		return "", false
	}
	if downedID != nodeID {
		// Different NodeID at the same address: a genuine restart. The
		// caller is responsible for clearing the stale record.
		return "", false
	}
	return membership.StatusDown, true
}

// clearStaleDown drops a down record when a different NodeID reappears at
// the same address, per I5's "re-entry requires a restart".
func (m *impl) clearStaleDown(addr membership.Address, nodeID membership.NodeID) {
	target := membership.Canonicalize(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	if downedID, ok := m.downed[target]; ok && downedID != nodeID {
		delete(m.downed, target)
	}
}

func (m *impl) Leave(ctx context.Context) error {
	m.mu.RLock()
	ml := m.ml
	m.mu.RUnlock()
	if ml == nil {
		return nil
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 && d < timeout {
			timeout = d
		}
	}
	return ml.Leave(timeout)
}

func (m *impl) Stop() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ml := m.ml
	m.ml = nil
	m.mu.Unlock()

	if ml != nil {
		_ = ml.Shutdown()
	}
	close(m.evts)
	return nil
}

// HealthScore implements gossip.HealthReporter.
func (m *impl) HealthScore() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.ml == nil {
		return -1
	}
	return m.ml.GetHealthScore()
}

func (m *impl) toMember(n *hml.Node) membership.Member {
	meta := nodeMeta{}
	if len(n.Meta) > 0 {
		_ = json.Unmarshal(n.Meta, &meta)
	}
	nodeID := meta.NodeID
	if nodeID == "" {
		nodeID = membership.NodeID(n.Name)
	}
	addr := membership.Address{Host: n.Addr.String(), Port: int(n.Port)}
	status := membership.StatusUp
	switch n.State {
	case hml.StateLeft:
		status = membership.StatusRemoved
	case hml.StateDead:
		status = membership.StatusDown
	}
	if down, ok := m.downedStatus(addr, nodeID); ok {
		status = down
	}
	return membership.NewMember(
		addr,
		nodeID,
		meta.Roles,
		status,
		m.seqFor(n.Name),
	)
}

// seqFor assigns a stable, monotonically increasing local sequence number the
// first time a node name is observed. Used for I1's "oldest" tie-break.
func (m *impl) seqFor(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq, ok := m.seqByName[name]; ok {
		return seq
	}
	m.nextSeq++
	m.seqByName[name] = m.nextSeq
	return m.nextSeq
}

func (m *impl) emit(e gossip.Event) {
	defer func() { recover() }()
	select {
	case m.evts <- e:
	default:
		m.opts.Logger.Printf("memberlist: dropping event %s for %s: subscriber channel full", e.Type, e.Member.NodeID)
	}
}

// pollUnreachable diffs memberlist's internal Suspect/Alive node states on a
// timer and synthesizes UnreachableMember/ReachableMember events. memberlist's
// EventDelegate only calls NotifyJoin/NotifyLeave/NotifyUpdate — there is no
// native "suspect" notification — so this is the only way to surface
// reachability transitions to subscribers.
func (m *impl) pollUnreachable(ctx context.Context) {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			ml := m.ml
			m.mu.RUnlock()
			if ml == nil {
				return
			}
			for _, n := range ml.Members() {
				mem := m.toMember(n)
				if mem.Status == membership.StatusDown {
					// Absorbing: a forced-down node no longer flaps
					// Unreachable/Reachable; it is already terminal.
					continue
				}
				m.mu.Lock()
				was := m.suspected[n.Name]
				is := n.State == hml.StateSuspect
				if is != was {
					m.suspected[n.Name] = is
				}
				m.mu.Unlock()
				if is && !was {
					m.emit(gossip.Event{Type: gossip.UnreachableMember, Member: mem, At: time.Now()})
				} else if was && !is {
					m.emit(gossip.Event{Type: gossip.ReachableMember, Member: mem, At: time.Now()})
				}
			}
		}
	}
}

// eventDelegate adapts memberlist's join/leave/update callbacks to
// gossip.Event values.
type eventDelegate struct{ impl *impl }

func (d *eventDelegate) NotifyJoin(n *hml.Node) {
	if n == nil {
		return
	}
	mem := d.impl.toMember(n)
	d.impl.clearStaleDown(mem.Address, mem.NodeID)
	d.impl.emit(gossip.Event{Type: gossip.MemberUp, Member: mem, At: time.Now()})
}

func (d *eventDelegate) NotifyLeave(n *hml.Node) {
	if n == nil {
		return
	}
	mem := d.impl.toMember(n)
	typ := gossip.MemberRemoved
	if n.State == hml.StateLeft {
		typ = gossip.MemberExited
	}
	d.impl.emit(gossip.Event{Type: typ, Member: mem, At: time.Now()})
}

func (d *eventDelegate) NotifyUpdate(n *hml.Node) {
	if n == nil {
		return
	}
	mem := d.impl.toMember(n)
	d.impl.clearStaleDown(mem.Address, mem.NodeID)
	d.impl.emit(gossip.Event{Type: gossip.MemberUp, Member: mem, At: time.Now()})
}

// nodeDelegate propagates static per-node metadata (node ID, roles) via
// memberlist's alive-message gossip path. It carries no application state.
type nodeDelegate struct{ meta []byte }

func (d *nodeDelegate) NodeMeta(limit int) []byte {
	if len(d.meta) <= limit {
		return d.meta
	}
	if limit <= 0 {
		return nil
	}
	return d.meta[:limit]
}

func (d *nodeDelegate) NotifyMsg([]byte)                       {}
func (d *nodeDelegate) GetBroadcasts(int, int) [][]byte        { return nil }
func (d *nodeDelegate) LocalState(join bool) []byte            { return nil }
func (d *nodeDelegate) MergeRemoteState(buf []byte, join bool) {}
