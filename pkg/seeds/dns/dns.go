// Package dns resolves the discovery.eskka.seed_nodes list from SRV or
// A/AAAA records instead of a literal comma-separated list, for
// deployments where seed addresses aren't known until the orchestrator
// schedules the pods/containers.
package dns

import (
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/eskka-go/discovery/pkg/seeds"
)

// Options configures DNS-based seed discovery.
type Options struct {
	// Names are SRV records or hostnames to resolve.
	// Examples: "_cluster._tcp.example.com" (SRV) or "node1.example.com" (A/AAAA).
	Names []string

	// Port used when resolving A/AAAA records (no port info in DNS answer).
	Port int

	// Refresh controls cache staleness; if zero, defaults to 5s.
	Refresh time.Duration

	// Nameserver overrides the resolver's "host:port"; if empty, the first
	// server in /etc/resolv.conf is used.
	Nameserver string

	// Timeout bounds a single DNS exchange; defaults to 2s.
	Timeout time.Duration

	// Logger optional.
	Logger *log.Logger
}

type impl struct {
	opts Options
	dc   *dns.Client

	mu    sync.Mutex
	last  time.Time
	cache []string
}

// New returns a DNS-backed Source that resolves SRV and A/AAAA names via a
// raw DNS exchange (github.com/miekg/dns), caching results for Refresh.
func New(opts Options) seeds.Source {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 7946
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &impl{
		opts: opts,
		dc:   &dns.Client{Timeout: opts.Timeout},
	}
}

func (d *impl) Seeds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
		return append([]string(nil), d.cache...)
	}
	res := d.resolveAll()
	d.cache = res
	d.last = time.Now()
	return append([]string(nil), d.cache...)
}

func (d *impl) resolveAll() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(hp string) {
		if _, ok := seen[hp]; !ok {
			out = append(out, hp)
			seen[hp] = struct{}{}
		}
	}
	for _, name := range d.opts.Names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
			add(name)
			continue
		}
		if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
			if recs := d.lookupSRV(name); len(recs) > 0 {
				for _, hp := range recs {
					add(hp)
				}
				continue
			}
		}
		for _, hp := range d.lookupHost(name, d.opts.Port) {
			add(hp)
		}
	}
	sort.Strings(out)
	return out
}

// nameserver resolves the "host:port" of the resolver to query, preferring
// Options.Nameserver and falling back to the first entry in resolv.conf.
func (d *impl) nameserver() (string, bool) {
	if d.opts.Nameserver != "" {
		return d.opts.Nameserver, true
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		return "", false
	}
	return net.JoinHostPort(cfg.Servers[0], cfg.Port), true
}

func (d *impl) exchange(m *dns.Msg) (*dns.Msg, error) {
	ns, ok := d.nameserver()
	if !ok {
		return nil, errNoResolver
	}
	resp, _, err := d.dc.Exchange(m, ns)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil, errNoAnswer
	}
	return resp, nil
}

func (d *impl) lookupSRV(fqdn string) []string {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" || proto == "" || domain == "" {
		return nil
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(fqdn), dns.TypeSRV)
	m.RecursionDesired = true
	resp, err := d.exchange(m)
	if err != nil {
		d.logf("srv lookup %s: %v", fqdn, err)
		return nil
	}
	var out []string
	for _, rr := range resp.Answer {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			continue
		}
		host := strings.TrimSuffix(srv.Target, ".")
		// SRV targets are names, not addresses; resolve them to IPs using
		// the same additional-section glue when present, else a follow-up
		// A/AAAA query.
		if ips := d.glueFor(resp, srv.Target); len(ips) > 0 {
			for _, ip := range ips {
				out = append(out, net.JoinHostPort(ip, strconv.Itoa(int(srv.Port))))
			}
			continue
		}
		for _, hp := range d.lookupHost(host, int(srv.Port)) {
			out = append(out, hp)
		}
	}
	return out
}

func (d *impl) glueFor(resp *dns.Msg, target string) []string {
	var ips []string
	for _, rr := range resp.Extra {
		switch a := rr.(type) {
		case *dns.A:
			if strings.EqualFold(a.Hdr.Name, target) {
				ips = append(ips, a.A.String())
			}
		case *dns.AAAA:
			if strings.EqualFold(a.Hdr.Name, target) {
				ips = append(ips, a.AAAA.String())
			}
		}
	}
	return ips
}

func (d *impl) lookupHost(host string, port int) []string {
	var out []string
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true
		resp, err := d.exchange(m)
		if err != nil {
			continue
		}
		for _, rr := range resp.Answer {
			switch a := rr.(type) {
			case *dns.A:
				out = append(out, net.JoinHostPort(a.A.String(), strconv.Itoa(port)))
			case *dns.AAAA:
				out = append(out, net.JoinHostPort(a.AAAA.String(), strconv.Itoa(port)))
			}
		}
	}
	if len(out) > 0 {
		return out
	}
	// No resolv.conf, no raw answer (common in sandboxes and for names
	// only present in /etc/hosts, e.g. "localhost"): fall back to the
	// system resolver, which miekg/dns deliberately doesn't replace.
	ips, err := net.LookupHost(host)
	if err != nil {
		d.logf("lookup %s: %v", host, err)
		return nil
	}
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
	}
	return out
}

func (d *impl) logf(format string, args ...interface{}) {
	if d.opts.Logger != nil {
		d.opts.Logger.Printf(format, args...)
	}
}

func parseSRVName(fqdn string) (service, proto, name string) {
	// Expect pattern: _service._proto.name
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	s := strings.TrimPrefix(parts[0], "_")
	p := strings.TrimPrefix(parts[1], "_")
	n := parts[2]
	return s, p, n
}

type dnsErr string

func (e dnsErr) Error() string { return string(e) }

const (
	errNoResolver = dnsErr("no dns resolver configured")
	errNoAnswer   = dnsErr("dns query failed")
)
