// Package bootstrap assembles a discovery.Facade from a flat Config
// structure: it resolves seeds, wires the gossip substrate and the
// FollowerClient/Notifier/PingerClient adapters over a chosen RPC
// transport, and returns a ready-to-Start Facade.
package bootstrap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/eskka-go/discovery/pkg/discovery"
	"github.com/eskka-go/discovery/pkg/follower"
	ml "github.com/eskka-go/discovery/pkg/gossip/memberlist"
	"github.com/eskka-go/discovery/pkg/master"
	"github.com/eskka-go/discovery/pkg/membership"
	"github.com/eskka-go/discovery/pkg/partition"
	"github.com/eskka-go/discovery/pkg/pinger"
	tlsx "github.com/eskka-go/discovery/pkg/security/tlsconfig"
	"github.com/eskka-go/discovery/pkg/seeds"
	dDNS "github.com/eskka-go/discovery/pkg/seeds/dns"
	dFile "github.com/eskka-go/discovery/pkg/seeds/file"
	dStatic "github.com/eskka-go/discovery/pkg/seeds/static"
	"github.com/eskka-go/discovery/pkg/transport"
	mgmtgrpc "github.com/eskka-go/discovery/pkg/transport/grpc"
	"github.com/eskka-go/discovery/pkg/transport/httpjson"
)

// Config defines high-level inputs to assemble a discovery node with
// sensible defaults. Applications embed the module by providing this
// structure and calling Build/Run.
type Config struct {
	// Identity and addresses
	NodeID  string
	MemBind string // gossip bind host:port
	MemAdv  string // optional gossip advertise host:port

	// RPC API (status/publish/please-publish/identify/ping)
	RPCAddr  string // host:port
	RPCProto string // "grpc" (default) or "http"

	// Seed discovery
	SeedKind    string        // "static" (default), "dns", or "file"
	SeedsCSV    string        // used when SeedKind=static
	DNSNamesCSV string        // used when SeedKind=dns
	DNSPort     int           // used when SeedKind=dns (A/AAAA)
	SeedRefresh time.Duration // cache/refresh duration for dns/file sources
	FilePath    string        // used when SeedKind=file
	FileEnv     string        // used when SeedKind=file

	// Timing knobs, exposed as flat config fields for the CLI/config layer.
	EvalDelay      time.Duration
	PingTimeout    time.Duration
	PublishTimeout time.Duration
	RPCTimeout     time.Duration

	// TLS (optional) for the RPC transport
	TLSEnable     bool
	TLSCA         string
	TLSCert       string
	TLSKey        string
	TLSServerName string
	TLSSkipVerify bool

	// Logger (optional). If nil, log.Default() is used.
	Logger *log.Logger

	// RestartHook is invoked by the Abdicator on sustained quorum loss; see
	// discovery.Options.RestartHook. If nil, the Facade only logs the event.
	RestartHook func(ctx context.Context)
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.EvalDelay <= 0 {
		c.EvalDelay = 2 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = 3 * time.Second
	}
}

func resolveSeedSource(cfg Config) seeds.Source {
	switch cfg.SeedKind {
	case "dns":
		names := dStatic.Parse(cfg.DNSNamesCSV)
		opts := dDNS.Options{Names: names, Port: cfg.DNSPort, Logger: cfg.Logger}
		if cfg.SeedRefresh > 0 {
			opts.Refresh = cfg.SeedRefresh
		}
		return dDNS.New(opts)
	case "file":
		opts := dFile.Options{Path: cfg.FilePath, Env: cfg.FileEnv}
		if cfg.SeedRefresh > 0 {
			opts.Refresh = cfg.SeedRefresh
		}
		return dFile.New(opts)
	default:
		return dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)
	}
}

// Build assembles a discovery.Facade from Config without starting it.
func Build(cfg Config) (*discovery.Facade, transport.RPCServer, error) {
	cfg.setDefaults()

	seedAddrs, err := membership.ParseVotingMembers(resolveSeedSource(cfg).Seeds())
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: parsing seeds: %w", err)
	}

	sub, err := ml.New(ml.Options{
		NodeID: membership.NodeID(cfg.NodeID),
		Bind:   cfg.MemBind,
		Advertise: cfg.MemAdv,
		Roles:  []membership.Role{membership.RoleMasterEligible},
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: memberlist: %w", err)
	}

	var srvTLS, cliTLS *tls.Config
	if cfg.TLSEnable {
		topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
		if s, err := topts.ServerHotReload(); err == nil {
			srvTLS = s
		} else {
			return nil, nil, fmt.Errorf("bootstrap: server tls: %w", err)
		}
		if c, err := topts.ClientHotReload(); err == nil {
			cliTLS = c
		} else {
			return nil, nil, fmt.Errorf("bootstrap: client tls: %w", err)
		}
	}

	var rpcSrv transport.RPCServer
	var rpcCli transport.RPCClient
	switch cfg.RPCProto {
	case "http":
		s := httpjson.NewServer(cfg.RPCAddr, cfg.Logger)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := httpjson.NewClient(cfg.RPCTimeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		rpcSrv, rpcCli = s, c
	default:
		s := mgmtgrpc.NewServer(cfg.RPCAddr)
		if srvTLS != nil {
			s.UseTLS(srvTLS)
		}
		c := mgmtgrpc.NewClient(cfg.RPCTimeout)
		if cliTLS != nil {
			c.UseTLS(cliTLS)
		}
		rpcSrv, rpcCli = s, c
	}

	opts := discovery.Options{
		NodeID:         membership.NodeID(cfg.NodeID),
		SeedAddresses:  seedAddrs.Addresses(),
		Logger:         cfg.Logger,
		Substrate:      sub,
		FollowerClient: &followerClientAdapter{cli: rpcCli, timeout: cfg.RPCTimeout},
		MasterNotifier: &notifierAdapter{cli: rpcCli, timeout: cfg.RPCTimeout},
		PingerClient:   &pingerClientAdapter{cli: rpcCli},
		EvalDelay:      cfg.EvalDelay,
		PingTimeout:    cfg.PingTimeout,
		PublishTimeout: cfg.PublishTimeout,
		RestartHook:    cfg.RestartHook,
	}

	f, err := discovery.New(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: new facade: %w", err)
	}
	return f, rpcSrv, nil
}

// Run builds, starts the RPC server wired to f's handlers, and starts f.
// The caller is responsible for calling f.Stop when finished.
func Run(ctx context.Context, cfg Config) (*discovery.Facade, transport.RPCServer, error) {
	f, rpcSrv, err := Build(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := f.Start(ctx); err != nil {
		return nil, nil, err
	}
	if rpcSrv != nil {
		if err := rpcSrv.Start(ctx,
			func(ctx context.Context) ([]byte, error) { return statusJSON(ctx, f) },
			func(ctx context.Context, req transport.FollowerPublishRequest) (transport.FollowerPublishResponse, error) {
				ack := f.FollowerPublish(ctx, membership.NodeID(req.MasterNodeID), req.Version, req.Data)
				if ack.Err != nil {
					return transport.FollowerPublishResponse{Err: ack.Err.Error()}, nil
				}
				return transport.FollowerPublishResponse{}, nil
			},
			func(ctx context.Context, req transport.PleasePublishRequest) error {
				addr, err := membership.ParseAddress(req.Requester)
				if err != nil {
					return err
				}
				f.PleasePublishDiscoveryState(addr)
				return nil
			},
			func(ctx context.Context) (transport.IdentifyResponse, error) {
				return transport.IdentifyResponse{NodeID: string(f.Identify())}, nil
			},
			func(ctx context.Context, req transport.PingRequestWire) (transport.PingResponseWire, error) {
				target, err := membership.ParseAddress(req.Target)
				if err != nil {
					return transport.PingResponseWire{}, err
				}
				resp, err := f.RequestPing(ctx, pinger.ReqID(req.ReqID), target, time.Duration(req.TimeoutMS)*time.Millisecond)
				if err != nil {
					return transport.PingResponseWire{}, err
				}
				return transport.PingResponseWire{ReqID: string(resp.ReqID), Outcome: string(resp.Outcome), From: resp.From.String()}, nil
			},
		); err != nil {
			_ = f.Stop(ctx)
			return nil, nil, fmt.Errorf("bootstrap: rpc server start: %w", err)
		}
	}
	return f, rpcSrv, nil
}

func statusJSON(ctx context.Context, f *discovery.Facade) ([]byte, error) {
	st, err := f.Status(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(st)
}

// followerClientAdapter implements master.FollowerClient over an
// RPCClient, translating Address/NodeID values to and from wire structs.
type followerClientAdapter struct {
	cli     transport.RPCClient
	timeout time.Duration
}

func (a *followerClientAdapter) FollowerPublish(ctx context.Context, target membership.Address, masterNodeID membership.NodeID, version uint64, data []byte) follower.Ack {
	resp, err := a.cli.FollowerPublish(ctx, target.String(), transport.FollowerPublishRequest{
		MasterNodeID: string(masterNodeID),
		Version:      version,
		Data:         data,
	}, a.timeout)
	if err != nil {
		return follower.Ack{Err: err}
	}
	if resp.Err != "" {
		return follower.Ack{Err: errors.New(resp.Err)}
	}
	return follower.Ack{}
}

var _ master.FollowerClient = (*followerClientAdapter)(nil)

// notifierAdapter implements follower.Notifier over an RPCClient.
type notifierAdapter struct {
	cli     transport.RPCClient
	timeout time.Duration
}

func (a *notifierAdapter) PleasePublishDiscoveryState(ctx context.Context, masterAddr membership.Address, requester membership.Address) error {
	return a.cli.PleasePublishDiscoveryState(ctx, masterAddr.String(), transport.PleasePublishRequest{Requester: requester.String()})
}

var _ follower.Notifier = (*notifierAdapter)(nil)

// pingerClientAdapter implements partition.PingerClient over an RPCClient.
type pingerClientAdapter struct {
	cli transport.RPCClient
}

func (a *pingerClientAdapter) Identify(ctx context.Context, voter membership.Address, timeout time.Duration) error {
	_, err := a.cli.Identify(ctx, voter.String(), timeout)
	return err
}

func (a *pingerClientAdapter) RequestPing(ctx context.Context, voter, target membership.Address, timeout time.Duration) pinger.Response {
	resp, err := a.cli.RequestPing(ctx, voter.String(), transport.PingRequestWire{
		Target:    target.String(),
		TimeoutMS: timeout.Milliseconds(),
	}, timeout)
	if err != nil {
		// We could not even reach voter's own Pinger (dial failure,
		// connection refused, our context deadline) — this is silence, not
		// an affirmative PingTimeout declaration from voter. Report it as
		// unresolved so partition.Monitor never counts it toward quorum.
		return pinger.Response{Outcome: pinger.PingUnresolved, From: voter}
	}
	from, _ := membership.ParseAddress(resp.From)
	return pinger.Response{ReqID: pinger.ReqID(resp.ReqID), Outcome: pinger.Outcome(resp.Outcome), From: from}
}

var _ partition.PingerClient = (*pingerClientAdapter)(nil)
