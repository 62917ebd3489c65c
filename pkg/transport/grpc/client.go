package grpc

import (
	"context"
	"crypto/tls"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"

	"github.com/eskka-go/discovery/pkg/transport"
)

// Client implements transport.RPCClient over gRPC using a JSON codec.
type Client struct {
	timeout time.Duration
	tlsCfg  *tls.Config
	cm      *ConnManager
}

func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Client{timeout: timeout}
}

// UseTLS sets TLS config for the client.
func (c *Client) UseTLS(cfg *tls.Config) *Client { c.tlsCfg = cfg; return c }

func (c *Client) dialCtx(ctx context.Context, target string) (*grpc.ClientConn, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{}), grpc.CallContentSubtype("json")),
		grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoff.DefaultConfig, MinConnectTimeout: 500 * time.Millisecond}),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 20 * time.Second, Timeout: 5 * time.Second, PermitWithoutStream: true}),
		grpc.WithBlock(),
	}
	if c.tlsCfg != nil {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(c.tlsCfg)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	return grpc.DialContext(ctx, target, opts...)
}

// getConn returns a managed connection, creating the manager lazily so
// UseTLS can still take effect beforehand.
func (c *Client) getConn(ctx context.Context, addr string) (*grpc.ClientConn, func(), error) {
	if c.cm == nil {
		c.cm = NewConnManager(30*time.Second, c.dialCtx)
	}
	return c.cm.Get(ctx, addr)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return nil, err
	}
	defer rel()
	out := new(statusBlob)
	if err := cc.Invoke(cctx, "/discovery.v1.Discovery/GetStatus", &empty{}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) FollowerPublish(ctx context.Context, addr string, req transport.FollowerPublishRequest, timeout time.Duration) (transport.FollowerPublishResponse, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var resp transport.FollowerPublishResponse
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/discovery.v1.Discovery/FollowerPublish", &req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) PleasePublishDiscoveryState(ctx context.Context, addr string, req transport.PleasePublishRequest) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return err
	}
	defer rel()
	return cc.Invoke(cctx, "/discovery.v1.Discovery/PleasePublishDiscoveryState", &req, &empty{})
}

func (c *Client) Identify(ctx context.Context, addr string, timeout time.Duration) (transport.IdentifyResponse, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var resp transport.IdentifyResponse
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/discovery.v1.Discovery/Identify", &empty{}, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) RequestPing(ctx context.Context, addr string, req transport.PingRequestWire, timeout time.Duration) (transport.PingResponseWire, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var resp transport.PingResponseWire
	cc, rel, err := c.getConn(cctx, addr)
	if err != nil {
		return resp, err
	}
	defer rel()
	if err := cc.Invoke(cctx, "/discovery.v1.Discovery/RequestPing", &req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

var _ transport.RPCClient = (*Client)(nil)
