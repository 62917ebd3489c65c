package grpc

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/eskka-go/discovery/pkg/observability/tracing"
	"github.com/eskka-go/discovery/pkg/transport"
)

// Server implements transport.RPCServer over gRPC using a JSON codec, so the
// Discovery service needs no protobuf codegen.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config
}

func NewServer(bind string) *Server { return &Server{bind: bind} }

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over the JSON codec.
type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

// discoveryServer defines the methods the Discovery service exposes.
type discoveryServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
	FollowerPublish(ctx context.Context, in *transport.FollowerPublishRequest) (*transport.FollowerPublishResponse, error)
	PleasePublishDiscoveryState(ctx context.Context, in *transport.PleasePublishRequest) (*empty, error)
	Identify(ctx context.Context, in *empty) (*transport.IdentifyResponse, error)
	RequestPing(ctx context.Context, in *transport.PingRequestWire) (*transport.PingResponseWire, error)
}

type discoveryImpl struct {
	status        transport.StatusFunc
	publish       transport.FollowerPublishFunc
	pleasePublish transport.PleasePublishFunc
	identify      transport.IdentifyFunc
	ping          transport.PingFunc
}

func (d *discoveryImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	defer end()
	b, err := d.status(ctx)
	if err != nil {
		return nil, err
	}
	return &statusBlob{Data: b}, nil
}

func (d *discoveryImpl) FollowerPublish(ctx context.Context, in *transport.FollowerPublishRequest) (*transport.FollowerPublishResponse, error) {
	if in == nil {
		in = &transport.FollowerPublishRequest{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.followerPublish")
	defer end()
	out, err := d.publish(ctx, *in)
	if err != nil {
		return &transport.FollowerPublishResponse{Err: err.Error()}, nil
	}
	return &out, nil
}

func (d *discoveryImpl) PleasePublishDiscoveryState(ctx context.Context, in *transport.PleasePublishRequest) (*empty, error) {
	if in == nil {
		in = &transport.PleasePublishRequest{}
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.pleasePublish")
	defer end()
	if err := d.pleasePublish(ctx, *in); err != nil {
		return nil, err
	}
	return &empty{}, nil
}

func (d *discoveryImpl) Identify(ctx context.Context, _ *empty) (*transport.IdentifyResponse, error) {
	out, err := d.identify(ctx)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *discoveryImpl) RequestPing(ctx context.Context, in *transport.PingRequestWire) (*transport.PingResponseWire, error) {
	if in == nil {
		in = &transport.PingRequestWire{}
	}
	out, err := d.ping(ctx, *in)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Service descriptor and handlers (hand-written, no codegen required).
var _Discovery_serviceDesc = grpc.ServiceDesc{
	ServiceName: "discovery.v1.Discovery",
	HandlerType: (*discoveryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Discovery_GetStatus_Handler},
		{MethodName: "FollowerPublish", Handler: _Discovery_FollowerPublish_Handler},
		{MethodName: "PleasePublishDiscoveryState", Handler: _Discovery_PleasePublishDiscoveryState_Handler},
		{MethodName: "Identify", Handler: _Discovery_Identify_Handler},
		{MethodName: "RequestPing", Handler: _Discovery_RequestPing_Handler},
	},
}

func _Discovery_GetStatus_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(discoveryServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/discovery.v1.Discovery/GetStatus"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(discoveryServer).GetStatus(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Discovery_FollowerPublish_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.FollowerPublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(discoveryServer).FollowerPublish(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/discovery.v1.Discovery/FollowerPublish"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(discoveryServer).FollowerPublish(ctx, req.(*transport.FollowerPublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Discovery_PleasePublishDiscoveryState_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.PleasePublishRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(discoveryServer).PleasePublishDiscoveryState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/discovery.v1.Discovery/PleasePublishDiscoveryState"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(discoveryServer).PleasePublishDiscoveryState(ctx, req.(*transport.PleasePublishRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Discovery_Identify_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(discoveryServer).Identify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/discovery.v1.Discovery/Identify"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(discoveryServer).Identify(ctx, req.(*empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Discovery_RequestPing_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(transport.PingRequestWire)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(discoveryServer).RequestPing(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/discovery.v1.Discovery/RequestPing"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(discoveryServer).RequestPing(ctx, req.(*transport.PingRequestWire))
	}
	return interceptor(ctx, in, info, handler)
}

func (s *Server) Start(ctx context.Context, status transport.StatusFunc, publish transport.FollowerPublishFunc, pleasePublish transport.PleasePublishFunc, identify transport.IdentifyFunc, ping transport.PingFunc) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis

	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)

	srv.RegisterService(&_Discovery_serviceDesc, &discoveryImpl{
		status:        status,
		publish:       publish,
		pleasePublish: pleasePublish,
		identify:      identify,
		ping:          ping,
	})

	go func() {
		<-ctx.Done()
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() { _ = srv.Serve(lis) }()
	return nil
}

func (s *Server) Addr() string { return s.bind }

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	go func() { s.srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		s.srv.Stop()
	}
	s.srv = nil
	if s.lis != nil {
		_ = s.lis.Close()
		s.lis = nil
	}
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
