// Package transport abstracts the wire-level RPCs the discovery core needs
// from the embedding host: the Discovery service (FollowerPublish,
// PleasePublishDiscoveryState, Identify, RequestPing) that every other
// component rides on, plus a minimal Status endpoint for external tooling.
// Concrete implementations live in pkg/transport/grpc and
// pkg/transport/httpjson.
package transport

// Transport is the minimal capability every concrete RPC server exposes: its
// own bind/advertise address, for inclusion in gossip metadata.
type Transport interface {
	Addr() string
}
