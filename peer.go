// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"fmt"
	"strings"
)

// A Channel is a reliable ordered stream of packets shared by two peers.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send the packet in binary format to the receiver.
	Send(*Packet) error

	// Receive the next available packet from the channel.
	Recv() (*Packet, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// Status is the connection state of a peer.
type Status byte

const (
	Offline Status = iota
	Connecting
	Online
)

func (s Status) String() string {
	switch s {
	case Offline:
		return "OFFLINE"
	case Connecting:
		return "CONNECTING"
	case Online:
		return "ONLINE"
	default:
		return fmt.Sprintf("status %d", byte(s))
	}
}

// A Peer is a counterpart that hosts and consumes contexts. The two
// implementations are *OwnPeer, which represents the local netron, and
// *RemotePeer, which represents a netron on the other end of a channel.
type Peer interface {
	// ID reports the netron ID of the peer.
	ID() string

	// Status reports the connection status of the peer.
	Status() Status

	// IsConnected reports whether the transport to the peer is open.
	IsConnected() bool

	// IsNetronConnected reports whether the peer has completed its handshake
	// and is ready for use.
	IsNetronConnected() bool

	// HasContexts reports whether the peer exposes any contexts.
	HasContexts() bool

	// HasContext reports whether the peer exposes a context with this name.
	HasContext(name string) bool

	// ContextNames returns the names of the contexts exposed by the peer.
	ContextNames() []string

	// AttachContext attaches c under the given name to the netron of the peer.
	AttachContext(ctx context.Context, c Context, name string) (*Definition, error)

	// DetachContext detaches a context attached by AttachContext.
	DetachContext(ctx context.Context, name string) error

	// Get reads a property of the specified definition.
	Get(ctx context.Context, defID uint64, name string) (any, error)

	// Set writes a property of the specified definition.
	Set(ctx context.Context, defID uint64, name string, value any) error

	// Call invokes a method of the specified definition and waits for its
	// result.
	Call(ctx context.Context, defID uint64, method string, args ...any) (any, error)

	// CallVoid invokes a method of the specified definition without waiting
	// for a result. Errors from the method are not reported.
	CallVoid(ctx context.Context, defID uint64, method string, args ...any) error

	// RequestMeta fetches the definition of the named context of the peer.
	RequestMeta(ctx context.Context, name string) (*Definition, error)

	// DefinitionByName returns a cached definition by context name.
	DefinitionByName(name string) (*Definition, error)

	// InterfaceByID returns an interface for a cached definition.
	InterfaceByID(defID uint64) (*Interface, error)

	// InterfaceByName returns an interface for a cached definition by context
	// name.
	InterfaceByName(name string) (*Interface, error)

	// Ping checks that the peer is reachable.
	Ping(ctx context.Context) error
}

var (
	_ Peer = UnimplementedPeer{}
	_ Peer = (*OwnPeer)(nil)
	_ Peer = (*RemotePeer)(nil)
)

// UnimplementedPeer implements every method of Peer by reporting
// ErrNotImplemented. It can be embedded by partial peer implementations.
type UnimplementedPeer struct{}

func notImplemented(method string) error {
	return errorf(ErrNotImplemented, "method %s not implemented", method)
}

func (UnimplementedPeer) ID() string              { return "" }
func (UnimplementedPeer) Status() Status          { return Offline }
func (UnimplementedPeer) IsConnected() bool       { return false }
func (UnimplementedPeer) IsNetronConnected() bool { return false }
func (UnimplementedPeer) HasContexts() bool       { return false }
func (UnimplementedPeer) HasContext(string) bool  { return false }
func (UnimplementedPeer) ContextNames() []string  { return nil }

func (UnimplementedPeer) AttachContext(context.Context, Context, string) (*Definition, error) {
	return nil, notImplemented("AttachContext")
}

func (UnimplementedPeer) DetachContext(context.Context, string) error {
	return notImplemented("DetachContext")
}

func (UnimplementedPeer) Get(context.Context, uint64, string) (any, error) {
	return nil, notImplemented("Get")
}

func (UnimplementedPeer) Set(context.Context, uint64, string, any) error {
	return notImplemented("Set")
}

func (UnimplementedPeer) Call(context.Context, uint64, string, ...any) (any, error) {
	return nil, notImplemented("Call")
}

func (UnimplementedPeer) CallVoid(context.Context, uint64, string, ...any) error {
	return notImplemented("CallVoid")
}

func (UnimplementedPeer) RequestMeta(context.Context, string) (*Definition, error) {
	return nil, notImplemented("RequestMeta")
}

func (UnimplementedPeer) DefinitionByName(string) (*Definition, error) {
	return nil, notImplemented("DefinitionByName")
}

func (UnimplementedPeer) InterfaceByID(uint64) (*Interface, error) {
	return nil, notImplemented("InterfaceByID")
}

func (UnimplementedPeer) InterfaceByName(string) (*Interface, error) {
	return nil, notImplemented("InterfaceByName")
}

func (UnimplementedPeer) Ping(context.Context) error { return notImplemented("Ping") }

// SplitAddress parses an address string to guess a network type and target.
//
// The assignment of a network type uses the following heuristics:
//
// If s does not have the form [host]:port, the network is assigned as "unix".
// The network "unix" is also assigned if port == "", port contains characters
// other than ASCII letters, digits, and "-", or if host contains a "/".
//
// Otherwise, the network is assigned as "tcp". Note that this function does
// not verify whether the address is lexically valid.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

// isServiceName reports whether s looks like a legal service name from the
// services(5) file. The grammar of such names is not well-defined, but for our
// purposes it includes letters, digits, and "-".
func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
