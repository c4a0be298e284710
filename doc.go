// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package netron publishes Go values as remotely callable objects.
//
// A [Netron] hosts a table of named contexts. A context is a value with a
// declared public surface of methods and properties. Other netrons, in the
// same process or across a network, connect to a netron as peers, fetch the
// definitions of its contexts, and invoke their members as if they were local.
//
// # Contexts
//
// A context type is declared with an explicit registration table:
//
//	type counter struct{ n int64 }
//
//	var counterClass = netron.Declare[*counter]("Counter", netron.AllPublic()).
//	   Method("incr", func(c *counter, ctx context.Context, args netron.Args) (any, error) {
//	      d, err := args.Int(0)
//	      if err != nil {
//	         return nil, err
//	      }
//	      c.n += d
//	      return c.n, nil
//	   }).
//	   Property("value", func(c *counter) any { return c.n }, nil)
//
// Members are private unless marked [Public] or the class is declared with
// [AllPublic]. Only public members appear in a [Definition] and are visible
// to peers.
//
// To publish a value, bind it to its class and attach it to a netron:
//
//	n := netron.New(nil)
//	def, err := n.AttachContext(counterClass.Bind(new(counter)), "counter")
//
// Each attachment issues a new definition ID. Detaching a context with
// [Netron.DetachContext] invalidates its definition, and later calls through
// it report [ErrNotExists].
//
// # Peers
//
// The [Peer] interface describes the operations available on a netron. There
// are two implementations: the [OwnPeer] of a netron resolves calls directly
// against its own table, and a [RemotePeer] exchanges packets with another
// netron over a [Channel].
//
// To connect to a remote netron:
//
//	n := netron.New(&netron.Options{Dial: channel.Dial})
//	p, err := n.Connect(ctx, "localhost:5150")
//
// The peer is online once its handshake completes. It runs until it is
// closed, the channel closes, or a protocol fatal error occurs; then all its
// pending calls fail with [ErrConnectionLost].
//
// # Interfaces
//
// An [Interface] binds a definition to the peer that hosts it:
//
//	if _, err := p.RequestMeta(ctx, "counter"); err != nil {
//	   log.Fatalf("RequestMeta: %v", err)
//	}
//	iface, err := p.InterfaceByName("counter")
//	...
//	v, err := iface.Call(ctx, "incr", 5)
//
// Call waits for the result. Methods declared [Void] are sent without waiting,
// and errors they report are logged by the remote netron rather than returned.
// Errors from remote calls have concrete type [*CallError], and match the
// error kinds of this package with [errors.Is].
//
// # Nested contexts
//
// A context passed as an argument or returned as a result is sent to the peer
// as a nested definition, and the receiver gets an Interface through which it
// can call back. Nested definitions are released when their parent context is
// detached or the peer that received them disconnects.
//
// # Channels
//
// The [Channel] interface sends and receives packets. A Channel must allow
// concurrent use by one sender and one receiver. The channel package provides
// in-memory, stream, and WebSocket implementations.
//
// # Events
//
// Use [Netron.Watch] to observe contexts attached and detached, locally and by
// peers, and peers connecting and disconnecting. [Netron.WaitForContext] and
// [RemotePeer.WaitForContext] block until a named context appears.
//
// # Metrics
//
// Netrons maintain a collection of metrics shared by all netrons in the
// process. Use [Metrics] to obtain an [expvar.Map] containing them:
//
//   - packets_received: counter of packets received
//   - packets_sent: counter of packets sent
//   - packets_dropped: counter of packets received and discarded
//   - calls_in: counter of inbound requests received
//   - calls_in_failed: counter of inbound requests resulting in errors
//   - calls_active: gauge of inbound requests currently active
//   - calls_out: counter of outbound requests sent
//   - calls_out_failed: counter of outbound requests resulting in errors
//   - calls_void: counter of outbound requests sent without a reply
//   - cancels_in: counter of cancellation requests received
//   - calls_pending: gauge of outbound requests currently pending
//   - peers_online: gauge of remote peers online
//   - contexts_attached: gauge of attached contexts
//   - definitions_live: gauge of definitions issued and not released
//
// It is safe for the caller to modify the metrics map to add, update, and
// remove entries.
package netron
