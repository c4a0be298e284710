// Package peers provides support code for managing and testing peers.
package peers

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/creachadair/netron"
	"github.com/creachadair/netron/channel"
	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"
)

// Local is a pair of netrons connected in memory, suitable for testing.
// PA is the peer of A that talks to B, and PB is the peer of B that talks
// to A.
type Local struct {
	A, B   *netron.Netron
	PA, PB *netron.RemotePeer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	berr := p.PB.Close()
	aerr := p.PA.Close()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of netrons with the given options, connected via a
// direct channel without encoding. B initiates the handshake, and both peers
// are online when NewLocal returns successfully.
func NewLocal(ctx context.Context, aopts, bopts *netron.Options) (*Local, error) {
	a2b, b2a := channel.Direct()
	a, b := netron.New(aopts), netron.New(bopts)
	pa := a.Accept(a2b)
	pb, err := b.ConnectChannel(ctx, b2a)
	if err != nil {
		pa.Close()
		return nil, err
	}
	return &Local{A: a, B: b, PA: pa, PB: pb}, nil
}

// An Accepter accepts channels from clients.
type Accepter interface {
	Accept(context.Context) (netron.Channel, error)
}

// Loop accepts connections from acc and starts a peer of n for each one.
// Loop continues until acc closes or ctx ends.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, n *netron.Netron) error {
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := n.Accept(ch)
			go func() { <-sctx.Done(); peer.Close() }()
			return peer.Wait()
		})
	}
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (netron.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel allows the context watcher to clean
	// up when we return before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
			// release the waiter
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}

// A WSAccepter is an http.Handler that upgrades requests to WebSocket
// connections and delivers them as channels to its Accept method.
type WSAccepter struct {
	up     websocket.Upgrader
	conns  chan netron.Channel
	stop   sync.Once
	closed chan struct{}
}

// NewWSAccepter constructs a new WebSocket accepter. If up == nil, a default
// upgrader is used.
func NewWSAccepter(up *websocket.Upgrader) *WSAccepter {
	a := &WSAccepter{
		conns:  make(chan netron.Channel),
		closed: make(chan struct{}),
	}
	if up != nil {
		a.up = *up
	}
	return a
}

// ServeHTTP implements the http.Handler interface. It blocks until the
// upgraded connection is accepted or the accepter closes.
func (a *WSAccepter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-a.closed:
		http.Error(w, "server is closed", http.StatusServiceUnavailable)
		return
	default:
	}
	conn, err := a.up.Upgrade(w, r, nil)
	if err != nil {
		return // the upgrader has already replied
	}
	select {
	case a.conns <- channel.WebSocket(conn):
	case <-a.closed:
		conn.Close()
	case <-r.Context().Done():
		conn.Close()
	}
}

// Accept implements the Accepter interface. It reports net.ErrClosed after
// a has been closed.
func (a *WSAccepter) Accept(ctx context.Context) (netron.Channel, error) {
	select {
	case ch := <-a.conns:
		return ch, nil
	case <-a.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops a from accepting further connections.
func (a *WSAccepter) Close() error {
	err := net.ErrClosed
	a.stop.Do(func() { close(a.closed); err = nil })
	return err
}
