// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"fmt"
	"sync"
)

// EventKind identifies the kind of an Event.
type EventKind byte

const (
	ContextAttached        EventKind = iota + 1 // a context was attached locally
	ContextDetached                             // a context was detached locally
	PeerConnected                               // a remote peer completed its handshake
	PeerDisconnected                            // a remote peer went offline
	RemoteContextAttached                       // a remote peer attached a context
	RemoteContextDetached                       // a remote peer detached a context
	RemotePeerConnected                         // a peer connected to a subscribed remote netron
	RemotePeerDisconnected                      // a peer disconnected from a subscribed remote netron
)

func (k EventKind) String() string {
	switch k {
	case ContextAttached:
		return "context:attach"
	case ContextDetached:
		return "context:detach"
	case PeerConnected:
		return "peer:connect"
	case PeerDisconnected:
		return "peer:disconnect"
	case RemoteContextAttached:
		return "peer:context:attach"
	case RemoteContextDetached:
		return "peer:context:detach"
	case RemotePeerConnected:
		return "peer:peer:connect"
	case RemotePeerDisconnected:
		return "peer:peer:disconnect"
	default:
		return fmt.Sprintf("event %d", byte(k))
	}
}

// An Event reports a change in the contexts or peers of a Netron.
type Event struct {
	Kind EventKind
	Peer string // the peer concerned; the netron's own ID for local contexts
	Name string // the context name, for context events

	// Subject is the ID of the peer that connected or disconnected, for
	// RemotePeerConnected and RemotePeerDisconnected. Peer is the remote
	// netron that reported it.
	Subject string

	// Definition is the new definition, for ContextAttached.
	Definition *Definition
}

func (e Event) String() string {
	if e.Subject != "" {
		return fmt.Sprintf("%v(%s, %s)", e.Kind, e.Peer, e.Subject)
	} else if e.Name != "" {
		return fmt.Sprintf("%v(%s, %q)", e.Kind, e.Peer, e.Name)
	}
	return fmt.Sprintf("%v(%s)", e.Kind, e.Peer)
}

// Watch registers f to be called for each event on n, and returns a function
// that unregisters it. Events are delivered synchronously by the goroutine
// that caused them, after the state change is visible; f must not block.
func (n *Netron) Watch(f func(Event)) (stop func()) {
	n.μ.Lock()
	defer n.μ.Unlock()
	id := n.nextWatch
	n.nextWatch++
	n.watchers[id] = f
	return func() {
		n.μ.Lock()
		defer n.μ.Unlock()
		delete(n.watchers, id)
	}
}

// emit delivers events to the current watchers. The caller must not hold n.μ.
func (n *Netron) emit(evts ...Event) {
	if len(evts) == 0 {
		return
	}
	n.μ.Lock()
	ws := make([]func(Event), 0, len(n.watchers))
	for _, w := range n.watchers {
		ws = append(ws, w)
	}
	n.μ.Unlock()
	for _, e := range evts {
		n.log.Debug().Stringer("event", e).Msg("emit")
		for _, w := range ws {
			w(e)
		}
	}
}

// waitFor blocks until ready reports true or an event satisfying match
// arrives, or until ctx ends. If ready or fail reports an error, waitFor
// returns that error.
func (n *Netron) waitFor(ctx context.Context, ready func() (bool, error), match func(Event) bool, fail func(Event) error) error {
	done := make(chan error, 1)
	var once sync.Once
	stop := n.Watch(func(e Event) {
		if match(e) {
			once.Do(func() { done <- nil })
		} else if fail != nil {
			if err := fail(e); err != nil {
				once.Do(func() { done <- err })
			}
		}
	})
	defer stop()

	if ok, err := ready(); ok || err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForContext blocks until a context with the given name is attached to
// n, or until ctx ends.
func (n *Netron) WaitForContext(ctx context.Context, name string) error {
	return n.waitFor(ctx,
		func() (bool, error) { return n.HasContext(name), nil },
		func(e Event) bool { return e.Kind == ContextAttached && e.Name == name },
		nil)
}

// WaitForContext blocks until the remote peer exposes a context with the
// given name, or until ctx ends. It reports ErrConnectionLost if the peer
// disconnects first.
func (p *RemotePeer) WaitForContext(ctx context.Context, name string) error {
	id := p.ID()
	lost := errorf(ErrConnectionLost, "peer %s disconnected", id)
	return p.n.waitFor(ctx,
		func() (bool, error) {
			if p.HasContext(name) {
				return true, nil
			} else if !p.IsConnected() {
				return false, lost
			}
			return false, nil
		},
		func(e Event) bool { return e.Kind == RemoteContextAttached && e.Peer == id && e.Name == name },
		func(e Event) error {
			if e.Kind == PeerDisconnected && e.Peer == id {
				return lost
			}
			return nil
		})
}
