// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"errors"
	"expvar"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"
)

// A Netron hosts contexts and manages the peers that use them. Create one
// with New. A Netron is safe for concurrent use by multiple goroutines.
type Netron struct {
	id     string
	opts   *Options
	log    zerolog.Logger
	tracer opentracing.Tracer

	μ         sync.Mutex
	nextDef   uint64                 // last definition ID issued
	contexts  map[string]*stub       // attached name → stub
	stubs     map[uint64]*stub       // definition ID → stub
	peers     map[string]*RemotePeer // online peers by ID
	conns     mapset.Set[*RemotePeer]
	own       *OwnPeer
	watchers  map[int]func(Event)
	nextWatch int
}

// New constructs a new Netron with the given options. A nil *Options
// provides default settings.
func New(opts *Options) *Netron {
	id := opts.id()
	if id == "" {
		id = uuid.NewString()
	}
	log := opts.logger()
	return &Netron{
		id:       id,
		opts:     opts,
		log:      log.With().Str("netron", id).Logger(),
		tracer:   opts.tracer(),
		contexts: make(map[string]*stub),
		stubs:    make(map[uint64]*stub),
		peers:    make(map[string]*RemotePeer),
		conns:    mapset.New[*RemotePeer](),
		watchers: make(map[int]func(Event)),
	}
}

// ID returns the unique ID of n.
func (n *Netron) ID() string { return n.id }

// Metrics returns the metrics map for n. See the package-level Metrics.
func (n *Netron) Metrics() *expvar.Map { return rootMetrics.emap }

// AttachContext attaches c to n under the given name, and returns a new
// definition for it. If name == "", the declared class name of c is used.
// It reports ErrExists if a context is already attached with that name.
func (n *Netron) AttachContext(c Context, name string) (*Definition, error) {
	if err := checkContext(c); err != nil {
		return nil, err
	}
	if name == "" {
		name = c.Declaration().Name
	}
	if name == "" {
		return nil, errorf(ErrInvalidArgument, "empty context name")
	}

	n.μ.Lock()
	if _, ok := n.contexts[name]; ok {
		n.μ.Unlock()
		return nil, errorf(ErrExists, "context %q already exists", name)
	}
	decl := c.Declaration()
	s := n.newStubLocked(NewDefinition(0, 0, n.id, decl.Name, decl.Description, decl.Public()), 0)
	s.ctx = c
	s.name = name
	n.contexts[name] = s
	peers := n.onlinePeersLocked()
	n.μ.Unlock()

	rootMetrics.contexts.Add(1)
	n.log.Debug().Str("context", name).Uint64("def", s.def.ID()).Msg("context attached")
	n.emit(Event{Kind: ContextAttached, Peer: n.id, Name: name, Definition: s.def})
	for _, p := range peers {
		p.notify(true, name)
	}
	return s.def, nil
}

// DetachContext detaches the context attached under the given name. Its
// definition and any definitions issued for values it returned are released,
// so later calls through them report ErrNotExists.
func (n *Netron) DetachContext(name string) error {
	n.μ.Lock()
	s, ok := n.contexts[name]
	if !ok {
		n.μ.Unlock()
		return errorf(ErrNotExists, "context %q not exists", name)
	}
	n.detachLocked(s)
	peers := n.onlinePeersLocked()
	n.μ.Unlock()

	n.detached(peers, name)
	return nil
}

// DetachAllContexts detaches all the contexts attached to n.
func (n *Netron) DetachAllContexts() {
	n.μ.Lock()
	names := make([]string, 0, len(n.contexts))
	for name, s := range n.contexts {
		names = append(names, name)
		n.detachLocked(s)
	}
	peers := n.onlinePeersLocked()
	n.μ.Unlock()

	slices.Sort(names)
	n.detached(peers, names...)
}

// ReleaseContext releases the definitions issued to peers for c as a nested
// value, so later calls through them report ErrNotExists. It does not affect
// a context attached by name; use DetachContext for that.
func (n *Netron) ReleaseContext(c Context) {
	n.μ.Lock()
	defer n.μ.Unlock()
	for id, s := range n.stubs {
		if s.name == "" && sameValue(s.ctx, c) {
			n.releaseLocked(id)
		}
	}
}

func (n *Netron) detachLocked(s *stub) {
	delete(n.contexts, s.name)
	n.releaseLocked(s.def.ID())
	rootMetrics.contexts.Add(-1)
}

// detached reports the detachment of the named contexts. The caller must not
// hold n.μ.
func (n *Netron) detached(peers []*RemotePeer, names ...string) {
	evts := make([]Event, len(names))
	for i, name := range names {
		n.log.Debug().Str("context", name).Msg("context detached")
		evts[i] = Event{Kind: ContextDetached, Peer: n.id, Name: name}
	}
	n.emit(evts...)
	for _, p := range peers {
		for _, name := range names {
			p.notify(false, name)
		}
	}
}

// HasContext reports whether a context is attached to n with the given name.
func (n *Netron) HasContext(name string) bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	_, ok := n.contexts[name]
	return ok
}

// HasContexts reports whether any contexts are attached to n.
func (n *Netron) HasContexts() bool {
	n.μ.Lock()
	defer n.μ.Unlock()
	return len(n.contexts) != 0
}

// ContextNames returns the names of the contexts attached to n, in order.
func (n *Netron) ContextNames() []string {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.contextNamesLocked()
}

func (n *Netron) contextNamesLocked() []string {
	names := make([]string, 0, len(n.contexts))
	for name := range n.contexts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefinitionByName returns the definition of the context attached to n with
// the given name.
func (n *Netron) DefinitionByName(name string) (*Definition, error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	s, ok := n.contexts[name]
	if !ok {
		return nil, errorf(ErrNotExists, "context %q not exists", name)
	}
	return s.def, nil
}

// newStubLocked issues a new definition ID for def and records a stub for it.
func (n *Netron) newStubLocked(def *Definition, parent uint64) *stub {
	n.nextDef++
	s := &stub{def: def.withID(n.nextDef, parent, n.id)}
	n.stubs[s.def.ID()] = s
	rootMetrics.stubs.Add(1)
	return s
}

// releaseLocked removes the stub for id along with the stubs of any
// definitions issued under it.
func (n *Netron) releaseLocked(id uint64) {
	if _, ok := n.stubs[id]; !ok {
		return
	}
	delete(n.stubs, id)
	rootMetrics.stubs.Add(-1)
	for cid, s := range n.stubs {
		if s.def.ParentID() == id {
			n.releaseLocked(cid)
		}
	}
}

// releaseIssued releases the definition id if it was issued for a nested
// context. Definitions of contexts attached to n are not affected.
func (n *Netron) releaseIssued(id uint64) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if s, ok := n.stubs[id]; ok && s.name == "" {
		n.releaseLocked(id)
	}
}

// lookupStub returns the stub for the given definition ID.
func (n *Netron) lookupStub(id uint64) (*stub, error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	s, ok := n.stubs[id]
	if !ok {
		return nil, errorf(ErrNotExists, "context with definition id %d not exists", id)
	}
	return s, nil
}

// refContext returns a definition for c to be sent to the specified peer. If
// c is attached, or was already issued to that peer, the existing definition
// is reused; otherwise a new definition is issued with the given parent.
func (n *Netron) refContext(peerID string, c Context, parent uint64) (*Definition, error) {
	if err := checkContext(c); err != nil {
		return nil, err
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	for _, s := range n.stubs {
		if (s.name != "" || s.peer == peerID) && sameValue(s.ctx, c) {
			return s.def, nil
		}
	}
	decl := c.Declaration()
	s := n.newStubLocked(NewDefinition(0, 0, n.id, decl.Name, decl.Description, decl.Public()), parent)
	s.ctx = c
	s.peer = peerID
	return s.def, nil
}

// attachProxy attaches a context published by a remote peer. Operations on
// the context are forwarded to p.
func (n *Netron) attachProxy(p *RemotePeer, name string, def *Definition) (*Definition, error) {
	n.μ.Lock()
	if _, ok := n.contexts[name]; ok {
		n.μ.Unlock()
		return nil, errorf(ErrExists, "context %q already exists", name)
	}
	s := n.newStubLocked(def, 0)
	s.name = name
	s.proxy = p
	s.remoteID = def.ID()
	n.contexts[name] = s
	peers := n.onlinePeersLocked()
	n.μ.Unlock()

	rootMetrics.contexts.Add(1)
	n.log.Debug().Str("context", name).Str("peer", p.ID()).Msg("remote context attached")
	n.emit(Event{Kind: ContextAttached, Peer: n.id, Name: name, Definition: s.def})
	for _, q := range peers {
		q.notify(true, name)
	}
	return s.def, nil
}

// detachProxy detaches a context previously attached by p.
func (n *Netron) detachProxy(p *RemotePeer, name string) error {
	n.μ.Lock()
	s, ok := n.contexts[name]
	if !ok {
		n.μ.Unlock()
		return errorf(ErrNotExists, "context %q not exists", name)
	} else if s.proxy != p {
		n.μ.Unlock()
		return errorf(ErrNotAllowed, "context %q was not attached by peer %s", name, p.ID())
	}
	n.detachLocked(s)
	peers := n.onlinePeersLocked()
	n.μ.Unlock()

	p.μ.Lock()
	p.forgetLocked(s.remoteID)
	p.μ.Unlock()

	n.detached(peers, name)
	return nil
}

func (n *Netron) onlinePeersLocked() []*RemotePeer {
	out := make([]*RemotePeer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// ownPeer returns the own peer of n, creating it if necessary.
func (n *Netron) ownPeer() *OwnPeer {
	n.μ.Lock()
	defer n.μ.Unlock()
	if n.own == nil {
		n.own = &OwnPeer{n: n}
	}
	return n.own
}

// Connect returns a peer for the given address. If addr == "", Connect
// returns the own peer of n. Otherwise it dials addr with the Dial function
// from the options and performs a handshake with the netron at the other end.
func (n *Netron) Connect(ctx context.Context, addr string) (Peer, error) {
	if addr == "" {
		return n.ownPeer(), nil
	}
	dial := n.opts.dialer()
	if dial == nil {
		return nil, errorf(ErrInvalidArgument, "no dialer configured for %q", addr)
	}
	ch, err := dial(ctx, addr)
	if err != nil {
		return nil, &Error{Kind: ErrConnectionLost, Message: "dial " + addr, Err: err}
	}
	p, err := n.ConnectChannel(ctx, ch)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ConnectChannel starts a peer on ch and performs a handshake with the
// netron at the other end, which must be accepting on ch. On success the
// peer is online; otherwise ch is closed.
func (n *Netron) ConnectChannel(ctx context.Context, ch Channel) (*RemotePeer, error) {
	p := n.startPeer(ch)
	if err := p.handshake(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Accept starts a peer on ch that waits for the netron at the other end to
// complete a handshake. The peer is online once the handshake succeeds; use
// its Wait method to wait for it to finish.
func (n *Netron) Accept(ch Channel) *RemotePeer { return n.startPeer(ch) }

// addPeer records p as online. It reports ErrExists if a peer with the same
// ID is already connected, and returns the names of the contexts attached to
// n at the time p was added.
func (n *Netron) addPeer(p *RemotePeer, id string) ([]string, error) {
	n.μ.Lock()
	defer n.μ.Unlock()
	if id == n.id {
		return nil, errorf(ErrExists, "peer %s has the same ID as this netron", id)
	} else if _, ok := n.peers[id]; ok {
		return nil, errorf(ErrExists, "peer %s already connected", id)
	}
	n.peers[id] = p
	return n.contextNamesLocked(), nil
}

// peerConnected announces that p is online.
func (n *Netron) peerConnected(p *RemotePeer) {
	rootMetrics.peersOnline.Add(1)
	n.log.Info().Str("peer", p.ID()).Msg("peer connected")
	n.emit(Event{Kind: PeerConnected, Peer: p.ID()})
	n.notifyPeers(true, p.ID())
}

// notifyPeers reports a peer connection change to subscribed peers.
func (n *Netron) notifyPeers(connected bool, id string) {
	n.μ.Lock()
	peers := n.onlinePeersLocked()
	n.μ.Unlock()
	for _, q := range peers {
		q.notifyPeer(connected, id)
	}
}

// peerDisconnected cleans up after p has stopped. It removes p from the peer
// table, releases the definitions issued to p, and detaches any contexts
// attached by p.
func (n *Netron) peerDisconnected(p *RemotePeer, wasOnline bool) {
	id := p.ID()

	n.μ.Lock()
	n.conns.Remove(p)
	if n.peers[id] == p {
		delete(n.peers, id)
	}
	for sid, s := range n.stubs {
		if s.ctx != nil && s.name == "" && s.peer == id && id != "" {
			n.releaseLocked(sid)
		}
	}
	var names []string
	for name, s := range n.contexts {
		if s.proxy == p {
			names = append(names, name)
			n.detachLocked(s)
		}
	}
	peers := n.onlinePeersLocked()
	n.μ.Unlock()

	if len(names) != 0 {
		slices.Sort(names)
		n.detached(peers, names...)
	}
	if wasOnline {
		rootMetrics.peersOnline.Add(-1)
		n.log.Info().Str("peer", id).Msg("peer disconnected")
		n.emit(Event{Kind: PeerDisconnected, Peer: id})
		n.notifyPeers(false, id)
	}
}

// Peer returns the connected peer with the given ID. The own peer of n is
// reported for its own ID.
func (n *Netron) Peer(id string) (Peer, error) {
	if id == n.id {
		return n.ownPeer(), nil
	}
	n.μ.Lock()
	defer n.μ.Unlock()
	if p, ok := n.peers[id]; ok {
		return p, nil
	}
	return nil, errorf(ErrNotExists, "peer %s not exists", id)
}

// Peers returns the remote peers currently online, ordered by ID.
func (n *Netron) Peers() []*RemotePeer {
	n.μ.Lock()
	out := n.onlinePeersLocked()
	n.μ.Unlock()
	slices.SortFunc(out, func(a, b *RemotePeer) int {
		switch ia, ib := a.ID(), b.ID(); {
		case ia < ib:
			return -1
		case ia > ib:
			return 1
		}
		return 0
	})
	return out
}

// DisconnectPeer closes the connection to the peer with the given ID and
// waits for it to stop.
func (n *Netron) DisconnectPeer(id string) error {
	n.μ.Lock()
	p, ok := n.peers[id]
	n.μ.Unlock()
	if !ok {
		return errorf(ErrNotExists, "peer %s not exists", id)
	}
	return p.Close()
}

// Close closes the connections to all peers of n, including peers that have
// not completed their handshake, and waits for them to stop. The contexts
// attached to n are not affected.
func (n *Netron) Close() error {
	n.μ.Lock()
	conns := n.conns.Slice()
	n.μ.Unlock()

	var errs []error
	for _, p := range conns {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
