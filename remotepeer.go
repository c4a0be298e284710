// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/taskgroup"
)

// protocolRevision is exchanged in the handshake.
const protocolRevision = 1

// A PacketLogger logs a packet exchanged with the remote peer.
type PacketLogger func(pkt PacketInfo)

// A PacketInfo combines a packet and a flag indicating whether the packet was
// sent or received.
type PacketInfo struct {
	*Packet      // the packet being logged
	Sent    bool // whether the packet was sent (true) or received (false)
}

func (p PacketInfo) dir() string {
	if p.Sent {
		return "send"
	}
	return "recv"
}

func (p PacketInfo) String() string {
	return fmt.Sprintf("%v %v", p.dir(), p.Packet)
}

// A RemotePeer is a peer on the other end of a Channel. Construct one with
// the Connect, ConnectChannel, or Accept methods of a Netron.
//
// A remote peer runs until Close is called, the channel closes, or a
// protocol fatal error occurs. When it stops, all pending requests fail with
// ErrConnectionLost and the peer is removed from its netron. A stopped peer
// cannot be restarted; connect again to obtain a new peer.
//
// The methods of a RemotePeer are safe for concurrent use by multiple
// goroutines. Concurrent calls are independent, and responses are matched to
// their callers regardless of the order in which they arrive.
type RemotePeer struct {
	n   *Netron
	in  interface{ Recv() (*Packet, error) }
	out struct {
		// Must hold the lock to send to ch.
		sync.Mutex
		ch Channel
	}
	tasks *taskgroup.Group

	μ sync.Mutex

	id       string                 // remote netron ID, set by the handshake
	status   Status                 // connection status
	err      error                  // protocol fatal error
	ocall    map[uint32]pending     // outbound requests pending responses
	nexto    uint32                 // last outbound request ID issued
	hsID     uint32                 // request ID of the outbound handshake
	icall    map[uint32]func()      // requestID → cancel func
	contexts mapset.Set[string]     // names of remote contexts
	early    []notice               // notices received before the handshake completed
	defs     map[string]*Definition // context name → definition, from RequestMeta
	byID     map[uint64]*Definition // definition ID → definition
	attached map[string]uint64      // contexts attached to the remote netron by us
	watching bool                   // the remote netron subscribed to our peer notices
	plog     PacketLogger
	onExit   func(error)
}

// startPeer starts a remote peer running on ch.
func (n *Netron) startPeer(ch Channel) *RemotePeer {
	p := &RemotePeer{
		n:        n,
		in:       ch,
		tasks:    taskgroup.New(nil),
		status:   Connecting,
		ocall:    make(map[uint32]pending),
		icall:    make(map[uint32]func()),
		contexts: mapset.New[string](),
		defs:     make(map[string]*Definition),
		byID:     make(map[uint64]*Definition),
		attached: make(map[string]uint64),
	}
	p.out.ch = ch

	n.μ.Lock()
	n.conns.Add(p)
	n.μ.Unlock()

	p.tasks.Go(func() error {
		for {
			pkt, err := p.in.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			rootMetrics.packetRecv.Add(1)
			if err := p.dispatchPacket(pkt); err != nil {
				p.fail(err)
				return nil
			}
		}
	})
	return p
}

// Netron returns the local netron that p belongs to.
func (p *RemotePeer) Netron() *Netron { return p.n }

// ID returns the ID of the remote netron. It is empty until the handshake
// has completed.
func (p *RemotePeer) ID() string {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.id
}

// Status reports the connection status of p.
func (p *RemotePeer) Status() Status {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.status
}

// IsConnected reports whether the channel to p is open.
func (p *RemotePeer) IsConnected() bool { return p.Status() != Offline }

// IsNetronConnected reports whether p has completed its handshake and is
// still connected.
func (p *RemotePeer) IsNetronConnected() bool { return p.Status() == Online }

// HasContexts reports whether the remote netron has any attached contexts.
func (p *RemotePeer) HasContexts() bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return !p.contexts.IsEmpty()
}

// HasContext reports whether the remote netron has a context attached with
// the given name.
func (p *RemotePeer) HasContext(name string) bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.contexts.Has(name)
}

// ContextNames returns the names of the contexts attached to the remote
// netron, in order.
func (p *RemotePeer) ContextNames() []string {
	p.μ.Lock()
	names := p.contexts.Slice()
	p.μ.Unlock()
	slices.Sort(names)
	return names
}

// Wait blocks until p terminates and reports the error that caused it to
// stop. If p stopped because its channel closed, Wait returns nil.
func (p *RemotePeer) Wait() error {
	p.tasks.Wait()

	p.μ.Lock()
	defer p.μ.Unlock()
	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// Close closes the channel and terminates the peer. It blocks until the peer
// has exited and returns its status.
func (p *RemotePeer) Close() error { p.closeOut(); return p.Wait() }

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// LogPackets registers a callback that will be invoked for each packet
// exchanged with the remote peer, regardless of type, including packets to be
// discarded. Passing a nil callback disables packet logging.
func (p *RemotePeer) LogPackets(log PacketLogger) *RemotePeer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.plog = log
	return p
}

// OnExit registers a callback to be invoked when the peer terminates.  The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method.
//
// Only one exit callback can be registered at a time; if f == nil the callback
// is removed.
func (p *RemotePeer) OnExit(f func(error)) *RemotePeer {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

func (p *RemotePeer) checkOnline() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	switch p.status {
	case Online:
		return nil
	case Connecting:
		return errorf(ErrNotAllowed, "handshake with peer is not complete")
	}
	return &Error{Kind: ErrConnectionLost, Message: fmt.Sprintf("peer %s is offline", p.id), Err: p.err}
}

// AttachContext attaches c to the remote netron under the given name. The
// context stays in the local netron, and operations from the remote side are
// forwarded back over the connection. The remote netron must permit this
// with its AllowRemoteContexts option, otherwise it reports ErrNotAllowed.
func (p *RemotePeer) AttachContext(ctx context.Context, c Context, name string) (*Definition, error) {
	if err := p.checkOnline(); err != nil {
		return nil, err
	}
	if err := checkContext(c); err != nil {
		return nil, err
	} else if name == "" {
		name = c.Declaration().Name
	}
	p.μ.Lock()
	_, ok := p.attached[name]
	p.μ.Unlock()
	if ok {
		return nil, errorf(ErrExists, "context %q already attached to peer %s", name, p.ID())
	}

	def, err := p.n.refContext(p.ID(), c, 0)
	if err != nil {
		return nil, err
	}
	if _, err := p.exchange(ctx, ActionContextAttach, &attachReq{Name: name, Def: def.toWire()}); err != nil {
		return nil, err
	}
	p.μ.Lock()
	p.attached[name] = def.ID()
	p.μ.Unlock()
	return def, nil
}

// DetachContext detaches a context previously attached to the remote netron
// by AttachContext.
func (p *RemotePeer) DetachContext(ctx context.Context, name string) error {
	if err := p.checkOnline(); err != nil {
		return err
	}
	p.μ.Lock()
	id, ok := p.attached[name]
	p.μ.Unlock()
	if !ok {
		return errorf(ErrNotExists, "context %q not attached to peer %s", name, p.ID())
	}
	if _, err := p.exchange(ctx, ActionContextDetach, &detachReq{Name: name}); err != nil {
		return err
	}
	p.μ.Lock()
	delete(p.attached, name)
	p.μ.Unlock()
	p.n.releaseIssued(id)
	return nil
}

// Get reads a property of the remote context with the given definition ID.
func (p *RemotePeer) Get(ctx context.Context, defID uint64, name string) (any, error) {
	if err := p.checkOnline(); err != nil {
		return nil, err
	}
	data, err := p.exchange(ctx, ActionGet, &memberReq{Def: defID, Name: name})
	if err != nil {
		return nil, err
	}
	return p.decodeResult(data)
}

// Set writes a property of the remote context with the given definition ID.
// The definition must be known to p, and the property is checked against it.
// Set returns once the request is sent, and errors reported by the remote
// context are not observed.
func (p *RemotePeer) Set(ctx context.Context, defID uint64, name string, value any) error {
	if err := p.checkOnline(); err != nil {
		return err
	}
	p.μ.Lock()
	def, ok := p.byID[defID]
	p.μ.Unlock()
	if !ok {
		return errorf(ErrNotExists, "definition %d of peer %s not known", defID, p.ID())
	}
	m, ok := def.Member(name)
	if !ok {
		return errorf(ErrNotExists, "member %q of context %q not exists", name, def.Name())
	} else if !m.IsProperty() {
		return errorf(ErrInvalidArgument, "member %q of context %q is a method", name, def.Name())
	} else if m.ReadOnly {
		return errorf(ErrNotAllowed, "property %q of context %q is read-only", name, def.Name())
	}

	w, err := p.encodeValue(value, 0)
	if err != nil {
		return err
	}
	return p.sendVoid(ActionSet, &memberReq{Def: defID, Name: name, Value: &w})
}

// Call invokes a method of the remote context with the given definition ID,
// and blocks until the result arrives or ctx ends. If ctx has no deadline the
// response timeout from the netron options applies.
func (p *RemotePeer) Call(ctx context.Context, defID uint64, method string, args ...any) (any, error) {
	if err := p.checkOnline(); err != nil {
		return nil, err
	}
	ws, err := p.encodeArgs(args, 0)
	if err != nil {
		return nil, err
	}
	data, err := p.exchange(ctx, ActionCall, &memberReq{Def: defID, Name: method, Args: ws})
	if err != nil {
		return nil, err
	}
	return p.decodeResult(data)
}

// CallVoid invokes a method of the remote context with the given definition
// ID without waiting for a result. It returns once the request is sent.
func (p *RemotePeer) CallVoid(ctx context.Context, defID uint64, method string, args ...any) error {
	if err := p.checkOnline(); err != nil {
		return err
	}
	ws, err := p.encodeArgs(args, 0)
	if err != nil {
		return err
	}
	return p.sendVoid(ActionCall, &memberReq{Def: defID, Name: method, Args: ws})
}

// RequestMeta fetches the definition of the named context from the remote
// netron and caches it, so that DefinitionByName and InterfaceByID succeed
// for it afterward.
func (p *RemotePeer) RequestMeta(ctx context.Context, name string) (*Definition, error) {
	defs, err := p.requestMeta(ctx, []string{name})
	if err != nil {
		return nil, err
	}
	return defs[0], nil
}

// RequestContexts fetches and caches the definitions of all the contexts
// attached to the remote netron.
func (p *RemotePeer) RequestContexts(ctx context.Context) (*Definitions, error) {
	defs, err := p.requestMeta(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := new(Definitions)
	for _, def := range defs {
		out.Push(def)
	}
	return out, nil
}

func (p *RemotePeer) requestMeta(ctx context.Context, names []string) ([]*Definition, error) {
	if err := p.checkOnline(); err != nil {
		return nil, err
	}
	data, err := p.exchange(ctx, ActionMeta, &metaReq{Names: names})
	if err != nil {
		return nil, err
	}
	var rsp metaRsp
	if err := decodeCBOR(data, &rsp); err != nil {
		return nil, &Error{Kind: ErrInvalidArgument, Message: "invalid meta response", Err: err}
	}
	if names != nil && len(rsp.Contexts) != len(names) {
		return nil, errorf(ErrInvalidArgument, "meta response has %d entries, want %d", len(rsp.Contexts), len(names))
	}
	out := make([]*Definition, len(rsp.Contexts))
	for i, e := range rsp.Contexts {
		def, err := e.Def.toDefinition()
		if err != nil {
			return nil, err
		}
		out[i] = def
	}

	p.μ.Lock()
	defer p.μ.Unlock()
	for i, e := range rsp.Contexts {
		p.defs[e.Name] = out[i]
		p.byID[out[i].ID()] = out[i]
	}
	return out, nil
}

// DefinitionByName returns the cached definition of the named remote
// context. It does not communicate with the peer.
func (p *RemotePeer) DefinitionByName(name string) (*Definition, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	def, ok := p.defs[name]
	if !ok {
		return nil, errorf(ErrNotExists, "definition of context %q not known", name)
	}
	return def, nil
}

// InterfaceByID returns an interface for a cached definition.
func (p *RemotePeer) InterfaceByID(defID uint64) (*Interface, error) {
	p.μ.Lock()
	def, ok := p.byID[defID]
	p.μ.Unlock()
	if !ok {
		return nil, errorf(ErrNotExists, "definition %d of peer %s not known", defID, p.ID())
	}
	return NewInterface(def, p), nil
}

// InterfaceByName returns an interface for the cached definition of the
// named remote context.
func (p *RemotePeer) InterfaceByName(name string) (*Interface, error) {
	def, err := p.DefinitionByName(name)
	if err != nil {
		return nil, err
	}
	return NewInterface(def, p), nil
}

// Ping sends a no-op request to the peer and waits for its reply.
func (p *RemotePeer) Ping(ctx context.Context) error {
	if err := p.checkOnline(); err != nil {
		return err
	}
	_, err := p.exchange(ctx, ActionPing, nil)
	return err
}

// addDefinition caches a definition received from p.
func (p *RemotePeer) addDefinition(def *Definition) {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.byID[def.ID()] = def
}

func (p *RemotePeer) decodeResult(data []byte) (any, error) {
	var w wireValue
	if err := decodeCBOR(data, &w); err != nil {
		return nil, &Error{Kind: ErrInvalidArgument, Message: "invalid result", Err: err}
	}
	return p.decodeValue(w)
}

// exchange sends a request to the peer and waits for its response.
func (p *RemotePeer) exchange(ctx context.Context, a Action, body any) (_ []byte, err error) {
	span, carrier := p.n.startClientSpan(ctx, a, p.ID())
	defer func() { finishSpan(span, err) }()

	var data []byte
	if body != nil {
		if mr, ok := body.(*memberReq); ok {
			mr.Trace = carrier
		}
		data, err = encodeCBOR(body)
		if err != nil {
			return nil, &Error{Kind: ErrInvalidArgument, Message: "encoding request", Err: err}
		}
	}
	return p.roundTrip(ctx, a, data)
}

// roundTrip sends a request packet and blocks until ctx ends or the response
// is received. If ctx ends first, a cancellation is sent to the peer, and any
// later response is discarded. An error reported by roundTrip has concrete
// type *CallError.
func (p *RemotePeer) roundTrip(ctx context.Context, a Action, data []byte) (_ []byte, err error) {
	rootMetrics.callOut.Add(1)
	defer func() {
		if err != nil {
			rootMetrics.callOutErr.Add(1)
		}
	}()

	if _, ok := ctx.Deadline(); !ok {
		if d := p.n.opts.responseTimeout(); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	id, pc, err := p.sendReq(a, data)
	if err != nil {
		return nil, callError(err)
	}
	rootMetrics.callPending.Add(1)
	defer rootMetrics.callPending.Add(-1)

	select {
	case <-ctx.Done():
		p.μ.Lock()
		_, waiting := p.ocall[id]
		delete(p.ocall, id)
		p.μ.Unlock()
		if waiting {
			p.sendCancel(id)
		}
		if cerr := ctx.Err(); errors.Is(cerr, context.DeadlineExceeded) {
			return nil, callError(&Error{
				Kind:    ErrTimeout,
				Message: fmt.Sprintf("%v request %d timed out", a, id),
				Err:     cerr,
			})
		} else {
			return nil, callError(cerr)
		}

	case rsp, ok := <-pc:
		if !ok {
			// Closed without a response means the peer stopped.
			p.μ.Lock()
			perr := p.err
			p.μ.Unlock()
			return nil, callError(&Error{
				Kind:    ErrConnectionLost,
				Message: fmt.Sprintf("%v request %d terminated", a, id),
				Err:     perr,
			})
		}
		if rsp.Code == CodeSuccess {
			return rsp.Data, nil
		} else if rsp.Code == CodeCanceled {
			return nil, &CallError{Err: context.Canceled, Response: rsp}
		}
		ce := &CallError{Response: rsp}

		// Try to decode the error data, but if that fails use the string
		// from the failure message so the caller has a way to debug.
		if err := ce.ErrorData.Decode(rsp.Data); err != nil {
			ce.Message = err.Error()
		}
		return nil, ce
	}
}

// fail terminates all pending calls, updates the failure status, and
// removes p from its netron.
func (p *RemotePeer) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	wasOnline := p.status == Online
	p.status = Offline

	// Terminate all incomplete pending (outbound) calls.
	for _, pc := range p.ocall {
		pc.close()
	}
	p.ocall = nil

	// Terminate all incomplete active (inbound) calls.
	for _, stop := range p.icall {
		stop()
	}
	p.icall = nil

	p.err = err
	onExit := p.onExit
	id := p.id
	p.μ.Unlock()

	if treatErrorAsSuccess(err) {
		err = nil
	} else {
		p.n.log.Warn().Err(err).Str("peer", id).Msg("peer failed")
	}
	p.n.peerDisconnected(p, wasOnline)
	if onExit != nil {
		onExit(err)
	}
}

// handshake sends the identity of the local netron to the peer and waits for
// the peer to reply with its own. The reply is processed by the receive loop.
func (p *RemotePeer) handshake(ctx context.Context) error {
	data, err := encodeCBOR(&hello{
		ID:       p.n.ID(),
		Contexts: p.n.ContextNames(),
		Revision: protocolRevision,
	})
	if err != nil {
		return err
	}
	span, _ := p.n.startClientSpan(ctx, ActionHandshake, "")
	_, err = p.roundTrip(ctx, ActionHandshake, data)
	finishSpan(span, err)
	return err
}

// finishHandshake completes the handshake initiated by p, given the reply.
func (p *RemotePeer) finishHandshake(data []byte) error {
	var h hello
	if err := decodeCBOR(data, &h); err != nil {
		return &Error{Kind: ErrInvalidArgument, Message: "invalid handshake reply", Err: err}
	}
	if _, err := p.online(&h); err != nil {
		return err
	}
	p.n.peerConnected(p)
	return nil
}

// acceptHandshake answers a handshake initiated by the peer. Any error it
// reports is protocol fatal.
func (p *RemotePeer) acceptHandshake(req *Request) error {
	reject := func(err error) {
		p.sendRsp(&Response{
			RequestID: req.RequestID,
			Code:      CodeServiceError,
			Data:      errorData(err).Encode(),
		})
	}
	if p.Status() != Connecting {
		reject(errorf(ErrNotAllowed, "duplicate handshake"))
		return nil
	}
	var h hello
	if err := decodeCBOR(req.Data, &h); err != nil {
		reject(errorf(ErrInvalidArgument, "invalid handshake"))
		return fmt.Errorf("invalid handshake: %w", err)
	}
	names, err := p.online(&h)
	if err != nil {
		reject(err)
		return fmt.Errorf("handshake: %w", err)
	}
	data, err := encodeCBOR(&hello{ID: p.n.ID(), Contexts: names, Revision: protocolRevision})
	if err != nil {
		return err
	}
	p.sendRsp(&Response{RequestID: req.RequestID, Code: CodeSuccess, Data: data})
	p.n.peerConnected(p)
	return nil
}

// online records the identity of the peer from its handshake and marks it
// online. It returns the names of the local contexts at that moment.
func (p *RemotePeer) online(h *hello) ([]string, error) {
	if h.ID == "" {
		return nil, errorf(ErrInvalidArgument, "handshake has no peer ID")
	}
	names, err := p.n.addPeer(p, h.ID)
	if err != nil {
		return nil, err
	}
	p.μ.Lock()
	p.id = h.ID
	p.status = Online
	p.contexts = mapset.New(h.Contexts...)
	early := p.early
	p.early = nil
	p.μ.Unlock()

	p.n.log.Debug().Str("peer", h.ID).Int("contexts", len(h.Contexts)).Msg("handshake complete")
	for _, nt := range early {
		p.applyNotice(nt)
	}
	return names, nil
}

// notify sends a context notice to the peer, if it is still connected.
func (p *RemotePeer) notify(attached bool, name string) {
	p.μ.Lock()
	failed := p.err != nil
	p.μ.Unlock()
	if failed {
		return
	}
	if err := p.sendVoid(ActionNotify, &notice{Attached: attached, Name: name}); err != nil {
		p.n.log.Debug().Err(err).Str("peer", p.ID()).Str("context", name).Msg("notify failed")
	}
}

func (p *RemotePeer) handleNotice(data []byte) {
	var nt notice
	if err := decodeCBOR(data, &nt); err != nil {
		p.n.log.Warn().Err(err).Str("peer", p.ID()).Msg("invalid notice")
		return
	}
	p.μ.Lock()
	if p.status != Online {
		p.early = append(p.early, nt)
		p.μ.Unlock()
		return
	}
	p.μ.Unlock()
	p.applyNotice(nt)
}

func (p *RemotePeer) applyNotice(nt notice) {
	p.μ.Lock()
	if nt.Attached {
		p.contexts.Add(nt.Name)
	} else {
		p.contexts.Remove(nt.Name)
	}
	if def, ok := p.defs[nt.Name]; ok {
		delete(p.defs, nt.Name)
		p.forgetLocked(def.ID())
	}
	id := p.id
	p.μ.Unlock()

	kind := RemoteContextDetached
	if nt.Attached {
		kind = RemoteContextAttached
	}
	p.n.emit(Event{Kind: kind, Peer: id, Name: nt.Name})
}

// Subscribe asks the remote netron to report peers connecting to and
// disconnecting from it. Reports arrive as RemotePeerConnected and
// RemotePeerDisconnected events on the local netron, until Unsubscribe.
func (p *RemotePeer) Subscribe(ctx context.Context) error { return p.subscribe(ctx, true) }

// Unsubscribe stops the reports requested by Subscribe.
func (p *RemotePeer) Unsubscribe(ctx context.Context) error { return p.subscribe(ctx, false) }

func (p *RemotePeer) subscribe(ctx context.Context, on bool) error {
	if err := p.checkOnline(); err != nil {
		return err
	}
	_, err := p.exchange(ctx, ActionSubscribe, &subscribeReq{On: on})
	return err
}

// notifyPeer sends a peer notice about id, if the remote netron subscribed.
func (p *RemotePeer) notifyPeer(connected bool, id string) {
	p.μ.Lock()
	skip := !p.watching || p.err != nil || p.id == id
	p.μ.Unlock()
	if skip {
		return
	}
	if err := p.sendVoid(ActionPeerNotice, &peerNotice{Connected: connected, Peer: id}); err != nil {
		p.n.log.Debug().Err(err).Str("peer", p.ID()).Str("subject", id).Msg("peer notice failed")
	}
}

func (p *RemotePeer) handlePeerNotice(data []byte) {
	var pn peerNotice
	if err := decodeCBOR(data, &pn); err != nil {
		p.n.log.Warn().Err(err).Str("peer", p.ID()).Msg("invalid peer notice")
		return
	}
	kind := RemotePeerDisconnected
	if pn.Connected {
		kind = RemotePeerConnected
	}
	p.n.emit(Event{Kind: kind, Peer: p.ID(), Subject: pn.Peer})
}

// forgetLocked drops the cached definition id and those issued under it.
func (p *RemotePeer) forgetLocked(id uint64) {
	delete(p.byID, id)
	for cid, def := range p.byID {
		if def.ParentID() == id {
			p.forgetLocked(cid)
		}
	}
}

// sendVoid sends a request that expects no reply.
func (p *RemotePeer) sendVoid(a Action, body any) error {
	data, err := encodeCBOR(body)
	if err != nil {
		return &Error{Kind: ErrInvalidArgument, Message: "encoding request", Err: err}
	}
	rootMetrics.callVoid.Add(1)
	if err := p.sendOut(&Packet{
		Type:    PacketRequest,
		Payload: Request{Action: a, Data: data}.Encode(),
	}); err != nil {
		return &Error{Kind: ErrConnectionLost, Message: fmt.Sprintf("send %v", a), Err: err}
	}
	return nil
}

func (p *RemotePeer) sendRsp(rsp *Response) {
	p.μ.Lock()
	delete(p.icall, rsp.RequestID)
	err := p.err
	p.μ.Unlock()

	if err != nil {
		return
	}

	if err := p.sendOut(&Packet{
		Type:    PacketResponse,
		Payload: rsp.Encode(),
	}); err != nil {
		p.closeOut()
	}
}

// sendReq sends a request packet for the given action and data.
// It blocks until the send completes, but does not wait for the reply.
// The response will be delivered on the returned pending channel.
func (p *RemotePeer) sendReq(a Action, data []byte) (uint32, pending, error) {
	// Phase 1: Check for fatal errors and acquire state.
	p.μ.Lock()
	if err := p.err; err != nil {
		p.μ.Unlock()
		return 0, nil, &Error{Kind: ErrConnectionLost, Message: "peer is offline", Err: err}
	}

	// Request IDs are not reused while the peer runs, and 0 is reserved for
	// requests that expect no reply.
	p.nexto++
	for p.nexto == 0 || p.ocall[p.nexto] != nil {
		p.nexto++
	}
	id := p.nexto
	pc := make(pending, 1)
	p.ocall[id] = pc
	if a == ActionHandshake {
		p.hsID = id
	}
	p.μ.Unlock()

	// Send the request to the remote peer. Note we MUST NOT hold the state lock
	// while doing this, as that will block the receiver from dispatching packets.
	err := p.sendOut(&Packet{
		Type: PacketRequest,
		Payload: Request{
			RequestID: id,
			Action:    a,
			Data:      data,
		}.Encode(),
	})

	// Phase 2: Check for an error in the send, and update state if it failed.
	if err != nil {
		p.μ.Lock()
		delete(p.ocall, id)
		p.μ.Unlock()
		return 0, nil, &Error{Kind: ErrConnectionLost, Message: fmt.Sprintf("send %v", a), Err: err}
	}
	return id, pc, nil
}

// sendCancel sends a cancellation for id to the remote peer.
func (p *RemotePeer) sendCancel(id uint32) {
	if err := p.sendOut(&Packet{
		Type:    PacketCancel,
		Payload: Cancel{RequestID: id}.Encode(),
	}); err != nil {
		p.closeOut() // protocol fatal
	}
}

// requestHandler serves an inbound request. If the request does not expect a
// reply, the returned data are discarded.
type requestHandler func(context.Context, *Request) ([]byte, error)

func (p *RemotePeer) handlerFor(a Action) requestHandler {
	switch a {
	case ActionGet:
		return p.handleGet
	case ActionSet:
		return p.handleSet
	case ActionCall:
		return p.handleCall
	case ActionMeta:
		return p.handleMeta
	case ActionPing:
		return p.handlePing
	case ActionContextAttach:
		return p.handleAttach
	case ActionContextDetach:
		return p.handleDetach
	case ActionSubscribe:
		return p.handleSubscribe
	}
	return nil
}

// dispatchRequest dispatches an inbound request to its handler. It reports
// an error back to the caller for a duplicate request ID or unknown action.
// Any error it returns is protocol fatal.
func (p *RemotePeer) dispatchRequest(req *Request) error {
	rootMetrics.callIn.Add(1)

	// Handshakes and notices are handled in sequence with the packets around
	// them, so that later requests see their effects.
	switch req.Action {
	case ActionHandshake:
		return p.acceptHandshake(req)
	case ActionNotify:
		p.handleNotice(req.Data)
		return nil
	case ActionPeerNotice:
		p.handlePeerNotice(req.Data)
		return nil
	}

	reply := func(code ResultCode, err error) {
		rootMetrics.callInErr.Add(1)
		if req.RequestID == 0 {
			p.n.log.Debug().Str("peer", p.ID()).Stringer("action", req.Action).Msg("dropped void request")
			return
		}
		rsp := &Response{RequestID: req.RequestID, Code: code}
		if err != nil {
			rsp.Data = errorData(err).Encode()
		}
		p.sendRsp(rsp)
	}

	handler := p.handlerFor(req.Action)
	if handler == nil {
		reply(CodeUnknownAction, nil)
		return nil
	}

	p.μ.Lock()
	if _, ok := p.icall[req.RequestID]; ok && req.RequestID != 0 {
		// Report duplicate request ID without failing the existing call.
		p.μ.Unlock()
		reply(CodeDuplicateID, nil)
		return nil
	} else if p.status != Online {
		p.μ.Unlock()
		reply(CodeServiceError, errorf(ErrNotAllowed, "%v before handshake", req.Action))
		return nil
	}

	// Start a goroutine to service the request. The goroutine handles
	// cancellation and response delivery.
	pctx := context.WithValue(p.n.opts.baseContext()(), peerContextKey{}, p)
	ctx, cancel := context.WithCancel(pctx)
	if req.RequestID != 0 {
		p.icall[req.RequestID] = cancel
	}
	id := p.id
	p.μ.Unlock()
	rootMetrics.callActive.Add(1)

	p.tasks.Go(func() error {
		defer cancel()
		defer rootMetrics.callActive.Add(-1)

		data, err := func() (_ []byte, err error) {
			// Ensure a panic out of the handler is turned into a graceful response.
			defer func() {
				if x := recover(); x != nil && err == nil {
					err = fmt.Errorf("handler panicked (recovered): %v", x)
				}
			}()
			return handler(ctx, req)
		}()

		if req.RequestID == 0 {
			if err != nil {
				rootMetrics.callInErr.Add(1)
				p.n.log.Warn().Err(err).Str("peer", id).Stringer("action", req.Action).Msg("void request failed")
			}
			return nil
		}

		rsp := &Response{RequestID: req.RequestID}
		if ctx.Err() != nil || isCanceled(err) {
			// N.B. Only do this for the unwrapped sentinel errors.

			// If the context terminated, treat this as a cancellation even if the
			// handler succeeded. This usually means the remote peer sent a
			// cancellation that the handler ignored.
			rsp.Code = CodeCanceled
		} else if err == nil {
			rsp.Code = CodeSuccess
			rsp.Data = data
		} else {
			rootMetrics.callInErr.Add(1)
			rsp.Code = CodeServiceError
			rsp.Data = errorData(err).Encode()
		}
		p.sendRsp(rsp)
		return nil
	})
	return nil
}

// dispatchPacket routes an inbound packet from the remote peer.
// Any error it reports is protocol fatal.
func (p *RemotePeer) dispatchPacket(pkt *Packet) error {
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: false})
	}
	switch pkt.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid request packet: %w", err)
		}
		return p.dispatchRequest(&req)

	case PacketCancel:
		var req Cancel
		if err := req.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid cancel packet: %w", err)
		}
		rootMetrics.cancelIn.Add(1)
		p.μ.Lock()
		defer p.μ.Unlock()

		// If there is a dispatch in flight for this request, signal it to stop.
		// The dispatch wrapper will figure out how to reply and clean up.
		if stop, ok := p.icall[req.RequestID]; ok {
			stop()
		}
		return nil

	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(pkt.Payload); err != nil {
			return fmt.Errorf("invalid response packet: %w", err)
		}
		p.μ.Lock()
		pc, ok := p.ocall[rsp.RequestID]
		delete(p.ocall, rsp.RequestID)
		hs := ok && rsp.RequestID == p.hsID
		if hs {
			p.hsID = 0
		}
		p.μ.Unlock()
		if !ok {
			// Silently discard response for unknown request ID.
			rootMetrics.packetDropped.Add(1)
			return nil
		}

		if hs && rsp.Code == CodeSuccess {
			if err := p.finishHandshake(rsp.Data); err != nil {
				// Report the local failure to the waiting caller.
				rsp = Response{
					RequestID: rsp.RequestID,
					Code:      CodeServiceError,
					Data:      errorData(err).Encode(),
				}
			}
		}
		pc.deliver(&rsp) // does not block

	default:
		rootMetrics.packetDropped.Add(1)
	}
	return nil
}

func (p *RemotePeer) sendOut(pkt *Packet) error {
	p.out.Lock()
	defer p.out.Unlock()
	rootMetrics.packetSent.Add(1)
	p.μ.Lock()
	plog := p.plog
	p.μ.Unlock()
	if plog != nil {
		plog(PacketInfo{Packet: pkt, Sent: true})
	}
	return p.out.ch.Send(pkt)
}

func (p *RemotePeer) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
}

type pending chan *Response

func (p pending) close() {
	if p != nil {
		close(p)
	}
}

func (p pending) deliver(r *Response) {
	if p != nil {
		p <- r
		close(p)
	}
}

type peerContextKey struct{}

// ContextPeer returns the RemotePeer that sent the request being served by
// ctx, or nil if there is none. Contexts passed to the members of a context
// during a remote call have this value, so that a member can call back to
// the caller.
func ContextPeer(ctx context.Context) *RemotePeer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*RemotePeer)
	}
	return nil
}
