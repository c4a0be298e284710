// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
)

// OwnPeer is the peer that represents a Netron to itself. Its operations act
// directly on the contexts attached to the netron, without encoding. Obtain
// it by calling Connect with an empty address.
type OwnPeer struct {
	n *Netron
}

// Netron returns the netron represented by p.
func (p *OwnPeer) Netron() *Netron { return p.n }

// ID returns the ID of the netron.
func (p *OwnPeer) ID() string { return p.n.ID() }

// Status reports Online.
func (p *OwnPeer) Status() Status { return Online }

// IsConnected reports true.
func (p *OwnPeer) IsConnected() bool { return true }

// IsNetronConnected reports true.
func (p *OwnPeer) IsNetronConnected() bool { return true }

// HasContexts reports whether any contexts are attached to the netron.
func (p *OwnPeer) HasContexts() bool { return p.n.HasContexts() }

// HasContext reports whether a context is attached with the given name.
func (p *OwnPeer) HasContext(name string) bool { return p.n.HasContext(name) }

// ContextNames returns the names of the attached contexts.
func (p *OwnPeer) ContextNames() []string { return p.n.ContextNames() }

// AttachContext attaches c to the netron. It does not block.
func (p *OwnPeer) AttachContext(_ context.Context, c Context, name string) (*Definition, error) {
	return p.n.AttachContext(c, name)
}

// DetachContext detaches a context from the netron. It does not block.
func (p *OwnPeer) DetachContext(_ context.Context, name string) error {
	return p.n.DetachContext(name)
}

// Get reads a property of the context with the given definition ID.
func (p *OwnPeer) Get(ctx context.Context, defID uint64, name string) (any, error) {
	s, err := p.n.lookupStub(defID)
	if err != nil {
		return nil, err
	}
	v, err := s.get(ctx, name)
	if err != nil {
		return nil, err
	}
	return p.result(v, defID)
}

// Set writes a property of the context with the given definition ID.
// Unlike a remote peer, errors from the context are reported.
func (p *OwnPeer) Set(ctx context.Context, defID uint64, name string, value any) error {
	s, err := p.n.lookupStub(defID)
	if err != nil {
		return err
	}
	return s.set(ctx, name, p.arg(value))
}

// Call invokes a method of the context with the given definition ID.
func (p *OwnPeer) Call(ctx context.Context, defID uint64, method string, args ...any) (any, error) {
	s, err := p.n.lookupStub(defID)
	if err != nil {
		return nil, err
	}
	v, err := s.call(ctx, method, p.args(args))
	if err != nil {
		return nil, err
	}
	return p.result(v, defID)
}

// CallVoid invokes a method of the context with the given definition ID. The
// method runs to completion before CallVoid returns, but errors it reports
// are logged rather than returned. CallVoid reports an error only if the
// definition does not exist.
func (p *OwnPeer) CallVoid(ctx context.Context, defID uint64, method string, args ...any) error {
	s, err := p.n.lookupStub(defID)
	if err != nil {
		return err
	}
	if _, err := s.call(ctx, method, p.args(args)); err != nil {
		p.n.log.Debug().Err(err).Uint64("def", defID).Str("method", method).Msg("void call failed")
	}
	return nil
}

// RequestMeta returns the definition of the named context. It does not block.
func (p *OwnPeer) RequestMeta(_ context.Context, name string) (*Definition, error) {
	return p.n.DefinitionByName(name)
}

// DefinitionByName returns the definition of the named context.
func (p *OwnPeer) DefinitionByName(name string) (*Definition, error) {
	return p.n.DefinitionByName(name)
}

// InterfaceByID returns an interface for the given definition ID.
func (p *OwnPeer) InterfaceByID(defID uint64) (*Interface, error) {
	s, err := p.n.lookupStub(defID)
	if err != nil {
		return nil, err
	}
	return NewInterface(s.def, p), nil
}

// InterfaceByName returns an interface for the named context.
func (p *OwnPeer) InterfaceByName(name string) (*Interface, error) {
	def, err := p.n.DefinitionByName(name)
	if err != nil {
		return nil, err
	}
	return NewInterface(def, p), nil
}

// Ping reports nil without blocking.
func (p *OwnPeer) Ping(context.Context) error { return nil }

// arg converts an interface bound to p back into its context.
func (p *OwnPeer) arg(v any) any {
	if t, ok := v.(*Interface); ok && t.peer == Peer(p) {
		if s, err := p.n.lookupStub(t.def.ID()); err == nil && s.ctx != nil {
			return s.ctx
		}
	}
	return v
}

func (p *OwnPeer) args(vs []any) Args {
	out := make(Args, len(vs))
	for i, v := range vs {
		out[i] = p.arg(v)
	}
	return out
}

// result converts a context returned by a member of defID into an interface
// bound to p, issuing a nested definition if needed.
func (p *OwnPeer) result(v any, parent uint64) (any, error) {
	c, ok := v.(Context)
	if !ok {
		return v, nil
	}
	def, err := p.n.refContext(p.n.ID(), c, parent)
	if err != nil {
		return nil, err
	}
	return NewInterface(def, p), nil
}
