// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"fmt"
	"slices"
)

// An Interface is a proxy for a context, bound to its definition and the
// peer that hosts it. Operations on the interface are forwarded to the peer.
// An Interface remains valid as long as its definition; after the context is
// detached its operations report ErrNotExists.
type Interface struct {
	def   *Definition
	peer  Peer
	meths map[string]*Method
	props map[string]*Property
}

// NewInterface constructs an interface for def bound to peer. It builds one
// binding for each public member of def.
func NewInterface(def *Definition, peer Peer) *Interface {
	iface := &Interface{
		def:   def,
		peer:  peer,
		meths: make(map[string]*Method),
		props: make(map[string]*Property),
	}
	for _, m := range def.surface {
		switch m.Kind {
		case MethodMember:
			iface.meths[m.Name] = &Method{iface: iface, member: m}
		case PropertyMember:
			iface.props[m.Name] = &Property{iface: iface, member: m}
		}
	}
	return iface
}

// Definition returns the definition of i.
func (i *Interface) Definition() *Definition { return i.def }

// Peer returns the peer i is bound to.
func (i *Interface) Peer() Peer { return i.peer }

// Methods returns the names of the methods of i, in order.
func (i *Interface) Methods() []string { return sortedKeys(i.meths) }

// Properties returns the names of the properties of i, in order.
func (i *Interface) Properties() []string { return sortedKeys(i.props) }

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Method returns the named method of i, if it exists.
func (i *Interface) Method(name string) (*Method, bool) {
	m, ok := i.meths[name]
	return m, ok
}

// Property returns the named property of i, if it exists.
func (i *Interface) Property(name string) (*Property, bool) {
	p, ok := i.props[name]
	return p, ok
}

func (i *Interface) method(name string) (*Method, error) {
	if m, ok := i.meths[name]; ok {
		return m, nil
	} else if _, ok := i.props[name]; ok {
		return nil, errorf(ErrInvalidArgument, "member %q of %q is a property", name, i.def.Name())
	}
	return nil, errorf(ErrNotExists, "method %q of %q not exists", name, i.def.Name())
}

func (i *Interface) property(name string) (*Property, error) {
	if p, ok := i.props[name]; ok {
		return p, nil
	} else if _, ok := i.meths[name]; ok {
		return nil, errorf(ErrInvalidArgument, "member %q of %q is a method", name, i.def.Name())
	}
	return nil, errorf(ErrNotExists, "property %q of %q not exists", name, i.def.Name())
}

// Call invokes the named method. See Method.Call.
func (i *Interface) Call(ctx context.Context, name string, args ...any) (any, error) {
	m, err := i.method(name)
	if err != nil {
		return nil, err
	}
	return m.Call(ctx, args...)
}

// CallVoid invokes the named method without waiting for its result.
func (i *Interface) CallVoid(ctx context.Context, name string, args ...any) error {
	m, err := i.method(name)
	if err != nil {
		return err
	}
	return m.Void(ctx, args...)
}

// Get reads the named property.
func (i *Interface) Get(ctx context.Context, name string) (any, error) {
	p, err := i.property(name)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx)
}

// Set writes the named property.
func (i *Interface) Set(ctx context.Context, name string, value any) error {
	p, err := i.property(name)
	if err != nil {
		return err
	}
	return p.Set(ctx, value)
}

// String returns a human-friendly rendering of i.
func (i *Interface) String() string {
	return fmt.Sprintf("Interface(%s#%d@%s)", i.def.Name(), i.def.ID(), i.peer.ID())
}

// A Method is the binding of one method of an Interface.
type Method struct {
	iface  *Interface
	member Member
}

// Member returns the description of m.
func (m *Method) Member() Member { return m.member }

// Call invokes the method with the given arguments and returns its result.
// If the method is declared void, Call sends it without waiting and returns
// nil, nil.
func (m *Method) Call(ctx context.Context, args ...any) (any, error) {
	if m.member.Void {
		return nil, m.Void(ctx, args...)
	}
	return m.iface.peer.Call(ctx, m.iface.def.ID(), m.member.Name, args...)
}

// Void invokes the method without waiting for its result.
func (m *Method) Void(ctx context.Context, args ...any) error {
	return m.iface.peer.CallVoid(ctx, m.iface.def.ID(), m.member.Name, args...)
}

// A Property is the binding of one property of an Interface.
type Property struct {
	iface  *Interface
	member Member
}

// Member returns the description of p.
func (p *Property) Member() Member { return p.member }

// Get reads the value of the property.
func (p *Property) Get(ctx context.Context) (any, error) {
	return p.iface.peer.Get(ctx, p.iface.def.ID(), p.member.Name)
}

// Set writes the value of the property. It reports ErrNotAllowed if the
// property is read-only.
func (p *Property) Set(ctx context.Context, value any) error {
	if p.member.ReadOnly {
		return errorf(ErrNotAllowed, "property %q of %q is read-only", p.member.Name, p.iface.def.Name())
	}
	return p.iface.peer.Set(ctx, p.iface.def.ID(), p.member.Name, value)
}
