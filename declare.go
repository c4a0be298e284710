// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"fmt"
	"slices"
)

// A Context is a value that can be attached to a Netron and invoked by peers.
// Contexts are ordinarily constructed by binding a value to a Class, but any
// type satisfying this interface may be attached.
//
// The methods of a Context may be called concurrently by multiple peers.
type Context interface {
	// Declaration reports the declared members of the context.
	Declaration() *Declaration

	// GetProperty reads the named property.
	GetProperty(ctx context.Context, name string) (any, error)

	// SetProperty writes the named property.
	SetProperty(ctx context.Context, name string, value any) error

	// CallMethod invokes the named method with the given arguments.
	CallMethod(ctx context.Context, name string, args Args) (any, error)
}

// A Declaration records the name and members of a context class, including
// members not visible to peers.
type Declaration struct {
	Name        string
	Description string

	members []declMember
}

type declMember struct {
	Member
	public bool
}

// Public returns the members of d visible to peers, in declaration order.
func (d *Declaration) Public() []Member {
	var out []Member
	for _, m := range d.members {
		if m.public {
			out = append(out, m.Member)
		}
	}
	return out
}

// Lookup returns the member of d with the given name, and reports whether it
// is visible to peers. If no such member exists, ok == false.
func (d *Declaration) Lookup(name string) (m Member, public, ok bool) {
	i := slices.IndexFunc(d.members, func(m declMember) bool { return m.Name == name })
	if i < 0 {
		return Member{}, false, false
	}
	return d.members[i].Member, d.members[i].public, true
}

// An Option configures a class or one of its members.
type Option func(*optionSet)

type optionSet struct {
	public    *bool
	allPublic bool
	desc      string
	typ       string
	void      bool
	readOnly  bool
}

func newOptionSet(opts []Option) *optionSet {
	var s optionSet
	for _, o := range opts {
		o(&s)
	}
	return &s
}

// Public marks a member as visible to peers.
func Public() Option { return func(s *optionSet) { t := true; s.public = &t } }

// Private marks a member as hidden from peers. This is the default unless the
// class is declared with AllPublic.
func Private() Option { return func(s *optionSet) { f := false; s.public = &f } }

// AllPublic makes members of a class public unless marked Private.
func AllPublic() Option { return func(s *optionSet) { s.allPublic = true } }

// Description attaches a human-readable description to a class or member.
func Description(text string) Option { return func(s *optionSet) { s.desc = text } }

// Type attaches a documentary type name to a member.
func Type(name string) Option { return func(s *optionSet) { s.typ = name } }

// Void marks a method as returning no meaningful result. Peers invoke void
// methods without waiting for a reply.
func Void() Option { return func(s *optionSet) { s.void = true } }

// ReadOnly marks a property as not writable by peers.
func ReadOnly() Option { return func(s *optionSet) { s.readOnly = true } }

// A MethodFunc implements a method of a context class with receiver type T.
type MethodFunc[T any] func(recv T, ctx context.Context, args Args) (any, error)

// A Class is the registration table for a context type T. Use Declare to
// create a class, add members with Method and Property, and Bind values to
// obtain contexts. A class must not be modified after its first Bind.
type Class[T any] struct {
	decl      *Declaration
	allPublic bool
	methods   map[string]MethodFunc[T]
	getters   map[string]func(T) any
	setters   map[string]func(T, any) error
}

// Declare declares a new context class with the given name.
func Declare[T any](name string, opts ...Option) *Class[T] {
	s := newOptionSet(opts)
	return &Class[T]{
		decl:      &Declaration{Name: name, Description: s.desc},
		allPublic: s.allPublic,
		methods:   make(map[string]MethodFunc[T]),
		getters:   make(map[string]func(T) any),
		setters:   make(map[string]func(T, any) error),
	}
}

func (c *Class[T]) add(m Member, s *optionSet) {
	if m.Name == "" {
		panic("empty member name")
	}
	if _, _, ok := c.decl.Lookup(m.Name); ok {
		panic(fmt.Sprintf("duplicate member %q in class %q", m.Name, c.decl.Name))
	}
	public := c.allPublic
	if s.public != nil {
		public = *s.public
	}
	c.decl.members = append(c.decl.members, declMember{Member: m, public: public})
}

// Method adds a method with the given name to c and returns c. It panics if
// c already has a member with that name.
func (c *Class[T]) Method(name string, f MethodFunc[T], opts ...Option) *Class[T] {
	if f == nil {
		panic("nil method function")
	}
	s := newOptionSet(opts)
	c.add(Member{
		Name:        name,
		Kind:        MethodMember,
		Description: s.desc,
		Type:        s.typ,
		Void:        s.void,
	}, s)
	c.methods[name] = f
	return c
}

// Property adds a property with the given name to c and returns c. If set is
// nil, the property is read-only. It panics if c already has a member with
// that name.
func (c *Class[T]) Property(name string, get func(T) any, set func(T, any) error, opts ...Option) *Class[T] {
	if get == nil {
		panic("nil property getter")
	}
	s := newOptionSet(opts)
	c.add(Member{
		Name:        name,
		Kind:        PropertyMember,
		Description: s.desc,
		Type:        s.typ,
		ReadOnly:    s.readOnly || set == nil,
	}, s)
	c.getters[name] = get
	if set != nil {
		c.setters[name] = set
	}
	return c
}

// Declaration returns the declaration of c.
func (c *Class[T]) Declaration() *Declaration { return c.decl }

// Bind returns a Context that dispatches the members of c to v.
func (c *Class[T]) Bind(v T) Context { return &instance[T]{class: c, value: v} }

type instance[T any] struct {
	class *Class[T]
	value T
}

func (in *instance[T]) Declaration() *Declaration { return in.class.decl }

func (in *instance[T]) GetProperty(_ context.Context, name string) (any, error) {
	get, ok := in.class.getters[name]
	if !ok {
		return nil, errorf(ErrNotExists, "property %q not exists", name)
	}
	return get(in.value), nil
}

func (in *instance[T]) SetProperty(_ context.Context, name string, value any) error {
	set, ok := in.class.setters[name]
	if !ok {
		if _, exists := in.class.getters[name]; exists {
			return errorf(ErrNotAllowed, "property %q is read-only", name)
		}
		return errorf(ErrNotExists, "property %q not exists", name)
	}
	return set(in.value, value)
}

func (in *instance[T]) CallMethod(ctx context.Context, name string, args Args) (any, error) {
	f, ok := in.class.methods[name]
	if !ok {
		return nil, errorf(ErrNotExists, "method %q not exists", name)
	}
	return f(in.value, ctx, args)
}

// Value returns the value bound to c, if c was constructed by Bind on a class
// with receiver type T.
func Value[T any](c Context) (T, bool) {
	if in, ok := c.(*instance[T]); ok {
		return in.value, true
	}
	var zero T
	return zero, false
}
