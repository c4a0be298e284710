// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"fmt"
	"reflect"
)

// A stub binds a definition issued by a Netron to the context it describes.
// Stubs for contexts attached by a remote peer have no local context, and
// forward their operations back to that peer.
type stub struct {
	def  *Definition
	ctx  Context // nil for proxies
	name string  // attached name, or "" for a nested definition
	peer string  // the peer a nested definition was issued to

	proxy    *RemotePeer // the peer that attached the context remotely
	remoteID uint64      // the definition ID on the proxy peer
}

func (s *stub) member(name string, kind MemberKind) (Member, error) {
	m, ok := s.def.Member(name)
	if !ok {
		return m, errorf(ErrNotExists, "member %q of context %q not exists", name, s.def.Name())
	} else if m.Kind != kind {
		return m, errorf(ErrInvalidArgument, "member %q of context %q is a %v, not a %v", name, s.def.Name(), m.Kind, kind)
	}
	return m, nil
}

func (s *stub) get(ctx context.Context, name string) (any, error) {
	if _, err := s.member(name, PropertyMember); err != nil {
		return nil, err
	}
	if s.proxy != nil {
		return s.proxy.Get(ctx, s.remoteID, name)
	}
	return recovered(name, func() (any, error) { return s.ctx.GetProperty(ctx, name) })
}

func (s *stub) set(ctx context.Context, name string, value any) error {
	m, err := s.member(name, PropertyMember)
	if err != nil {
		return err
	} else if m.ReadOnly {
		return errorf(ErrNotAllowed, "property %q of context %q is read-only", name, s.def.Name())
	}
	if s.proxy != nil {
		return s.proxy.Set(ctx, s.remoteID, name, value)
	}
	_, err = recovered(name, func() (any, error) { return nil, s.ctx.SetProperty(ctx, name, value) })
	return err
}

func (s *stub) call(ctx context.Context, name string, args Args) (any, error) {
	m, err := s.member(name, MethodMember)
	if err != nil {
		return nil, err
	}
	if s.proxy != nil {
		if m.Void {
			return nil, s.proxy.CallVoid(ctx, s.remoteID, name, args...)
		}
		return s.proxy.Call(ctx, s.remoteID, name, args...)
	}
	return recovered(name, func() (any, error) { return s.ctx.CallMethod(ctx, name, args) })
}

// checkContext reports an error if c cannot be attached or issued. A context
// must be comparable so that its definitions can be found again; a value type
// with map, slice or func fields is not, but a pointer to one is.
func checkContext(c Context) error {
	if c == nil {
		return errorf(ErrInvalidArgument, "nil context")
	} else if !reflect.ValueOf(c).Comparable() {
		return errorf(ErrInvalidArgument, "context of type %T is not comparable", c)
	}
	return nil
}

// sameValue reports whether a and b are equal, treating values that cannot
// be compared as unequal rather than panicking.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	return va.Type() == vb.Type() && va.Comparable() && vb.Comparable() && a == b
}

// recovered calls f, converting a panic into an error.
func recovered(member string, f func() (any, error)) (_ any, err error) {
	defer func() {
		if x := recover(); x != nil && err == nil {
			err = fmt.Errorf("member %q panicked (recovered): %v", member, x)
		}
	}()
	return f()
}
