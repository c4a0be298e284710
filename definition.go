// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"fmt"
	"slices"
	"strings"
)

// MemberKind distinguishes methods from properties.
type MemberKind byte

const (
	MethodMember   MemberKind = 1
	PropertyMember MemberKind = 2
)

func (k MemberKind) String() string {
	switch k {
	case MethodMember:
		return "method"
	case PropertyMember:
		return "property"
	default:
		return fmt.Sprintf("kind %d", byte(k))
	}
}

// A Member describes one public member of a context surface.
type Member struct {
	Name        string     `codec:"name"`
	Kind        MemberKind `codec:"kind"`
	Description string     `codec:"desc,omitempty"`

	// Type is an optional human-readable type annotation. For methods it
	// describes the result, for properties the value.
	Type string `codec:"type,omitempty"`

	// Void is set for methods that are invoked without a reply.
	Void bool `codec:"void,omitempty"`

	// ReadOnly is set for properties that cannot be written remotely.
	ReadOnly bool `codec:"ro,omitempty"`
}

// IsMethod reports whether m describes a method.
func (m Member) IsMethod() bool { return m.Kind == MethodMember }

// IsProperty reports whether m describes a property.
func (m Member) IsProperty() bool { return m.Kind == PropertyMember }

func (m Member) String() string {
	var sb strings.Builder
	sb.WriteString(m.Kind.String())
	sb.WriteByte(' ')
	sb.WriteString(m.Name)
	if m.Type != "" {
		fmt.Fprintf(&sb, " %s", m.Type)
	}
	if m.Void {
		sb.WriteString(" [void]")
	}
	if m.ReadOnly {
		sb.WriteString(" [readonly]")
	}
	return sb.String()
}

// A Definition is the immutable, serializable description of an attached or
// referenced context. Definitions are created by a Netron when a context is
// attached or passed to a peer, and are identified by an ID unique within
// the Netron that issued them.
type Definition struct {
	id          uint64
	parentID    uint64
	ownerID     string
	name        string
	description string
	surface     []Member
}

// NewDefinition constructs a definition with the given fields. The surface is
// copied. This is mainly useful for tests and custom peer implementations;
// definitions are ordinarily created by a Netron.
func NewDefinition(id, parentID uint64, ownerID, name, description string, surface []Member) *Definition {
	return &Definition{
		id:          id,
		parentID:    parentID,
		ownerID:     ownerID,
		name:        name,
		description: description,
		surface:     slices.Clone(surface),
	}
}

// ID reports the definition ID, unique within the issuing netron.
func (d *Definition) ID() uint64 { return d.id }

// ParentID reports the ID of the definition through which d was obtained, or
// 0 if d describes a directly attached context.
func (d *Definition) ParentID() uint64 { return d.parentID }

// OwnerID reports the ID of the netron that issued d.
func (d *Definition) OwnerID() string { return d.ownerID }

// Name reports the context name of d.
func (d *Definition) Name() string { return d.name }

// Description reports the human-readable description of d, if any.
func (d *Definition) Description() string { return d.description }

// Surface returns a copy of the public members of d.
func (d *Definition) Surface() []Member { return slices.Clone(d.surface) }

// Member returns the public member of d with the given name, if present.
func (d *Definition) Member(name string) (Member, bool) {
	for _, m := range d.surface {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// Methods returns the names of the public methods of d.
func (d *Definition) Methods() []string { return d.names(MethodMember) }

// Properties returns the names of the public properties of d.
func (d *Definition) Properties() []string { return d.names(PropertyMember) }

func (d *Definition) names(kind MemberKind) []string {
	var out []string
	for _, m := range d.surface {
		if m.Kind == kind {
			out = append(out, m.Name)
		}
	}
	return out
}

// String returns a human-friendly rendering of d.
func (d *Definition) String() string {
	return fmt.Sprintf("Definition(ID=%d, Name=%q, Owner=%s, %d members)", d.id, d.name, d.ownerID, len(d.surface))
}

// withID returns a copy of d with the given ID, parent and owner.
func (d *Definition) withID(id, parentID uint64, ownerID string) *Definition {
	return &Definition{
		id:          id,
		parentID:    parentID,
		ownerID:     ownerID,
		name:        d.name,
		description: d.description,
		surface:     d.surface,
	}
}

// wireDef is the encoded form of a Definition.
type wireDef struct {
	ID          uint64   `codec:"id"`
	ParentID    uint64   `codec:"parent,omitempty"`
	OwnerID     string   `codec:"owner"`
	Name        string   `codec:"name"`
	Description string   `codec:"desc,omitempty"`
	Surface     []Member `codec:"surface"`
}

func (d *Definition) toWire() *wireDef {
	return &wireDef{
		ID:          d.id,
		ParentID:    d.parentID,
		OwnerID:     d.ownerID,
		Name:        d.name,
		Description: d.description,
		Surface:     d.surface,
	}
}

func (w *wireDef) toDefinition() (*Definition, error) {
	if w == nil {
		return nil, errorf(ErrInvalidArgument, "missing definition")
	}
	for _, m := range w.Surface {
		if m.Kind != MethodMember && m.Kind != PropertyMember {
			return nil, errorf(ErrInvalidArgument, "definition %d: member %q has invalid %v", w.ID, m.Name, m.Kind)
		}
	}
	return NewDefinition(w.ID, w.ParentID, w.OwnerID, w.Name, w.Description, w.Surface), nil
}
