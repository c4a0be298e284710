// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"

	"github.com/ugorji/go/codec"
)

var (
	cborHandle codec.CborHandle
	encoders   sync.Pool
	decoders   sync.Pool
)

func init() {
	cborHandle.SignedInteger = true
	cborHandle.MapType = reflect.TypeOf(map[string]any(nil))

	encoders.New = func() any { return codec.NewEncoder(nil, &cborHandle) }
	decoders.New = func() any { return codec.NewDecoder(nil, &cborHandle) }
}

// encodeCBOR encodes v in CBOR format.
func encodeCBOR(v any) ([]byte, error) {
	e := encoders.Get().(*codec.Encoder)
	defer encoders.Put(e)

	var buf bytes.Buffer
	e.Reset(&buf)
	if err := e.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeCBOR parses CBOR data into v.
func decodeCBOR(data []byte, v any) error {
	d := decoders.Get().(*codec.Decoder)
	defer decoders.Put(d)

	d.ResetBytes(data)
	return d.Decode(v)
}

// valueKind tags the encoding of a value exchanged with a peer.
type valueKind byte

const (
	kindPlain valueKind = iota // ordinary data, copied by value
	kindDef                    // a context of the sender, as a nested definition
	kindRef                    // a definition owned by the receiver
	kindList                   // a Definitions collection
)

// wireValue is the encoded form of an argument or result.
type wireValue struct {
	Kind  valueKind   `codec:"k"`
	Plain any         `codec:"v"`
	Def   *wireDef    `codec:"d,omitempty"`
	Ref   uint64      `codec:"r,omitempty"`
	List  []wireValue `codec:"l,omitempty"`
}

// encodeValue converts v for transmission to p. Contexts are registered as
// stubs owned by p with the given parent; interfaces bound to p are sent as
// references.
func (p *RemotePeer) encodeValue(v any, parent uint64) (wireValue, error) {
	switch t := v.(type) {
	case *Interface:
		if t.peer != Peer(p) {
			return wireValue{}, errorf(ErrInvalidArgument,
				"interface for definition %d of peer %s cannot be sent to peer %s",
				t.def.ID(), t.peer.ID(), p.ID())
		}
		return wireValue{Kind: kindRef, Ref: t.def.ID()}, nil

	case Context:
		def, err := p.n.refContext(p.ID(), t, parent)
		if err != nil {
			return wireValue{}, err
		}
		return wireValue{Kind: kindDef, Def: def.toWire()}, nil

	case *Definition:
		if t.OwnerID() != p.n.ID() {
			return wireValue{}, errorf(ErrInvalidArgument, "definition %d is not owned by this netron", t.ID())
		}
		if _, err := p.n.lookupStub(t.ID()); err != nil {
			return wireValue{}, err
		}
		return wireValue{Kind: kindDef, Def: t.toWire()}, nil

	case *Definitions:
		out := wireValue{Kind: kindList, List: make([]wireValue, 0, t.Len())}
		for i, elt := range t.items {
			w, err := p.encodeValue(elt, parent)
			if err != nil {
				return wireValue{}, fmt.Errorf("entry %d: %w", i, err)
			}
			out.List = append(out.List, w)
		}
		return out, nil
	}
	return wireValue{Kind: kindPlain, Plain: v}, nil
}

// decodeValue converts a value received from p into its local form. Nested
// definitions become interfaces bound to p; references resolve to the local
// context they name.
func (p *RemotePeer) decodeValue(w wireValue) (any, error) {
	switch w.Kind {
	case kindPlain:
		return w.Plain, nil

	case kindDef:
		def, err := w.Def.toDefinition()
		if err != nil {
			return nil, err
		}
		p.addDefinition(def)
		return NewInterface(def, p), nil

	case kindRef:
		s, err := p.n.lookupStub(w.Ref)
		if err != nil {
			return nil, err
		}
		if s.ctx == nil {
			return NewInterface(s.def, p.n.ownPeer()), nil
		}
		return s.ctx, nil

	case kindList:
		out := new(Definitions)
		for i, elt := range w.List {
			v, err := p.decodeValue(elt)
			if err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
			if err := out.Push(v); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
		}
		return out, nil
	}
	return nil, errorf(ErrInvalidArgument, "invalid value kind %d", w.Kind)
}

// encodeArgs encodes a list of call arguments for p.
func (p *RemotePeer) encodeArgs(args []any, parent uint64) ([]wireValue, error) {
	out := make([]wireValue, len(args))
	for i, arg := range args {
		w, err := p.encodeValue(arg, parent)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = w
	}
	return out, nil
}

// decodeArgs decodes a list of call arguments received from p.
func (p *RemotePeer) decodeArgs(ws []wireValue) (Args, error) {
	out := make(Args, len(ws))
	for i, w := range ws {
		v, err := p.decodeValue(w)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
