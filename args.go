// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"fmt"
	"math"
)

// Args are the arguments of a method call. Arguments received from a remote
// peer are decoded from CBOR, so integers arrive as int64, and maps as
// map[string]any; the accessors convert among compatible representations.
// Nested contexts arrive as *Interface values bound to the calling peer.
type Args []any

// Len reports the number of arguments.
func (a Args) Len() int { return len(a) }

func (a Args) at(i int) (any, error) {
	if i < 0 || i >= len(a) {
		return nil, errorf(ErrInvalidArgument, "missing argument %d (have %d)", i, len(a))
	}
	return a[i], nil
}

func argType(i int, v any, want string) error {
	return errorf(ErrInvalidArgument, "argument %d: got %T, want %s", i, v, want)
}

// Value returns argument i, or nil if it does not exist.
func (a Args) Value(i int) any {
	v, _ := a.at(i)
	return v
}

// Int returns argument i as an integer.
func (a Args) Int(i int) (int64, error) {
	v, err := a.at(i)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, errorf(ErrInvalidArgument, "argument %d: value %d out of range", i, t)
		}
		return int64(t), nil
	case float32:
		if float32(int64(t)) == t {
			return int64(t), nil
		}
	case float64:
		if float64(int64(t)) == t {
			return int64(t), nil
		}
	}
	return 0, argType(i, v, "integer")
}

// Float returns argument i as a floating-point value.
func (a Args) Float(i int) (float64, error) {
	v, err := a.at(i)
	if err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	}
	if n, err := a.Int(i); err == nil {
		return float64(n), nil
	}
	return 0, argType(i, v, "number")
}

// String returns argument i as a string.
func (a Args) String(i int) (string, error) {
	v, err := a.at(i)
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	return "", argType(i, v, "string")
}

// Bool returns argument i as a Boolean.
func (a Args) Bool(i int) (bool, error) {
	v, err := a.at(i)
	if err != nil {
		return false, err
	}
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, argType(i, v, "bool")
}

// Interface returns argument i as an interface to a context of the caller.
func (a Args) Interface(i int) (*Interface, error) {
	v, err := a.at(i)
	if err != nil {
		return nil, err
	}
	if t, ok := v.(*Interface); ok {
		return t, nil
	}
	return nil, argType(i, v, "interface")
}

// Context returns argument i as a local context. This is the case when the
// caller passes back an interface it obtained from this netron.
func (a Args) Context(i int) (Context, error) {
	v, err := a.at(i)
	if err != nil {
		return nil, err
	}
	if t, ok := v.(Context); ok {
		return t, nil
	}
	return nil, argType(i, v, "context")
}

// Decode decodes argument i into the value pointed to by v, by re-encoding
// it. This is how structured arguments are unpacked into Go types.
func (a Args) Decode(i int, v any) error {
	arg, err := a.at(i)
	if err != nil {
		return err
	}
	switch arg.(type) {
	case *Interface, Context, *Definition, *Definitions:
		return argType(i, arg, "plain data")
	}
	data, err := encodeCBOR(arg)
	if err != nil {
		return &Error{Kind: ErrInvalidArgument, Message: fmt.Sprintf("argument %d", i), Err: err}
	}
	if err := decodeCBOR(data, v); err != nil {
		return &Error{Kind: ErrInvalidArgument, Message: fmt.Sprintf("argument %d", i), Err: err}
	}
	return nil
}
