// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides adapters to the netron.MethodFunc type for
// functions with other signatures.
//
// The parameter of an adapted function is decoded from the first argument of
// the call. It may be any type the CBOR codec can decode into. When the
// argument is a string or []byte, it may also be a string, a []byte, or a
// type whose pointer supports one of the encoding.BinaryUnmarshaler or
// encoding.TextUnmarshaler interfaces.
//
// Results are returned as-is, except that a type supporting the
// encoding.BinaryMarshaler or encoding.TextMarshaler interface is sent as
// its marshaled form.
package handler

import (
	"context"
	"encoding"
	"fmt"

	"github.com/creachadair/netron"
)

// argsContextKey is a context key for the arguments to a method.
type argsContextKey struct{}

// ContextArgs returns the original arguments passed to the method, and
// reports whether ctx has associated arguments. The context passed to a
// function adapted by this package will have this value.
func ContextArgs(ctx context.Context) (netron.Args, bool) {
	args, ok := ctx.Value(argsContextKey{}).(netron.Args)
	return args, ok
}

// ParamResultError adapts a function f that accepts parameters of type P and
// returns a result of type R and an error, to a netron.MethodFunc.
func ParamResultError[T, P, R any](f func(T, context.Context, P) (R, error)) netron.MethodFunc[T] {
	return func(recv T, ctx context.Context, args netron.Args) (any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		r, err := f(recv, hctx, p)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// ParamResult adapts a function f that accepts parameters of type P and
// returns a result of type R without error, to a netron.MethodFunc.
func ParamResult[T, P, R any](f func(T, context.Context, P) R) netron.MethodFunc[T] {
	return func(recv T, ctx context.Context, args netron.Args) (any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return marshal(f(recv, hctx, p))
	}
}

// ParamError adapts a function f that accepts parameters of type P and returns
// an error with no result, to a netron.MethodFunc.
func ParamError[T, P any](f func(T, context.Context, P) error) netron.MethodFunc[T] {
	return func(recv T, ctx context.Context, args netron.Args) (any, error) {
		var p P
		if err := unmarshal(args, &p); err != nil {
			return nil, err
		}
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return nil, f(recv, hctx, p)
	}
}

// ResultOnly adapts a function f that accepts no parameters and returns a
// result of type R without error, to a netron.MethodFunc.
func ResultOnly[T, R any](f func(T, context.Context) R) netron.MethodFunc[T] {
	return func(recv T, ctx context.Context, args netron.Args) (any, error) {
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		return marshal(f(recv, hctx))
	}
}

// ResultError adapts a function f that accepts no parameters and returns a
// result of type R and an error, to a netron.MethodFunc.
func ResultError[T, R any](f func(T, context.Context) (R, error)) netron.MethodFunc[T] {
	return func(recv T, ctx context.Context, args netron.Args) (any, error) {
		hctx := context.WithValue(ctx, argsContextKey{}, args)
		r, err := f(recv, hctx)
		if err != nil {
			return nil, err
		}
		return marshal(r)
	}
}

// unmarshal decodes the first argument into v. A string or []byte argument
// is stored directly into a *string or *[]byte, or passed to the
// UnmarshalBinary or UnmarshalText method of v if it has one, in that order of
// preference. Otherwise the argument is decoded by the codec.
func unmarshal(args netron.Args, v any) error {
	var data []byte
	switch t := args.Value(0).(type) {
	case []byte:
		data = t
	case string:
		data = []byte(t)
	default:
		if err := args.Decode(0, v); err != nil {
			return fmt.Errorf("cannot unmarshal into %T: %w", v, err)
		}
		return nil
	}
	switch t := v.(type) {
	case *[]byte:
		*t = data
	case *string:
		*t = string(data)
	case encoding.BinaryUnmarshaler:
		return t.UnmarshalBinary(data)
	case encoding.TextUnmarshaler:
		return t.UnmarshalText(data)
	default:
		if err := args.Decode(0, v); err != nil {
			return fmt.Errorf("cannot unmarshal into %T: %w", v, err)
		}
	}
	return nil
}

// marshal converts v into a result. If v implements encoding.BinaryMarshaler
// the result is a []byte; otherwise if it implements encoding.TextMarshaler
// the result is a string. If v implements both, BinaryMarshaler is preferred.
// Other values are returned unchanged.
func marshal(v any) (any, error) {
	switch t := v.(type) {
	case encoding.BinaryMarshaler:
		return t.MarshalBinary()
	case encoding.TextMarshaler:
		text, err := t.MarshalText()
		if err != nil {
			return nil, err
		}
		return string(text), nil
	default:
		return v, nil
	}
}
