// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/rs/zerolog"
)

// DefaultResponseTimeout is the time a remote call waits for its response
// when the caller's context has no deadline.
const DefaultResponseTimeout = 3 * time.Minute

// Options are settings for a Netron. A nil *Options is ready for use and
// provides default values as described.
type Options struct {
	// ID is the netron ID. If empty, a random UUID is generated.
	ID string

	// Logger receives diagnostic logs. If nil, logs are discarded.
	Logger *zerolog.Logger

	// Tracer records spans for remote calls. If nil, no spans are recorded.
	Tracer opentracing.Tracer

	// Dial connects a channel to the given address. It is required for
	// Connect with a non-empty address.
	Dial func(ctx context.Context, addr string) (Channel, error)

	// ResponseTimeout bounds the time a remote request waits for a response
	// when its context has no deadline. If zero, DefaultResponseTimeout is
	// used; if negative, requests wait without a bound.
	ResponseTimeout time.Duration

	// AllowRemoteContexts permits peers to attach contexts to this netron.
	AllowRemoteContexts bool

	// NewContext, if set, returns a base context for dispatching inbound
	// requests. If nil, a background context is used.
	NewContext func() context.Context
}

func (o *Options) id() string {
	if o == nil {
		return ""
	}
	return o.ID
}

func (o *Options) logger() zerolog.Logger {
	if o == nil || o.Logger == nil {
		return zerolog.Nop()
	}
	return *o.Logger
}

func (o *Options) tracer() opentracing.Tracer {
	if o == nil || o.Tracer == nil {
		return opentracing.NoopTracer{}
	}
	return o.Tracer
}

func (o *Options) dialer() func(context.Context, string) (Channel, error) {
	if o == nil {
		return nil
	}
	return o.Dial
}

func (o *Options) responseTimeout() time.Duration {
	if o == nil || o.ResponseTimeout == 0 {
		return DefaultResponseTimeout
	}
	return o.ResponseTimeout
}

func (o *Options) allowRemoteContexts() bool { return o != nil && o.AllowRemoteContexts }

func (o *Options) baseContext() func() context.Context {
	if o == nil || o.NewContext == nil {
		return context.Background
	}
	return o.NewContext
}
