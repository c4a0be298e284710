// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"strings"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

func spanName(a Action) string { return "netron." + strings.ToLower(a.String()) }

// startClientSpan starts a span for an outbound request and returns a carrier
// to send with the request so the remote side can continue the trace.
func (n *Netron) startClientSpan(ctx context.Context, a Action, peerID string) (opentracing.Span, map[string]string) {
	var opts []opentracing.StartSpanOption
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	span := n.tracer.StartSpan(spanName(a), opts...)
	ext.SpanKindRPCClient.Set(span)
	ext.PeerService.Set(span, peerID)

	carrier := make(opentracing.TextMapCarrier)
	if err := n.tracer.Inject(span.Context(), opentracing.TextMap, carrier); err != nil || len(carrier) == 0 {
		return span, nil
	}
	return span, carrier
}

// startServerSpan starts a span for an inbound request, continuing the trace
// in carrier if there is one.
func (n *Netron) startServerSpan(ctx context.Context, a Action, peerID string, carrier map[string]string) (opentracing.Span, context.Context) {
	var opts []opentracing.StartSpanOption
	if len(carrier) != 0 {
		if sc, err := n.tracer.Extract(opentracing.TextMap, opentracing.TextMapCarrier(carrier)); err == nil {
			opts = append(opts, ext.RPCServerOption(sc))
		}
	}
	span := n.tracer.StartSpan(spanName(a), opts...)
	if len(opts) == 0 {
		ext.SpanKindRPCServer.Set(span)
	}
	ext.PeerService.Set(span, peerID)
	return span, opentracing.ContextWithSpan(ctx, span)
}

// finishSpan records err on span, if any, and finishes it.
func finishSpan(span opentracing.Span, err error) {
	if err != nil {
		ext.Error.Set(span, true)
		span.LogKV("event", "error", "message", err.Error())
	}
	span.Finish()
}
