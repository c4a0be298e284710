// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
)

func badRequest(err error) error {
	return &Error{Kind: ErrInvalidArgument, Message: "invalid request", Err: err}
}

// serveMember decodes a member request, resolves its definition, and calls f
// with the result. The value reported by f is encoded as the reply.
func (p *RemotePeer) serveMember(ctx context.Context, req *Request, f func(context.Context, *stub, *memberReq) (any, error)) (_ []byte, err error) {
	var mr memberReq
	if err := decodeCBOR(req.Data, &mr); err != nil {
		return nil, badRequest(err)
	}
	span, ctx := p.n.startServerSpan(ctx, req.Action, p.ID(), mr.Trace)
	defer func() { finishSpan(span, err) }()

	s, err := p.n.lookupStub(mr.Def)
	if err != nil {
		return nil, err
	}
	v, err := f(ctx, s, &mr)
	if err != nil || req.RequestID == 0 {
		return nil, err
	}
	w, err := p.encodeValue(v, mr.Def)
	if err != nil {
		return nil, err
	}
	return encodeCBOR(&w)
}

func (p *RemotePeer) handleGet(ctx context.Context, req *Request) ([]byte, error) {
	return p.serveMember(ctx, req, func(ctx context.Context, s *stub, mr *memberReq) (any, error) {
		return s.get(ctx, mr.Name)
	})
}

func (p *RemotePeer) handleSet(ctx context.Context, req *Request) ([]byte, error) {
	return p.serveMember(ctx, req, func(ctx context.Context, s *stub, mr *memberReq) (any, error) {
		if mr.Value == nil {
			return nil, errorf(ErrInvalidArgument, "missing value for property %q", mr.Name)
		}
		v, err := p.decodeValue(*mr.Value)
		if err != nil {
			return nil, err
		}
		return nil, s.set(ctx, mr.Name, v)
	})
}

func (p *RemotePeer) handleCall(ctx context.Context, req *Request) ([]byte, error) {
	return p.serveMember(ctx, req, func(ctx context.Context, s *stub, mr *memberReq) (any, error) {
		args, err := p.decodeArgs(mr.Args)
		if err != nil {
			return nil, err
		}
		return s.call(ctx, mr.Name, args)
	})
}

func (p *RemotePeer) handleMeta(_ context.Context, req *Request) ([]byte, error) {
	var mr metaReq
	if err := decodeCBOR(req.Data, &mr); err != nil {
		return nil, badRequest(err)
	}
	names := mr.Names
	if len(names) == 0 {
		names = p.n.ContextNames()
	}
	var rsp metaRsp
	for _, name := range names {
		def, err := p.n.DefinitionByName(name)
		if err != nil {
			return nil, err
		}
		rsp.Contexts = append(rsp.Contexts, metaEntry{Name: name, Def: def.toWire()})
	}
	return encodeCBOR(&rsp)
}

func (p *RemotePeer) handlePing(context.Context, *Request) ([]byte, error) { return nil, nil }

func (p *RemotePeer) handleAttach(_ context.Context, req *Request) ([]byte, error) {
	if !p.n.opts.allowRemoteContexts() {
		return nil, errorf(ErrNotAllowed, "peer %s may not attach contexts", p.ID())
	}
	var ar attachReq
	if err := decodeCBOR(req.Data, &ar); err != nil {
		return nil, badRequest(err)
	}
	if ar.Name == "" {
		return nil, errorf(ErrInvalidArgument, "empty context name")
	}
	def, err := ar.Def.toDefinition()
	if err != nil {
		return nil, err
	}
	if _, err := p.n.attachProxy(p, ar.Name, def); err != nil {
		return nil, err
	}
	p.addDefinition(def)
	return nil, nil
}

func (p *RemotePeer) handleSubscribe(_ context.Context, req *Request) ([]byte, error) {
	var sr subscribeReq
	if err := decodeCBOR(req.Data, &sr); err != nil {
		return nil, badRequest(err)
	}
	p.μ.Lock()
	p.watching = sr.On
	p.μ.Unlock()
	return nil, nil
}

func (p *RemotePeer) handleDetach(_ context.Context, req *Request) ([]byte, error) {
	var dr detachReq
	if err := decodeCBOR(req.Data, &dr); err != nil {
		return nil, badRequest(err)
	}
	return nil, p.n.detachProxy(p, dr.Name)
}
