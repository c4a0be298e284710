// Package stream provides helpers for implementing streaming methods,
// where a single method call yields a stream of result values.
//
// The caller passes a sink context as the final argument of the call. The
// method pushes each value to the sink by calling back through it, and the
// call completes when the stream ends.
package stream

import (
	"context"
	"fmt"
	"iter"

	"github.com/creachadair/netron"
)

// sink receives the values pushed by a streaming method.
type sink struct {
	vals chan any
	done <-chan struct{} // closed when the caller stops listening
}

var sinkClass = netron.Declare[*sink]("stream.Sink", netron.AllPublic()).
	Method("push", func(s *sink, ctx context.Context, args netron.Args) (any, error) {
		select {
		case <-s.done:
			return nil, context.Canceled
		default:
		}
		select {
		case s.vals <- args.Value(0):
			return nil, nil
		case <-s.done:
			// The caller is already unwinding this web of calls. This also
			// turns away a method that held on to the sink after its call
			// returned.
			return nil, context.Canceled
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

// Call calls the named method of iface with args followed by a sink, and
// yields the values the method pushes to the sink. The stream ends at the
// method's discretion, or when ctx is canceled.
//
// The returned iterator yields zero or more (v, nil) values. If the call ends
// unsuccessfully, the iterator ends the stream with a final (nil, err) tuple.
func Call(ctx context.Context, iface *netron.Interface, method string, args ...any) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		// The method streams values back by calling the sink, which runs in a
		// different goroutine. Values cross to the iterator on a channel.
		s := &sink{vals: make(chan any), done: ctx.Done()}
		sc := sinkClass.Bind(s)

		errch := make(chan error, 1)
		go func() {
			// Release the sink in this goroutine, not the iterator, so that
			// the method does not see it vanish while the iterator unwinds.
			defer releaseSink(iface.Peer(), sc)
			defer close(errch)
			_, err := iface.Call(ctx, method, append(args[:len(args):len(args)], sc)...)
			if ctx.Err() != nil {
				// A client-side cancellation can be reported either by the
				// call noticing first, or by the method bouncing a canceled
				// push back to us. Report both as a local cancellation.
				errch <- ctx.Err()
			} else {
				errch <- err
			}
		}()

		for {
			select {
			case v := <-s.vals:
				if !yield(v, nil) {
					// Returning cancels the context of the call and the sink,
					// so both unwind on their own.
					return
				}
			case err := <-errch:
				if err != nil {
					yield(nil, err)
				}
				return
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			}
		}
	}
}

// releaseSink releases the definitions issued for sc by the netron of peer.
func releaseSink(peer netron.Peer, sc netron.Context) {
	switch p := peer.(type) {
	case *netron.RemotePeer:
		p.Netron().ReleaseContext(sc)
	case *netron.OwnPeer:
		p.Netron().ReleaseContext(sc)
	}
}

// Func is a variant of netron.MethodFunc that yields a stream of results,
// rather than a single value. The args do not include the sink. The returned
// iterator is expected to only yield a non-nil error as its final element,
// following zero or more error-free tuples.
type Func[T any] func(recv T, ctx context.Context, args netron.Args) iter.Seq2[any, error]

// Method adapts a Func into a netron.MethodFunc. The resulting method must be
// invoked with [Call].
func Method[T any](fn Func[T]) netron.MethodFunc[T] {
	return func(recv T, ctx context.Context, args netron.Args) (any, error) {
		push, err := sinkOf(args)
		if err != nil {
			return nil, err
		}

		for v, err := range fn(recv, ctx, args[:len(args)-1]) {
			if err != nil {
				return nil, err
			}
			// The iterator may not obey cancellation itself, so check here too.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := push(ctx, v); err != nil {
				return nil, err
			}
		}

		// If the iterator reacted to a cancellation by simply returning,
		// report the cancellation ourselves.
		return nil, ctx.Err()
	}
}

// sinkOf returns a function that pushes values to the sink passed as the
// final element of args.
func sinkOf(args netron.Args) (func(context.Context, any) error, error) {
	if args.Len() == 0 {
		return nil, &netron.Error{Kind: netron.ErrInvalidArgument, Message: "missing stream sink"}
	}
	switch t := args.Value(args.Len() - 1).(type) {
	case *netron.Interface:
		if _, ok := t.Method("push"); !ok {
			break
		}
		return func(ctx context.Context, v any) error {
			_, err := t.Call(ctx, "push", v)
			return err
		}, nil
	case netron.Context:
		// The caller is a local client of the same netron.
		return func(ctx context.Context, v any) error {
			_, err := t.CallMethod(ctx, "push", netron.Args{v})
			return err
		}, nil
	}
	return nil, &netron.Error{
		Kind:    netron.ErrInvalidArgument,
		Message: fmt.Sprintf("argument %d is not a stream sink", args.Len()-1),
	}
}
