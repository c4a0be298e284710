package stream_test

import (
	"context"
	"errors"
	"iter"
	"reflect"
	"strings"
	"testing"

	"github.com/creachadair/netron"
	"github.com/creachadair/netron/peers"
	"github.com/creachadair/netron/stream"
	"github.com/fortytw2/leaktest"
)

type streamer struct{ spec string }

func TestStream(t *testing.T) {
	tests := []struct {
		in      string
		want    []string
		wantErr string
	}{
		{"stream foo bar", vals("foo", "bar"), ""},
		{"stream foo bar, err", vals("foo", "bar"), "service error: test"},
		{"err", vals(), "service error: test"},
		{"req, req, stream foo", vals("req", "req", "foo"), ""},
		// server-side cancellation just before successful stream end
		{"stream foo, server-cancel", vals("foo"), "context canceled"},
		// server-side cancellation that the stream ignores
		{"stream foo, server-cancel, stream bar qux", vals("foo"), "context canceled"},
		// server-side cancellation that the stream obeys
		{"stream foo, server-cancel, return-canceled", vals("foo"), "context canceled"},
		// client-side cancellation
		{"stream foo, client-cancel, stream bar qux", vals("foo"), "context canceled"},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Cleanup(leaktest.Check(t))
			ctx, clientCancel := context.WithCancel(t.Context())
			defer clientCancel()

			// Give the server-side method access to both client-side and
			// server-side CancelFuncs, so that parseStreamSpec can drive
			// cancellation on either end. To synchronize client-side
			// cancellation properly, also smuggle in the client-side context,
			// which will be used exclusively for synchronizing cancellation.
			serverOpts := &netron.Options{
				NewContext: func() context.Context {
					serverCtx, serverCancel := context.WithCancel(context.Background())
					serverCtx = context.WithValue(serverCtx, serverCancelContextKey{}, serverCancel)
					serverCtx = context.WithValue(serverCtx, clientCtxContextKey{}, ctx)
					serverCtx = context.WithValue(serverCtx, clientCancelContextKey{}, clientCancel)
					return serverCtx
				},
			}
			ps, err := peers.NewLocal(t.Context(), serverOpts, nil)
			if err != nil {
				t.Fatalf("NewLocal: %v", err)
			}
			t.Cleanup(func() { ps.Stop() })

			iface := attachStreamer(t, ps.A, ps.PB, tc.in)

			var got []string
			var gotErr error
			for v, err := range stream.Call(ctx, iface, "stream", "req") {
				if err != nil {
					gotErr = err
					break
				}
				got = append(got, v.(string))
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got stream %v, want %v", got, tc.want)
			}
			if gotErr != nil {
				// Errors transit over a network and lose their types, so
				// compare strings instead as an approximation.
				if gotErr.Error() != tc.wantErr {
					t.Fatalf("unexpected error %q, want %q", gotErr, tc.wantErr)
				}
			} else if tc.wantErr != "" {
				t.Fatalf("stream didn't yield error, want %q", tc.wantErr)
			}
		})
	}
}

func TestStreamOwnPeer(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	n := netron.New(nil)
	own, err := n.Connect(t.Context(), "")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	iface := attachStreamer(t, n, own, "stream a b, req")

	var got []string
	for v, err := range stream.Call(t.Context(), iface, "stream", "c") {
		if err != nil {
			t.Fatalf("Stream: unexpected error: %v", err)
		}
		got = append(got, v.(string))
	}
	if want := vals("a", "b", "c"); !reflect.DeepEqual(got, want) {
		t.Errorf("got stream %v, want %v", got, want)
	}
}

func TestStreamEarlyExit(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
	ps, err := peers.NewLocal(t.Context(), nil, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { ps.Stop() })
	iface := attachStreamer(t, ps.A, ps.PB, "stream a b c d")

	var got []string
	for v, err := range stream.Call(t.Context(), iface, "stream") {
		if err != nil {
			t.Fatalf("Stream: unexpected error: %v", err)
		}
		got = append(got, v.(string))
		if len(got) == 2 {
			break
		}
	}
	if want := vals("a", "b"); !reflect.DeepEqual(got, want) {
		t.Errorf("got stream %v, want %v", got, want)
	}
}

func TestMissingSink(t *testing.T) {
	ps, err := peers.NewLocal(t.Context(), nil, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() { ps.Stop() })
	iface := attachStreamer(t, ps.A, ps.PB, "stream a")

	if got, err := iface.Call(t.Context(), "stream"); !errors.Is(err, netron.ErrInvalidArgument) {
		t.Errorf("Call without sink: got (%v, %v), want %v", got, err, netron.ErrInvalidArgument)
	}
	if got, err := iface.Call(t.Context(), "stream", "nope"); !errors.Is(err, netron.ErrInvalidArgument) {
		t.Errorf("Call with bad sink: got (%v, %v), want %v", got, err, netron.ErrInvalidArgument)
	}
}

var streamerClass = netron.Declare[*streamer]("Streamer", netron.AllPublic()).
	Method("stream", stream.Method(func(s *streamer, ctx context.Context, args netron.Args) iter.Seq2[any, error] {
		return parseStreamSpec(ctx, s.spec, args)
	}))

// attachStreamer attaches a streamer running spec to n, and returns an
// interface to it through p.
func attachStreamer(t *testing.T, n *netron.Netron, p netron.Peer, spec string) *netron.Interface {
	t.Helper()
	if _, err := n.AttachContext(streamerClass.Bind(&streamer{spec: spec}), "streamer"); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := p.RequestMeta(t.Context(), "streamer"); err != nil {
		t.Fatalf("RequestMeta: %v", err)
	}
	iface, err := p.InterfaceByName("streamer")
	if err != nil {
		t.Fatalf("InterfaceByName: %v", err)
	}
	return iface
}

func parseStreamSpec(ctx context.Context, s string, args netron.Args) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for _, cmd := range strings.Split(s, ",") {
			fs := strings.Fields(cmd)
			switch fs[0] {
			case "stream":
				for _, v := range fs[1:] {
					if !yield(v, nil) {
						return
					}
				}
			case "req":
				if !yield(args.Value(0), nil) {
					return
				}
			case "err":
				yield(nil, testErr)
				return
			case "server-cancel":
				cancel := ctx.Value(serverCancelContextKey{}).(context.CancelFunc)
				cancel()
				// Closing of ctx.Done can happen asynchronously after cancel
				// returns. Wait on ctx.Done ourselves, to ensure that the
				// caller will reliably see a canceled context as well.
				<-ctx.Done()
			case "client-cancel":
				cancel := ctx.Value(clientCancelContextKey{}).(context.CancelFunc)
				cancel()
				// Same as above, force synchronization of the client's
				// context cancellation.
				clientCtx := ctx.Value(clientCtxContextKey{}).(context.Context)
				<-clientCtx.Done()
			case "return-canceled":
				if ctx.Err() == nil {
					yield(nil, errors.New("instructed to return-canceled, but ctx isn't canceled"))
					return
				}
				yield(nil, ctx.Err())
				return
			default:
				yield(nil, errors.New("unknown stream spec command "+fs[0]))
				return
			}
		}
	}
}

type clientCancelContextKey struct{}
type clientCtxContextKey struct{}
type serverCancelContextKey struct{}

var testErr = errors.New("test")

func vals(vs ...string) []string {
	return vs
}
