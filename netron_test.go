// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron_test

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/mds/mtest"
	"github.com/creachadair/netron"
	"github.com/creachadair/netron/channel"
	"github.com/creachadair/netron/peers"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/opentracing/opentracing-go/mocktracer"
)

// calc is a context type used by the tests.
type calc struct {
	name    string
	added   chan int64    // receives the arguments of "add"
	started chan struct{} // receives a value when "wait" begins

	μ     sync.Mutex
	total int64
}

func newCalc(name string) *calc {
	return &calc{name: name, added: make(chan int64, 16), started: make(chan struct{}, 16)}
}

var calcClass *netron.Class[*calc]

func init() {
	calcClass = netron.Declare[*calc]("Calc", netron.Description("arithmetic for tests")).
		Method("double", func(_ *calc, _ context.Context, args netron.Args) (any, error) {
			x, err := args.Int(0)
			if err != nil {
				return nil, err
			}
			return 2 * x, nil
		}, netron.Public(), netron.Type("func(int) int")).
		Method("fail", func(*calc, context.Context, netron.Args) (any, error) {
			return nil, errors.New("kaboom")
		}, netron.Public()).
		Method("add", func(c *calc, _ context.Context, args netron.Args) (any, error) {
			x, err := args.Int(0)
			if err != nil {
				return nil, err
			}
			c.μ.Lock()
			c.total += x
			c.μ.Unlock()
			c.added <- x
			return nil, nil
		}, netron.Public(), netron.Void()).
		Method("wait", func(c *calc, ctx context.Context, _ netron.Args) (any, error) {
			c.started <- struct{}{}
			<-ctx.Done()
			return nil, ctx.Err()
		}, netron.Public()).
		Method("sleep", func(_ *calc, _ context.Context, args netron.Args) (any, error) {
			ms, err := args.Int(1)
			if err != nil {
				return nil, err
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return args.Value(0), nil
		}, netron.Public()).
		Method("apply", func(_ *calc, ctx context.Context, args netron.Args) (any, error) {
			// The callback is an interface to a context of the caller, or one of
			// our own contexts passed back to us.
			if cb, err := args.Interface(0); err == nil {
				return cb.Call(ctx, "double", args.Value(1))
			}
			cb, err := args.Context(0)
			if err != nil {
				return nil, err
			}
			return cb.CallMethod(ctx, "double", args[1:])
		}, netron.Public()).
		Method("child", func(c *calc, _ context.Context, args netron.Args) (any, error) {
			name, err := args.String(0)
			if err != nil {
				return nil, err
			}
			return calcClass.Bind(newCalc(c.name + "/" + name)), nil
		}, netron.Public()).
		Method("hidden", func(*calc, context.Context, netron.Args) (any, error) {
			return "secret", nil
		}).
		Property("total", func(c *calc) any {
			c.μ.Lock()
			defer c.μ.Unlock()
			return c.total
		}, func(c *calc, v any) error {
			x, err := netron.Args{v}.Int(0)
			if err != nil {
				return err
			}
			c.μ.Lock()
			defer c.μ.Unlock()
			c.total = x
			return nil
		}, netron.Public()).
		Property("name", func(c *calc) any { return c.name }, nil, netron.Public())
}

func mustLocal(t *testing.T, aopts, bopts *netron.Options) *peers.Local {
	t.Helper()
	loc, err := peers.NewLocal(t.Context(), aopts, bopts)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	t.Cleanup(func() {
		if err := loc.Stop(); err != nil {
			t.Errorf("Stopping peers: %v", err)
		}
	})
	return loc
}

// waitFor polls cond until it reports true, and fails t if that does not
// happen within a few seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func mustAttach(t *testing.T, n *netron.Netron, c netron.Context, name string) *netron.Definition {
	t.Helper()
	def, err := n.AttachContext(c, name)
	if err != nil {
		t.Fatalf("AttachContext %q: %v", name, err)
	}
	return def
}

// remoteInterface fetches the definition of the named context from p and
// returns an interface for it.
func remoteInterface(t *testing.T, p netron.Peer, name string) *netron.Interface {
	t.Helper()
	if _, err := p.RequestMeta(t.Context(), name); err != nil {
		t.Fatalf("RequestMeta %q: %v", name, err)
	}
	iface, err := p.InterfaceByName(name)
	if err != nil {
		t.Fatalf("InterfaceByName %q: %v", name, err)
	}
	return iface
}

func checkCall(t *testing.T, iface *netron.Interface, method string, want any, args ...any) {
	t.Helper()
	got, err := iface.Call(t.Context(), method, args...)
	if err != nil {
		t.Errorf("Call %q%v: unexpected error: %v", method, args, err)
	} else if !cmp.Equal(got, want) {
		t.Errorf("Call %q%v: got %#v, want %#v", method, args, got, want)
	}
}

func checkErr(t *testing.T, label string, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Errorf("%s: got error %v, want %v", label, err, want)
	} else {
		t.Logf("%s: got expected error: %v", label, err)
	}
}

func TestDefinitions(t *testing.T) {
	n := netron.New(nil)
	def := mustAttach(t, n, calcClass.Bind(newCalc("x")), "x")
	ctx := calcClass.Bind(newCalc("y"))
	own, err := n.Connect(t.Context(), "")
	if err != nil {
		t.Fatalf("Connect own: %v", err)
	}
	iface := netron.NewInterface(def, own)

	t.Run("Invalid", func(t *testing.T) {
		var nilDef *netron.Definition
		for _, bad := range []any{"string", 25, nil, nilDef} {
			if d, err := netron.NewDefinitions(def, bad); err == nil {
				t.Errorf("NewDefinitions(%v): got %v, want error", bad, d)
			} else if !errors.Is(err, netron.ErrInvalidArgument) {
				t.Errorf("NewDefinitions(%v): got %v, want %v", bad, err, netron.ErrInvalidArgument)
			} else if !strings.Contains(err.Error(), "argument 1") {
				t.Errorf("NewDefinitions(%v): error %q does not name the index", bad, err)
			}
		}
	})

	t.Run("NoPartial", func(t *testing.T) {
		d, err := netron.NewDefinitions(def)
		if err != nil {
			t.Fatalf("NewDefinitions: %v", err)
		}
		if err := d.Push(ctx, iface, "bogus"); err == nil {
			t.Error("Push: got nil, want error")
		}
		if err := d.Unshift(3.5, ctx); err == nil {
			t.Error("Unshift: got nil, want error")
		}
		if d.Len() != 1 {
			t.Errorf("Len after failed insertions: got %d, want 1", d.Len())
		}
	})

	t.Run("Sequence", func(t *testing.T) {
		var d netron.Definitions
		if v, ok := d.Pop(); ok {
			t.Errorf("Pop empty: got %v, want none", v)
		}
		if v, ok := d.Shift(); ok {
			t.Errorf("Shift empty: got %v, want none", v)
		}
		if err := d.Push(def, ctx); err != nil {
			t.Fatalf("Push: %v", err)
		}
		if err := d.Unshift(iface); err != nil {
			t.Fatalf("Unshift: %v", err)
		}
		if got, want := d.All(), []any{iface, def, ctx}; !slices.Equal(got, want) {
			t.Errorf("Entries: got %v, want %v", got, want)
		}
		if got := d.IndexOf(def); got != 1 {
			t.Errorf("IndexOf: got %d, want 1", got)
		}
		if got := d.Find(func(v any) bool { _, ok := v.(netron.Context); return ok }); got != ctx {
			t.Errorf("Find: got %v, want %v", got, ctx)
		}
		if got := d.Slice(1, 3).Len(); got != 2 {
			t.Errorf("Slice: got %d entries, want 2", got)
		}
		removed := d.Splice(0, 2, ctx)
		if want := []any{iface, def}; !slices.Equal(removed, want) {
			t.Errorf("Splice removed: got %v, want %v", removed, want)
		}
		if v, ok := d.Pop(); !ok || v != ctx {
			t.Errorf("Pop: got %v, %v; want %v", v, ok, ctx)
		}
		if v, ok := d.Shift(); !ok || v != ctx {
			t.Errorf("Shift: got %v, %v; want %v", v, ok, ctx)
		}
		mtest.MustPanic(t, func() { d.Get(0) })
	})
}

func TestDeclare(t *testing.T) {
	decl := calcClass.Declaration()
	if decl.Name != "Calc" {
		t.Errorf("Name: got %q, want Calc", decl.Name)
	}
	var pub []string
	for _, m := range decl.Public() {
		pub = append(pub, m.Name)
	}
	if diff := cmp.Diff(pub, []string{"double", "fail", "add", "wait", "sleep", "apply", "child", "total", "name"}); diff != "" {
		t.Errorf("Public members (-got, +want):\n%s", diff)
	}
	if m, public, ok := decl.Lookup("hidden"); !ok || public {
		t.Errorf("Lookup hidden: got %v, public=%v, ok=%v", m, public, ok)
	}
	if m, _, ok := decl.Lookup("name"); !ok || !m.ReadOnly {
		t.Errorf("Lookup name: got %v, want read-only", m)
	}

	t.Run("Duplicate", func(t *testing.T) {
		got := mtest.MustPanic(t, func() {
			netron.Declare[int]("dup").
				Property("x", func(int) any { return 0 }, nil).
				Method("x", func(int, context.Context, netron.Args) (any, error) { return nil, nil })
		}).(string)
		if !strings.Contains(got, "duplicate member") {
			t.Errorf("Duplicate: got %q, want duplicate member", got)
		}
	})

	t.Run("Value", func(t *testing.T) {
		want := newCalc("v")
		if got, ok := netron.Value[*calc](calcClass.Bind(want)); !ok || got != want {
			t.Errorf("Value: got %v, %v; want %v", got, ok, want)
		}
		if _, ok := netron.Value[int](calcClass.Bind(want)); ok {
			t.Error("Value[int]: unexpectedly succeeded")
		}
	})
}

func TestAttachDetach(t *testing.T) {
	n := netron.New(&netron.Options{ID: "alpha"})
	c := calcClass.Bind(newCalc("c"))

	def1 := mustAttach(t, n, c, "c")
	if def1.OwnerID() != "alpha" || def1.Name() != "Calc" || def1.ParentID() != 0 {
		t.Errorf("Definition: got %v owner %q parent %d", def1, def1.OwnerID(), def1.ParentID())
	}
	if _, ok := def1.Member("hidden"); ok {
		t.Error("Definition exposes a private member")
	}
	if diff := cmp.Diff(def1.Properties(), []string{"total", "name"}); diff != "" {
		t.Errorf("Properties (-got, +want):\n%s", diff)
	}

	_, err := n.AttachContext(c, "c")
	checkErr(t, "Attach duplicate", err, netron.ErrExists)

	if !n.HasContext("c") || !n.HasContexts() {
		t.Error("HasContext: context c not reported")
	}
	if err := n.DetachContext("c"); err != nil {
		t.Fatalf("DetachContext: %v", err)
	}
	checkErr(t, "Detach again", n.DetachContext("c"), netron.ErrNotExists)
	_, err = n.DefinitionByName("c")
	checkErr(t, "DefinitionByName", err, netron.ErrNotExists)

	def2 := mustAttach(t, n, c, "c")
	if def2.ID() == def1.ID() {
		t.Errorf("Reattach: got the same definition ID %d", def2.ID())
	}

	// An empty name uses the declared class name.
	mustAttach(t, n, calcClass.Bind(newCalc("d")), "")
	if diff := cmp.Diff(n.ContextNames(), []string{"Calc", "c"}); diff != "" {
		t.Errorf("ContextNames (-got, +want):\n%s", diff)
	}

	_, err = n.AttachContext(nil, "nil")
	checkErr(t, "Attach nil", err, netron.ErrInvalidArgument)

	n.DetachAllContexts()
	if n.HasContexts() {
		t.Errorf("After DetachAllContexts: got %q", n.ContextNames())
	}
}

func TestOwnPeer(t *testing.T) {
	n := netron.New(nil)
	c := newCalc("own")
	mustAttach(t, n, calcClass.Bind(c), "c")

	p, err := n.Connect(t.Context(), "")
	if err != nil {
		t.Fatalf("Connect own: %v", err)
	}
	if p.ID() != n.ID() {
		t.Errorf("Own peer ID: got %q, want %q", p.ID(), n.ID())
	}
	if p.Status() != netron.Online || !p.IsConnected() || !p.IsNetronConnected() {
		t.Errorf("Own peer status: got %v", p.Status())
	}
	if err := p.Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if q, _ := n.Connect(t.Context(), ""); q != p {
		t.Errorf("Connect own again: got %p, want %p", q, p)
	}
	if q, err := n.Peer(n.ID()); err != nil || q != p {
		t.Errorf("Peer(own): got %v, %v; want %v", q, err, p)
	}

	iface := remoteInterface(t, p, "c")
	checkCall(t, iface, "double", int64(42), 21)
	if _, ok := iface.Method("hidden"); ok {
		t.Error("Interface exposes a private method")
	}

	_, err = iface.Call(t.Context(), "fail")
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("Call fail: got %v, want kaboom", err)
	}
	if err := iface.CallVoid(t.Context(), "fail"); err != nil {
		t.Errorf("CallVoid fail: got %v, want nil", err)
	}

	// A void method invoked by Call reports no result.
	if v, err := iface.Call(t.Context(), "add", 5); v != nil || err != nil {
		t.Errorf("Call add: got %v, %v; want nil, nil", v, err)
	}
	if got := <-c.added; got != 5 {
		t.Errorf("add: got %d, want 5", got)
	}

	if err := iface.Set(t.Context(), "total", 12); err != nil {
		t.Errorf("Set total: %v", err)
	}
	if v, err := iface.Get(t.Context(), "total"); err != nil || v != int64(12) {
		t.Errorf("Get total: got %v, %v; want 12", v, err)
	}
	checkErr(t, "Set read-only", iface.Set(t.Context(), "name", "x"), netron.ErrNotAllowed)
	checkErr(t, "Set read-only direct", p.Set(t.Context(), iface.Definition().ID(), "name", "x"), netron.ErrNotAllowed)
	_, err = iface.Call(t.Context(), "nonesuch")
	checkErr(t, "Call unknown", err, netron.ErrNotExists)
	_, err = iface.Get(t.Context(), "double")
	checkErr(t, "Get method", err, netron.ErrInvalidArgument)
	_, err = iface.Call(t.Context(), "total")
	checkErr(t, "Call property", err, netron.ErrInvalidArgument)
	_, err = p.Call(t.Context(), iface.Definition().ID(), "hidden")
	checkErr(t, "Call hidden", err, netron.ErrNotExists)

	// A context result becomes an interface with a nested definition.
	v, err := iface.Call(t.Context(), "child", "kid")
	if err != nil {
		t.Fatalf("Call child: %v", err)
	}
	kid, ok := v.(*netron.Interface)
	if !ok {
		t.Fatalf("Call child: got %T, want *Interface", v)
	}
	if kid.Definition().ParentID() != iface.Definition().ID() {
		t.Errorf("Child parent: got %d, want %d", kid.Definition().ParentID(), iface.Definition().ID())
	}
	checkCall(t, kid, "double", int64(8), 4)

	if err := n.DetachContext("c"); err != nil {
		t.Fatalf("DetachContext: %v", err)
	}
	_, err = iface.Call(t.Context(), "double", 1)
	checkErr(t, "Call after detach", err, netron.ErrNotExists)
	_, err = kid.Call(t.Context(), "double", 1)
	checkErr(t, "Call child after detach", err, netron.ErrNotExists)
}

func TestUnimplementedPeer(t *testing.T) {
	var p netron.Peer = netron.UnimplementedPeer{}
	ctx := t.Context()
	tests := []struct {
		name string
		err  error
	}{
		{"Get", func() error { _, err := p.Get(ctx, 1, "x"); return err }()},
		{"Set", p.Set(ctx, 1, "x", 0)},
		{"Call", func() error { _, err := p.Call(ctx, 1, "x"); return err }()},
		{"CallVoid", p.CallVoid(ctx, 1, "x")},
		{"RequestMeta", func() error { _, err := p.RequestMeta(ctx, "x"); return err }()},
		{"Ping", p.Ping(ctx)},
	}
	for _, tc := range tests {
		if !errors.Is(tc.err, netron.ErrNotImplemented) {
			t.Errorf("%s: got %v, want %v", tc.name, tc.err, netron.ErrNotImplemented)
		} else if want := "method " + tc.name + " not implemented"; tc.err.Error() != want {
			t.Errorf("%s: got %q, want %q", tc.name, tc.err, want)
		}
	}
}

// The example from the package documentation, end to end.
func TestDouble(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	t.Cleanup(func() {
		checkZero := func(m *expvar.Map, name string) {
			v := m.Get(name).(*expvar.Int).Value()
			if v != 0 {
				t.Errorf("Metric %q = %d, want 0", name, v)
			}
		}
		m := netron.Metrics()
		t.Logf("Metrics at exit: %v", m)

		// Check some basic properties of peer metrics once the peers stop.
		checkZero(m, "calls_active")
		checkZero(m, "calls_pending")
	})
	loc := mustLocal(t, nil, nil)

	mustAttach(t, loc.A, calcClass.Bind(newCalc("c")), "c")
	iface := remoteInterface(t, loc.PB, "c")
	if iface.Definition().OwnerID() != loc.A.ID() {
		t.Errorf("Owner: got %q, want %q", iface.Definition().OwnerID(), loc.A.ID())
	}
	checkCall(t, iface, "double", int64(42), 21)

	if err := loc.A.DetachContext("c"); err != nil {
		t.Fatalf("DetachContext: %v", err)
	}
	_, err := iface.Call(t.Context(), "double", 21)
	checkErr(t, "Call after detach", err, netron.ErrNotExists)

	var ce *netron.CallError
	if !errors.As(err, &ce) {
		t.Errorf("Call after detach: got %T, want *CallError", err)
	}
}

func TestRemoteMembers(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc := mustLocal(t, nil, nil)
	c := newCalc("remote")
	mustAttach(t, loc.A, calcClass.Bind(c), "c")
	iface := remoteInterface(t, loc.PB, "c")

	t.Run("CallVoid", func(t *testing.T) {
		_, err := iface.Call(t.Context(), "fail")
		if err == nil || !strings.Contains(err.Error(), "kaboom") {
			t.Errorf("Call fail: got %v, want kaboom", err)
		}
		if err := iface.CallVoid(t.Context(), "fail"); err != nil {
			t.Errorf("CallVoid fail: got %v, want nil", err)
		}
		if v, err := iface.Call(t.Context(), "add", 3); v != nil || err != nil {
			t.Errorf("Call add: got %v, %v; want nil, nil", v, err)
		}
		if got := <-c.added; got != 3 {
			t.Errorf("add: got %d, want 3", got)
		}
	})

	t.Run("Properties", func(t *testing.T) {
		if v, err := iface.Get(t.Context(), "name"); err != nil || v != "remote" {
			t.Errorf("Get name: got %v, %v; want remote", v, err)
		}
		checkErr(t, "Set read-only", iface.Set(t.Context(), "name", "x"), netron.ErrNotAllowed)
		checkErr(t, "Set method", loc.PB.Set(t.Context(), iface.Definition().ID(), "double", 1), netron.ErrInvalidArgument)
		checkErr(t, "Set unknown def", loc.PB.Set(t.Context(), 9999, "total", 1), netron.ErrNotExists)

		if err := iface.Set(t.Context(), "total", 100); err != nil {
			t.Fatalf("Set total: %v", err)
		}
		// Set does not wait for the remote side, so poll for the update.
		for {
			v, err := iface.Get(t.Context(), "total")
			if err != nil {
				t.Fatalf("Get total: %v", err)
			} else if v == int64(100) {
				break
			}
			time.Sleep(time.Millisecond)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := iface.Call(t.Context(), "double", "not a number")
		checkErr(t, "Call bad argument", err, netron.ErrInvalidArgument)
		_, err = loc.PB.Call(t.Context(), iface.Definition().ID(), "hidden")
		checkErr(t, "Call hidden", err, netron.ErrNotExists)
		_, err = loc.PB.Get(t.Context(), 9999, "name")
		checkErr(t, "Get unknown def", err, netron.ErrNotExists)
		_, err = loc.PB.RequestMeta(t.Context(), "nonesuch")
		checkErr(t, "RequestMeta unknown", err, netron.ErrNotExists)
		_, err = loc.PB.InterfaceByName("nonesuch")
		checkErr(t, "InterfaceByName unknown", err, netron.ErrNotExists)
	})

	t.Run("Contexts", func(t *testing.T) {
		mustAttach(t, loc.A, calcClass.Bind(newCalc("d")), "d")
		defer loc.A.DetachContext("d")

		defs, err := loc.PB.RequestContexts(t.Context())
		if err != nil {
			t.Fatalf("RequestContexts: %v", err)
		}
		if defs.Len() != 2 {
			t.Errorf("RequestContexts: got %d definitions, want 2", defs.Len())
		}
		if _, err := loc.PB.DefinitionByName("d"); err != nil {
			t.Errorf("DefinitionByName d: %v", err)
		}
	})
}

// gate is a context whose "hold" method blocks until its gate is released.
type gate struct {
	arrived chan int64
	release []chan struct{}
}

var gateClass = netron.Declare[*gate]("Gate", netron.AllPublic()).
	Method("hold", func(g *gate, ctx context.Context, args netron.Args) (any, error) {
		i, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		g.arrived <- i
		select {
		case <-g.release[i]:
			return i, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

func TestConcurrentCalls(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	const numCalls = 8
	gt := &gate{arrived: make(chan int64, numCalls)}
	for range numCalls {
		gt.release = append(gt.release, make(chan struct{}))
	}

	loc := mustLocal(t, nil, nil)
	mustAttach(t, loc.A, gateClass.Bind(gt), "gate")
	iface := remoteInterface(t, loc.PB, "gate")

	done := make(chan int64, numCalls)
	g := taskgroup.New(nil)
	for i := range numCalls {
		g.Go(func() error {
			got, err := iface.Call(t.Context(), "hold", i)
			if err != nil {
				return fmt.Errorf("call %d: %w", i, err)
			} else if got != int64(i) {
				return fmt.Errorf("call %d: got %v, want %d", i, got, i)
			}
			done <- int64(i)
			return nil
		})
	}

	// All the calls must be in flight at once.
	for range numCalls {
		select {
		case <-gt.arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for calls to arrive")
		}
	}

	// Release the calls in reverse order, and check that each response is
	// delivered before the next (earlier) call is released.
	for i := numCalls - 1; i >= 0; i-- {
		close(gt.release[i])
		select {
		case got := <-done:
			if got != int64(i) {
				t.Errorf("Completed call %d, want %d", got, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for call %d", i)
		}
	}
	if err := g.Wait(); err != nil {
		t.Errorf("Calls: %v", err)
	}
}

// tagged is a Context implemented by a value type that cannot be compared.
type tagged struct{ tags map[string]int }

func (tagged) Declaration() *netron.Declaration { return calcClass.Declaration() }

func (tg tagged) GetProperty(context.Context, string) (any, error) { return len(tg.tags), nil }

func (tagged) SetProperty(context.Context, string, any) error { return nil }

func (tagged) CallMethod(context.Context, string, netron.Args) (any, error) { return nil, nil }

func TestUncomparableContext(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc := mustLocal(t, nil, nil)
	mustAttach(t, loc.A, calcClass.Bind(newCalc("c")), "c")
	iface := remoteInterface(t, loc.PB, "c")
	tc := tagged{tags: map[string]int{"x": 1}}

	_, err := loc.A.AttachContext(tc, "tagged")
	checkErr(t, "AttachContext", err, netron.ErrInvalidArgument)
	if loc.A.HasContext("tagged") {
		t.Error("Uncomparable context was attached")
	}

	_, err = iface.Call(t.Context(), "apply", tc, 1)
	checkErr(t, "Call with context argument", err, netron.ErrInvalidArgument)

	_, err = loc.PB.AttachContext(t.Context(), tc, "tagged")
	checkErr(t, "Remote AttachContext", err, netron.ErrInvalidArgument)

	_, err = netron.NewDefinitions(tc)
	checkErr(t, "NewDefinitions", err, netron.ErrInvalidArgument)

	d, err := netron.NewDefinitions(calcClass.Bind(newCalc("d")))
	if err != nil {
		t.Fatalf("NewDefinitions: %v", err)
	}
	if got := d.IndexOf(tc); got != -1 {
		t.Errorf("IndexOf: got %d, want -1", got)
	}

	// Releasing an uncomparable value is a no-op.
	loc.B.ReleaseContext(tc)

	// The peer is still usable.
	checkCall(t, iface, "double", int64(4), 2)
}

func TestDisconnect(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc, err := peers.NewLocal(t.Context(), nil, nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	c := newCalc("c")
	mustAttach(t, loc.A, calcClass.Bind(c), "c")
	iface := remoteInterface(t, loc.PB, "c")

	var exitErr error
	exited := make(chan struct{})
	loc.PB.OnExit(func(err error) { exitErr = err; close(exited) })

	call := taskgroup.Go(func() error {
		_, err := iface.Call(context.Background(), "wait")
		return err
	})
	<-c.started

	if err := loc.PA.Close(); err != nil {
		t.Errorf("PA.Close: %v", err)
	}
	checkErr(t, "Pending call", call.Wait(), netron.ErrConnectionLost)

	<-exited
	if exitErr != nil {
		t.Errorf("OnExit: got %v, want nil", exitErr)
	}
	if loc.PB.IsConnected() {
		t.Errorf("PB status: got %v, want offline", loc.PB.Status())
	}
	if err := loc.PB.Wait(); err != nil {
		t.Errorf("PB.Wait: %v", err)
	}
	_, err = iface.Call(t.Context(), "double", 1)
	checkErr(t, "Call after disconnect", err, netron.ErrConnectionLost)
	if got := loc.B.Peers(); len(got) != 0 {
		t.Errorf("Peers after disconnect: got %v, want none", got)
	}
	if _, err := loc.A.Peer(loc.B.ID()); !errors.Is(err, netron.ErrNotExists) {
		t.Errorf("Peer after disconnect: got %v, want %v", err, netron.ErrNotExists)
	}
}

func TestTimeout(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc := mustLocal(t, nil, &netron.Options{ResponseTimeout: 30 * time.Millisecond})
	c := newCalc("c")
	mustAttach(t, loc.A, calcClass.Bind(c), "c")
	iface := remoteInterface(t, loc.PB, "c")

	t.Run("Default", func(t *testing.T) {
		_, err := iface.Call(t.Context(), "wait")
		checkErr(t, "Call wait", err, netron.ErrTimeout)
		<-c.started
	})

	t.Run("Deadline", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		_, err := iface.Call(ctx, "wait")
		checkErr(t, "Call wait", err, netron.ErrTimeout)
		<-c.started
	})

	t.Run("Cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		go func() { <-c.started; cancel() }()
		_, err := iface.Call(ctx, "wait")
		checkErr(t, "Call wait", err, context.Canceled)
	})

	// The peer remains usable after abandoned calls.
	checkCall(t, iface, "double", int64(6), 3)
}

func TestHandshake(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc := mustLocal(t, &netron.Options{ID: "alpha"}, &netron.Options{ID: "bravo"})
	if got := loc.PB.ID(); got != "alpha" {
		t.Errorf("PB.ID: got %q, want alpha", got)
	}
	if p, err := loc.A.Peer("bravo"); err != nil || p != netron.Peer(loc.PA) {
		t.Errorf("Peer(bravo): got %v, %v; want %v", p, err, loc.PA)
	}

	// A second connection between the same netrons is refused.
	a2b, b2a := channel.Direct()
	pa := loc.A.Accept(a2b)
	_, err := loc.B.ConnectChannel(t.Context(), b2a)
	checkErr(t, "Duplicate connect", err, netron.ErrExists)
	pa.Wait()

	// A connection to itself is refused.
	c1, c2 := channel.Direct()
	self := loc.A.Accept(c1)
	_, err = loc.A.ConnectChannel(t.Context(), c2)
	checkErr(t, "Self connect", err, netron.ErrExists)
	self.Wait()

	// A peer cannot be used before its handshake.
	d1, d2 := channel.Direct()
	idle := loc.A.Accept(d1)
	checkErr(t, "Ping before handshake", idle.Ping(t.Context()), netron.ErrNotAllowed)
	d2.Close()
	idle.Wait()

	_, err = loc.A.Connect(t.Context(), "localhost:1")
	checkErr(t, "Connect without dialer", err, netron.ErrInvalidArgument)
}

func TestRemoteAttach(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	t.Run("Allowed", func(t *testing.T) {
		loc := mustLocal(t, &netron.Options{AllowRemoteContexts: true}, nil)
		c := newCalc("published")
		def, err := loc.PB.AttachContext(t.Context(), calcClass.Bind(c), "pub")
		if err != nil {
			t.Fatalf("AttachContext: %v", err)
		}
		if def.OwnerID() != loc.B.ID() {
			t.Errorf("Owner: got %q, want %q", def.OwnerID(), loc.B.ID())
		}
		if !loc.A.HasContext("pub") {
			t.Fatal("Remote context not attached to A")
		}
		_, err = loc.PB.AttachContext(t.Context(), calcClass.Bind(c), "pub")
		checkErr(t, "Attach again", err, netron.ErrExists)

		// Calls on A are forwarded back to B.
		own, err := loc.A.Connect(t.Context(), "")
		if err != nil {
			t.Fatalf("Connect own: %v", err)
		}
		iface := remoteInterface(t, own, "pub")
		checkCall(t, iface, "double", int64(8), 4)
		if v, err := iface.Get(t.Context(), "name"); err != nil || v != "published" {
			t.Errorf("Get name: got %v, %v; want published", v, err)
		}

		// Writes are forwarded to the owner too.
		if err := iface.Set(t.Context(), "total", 7); err != nil {
			t.Fatalf("Set total: %v", err)
		}
		waitFor(t, "total == 7", func() bool {
			c.μ.Lock()
			defer c.μ.Unlock()
			return c.total == 7
		})
		if v, err := iface.Get(t.Context(), "total"); err != nil || v != int64(7) {
			t.Errorf("Get total: got %v, %v; want 7", v, err)
		}
		checkErr(t, "Set read-only", iface.Set(t.Context(), "name", "x"), netron.ErrNotAllowed)

		// A local detach of a context attached by a peer is allowed, but the
		// peer cannot detach contexts it did not attach.
		mustAttach(t, loc.A, calcClass.Bind(newCalc("local")), "local")
		checkErr(t, "Detach unknown", loc.PB.DetachContext(t.Context(), "local"), netron.ErrNotExists)

		// B holds the definition it issued for the attached context until
		// the detach succeeds.
		ownB, err := loc.B.Connect(t.Context(), "")
		if err != nil {
			t.Fatalf("Connect own B: %v", err)
		}
		if _, err := ownB.InterfaceByID(def.ID()); err != nil {
			t.Errorf("InterfaceByID before detach: %v", err)
		}

		if err := loc.PB.DetachContext(t.Context(), "pub"); err != nil {
			t.Errorf("DetachContext: %v", err)
		}
		if loc.A.HasContext("pub") {
			t.Error("Remote context still attached to A")
		}
		_, err = ownB.InterfaceByID(def.ID())
		checkErr(t, "InterfaceByID after detach", err, netron.ErrNotExists)
		_, err = iface.Call(t.Context(), "double", 1)
		checkErr(t, "Call after detach", err, netron.ErrNotExists)
	})

	t.Run("NotAllowed", func(t *testing.T) {
		loc := mustLocal(t, nil, nil)
		_, err := loc.PB.AttachContext(t.Context(), calcClass.Bind(newCalc("x")), "x")
		checkErr(t, "AttachContext", err, netron.ErrNotAllowed)
		if loc.A.HasContext("x") {
			t.Error("Context attached despite refusal")
		}
	})

	t.Run("Disconnect", func(t *testing.T) {
		loc, err := peers.NewLocal(t.Context(), &netron.Options{AllowRemoteContexts: true}, nil)
		if err != nil {
			t.Fatalf("NewLocal: %v", err)
		}
		if _, err := loc.PB.AttachContext(t.Context(), calcClass.Bind(newCalc("x")), "x"); err != nil {
			t.Fatalf("AttachContext: %v", err)
		}
		loc.Stop()
		if loc.A.HasContext("x") {
			t.Error("Remote context survived disconnect")
		}
	})
}

func TestEvents(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc := mustLocal(t, nil, nil)

	events := make(chan string, 16)
	stop := loc.B.Watch(func(e netron.Event) {
		events <- e.Kind.String() + " " + e.Name
	})

	wait := taskgroup.Go(func() error {
		return loc.PB.WaitForContext(t.Context(), "c")
	})
	waitLocal := taskgroup.Go(func() error {
		return loc.A.WaitForContext(t.Context(), "c")
	})
	mustAttach(t, loc.A, calcClass.Bind(newCalc("c")), "c")
	if err := wait.Wait(); err != nil {
		t.Errorf("PB.WaitForContext: %v", err)
	}
	if err := waitLocal.Wait(); err != nil {
		t.Errorf("A.WaitForContext: %v", err)
	}
	if !loc.PB.HasContext("c") || !loc.PB.HasContexts() {
		t.Errorf("PB contexts: got %q, want c", loc.PB.ContextNames())
	}

	if err := loc.A.DetachContext("c"); err != nil {
		t.Fatalf("DetachContext: %v", err)
	}
	got := []string{<-events, <-events}
	stop()
	if diff := cmp.Diff(got, []string{"peer:context:attach c", "peer:context:detach c"}); diff != "" {
		t.Errorf("Events (-got, +want):\n%s", diff)
	}
	if loc.PB.HasContext("c") {
		t.Error("PB still reports context c after detach")
	}

	// Waiting on a peer that goes away reports a lost connection.
	lost := taskgroup.Go(func() error {
		return loc.PB.WaitForContext(t.Context(), "never")
	})
	loc.PA.Close()
	checkErr(t, "WaitForContext", lost.Wait(), netron.ErrConnectionLost)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Millisecond)
	defer cancel()
	checkErr(t, "WaitForContext timeout", loc.A.WaitForContext(ctx, "never"), context.DeadlineExceeded)
}

func TestPeerNotices(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc := mustLocal(t, &netron.Options{ID: "alpha"}, &netron.Options{ID: "bravo"})

	events := make(chan string, 16)
	stop := loc.B.Watch(func(e netron.Event) {
		if e.Kind == netron.RemotePeerConnected || e.Kind == netron.RemotePeerDisconnected {
			events <- e.String()
		}
	})
	defer stop()

	next := func() string {
		t.Helper()
		select {
		case e := <-events:
			return e
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for a peer notice")
			return ""
		}
	}

	// visit connects a new netron with the given ID to A, then disconnects
	// it and waits for A to finish with it.
	visit := func(id string) {
		t.Helper()
		a2x, x2a := channel.Direct()
		pa := loc.A.Accept(a2x)
		px, err := netron.New(&netron.Options{ID: id}).ConnectChannel(t.Context(), x2a)
		if err != nil {
			t.Fatalf("Connect %s: %v", id, err)
		}
		px.Close()
		pa.Wait()
	}

	if err := loc.PB.Subscribe(t.Context()); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	visit("charlie")
	got := []string{next(), next()}
	want := []string{"peer:peer:connect(alpha, charlie)", "peer:peer:disconnect(alpha, charlie)"}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Notices (-got, +want):\n%s", diff)
	}

	// No notices are sent after unsubscribing. Notices from A arrive in
	// order, so the next one seen must be for echo, not delta.
	if err := loc.PB.Unsubscribe(t.Context()); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	visit("delta")
	if err := loc.PB.Subscribe(t.Context()); err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	visit("echo")
	if got, want := next(), "peer:peer:connect(alpha, echo)"; got != want {
		t.Errorf("Notice after resubscribe: got %q, want %q", got, want)
	}
}

func TestNestedContexts(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc := mustLocal(t, nil, nil)
	mustAttach(t, loc.A, calcClass.Bind(newCalc("c")), "c")
	iface := remoteInterface(t, loc.PB, "c")

	t.Run("Callback", func(t *testing.T) {
		// B passes a context of its own, which A calls back.
		cb := calcClass.Bind(newCalc("cb"))
		checkCall(t, iface, "apply", int64(10), cb, 5)
	})

	t.Run("Result", func(t *testing.T) {
		v, err := iface.Call(t.Context(), "child", "kid")
		if err != nil {
			t.Fatalf("Call child: %v", err)
		}
		kid, ok := v.(*netron.Interface)
		if !ok {
			t.Fatalf("Call child: got %T, want *Interface", v)
		}
		if got, want := kid.Definition().ParentID(), iface.Definition().ID(); got != want {
			t.Errorf("Child parent: got %d, want %d", got, want)
		}
		if name, err := kid.Get(t.Context(), "name"); err != nil || name != "c/kid" {
			t.Errorf("Child name: got %v, %v; want c/kid", name, err)
		}
		if _, err := loc.PB.InterfaceByID(kid.Definition().ID()); err != nil {
			t.Errorf("InterfaceByID: %v", err)
		}

		// Passing the interface back resolves to the original context on A.
		checkCall(t, iface, "apply", int64(14), kid, 7)

		// Detaching the parent releases the child.
		if err := loc.A.DetachContext("c"); err != nil {
			t.Fatalf("DetachContext: %v", err)
		}
		_, err = kid.Call(t.Context(), "double", 1)
		checkErr(t, "Child after detach", err, netron.ErrNotExists)
	})

	t.Run("ForeignInterface", func(t *testing.T) {
		other := netron.New(nil)
		def := mustAttach(t, other, calcClass.Bind(newCalc("o")), "o")
		own, _ := other.Connect(t.Context(), "")
		foreign := netron.NewInterface(def, own)
		_, err := loc.PB.Call(t.Context(), 1, "apply", foreign, 1)
		checkErr(t, "Foreign interface", err, netron.ErrInvalidArgument)
	})
}

func TestTracing(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	at, bt := mocktracer.New(), mocktracer.New()
	loc := mustLocal(t, &netron.Options{Tracer: at}, &netron.Options{Tracer: bt})
	mustAttach(t, loc.A, calcClass.Bind(newCalc("c")), "c")
	iface := remoteInterface(t, loc.PB, "c")
	bt.Reset()
	at.Reset()

	checkCall(t, iface, "double", int64(4), 2)

	var client *mocktracer.MockSpan
	for _, s := range bt.FinishedSpans() {
		if s.OperationName == "netron.call" {
			client = s
		}
	}
	if client == nil {
		t.Fatalf("No client span recorded: %v", bt.FinishedSpans())
	}
	if got := client.Tag(string(ext.SpanKind)); got != ext.SpanKindRPCClientEnum {
		t.Errorf("Client span kind: got %v, want %v", got, ext.SpanKindRPCClientEnum)
	}

	var server *mocktracer.MockSpan
	for _, s := range at.FinishedSpans() {
		if s.OperationName == "netron.call" {
			server = s
		}
	}
	if server == nil {
		t.Fatalf("No server span recorded: %v", at.FinishedSpans())
	}
	if got := server.Tag(string(ext.SpanKind)); got != ext.SpanKindRPCServerEnum {
		t.Errorf("Server span kind: got %v, want %v", got, ext.SpanKindRPCServerEnum)
	}
	if server.SpanContext.TraceID != client.SpanContext.TraceID {
		t.Errorf("Trace IDs differ: server %d, client %d", server.SpanContext.TraceID, client.SpanContext.TraceID)
	}
	if server.ParentID != client.SpanContext.SpanID {
		t.Errorf("Server parent: got %d, want %d", server.ParentID, client.SpanContext.SpanID)
	}
}

func TestLogPackets(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	loc := mustLocal(t, nil, nil)
	mustAttach(t, loc.A, calcClass.Bind(newCalc("c")), "c")
	iface := remoteInterface(t, loc.PB, "c")

	var mu sync.Mutex
	var sent, recv []netron.PacketType
	loc.PB.LogPackets(func(pkt netron.PacketInfo) {
		mu.Lock()
		defer mu.Unlock()
		if pkt.Sent {
			sent = append(sent, pkt.Type)
		} else {
			recv = append(recv, pkt.Type)
		}
	})
	checkCall(t, iface, "double", int64(2), 1)
	loc.PB.LogPackets(nil)

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(sent, []netron.PacketType{netron.PacketRequest}); diff != "" {
		t.Errorf("Sent (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(recv, []netron.PacketType{netron.PacketResponse}); diff != "" {
		t.Errorf("Received (-got, +want):\n%s", diff)
	}
}

func TestPacket(t *testing.T) {
	req := netron.Request{RequestID: 5, Action: netron.ActionCall, Data: []byte("xyz")}
	pkt := &netron.Packet{Type: netron.PacketRequest, Payload: req.Encode()}

	var buf bytes.Buffer
	if _, err := pkt.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if got, want := buf.Bytes(), pkt.Encode(); !bytes.Equal(got, want) {
		t.Errorf("WriteTo: got %q, want %q", got, want)
	}
	var got netron.Packet
	if _, err := got.ReadFrom(&buf); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if diff := cmp.Diff(&got, pkt); diff != "" {
		t.Errorf("Packet (-got, +want):\n%s", diff)
	}
	var dec netron.Request
	if err := dec.Decode(got.Payload); err != nil {
		t.Fatalf("Decode request: %v", err)
	}
	if diff := cmp.Diff(dec, req); diff != "" {
		t.Errorf("Request (-got, +want):\n%s", diff)
	}
	t.Logf("Packet: %v", pkt)

	for _, bad := range []string{
		"NP\x01\x02\x00\x00\x00\x00", // wrong version
		"XP\x00\x02\x00\x00\x00\x00", // wrong magic
		"NP\x00\x02\x00\x00\x00\x09", // short payload
		"NP\x00",                     // short header
	} {
		var p netron.Packet
		if _, err := p.ReadFrom(strings.NewReader(bad)); err == nil {
			t.Errorf("ReadFrom(%q): got %v, want error", bad, p)
		}
	}

	t.Run("Response", func(t *testing.T) {
		var rsp netron.Response
		if err := rsp.Decode([]byte("\x00\x00\x00\x01\x09")); err == nil {
			t.Errorf("Decode invalid code: got %v, want error", rsp)
		}
		if err := rsp.Decode([]byte("\x00\x00")); err == nil {
			t.Errorf("Decode short: got %v, want error", rsp)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		var c netron.Cancel
		if err := c.Decode(netron.Cancel{RequestID: 99}.Encode()); err != nil || c.RequestID != 99 {
			t.Errorf("Decode: got %v, %v; want 99", c, err)
		}
		if err := c.Decode([]byte("\x00")); err == nil {
			t.Errorf("Decode short: got %v, want error", c)
		}
	})
}

func TestSplitAddress(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"", "unix"},
		{":", "unix"},

		{"nothing", "unix"},        // no colon
		{"like/a/file", "unix"},    // no colon
		{"no-port:", "unix"},       // empty port
		{"file/with:port", "unix"}, // slashes in host
		{"path/with:404", "unix"},  // slashes in host
		{"mangled:@3", "unix"},     // non-alphanumerics in port
		{"[::1]:2323", "tcp"},      // bracketed IPv6 with port

		{":80", "tcp"},            // numeric port
		{":dumb-crud", "tcp"},     // service name
		{"localhost:80", "tcp"},   // host and numeric port
		{"localhost:http", "tcp"}, // host and service name
	}
	for _, test := range tests {
		got, addr := netron.SplitAddress(test.input)
		if got != test.want {
			t.Errorf("SplitAddress(%q) type: got %q, want %q", test.input, got, test.want)
		}
		if addr != test.input {
			t.Errorf("SplitAddress(%q) addr: got %q, want %q", test.input, addr, test.input)
		}
	}
}

func TestRegression(t *testing.T) {
	t.Run("ErrorDataSize", func(t *testing.T) {
		enc := netron.ErrorData{Code: 1, Message: "abcdef"}.Encode()
		input := enc[:len(enc)-2] // message shorter than its declared length

		var ed netron.ErrorData
		if err := ed.Decode(input); err == nil {
			t.Errorf("ErrorData: got %#v, wanted error", ed)
		} else {
			t.Logf("Decoding ErrorData: got expected error: %v", err)
		}
	})

	t.Run("ErrorDataShort", func(t *testing.T) {
		var ed netron.ErrorData
		if err := ed.Decode([]byte("\x01")); err == nil {
			t.Errorf("ErrorData: got %#v, wanted error", ed)
		} else {
			t.Logf("Decoding ErrorData: got expected error: %v", err)
		}
	})
}
