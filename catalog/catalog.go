// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package catalog defines a mapping from mnemonic alias names to the names of
// contexts hosted by a netron.Peer. A client uses a Catalog to resolve a batch
// of contexts from one peer and to call their members by alias. A Catalog can
// also be published as a context, so that one netron can tell its peers where
// to find things.
//
// # Usage
//
// Construct a new empty catalog and add contexts to it:
//
//	cat := catalog.New().Add("calc", "clock")
//
// Add maps each name to a context of the same name. To choose the context
// name for an alias, use Set:
//
//	cat.Set("time", "clock")
//
// To associate a catalog with a specific peer, use Bind. This creates a copy
// of the catalog sharing the same entries but a (possibly) different peer:
//
//	cat2 := cat.Bind(p)
//
// Resolve fetches the definitions of all the contexts in the catalog from
// the bound peer at once:
//
//	ifaces, err := cat2.Resolve(ctx)
//
// Call resolves a single alias if necessary, and calls a method on it:
//
//	v, err := cat2.Call(ctx, "calc", "double", 21)
//
// To publish a catalog, attach its context to a netron:
//
//	n.AttachContext(cat.Context(), "catalog")
//
// A peer of that netron can then fetch it:
//
//	cat3, err := catalog.Fetch(ctx, p, "catalog")
package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/netron"
	"github.com/creachadair/netron/packet"
	"github.com/creachadair/taskgroup"
)

// A Catalog associates a peer with a static mapping from alias names to
// context names on that peer.
type Catalog struct {
	peer    netron.Peer
	entries map[string]string
}

// New creates a new empty, unbound catalog. It is safe to copy the resulting
// value, all copies share a reference to the same alias mapping.
func New() Catalog { return Catalog{entries: make(map[string]string)} }

// Add adds the specified names to c, each mapped to a context of the same
// name, and returns c to allow chaining.
func (c Catalog) Add(names ...string) Catalog {
	for _, name := range names {
		c.Set(name, name)
	}
	return c
}

// Set maps alias to the context named by name, and returns c to allow
// chaining. If alias was already mapped in c, the existing mapping is
// replaced.
//
// The mapping of a catalog is shared among all copies of it. It is not safe
// to call Set while c is used concurrently by other goroutines without
// external synchronization.
func (c Catalog) Set(alias, name string) Catalog {
	c.entries[alias] = name
	return c
}

// Bind returns a copy of c bound to the specified peer.
func (c Catalog) Bind(peer netron.Peer) Catalog { return Catalog{peer: peer, entries: c.entries} }

// Peer returns the peer associated with c, or nil if c is unbound.
func (c Catalog) Peer() netron.Peer { return c.peer }

// Lookup returns the context name assigned to alias, or "".
func (c Catalog) Lookup(alias string) string { return c.entries[alias] }

// Aliases returns the aliases defined by c in lexicographic order.
func (c Catalog) Aliases() []string {
	out := make([]string, 0, len(c.entries))
	for alias := range c.entries {
		out = append(out, alias)
	}
	slices.Sort(out)
	return out
}

// contexts returns the distinct context names referenced by c.
func (c Catalog) contexts() []string {
	names := mapset.New[string]()
	for _, name := range c.entries {
		names.Add(name)
	}
	out := names.Slice()
	slices.Sort(out)
	return out
}

// Resolve fetches the definitions of all the contexts named by c from its
// peer, and returns a map from each alias to its interface. If any context
// cannot be resolved, Resolve reports an error. Resolve will panic if c is not
// bound to a peer.
func (c Catalog) Resolve(ctx context.Context) (map[string]*netron.Interface, error) {
	var μ sync.Mutex
	byName := make(map[string]*netron.Interface)

	g := taskgroup.New(nil)
	for _, name := range c.contexts() {
		g.Go(func() error {
			iface, err := c.resolve(ctx, name)
			if err != nil {
				return err
			}
			μ.Lock()
			defer μ.Unlock()
			byName[name] = iface
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*netron.Interface, len(c.entries))
	for alias, name := range c.entries {
		out[alias] = byName[name]
	}
	return out, nil
}

func (c Catalog) resolve(ctx context.Context, name string) (*netron.Interface, error) {
	if _, err := c.peer.RequestMeta(ctx, name); err != nil {
		return nil, fmt.Errorf("resolve %q: %w", name, err)
	}
	return c.peer.InterfaceByName(name)
}

// Interface returns an interface for the context assigned to alias, fetching
// its definition from the peer if necessary. Interface will panic if c is not
// bound to a peer.
func (c Catalog) Interface(ctx context.Context, alias string) (*netron.Interface, error) {
	name, ok := c.entries[alias]
	if !ok {
		return nil, &netron.Error{Kind: netron.ErrNotExists, Message: fmt.Sprintf("alias %q not known", alias)}
	}
	if iface, err := c.peer.InterfaceByName(name); err == nil {
		return iface, nil
	}
	return c.resolve(ctx, name)
}

// Must returns an interface for the context assigned to alias, which must
// already have been resolved. Must will panic if c is not bound to a peer, if
// alias is not known by the catalog, or if its context is not resolved.
func (c Catalog) Must(alias string) *netron.Interface {
	name, ok := c.entries[alias]
	if !ok {
		panic(fmt.Sprintf("alias %q not known", alias))
	}
	iface, err := c.peer.InterfaceByName(name)
	if err != nil {
		panic(fmt.Sprintf("alias %q: %v", alias, err))
	}
	return iface
}

// Call calls the named method of the context assigned to alias on the bound
// peer. Call will panic if c is not bound to a peer.
func (c Catalog) Call(ctx context.Context, alias, method string, args ...any) (any, error) {
	iface, err := c.Interface(ctx, alias)
	if err != nil {
		return nil, err
	}
	return iface.Call(ctx, method, args...)
}

// Encode encodes c in binary format.
//
// The wire format of the catalog comprises the aliases in lexicographic
// order, each followed by the name of its context. Each string is encoded as
// a Vint30 length followed by that many bytes.
func (c Catalog) Encode() []byte {
	if len(c.entries) == 0 {
		return nil
	}
	var b packet.Builder
	for _, alias := range c.Aliases() {
		b.VPutString(alias)
		b.VPutString(c.entries[alias])
	}
	return b.Bytes()
}

// Decode decodes data as a Catalog payload.
func (c *Catalog) Decode(data []byte) error {
	if c.entries == nil {
		c.entries = make(map[string]string)
	} else {
		clear(c.entries)
	}
	s := packet.NewScanner(data)
	for s.Len() != 0 {
		pos := s.Offset()
		alias, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("truncated alias at offset %d: %w", pos, err)
		}
		pos = s.Offset()
		name, err := packet.VGet[string](s)
		if err != nil {
			return fmt.Errorf("truncated name at offset %d: %w", pos, err)
		}
		c.entries[alias] = name
	}
	return nil
}

var catalogClass = netron.Declare[Catalog]("Catalog",
	netron.AllPublic(),
	netron.Description("a mapping from aliases to context names"),
).
	Property("entries", func(c Catalog) any { return c.Encode() }, nil, netron.Type("bytes")).
	Method("lookup", func(c Catalog, _ context.Context, args netron.Args) (any, error) {
		alias, err := args.String(0)
		if err != nil {
			return nil, err
		}
		name, ok := c.entries[alias]
		if !ok {
			return nil, &netron.Error{Kind: netron.ErrNotExists, Message: fmt.Sprintf("alias %q not known", alias)}
		}
		return name, nil
	}, netron.Type("string"))

// Context returns a context that publishes the contents of c.
func (c Catalog) Context() netron.Context { return catalogClass.Bind(c) }

// Fetch reads the catalog published under the given context name by peer,
// and returns it bound to peer.
func Fetch(ctx context.Context, peer netron.Peer, name string) (Catalog, error) {
	if _, err := peer.RequestMeta(ctx, name); err != nil {
		return Catalog{}, err
	}
	iface, err := peer.InterfaceByName(name)
	if err != nil {
		return Catalog{}, err
	}
	v, err := iface.Get(ctx, "entries")
	if err != nil {
		return Catalog{}, err
	}
	var data []byte
	switch t := v.(type) {
	case []byte:
		data = t
	case nil:
	default:
		return Catalog{}, fmt.Errorf("catalog %q: unexpected entries type %T", name, v)
	}
	var cat Catalog
	if err := cat.Decode(data); err != nil {
		return Catalog{}, fmt.Errorf("catalog %q: %w", name, err)
	}
	return cat.Bind(peer), nil
}
