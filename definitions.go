// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"fmt"
	"slices"
)

// Definitions is an ordered collection of values exchanged with a peer. Each
// entry is exactly one of a *Definition, a Context, or an *Interface.
//
// The zero value is ready for use as an empty collection. Only Push and
// Unshift check the types of their arguments; the other methods operate on
// entries already validated.
type Definitions struct {
	items []any
}

// NewDefinitions constructs a collection containing the given items.
func NewDefinitions(items ...any) (*Definitions, error) {
	d := new(Definitions)
	if err := d.Push(items...); err != nil {
		return nil, err
	}
	return d, nil
}

func checkEntries(items []any) error {
	for i, v := range items {
		switch t := v.(type) {
		case *Definition:
			if t != nil {
				continue
			}
		case *Interface:
			if t != nil {
				continue
			}
		case Context:
			if checkContext(t) == nil {
				continue
			}
		}
		return errorf(ErrInvalidArgument, "argument %d: invalid type %T", i, v)
	}
	return nil
}

// Len reports the number of entries in d.
func (d *Definitions) Len() int { return len(d.items) }

// Push adds items to the end of d. If any item is not a valid entry, Push
// reports an error and d is not modified.
func (d *Definitions) Push(items ...any) error {
	if err := checkEntries(items); err != nil {
		return err
	}
	d.items = append(d.items, items...)
	return nil
}

// Unshift adds items to the front of d, in the order given. If any item is
// not a valid entry, Unshift reports an error and d is not modified.
func (d *Definitions) Unshift(items ...any) error {
	if err := checkEntries(items); err != nil {
		return err
	}
	d.items = slices.Insert(d.items, 0, items...)
	return nil
}

// Pop removes and returns the last entry of d. If d is empty, it returns
// nil, false.
func (d *Definitions) Pop() (any, bool) {
	if len(d.items) == 0 {
		return nil, false
	}
	n := len(d.items) - 1
	out := d.items[n]
	d.items[n] = nil
	d.items = d.items[:n]
	return out, true
}

// Shift removes and returns the first entry of d. If d is empty, it returns
// nil, false.
func (d *Definitions) Shift() (any, bool) {
	if len(d.items) == 0 {
		return nil, false
	}
	out := d.items[0]
	d.items[0] = nil
	d.items = d.items[1:]
	return out, true
}

// Get returns the entry at index i. It panics if i is out of range.
func (d *Definitions) Get(i int) any { return d.items[i] }

// Set replaces the entry at index i with v. It panics if i is out of range.
func (d *Definitions) Set(i int, v any) { d.items[i] = v }

// IndexOf returns the index of the first entry equal to v, or -1.
func (d *Definitions) IndexOf(v any) int {
	return slices.IndexFunc(d.items, func(e any) bool { return sameValue(e, v) })
}

// Find returns the first entry for which match reports true, or nil.
func (d *Definitions) Find(match func(any) bool) any {
	if i := slices.IndexFunc(d.items, match); i >= 0 {
		return d.items[i]
	}
	return nil
}

// Slice returns a new collection with the entries of d in [begin, end).
func (d *Definitions) Slice(begin, end int) *Definitions {
	return &Definitions{items: slices.Clone(d.items[begin:end])}
}

// Splice removes the entries of d in [begin, end), replaces them with items,
// and returns the removed entries.
func (d *Definitions) Splice(begin, end int, items ...any) []any {
	out := slices.Clone(d.items[begin:end])
	d.items = slices.Replace(d.items, begin, end, items...)
	return out
}

// All returns a copy of the entries of d.
func (d *Definitions) All() []any { return slices.Clone(d.items) }

// String returns a human-friendly rendering of d.
func (d *Definitions) String() string { return fmt.Sprintf("Definitions(%d entries)", len(d.items)) }
