package main

import (
	"fmt"
	"reflect"

	"github.com/creachadair/netron"
	"github.com/ugorji/go/codec"
)

var jsonHandle = func() *codec.JsonHandle {
	h := new(codec.JsonHandle)
	h.SignedInteger = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}()

// parseArgs parses each element of ss as JSON. An element that does not
// parse is kept as a string.
func parseArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		var v any
		if err := codec.NewDecoderString(s, jsonHandle).Decode(&v); err != nil {
			out[i] = s
		} else {
			out[i] = v
		}
	}
	return out
}

// render formats a call result for display.
func render(v any) string {
	switch t := v.(type) {
	case *netron.Interface:
		return t.String()
	case *netron.Definitions:
		parts := make([]any, t.Len())
		for i := range t.Len() {
			parts[i] = render(t.Get(i))
		}
		return render(parts)
	}
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, jsonHandle).Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return string(buf)
}
