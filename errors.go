// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"context"
	"errors"
	"fmt"

	"github.com/creachadair/netron/packet"
)

// Error kinds reported by this package. Use errors.Is to check whether an
// error has a given kind; this works for errors reported by remote peers too.
var (
	// ErrInvalidArgument reports a malformed argument, such as an invalid
	// registry insertion or a call with the wrong argument types.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrExists reports a conflict with an existing context name or peer.
	ErrExists = errors.New("already exists")

	// ErrNotExists reports a missing context, definition or member.
	ErrNotExists = errors.New("not exists")

	// ErrNotImplemented reports an operation that the peer implementation
	// does not provide. It indicates a programming error.
	ErrNotImplemented = errors.New("not implemented")

	// ErrNotAllowed reports an operation refused by policy, such as writing a
	// read-only property.
	ErrNotAllowed = errors.New("not allowed")

	// ErrConnectionLost reports that the connection to a peer was lost while
	// an operation was pending, or that the peer is offline.
	ErrConnectionLost = errors.New("connection lost")

	// ErrTimeout reports that no response arrived in the allotted time.
	ErrTimeout = errors.New("timeout")
)

// kindCodes assigns wire codes to the error kinds. Code 0 is a plain service
// error with no specific kind.
var kindCodes = []error{
	nil,
	ErrInvalidArgument,
	ErrExists,
	ErrNotExists,
	ErrNotImplemented,
	ErrNotAllowed,
	ErrConnectionLost,
	ErrTimeout,
}

func kindCode(err error) uint16 {
	for i, k := range kindCodes {
		if k != nil && errors.Is(err, k) {
			return uint16(i)
		}
	}
	return 0
}

func codeKind(code uint16) error {
	if int(code) < len(kindCodes) {
		return kindCodes[code]
	}
	return nil
}

// Error is the concrete type of errors constructed by this package.
type Error struct {
	Kind    error  // one of the Err* kinds above
	Message string // human-readable detail
	Err     error  // underlying cause, or nil
}

func errorf(kind error, msg string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(msg, args...)}
}

// Error satisfies the error interface.
func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.Message == "":
		return e.Kind.Error()
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap reports the kind and the underlying cause of e, if any.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// ErrorData is the response data format for a service error response.
type ErrorData struct {
	Code    uint16 // kind code, 0 for a plain service error
	Message string
	Data    []byte
}

// Error implements the error interface, allowing an ErrorData value to be used
// as an error.
func (e ErrorData) Error() string {
	if k := codeKind(e.Code); k != nil {
		return fmt.Sprintf("[%v] %s", k, e.Message)
	} else if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Unwrap reports the error kind corresponding to the code of e, or nil.
func (e ErrorData) Unwrap() error { return codeKind(e.Code) }

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	var b packet.Builder
	msg := truncate(e.Message, packet.MaxVint30)
	b.Grow(2 + packet.VLen(len(msg)) + len(e.Data))
	b.Uint16(e.Code)
	b.VPutString(msg)
	b.Put(e.Data...)
	return b.Bytes()
}

// Decode decodes data into an error data payload.
func (e *ErrorData) Decode(data []byte) error {
	// Special case: An empty message is accepted as encoding empty details.
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	}
	s := packet.NewScanner(data)
	code, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("invalid error data: %w", err)
	}
	msg, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("error message truncated: %w", err)
	}
	e.Code = code
	e.Message = msg
	if rest := s.Rest(); len(rest) != 0 {
		e.Data = rest
	} else {
		e.Data = nil
	}
	return nil
}

// errorData converts err into error data for transmission to a peer.
func errorData(err error) ErrorData {
	var ed ErrorData
	if errors.As(err, &ed) {
		return ed
	}
	var ped *ErrorData
	if errors.As(err, &ped) {
		return *ped
	}
	return ErrorData{Code: kindCode(err), Message: err.Error()}
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it. It's possible the value was already complete, but it's simpler
	// if we only have to check in one direction.
	//
	// Otherwise, we have a single-byte code (0x00... or 0x01...).
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

func callError(err error) *CallError { return &CallError{Err: err} }

// CallError is the concrete type of errors reported by the operations of a
// RemotePeer that exchange messages with the remote peer. For service errors,
// the Err field is nil and the ErrorData contains the error details. For
// errors arising from a response, the Response field contains the complete
// response message.
//
// A CallError unwraps to the error kind reported by the remote peer, so that
// for example errors.Is(err, ErrNotExists) reports true when the remote
// context was detached.
type CallError struct {
	ErrorData
	Err      error     // nil for service errors
	Response *Response // set if a the error came from a call response
}

// Unwrap reports the underlying error of c. For service errors this is the
// error kind named by the remote peer, or nil.
func (c *CallError) Unwrap() error {
	if c.Err != nil {
		return c.Err
	}
	if c.Response != nil && c.Response.Code == CodeUnknownAction {
		return ErrNotImplemented
	}
	return codeKind(c.Code)
}

// Error satisfies the error interface.
func (c *CallError) Error() string {
	if c.Err != nil {
		return c.Err.Error()
	} else if c.Response.Code == CodeServiceError {
		return fmt.Sprintf("service error: %v", c.ErrorData.Error())
	}
	return fmt.Sprintf("request %d: %s", c.Response.RequestID, c.Response.Code.String())
}

// isCanceled reports whether err is one of the unwrapped context sentinels.
func isCanceled(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}
