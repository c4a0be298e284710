// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package netron

import (
	"fmt"
	"io"

	"github.com/creachadair/netron/packet"
)

// protocolVersion is the version byte carried in every packet header.
const protocolVersion = 0

// Packet is the parsed format of a netron packet.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// Encode encodes p in binary format.
func (p Packet) Encode() []byte {
	buf := p.header().Append(make([]byte, 0, packet.HeaderLen+len(p.Payload)))
	return append(buf, p.Payload...)
}

func (p *Packet) header() packet.Header {
	return packet.Header{Version: p.Protocol, Type: byte(p.Type), Length: uint32(len(p.Payload))}
}

// WriteTo writes the packet to w in binary format. It satisfies io.WriterTo.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	var buf [packet.HeaderLen]byte
	nw, err := w.Write(p.header().Append(buf[:0]))
	if err == nil && len(p.Payload) != 0 {
		var np int
		np, err = w.Write(p.Payload)
		nw += np
	}
	return int64(nw), err
}

// ReadFrom reads a packet from r in binary format. It satisfies io.ReaderFrom.
func (p *Packet) ReadFrom(r io.Reader) (int64, error) {
	var buf [packet.HeaderLen]byte
	nr, err := io.ReadFull(r, buf[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short packet header: %w", err)
	}
	h, err := packet.ParseHeader(buf[:])
	if err != nil {
		return int64(nr), err
	} else if h.Version != protocolVersion {
		return int64(nr), fmt.Errorf("invalid protocol version %d", h.Version)
	}

	p.Protocol = h.Version
	p.Type = PacketType(h.Type)

	if h.Length > 0 {
		p.Payload = make([]byte, int(h.Length))
		var np int
		np, err = io.ReadFull(r, p.Payload)
		nr += np
		if err != nil {
			err = fmt.Errorf("short payload: %w", err)
		}
	} else {
		p.Payload = nil
	}

	return int64(nr), err
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.Decode(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketCancel:
		var can Cancel
		if err := can.Decode(p.Payload); err == nil {
			pay = can.String()
		}
	case PacketResponse:
		var rsp Response
		if err := rsp.Decode(p.Payload); err == nil {
			pay = rsp.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(NP%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a netron packet.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // The initial request for an action
	PacketCancel   PacketType = 3 // A cancellation signal for a pending request
	PacketResponse PacketType = 4 // The final response to a request
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketCancel:
		return "CANCEL"
	case PacketResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Action identifies the operation requested by a request packet.
type Action byte

const (
	ActionHandshake     Action = 1  // exchange peer identities
	ActionGet           Action = 2  // read a property
	ActionSet           Action = 3  // write a property (no reply)
	ActionCall          Action = 4  // invoke a method
	ActionMeta          Action = 5  // fetch definitions of attached contexts
	ActionPing          Action = 6  // liveness check
	ActionContextAttach Action = 7  // attach a context on the remote netron
	ActionContextDetach Action = 8  // detach a remotely attached context
	ActionNotify        Action = 9  // context attach/detach notice (no reply)
	ActionSubscribe     Action = 10 // start or stop receiving peer notices
	ActionPeerNotice    Action = 11 // peer connect/disconnect notice (no reply)
)

var actionNames = [...]string{
	ActionHandshake:     "HANDSHAKE",
	ActionGet:           "GET",
	ActionSet:           "SET",
	ActionCall:          "CALL",
	ActionMeta:          "META",
	ActionPing:          "PING",
	ActionContextAttach: "CONTEXT_ATTACH",
	ActionContextDetach: "CONTEXT_DETACH",
	ActionNotify:        "NOTIFY",
	ActionSubscribe:     "SUBSCRIBE",
	ActionPeerNotice:    "PEER_NOTICE",
}

func (a Action) String() string {
	if int(a) < len(actionNames) && actionNames[a] != "" {
		return actionNames[a]
	}
	return fmt.Sprintf("action %d", byte(a))
}

// Request is the payload format for a request packet. A request with ID 0
// does not expect a response.
type Request struct {
	RequestID uint32
	Action    Action
	Data      []byte
}

// Encode encodes the request data in binary format.
func (r Request) Encode() []byte {
	var b packet.Builder
	b.Grow(5 + len(r.Data)) // 4 request ID, 1 action
	b.Uint32(r.RequestID)
	b.Put(byte(r.Action))
	b.Put(r.Data...)
	return b.Bytes()
}

// Decode decodes data into a request payload.
func (r *Request) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short request payload: %w", err)
	}
	act, err := s.Byte()
	if err != nil {
		return fmt.Errorf("short request payload: %w", err)
	}
	r.RequestID = id
	r.Action = Action(act)
	if rest := s.Rest(); len(rest) > 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, Action=%v, [%d bytes])", r.RequestID, r.Action, len(r.Data))
}

// Response is the payload format for a response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response data in binary format.
func (r Response) Encode() []byte {
	var b packet.Builder
	b.Grow(5 + len(r.Data)) // 4 request ID, 1 code
	b.Uint32(r.RequestID)
	b.Put(byte(r.Code))
	b.Put(r.Data...)
	return b.Bytes()
}

// Decode decodes data into a response payload.
func (r *Response) Decode(data []byte) error {
	s := packet.NewScanner(data)
	id, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short response payload: %w", err)
	}
	code, err := s.Byte()
	if err != nil {
		return fmt.Errorf("short response payload: %w", err)
	}
	r.RequestID = id
	r.Code = ResultCode(code)
	if r.Code > CodeServiceError {
		return fmt.Errorf("invalid result code %d", r.Code)
	}
	if rest := s.Rest(); len(rest) > 0 {
		r.Data = rest
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	var data string
	if r.Code == CodeServiceError {
		var ed ErrorData
		if ed.Decode(r.Data) == nil {
			data = fmt.Sprintf("ErrorData(Code=%d, [%d bytes], %q)", ed.Code, len(ed.Data), ed.Message)
		}
	}
	if data == "" {
		if len(r.Data) > 16 {
			data = fmt.Sprintf("Data=%+v ...", r.Data[:16])
		} else {
			data = fmt.Sprintf("Data=%+v", r.Data)
		}
	}
	return fmt.Sprintf("Response(ID=%v, Code=%v, %s)", r.RequestID, r.Code, data)
}

// ResultCode describes the result status of a completed request.
type ResultCode byte

const (
	CodeSuccess       ResultCode = 0 // Request completed succesfully
	CodeUnknownAction ResultCode = 1 // Requested an unknown action
	CodeDuplicateID   ResultCode = 2 // Duplicate request ID
	CodeCanceled      ResultCode = 3 // Request was canceled
	CodeServiceError  ResultCode = 4 // Request failed due to a service error
)

func (c ResultCode) String() string {
	switch c {
	case CodeSuccess:
		return "SUCCESS"
	case CodeUnknownAction:
		return "UNKNOWN_ACTION"
	case CodeDuplicateID:
		return "DUPLICATE_REQUEST_ID"
	case CodeCanceled:
		return "CANCELED"
	case CodeServiceError:
		return "SERVICE_ERROR"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// Cancel is the payload format for a cancel request packet.
type Cancel struct {
	RequestID uint32
}

// Encode encodes the cancel request data in binary format.
func (c Cancel) Encode() []byte {
	var b packet.Builder
	b.Uint32(c.RequestID)
	return b.Bytes()
}

// Decode decodes data into a cancel payload.
func (c *Cancel) Decode(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("invalid cancel payload (%d bytes)", len(data))
	}
	id, err := packet.NewScanner(data).Uint32()
	if err != nil {
		return err
	}
	c.RequestID = id
	return nil
}

// String returns a human-friendly rendering of the cancellation.
func (c Cancel) String() string { return fmt.Sprintf("Cancel(ID=%v)", c.RequestID) }

// Request payloads, encoded in CBOR.

// hello is the payload of a handshake request and its reply.
type hello struct {
	ID       string   `codec:"id"`
	Contexts []string `codec:"contexts"`
	Revision int      `codec:"rev"`
}

// memberReq is the payload of get, set, and call requests.
type memberReq struct {
	Def   uint64            `codec:"def"`
	Name  string            `codec:"name"`
	Value *wireValue        `codec:"value,omitempty"`
	Args  []wireValue       `codec:"args,omitempty"`
	Trace map[string]string `codec:"trace,omitempty"`
}

// metaReq is the payload of a meta request. If Names is empty, all attached
// contexts are requested.
type metaReq struct {
	Names []string `codec:"names"`
}

type metaEntry struct {
	Name string   `codec:"name"`
	Def  *wireDef `codec:"def"`
}

type metaRsp struct {
	Contexts []metaEntry `codec:"contexts"`
}

type attachReq struct {
	Name string   `codec:"name"`
	Def  *wireDef `codec:"def"`
}

type detachReq struct {
	Name string `codec:"name"`
}

// notice reports a context attached to or detached from the sender.
type notice struct {
	Attached bool   `codec:"attached"`
	Name     string `codec:"name"`
}

type subscribeReq struct {
	On bool `codec:"on"`
}

type peerNotice struct {
	Connected bool   `codec:"connected"`
	Peer      string `codec:"peer"`
}
