// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the netron.Channel interface.
package channel

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/creachadair/netron"
	"github.com/gorilla/websocket"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
func Direct() (A, B netron.Channel) {
	a2b := make(chan *netron.Packet)
	b2a := make(chan *netron.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *netron.Packet
	b2a <-chan *netron.Packet
}

// Send implements a method of the [netron.Channel] interface.
func (d direct) Send(pkt *netron.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [netron.Channel] interface.
func (d direct) Recv() (*netron.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [netron.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [netron.Channel] interface.
func (c IOChannel) Send(pkt *netron.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [netron.Channel] interface.
func (c IOChannel) Recv() (*netron.Packet, error) {
	var pkt netron.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [netron.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }

// WebSocket constructs a channel that exchanges packets as binary messages on
// a WebSocket connection, one packet per message.
func WebSocket(conn *websocket.Conn) *WSChannel { return &WSChannel{conn: conn} }

// A WSChannel sends and receives packets on a WebSocket connection.
type WSChannel struct {
	conn   *websocket.Conn
	closed sync.Once
}

// Send implements a method of the [netron.Channel] interface.
func (c *WSChannel) Send(pkt *netron.Packet) error {
	return wsError(c.conn.WriteMessage(websocket.BinaryMessage, pkt.Encode()))
}

// Recv implements a method of the [netron.Channel] interface.
func (c *WSChannel) Recv() (*netron.Packet, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, wsError(err)
		} else if mt != websocket.BinaryMessage {
			continue // ignore text frames
		}
		var pkt netron.Packet
		if _, err := pkt.ReadFrom(bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return &pkt, nil
	}
}

// Close implements a method of the [netron.Channel] interface. It sends a
// close message to the remote end before closing the connection.
func (c *WSChannel) Close() error {
	err := net.ErrClosed
	c.closed.Do(func() {
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.conn.Close()
	})
	return err
}

// wsError converts a normal WebSocket closure into net.ErrClosed.
func wsError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return net.ErrClosed
	} else if errors.Is(err, websocket.ErrCloseSent) {
		return net.ErrClosed
	}
	return err
}

// Dial connects a channel to addr. Addresses beginning with ws:// or wss://
// are dialed as WebSocket connections; others are dialed as TCP or Unix
// sockets according to [netron.SplitAddress]. Dial can be used as the Dial
// option of a netron.
func Dial(ctx context.Context, addr string) (netron.Channel, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, err
		}
		return WebSocket(conn), nil
	}
	var d net.Dialer
	network, address := netron.SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return IO(conn, conn), nil
}
