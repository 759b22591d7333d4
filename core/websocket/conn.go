// Package websocket upgrades HTTP/1.1 requests to RFC 6455 connections and
// fans messages out to groups of them.
package websocket

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"unicode/utf8"

	"github.com/searchktools/fastcore/core/http"
)

// OpCode represents WebSocket operation codes
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

func (op OpCode) control() bool { return op&0x8 != 0 }

// Close status codes
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseUnsupported     = 1003
	CloseInvalidPayload  = 1007
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
	closeNoStatus        = 1005
	maxControlPayloadLen = 125
)

// DefaultMaxMessageSize bounds a reassembled message.
const DefaultMaxMessageSize = 1 << 20

var (
	ErrProtocol        = errors.New("websocket: protocol error")
	ErrMessageTooLarge = errors.New("websocket: message too large")
	ErrClosed          = errors.New("websocket: connection closed")
)

// CloseError is returned by ReadMessage when the peer sent a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket: closed by peer (%d %s)", e.Code, e.Reason)
}

// Frame represents a WebSocket frame
type Frame struct {
	Fin     bool
	OpCode  OpCode
	Masked  bool
	Payload []byte
}

// Message represents a complete WebSocket message
type Message struct {
	OpCode  OpCode
	Payload []byte
}

// Text returns the payload as a string.
func (m *Message) Text() string { return string(m.Payload) }

// Conn is one side of a WebSocket connection. Reads must come from a single
// goroutine; writes may come from several.
type Conn struct {
	conn   net.Conn
	rw     *bufio.ReadWriter
	client bool
	req    *http.Request

	writeMu        sync.Mutex
	maxMessageSize int64

	closeMu   sync.Mutex
	closed    bool
	closeSent bool
}

func newConn(nc net.Conn, rw *bufio.ReadWriter, client bool) *Conn {
	if rw == nil {
		rw = bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))
	}
	return &Conn{conn: nc, rw: rw, client: client, maxMessageSize: DefaultMaxMessageSize}
}

// Request returns the HTTP request that was upgraded, or nil on the client
// side.
func (c *Conn) Request() *http.Request { return c.req }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *Conn) SetMaxMessageSize(size int64) {
	c.maxMessageSize = size
}

// ReadMessage returns the next data message, reassembling fragments. Pings
// are answered and pongs skipped. A close frame is echoed and reported as
// *CloseError.
func (c *Conn) ReadMessage() (*Message, error) {
	var (
		msg     *Message
		payload []byte
	)
	for {
		frame, err := c.readFrame()
		if err != nil {
			return nil, err
		}

		switch frame.OpCode {
		case OpText, OpBinary:
			if msg != nil {
				return nil, c.fail(CloseProtocolError, fmt.Errorf("%w: new message inside a fragmented one", ErrProtocol))
			}
			msg = &Message{OpCode: frame.OpCode}
			payload = frame.Payload

		case OpContinuation:
			if msg == nil {
				return nil, c.fail(CloseProtocolError, fmt.Errorf("%w: continuation without a message", ErrProtocol))
			}
			payload = append(payload, frame.Payload...)

		case OpPing:
			if err := c.writeFrame(OpPong, frame.Payload); err != nil {
				return nil, err
			}
			continue

		case OpPong:
			continue

		case OpClose:
			ce := parseClose(frame.Payload)
			_ = c.sendClose(ce.Code, "")
			_ = c.conn.Close()
			return nil, ce

		default:
			return nil, c.fail(CloseProtocolError, fmt.Errorf("%w: unknown opcode %d", ErrProtocol, frame.OpCode))
		}

		if int64(len(payload)) > c.maxMessageSize {
			return nil, c.fail(CloseMessageTooBig, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(payload), c.maxMessageSize))
		}
		if frame.Fin {
			if msg.OpCode == OpText && !utf8.Valid(payload) {
				return nil, c.fail(CloseInvalidPayload, fmt.Errorf("%w: text message is not valid utf-8", ErrProtocol))
			}
			msg.Payload = payload
			return msg, nil
		}
	}
}

func (c *Conn) readFrame() (*Frame, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return nil, err
	}

	frame := &Frame{
		Fin:    header[0]&0x80 != 0,
		OpCode: OpCode(header[0] & 0x0F),
		Masked: header[1]&0x80 != 0,
	}
	if header[0]&0x70 != 0 {
		return nil, c.fail(CloseProtocolError, fmt.Errorf("%w: reserved bits set", ErrProtocol))
	}
	// Clients must mask, servers must not.
	if frame.Masked == c.client {
		return nil, c.fail(CloseProtocolError, fmt.Errorf("%w: bad masking", ErrProtocol))
	}

	payloadLen := int64(header[1] & 0x7F)
	switch payloadLen {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.rw, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.rw, ext[:]); err != nil {
			return nil, err
		}
		payloadLen = int64(binary.BigEndian.Uint64(ext[:]))
	}

	if frame.OpCode.control() && (payloadLen > maxControlPayloadLen || !frame.Fin) {
		return nil, c.fail(CloseProtocolError, fmt.Errorf("%w: oversized or fragmented control frame", ErrProtocol))
	}
	if payloadLen < 0 || payloadLen > c.maxMessageSize {
		return nil, c.fail(CloseMessageTooBig, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, payloadLen, c.maxMessageSize))
	}

	var mask [4]byte
	if frame.Masked {
		if _, err := io.ReadFull(c.rw, mask[:]); err != nil {
			return nil, err
		}
	}

	if payloadLen > 0 {
		frame.Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(c.rw, frame.Payload); err != nil {
			return nil, err
		}
		if frame.Masked {
			maskBytes(mask, frame.Payload)
		}
	}
	return frame, nil
}

func maskBytes(mask [4]byte, b []byte) {
	for i := range b {
		b[i] ^= mask[i%4]
	}
}

func (c *Conn) WriteMessage(opcode OpCode, payload []byte) error {
	return c.writeFrame(opcode, payload)
}

func (c *Conn) WriteText(text string) error {
	return c.WriteMessage(OpText, []byte(text))
}

func (c *Conn) WriteBinary(data []byte) error {
	return c.WriteMessage(OpBinary, data)
}

func (c *Conn) Ping(payload []byte) error {
	return c.writeFrame(OpPing, payload)
}

func (c *Conn) writeFrame(op OpCode, payload []byte) error {
	if c.IsClosed() {
		return ErrClosed
	}
	return c.writeRaw(op, payload)
}

func (c *Conn) writeRaw(op OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	w := c.rw.Writer
	w.WriteByte(0x80 | byte(op))

	maskBit := byte(0)
	if c.client {
		maskBit = 0x80
	}
	n := len(payload)
	switch {
	case n < 126:
		w.WriteByte(maskBit | byte(n))
	case n < 65536:
		w.WriteByte(maskBit | 126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		w.Write(ext[:])
	default:
		w.WriteByte(maskBit | 127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		w.Write(ext[:])
	}

	if c.client {
		var mask [4]byte
		if _, err := rand.Read(mask[:]); err != nil {
			return err
		}
		w.Write(mask[:])
		masked := append([]byte(nil), payload...)
		maskBytes(mask, masked)
		payload = masked
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// fail sends a close frame with code, drops the connection and returns err.
func (c *Conn) fail(code int, err error) error {
	_ = c.sendClose(code, "")
	_ = c.conn.Close()
	return err
}

func (c *Conn) sendClose(code int, reason string) error {
	c.closeMu.Lock()
	if c.closeSent {
		c.closeMu.Unlock()
		return nil
	}
	c.closeSent = true
	c.closed = true
	c.closeMu.Unlock()

	var payload []byte
	if code != closeNoStatus {
		if len(reason) > maxControlPayloadLen-2 {
			reason = reason[:maxControlPayloadLen-2]
		}
		payload = make([]byte, 2+len(reason))
		binary.BigEndian.PutUint16(payload, uint16(code))
		copy(payload[2:], reason)
	}
	return c.writeRaw(OpClose, payload)
}

// CloseWith sends a close frame carrying code and reason, then closes the
// socket.
func (c *Conn) CloseWith(code int, reason string) error {
	werr := c.sendClose(code, reason)
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return werr
}

// Close closes the connection with a normal closure.
func (c *Conn) Close() error {
	return c.CloseWith(CloseNormal, "")
}

func (c *Conn) IsClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

func parseClose(payload []byte) *CloseError {
	if len(payload) < 2 {
		return &CloseError{Code: closeNoStatus}
	}
	return &CloseError{
		Code:   int(binary.BigEndian.Uint16(payload)),
		Reason: string(payload[2:]),
	}
}
