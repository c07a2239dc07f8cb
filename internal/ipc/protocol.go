// Package ipc provides the framing used between typestatd and an
// out-of-process compute unit.
//
// Every frame is a fixed 16-byte big-endian header followed by a JSON body:
//
//	magic(4) version(1) flags(1) type(2) sequence(4) length(4)
//
// The header carries no application meaning beyond frame type and length;
// correlation happens on the ids inside the JSON envelopes.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x54535444 // "TSTD"
)

// MaxPayload bounds the body of a single frame.
const MaxPayload = 64 * 1024 * 1024

// MessageType identifies the direction of a frame.
type MessageType uint16

const (
	MsgRequest  MessageType = 0x0001
	MsgResponse MessageType = 0x0002
)

func (t MessageType) String() string {
	switch t {
	case MsgRequest:
		return "request"
	case MsgResponse:
		return "response"
	default:
		return fmt.Sprintf("message(0x%04x)", uint16(t))
	}
}

// Header flags
const (
	FlagJSON uint8 = 0x04
)

// Framing errors.
var (
	ErrBadMagic        = errors.New("ipc: invalid magic number")
	ErrVersion         = errors.New("ipc: unsupported protocol version")
	ErrPayloadTooLarge = errors.New("ipc: payload too large")
)

// Header is the fixed-size frame header.
type Header struct {
	Magic    uint32
	Version  uint8
	Flags    uint8
	Type     MessageType
	Sequence uint32
	Length   uint32
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Message wraps a header and payload
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a JSON frame with the given type and payload.
func NewMessage(msgType MessageType, seq uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:    ProtocolMagic,
			Version:  ProtocolVersion,
			Flags:    FlagJSON,
			Type:     msgType,
			Sequence: seq,
			Length:   uint32(len(payload)),
		},
		Payload: payload,
	}
}

func (h *Header) encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
}

// ReadHeader reads and checks a header.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:    binary.BigEndian.Uint32(buf[0:4]),
		Version:  buf[4],
		Flags:    buf[5],
		Type:     MessageType(binary.BigEndian.Uint16(buf[6:8])),
		Sequence: binary.BigEndian.Uint32(buf[8:12]),
		Length:   binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if h.Length > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// Write writes the message as a single buffer so frames from concurrent
// writers sharing a lock never interleave.
func (m *Message) Write(w io.Writer) error {
	if len(m.Payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(m.Payload))
	}
	m.Header.Length = uint32(len(m.Payload))
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.encode(buf)
	copy(buf[HeaderSize:], m.Payload)
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return m, nil
}

// Conn exchanges frames over a reader and writer pair, typically a child
// process's stdio. Reads and writes may proceed concurrently with each other.
type Conn struct {
	r io.Reader
	w io.Writer

	rmu sync.Mutex
	wmu sync.Mutex
	seq uint32

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps r and w. Close closes whichever of them implement io.Closer.
func NewConn(r io.Reader, w io.Writer) *Conn {
	return &Conn{r: r, w: w}
}

// Send writes one frame of type t.
func (c *Conn) Send(t MessageType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.seq++
	return NewMessage(t, c.seq, payload).Write(c.w)
}

// Recv reads one frame.
func (c *Conn) Recv() (*Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return ReadMessage(c.r)
}

// Close closes the underlying streams once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		for _, s := range []any{c.w, c.r} {
			cl, ok := s.(io.Closer)
			if !ok {
				continue
			}
			if err := cl.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}
