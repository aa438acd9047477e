// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package tether

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/creachadair/tether/packet"
)

// DefaultMaxFrameSize is the largest frame payload an endpoint accepts unless
// its options specify otherwise.
const DefaultMaxFrameSize = 16 << 20

var (
	// errFrameTooLarge is reported for a frame whose declared length exceeds
	// the configured limit.
	errFrameTooLarge = errors.New("frame too large")

	errEmptyFrame = errors.New("empty frame")
)

// writePayload writes a length-prefixed payload to w in a single write. The
// length is a 4-byte big-endian unsigned integer.
func writePayload(w io.Writer, payload []byte) (int64, error) {
	buf := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	nw, err := w.Write(append(buf, payload...))
	return int64(nw), err
}

// readPayload reads a single length-prefixed payload from r. If limit > 0 and
// the declared length exceeds it, readPayload reports errFrameTooLarge without
// consuming the payload.
func readPayload(r io.Reader, limit int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if limit > 0 && uint64(size) > uint64(limit) {
		return nil, fmt.Errorf("%w (%d > %d bytes)", errFrameTooLarge, size, limit)
	}
	buf := make([]byte, int(size))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("short payload: %w", err)
	}
	return buf, nil
}

// Frame is the parsed format of a frame exchanged after the handshake.
type Frame struct {
	Kind    FrameKind
	Payload []byte
}

// Encode encodes f in binary format, including the length prefix.
func (f Frame) Encode() []byte {
	buf := make([]byte, 5, 5+len(f.Payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(f.Payload)))
	buf[4] = byte(f.Kind)
	return append(buf, f.Payload...)
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	nw, err := w.Write(f.Encode())
	return int64(nw), err
}

// ReadFrom reads a frame from r in binary format. It satisfies io.ReaderFrom.
// Frames larger than [DefaultMaxFrameSize] are rejected.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	return f.readFrom(r, DefaultMaxFrameSize)
}

func (f *Frame) readFrom(r io.Reader, limit int) (int64, error) {
	buf, err := readPayload(r, limit)
	if err != nil {
		return 0, err
	} else if len(buf) == 0 {
		return 4, errEmptyFrame
	}
	f.Kind = FrameKind(buf[0])
	if len(buf) > 1 {
		f.Payload = buf[1:]
	} else {
		f.Payload = nil
	}
	return int64(4 + len(buf)), nil
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	var pay string
	switch f.Kind {
	case KindCall:
		var inv Invocation
		if err := inv.UnmarshalBinary(f.Payload); err == nil {
			pay = inv.String()
		}
	case KindResult, KindFault:
		var rsp Response
		if err := rsp.UnmarshalBinary(f.Payload); err == nil {
			pay = rsp.String()
		}
	case KindGoodbye:
		pay = "-"
	}
	if pay == "" {
		pay = fmt.Sprint(f.Payload)
	}
	return fmt.Sprintf("Frame(%v, %s)", f.Kind, pay)
}

// FrameKind describes the structure of a frame payload.
type FrameKind byte

const (
	KindCall    FrameKind = 1 // an Invocation of a remote method
	KindResult  FrameKind = 2 // a successful Response
	KindFault   FrameKind = 3 // a Response carrying an encoded remote fault
	KindGoodbye FrameKind = 4 // the sender is disconnecting on purpose
)

func (k FrameKind) String() string {
	switch k {
	case KindCall:
		return "CALL"
	case KindResult:
		return "RESULT"
	case KindFault:
		return "FAULT"
	case KindGoodbye:
		return "GOODBYE"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Invocation is the payload format of a call frame. Heartbeat beats and
// latency probes are invocations addressed to the well-known targets
// [HeartbeatTarget] and [LatencyTarget].
type Invocation struct {
	RPCID     uint64 // unique among outstanding calls on a connection
	Target    uint64 // servant ID on the receiving endpoint
	Interface string // interface name the servant must implement
	Method    string // method name
	Data      []byte // encoded arguments, opaque to the endpoint
}

// Encode encodes the invocation data in binary format.
func (v Invocation) Encode() []byte {
	var b packet.Builder
	b.Grow(16 + packet.VLen(len(v.Interface)) + packet.VLen(len(v.Method)) + len(v.Data))
	b.Uint64(v.RPCID)
	b.Uint64(v.Target)
	b.VPutString(v.Interface)
	b.VPutString(v.Method)
	b.Put(v.Data...)
	return b.Bytes()
}

// UnmarshalBinary decodes data into an invocation payload.
// It implements encoding.BinaryUnmarshaler.
func (v *Invocation) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	var err error
	if v.RPCID, err = s.Uint64(); err != nil {
		return fmt.Errorf("invocation rpc id: %w", err)
	}
	if v.Target, err = s.Uint64(); err != nil {
		return fmt.Errorf("invocation target: %w", err)
	}
	if v.Interface, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("invocation interface: %w", err)
	}
	if v.Method, err = packet.VGet[string](s); err != nil {
		return fmt.Errorf("invocation method: %w", err)
	}
	if rest := s.Rest(); len(rest) != 0 {
		v.Data = rest
	} else {
		v.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the invocation.
func (v Invocation) String() string {
	return fmt.Sprintf("Invocation(ID=%v, Target=%v, %s.%s, Data=%s)",
		v.RPCID, v.Target, v.Interface, v.Method, clip(v.Data))
}

// Response is the payload format of a result or fault frame. For a fault
// frame Data holds an encoded [RemoteError].
type Response struct {
	RPCID uint64
	Data  []byte
}

// Encode encodes the response data in binary format.
func (r Response) Encode() []byte {
	buf := make([]byte, 8, 8+len(r.Data))
	binary.BigEndian.PutUint64(buf, r.RPCID)
	return append(buf, r.Data...)
}

// UnmarshalBinary decodes data into a response payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("short response payload (%d bytes)", len(data))
	}
	r.RPCID = binary.BigEndian.Uint64(data)
	if len(data[8:]) > 0 {
		r.Data = data[8:]
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	return fmt.Sprintf("Response(ID=%v, Data=%s)", r.RPCID, clip(r.Data))
}

func clip(data []byte) string {
	if len(data) > 16 {
		return fmt.Sprintf("%+v ...", data[:16])
	}
	return fmt.Sprintf("%+v", data)
}

// HandshakeMessage is the payload of a single handshake frame: a message-type
// token and an accompanying message, each a length-prefixed string.
type HandshakeMessage struct {
	Token   string
	Message string
}

// Encode encodes the handshake message in binary format, without the frame
// length prefix.
func (h HandshakeMessage) Encode() []byte {
	var b packet.Builder
	b.VPutString(h.Token)
	b.VPutString(h.Message)
	return b.Bytes()
}

// UnmarshalBinary decodes data into a handshake message.
// It implements encoding.BinaryUnmarshaler.
func (h *HandshakeMessage) UnmarshalBinary(data []byte) error {
	s := packet.NewScanner(data)
	tok, err := packet.VGet[string](s)
	if err != nil {
		return fmt.Errorf("handshake token: %w", err)
	}
	msg, err := packet.VGet[string](s)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("handshake message: %w", err)
	}
	if s.Len() != 0 {
		return fmt.Errorf("extra data after handshake message (%d bytes)", s.Len())
	}
	h.Token, h.Message = tok, msg
	return nil
}

func (h HandshakeMessage) String() string {
	return fmt.Sprintf("Handshake(%q, %q)", h.Token, h.Message)
}
