// Package protocol implements the rendezvous wire format: a fixed 16-byte
// little-endian frame header followed by packed payload structs.
//
// Header layout:
//
//	|    magic (4)      | cmd (2) | 0x00 0x00 |
//	|  send_time (4)    |     length (4)      |
//	|               payload ...               |
//
// Integers are little-endian on the wire. The embedded addresses inside
// PeerInfo travel in network byte order, so their bytes appear on the wire
// in natural octet order.
package protocol

import (
	"encoding/binary"
	"errors"
	"net/netip"
	"time"
)

// Magic is the frame identifier, 0x82 0x73 0x64 0x55 on the wire.
const Magic uint32 = 0x55647382

// HeaderSize is the fixed frame header length.
const HeaderSize = 16

// Field sizes of the packed payload structs.
const (
	UUIDSize     = 48
	PeerNameSize = 32
	MsgSize      = 64

	// PeerInfoSize is 4 (host) + 2 (port) + UUIDSize + PeerNameSize.
	PeerInfoSize = 4 + 2 + UUIDSize + PeerNameSize
	// ResponseSize is 2 (flag) + 2 (status) + MsgSize + 4 (number).
	ResponseSize = 2 + 2 + MsgSize + 4
)

// Request commands (client to server).
const (
	CmdSendPeerInfo    uint16 = 0x0101
	CmdGetPeerInfo     uint16 = 0x0102
	CmdConnectToPeer   uint16 = 0x0103
	CmdHeartbeatDetect uint16 = 0x0104
)

// Response commands (server to client).
const (
	CmdRespSendPeerInfo    uint16 = 0x1001
	CmdRespGetPeerInfo     uint16 = 0x1002
	CmdRespConnectToPeer   uint16 = 0x1003
	CmdConnectToMe         uint16 = 0x1004
	CmdRespHeartbeatDetect uint16 = 0x1005
)

// Frame parse failures.
var (
	ErrShortHeader = errors.New("buffer shorter than frame header")
	ErrBadMagic    = errors.New("frame magic mismatch")
	ErrTruncated   = errors.New("frame payload truncated")
)

// Frame is one parsed protocol frame. Payload aliases the parse buffer.
type Frame struct {
	Cmd      uint16
	SendTime uint32
	Payload  []byte
}

// EncodeFrame produces a complete frame carrying payload, stamped with the
// current epoch second.
func EncodeFrame(cmd uint16, payload []byte) []byte {
	return EncodeFrameAt(cmd, payload, uint32(time.Now().Unix()))
}

// EncodeFrameAt is EncodeFrame with an explicit send time.
func EncodeFrameAt(cmd uint16, payload []byte, sendTime uint32) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], cmd)
	// buf[6:8] reserved, zero.
	binary.LittleEndian.PutUint32(buf[8:12], sendTime)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

// ParseFrame validates the header and returns the frame. The payload slice
// aliases buf.
func ParseFrame(buf []byte) (Frame, error) {
	if len(buf) < HeaderSize {
		return Frame{}, ErrShortHeader
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Frame{}, ErrBadMagic
	}
	f := Frame{
		Cmd:      binary.LittleEndian.Uint16(buf[4:6]),
		SendTime: binary.LittleEndian.Uint32(buf[8:12]),
	}
	length := binary.LittleEndian.Uint32(buf[12:16])
	if uint32(len(buf)-HeaderSize) < length {
		return Frame{}, ErrTruncated
	}
	f.Payload = buf[HeaderSize : HeaderSize+int(length)]
	return f, nil
}

// Header is the decoded fixed-size frame header, for stream transports that
// read the header before the payload.
type Header struct {
	Cmd      uint16
	SendTime uint32
	Length   uint32
}

// ParseHeader validates and decodes the first HeaderSize bytes of buf.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return Header{}, ErrBadMagic
	}
	return Header{
		Cmd:      binary.LittleEndian.Uint16(buf[4:6]),
		SendTime: binary.LittleEndian.Uint32(buf[8:12]),
		Length:   binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// PeerInfo is the packed peer descriptor exchanged in frames.
type PeerInfo struct {
	// Addr is the peer's external address; the zero value encodes as zeros.
	Addr netip.AddrPort
	UUID string
	Name string
}

// AppendBinary appends the packed 86-byte form to dst.
func (p PeerInfo) AppendBinary(dst []byte) []byte {
	var host [4]byte
	var port uint16
	if p.Addr.IsValid() {
		addr := p.Addr.Addr().Unmap()
		if addr.Is4() {
			host = addr.As4()
			port = p.Addr.Port()
		}
	}
	dst = append(dst, host[:]...)
	dst = binary.BigEndian.AppendUint16(dst, port)
	dst = appendPadded(dst, p.UUID, UUIDSize)
	dst = appendPadded(dst, p.Name, PeerNameSize)
	return dst
}

// MarshalBinary returns the packed 86-byte form.
func (p PeerInfo) MarshalBinary() ([]byte, error) {
	return p.AppendBinary(make([]byte, 0, PeerInfoSize)), nil
}

// ParsePeerInfo decodes one packed PeerInfo from the front of b.
func ParsePeerInfo(b []byte) (PeerInfo, error) {
	if len(b) < PeerInfoSize {
		return PeerInfo{}, ErrTruncated
	}
	var p PeerInfo
	var host [4]byte
	copy(host[:], b[0:4])
	port := binary.BigEndian.Uint16(b[4:6])
	if host != ([4]byte{}) || port != 0 {
		p.Addr = netip.AddrPortFrom(netip.AddrFrom4(host), port)
	}
	p.UUID = trimPadded(b[6 : 6+UUIDSize])
	p.Name = trimPadded(b[6+UUIDSize : 6+UUIDSize+PeerNameSize])
	return p, nil
}

// Response is the packed server response header. Number announces how many
// PeerInfo records follow it in the payload.
type Response struct {
	Flag   uint16
	Status Status
	Msg    string
	Number uint32
}

// NewResponse builds a response for flag with the status's canonical message.
func NewResponse(flag uint16, status Status) Response {
	return Response{Flag: flag, Status: status, Msg: status.String()}
}

// AppendBinary appends the packed 72-byte form to dst.
func (r Response) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, r.Flag)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(r.Status))
	dst = appendPadded(dst, r.Msg, MsgSize)
	dst = binary.LittleEndian.AppendUint32(dst, r.Number)
	return dst
}

// MarshalBinary returns the packed 72-byte form.
func (r Response) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(make([]byte, 0, ResponseSize)), nil
}

// ParseResponse decodes one packed Response from the front of b.
func ParseResponse(b []byte) (Response, error) {
	if len(b) < ResponseSize {
		return Response{}, ErrTruncated
	}
	return Response{
		Flag:   binary.LittleEndian.Uint16(b[0:2]),
		Status: Status(binary.LittleEndian.Uint16(b[2:4])),
		Msg:    trimPadded(b[4 : 4+MsgSize]),
		Number: binary.LittleEndian.Uint32(b[4+MsgSize : 4+MsgSize+4]),
	}, nil
}

func appendPadded(dst []byte, s string, size int) []byte {
	if len(s) > size {
		s = s[:size]
	}
	dst = append(dst, s...)
	for i := len(s); i < size; i++ {
		dst = append(dst, 0)
	}
	return dst
}

func trimPadded(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
