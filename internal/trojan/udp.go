package trojan

import (
	"encoding/binary"
)

// FrameResult tags the outcome of [ParseUDPFrame].
type FrameResult int

// FrameResult values.
const (
	// FrameInvalid means buf can never become a valid frame; the caller
	// must treat this as a protocol violation and close the connection.
	FrameInvalid FrameResult = iota
	// FrameContinued means buf is a well-formed but incomplete prefix;
	// the caller should accumulate more bytes and retry.
	FrameContinued
	// FramePacket means a complete frame was decoded.
	FramePacket
)

// UDPFrame is one decoded Trojan-encapsulated UDP datagram: the frame's
// address header plus its payload.
type UDPFrame struct {
	Address Address
	Payload []byte
	// Consumed is the number of bytes of the input buffer this frame
	// occupied, including the address header, length, CRLF, and payload.
	Consumed int
}

// ParseUDPFrame decodes a single `address length CRLF payload` frame from
// the head of buf, per spec.md §4.1. It never consumes more than one frame;
// callers accumulating a stream of frames call it again on the remainder.
func ParseUDPFrame(buf []byte) (frame UDPFrame, result FrameResult) {
	if len(buf) < 1 {
		return UDPFrame{}, FrameContinued
	}
	if !recognizedATYP(buf[0]) {
		return UDPFrame{}, FrameInvalid
	}

	switch atyp(buf[0]) {
	case atypDomain:
		if len(buf) < 2 {
			return UDPFrame{}, FrameContinued
		}
		dlen := int(buf[1])
		if len(buf) < 2+dlen+2 {
			return UDPFrame{}, FrameContinued
		}
	case atypIPv4:
		if len(buf) < 1+4+2 {
			return UDPFrame{}, FrameContinued
		}
	case atypIPv6:
		if len(buf) < 1+16+2 {
			return UDPFrame{}, FrameContinued
		}
	}

	addr, n, ok := parseAddress(buf)
	if !ok {
		return UDPFrame{}, FrameInvalid
	}

	rest := buf[n:]
	if len(rest) < 2 {
		return UDPFrame{}, FrameContinued
	}
	length := binary.BigEndian.Uint16(rest[:2])

	rest = rest[2:]
	if len(rest) < 2 {
		return UDPFrame{}, FrameContinued
	}
	if string(rest[:2]) != crlf {
		return UDPFrame{}, FrameInvalid
	}
	rest = rest[2:]

	if len(rest) < int(length) {
		return UDPFrame{}, FrameContinued
	}

	payload := rest[:length]
	consumed := n + 2 + 2 + int(length)
	return UDPFrame{Address: addr, Payload: payload, Consumed: consumed}, FramePacket
}

func recognizedATYP(b byte) bool {
	switch atyp(b) {
	case atypIPv4, atypDomain, atypIPv6:
		return true
	default:
		return false
	}
}

// EncodeUDPFrame renders a UDP datagram (addressed to/from addr, carrying
// payload) in Trojan's in-stream framing.
func EncodeUDPFrame(addr Address, payload []byte) ([]byte, error) {
	buf := make([]byte, 0, 24+len(payload))
	var err error
	buf, err = EncodeAddress(buf, addr)
	if err != nil {
		return nil, err
	}

	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, addr.Port)
	buf = append(buf, port...)

	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(payload)))
	buf = append(buf, length...)
	buf = append(buf, crlf...)
	buf = append(buf, payload...)
	return buf, nil
}
