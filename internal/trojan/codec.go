// Package trojan implements the wire codec for the Trojan proxy protocol:
// the request preamble that opens every proxied stream, and the datagram
// framing used to carry UDP traffic inside that same TLS stream.
//
//	hex(SHA224(password)) CRLF cmd atyp addr port CRLF payload...
//
// See https://trojan-gfw.github.io/trojan/protocol for the reference wire
// format; this package implements exactly the subset spec.md §4.1 requires.
package trojan

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net"

	"github.com/AdguardTeam/golibs/errors"
)

// Command identifies what a TrojanRequest asks the server to do.
type Command byte

// Recognized commands.
const (
	CommandConnect      Command = 0x01
	CommandUDPAssociate Command = 0x03
)

// ATYP identifies the shape of the address that follows it on the wire.
type atyp byte

const (
	atypIPv4   atyp = 0x01
	atypDomain atyp = 0x03
	atypIPv6   atyp = 0x04
)

// SecretLen is the length, in ASCII hex characters, of the SHA-224 digest
// that authenticates a Trojan stream.
const SecretLen = 56

const crlf = "\r\n"

// minRequestLen is the length below which a preamble cannot be complete:
// secret, CRLF, 1-byte command, 1-byte ATYP, 2-byte port, CRLF. The
// address bytes themselves vary by ATYP (a domain can be as short as its
// length byte) and are checked incrementally while parsing.
const minRequestLen = SecretLen + 2 + 1 + 1 + 2 + 2

// AddressKind tags which variant an Address holds.
type AddressKind int

// Address variants.
const (
	AddressNone AddressKind = iota
	AddressDomain
	AddressSocket
)

// Address is the tagged union described in spec.md §3: either nothing (the
// pass-through fallback case), an unresolved hostname plus port, or an
// already-literal socket endpoint.
type Address struct {
	Kind   AddressKind
	Domain string
	Port   uint16
	IP     net.IP
}

// String renders the address for logging.
func (a Address) String() string {
	switch a.Kind {
	case AddressDomain:
		return net.JoinHostPort(a.Domain, portString(a.Port))
	case AddressSocket:
		return net.JoinHostPort(a.IP.String(), portString(a.Port))
	default:
		return "<none>"
	}
}

func portString(port uint16) string {
	return net.JoinHostPort("", itoa(port))[1:]
}

func itoa(v uint16) string {
	if v == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Request is a fully decoded Trojan preamble: the authenticated command,
// destination address, and whatever payload bytes followed it in the same
// read.
type Request struct {
	Command Command
	Address Address
	Payload []byte
}

// Secret returns the lowercase hex SHA-224 digest of password, as sent on
// the wire at the start of every Trojan stream.
func Secret(password string) string {
	sum := sha256.Sum224([]byte(password))
	return hex.EncodeToString(sum[:])
}

// ParseRequest decodes a Trojan preamble from buf and checks its secret
// against expectedSecret (the hex digest from [Secret]) byte-wise. It
// returns ok=false, with buf left untouched, whenever the buffer is too
// short, either CRLF is misplaced, the ATYP is unrecognized, or the secret
// does not match -- at which point the caller must treat the connection as
// plain HTTPS and forward every byte received so far to a fallback
// endpoint, per spec.md §4.1.
func ParseRequest(buf []byte, expectedSecret string) (req Request, ok bool) {
	if len(buf) < minRequestLen {
		return Request{}, false
	}

	secret := buf[:SecretLen]
	if string(buf[SecretLen:SecretLen+2]) != crlf {
		return Request{}, false
	}
	if !constantTimeHexEqual(secret, expectedSecret) {
		return Request{}, false
	}

	rest := buf[SecretLen+2:]
	if len(rest) < 2 {
		return Request{}, false
	}

	cmd := Command(rest[0])
	if cmd != CommandConnect && cmd != CommandUDPAssociate {
		return Request{}, false
	}

	addr, n, ok := parseAddress(rest[1:])
	if !ok {
		return Request{}, false
	}

	tail := rest[1+n:]
	if len(tail) < 2 || string(tail[:2]) != crlf {
		return Request{}, false
	}

	return Request{
		Command: cmd,
		Address: addr,
		Payload: tail[2:],
	}, true
}

// RequestIncomplete reports whether buf, which [ParseRequest] has already
// rejected, might still become a valid request once more bytes arrive --
// true for a short buffer or a correctly authenticated request whose
// address hasn't fully arrived yet (a long domain name), false once the
// verdict can never change (wrong secret, bad CRLF, unknown ATYP). A
// caller uses this to decide whether to keep accumulating plaintext
// before committing to the pass-through fallback of spec.md §4.1.
func RequestIncomplete(buf []byte, expectedSecret string) bool {
	if len(buf) < minRequestLen {
		return true
	}

	secret := buf[:SecretLen]
	if string(buf[SecretLen:SecretLen+2]) != crlf {
		return false
	}
	if !constantTimeHexEqual(secret, expectedSecret) {
		return false
	}

	rest := buf[SecretLen+2:]
	if len(rest) < 2 {
		return true
	}

	cmd := Command(rest[0])
	if cmd != CommandConnect && cmd != CommandUDPAssociate {
		return false
	}

	if !recognizedATYP(rest[1]) {
		return false
	}
	_, n, ok := parseAddress(rest[1:])
	if !ok {
		return true
	}

	// The address is complete; only a missing (not a wrong) trailing CRLF
	// can still arrive.
	tail := rest[1+n:]
	return len(tail) == 0 || (len(tail) == 1 && tail[0] == '\r')
}

// constantTimeHexEqual reports whether the SecretLen-byte ASCII hex slice
// got equals the lowercase hex string want, byte by byte, without a
// data-dependent early return -- the secret is the sole authenticator for
// this protocol, so comparing it in variable time would leak timing
// information about how many leading hex characters a probing client
// guessed correctly.
func constantTimeHexEqual(got []byte, want string) bool {
	if len(got) != len(want) {
		return false
	}
	var diff byte
	for i := 0; i < len(got); i++ {
		diff |= got[i] ^ want[i]
	}
	return diff == 0
}

// parseAddress decodes an ATYP-prefixed address followed by a 2-byte
// big-endian port, returning the number of bytes consumed from buf.
func parseAddress(buf []byte) (addr Address, n int, ok bool) {
	if len(buf) < 1 {
		return Address{}, 0, false
	}

	switch atyp(buf[0]) {
	case atypIPv4:
		if len(buf) < 1+4+2 {
			return Address{}, 0, false
		}
		ip := net.IP(append(net.IP{}, buf[1:5]...))
		port := binary.BigEndian.Uint16(buf[5:7])
		return Address{Kind: AddressSocket, IP: ip, Port: port}, 7, true

	case atypIPv6:
		if len(buf) < 1+16+2 {
			return Address{}, 0, false
		}
		ip := net.IP(append(net.IP{}, buf[1:17]...))
		port := binary.BigEndian.Uint16(buf[17:19])
		return Address{Kind: AddressSocket, IP: ip, Port: port}, 19, true

	case atypDomain:
		if len(buf) < 2 {
			return Address{}, 0, false
		}
		dlen := int(buf[1])
		if len(buf) < 2+dlen+2 {
			return Address{}, 0, false
		}
		domain := string(buf[2 : 2+dlen])
		port := binary.BigEndian.Uint16(buf[2+dlen : 2+dlen+2])
		return Address{Kind: AddressDomain, Domain: domain, Port: port}, 2 + dlen + 2, true

	default:
		return Address{}, 0, false
	}
}

// EncodeAddress appends the ATYP-tagged wire form of addr to dst, without
// the trailing port -- used standalone by UDP frame encoding which shares
// the same address grammar.
func EncodeAddress(dst []byte, addr Address) ([]byte, error) {
	switch addr.Kind {
	case AddressDomain:
		if len(addr.Domain) > 255 {
			return dst, errors.Error("trojan: domain name too long")
		}
		dst = append(dst, byte(atypDomain), byte(len(addr.Domain)))
		dst = append(dst, addr.Domain...)
		return dst, nil

	case AddressSocket:
		if ip4 := addr.IP.To4(); ip4 != nil {
			dst = append(dst, byte(atypIPv4))
			dst = append(dst, ip4...)
			return dst, nil
		}
		ip6 := addr.IP.To16()
		if ip6 == nil {
			return dst, errors.Error("trojan: invalid IP address")
		}
		dst = append(dst, byte(atypIPv6))
		dst = append(dst, ip6...)
		return dst, nil

	default:
		return dst, errors.Error("trojan: cannot encode empty address")
	}
}

// EncodeRequest renders req as the bytes a client would send: the hex
// secret, CRLF, command, address, port, CRLF, and finally req.Payload.
func EncodeRequest(secretHex string, req Request) ([]byte, error) {
	buf := make([]byte, 0, minRequestLen+len(req.Payload))
	buf = append(buf, secretHex...)
	buf = append(buf, crlf...)
	buf = append(buf, byte(req.Command))

	var err error
	buf, err = EncodeAddress(buf, req.Address)
	if err != nil {
		return nil, err
	}

	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, req.Address.Port)
	buf = append(buf, port...)
	buf = append(buf, crlf...)
	buf = append(buf, req.Payload...)
	return buf, nil
}
