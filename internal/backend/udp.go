package backend

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/relaywire/trojan/internal/trojan"
)

// DefaultUDPIdleDuration is the default UDP_ASSOCIATE-flow idle timeout,
// per spec.md §4.4.
const DefaultUDPIdleDuration = 60 * time.Second

// udpReadBufSize bounds a single recvfrom; large enough for any
// unfragmented UDP payload.
const udpReadBufSize = 64 * 1024

// UDPBackend bridges a [tlsconn.Conn] carrying Trojan-framed UDP
// datagrams and one unconnected UDP socket, per spec.md §4.6. Frames
// within the TLS stream are emitted and consumed strictly in order; no
// reordering or retransmission is introduced.
type UDPBackend struct {
	token uint64
	conn  *net.UDPConn
	proxy Proxy
	idle  time.Duration

	mu      sync.Mutex
	pending []byte // tail of a not-yet-complete inbound frame
	closing bool
	closed  bool
}

// NewUDP wraps an already-bound unconnected UDP socket and starts its
// read pump, which re-frames every received datagram as a Trojan UDP
// frame addressed from its source and hands it to proxy.
func NewUDP(token uint64, conn *net.UDPConn, proxy Proxy, idle time.Duration) *UDPBackend {
	if idle <= 0 {
		idle = DefaultUDPIdleDuration
	}
	b := &UDPBackend{token: token, conn: conn, proxy: proxy, idle: idle}
	go b.readPump()
	return b
}

func (b *UDPBackend) readPump() {
	buf := make([]byte, udpReadBufSize)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if n > 0 {
			b.forward(src, buf[:n])
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn("trojan: connection:%d udp backend read failed: %v", b.token, err)
			}
			b.beginClose()
			return
		}
	}
}

func (b *UDPBackend) forward(src *net.UDPAddr, payload []byte) {
	addr := trojan.Address{Kind: trojan.AddressSocket, IP: src.IP, Port: uint16(src.Port)}
	frame, err := trojan.EncodeUDPFrame(addr, payload)
	if err != nil {
		log.Error("trojan: connection:%d encode udp frame from %v failed: %v", b.token, src, err)
		return
	}
	if !b.proxy.WriteSession(frame) {
		b.beginClose()
	}
}

// Dispatch accumulates payload (plaintext freshly decrypted from the
// client) and parses as many complete Trojan UDP frames as it can find,
// sending each frame's payload via sendto to its named address. An
// incomplete tail is retained for the next call; a frame that can never
// become valid is a protocol violation that closes the backend, per
// spec.md §4.6/§7.
func (b *UDPBackend) Dispatch(payload []byte) bool {
	b.mu.Lock()
	buf := append(b.pending, payload...)
	b.pending = nil
	b.mu.Unlock()

	for len(buf) > 0 {
		frame, result := trojan.ParseUDPFrame(buf)
		switch result {
		case trojan.FramePacket:
			if err := b.sendTo(frame.Address, frame.Payload); err != nil {
				log.Warn("trojan: connection:%d udp sendto failed: %v", b.token, err)
				b.beginClose()
				return false
			}
			buf = buf[frame.Consumed:]

		case trojan.FrameContinued:
			b.mu.Lock()
			b.pending = append([]byte{}, buf...)
			b.mu.Unlock()
			return true

		case trojan.FrameInvalid:
			log.Warn("trojan: connection:%d malformed udp frame, closing", b.token)
			b.beginClose()
			return false
		}
	}
	return true
}

func (b *UDPBackend) sendTo(addr trojan.Address, payload []byte) error {
	var ip net.IP
	switch addr.Kind {
	case trojan.AddressSocket:
		ip = addr.IP
	default:
		return errUnsupportedUDPTarget
	}
	_, err := b.conn.WriteToUDP(payload, &net.UDPAddr{IP: ip, Port: int(addr.Port)})
	return err
}

var errUnsupportedUDPTarget = errors.New("trojan: udp frame did not carry a literal address")

// Timeout implements [Backend.Timeout] using spec.md §4.4's (shorter) UDP
// idle duration.
func (b *UDPBackend) Timeout(lastActive, now time.Time) bool {
	return now.Sub(lastActive) > b.idle
}

func (b *UDPBackend) beginClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closing = true
	_ = b.conn.Close()
	b.closed = true
}

// CloseNow tears the backend down. Idempotent.
func (b *UDPBackend) CloseNow() { b.beginClose() }

// Closing reports whether teardown has begun.
func (b *UDPBackend) Closing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

// Closed reports whether teardown is complete.
func (b *UDPBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

var _ Backend = (*UDPBackend)(nil)
