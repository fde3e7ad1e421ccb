package backend

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"
)

// DefaultTCPIdleDuration is the default CONNECT-flow idle timeout, per
// spec.md §4.4.
const DefaultTCPIdleDuration = 300 * time.Second

// tcpReadBufSize is the chunk size used to drain the upstream socket, per
// spec.md §4.5's "fixed-size receive buffer".
const tcpReadBufSize = 16 * 1024

// TCPBackend bridges a [tlsconn.Conn] and one upstream TCP socket, per
// spec.md §4.5. Unlike the mio-era backend, there is no manual
// WouldBlock/transmit-buffer dance: writes go straight to the kernel
// socket, and crypto/tls/net.Conn already retry partial writes
// internally, so the read pump is the whole of this type's active
// behavior.
type TCPBackend struct {
	token  uint64
	conn   net.Conn
	proxy  Proxy
	idle   time.Duration

	mu      sync.Mutex
	closing bool
	closed  bool
}

// NewTCP wraps an already-dialed upstream TCP connection and starts its
// read pump, forwarding everything read from upstream into proxy.
func NewTCP(token uint64, conn net.Conn, proxy Proxy, idle time.Duration) *TCPBackend {
	if idle <= 0 {
		idle = DefaultTCPIdleDuration
	}
	b := &TCPBackend{token: token, conn: conn, proxy: proxy, idle: idle}
	go b.readPump()
	return b
}

func (b *TCPBackend) readPump() {
	buf := make([]byte, tcpReadBufSize)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			log.Debug("trojan: connection:%d read %d bytes from backend", b.token, n)
			if !b.proxy.WriteSession(buf[:n]) {
				b.beginClose()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn("trojan: connection:%d backend read failed: %v", b.token, err)
			} else {
				log.Debug("trojan: connection:%d backend reached eof", b.token)
			}
			b.beginClose()
			return
		}
	}
}

// Dispatch writes plaintext bytes straight to the upstream socket, per
// spec.md §4.5's write path (WouldBlock retry is handled inside net.Conn).
func (b *TCPBackend) Dispatch(payload []byte) bool {
	if len(payload) == 0 {
		return true
	}
	if _, err := b.conn.Write(payload); err != nil {
		log.Warn("trojan: connection:%d backend write failed: %v", b.token, err)
		b.beginClose()
		return false
	}
	return true
}

// Timeout implements [Backend.Timeout] using spec.md §4.4's TCP idle
// duration.
func (b *TCPBackend) Timeout(lastActive, now time.Time) bool {
	return now.Sub(lastActive) > b.idle
}

func (b *TCPBackend) beginClose() {
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
func (b *TCPBackend) CloseNow() {
	b.beginClose()
}

// Closing reports whether teardown has begun.
func (b *TCPBackend) Closing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

// Closed reports whether teardown is complete. TCPBackend has no
// best-effort flush window distinct from Closing: once the socket is
// closed, both flip together.
func (b *TCPBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

var _ Backend = (*TCPBackend)(nil)
