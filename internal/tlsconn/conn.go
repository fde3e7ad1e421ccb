// Package tlsconn wraps a *tls.Conn with the plaintext read/write/close
// contract spec.md §4.3 describes for the original mio+rustls wrapper.
//
// crypto/tls and the Go runtime's netpoller already do the ciphertext
// buffering, partial-write retry, and readiness multiplexing that the
// original wrapper managed by hand against a non-blocking socket; this
// type exists to give every [relay.Connection] the same small, uniform
// surface (DoRead / WriteSession / DoSend / CloseNow / Closing / Closed)
// regardless of whether the underlying net.Conn happens to be a
// *tls.Conn, so the connection FSM never touches crypto/tls directly.
package tlsconn

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/AdguardTeam/golibs/log"
)

// Status mirrors spec.md §4.3's wrapper status enum. A Conn is Connecting
// from construction until its first DoRead (crypto/tls runs the handshake
// inside that first read); Deregistered is never entered and is kept as a
// named state for parity with the spec.
type Status int

// Status values.
const (
	StatusConnecting Status = iota
	StatusEstablished
	StatusShutdown
	StatusClosed
	StatusDeregistered
)

// readBufSize is the chunk size used to drain the TLS session per DoRead
// call.
const readBufSize = 16 * 1024

// Conn is a per-socket TLS wrapper: one plaintext receive call (DoRead),
// one plaintext send call (WriteSession/DoSend), and idempotent close.
type Conn struct {
	tls   net.Conn
	token uint64

	mu     sync.Mutex
	status Status
}

// New wraps an already-handshaking or already-established TLS connection.
// Callers construct tlsConn with tls.Server or tls.Client.
func New(tlsConn net.Conn, token uint64) *Conn {
	return &Conn{tls: tlsConn, token: token, status: StatusConnecting}
}

// DoRead drains one chunk of decrypted plaintext from the session. It
// returns ok=false exactly when the session is closing or the read failed
// (end-of-file or any other error) with no new data; a partial read still
// returns ok=true with whatever plaintext arrived.
func (c *Conn) DoRead() (plaintext []byte, ok bool) {
	c.mu.Lock()
	if c.status == StatusClosed || c.status == StatusShutdown {
		c.mu.Unlock()
		return nil, false
	}
	c.status = StatusEstablished
	c.mu.Unlock()

	buf := make([]byte, readBufSize)
	n, err := c.tls.Read(buf)
	if n > 0 {
		return buf[:n], true
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			log.Debug("trojan: connection:%d tls read error: %v", c.token, err)
		}
		c.markShutdown()
		return nil, false
	}
	return nil, true
}

// WriteSession enqueues plaintext for encryption and transmission. It
// returns false only on a session-level failure (matching spec.md §4.3);
// crypto/tls performs the actual partial-write retry internally, so unlike
// the mio-era wrapper there is no separate DoSend-triggered drain -- DoSend
// is retained as a documented no-op for interface parity with spec.md.
func (c *Conn) WriteSession(plaintext []byte) bool {
	if len(plaintext) == 0 {
		return true
	}

	c.mu.Lock()
	closed := c.status == StatusClosed || c.status == StatusShutdown
	c.mu.Unlock()
	if closed {
		return false
	}

	if _, err := c.tls.Write(plaintext); err != nil {
		log.Debug("trojan: connection:%d tls write error: %v", c.token, err)
		c.markShutdown()
		return false
	}
	return true
}

// DoSend flushes any buffered ciphertext. crypto/tls writes synchronously
// and doesn't expose a WouldBlock-style partial state to retry later, so
// this is a documented no-op kept for interface parity with spec.md §4.3.
func (c *Conn) DoSend() {}

// Reregister recomputes poller interest. crypto/tls plus a blocking
// net.Conn need no interest recomputation -- the Go runtime's netpoller
// already tracks per-fd readability/writability -- so this, too, is a
// documented no-op kept for interface parity with spec.md §4.3.
func (c *Conn) Reregister() {}

// CloseNow deregisters and closes the underlying socket. Idempotent.
func (c *Conn) CloseNow() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusClosed {
		return
	}
	if err := c.tls.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Debug("trojan: connection:%d close error: %v", c.token, err)
	}
	c.status = StatusClosed
}

// Closing reports whether the session has begun shutting down.
func (c *Conn) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusShutdown || c.status == StatusClosed
}

// Closed reports whether the session is fully closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusClosed
}

func (c *Conn) markShutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusClosed {
		c.status = StatusShutdown
	}
}

// RemoteAddr reports the peer address, for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.tls.RemoteAddr()
}
