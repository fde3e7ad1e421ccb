package relay

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/relaywire/trojan/internal/backend"
	"github.com/relaywire/trojan/internal/resolver"
	"github.com/relaywire/trojan/internal/tlsconn"
	"github.com/relaywire/trojan/internal/trojan"
	"github.com/relaywire/trojan/internal/util"
)

// State is a Connection's position in the one-way FSM spec.md §4.4
// describes: HandShake -> DnsWait -> {TCPForward | UDPForward}.
type State int

// States.
const (
	StateHandShake State = iota
	StateDnsWait
	StateTCPForward
	StateUDPForward
)

// handshakeBufCap bounds how much plaintext a Connection will accumulate
// while still waiting for a complete preamble before giving up and
// treating the stream as plain HTTPS, per spec.md §4.1/§8 scenario 4. A
// well-formed preamble with the longest possible domain name fits easily
// inside this.
const handshakeBufCap = 2048

// Config carries the parts of the server configuration a Connection
// needs, per spec.md §6.
type Config struct {
	Secret         string
	FallbackAddr   string
	Mark           int
	TCPIdle        time.Duration
	UDPIdle        time.Duration
	DialTimeout        time.Duration
	MaxResolverWorkers int
	AcceptRate         int
}

// Connection owns one accepted TLS stream: its [tlsconn.Conn], its
// optional [backend.Backend], its FSM state, and the bookkeeping spec.md
// §3's invariants require (last-active time, parsed address, closing
// flag).
type Connection struct {
	index        uint64
	proxyToken   Token
	backendToken Token

	proxy    *tlsconn.Conn
	cfg      Config
	resolver *resolver.Resolver
	registry *Registry

	mu         sync.Mutex
	state      State
	command    trojan.Command
	address    trojan.Address
	lastActive time.Time
	be         backend.Backend
	closing    bool

	handshakeBuf []byte
}

// newConnection constructs a Connection already registered in registry
// under index; callers obtain index/tokens from [Registry.allocate].
func newConnection(registry *Registry, index uint64, proxyToken, backendToken Token, proxy *tlsconn.Conn, cfg Config, res *resolver.Resolver) *Connection {
	return &Connection{
		index:        index,
		proxyToken:   proxyToken,
		backendToken: backendToken,
		proxy:        proxy,
		cfg:          cfg,
		resolver:     res,
		registry:     registry,
		state:        StateHandShake,
		lastActive:   time.Now(),
	}
}

// Serve runs the Connection's proxy-side read loop until the stream
// closes. It is the Go-native stand-in for dispatching readable events to
// this Connection one at a time -- here there is exactly one goroutine per
// Connection doing so, rather than one shared poller thread routing by
// token.
func (c *Connection) Serve() {
	for {
		plaintext, ok := c.proxy.DoRead()
		c.touch()
		if len(plaintext) > 0 {
			c.dispatch(plaintext)
		}
		if !ok {
			c.CloseNow()
			return
		}
		if c.isClosed() {
			return
		}
	}
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

// dispatch routes plaintext bytes to the handshake parser or straight to
// the backend, depending on state.
func (c *Connection) dispatch(plaintext []byte) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateHandShake:
		c.handleHandshake(plaintext)
	case StateDnsWait:
		// Payload arriving before DNS resolves is vanishingly rare in
		// practice (it implies the client sent more than the preamble
		// in the same read) but is held rather than dropped.
		c.mu.Lock()
		c.handshakeBuf = append(c.handshakeBuf, plaintext...)
		c.mu.Unlock()
	case StateTCPForward, StateUDPForward:
		c.mu.Lock()
		be := c.be
		c.mu.Unlock()
		if be != nil && !be.Dispatch(plaintext) {
			c.CloseNow()
		}
	}
}

func (c *Connection) handleHandshake(chunk []byte) {
	c.mu.Lock()
	c.handshakeBuf = append(c.handshakeBuf, chunk...)
	buf := c.handshakeBuf
	c.mu.Unlock()

	req, ok := trojan.ParseRequest(buf, c.cfg.Secret)
	if !ok {
		if len(buf) < handshakeBufCap && trojan.RequestIncomplete(buf, c.cfg.Secret) {
			// Authenticated so far but the address hasn't fully arrived
			// (e.g. a long domain name split across reads); wait for
			// more instead of declaring pass-through.
			return
		}
		c.beginFallback(buf)
		return
	}

	c.mu.Lock()
	c.command = req.Command
	c.address = req.Address
	c.handshakeBuf = nil
	c.state = StateDnsWait
	c.mu.Unlock()

	c.resolveAndForward(req.Address, req.Payload)
}

// beginFallback adopts spec.md §4.4's "parse fails or secret mismatches"
// path: command=CONNECT, address=None, and the entire buffer read so far
// becomes the payload forwarded to the fallback address.
func (c *Connection) beginFallback(buf []byte) {
	c.mu.Lock()
	c.command = trojan.CommandConnect
	c.address = trojan.Address{Kind: trojan.AddressNone}
	c.handshakeBuf = nil
	c.state = StateDnsWait
	c.mu.Unlock()

	c.resolveAndForward(trojan.Address{Kind: trojan.AddressNone}, buf)
}

// resolveAndForward implements the DnsWait entry logic of spec.md §4.4:
// a literal socket address is adopted immediately, a CONNECT domain is
// resolved asynchronously, a UDP_ASSOCIATE domain is skipped (datagrams
// carry their own addresses), and AddressNone routes to the fallback.
func (c *Connection) resolveAndForward(addr trojan.Address, payload []byte) {
	switch addr.Kind {
	case trojan.AddressSocket:
		c.establishBackend(net.JoinHostPort(addr.IP.String(), portString(addr.Port)), payload)

	case trojan.AddressDomain:
		c.mu.Lock()
		cmd := c.command
		c.mu.Unlock()
		if cmd == trojan.CommandUDPAssociate {
			c.establishBackend("", payload)
			return
		}
		c.mu.Lock()
		c.handshakeBuf = payload
		c.mu.Unlock()
		c.resolver.Resolve(resolver.Token(c.backendToken), addr.Domain)

	case trojan.AddressNone:
		c.establishBackend(c.cfg.FallbackAddr, payload)
	}
}

// onResolved is invoked by the [Server]'s DNS-dispatch goroutine when the
// resolver completes a lookup keyed by this Connection's backend token.
func (c *Connection) onResolved(ip net.IP) {
	c.touch()
	c.mu.Lock()
	payload := c.handshakeBuf
	c.handshakeBuf = nil
	domain := c.address.Domain
	port := c.address.Port
	c.mu.Unlock()

	if ip == nil {
		log.Warn("trojan: connection:%d dns resolution for %s failed, closing", c.index, util.ShortText(domain, 80))
		c.CloseNow()
		return
	}
	c.establishBackend(net.JoinHostPort(ip.String(), portString(port)), payload)
}

// establishBackend dials the upstream (TCP) or binds the unconnected
// socket (UDP) per spec.md §4.4's DnsWait exit, applies the routing
// mark, and transitions to the matching Forward state.
func (c *Connection) establishBackend(target string, payload []byte) {
	c.mu.Lock()
	cmd := c.command
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout())
	defer cancel()

	switch cmd {
	case trojan.CommandUDPAssociate:
		conn, err := backend.ListenUDP(ctx, c.cfg.Mark)
		if err != nil {
			log.Warn("trojan: connection:%d udp bind failed: %v", c.index, err)
			c.CloseNow()
			return
		}
		be := backend.NewUDP(uint64(c.backendToken), conn, c.proxy, c.cfg.UDPIdle)
		c.mu.Lock()
		c.be = be
		c.state = StateUDPForward
		c.mu.Unlock()

	default:
		conn, err := backend.DialTCP(ctx, target, c.cfg.Mark)
		if err != nil {
			log.Warn("trojan: connection:%d dial %s failed: %v", c.index, target, err)
			c.CloseNow()
			return
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		be := backend.NewTCP(uint64(c.backendToken), conn, c.proxy, c.cfg.TCPIdle)
		c.mu.Lock()
		c.be = be
		c.state = StateTCPForward
		c.mu.Unlock()
	}

	if len(payload) > 0 {
		c.mu.Lock()
		be := c.be
		c.mu.Unlock()
		if be != nil && !be.Dispatch(payload) {
			c.CloseNow()
		}
	}
}

func (c *Connection) dialTimeout() time.Duration {
	if c.cfg.DialTimeout > 0 {
		return c.cfg.DialTimeout
	}
	return 10 * time.Second
}

// timedOut reports whether the backend (if any) judges this Connection
// idle, per spec.md §4.4.
func (c *Connection) timedOut() bool {
	c.mu.Lock()
	be := c.be
	last := c.lastActive
	c.mu.Unlock()
	if be == nil {
		return false
	}
	return be.Timeout(last, time.Now())
}

// CloseNow tears down both sides of the Connection. Idempotent.
func (c *Connection) CloseNow() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	be := c.be
	c.mu.Unlock()

	c.proxy.CloseNow()
	if be != nil {
		be.CloseNow()
	}
}

// isClosed requires both the proxy side and the backend (or its absence)
// to report closed, per spec.md §4.4's teardown rule.
func (c *Connection) isClosed() bool {
	c.mu.Lock()
	be := c.be
	c.mu.Unlock()
	if !c.proxy.Closed() {
		return false
	}
	return be == nil || be.Closed()
}

func portString(port uint16) string {
	return strconv.Itoa(int(port))
}
