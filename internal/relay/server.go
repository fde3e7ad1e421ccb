package relay

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"

	"github.com/relaywire/trojan/internal/resolver"
	"github.com/relaywire/trojan/internal/tlsconn"
)

// sweepInterval matches spec.md §4.8's one-second poll timeout, which
// also drives the idle sweep.
const sweepInterval = time.Second

// Server owns the listening TCP socket, the shared TLS configuration, the
// [Registry] of live Connections, and the [resolver.Resolver] they share
// -- the Go-native counterpart of spec.md §4.7's acceptor plus §4.8's
// event loop, minus the poller itself (the accept loop, the per-
// Connection read loops, the DNS-dispatch loop, and the sweep ticker are
// all independent goroutines instead of branches of one poll call).
type Server struct {
	listener net.Listener
	tlsConf  *tls.Config
	cfg      Config
	resolver *resolver.Resolver
	registry *Registry
	acceptLim *acceptLimiter

	done chan struct{}
}

// NewServer wraps ln with tlsConf and prepares a Server; call Serve to
// start accepting.
func NewServer(ln net.Listener, tlsConf *tls.Config, cfg Config, res *resolver.Resolver) *Server {
	return &Server{
		listener: ln,
		tlsConf:  tlsConf,
		cfg:      cfg,
		resolver: res,
		registry: NewRegistry(),
		acceptLim: newAcceptLimiter(cfg.AcceptRate),
		done:     make(chan struct{}),
	}
}

// Registry exposes the live-Connection registry, for the admin stats
// surface.
func (s *Server) Registry() *Registry { return s.registry }

// Serve runs the accept loop, the DNS-completion dispatcher, and the
// idle sweep concurrently. It blocks until the listener closes.
func (s *Server) Serve() error {
	go s.dispatchDNS()
	go s.sweepLoop()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return err
		}
		go s.accept(conn)
	}
}

// accept wraps a freshly accepted TCP socket in a server-role TLS session,
// allocates its tokens, registers the Connection, and starts its read
// loop -- spec.md §4.7's "on listener readable" path, minus the
// WouldBlock-driven accept-until-drained loop Go's blocking Accept makes
// unnecessary.
func (s *Server) accept(raw net.Conn) {
	host, _, err := net.SplitHostPort(raw.RemoteAddr().String())
	if err != nil {
		host = raw.RemoteAddr().String()
	}
	if !s.acceptLim.allow(host) {
		log.Debug("trojan: rejecting connection from %s: accept rate exceeded", host)
		_ = raw.Close()
		return
	}

	tlsConn := tls.Server(raw, s.tlsConf)

	index, proxyToken, backendToken := s.registry.allocate()
	wrapped := tlsconn.New(tlsConn, uint64(proxyToken))

	c := newConnection(s.registry, index, proxyToken, backendToken, wrapped, s.cfg, s.resolver)
	s.registry.insert(index, c)

	log.Debug("trojan: connection:%d accepted from %s", index, raw.RemoteAddr())
	c.Serve()
	s.registry.remove(index)
}

// dispatchDNS drains the resolver's completion channel and routes each
// result to the Connection that requested it by its backend token --
// the goroutine standing in for spec.md §4.2's reserved Waker token and
// §4.7's "DNS completion event is routed to resolver.consume(callback)".
func (s *Server) dispatchDNS() {
	s.resolver.Dispatch(s.done, func(token resolver.Token, ip net.IP) {
		c, ok := s.registry.Lookup(Token(token))
		if !ok {
			log.Debug("trojan: dns result for unknown token %d dropped", token)
			return
		}
		c.onResolved(ip)
	})
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.registry.Sweep()
		case <-s.done:
			return
		}
	}
}

// Close stops the accept loop and its supporting goroutines and closes
// every live Connection.
func (s *Server) Close() error {
	close(s.done)
	err := s.listener.Close()
	for _, c := range s.registry.snapshot() {
		c.CloseNow()
	}
	return err
}

// snapshot returns every currently registered Connection.
func (r *Registry) snapshot() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
