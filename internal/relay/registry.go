// Package relay implements the Connection finite-state machine and the
// registry/server that own its lifetime, per spec.md §4.4/§4.7/§4.8.
//
// The original design multiplexes every Connection off one mio Poll and
// a Token->object map. Go's netpoller already multiplexes blocking-
// looking net.Conn calls under the hood, so this package replaces the
// single-threaded reactor with one goroutine per Connection side; the
// Registry keeps the Token->Connection map and the monotonic index
// allocator the spec calls load-bearing (§8 invariants 1, 2, 6), and a
// sweep goroutine stands in for the poll-timeout-driven idle sweep.
package relay

import (
	"sync"
)

// Token identifies an I/O source the registry dispatches events for, per
// spec.md §3: token = index*2 + channel, channel 0 is the proxy (client)
// side and channel 1 is the backend side.
type Token uint64

// MaxIndex bounds the monotonic index allocator, per spec.md §3. Indices
// wrap back to 0 once exhausted; the allocator does not check whether a
// wrapped index still belongs to a registered Connection.
const MaxIndex = (1 << 31) / 2

// channel selects which side of a Connection a Token names.
const (
	channelProxy   = 0
	channelBackend = 1
)

func tokenFor(index uint64, channel uint64) Token {
	return Token(index*2 + channel)
}

// owner reports the index and channel a Token was constructed from.
func (t Token) owner() (index uint64, channel uint64) {
	return uint64(t) / 2, uint64(t) % 2
}

// Registry owns every live Connection, keyed by the index portion of its
// tokens, and allocates fresh indices. One Registry belongs to one
// [Server]; the index generator is per-Registry rather than global so
// tests stay parallelizable, per spec.md §9.
type Registry struct {
	mu      sync.Mutex
	conns   map[uint64]*Connection
	nextIdx uint64
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[uint64]*Connection)}
}

// allocate reserves the next index and returns the proxy-side and
// backend-side tokens a new Connection should register under.
func (r *Registry) allocate() (index uint64, proxyToken, backendToken Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	index = r.nextIdx
	r.nextIdx++
	if r.nextIdx >= MaxIndex {
		r.nextIdx = 0
	}
	return index, tokenFor(index, channelProxy), tokenFor(index, channelBackend)
}

// insert registers c under its own index. Called once, right after
// construction.
func (r *Registry) insert(index uint64, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[index] = c
}

// Lookup returns the Connection owning token, or (nil, false) if no
// Connection is registered under it -- the case spec.md §8 invariant 1
// requires events to be dropped silently for.
func (r *Registry) Lookup(token Token) (*Connection, bool) {
	index, _ := token.owner()
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[index]
	return c, ok
}

// remove deregisters the Connection at index, if present. Any event
// delivered for its tokens afterward finds nothing in the map, per
// spec.md §8 invariant 6 (token recycling).
func (r *Registry) remove(index uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, index)
}

// Sweep closes every Connection whose backend judges it idle and
// deregisters it, the goroutine counterpart of spec.md §4.8's
// once-a-second timeout sweep.
func (r *Registry) Sweep() {
	r.mu.Lock()
	snapshot := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	for _, c := range snapshot {
		if c.timedOut() {
			c.CloseNow()
		}
		if c.isClosed() {
			r.remove(c.index)
		}
	}
}

// Len reports how many Connections are currently registered, for the
// admin stats surface.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
