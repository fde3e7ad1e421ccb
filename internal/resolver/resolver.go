// Package resolver implements the relay's asynchronous DNS resolution:
// a bounded worker pool performs blocking hostname lookups off the flow
// goroutines, caches the results with a TTL, and posts completions to a
// channel a single dispatcher goroutine drains and routes back to the
// waiting [relay.Connection] by its [relay.Token].
//
// This is the Go-native stand-in for spec.md §4.2's mio-Waker-driven
// resolver: the dispatcher goroutine ranging over the result channel plays
// the role the reserved poller token and Waker played in the original.
package resolver

import (
	"context"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/AdguardTeam/golibs/syncutil"
	"github.com/barweiss/go-tuple"
	gocache "github.com/patrickmn/go-cache"

	"github.com/relaywire/trojan/internal/util"
)

// Token identifies the caller a resolution result must be routed back to.
// It mirrors [relay.Token] without importing the relay package, keeping
// this package free of a dependency cycle (relay depends on resolver, not
// the reverse).
type Token uint64

// Result is what [Resolver.Resolve] posts to its result channel on
// completion: the caller's token, the domain that was resolved, and the
// chosen address (nil on failure).
type Result struct {
	Token  Token
	Domain string
	IP     net.IP
}

// DefaultTTL is the cache lifetime applied when a [Config] doesn't specify
// one, matching spec.md §3's "default TTL 10 seconds".
const DefaultTTL = 10 * time.Second

// DefaultResolveTimeout bounds each individual lookup; spec.md's source
// material performs an unbounded blocking lookup per query, which risks
// pinning a worker forever against an unresponsive resolver.
const DefaultResolveTimeout = 5 * time.Second

// Config configures a [Resolver].
type Config struct {
	// CacheTTL is how long a resolved address is trusted before a fresh
	// lookup is required. Zero selects [DefaultTTL].
	CacheTTL time.Duration
	// ResolveTimeout bounds a single lookup. Zero selects
	// [DefaultResolveTimeout].
	ResolveTimeout time.Duration
	// MaxWorkers bounds how many lookups may be in flight at once. Zero
	// means unbounded.
	MaxWorkers int
	// LookupIPAddr performs the actual hostname lookup; defaults to
	// net.DefaultResolver.LookupIPAddr. Tests substitute a stub.
	LookupIPAddr func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Resolver asynchronously resolves hostnames on behalf of Connections,
// caching answers with a TTL. The zero value is not usable; construct with
// [New].
type Resolver struct {
	cache   *gocache.Cache
	ttl     time.Duration
	sema    syncutil.Semaphore
	timeout time.Duration
	lookup  func(ctx context.Context, host string) ([]net.IPAddr, error)

	results chan Result
	done    chan struct{}
}

// New constructs a Resolver from cfg.
func New(cfg Config) *Resolver {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	timeout := cfg.ResolveTimeout
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}
	lookup := cfg.LookupIPAddr
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}

	var sema syncutil.Semaphore
	if cfg.MaxWorkers > 0 {
		sema = syncutil.NewChanSemaphore(cfg.MaxWorkers)
	} else {
		sema = syncutil.EmptySemaphore{}
	}

	return &Resolver{
		cache:   gocache.New(ttl, 2*ttl),
		ttl:     ttl,
		sema:    sema,
		timeout: timeout,
		lookup:  lookup,
		results: make(chan Result, 64),
		done:    make(chan struct{}),
	}
}

// Query is a synchronous cache lookup: it returns the cached address for
// domain, or nil if there is no entry or it has expired. Matches spec.md
// §8 invariant 5 via [gocache.Cache]'s own TTL eviction.
func (r *Resolver) Query(domain string) net.IP {
	v, ok := r.cache.Get(domain)
	if !ok {
		return nil
	}
	ip, _ := v.(net.IP)
	return ip
}

// Resolve submits an asynchronous lookup for domain on behalf of caller.
// The result -- success or failure -- is posted to the result channel and
// observed by [Resolver.Consume]. It never blocks the calling goroutine:
// the lookup, including the wait for a worker semaphore slot, runs in a
// goroutine of its own.
func (r *Resolver) Resolve(caller Token, domain string) {
	go func() {
		ctx := context.Background()
		if err := r.sema.Acquire(ctx); err != nil {
			log.Error("trojan: resolver: acquire worker slot for %s: %v", domain, err)
			r.post(Result{Token: caller, Domain: domain})
			return
		}
		defer r.sema.Release()

		ip := r.lookupOne(domain)
		r.post(Result{Token: caller, Domain: domain, IP: ip})
	}()
}

func (r *Resolver) post(res Result) {
	select {
	case r.results <- res:
	case <-r.done:
	}
}

// lookupOne performs the actual hostname lookup and applies spec.md §4.2's
// address-selection policy: prefer the first IPv4 address, falling back to
// the first IPv6 address if no IPv4 answer is present.
func (r *Resolver) lookupOne(domain string) net.IP {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	addrs, err := r.lookup(ctx, domain)
	if err != nil || len(addrs) == 0 {
		log.Warn("trojan: resolver: lookup %s failed: %v", domain, err)
		return nil
	}

	var fallback net.IP
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4
		}
		if fallback == nil {
			fallback = a.IP
		}
	}
	return fallback
}

// Results exposes the raw completion channel so a dispatcher goroutine can
// select on it alongside other event sources. Most callers should prefer
// [Resolver.Consume].
func (r *Resolver) Results() <-chan Result {
	return r.results
}

// Consume drains every pending result, updating the cache for successful
// resolutions, and invokes callback once per result -- the Go-native
// counterpart of spec.md §4.2's consume(callback) contract. It does not
// block; call it from a loop that also selects on r.Results() for the
// blocking variant.
func (r *Resolver) Consume(callback func(Token, net.IP)) {
	for {
		select {
		case res := <-r.results:
			r.handle(res, callback)
		default:
			return
		}
	}
}

func (r *Resolver) handle(res Result, callback func(Token, net.IP)) {
	if res.IP != nil {
		r.cache.Set(res.Domain, res.IP, r.jitteredTTL())
	}
	callback(res.Token, res.IP)
}

// jitteredTTL spreads cache expirations ±10% around the configured TTL
// so a burst of lookups made together doesn't also expire together.
func (r *Resolver) jitteredTTL() time.Duration {
	spread := int64(r.ttl) / 10
	if spread <= 0 {
		return r.ttl
	}
	jittered, _ := util.RandomInt64(int64(r.ttl)-spread, int64(r.ttl)+spread)
	return time.Duration(jittered)
}

// Dispatch blocks, draining completions as they arrive and invoking
// callback for each -- the push counterpart of [Resolver.Consume], for a
// caller (the relay server's DNS-dispatch goroutine) that wants to react
// to a result as soon as it posts rather than polling. It returns once
// stop is closed or the resolver itself is closed.
func (r *Resolver) Dispatch(stop <-chan struct{}, callback func(Token, net.IP)) {
	for {
		select {
		case res, ok := <-r.results:
			if !ok {
				return
			}
			r.handle(res, callback)
		case <-stop:
			return
		case <-r.done:
			return
		}
	}
}

// CacheSnapshot returns every unexpired (domain, address) pair currently
// cached, for the admin stats surface.
func (r *Resolver) CacheSnapshot() []tuple.T2[string, net.IP] {
	items := r.cache.Items()
	out := make([]tuple.T2[string, net.IP], 0, len(items))
	for domain, item := range items {
		ip, ok := item.Object.(net.IP)
		if !ok {
			continue
		}
		out = append(out, tuple.New2(domain, ip))
	}
	return out
}

// Close releases resolver resources. Pending lookups in flight are allowed
// to complete; their results are simply dropped once done is closed.
func (r *Resolver) Close() {
	close(r.done)
}
