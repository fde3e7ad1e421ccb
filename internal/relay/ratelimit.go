package relay

import (
	"sync"
	"time"

	"github.com/beefsack/go-rate"
	gocache "github.com/patrickmn/go-cache"
)

// acceptBucketTTL bounds how long a per-IP limiter is retained after its
// last use; an attacker cycling source ports shouldn't be able to grow
// this cache without bound.
const acceptBucketTTL = 5 * time.Minute

// acceptLimiter throttles how fast a single source IP may open new
// connections, the per-IP bucket design spec.md's teacher repo applies
// to inbound DNS queries ("ratelimit based on IP only, protects CPU
// cycles and outbound connections") applied here to inbound TCP accepts.
type acceptLimiter struct {
	buckets      *gocache.Cache
	mu           sync.Mutex
	maxPerSecond int
}

// newAcceptLimiter builds a limiter allowing maxPerSecond new connections
// per source IP per second. maxPerSecond<=0 disables limiting entirely.
func newAcceptLimiter(maxPerSecond int) *acceptLimiter {
	return &acceptLimiter{
		buckets:      gocache.New(acceptBucketTTL, 2*acceptBucketTTL),
		maxPerSecond: maxPerSecond,
	}
}

// allow reports whether a new connection from ip may proceed.
func (l *acceptLimiter) allow(ip string) bool {
	if l == nil || l.maxPerSecond <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var limiter *rate.RateLimiter
	if v, ok := l.buckets.Get(ip); ok {
		limiter = v.(*rate.RateLimiter)
	} else {
		limiter = rate.New(l.maxPerSecond, time.Second)
		l.buckets.SetDefault(ip, limiter)
	}

	ok, _ := limiter.Try()
	return ok
}
