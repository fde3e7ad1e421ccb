// Package backend implements the two upstream bridges a Connection can
// own: a TCP backend for CONNECT flows and a UDP backend for
// UDP_ASSOCIATE flows. Both satisfy the small [Backend] interface
// spec.md §9 calls for instead of a deep class hierarchy.
package backend

import "time"

// Proxy is the minimal view of the TLS-terminated client side a Backend
// needs: a place to hand decrypted-from-upstream bytes, matching
// [tlsconn.Conn]'s WriteSession method.
type Proxy interface {
	WriteSession(plaintext []byte) bool
}

// Backend is the shared contract for TCPBackend and UDPBackend:
// dispatch/timeout/close_now/closing/closed. There is no ready method;
// each backend's own read pump goroutine handles upstream readability.
type Backend interface {
	// Dispatch hands plaintext bytes read from the proxy side (client to
	// upstream direction) to the backend.
	Dispatch(payload []byte) bool
	// Timeout reports whether the backend considers the flow idle, given
	// the last time any event was observed on the Connection and the
	// current time.
	Timeout(lastActive, now time.Time) bool
	// CloseNow tears the backend down. Idempotent.
	CloseNow()
	// Closing reports whether teardown has begun (e.g. a half-open TCP
	// flush in progress).
	Closing() bool
	// Closed reports whether teardown is complete.
	Closed() bool
}
