package backend

import (
	"context"
	"net"
	"syscall"
)

// DialTCP opens the upstream CONNECT-flow socket, applying the routing
// mark (if any) before the connection completes.
func DialTCP(ctx context.Context, addr string, mark int) (net.Conn, error) {
	d := net.Dialer{Control: controlFunc(mark)}
	return d.DialContext(ctx, "tcp", addr)
}

// ListenUDP opens the unconnected UDP socket a UDPBackend dispatches
// through, applying the routing mark (if any) at bind time.
func ListenUDP(ctx context.Context, mark int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlFunc(mark)}
	conn, err := lc.ListenPacket(ctx, "udp", ":0")
	if err != nil {
		return nil, err
	}
	return conn.(*net.UDPConn), nil
}

func controlFunc(mark int) func(network, address string, rc syscall.RawConn) error {
	if mark == 0 {
		return nil
	}
	return func(network, address string, rc syscall.RawConn) error {
		setMark(rc, mark)
		return nil
	}
}
