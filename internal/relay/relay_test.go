package relay_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaywire/trojan/internal/relay"
	"github.com/relaywire/trojan/internal/resolver"
	"github.com/relaywire/trojan/internal/trojan"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

type testServer struct {
	srv      *relay.Server
	addr     string
	resolver *resolver.Resolver
}

func startServer(t *testing.T, cfg relay.Config, lookup func(ctx context.Context, host string) ([]net.IPAddr, error)) *testServer {
	t.Helper()

	cert := selfSignedCert(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	res := resolver.New(resolver.Config{LookupIPAddr: lookup, CacheTTL: time.Minute})
	srv := relay.NewServer(ln, &tls.Config{Certificates: []tls.Certificate{cert}}, cfg, res)

	go func() { _ = srv.Serve() }()

	t.Cleanup(func() {
		_ = srv.Close()
		res.Close()
	})

	return &testServer{srv: srv, addr: ln.Addr().String(), resolver: res}
}

func dialClient(t *testing.T, addr string) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	return conn
}

const testSecret = "ea09ae9cc6768c50fcee903ed054556e5bfc8347907f12598aa24193"

func TestScenario_ConnectToIPv4Literal(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()

	upstreamAddr := upstream.Addr().(*net.TCPAddr)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := upstream.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	ts := startServer(t, relay.Config{Secret: testSecret, TCPIdle: time.Minute, UDPIdle: time.Minute}, nil)
	client := dialClient(t, ts.addr)
	defer client.Close()

	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressSocket, IP: upstreamAddr.IP, Port: uint16(upstreamAddr.Port)},
		Payload: []byte("GET / HTTP/1.1\r\n\r\n"),
	}
	wire, err := trojan.EncodeRequest(testSecret, req)
	require.NoError(t, err)
	_, err = client.Write(wire)
	require.NoError(t, err)

	up := <-accepted
	defer up.Close()

	buf := make([]byte, 64)
	up.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := up.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "GET / HTTP/1.1\r\n\r\n", string(buf[:n]))

	_, err = up.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "HTTP/1.1 200 OK\r\n\r\n", string(buf[:n]))
}

func TestScenario_ConnectWithDomain(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()
	upstreamAddr := upstream.Addr().(*net.TCPAddr)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := upstream.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	lookup := func(ctx context.Context, host string) ([]net.IPAddr, error) {
		require.Equal(t, "example.test", host)
		return []net.IPAddr{{IP: upstreamAddr.IP}}, nil
	}

	ts := startServer(t, relay.Config{Secret: testSecret, TCPIdle: time.Minute, UDPIdle: time.Minute}, lookup)
	client := dialClient(t, ts.addr)
	defer client.Close()

	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressDomain, Domain: "example.test", Port: uint16(upstreamAddr.Port)},
	}
	wire, err := trojan.EncodeRequest(testSecret, req)
	require.NoError(t, err)
	_, err = client.Write(wire)
	require.NoError(t, err)

	up := <-accepted
	defer up.Close()

	_, err = up.Write([]byte("hi"))
	require.NoError(t, err)

	buf := make([]byte, 8)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))

	require.Equal(t, upstreamAddr.IP.String(), ts.resolver.Query("example.test").String())
}

func TestScenario_WrongSecretFallsBackToPlainHTTPS(t *testing.T) {
	fallback, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer fallback.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := fallback.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	ts := startServer(t, relay.Config{Secret: testSecret, FallbackAddr: fallback.Addr().String(), TCPIdle: time.Minute, UDPIdle: time.Minute}, nil)
	client := dialClient(t, ts.addr)
	defer client.Close()

	garbage := make([]byte, 90)
	for i := range garbage {
		garbage[i] = 'x'
	}
	_, err = client.Write(garbage)
	require.NoError(t, err)

	up := <-accepted
	defer up.Close()

	buf := make([]byte, len(garbage))
	up.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := up.Read(buf)
	require.NoError(t, err)
	require.Equal(t, garbage, buf[:n])
}

func TestScenario_DNSFailureClosesConnection(t *testing.T) {
	lookup := func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return nil, &net.DNSError{IsNotFound: true, Name: host}
	}

	ts := startServer(t, relay.Config{Secret: testSecret, TCPIdle: time.Minute, UDPIdle: time.Minute}, lookup)
	client := dialClient(t, ts.addr)
	defer client.Close()

	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressDomain, Domain: "nx.test", Port: 443},
	}
	wire, err := trojan.EncodeRequest(testSecret, req)
	require.NoError(t, err)
	_, err = client.Write(wire)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err = client.Read(buf)
	require.Error(t, err)
}

func TestScenario_UDPAssociateRoundTrip(t *testing.T) {
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	ts := startServer(t, relay.Config{Secret: testSecret, TCPIdle: time.Minute, UDPIdle: time.Minute}, nil)
	client := dialClient(t, ts.addr)
	defer client.Close()

	req := trojan.Request{
		Command: trojan.CommandUDPAssociate,
		Address: trojan.Address{Kind: trojan.AddressSocket, IP: net.IPv4zero, Port: 0},
	}
	wire, err := trojan.EncodeRequest(testSecret, req)
	require.NoError(t, err)
	_, err = client.Write(wire)
	require.NoError(t, err)

	frame, err := trojan.EncodeUDPFrame(
		trojan.Address{Kind: trojan.AddressSocket, IP: peerAddr.IP, Port: uint16(peerAddr.Port)},
		[]byte("dns query"),
	)
	require.NoError(t, err)
	_, err = client.Write(frame)
	require.NoError(t, err)

	buf := make([]byte, 128)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, "dns query", string(buf[:n]))

	_, err = peer.WriteToUDP([]byte("dns reply"), from)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	respBuf := make([]byte, 256)
	n, err = client.Read(respBuf)
	require.NoError(t, err)

	replyFrame, result := trojan.ParseUDPFrame(respBuf[:n])
	require.Equal(t, trojan.FramePacket, result)
	require.Equal(t, "dns reply", string(replyFrame.Payload))
}

func TestScenario_IdleTimeoutClosesConnection(t *testing.T) {
	upstream, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer upstream.Close()
	upstreamAddr := upstream.Addr().(*net.TCPAddr)

	go func() {
		c, _ := upstream.Accept()
		if c != nil {
			defer c.Close()
			scratch := make([]byte, 1)
			_, _ = c.Read(scratch)
		}
	}()

	ts := startServer(t, relay.Config{Secret: testSecret, TCPIdle: 50 * time.Millisecond, UDPIdle: time.Minute}, nil)
	client := dialClient(t, ts.addr)
	defer client.Close()

	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressSocket, IP: upstreamAddr.IP, Port: uint16(upstreamAddr.Port)},
	}
	wire, err := trojan.EncodeRequest(testSecret, req)
	require.NoError(t, err)
	_, err = client.Write(wire)
	require.NoError(t, err)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && ts.srv.Registry().Len() > 0 {
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, 0, ts.srv.Registry().Len())
}
