package trojan_test

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaywire/trojan/internal/trojan"
)

func TestSecret(t *testing.T) {
	// Fixture used throughout spec.md §8: SHA-224("hello") hex-encoded.
	const want = "ea09ae9cc6768c50fcee903ed054556e5bfc8347907f12598aa24193"
	require.Equal(t, want, trojan.Secret("hello"))
	require.Len(t, trojan.Secret("hello"), trojan.SecretLen)
}

func TestParseRequest_IPv4Connect(t *testing.T) {
	secret := trojan.Secret("hello")
	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{
			Kind: trojan.AddressSocket,
			IP:   net.ParseIP("1.2.3.4").To4(),
			Port: 80,
		},
		Payload: []byte("GET / HTTP/1.1\r\n\r\n"),
	}

	wire, err := trojan.EncodeRequest(secret, req)
	require.NoError(t, err)

	got, ok := trojan.ParseRequest(wire, secret)
	require.True(t, ok)
	assert.Equal(t, req.Command, got.Command)
	assert.Equal(t, req.Address.Kind, got.Address.Kind)
	assert.True(t, req.Address.IP.Equal(got.Address.IP))
	assert.Equal(t, req.Address.Port, got.Address.Port)
	assert.Equal(t, req.Payload, got.Payload)
}

func TestParseRequest_Domain(t *testing.T) {
	secret := trojan.Secret("hello")
	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{
			Kind:   trojan.AddressDomain,
			Domain: "example.test",
			Port:   443,
		},
	}

	wire, err := trojan.EncodeRequest(secret, req)
	require.NoError(t, err)

	got, ok := trojan.ParseRequest(wire, secret)
	require.True(t, ok)
	assert.Equal(t, "example.test", got.Address.Domain)
	assert.Equal(t, uint16(443), got.Address.Port)
	assert.Empty(t, got.Payload)
}

func TestParseRequest_WrongSecret(t *testing.T) {
	secret := trojan.Secret("hello")
	other := trojan.Secret("goodbye")
	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressSocket, IP: net.ParseIP("1.2.3.4").To4(), Port: 80},
	}

	wire, err := trojan.EncodeRequest(other, req)
	require.NoError(t, err)

	_, ok := trojan.ParseRequest(wire, secret)
	assert.False(t, ok)
}

func TestParseRequest_TooShort(t *testing.T) {
	secret := trojan.Secret("hello")
	_, ok := trojan.ParseRequest([]byte(secret), secret)
	assert.False(t, ok)
}

func TestParseRequest_BadCRLF(t *testing.T) {
	secret := trojan.Secret("hello")
	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressSocket, IP: net.ParseIP("1.2.3.4").To4(), Port: 80},
	}
	wire, err := trojan.EncodeRequest(secret, req)
	require.NoError(t, err)

	wire[trojan.SecretLen] = 'X'
	_, ok := trojan.ParseRequest(wire, secret)
	assert.False(t, ok)
}

func TestParseRequest_UnknownATYP(t *testing.T) {
	secret := trojan.Secret("hello")
	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressSocket, IP: net.ParseIP("1.2.3.4").To4(), Port: 80},
	}
	wire, err := trojan.EncodeRequest(secret, req)
	require.NoError(t, err)

	atypOffset := trojan.SecretLen + 2 + 1
	wire[atypOffset] = 0x7f
	_, ok := trojan.ParseRequest(wire, secret)
	assert.False(t, ok)
}

func TestParseRequest_UDPAssociate(t *testing.T) {
	secret := trojan.Secret("hello")
	req := trojan.Request{
		Command: trojan.CommandUDPAssociate,
		Address: trojan.Address{Kind: trojan.AddressSocket, IP: net.IPv4zero.To4(), Port: 0},
	}
	wire, err := trojan.EncodeRequest(secret, req)
	require.NoError(t, err)

	got, ok := trojan.ParseRequest(wire, secret)
	require.True(t, ok)
	assert.Equal(t, trojan.CommandUDPAssociate, got.Command)
}

func TestRequestIncomplete_ShortBuffer(t *testing.T) {
	secret := trojan.Secret("hello")
	assert.True(t, trojan.RequestIncomplete([]byte(secret), secret))
}

func TestRequestIncomplete_WrongSecretIsNotIncomplete(t *testing.T) {
	secret := trojan.Secret("hello")
	other := trojan.Secret("goodbye")
	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressSocket, IP: net.ParseIP("1.2.3.4").To4(), Port: 80},
	}
	wire, err := trojan.EncodeRequest(other, req)
	require.NoError(t, err)

	assert.False(t, trojan.RequestIncomplete(wire, secret))
}

func TestRequestIncomplete_LongDomainSplitAcrossReads(t *testing.T) {
	secret := trojan.Secret("hello")
	req := trojan.Request{
		Command: trojan.CommandConnect,
		Address: trojan.Address{Kind: trojan.AddressDomain, Domain: "a-fairly-long-example-domain-name.test", Port: 443},
	}
	wire, err := trojan.EncodeRequest(secret, req)
	require.NoError(t, err)

	partial := wire[:trojan.SecretLen+2+1+1+2+10]
	_, ok := trojan.ParseRequest(partial, secret)
	require.False(t, ok)
	assert.True(t, trojan.RequestIncomplete(partial, secret))

	got, ok := trojan.ParseRequest(wire, secret)
	require.True(t, ok)
	assert.Equal(t, "a-fairly-long-example-domain-name.test", got.Address.Domain)
}

func TestParseUDPFrame_RoundTrip(t *testing.T) {
	addr := trojan.Address{Kind: trojan.AddressSocket, IP: net.ParseIP("9.9.9.9").To4(), Port: 53}
	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i)
	}

	wire, err := trojan.EncodeUDPFrame(addr, payload)
	require.NoError(t, err)

	frame, result := trojan.ParseUDPFrame(wire)
	require.Equal(t, trojan.FramePacket, result)
	assert.True(t, addr.IP.Equal(frame.Address.IP))
	assert.Equal(t, addr.Port, frame.Address.Port)
	assert.Equal(t, payload, frame.Payload)
	assert.Equal(t, len(wire), frame.Consumed)
}

func TestParseUDPFrame_Continued(t *testing.T) {
	addr := trojan.Address{Kind: trojan.AddressSocket, IP: net.ParseIP("9.9.9.9").To4(), Port: 53}
	wire, err := trojan.EncodeUDPFrame(addr, []byte("hello world"))
	require.NoError(t, err)

	_, result := trojan.ParseUDPFrame(wire[:len(wire)-3])
	assert.Equal(t, trojan.FrameContinued, result)
}

func TestParseUDPFrame_Invalid(t *testing.T) {
	_, result := trojan.ParseUDPFrame([]byte{0xee, 1, 2, 3, 4, 5, 6, 7})
	assert.Equal(t, trojan.FrameInvalid, result)
}

func TestParseUDPFrame_MultipleInSequence(t *testing.T) {
	addr := trojan.Address{Kind: trojan.AddressSocket, IP: net.ParseIP("8.8.8.8").To4(), Port: 53}
	f1, err := trojan.EncodeUDPFrame(addr, []byte("first"))
	require.NoError(t, err)
	f2, err := trojan.EncodeUDPFrame(addr, []byte("second"))
	require.NoError(t, err)

	buf := append(append([]byte{}, f1...), f2...)

	frame, result := trojan.ParseUDPFrame(buf)
	require.Equal(t, trojan.FramePacket, result)
	assert.Equal(t, "first", string(frame.Payload))

	frame2, result2 := trojan.ParseUDPFrame(buf[frame.Consumed:])
	require.Equal(t, trojan.FramePacket, result2)
	assert.Equal(t, "second", string(frame2.Payload))
}
