package protocol

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("10.0.0.5", 1234)
	require.NoError(t, err)
	assert.Equal(t, [4]byte{10, 0, 0, 5}, addr.IP)
	assert.Equal(t, "10.0.0.5", addr.IPString())
	assert.Equal(t, "10.0.0.5:1234", addr.String())

	_, err = ParseAddress("::1", 1234)
	assert.ErrorIs(t, err, ErrUnresolvedHost)
}

func TestUnassignedAddress(t *testing.T) {
	assert.True(t, UnassignedAddress.IsUnassigned())
	assert.Equal(t, "unassigned", UnassignedAddress.String())

	var zero SystemAddress
	assert.False(t, zero.IsUnassigned())
}

func TestUDPAddrConversion(t *testing.T) {
	addr := SystemAddress{IP: [4]byte{127, 0, 0, 1}, Port: 9000}
	back := AddressFromUDP(addr.UDPAddr())
	assert.Equal(t, addr, back)

	v6 := &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 1}
	assert.True(t, AddressFromUDP(v6).IsUnassigned())
	assert.True(t, AddressFromUDP(nil).IsUnassigned())
}

func TestAddressRoundTripInBuffer(t *testing.T) {
	buf := make([]byte, AddressSize)
	addr := SystemAddress{IP: [4]byte{192, 168, 1, 20}, Port: 65535}
	PutAddress(buf, addr)
	assert.Equal(t, addr, ReadAddress(buf))
}

func TestParseSystemAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    SystemAddress
		wantErr bool
	}{
		{"10.0.0.5:1234", SystemAddress{IP: [4]byte{10, 0, 0, 5}, Port: 1234}, false},
		{"unassigned", UnassignedAddress, false},
		{"10.0.0.5", SystemAddress{}, true},
		{"10.0.0.5:70000", SystemAddress{}, true},
		{"[::1]:80", SystemAddress{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSystemAddress(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	var a SystemAddress
	require.NoError(t, a.UnmarshalText([]byte("127.0.0.1:6000")))
	assert.Equal(t, "127.0.0.1:6000", a.String())
}
