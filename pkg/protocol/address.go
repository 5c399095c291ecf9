package protocol

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

var ErrUnresolvedHost = errors.New("host has no IPv4 address")

// SystemAddress identifies a remote system by IPv4 address and UDP port.
type SystemAddress struct {
	IP   [4]byte
	Port uint16
}

// UnassignedAddress marks a free slot or an absent target.
var UnassignedAddress = SystemAddress{IP: [4]byte{0xFF, 0xFF, 0xFF, 0xFF}, Port: 0xFFFF}

// IsUnassigned reports whether a is the sentinel address.
func (a SystemAddress) IsUnassigned() bool {
	return a == UnassignedAddress
}

// IPString returns the dotted-quad form of the address, without the port.
func (a SystemAddress) IPString() string {
	return net.IP(a.IP[:]).String()
}

func (a SystemAddress) String() string {
	if a.IsUnassigned() {
		return "unassigned"
	}
	return net.JoinHostPort(a.IPString(), strconv.Itoa(int(a.Port)))
}

// UDPAddr converts a to a *net.UDPAddr.
func (a SystemAddress) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]), Port: int(a.Port)}
}

// AddressFromUDP converts a *net.UDPAddr. Non-IPv4 addresses yield the sentinel.
func AddressFromUDP(u *net.UDPAddr) SystemAddress {
	if u == nil {
		return UnassignedAddress
	}
	ip4 := u.IP.To4()
	if ip4 == nil {
		return UnassignedAddress
	}
	var a SystemAddress
	copy(a.IP[:], ip4)
	a.Port = uint16(u.Port)
	return a
}

// ParseAddress parses a literal IPv4 host.
func ParseAddress(host string, port uint16) (SystemAddress, error) {
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return UnassignedAddress, fmt.Errorf("parse %q: %w", host, ErrUnresolvedHost)
	}
	var a SystemAddress
	copy(a.IP[:], ip)
	a.Port = port
	return a, nil
}

// ResolveAddress resolves host (a literal or a domain name) to its first IPv4 address.
func ResolveAddress(host string, port uint16) (SystemAddress, error) {
	if a, err := ParseAddress(host, port); err == nil {
		return a, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return UnassignedAddress, fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			var a SystemAddress
			copy(a.IP[:], ip4)
			a.Port = port
			return a, nil
		}
	}
	return UnassignedAddress, fmt.Errorf("resolve %q: %w", host, ErrUnresolvedHost)
}

// MarshalText encodes a as its String form.
func (a SystemAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseSystemAddress reads the String form of an address.
func ParseSystemAddress(s string) (SystemAddress, error) {
	if s == "unassigned" {
		return UnassignedAddress, nil
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return UnassignedAddress, fmt.Errorf("parse %q: %w", s, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return UnassignedAddress, fmt.Errorf("parse %q: %w", s, err)
	}
	return ParseAddress(host, uint16(port))
}

func (a *SystemAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseSystemAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
