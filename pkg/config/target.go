package config

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/multiformats/go-multiaddr"
)

var ErrInvalidTarget = errors.New("invalid connect target")

// Target is a remote system to connect to at start.
type Target struct {
	Host string
	Port uint16
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// ParseTarget reads a multiaddr such as /ip4/10.0.0.5/udp/6000 or
// /dns4/peer.example.org/udp/6000. Only UDP over IPv4 is supported.
func ParseTarget(s string) (Target, error) {
	maddr, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w %q: %w", ErrInvalidTarget, s, err)
	}

	host, err := maddr.ValueForProtocol(multiaddr.P_IP4)
	if err != nil {
		if host, err = maddr.ValueForProtocol(multiaddr.P_DNS4); err != nil {
			return Target{}, fmt.Errorf("%w %q: no ip4 or dns4 component", ErrInvalidTarget, s)
		}
	}

	portStr, err := maddr.ValueForProtocol(multiaddr.P_UDP)
	if err != nil {
		return Target{}, fmt.Errorf("%w %q: no udp component", ErrInvalidTarget, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Target{}, fmt.Errorf("%w %q: bad port %q", ErrInvalidTarget, s, portStr)
	}

	return Target{Host: host, Port: uint16(port)}, nil
}
