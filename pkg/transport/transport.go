// Package transport provides the datagram sockets the peer layer runs on.
package transport

import (
	"errors"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

var (
	ErrSocketClosed = errors.New("socket closed")
	ErrAddressInUse = errors.New("address already in use")
)

// DefaultQueueSize is the number of received datagrams buffered per socket.
const DefaultQueueSize = 1024

// Datagram is a received payload and its sender.
type Datagram struct {
	Data []byte
	From protocol.SystemAddress
}

// Socket is a bound, non-blocking datagram endpoint.
type Socket interface {
	// SendTo writes b to addr.
	SendTo(b []byte, addr protocol.SystemAddress) error
	// RecvFrom returns the next pending datagram without blocking.
	RecvFrom() (Datagram, bool)
	// LocalAddr is the bound address.
	LocalAddr() protocol.SystemAddress
	Close() error
}

// Binder creates bound sockets.
type Binder interface {
	Bind(port uint16, bindAddr string) (Socket, error)
}
