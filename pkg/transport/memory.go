package transport

import (
	"fmt"
	"sync"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

// DropFunc decides whether a datagram in flight is lost.
type DropFunc func(from, to protocol.SystemAddress, data []byte) bool

// MemoryNetwork is an in-process datagram switch. Delivery is immediate and
// ordered per sender unless a DropFunc discards the datagram.
type MemoryNetwork struct {
	mu      sync.RWMutex
	sockets map[protocol.SystemAddress]*MemorySocket
	drop    DropFunc
	next    uint16
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		sockets: make(map[protocol.SystemAddress]*MemorySocket),
		next:    49152,
	}
}

// SetDropFunc installs f; nil delivers everything.
func (n *MemoryNetwork) SetDropFunc(f DropFunc) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

// Bind attaches a socket at bindAddr:port. bindAddr defaults to 127.0.0.1
// and port 0 picks an unused ephemeral port.
func (n *MemoryNetwork) Bind(port uint16, bindAddr string) (Socket, error) {
	if bindAddr == "" || bindAddr == "0.0.0.0" {
		bindAddr = "127.0.0.1"
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if port == 0 {
		for {
			port = n.next
			n.next++
			if n.next == 0 {
				n.next = 49152
			}
			addr, err := protocol.ParseAddress(bindAddr, port)
			if err != nil {
				return nil, err
			}
			if _, used := n.sockets[addr]; !used {
				break
			}
		}
	}

	addr, err := protocol.ParseAddress(bindAddr, port)
	if err != nil {
		return nil, err
	}
	if _, used := n.sockets[addr]; used {
		return nil, fmt.Errorf("bind %s: %w", addr, ErrAddressInUse)
	}

	s := &MemorySocket{
		net:   n,
		local: addr,
		queue: make(chan Datagram, DefaultQueueSize),
	}
	n.sockets[addr] = s
	return s, nil
}

func (n *MemoryNetwork) deliver(from, to protocol.SystemAddress, b []byte) {
	n.mu.RLock()
	dst := n.sockets[to]
	drop := n.drop
	n.mu.RUnlock()

	if dst == nil {
		return
	}
	if drop != nil && drop(from, to, b) {
		return
	}

	select {
	case dst.queue <- Datagram{Data: append([]byte(nil), b...), From: from}:
	default:
	}
}

// MemorySocket is a Socket on a MemoryNetwork.
type MemorySocket struct {
	net   *MemoryNetwork
	local protocol.SystemAddress
	queue chan Datagram

	mu     sync.Mutex
	closed bool
}

func (s *MemorySocket) SendTo(b []byte, addr protocol.SystemAddress) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}
	s.net.deliver(s.local, addr, b)
	return nil
}

func (s *MemorySocket) RecvFrom() (Datagram, bool) {
	select {
	case dg := <-s.queue:
		return dg, true
	default:
		return Datagram{}, false
	}
}

func (s *MemorySocket) LocalAddr() protocol.SystemAddress {
	return s.local
}

func (s *MemorySocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	s.closed = true

	s.net.mu.Lock()
	delete(s.net.sockets, s.local)
	s.net.mu.Unlock()
	return nil
}
