package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

const maxDatagramSize = 65507

// UDPBinder binds real UDP sockets.
type UDPBinder struct {
	// QueueSize bounds the receive queue; DefaultQueueSize when zero.
	QueueSize int
}

// Bind listens on bindAddr:port. An empty bindAddr listens on all IPv4
// interfaces; port 0 picks a free port.
func (b UDPBinder) Bind(port uint16, bindAddr string) (Socket, error) {
	host := bindAddr
	if host == "" {
		host = "0.0.0.0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	size := b.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}

	s := &UDPSocket{
		conn:  conn,
		local: protocol.AddressFromUDP(conn.LocalAddr().(*net.UDPAddr)),
		queue: make(chan Datagram, size),
		done:  make(chan struct{}),
	}
	if s.local.IP == [4]byte{} {
		s.local.IP = [4]byte{127, 0, 0, 1}
	}

	go s.readLoop()
	return s, nil
}

// UDPSocket wraps a net.UDPConn. A reader goroutine feeds a bounded queue
// so RecvFrom never blocks; datagrams arriving while the queue is full are
// dropped, as the kernel would.
type UDPSocket struct {
	conn  *net.UDPConn
	local protocol.SystemAddress
	queue chan Datagram

	closeOnce sync.Once
	done      chan struct{}
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		addr := protocol.AddressFromUDP(from)
		if addr.IsUnassigned() || n == 0 {
			continue
		}

		dg := Datagram{Data: append([]byte(nil), buf[:n]...), From: addr}
		select {
		case s.queue <- dg:
		case <-s.done:
			return
		default:
		}
	}
}

func (s *UDPSocket) SendTo(b []byte, addr protocol.SystemAddress) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	_, err := s.conn.WriteToUDP(b, addr.UDPAddr())
	return err
}

func (s *UDPSocket) RecvFrom() (Datagram, bool) {
	select {
	case dg := <-s.queue:
		return dg, true
	default:
		return Datagram{}, false
	}
}

func (s *UDPSocket) LocalAddr() protocol.SystemAddress {
	return s.local
}

func (s *UDPSocket) Close() error {
	err := ErrSocketClosed
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
