// Package packetpool recycles inbound packet shells between the network
// goroutine and the callers draining the peer's receive queue.
package packetpool

import (
	"sync"
	"sync/atomic"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

// DefaultCapacity is the number of released shells a pool keeps around.
const DefaultCapacity = 1024

// Packet is a message delivered to the application.
type Packet struct {
	// Address of the remote system that sent the packet.
	Address protocol.SystemAddress
	// Index is the remote system's slot, or -1 when it has none.
	Index int
	// Data starts with the message identifier.
	Data []byte
	// BitSize is the significant length of Data in bits.
	BitSize int

	leased bool
}

// ID returns the message identifier, or 0xFF for an empty packet.
func (p *Packet) ID() protocol.MessageID {
	if len(p.Data) == 0 {
		return 0xFF
	}
	return protocol.MessageID(p.Data[0])
}

// Pool is a bounded stack of released packets. It is safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	free     []*Packet
	capacity int

	outstanding atomic.Int64
}

// New creates a pool that keeps at most capacity released shells.
func New(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{capacity: capacity}
}

// Acquire pops a released shell, or allocates one if none is free.
func (p *Pool) Acquire() *Packet {
	p.mu.Lock()
	var pkt *Packet
	if n := len(p.free); n > 0 {
		pkt = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if pkt == nil {
		pkt = &Packet{}
	}
	pkt.Index = -1
	pkt.Address = protocol.UnassignedAddress
	pkt.leased = true
	p.outstanding.Add(1)
	return pkt
}

// NewPacket acquires a packet and fills it in.
func (p *Pool) NewPacket(addr protocol.SystemAddress, index int, data []byte) *Packet {
	pkt := p.Acquire()
	pkt.Address = addr
	pkt.Index = index
	pkt.Data = data
	pkt.BitSize = len(data) * 8
	return pkt
}

// Release clears pkt and returns it to the pool. Releasing a packet twice
// panics.
func (p *Pool) Release(pkt *Packet) {
	if pkt == nil {
		return
	}
	if !pkt.leased {
		panic("packetpool: packet released twice")
	}
	pkt.leased = false
	pkt.Data = nil
	pkt.BitSize = 0
	p.outstanding.Add(-1)

	p.mu.Lock()
	if len(p.free) < p.capacity {
		p.free = append(p.free, pkt)
	}
	p.mu.Unlock()
}

// Outstanding is the number of acquired packets not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Free is the number of shells ready for reuse.
func (p *Pool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Clear drops every kept shell.
func (p *Pool) Clear() {
	p.mu.Lock()
	p.free = nil
	p.mu.Unlock()
}
