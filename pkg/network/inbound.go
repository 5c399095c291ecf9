package network

import (
	"sync"

	"github.com/ZentaChain/zentalk-rudp/pkg/packetpool"
)

// packetQueue holds packets waiting for Receive. PushBackPacket returns a
// packet to the front.
type packetQueue struct {
	mu    sync.Mutex
	items []*packetpool.Packet
}

func (q *packetQueue) push(pkt *packetpool.Packet) {
	q.mu.Lock()
	q.items = append(q.items, pkt)
	q.mu.Unlock()
}

func (q *packetQueue) pushFront(pkt *packetpool.Packet) {
	q.mu.Lock()
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = pkt
	q.mu.Unlock()
}

func (q *packetQueue) pop() *packetpool.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	pkt := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return pkt
}

func (q *packetQueue) drain() []*packetpool.Packet {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

func (q *packetQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
