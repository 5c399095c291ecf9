package network

import (
	"github.com/ZentaChain/zentalk-rudp/pkg/packetpool"
)

// Verdict tells Receive what to do with a packet after a handler saw it.
type Verdict uint8

const (
	// Propagate passes the packet on to the next handler and then the caller.
	Propagate Verdict = iota
	// Absorb consumes the packet; Receive releases it to the pool.
	Absorb
)

// MessageHandler observes a peer from the caller side of Receive. Handlers
// run in the order they were attached.
type MessageHandler interface {
	OnAttach(p *Peer)
	OnUpdate(p *Peer)
	OnReceive(p *Peer, pkt *packetpool.Packet) Verdict
	OnDisconnect(p *Peer)
}

// AttachMessageHandler adds h after the handlers already attached. Attaching
// the same handler twice is a no-op.
func (p *Peer) AttachMessageHandler(h MessageHandler) {
	p.handlersMu.Lock()
	for _, existing := range p.handlers {
		if existing == h {
			p.handlersMu.Unlock()
			return
		}
	}
	p.handlers = append(p.handlers, h)
	p.handlersMu.Unlock()

	h.OnAttach(p)
}

// DetachMessageHandler removes h.
func (p *Peer) DetachMessageHandler(h MessageHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()

	for i, existing := range p.handlers {
		if existing == h {
			p.handlers = append(p.handlers[:i:i], p.handlers[i+1:]...)
			return
		}
	}
}

func (p *Peer) messageHandlers() []MessageHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	return append([]MessageHandler(nil), p.handlers...)
}

// filterPacket runs pkt through the handlers and reports whether one of them
// absorbed it.
func (p *Peer) filterPacket(pkt *packetpool.Packet) bool {
	for _, h := range p.messageHandlers() {
		if h.OnReceive(p, pkt) == Absorb {
			return true
		}
	}
	return false
}
