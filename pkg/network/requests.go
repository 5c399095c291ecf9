package network

import (
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
)

type requestAction uint8

const (
	actionConnect requestAction = 1 << iota
	actionPing
	actionPingOpenConnections
	actionAdvertiseSystem
)

// requestedConnection is an outgoing open-connection request that is
// retried until the remote system replies or the attempts run out.
type requestedConnection struct {
	address         protocol.SystemAddress
	action          requestAction
	requestsMade    int
	nextRequestTime time.Time
	data            []byte
	cancelled       bool
	// broadcast requests send one bare ping and are never retried.
	broadcast bool
}

// processRequests picks up newly queued requests and sends or expires the
// ones that are due.
func (p *Peer) processRequests(now time.Time) {
	p.pending = append(p.pending, p.requests.drain()...)

	kept := p.pending[:0]
	for _, r := range p.pending {
		if r.cancelled {
			continue
		}
		if now.Before(r.nextRequestTime) {
			kept = append(kept, r)
			continue
		}
		if r.broadcast {
			p.sendBroadcastPing(r)
			continue
		}
		if r.requestsMade >= p.cfg.ConnectAttempts {
			if r.action&actionConnect != 0 {
				p.log.Debug().Str("addr", r.address.String()).Msg("connection attempt unanswered")
				p.metrics.handshake("unanswered")
				p.pushPacket(r.address, -1, []byte{byte(protocol.IDConnectionAttemptFailed)})
			}
			continue
		}

		r.requestsMade++
		r.nextRequestTime = now.Add(p.cfg.ConnectRetryInterval)
		if err := p.sock.SendTo([]byte{byte(protocol.IDOpenConnectionRequest)}, r.address); err != nil {
			p.log.Debug().Err(err).Str("addr", r.address.String()).Msg("send open connection request")
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(p.pending); i++ {
		p.pending[i] = nil
	}
	p.pending = kept
}

// handleOpenConnectionReply assigns a slot to a system that answered our
// open-connection request and carries out every action queued for it.
// Duplicate requests for the same address are folded into one.
func (p *Peer) handleOpenConnectionReply(from protocol.SystemAddress, now time.Time) {
	var (
		actions requestAction
		data    []byte
	)
	for _, r := range p.pending {
		if r.cancelled || !p.replyMatches(r.address, from) {
			continue
		}
		actions |= r.action
		if r.data != nil {
			data = r.data
		}
		r.cancelled = true
	}
	if actions == 0 {
		return
	}

	rs, _ := p.table.assign(from, ModeUnverifiedSender, now)
	if rs == nil {
		p.log.Debug().Str("addr", from.String()).Msg("open connection reply without a free slot")
		return
	}

	if actions&actionConnect != 0 {
		p.transition(rs, EvOpenReplyConnect, now)
		rs.weInitiated = true

		p.settingsMu.RLock()
		req := protocol.ConnectionRequest{Password: p.outgoingPassword}
		encoded := req.Encode()
		p.settingsMu.RUnlock()
		p.sendImmediate(encoded, reliability.PrioritySystem, reliability.Reliable, 0, from, false, now)
	}

	if actions&(actionPing|actionPingOpenConnections) != 0 {
		ping := protocol.UnconnectedPing{
			OpenConnectionsOnly: actions&actionPing == 0,
			SendTime:            protocol.Timestamp(now),
		}
		p.sendImmediate(ping.Encode(), reliability.PrioritySystem, reliability.Reliable, 0, from, false, now)
	}

	if actions&actionAdvertiseSystem != 0 {
		msg := protocol.WithPayload(protocol.IDAdvertiseSystem, data)
		p.sendImmediate(msg, reliability.PrioritySystem, reliability.Reliable, 0, from, false, now)
		p.transition(rs, EvAdvertiseSent, now)
	}
}

func (p *Peer) replyMatches(requested, from protocol.SystemAddress) bool {
	if requested == from {
		return true
	}
	return p.cfg.AllowConnectionResponseIPMigration && requested.IP == from.IP
}

func (p *Peer) sendBroadcastPing(r *requestedConnection) {
	id := protocol.IDUnconnectedPing
	if r.action&actionPingOpenConnections != 0 {
		id = protocol.IDUnconnectedPingOpenConnections
	}
	if err := p.sock.SendTo([]byte{byte(id)}, r.address); err != nil {
		p.log.Debug().Err(err).Str("addr", r.address.String()).Msg("send broadcast ping")
	}
}
