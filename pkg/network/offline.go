package network

import (
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

// drainSocket handles every datagram waiting on the socket.
func (p *Peer) drainSocket(now time.Time) {
	for {
		dg, ok := p.sock.RecvFrom()
		if !ok {
			return
		}
		p.processDatagram(dg.Data, dg.From, now)
	}
}

// processDatagram routes one datagram: offline one-byte messages are
// answered here, datagrams from known systems go to their reliability layer
// and unknown senders may only open a slot.
func (p *Peer) processDatagram(data []byte, from protocol.SystemAddress, now time.Time) {
	if len(data) == 0 || p.bans.IsBanned(from.IPString(), now) {
		return
	}
	p.metrics.bytesReceived.Add(float64(len(data)))

	if len(data) == 1 {
		switch protocol.MessageID(data[0]) {
		case protocol.IDOpenConnectionReply:
			p.handleOpenConnectionReply(from, now)
			return

		case protocol.IDUnconnectedPing:
			p.sendRaw(protocol.IDPong, from)
			return

		case protocol.IDUnconnectedPingOpenConnections:
			if p.allowIncomingConnections(p.table.remoteInitiated()) {
				p.sendRaw(protocol.IDPong, from)
			}
			return

		case protocol.IDPong:
			_, index := p.table.get(from)
			pong := protocol.Pong{}
			p.pushPacket(from, index, pong.Encode())
			return
		}
	}

	if rs, index := p.table.get(from); rs != nil {
		if len(data) == 1 && protocol.MessageID(data[0]) == protocol.IDOpenConnectionRequest {
			// Our reply was lost.
			if rs.mode == ModeUnverifiedSender {
				p.sendRaw(protocol.IDOpenConnectionReply, from)
			}
			return
		}
		if rs.mode == ModeSetEncryptionPending && rs.setAESKey && !rs.keyActive && len(data)%16 == 0 {
			rs.layer.SetEncryptionKey(&rs.aesKey)
			rs.keyActive = true
		}
		if !rs.layer.HandleDatagram(data, now) && !protocol.IsOfflineMessage(data) {
			p.metrics.modifiedPackets.Inc()
			p.log.Debug().Str("addr", from.String()).Int("slot", index).Int("len", len(data)).Msg("modified packet")
			p.pushPacket(from, index, []byte{byte(protocol.IDModifiedPacket)})
		}
		return
	}

	if len(data) > p.cfg.FloodThreshold {
		p.ban(from, "oversized unsolicited datagram", now)
		return
	}

	if len(data) == 1 && protocol.MessageID(data[0]) == protocol.IDOpenConnectionRequest {
		if !p.flood.allow(from.IPString(), now) {
			p.ban(from, "open connection flood", now)
			return
		}
		if rs, index := p.table.assign(from, ModeUnverifiedSender, now); rs != nil {
			p.log.Debug().Str("addr", from.String()).Int("slot", index).Msg("open connection request")
			p.sendRaw(protocol.IDOpenConnectionReply, from)
		}
	}
}

func (p *Peer) sendRaw(id protocol.MessageID, to protocol.SystemAddress) {
	if err := p.sock.SendTo([]byte{byte(id)}, to); err != nil {
		p.log.Debug().Err(err).Str("addr", to.String()).Stringer("msg_id", id).Msg("send raw")
	}
}

// pushPacket hands data to the application.
func (p *Peer) pushPacket(from protocol.SystemAddress, index int, data []byte) {
	p.inbound.push(p.pool.NewPacket(from, index, data))
}
