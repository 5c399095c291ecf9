package network

import (
	"encoding/binary"
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
)

// dispatch handles one message delivered by the reliability layer of slot i.
func (p *Peer) dispatch(i int, rs *remoteSystem, data []byte, now time.Time) {
	id := protocol.MessageID(data[0])

	if rs.mode == ModeUnverifiedSender {
		p.dispatchUnverified(i, rs, id, data, now)
		return
	}

	switch id {
	case protocol.IDConnectionRequest:
		if !rs.weInitiated {
			p.parseConnectionRequest(i, rs, data, now)
		}

	case protocol.IDNewIncomingConnection:
		p.handleNewIncomingConnection(i, rs, data, now)

	case protocol.IDConnectedPong:
		p.handleConnectedPong(rs, data, now)

	case protocol.IDConnectedPing:
		var ping protocol.ConnectedPing
		if ping.Decode(data) != nil {
			return
		}
		pong := protocol.ConnectedPong{PingTime: ping.SendTime, PongTime: protocol.Timestamp(now)}
		p.sendImmediate(pong.Encode(), reliability.PrioritySystem, reliability.Unreliable, 0, rs.address, false, now)

	case protocol.IDDisconnectionNotification:
		p.pushPacket(rs.address, i, protocol.WithPayload(protocol.IDDisconnectionNotification, rs.staticData))
		p.transition(rs, EvDisconnectNotification, now)

	case protocol.IDRequestStaticData:
		p.sendStaticDataInternal(rs.address, now)

	case protocol.IDReceivedStaticData:
		rs.staticData = append([]byte(nil), data[1:]...)
		p.pushPacket(rs.address, i, data)

	case protocol.IDSecuredConnectionResponse:
		p.handleSecuredConnectionResponse(i, rs, data, now)

	case protocol.IDSecuredConnectionConfirmation:
		p.handleSecuredConnectionConfirmation(i, rs, data, now)

	case protocol.IDKeepAlive:

	case protocol.IDConnectionRequestAccepted:
		p.handleConnectionRequestAccepted(i, rs, data, now)

	case protocol.IDNoFreeIncomingConnections, protocol.IDInvalidPassword:
		if rs.mode == ModeRequestedConnection {
			p.metrics.handshake(id.String())
			p.transition(rs, EvRejected, now)
		}
		p.pushPacket(rs.address, i, data)

	case protocol.IDTimestamp:
		if len(data) >= 5 {
			// Translate the sender's clock into ours.
			t := binary.BigEndian.Uint32(data[1:5])
			binary.BigEndian.PutUint32(data[1:5], t-uint32(rs.bestClockDifferential()))
		}
		p.pushPacket(rs.address, i, data)

	default:
		p.pushPacket(rs.address, i, data)
	}
}

// dispatchUnverified accepts only handshake and offline traffic from a slot
// that has not proven anything yet. Anything else bans the sender.
func (p *Peer) dispatchUnverified(i int, rs *remoteSystem, id protocol.MessageID, data []byte, now time.Time) {
	switch {
	case id == protocol.IDConnectionRequest:
		p.parseConnectionRequest(i, rs, data, now)

	case id == protocol.IDPong && len(data) >= 5,
		id == protocol.IDAdvertiseSystem && len(data) <= protocol.MaxOfflineDataLength:
		p.pushPacket(rs.address, -1, data)
		p.transition(rs, EvOfflineReplied, now)

	case (id == protocol.IDUnconnectedPing || id == protocol.IDUnconnectedPingOpenConnections) && len(data) == 5:
		var ping protocol.UnconnectedPing
		if ping.Decode(data) != nil {
			return
		}
		if !ping.OpenConnectionsOnly || p.allowIncomingConnections(p.table.remoteInitiated()) {
			p.settingsMu.RLock()
			pong := protocol.Pong{SendTime: ping.SendTime, Data: p.offlinePingResponse}
			reply := pong.Encode()
			p.settingsMu.RUnlock()
			p.sendImmediate(reply, reliability.PrioritySystem, reliability.Unreliable, 0, rs.address, false, now)
		}
		p.transition(rs, EvOfflineReplied, now)

	default:
		addr := rs.address
		p.closeSlot(i, "unexpected message from unverified sender")
		p.ban(addr, "unexpected "+id.String(), now)
	}
}

func (p *Peer) handleNewIncomingConnection(i int, rs *remoteSystem, data []byte, now time.Time) {
	var msg protocol.NewIncomingConnection
	if msg.Decode(data) != nil {
		return
	}

	self := rs.address == p.localAddr
	switch {
	case self && rs.mode == ModeConnected:
	case rs.mode == ModeHandlingConnectionRequest || rs.mode == ModeSetEncryptionPending:
		if !p.transition(rs, EvNewIncomingConnection, now) {
			return
		}
	default:
		return
	}

	p.metrics.handshake("accepted")
	p.log.Info().Str("addr", rs.address.String()).Int("slot", i).Bool("encrypted", rs.keyActive).Msg("incoming connection")

	p.pingInternal(rs.address, now)
	p.sendStaticDataInternal(rs.address, now)
	rs.externalAddress = msg.Address
	p.pushPacket(rs.address, i, data)
}

func (p *Peer) handleConnectionRequestAccepted(i int, rs *remoteSystem, data []byte, now time.Time) {
	var msg protocol.ConnectionRequestAccepted
	if msg.Decode(data) != nil {
		return
	}

	alreadyConnected := rs.mode == ModeHandlingConnectionRequest
	if !alreadyConnected && rs.mode != ModeRequestedConnection {
		p.notifyAndFlagForDisconnect(rs, now)
		return
	}

	if !alreadyConnected {
		p.transition(rs, EvConnectionAccepted, now)
		rs.externalAddress = msg.External
		if rs.setAESKey {
			rs.layer.SetEncryptionKey(&rs.aesKey)
			rs.keyActive = true
		} else {
			rs.layer.SetEncryptionKey(nil)
		}
		p.metrics.handshake("connected")
		p.log.Info().Str("addr", rs.address.String()).Int("slot", i).Bool("encrypted", rs.keyActive).Msg("connected")
	}

	p.pushPacket(rs.address, i, data)

	reply := protocol.NewIncomingConnection{Address: rs.address}
	p.sendImmediate(reply.Encode(), reliability.PrioritySystem, reliability.Reliable, 0, rs.address, false, now)

	if !alreadyConnected {
		p.pingInternal(rs.address, now)
		p.sendStaticDataInternal(rs.address, now)
	}
}

func (p *Peer) notifyAndFlagForDisconnect(rs *remoteSystem, now time.Time) {
	p.sendImmediate([]byte{byte(protocol.IDDisconnectionNotification)},
		reliability.PrioritySystem, reliability.ReliableOrdered, 0, rs.address, false, now)
	p.transition(rs, EvCloseRequested, now)
}

func (p *Peer) sendStaticDataInternal(target protocol.SystemAddress, now time.Time) {
	p.settingsMu.RLock()
	data := protocol.WithPayload(protocol.IDReceivedStaticData, p.localStaticData)
	p.settingsMu.RUnlock()
	p.sendImmediate(data, reliability.PrioritySystem, reliability.ReliableOrdered, 0, target, false, now)
}
