package network

import (
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
)

// maxAcceptedPing rejects samples that are clearly delayed pongs.
const maxAcceptedPing = 1200

func (p *Peer) pingInternal(target protocol.SystemAddress, now time.Time) {
	ping := protocol.ConnectedPing{SendTime: protocol.Timestamp(now)}
	p.sendImmediate(ping.Encode(), reliability.PrioritySystem, reliability.Unreliable, 0, target, false, now)
}

// handleConnectedPong records a ping sample and the clock differential
// measured with it, and retunes the resend delay to twice the ping.
func (p *Peer) handleConnectedPong(rs *remoteSystem, data []byte, now time.Time) {
	var pong protocol.ConnectedPong
	if pong.Decode(data) != nil {
		return
	}

	nowStamp := protocol.Timestamp(now)
	ping := int(int32(nowStamp - pong.PingTime))
	if ping < 0 {
		return
	}

	last := rs.pingSamples[rs.pingWriteIndex].pingTime
	if last > 0 && (ping >= last*3 || ping >= maxAcceptedPing) {
		return
	}

	// The remote clock read pong.PongTime halfway through the round trip.
	midpoint := pong.PingTime + uint32(ping/2)
	rs.pingSamples[rs.pingWriteIndex] = pingSample{
		pingTime:          ping,
		clockDifferential: int32(pong.PongTime - midpoint),
	}
	if rs.lowestPing == -1 || ping < rs.lowestPing {
		rs.lowestPing = ping
	}
	rs.layer.SetLostPacketResendDelay(time.Duration(ping*2) * time.Millisecond)
	rs.pingWriteIndex = (rs.pingWriteIndex + 1) % protocol.PingSampleCount
}
