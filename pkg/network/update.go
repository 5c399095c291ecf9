package network

import (
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
)

// runUpdateCycle is one tick of the network goroutine.
func (p *Peer) runUpdateCycle(now time.Time) {
	p.drainSocket(now)
	p.processCommands(now)
	p.processRequests(now)

	p.settingsMu.RLock()
	occasionalPing, mtu := p.occasionalPing, p.mtu
	p.settingsMu.RUnlock()

	for i := range p.table.slots {
		rs := &p.table.slots[i]
		if !rs.assigned() {
			continue
		}

		if rs.mode == ModeConnected && now.Sub(rs.lastReliableSend) > p.cfg.KeepAliveInterval && rs.layer.ResendQueueEmpty() {
			p.sendImmediate([]byte{byte(protocol.IDKeepAlive)}, reliability.PriorityLow, reliability.Reliable, 0, rs.address, false, now)
			// The next keepalive waits a full timeout on top of the interval.
			rs.lastReliableSend = now.Add(p.cfg.Timeout)
		}

		rs.layer.Update(p.sock, rs.address, mtu, now)

		teardown, notify := Teardown(rs.mode, rs.layer.IsDeadConnection(), rs.layer.IsDataWaiting(),
			now.Sub(rs.graceStart), p.cfg.Timeout)
		if teardown {
			if notify != NoNotification {
				p.pushPacket(rs.address, i, protocol.WithPayload(notify, rs.staticData))
			}
			if notify == protocol.IDConnectionAttemptFailed {
				p.metrics.handshake("timeout")
			}
			p.closeSlot(i, "teardown")
			continue
		}

		if rs.mode == ModeConnected && now.After(rs.nextPingTime) && (occasionalPing || rs.lowestPing == -1) {
			rs.nextPingTime = now.Add(p.cfg.PingInterval)
			p.pingInternal(rs.address, now)
		}

		for rs.assigned() {
			data, ok := rs.layer.Receive()
			if !ok {
				break
			}
			if data = p.decompress(data); len(data) == 0 {
				continue
			}
			p.dispatch(i, rs, data, now)
		}
	}

	p.publishView()
}

func (p *Peer) processCommands(now time.Time) {
	for _, c := range p.commands.drain() {
		switch c.kind {
		case commandSend:
			if c.connectMode != ModeNoAction {
				p.applyCommandMode(c.target, c.connectMode, now)
			}
			p.sendImmediate(c.data, c.priority, c.reliability, c.channel, c.target, c.broadcast, now)

		case commandClose:
			if _, i := p.table.get(c.target); i >= 0 {
				p.closeSlot(i, "closed locally")
			}

		case commandSetStaticData:
			if rs, _ := p.table.get(c.target); rs != nil {
				rs.staticData = c.data
			}
		}
	}
}

// applyCommandMode assigns target a slot in mode, or moves its existing slot
// there.
func (p *Peer) applyCommandMode(target protocol.SystemAddress, mode ConnectMode, now time.Time) {
	rs, _ := p.table.get(target)
	if rs == nil {
		if mode == ModeConnected {
			p.table.assign(target, mode, now)
		}
		return
	}
	if mode == ModeDisconnectASAP {
		p.transition(rs, EvCloseRequested, now)
		return
	}
	p.setMode(rs, mode, now)
}

// sendImmediate hands data to the reliability layer of target, or of every
// connected system but target when broadcast is set.
func (p *Peer) sendImmediate(data []byte, priority reliability.Priority, rel reliability.Reliability, channel uint8,
	target protocol.SystemAddress, broadcast bool, now time.Time) bool {
	payload := p.compress(data)

	sent := false
	for i := range p.table.slots {
		rs := &p.table.slots[i]
		if !rs.assigned() {
			continue
		}
		if broadcast {
			if rs.address == target || rs.mode != ModeConnected {
				continue
			}
		} else if rs.address != target {
			continue
		}

		if !rs.layer.Send(payload, priority, rel, channel, now) {
			continue
		}
		if rel.IsReliable() {
			rs.lastReliableSend = now
		}
		p.metrics.bytesSent.Add(float64(len(payload)))
		sent = true

		if !broadcast {
			break
		}
	}
	return sent
}

// transition applies ev to rs. It reports false and leaves rs alone for an
// edge the state machine rejects.
func (p *Peer) transition(rs *remoteSystem, ev Event, now time.Time) bool {
	next, ok := Transition(rs.mode, ev)
	if !ok {
		p.log.Debug().
			Str("addr", rs.address.String()).
			Stringer("mode", rs.mode).
			Stringer("event", ev).
			Msg("rejected transition")
		return false
	}
	p.setMode(rs, next, now)
	return true
}

func (p *Peer) setMode(rs *remoteSystem, mode ConnectMode, now time.Time) {
	if rs.mode == mode {
		return
	}
	if mode == ModeDisconnectASAP {
		rs.graceStart = now
	}
	p.log.Debug().
		Str("addr", rs.address.String()).
		Stringer("from", rs.mode).
		Stringer("mode", mode).
		Msg("connect mode")
	rs.mode = mode
}

func (p *Peer) closeSlot(i int, reason string) {
	rs := &p.table.slots[i]
	p.log.Debug().
		Str("addr", rs.address.String()).
		Int("slot", i).
		Stringer("mode", rs.mode).
		Str("reason", reason).
		Msg("remote system released")
	p.table.release(i)
}
