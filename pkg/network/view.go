package network

import (
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
)

// SystemInfo is a read-only copy of one assigned remote system.
type SystemInfo struct {
	Index             int                    `json:"index"`
	Address           protocol.SystemAddress `json:"address"`
	Mode              ConnectMode            `json:"mode"`
	ExternalAddress   protocol.SystemAddress `json:"external_address"`
	WeInitiated       bool                   `json:"we_initiated"`
	ConnectedSince    time.Time              `json:"connected_since"`
	AveragePing       int                    `json:"average_ping_ms"`
	LastPing          int                    `json:"last_ping_ms"`
	LowestPing        int                    `json:"lowest_ping_ms"`
	ClockDifferential int32                  `json:"clock_differential_ms"`
	StaticData        []byte                 `json:"static_data,omitempty"`
	Statistics        reliability.Statistics `json:"statistics"`
}

// tableView is what caller goroutines see of the remote-system table. The
// network goroutine replaces it after every update cycle.
type tableView struct {
	systems         []SystemInfo
	byAddr          map[protocol.SystemAddress]int
	remoteInitiated int
	maxPeers        int
}

func (v *tableView) lookup(addr protocol.SystemAddress) (SystemInfo, bool) {
	i, ok := v.byAddr[addr]
	if !ok {
		return SystemInfo{}, false
	}
	return v.systems[i], true
}

func (v *tableView) has(addr protocol.SystemAddress) bool {
	_, ok := v.byAddr[addr]
	return ok
}

// validSendTarget reports whether a send would reach at least one
// connected system.
func (v *tableView) validSendTarget(target protocol.SystemAddress, broadcast bool) bool {
	if !broadcast {
		info, ok := v.lookup(target)
		return ok && info.Mode == ModeConnected
	}
	for _, info := range v.systems {
		if info.Mode == ModeConnected && info.Address != target {
			return true
		}
	}
	return false
}

// publishView copies the table for caller goroutines and refreshes the
// connection gauges.
func (p *Peer) publishView() {
	v := &tableView{
		byAddr:   make(map[protocol.SystemAddress]int, p.table.assignedCount()),
		maxPeers: p.maxPeers,
	}
	counts := make(map[ConnectMode]int)

	for i := range p.table.slots {
		rs := &p.table.slots[i]
		if !rs.assigned() {
			continue
		}
		counts[rs.mode]++
		if rs.mode == ModeConnected && !rs.weInitiated {
			v.remoteInitiated++
		}
		v.byAddr[rs.address] = len(v.systems)
		v.systems = append(v.systems, SystemInfo{
			Index:             i,
			Address:           rs.address,
			Mode:              rs.mode,
			ExternalAddress:   rs.externalAddress,
			WeInitiated:       rs.weInitiated,
			ConnectedSince:    rs.connectionTime,
			AveragePing:       rs.averagePing(),
			LastPing:          rs.lastPing(),
			LowestPing:        rs.lowestPing,
			ClockDifferential: rs.bestClockDifferential(),
			StaticData:        append([]byte(nil), rs.staticData...),
			Statistics:        rs.layer.Statistics(),
		})
	}

	p.view.Store(v)
	p.metrics.observeModes(counts)
	p.metrics.compressionRatio.Set(p.GetCompressionRatio())
}
