package network

import (
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
)

type pingSample struct {
	pingTime          int // milliseconds, -1 when unused
	clockDifferential int32
}

// remoteSystem is one slot of the table. Only the network goroutine touches it.
type remoteSystem struct {
	address protocol.SystemAddress
	mode    ConnectMode
	layer   reliability.Layer

	externalAddress protocol.SystemAddress
	staticData      []byte

	pingSamples    [protocol.PingSampleCount]pingSample
	pingWriteIndex int
	lowestPing     int
	nextPingTime   time.Time

	aesKey    [protocol.AESKeySize]byte
	setAESKey bool
	keyActive bool

	connectionTime   time.Time
	graceStart       time.Time
	lastReliableSend time.Time
	weInitiated      bool
}

func (rs *remoteSystem) assigned() bool {
	return !rs.address.IsUnassigned()
}

func (rs *remoteSystem) reset(addr protocol.SystemAddress, mode ConnectMode, now time.Time) {
	rs.address = addr
	rs.mode = mode
	rs.externalAddress = protocol.UnassignedAddress
	rs.staticData = nil
	for i := range rs.pingSamples {
		rs.pingSamples[i] = pingSample{pingTime: -1}
	}
	rs.pingWriteIndex = 0
	rs.lowestPing = -1
	rs.nextPingTime = time.Time{}
	rs.aesKey = [protocol.AESKeySize]byte{}
	rs.setAESKey = false
	rs.keyActive = false
	rs.connectionTime = now
	rs.graceStart = now
	rs.lastReliableSend = now
	rs.weInitiated = false
	rs.layer.Reset()
}

func (rs *remoteSystem) averagePing() int {
	sum, n := 0, 0
	for _, s := range rs.pingSamples {
		if s.pingTime == -1 {
			break
		}
		sum += s.pingTime
		n++
	}
	if n == 0 {
		return -1
	}
	return sum / n
}

func (rs *remoteSystem) lastPing() int {
	i := rs.pingWriteIndex - 1
	if i < 0 {
		i = protocol.PingSampleCount - 1
	}
	return rs.pingSamples[i].pingTime
}

// bestClockDifferential is the differential measured with the lowest ping.
func (rs *remoteSystem) bestClockDifferential() int32 {
	best, diff := -1, int32(0)
	for _, s := range rs.pingSamples {
		if s.pingTime == -1 {
			break
		}
		if best == -1 || s.pingTime < best {
			best, diff = s.pingTime, s.clockDifferential
		}
	}
	return diff
}

// remoteSystemTable is a fixed arena of slots plus an address index, so an
// address maps to at most one slot.
type remoteSystemTable struct {
	slots []remoteSystem
	index map[protocol.SystemAddress]int
}

func newRemoteSystemTable(size int, newLayer func() reliability.Layer) *remoteSystemTable {
	t := &remoteSystemTable{
		slots: make([]remoteSystem, size),
		index: make(map[protocol.SystemAddress]int, size),
	}
	for i := range t.slots {
		t.slots[i].address = protocol.UnassignedAddress
		t.slots[i].layer = newLayer()
	}
	return t
}

func (t *remoteSystemTable) get(addr protocol.SystemAddress) (*remoteSystem, int) {
	i, ok := t.index[addr]
	if !ok {
		return nil, -1
	}
	return &t.slots[i], i
}

// assign takes the first free slot for addr. It returns nil if addr already
// has a slot or the table is full.
func (t *remoteSystemTable) assign(addr protocol.SystemAddress, mode ConnectMode, now time.Time) (*remoteSystem, int) {
	if addr.IsUnassigned() {
		return nil, -1
	}
	if _, ok := t.index[addr]; ok {
		return nil, -1
	}
	for i := range t.slots {
		rs := &t.slots[i]
		if rs.assigned() {
			continue
		}
		rs.reset(addr, mode, now)
		t.index[addr] = i
		return rs, i
	}
	return nil, -1
}

func (t *remoteSystemTable) release(i int) {
	rs := &t.slots[i]
	if !rs.assigned() {
		return
	}
	delete(t.index, rs.address)
	rs.layer.Reset()
	rs.address = protocol.UnassignedAddress
	rs.mode = ModeNoAction
	rs.staticData = nil
	rs.setAESKey = false
	rs.keyActive = false
}

func (t *remoteSystemTable) releaseAll() {
	for i := range t.slots {
		t.release(i)
	}
}

// remoteInitiated counts connected systems that connected to us.
func (t *remoteSystemTable) remoteInitiated() int {
	n := 0
	for i := range t.slots {
		rs := &t.slots[i]
		if rs.assigned() && rs.mode == ModeConnected && !rs.weInitiated {
			n++
		}
	}
	return n
}

func (t *remoteSystemTable) assignedCount() int {
	return len(t.index)
}
