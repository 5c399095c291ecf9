package reliability

import (
	"sync"
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/crypto"
	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/transport"
)

const (
	// receiveWindow bounds how far ahead of the oldest missing message the
	// engine tracks duplicates and buffers out-of-order deliveries.
	receiveWindow = 1 << 16

	maxPendingSplits = 64
)

type assembly struct {
	parts   [][]byte
	have    int
	created time.Time
}

// Engine is the default Layer. It is safe for concurrent use, although the
// peer layer only drives it from its network goroutine.
type Engine struct {
	mu sync.Mutex

	cipher      *crypto.DatagramCipher
	timeout     time.Duration
	resendDelay time.Duration
	dead        bool

	// Send side.
	sendQueue      [numberOfPriorities][]*frame
	resend         map[uint32]*frame
	resendOrder    []uint32
	acks           []uint32
	nextNumber     uint32
	nextSplitID    uint16
	orderedWrite   [protocol.OrderingChannels]uint32
	sequencedWrite [protocol.OrderingChannels]uint32

	// Receive side.
	receivedBase  uint32
	received      map[uint32]struct{}
	orderedRead   [protocol.OrderingChannels]uint32
	orderedHold   [protocol.OrderingChannels]map[uint32][]byte
	sequencedRead [protocol.OrderingChannels]uint32
	splits        map[uint16]*assembly
	output        [][]byte

	stats Statistics
}

// NewEngine creates an engine with the default timeout and resend delay.
func NewEngine() *Engine {
	e := &Engine{timeout: DefaultTimeout}
	e.reset()
	return e
}

// SetTimeout changes how long a reliable message may stay unacknowledged.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d > 0 {
		e.timeout = d
	}
}

func (e *Engine) reset() {
	e.cipher = nil
	e.resendDelay = DefaultLostPacketResendDelay
	e.dead = false

	for i := range e.sendQueue {
		e.sendQueue[i] = nil
	}
	e.resend = make(map[uint32]*frame)
	e.resendOrder = nil
	e.acks = nil
	e.nextNumber = 0
	e.nextSplitID = 0
	e.orderedWrite = [protocol.OrderingChannels]uint32{}
	e.sequencedWrite = [protocol.OrderingChannels]uint32{}

	e.receivedBase = 0
	e.received = make(map[uint32]struct{})
	e.orderedRead = [protocol.OrderingChannels]uint32{}
	for i := range e.orderedHold {
		e.orderedHold[i] = nil
	}
	e.sequencedRead = [protocol.OrderingChannels]uint32{}
	e.splits = make(map[uint16]*assembly)
	e.output = nil

	e.stats = Statistics{}
}

func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reset()
}

func (e *Engine) SetEncryptionKey(key *[16]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if key == nil {
		e.cipher = nil
		return
	}
	c, err := crypto.NewDatagramCipher(*key)
	if err != nil {
		e.cipher = nil
		return
	}
	e.cipher = c
}

func (e *Engine) SetLostPacketResendDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if d < MinimumLostPacketResendDelay {
		d = MinimumLostPacketResendDelay
	}
	e.resendDelay = d
}

func (e *Engine) Send(data []byte, priority Priority, rel Reliability, channel uint8, now time.Time) bool {
	if len(data) == 0 || priority >= numberOfPriorities || rel >= numberOfReliabilities ||
		int(channel) >= protocol.OrderingChannels {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	f := &frame{
		reliability: rel,
		channel:     channel,
		data:        append([]byte(nil), data...),
	}
	switch {
	case rel == ReliableOrdered:
		f.index = e.orderedWrite[channel]
		e.orderedWrite[channel]++
	case rel.IsSequenced():
		f.index = e.sequencedWrite[channel]
		e.sequencedWrite[channel]++
	default:
		f.channel = 0
	}

	e.sendQueue[priority] = append(e.sendQueue[priority], f)
	e.stats.MessagesSent++
	return true
}

func (e *Engine) Update(sock transport.Socket, addr protocol.SystemAddress, mtu int, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if mtu < protocol.MinimumMTU || mtu > protocol.MaximumMTU {
		mtu = protocol.DefaultMTU
	}
	budget := mtu - UDPHeaderSize
	if e.cipher != nil {
		budget -= e.cipher.Overhead()
	}

	e.expireSplits(now)
	pending := e.dueResends(now)

	for p := range e.sendQueue {
		for _, f := range e.sendQueue[p] {
			for _, chunk := range e.split(f, budget-datagramFlagSize) {
				if chunk.reliability.IsReliable() {
					chunk.number = e.nextNumber
					e.nextNumber++
					chunk.firstSend = now
					chunk.nextResend = now.Add(e.resendDelay)
					e.resend[chunk.number] = chunk
					e.resendOrder = append(e.resendOrder, chunk.number)
				}
				pending = append(pending, chunk)
			}
		}
		e.sendQueue[p] = nil
	}

	acks := e.acks
	e.acks = nil

	for len(acks) > 0 || len(pending) > 0 {
		room := budget - datagramFlagSize

		var dgAcks []uint32
		if len(acks) > 0 {
			n := (room - ackHeaderSize) / ackEntrySize
			n = min(n, len(acks), 0xFFFF)
			dgAcks, acks = acks[:n], acks[n:]
			room -= ackHeaderSize + ackEntrySize*n
		}

		var dgFrames []*frame
		for len(pending) > 0 && pending[0].size() <= room {
			room -= pending[0].size()
			dgFrames = append(dgFrames, pending[0])
			pending = pending[1:]
		}
		if len(dgAcks) == 0 && len(dgFrames) == 0 {
			// Split under a larger budget, before encryption was enabled.
			dgFrames, pending = pending[:1], pending[1:]
		}

		e.transmit(sock, addr, encodeDatagram(dgAcks, dgFrames))
		e.stats.AcksSent += uint64(len(dgAcks))
	}
}

func (e *Engine) transmit(sock transport.Socket, addr protocol.SystemAddress, b []byte) {
	if e.cipher != nil {
		sealed, err := e.cipher.Encrypt(b)
		if err != nil {
			return
		}
		b = sealed
	}
	if err := sock.SendTo(b, addr); err != nil {
		return
	}
	e.stats.DatagramsSent++
	e.stats.BytesSent += uint64(len(b))
}

// dueResends returns the reliable frames whose resend time has passed and
// flags the connection dead once the oldest one exceeds the timeout.
func (e *Engine) dueResends(now time.Time) []*frame {
	var due []*frame
	kept := e.resendOrder[:0]
	for _, n := range e.resendOrder {
		f, ok := e.resend[n]
		if !ok {
			continue
		}
		kept = append(kept, n)
		if f.nextResend.After(now) {
			continue
		}
		f.nextResend = now.Add(e.resendDelay)
		due = append(due, f)
		e.stats.MessagesResent++
	}
	e.resendOrder = kept

	if len(kept) > 0 {
		oldest := e.resend[kept[0]]
		if now.Sub(oldest.firstSend) >= e.timeout {
			e.dead = true
		}
	}
	return due
}

// split cuts f into frames that each fit in room bytes. Messages needing
// more than maxSplitCount pieces are dropped.
func (e *Engine) split(f *frame, room int) []*frame {
	if f.size() <= room {
		return []*frame{f}
	}

	chunk := room - maxFrameHeader
	count := (len(f.data) + chunk - 1) / chunk
	if count > maxSplitCount {
		return nil
	}

	id := e.nextSplitID
	e.nextSplitID++

	out := make([]*frame, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*chunk, len(f.data))
		out = append(out, &frame{
			reliability: f.reliability,
			channel:     f.channel,
			index:       f.index,
			split:       true,
			splitID:     id,
			splitIndex:  uint16(i),
			splitCount:  uint16(count),
			data:        f.data[i*chunk : end],
		})
	}
	return out
}

func (e *Engine) expireSplits(now time.Time) {
	for id, a := range e.splits {
		if now.Sub(a.created) >= e.timeout {
			delete(e.splits, id)
		}
	}
}

func (e *Engine) Receive() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.output) == 0 {
		return nil, false
	}
	data := e.output[0]
	e.output[0] = nil
	e.output = e.output[1:]
	return data, true
}

func (e *Engine) IsDeadConnection() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dead
}

func (e *Engine) IsDataWaiting() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, q := range e.sendQueue {
		if len(q) > 0 {
			return true
		}
	}
	return len(e.resend) > 0 || len(e.acks) > 0
}

func (e *Engine) ResendQueueEmpty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.resend) == 0
}

func (e *Engine) Statistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stats
	for _, q := range e.sendQueue {
		s.SendQueueLength += len(q)
	}
	s.ResendQueueLength = len(e.resend)
	s.Encrypted = e.cipher != nil
	return s
}

var _ Layer = (*Engine)(nil)
