package reliability

import "time"

func (e *Engine) HandleDatagram(b []byte, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.DatagramsReceived++
	e.stats.BytesReceived += uint64(len(b))

	plain := b
	if e.cipher != nil {
		opened, err := e.cipher.Decrypt(b)
		if err != nil {
			e.stats.InvalidDatagrams++
			return false
		}
		plain = opened
	}

	acks, frames, err := decodeDatagram(plain)
	if err != nil {
		e.stats.InvalidDatagrams++
		return false
	}

	for _, n := range acks {
		if _, ok := e.resend[n]; ok {
			delete(e.resend, n)
			e.stats.AcksReceived++
		}
	}

	for i := range frames {
		e.receiveFrame(&frames[i], now)
	}
	return true
}

func (e *Engine) receiveFrame(f *frame, now time.Time) {
	if f.reliability.IsReliable() {
		ahead := f.number - e.receivedBase
		if int32(ahead) >= 0 && ahead >= receiveWindow {
			return
		}
		e.acks = append(e.acks, f.number)

		if seqLess(f.number, e.receivedBase) {
			e.stats.DuplicatesReceived++
			return
		}
		if _, seen := e.received[f.number]; seen {
			e.stats.DuplicatesReceived++
			return
		}
		e.received[f.number] = struct{}{}
		for {
			if _, ok := e.received[e.receivedBase]; !ok {
				break
			}
			delete(e.received, e.receivedBase)
			e.receivedBase++
		}
	}

	data := f.data
	if f.split {
		data = e.reassemble(f, now)
		if data == nil {
			return
		}
	}

	ch := f.channel
	switch f.reliability {
	case UnreliableSequenced, ReliableSequenced:
		if seqLess(f.index, e.sequencedRead[ch]) {
			return
		}
		e.sequencedRead[ch] = f.index + 1
		e.deliver(data)

	case ReliableOrdered:
		expected := e.orderedRead[ch]
		switch {
		case f.index == expected:
			e.deliver(data)
			expected++
			for {
				held, ok := e.orderedHold[ch][expected]
				if !ok {
					break
				}
				delete(e.orderedHold[ch], expected)
				e.deliver(held)
				expected++
			}
			e.orderedRead[ch] = expected

		case seqLess(expected, f.index):
			if e.orderedHold[ch] == nil {
				e.orderedHold[ch] = make(map[uint32][]byte)
			}
			if len(e.orderedHold[ch]) < receiveWindow {
				e.orderedHold[ch][f.index] = data
			}
		}

	default:
		e.deliver(data)
	}
}

func (e *Engine) reassemble(f *frame, now time.Time) []byte {
	a, ok := e.splits[f.splitID]
	if !ok {
		if len(e.splits) >= maxPendingSplits {
			return nil
		}
		a = &assembly{parts: make([][]byte, f.splitCount), created: now}
		e.splits[f.splitID] = a
	}
	if len(a.parts) != int(f.splitCount) {
		return nil
	}
	if a.parts[f.splitIndex] == nil {
		a.parts[f.splitIndex] = f.data
		a.have++
	}
	if a.have < len(a.parts) {
		return nil
	}

	delete(e.splits, f.splitID)
	size := 0
	for _, p := range a.parts {
		size += len(p)
	}
	out := make([]byte, 0, size)
	for _, p := range a.parts {
		out = append(out, p...)
	}
	return out
}

func (e *Engine) deliver(data []byte) {
	e.output = append(e.output, data)
	e.stats.MessagesReceived++
}
