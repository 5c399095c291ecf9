package reliability

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

var errMalformed = errors.New("malformed datagram")

// Datagram layout (before encryption):
//
//	flags   u8            flagAcks | flagMessages
//	acks    u16 count, count * u32 message number   (flagAcks)
//	frames  repeated until the end of the datagram  (flagMessages)
//
// Frame layout:
//
//	header  u8            reliability (low 3 bits) | frameSplit
//	number  u32           reliable only
//	channel u8, index u32 ordered and sequenced only
//	split   u16 id, u16 index, u16 count
//	length  u16, payload
const (
	flagAcks     = 0x01
	flagMessages = 0x02

	frameSplit       = 0x08
	reliabilityMask  = 0x07
	maxFrameHeader   = 1 + 4 + 1 + 4 + 6 + 2
	ackEntrySize     = 4
	ackHeaderSize    = 2
	maxSplitCount    = 4096
	datagramFlagSize = 1
)

type frame struct {
	reliability Reliability
	number      uint32
	channel     uint8
	index       uint32

	split      bool
	splitID    uint16
	splitIndex uint16
	splitCount uint16

	data []byte

	firstSend  time.Time
	nextResend time.Time
}

func (f *frame) size() int {
	n := 1 + 2 + len(f.data)
	if f.reliability.IsReliable() {
		n += 4
	}
	if f.reliability.IsOrdered() {
		n += 5
	}
	if f.split {
		n += 6
	}
	return n
}

func (f *frame) appendTo(buf []byte) []byte {
	header := byte(f.reliability) & reliabilityMask
	if f.split {
		header |= frameSplit
	}
	buf = append(buf, header)
	if f.reliability.IsReliable() {
		buf = binary.BigEndian.AppendUint32(buf, f.number)
	}
	if f.reliability.IsOrdered() {
		buf = append(buf, f.channel)
		buf = binary.BigEndian.AppendUint32(buf, f.index)
	}
	if f.split {
		buf = binary.BigEndian.AppendUint16(buf, f.splitID)
		buf = binary.BigEndian.AppendUint16(buf, f.splitIndex)
		buf = binary.BigEndian.AppendUint16(buf, f.splitCount)
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(f.data)))
	return append(buf, f.data...)
}

func readFrame(buf []byte) (frame, []byte, error) {
	var f frame
	if len(buf) < 1 {
		return f, nil, errMalformed
	}
	header := buf[0]
	buf = buf[1:]

	f.reliability = Reliability(header & reliabilityMask)
	if f.reliability >= numberOfReliabilities || header&^(reliabilityMask|frameSplit) != 0 {
		return f, nil, errMalformed
	}
	f.split = header&frameSplit != 0

	if f.reliability.IsReliable() {
		if len(buf) < 4 {
			return f, nil, errMalformed
		}
		f.number = binary.BigEndian.Uint32(buf)
		buf = buf[4:]
	}
	if f.reliability.IsOrdered() {
		if len(buf) < 5 {
			return f, nil, errMalformed
		}
		f.channel = buf[0]
		f.index = binary.BigEndian.Uint32(buf[1:])
		buf = buf[5:]
		if int(f.channel) >= protocol.OrderingChannels {
			return f, nil, errMalformed
		}
	}
	if f.split {
		if len(buf) < 6 {
			return f, nil, errMalformed
		}
		f.splitID = binary.BigEndian.Uint16(buf)
		f.splitIndex = binary.BigEndian.Uint16(buf[2:])
		f.splitCount = binary.BigEndian.Uint16(buf[4:])
		buf = buf[6:]
		if f.splitCount == 0 || f.splitCount > maxSplitCount || f.splitIndex >= f.splitCount {
			return f, nil, errMalformed
		}
	}

	if len(buf) < 2 {
		return f, nil, errMalformed
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if n == 0 || len(buf) < n {
		return f, nil, errMalformed
	}
	f.data = append([]byte(nil), buf[:n]...)
	return f, buf[n:], nil
}

func encodeDatagram(acks []uint32, frames []*frame) []byte {
	size := datagramFlagSize
	var flags byte
	if len(acks) > 0 {
		flags |= flagAcks
		size += ackHeaderSize + ackEntrySize*len(acks)
	}
	if len(frames) > 0 {
		flags |= flagMessages
		for _, f := range frames {
			size += f.size()
		}
	}

	buf := make([]byte, 0, size)
	buf = append(buf, flags)
	if len(acks) > 0 {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(acks)))
		for _, n := range acks {
			buf = binary.BigEndian.AppendUint32(buf, n)
		}
	}
	for _, f := range frames {
		buf = f.appendTo(buf)
	}
	return buf
}

func decodeDatagram(buf []byte) (acks []uint32, frames []frame, err error) {
	if len(buf) < 2 {
		return nil, nil, errMalformed
	}
	flags := buf[0]
	buf = buf[1:]
	if flags == 0 || flags&^(flagAcks|flagMessages) != 0 {
		return nil, nil, errMalformed
	}

	if flags&flagAcks != 0 {
		if len(buf) < ackHeaderSize {
			return nil, nil, errMalformed
		}
		count := int(binary.BigEndian.Uint16(buf))
		buf = buf[ackHeaderSize:]
		if count == 0 || len(buf) < count*ackEntrySize {
			return nil, nil, errMalformed
		}
		acks = make([]uint32, count)
		for i := range acks {
			acks[i] = binary.BigEndian.Uint32(buf[i*ackEntrySize:])
		}
		buf = buf[count*ackEntrySize:]
	}

	if flags&flagMessages != 0 {
		if len(buf) == 0 {
			return nil, nil, errMalformed
		}
		for len(buf) > 0 {
			var f frame
			f, buf, err = readFrame(buf)
			if err != nil {
				return nil, nil, err
			}
			frames = append(frames, f)
		}
	} else if len(buf) != 0 {
		return nil, nil, errMalformed
	}
	return acks, frames, nil
}

// seqLess compares wrapping 32-bit counters.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}
