// Package reliability turns a stream of unordered datagrams into acknowledged,
// ordered or sequenced messages for a single remote system.
//
// The peer layer owns the socket and feeds every datagram from a known remote
// system into HandleDatagram; Update flushes queued messages, acks and
// resends back out. Every datagram an Engine emits is at least two bytes
// long, so it never collides with the one-byte offline messages the peer
// layer sends raw.
package reliability

import (
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/transport"
)

// Priority orders outgoing messages inside one update.
type Priority uint8

const (
	PrioritySystem Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow

	numberOfPriorities
)

func (p Priority) String() string {
	switch p {
	case PrioritySystem:
		return "system"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return "invalid"
}

// Reliability selects the delivery guarantee of a message.
type Reliability uint8

const (
	Unreliable Reliability = iota
	UnreliableSequenced
	Reliable
	ReliableOrdered
	ReliableSequenced

	numberOfReliabilities
)

func (r Reliability) String() string {
	switch r {
	case Unreliable:
		return "unreliable"
	case UnreliableSequenced:
		return "unreliable_sequenced"
	case Reliable:
		return "reliable"
	case ReliableOrdered:
		return "reliable_ordered"
	case ReliableSequenced:
		return "reliable_sequenced"
	}
	return "invalid"
}

// IsReliable reports whether messages are acknowledged and resent.
func (r Reliability) IsReliable() bool {
	return r == Reliable || r == ReliableOrdered || r == ReliableSequenced
}

// IsSequenced reports whether stale messages are dropped on arrival.
func (r Reliability) IsSequenced() bool {
	return r == UnreliableSequenced || r == ReliableSequenced
}

// IsOrdered reports whether the message carries an ordering channel.
func (r Reliability) IsOrdered() bool {
	return r == ReliableOrdered || r.IsSequenced()
}

const (
	// DefaultLostPacketResendDelay is the resend delay before any ping sample exists.
	DefaultLostPacketResendDelay = time.Second

	// MinimumLostPacketResendDelay bounds SetLostPacketResendDelay from below.
	MinimumLostPacketResendDelay = 150 * time.Millisecond

	// DefaultTimeout is how long a reliable message may stay unacknowledged
	// before the connection is considered dead.
	DefaultTimeout = 10 * time.Second

	// UDPHeaderSize is subtracted from the MTU to get the datagram budget.
	UDPHeaderSize = 28
)

// Statistics are cumulative counters for one remote system.
type Statistics struct {
	MessagesSent       uint64 `json:"messages_sent"`
	MessagesReceived   uint64 `json:"messages_received"`
	MessagesResent     uint64 `json:"messages_resent"`
	DuplicatesReceived uint64 `json:"duplicates_received"`
	DatagramsSent      uint64 `json:"datagrams_sent"`
	DatagramsReceived  uint64 `json:"datagrams_received"`
	InvalidDatagrams   uint64 `json:"invalid_datagrams"`
	BytesSent          uint64 `json:"bytes_sent"`
	BytesReceived      uint64 `json:"bytes_received"`
	AcksSent           uint64 `json:"acks_sent"`
	AcksReceived       uint64 `json:"acks_received"`

	SendQueueLength   int  `json:"send_queue_length"`
	ResendQueueLength int  `json:"resend_queue_length"`
	Encrypted         bool `json:"encrypted"`
}

// Layer is the per-connection reliability contract the peer layer drives.
type Layer interface {
	// Send queues data for the next Update. It returns false for an empty
	// payload or an out of range channel, priority or reliability.
	Send(data []byte, priority Priority, rel Reliability, channel uint8, now time.Time) bool

	// HandleDatagram consumes one datagram from the remote system. It
	// returns false if the datagram could not be decrypted or parsed.
	HandleDatagram(b []byte, now time.Time) bool

	// Receive pops the next message ready for delivery.
	Receive() ([]byte, bool)

	// Update sends queued messages, acks and due resends to addr.
	Update(sock transport.Socket, addr protocol.SystemAddress, mtu int, now time.Time)

	IsDeadConnection() bool
	IsDataWaiting() bool
	ResendQueueEmpty() bool

	// Reset drops all state, including the encryption key.
	Reset()

	// SetEncryptionKey enables encryption with key, or disables it for nil.
	SetEncryptionKey(key *[16]byte)

	SetLostPacketResendDelay(d time.Duration)
	Statistics() Statistics
}
