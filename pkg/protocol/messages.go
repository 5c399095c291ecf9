package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrShortMessage   = errors.New("message too short")
	ErrUnexpectedType = errors.New("unexpected message type")
	ErrFieldTooLong   = errors.New("field exceeds maximum length")
)

// AddressSize is the encoded size of a SystemAddress (4 byte IP, 2 byte port).
const AddressSize = 6

// PutAddress writes a into buf[0:6].
func PutAddress(buf []byte, a SystemAddress) {
	copy(buf[0:4], a.IP[:])
	binary.BigEndian.PutUint16(buf[4:6], a.Port)
}

// ReadAddress reads a SystemAddress from buf[0:6].
func ReadAddress(buf []byte) SystemAddress {
	var a SystemAddress
	copy(a.IP[:], buf[0:4])
	a.Port = binary.BigEndian.Uint16(buf[4:6])
	return a
}

func expect(buf []byte, id MessageID, min int) error {
	if len(buf) < min {
		return ErrShortMessage
	}
	if MessageID(buf[0]) != id {
		return ErrUnexpectedType
	}
	return nil
}

// ConnectionRequest asks the remote system to accept a connection.
type ConnectionRequest struct {
	Password []byte
}

func (m *ConnectionRequest) Encode() []byte {
	buf := make([]byte, 1+len(m.Password))
	buf[0] = byte(IDConnectionRequest)
	copy(buf[1:], m.Password)
	return buf
}

func (m *ConnectionRequest) Decode(buf []byte) error {
	if err := expect(buf, IDConnectionRequest, 1); err != nil {
		return err
	}
	m.Password = append([]byte(nil), buf[1:]...)
	return nil
}

// ConnectionRequestAccepted is the responder's acceptance. External is the
// initiator's address as the responder sees it.
type ConnectionRequestAccepted struct {
	RemotePort uint16
	External   SystemAddress
	Index      uint16
}

const connectionAcceptedSize = 1 + 2 + AddressSize + 2

func (m *ConnectionRequestAccepted) Encode() []byte {
	buf := make([]byte, connectionAcceptedSize)
	buf[0] = byte(IDConnectionRequestAccepted)
	binary.BigEndian.PutUint16(buf[1:3], m.RemotePort)
	PutAddress(buf[3:9], m.External)
	binary.BigEndian.PutUint16(buf[9:11], m.Index)
	return buf
}

func (m *ConnectionRequestAccepted) Decode(buf []byte) error {
	if err := expect(buf, IDConnectionRequestAccepted, connectionAcceptedSize); err != nil {
		return err
	}
	m.RemotePort = binary.BigEndian.Uint16(buf[1:3])
	m.External = ReadAddress(buf[3:9])
	m.Index = binary.BigEndian.Uint16(buf[9:11])
	return nil
}

// NewIncomingConnection completes the handshake; Address is the responder as
// seen by the initiator.
type NewIncomingConnection struct {
	Address SystemAddress
}

const newIncomingSize = 1 + AddressSize

func (m *NewIncomingConnection) Encode() []byte {
	buf := make([]byte, newIncomingSize)
	buf[0] = byte(IDNewIncomingConnection)
	PutAddress(buf[1:], m.Address)
	return buf
}

func (m *NewIncomingConnection) Decode(buf []byte) error {
	if err := expect(buf, IDNewIncomingConnection, newIncomingSize); err != nil {
		return err
	}
	m.Address = ReadAddress(buf[1:])
	return nil
}

// ConnectedPing carries the sender's clock.
type ConnectedPing struct {
	SendTime uint32
}

func (m *ConnectedPing) Encode() []byte {
	buf := make([]byte, 5)
	buf[0] = byte(IDConnectedPing)
	binary.BigEndian.PutUint32(buf[1:5], m.SendTime)
	return buf
}

func (m *ConnectedPing) Decode(buf []byte) error {
	if err := expect(buf, IDConnectedPing, 5); err != nil {
		return err
	}
	m.SendTime = binary.BigEndian.Uint32(buf[1:5])
	return nil
}

// ConnectedPong echoes the ping time and adds the responder's clock.
type ConnectedPong struct {
	PingTime uint32
	PongTime uint32
}

func (m *ConnectedPong) Encode() []byte {
	buf := make([]byte, 9)
	buf[0] = byte(IDConnectedPong)
	binary.BigEndian.PutUint32(buf[1:5], m.PingTime)
	binary.BigEndian.PutUint32(buf[5:9], m.PongTime)
	return buf
}

func (m *ConnectedPong) Decode(buf []byte) error {
	if err := expect(buf, IDConnectedPong, 9); err != nil {
		return err
	}
	m.PingTime = binary.BigEndian.Uint32(buf[1:5])
	m.PongTime = binary.BigEndian.Uint32(buf[5:9])
	return nil
}

// UnconnectedPing is a discovery ping sent without an established session.
type UnconnectedPing struct {
	OpenConnectionsOnly bool
	SendTime            uint32
}

func (m *UnconnectedPing) Encode() []byte {
	buf := make([]byte, 5)
	buf[0] = byte(IDUnconnectedPing)
	if m.OpenConnectionsOnly {
		buf[0] = byte(IDUnconnectedPingOpenConnections)
	}
	binary.BigEndian.PutUint32(buf[1:5], m.SendTime)
	return buf
}

func (m *UnconnectedPing) Decode(buf []byte) error {
	if len(buf) < 5 {
		return ErrShortMessage
	}
	switch MessageID(buf[0]) {
	case IDUnconnectedPing:
		m.OpenConnectionsOnly = false
	case IDUnconnectedPingOpenConnections:
		m.OpenConnectionsOnly = true
	default:
		return ErrUnexpectedType
	}
	m.SendTime = binary.BigEndian.Uint32(buf[1:5])
	return nil
}

// Pong answers an unconnected ping with the echoed time and the responder's
// offline ping response.
type Pong struct {
	SendTime uint32
	Data     []byte
}

func (m *Pong) Encode() []byte {
	buf := make([]byte, 5+len(m.Data))
	buf[0] = byte(IDPong)
	binary.BigEndian.PutUint32(buf[1:5], m.SendTime)
	copy(buf[5:], m.Data)
	return buf
}

func (m *Pong) Decode(buf []byte) error {
	if err := expect(buf, IDPong, 5); err != nil {
		return err
	}
	m.SendTime = binary.BigEndian.Uint32(buf[1:5])
	m.Data = append([]byte(nil), buf[5:]...)
	return nil
}

// SecuredConnectionResponse carries the responder's SYN cookie and DER-encoded public key.
type SecuredConnectionResponse struct {
	Cookie    [CookieSize]byte
	PublicKey []byte
}

func (m *SecuredConnectionResponse) Encode() []byte {
	return encodeCookieBlob(IDSecuredConnectionResponse, m.Cookie, m.PublicKey)
}

func (m *SecuredConnectionResponse) Decode(buf []byte) error {
	blob, err := decodeCookieBlob(buf, IDSecuredConnectionResponse, &m.Cookie)
	if err != nil {
		return err
	}
	m.PublicKey = blob
	return nil
}

// SecuredConnectionConfirmation echoes the cookie with the initiator's RSA-encrypted random contribution.
type SecuredConnectionConfirmation struct {
	Cookie          [CookieSize]byte
	EncryptedRandom []byte
}

func (m *SecuredConnectionConfirmation) Encode() []byte {
	return encodeCookieBlob(IDSecuredConnectionConfirmation, m.Cookie, m.EncryptedRandom)
}

func (m *SecuredConnectionConfirmation) Decode(buf []byte) error {
	blob, err := decodeCookieBlob(buf, IDSecuredConnectionConfirmation, &m.Cookie)
	if err != nil {
		return err
	}
	m.EncryptedRandom = blob
	return nil
}

func encodeCookieBlob(id MessageID, cookie [CookieSize]byte, blob []byte) []byte {
	buf := make([]byte, 1+CookieSize+2+len(blob))
	buf[0] = byte(id)
	copy(buf[1:1+CookieSize], cookie[:])
	binary.BigEndian.PutUint16(buf[1+CookieSize:3+CookieSize], uint16(len(blob)))
	copy(buf[3+CookieSize:], blob)
	return buf
}

func decodeCookieBlob(buf []byte, id MessageID, cookie *[CookieSize]byte) ([]byte, error) {
	if err := expect(buf, id, 3+CookieSize); err != nil {
		return nil, err
	}
	copy(cookie[:], buf[1:1+CookieSize])
	n := int(binary.BigEndian.Uint16(buf[1+CookieSize : 3+CookieSize]))
	if len(buf) != 3+CookieSize+n {
		return nil, ErrShortMessage
	}
	return append([]byte(nil), buf[3+CookieSize:]...), nil
}

// WithPayload prefixes payload with a one-byte identifier.
func WithPayload(id MessageID, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(id)
	copy(buf[1:], payload)
	return buf
}
