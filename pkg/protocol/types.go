package protocol

import (
	"time"
)

// Protocol constants
const (
	// MaxOfflineDataLength caps passwords, offline ping responses and advertise payloads.
	MaxOfflineDataLength = 400

	// FloodThreshold is the largest datagram an unknown address may send before it is banned.
	FloodThreshold = 512

	// CookieSize is the length of a SYN cookie (SHA-1 digest).
	CookieSize = 20

	// AESKeySize is the session key length (AES-128).
	AESKeySize = 16

	// PingSampleCount is the number of (ping, clock differential) samples kept per remote system.
	PingSampleCount = 5

	// OrderingChannels is the number of ordering/sequencing streams per connection.
	OrderingChannels = 32

	DefaultMTU = 576
	MinimumMTU = 512
	MaximumMTU = 8000
)

// MessageID is the one-byte tag at the front of every message.
type MessageID uint8

// Message identifiers. The numbering is part of the wire format.
const (
	IDConnectedPing MessageID = iota
	IDUnconnectedPing
	IDUnconnectedPingOpenConnections
	IDConnectedPong
	IDRequestStaticData
	IDConnectionRequest
	IDSecuredConnectionResponse
	IDSecuredConnectionConfirmation
	IDRPC
	IDBroadcastPings
	IDSetRandomNumberSeed
	IDRPCMapping
	IDKeepAlive
	IDOpenConnectionRequest
	IDOpenConnectionReply
	IDPong
	IDRSAPublicKeyMismatch
	IDRemoteDisconnectionNotification
	IDRemoteConnectionLost
	IDRemoteNewIncomingConnection
	IDRemoteExistingConnection
	IDRemoteStaticData
	IDConnectionBanned
	IDConnectionRequestAccepted
	IDNewIncomingConnection
	IDNoFreeIncomingConnections
	IDDisconnectionNotification
	IDConnectionLost
	IDTimestamp
	IDReceivedStaticData
	IDInvalidPassword
	IDModifiedPacket
	IDRemotePortRefused
	IDVoicePacket
	IDUpdateDistributedNetworkObject
	IDDistributedNetworkObjectCreationAccepted
	IDDistributedNetworkObjectCreationRejected
	IDAutopatcherRequestFileList
	IDAutopatcherFileList
	IDAutopatcherRequestFiles
	IDAutopatcherSetDownloadList
	IDAutopatcherWriteFile
	IDQueryMasterServer
	IDMasterServerDelistServer
	IDMasterServerUpdateServer
	IDMasterServerSetServer
	IDRelayedConnectionNotification
	IDAdvertiseSystem
	IDFullyConnectedMeshJoinResponse
	IDFullyConnectedMeshJoinRequest
	IDConnectionAttemptFailed
)

// UserPacketEnum is the first identifier free for application use.
const UserPacketEnum MessageID = 100

var messageNames = map[MessageID]string{
	IDConnectedPing:                  "connected_ping",
	IDUnconnectedPing:                "unconnected_ping",
	IDUnconnectedPingOpenConnections: "unconnected_ping_open_connections",
	IDConnectedPong:                  "connected_pong",
	IDRequestStaticData:              "request_static_data",
	IDConnectionRequest:              "connection_request",
	IDSecuredConnectionResponse:      "secured_connection_response",
	IDSecuredConnectionConfirmation:  "secured_connection_confirmation",
	IDKeepAlive:                      "keepalive",
	IDOpenConnectionRequest:          "open_connection_request",
	IDOpenConnectionReply:            "open_connection_reply",
	IDPong:                           "pong",
	IDRSAPublicKeyMismatch:           "rsa_public_key_mismatch",
	IDConnectionBanned:               "connection_banned",
	IDConnectionRequestAccepted:      "connection_request_accepted",
	IDNewIncomingConnection:          "new_incoming_connection",
	IDNoFreeIncomingConnections:      "no_free_incoming_connections",
	IDDisconnectionNotification:      "disconnection_notification",
	IDConnectionLost:                 "connection_lost",
	IDTimestamp:                      "timestamp",
	IDReceivedStaticData:             "received_static_data",
	IDInvalidPassword:                "invalid_password",
	IDModifiedPacket:                 "modified_packet",
	IDAdvertiseSystem:                "advertise_system",
	IDConnectionAttemptFailed:        "connection_attempt_failed",
}

// String returns a stable, log-friendly name for the identifier.
func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	if id >= UserPacketEnum {
		return "user"
	}
	return "reserved"
}

// IsOfflineMessage reports whether b is a datagram that may legitimately
// arrive outside the reliability layer, e.g. a duplicated open-connection
// request or a late unconnected pong.
func IsOfflineMessage(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	switch MessageID(b[0]) {
	case IDOpenConnectionRequest, IDOpenConnectionReply:
		return len(b) == 1
	case IDUnconnectedPing, IDUnconnectedPingOpenConnections:
		return len(b) == 1+4
	case IDPong:
		return len(b) >= 1+4
	case IDAdvertiseSystem:
		return len(b) < MaxOfflineDataLength
	}
	return false
}

// Timestamp encodes t as the 32-bit millisecond clock used on the wire.
func Timestamp(t time.Time) uint32 {
	return uint32(t.UnixMilli())
}
