package network

import (
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

// ConnectMode is the lifecycle state of an assigned remote system. A free
// slot is recognised by its address being protocol.UnassignedAddress.
type ConnectMode uint8

const (
	// ModeNoAction marks a buffered command that leaves the mode alone.
	ModeNoAction ConnectMode = iota
	ModeDisconnectASAP
	ModeRequestedConnection
	ModeHandlingConnectionRequest
	ModeUnverifiedSender
	ModeSetEncryptionPending
	ModeConnected
)

func (m ConnectMode) String() string {
	switch m {
	case ModeNoAction:
		return "no_action"
	case ModeDisconnectASAP:
		return "disconnect_asap"
	case ModeRequestedConnection:
		return "requested_connection"
	case ModeHandlingConnectionRequest:
		return "handling_connection_request"
	case ModeUnverifiedSender:
		return "unverified_sender"
	case ModeSetEncryptionPending:
		return "set_encryption_pending"
	case ModeConnected:
		return "connected"
	}
	return "invalid"
}

// Event drives a ConnectMode transition.
type Event uint8

const (
	// EvOpenReplyConnect: our open-connection request was answered and we asked to connect.
	EvOpenReplyConnect Event = iota
	// EvPasswordAccepted: a connection request carried the right password.
	EvPasswordAccepted
	// EvKeyStaged: the session key is derived and waits for the first encrypted datagram.
	EvKeyStaged
	// EvConnectionAccepted: the remote system accepted our connection request.
	EvConnectionAccepted
	// EvNewIncomingConnection: the initiator confirmed the accepted connection.
	EvNewIncomingConnection
	// EvDisconnectNotification: the remote system said goodbye.
	EvDisconnectNotification
	// EvCloseRequested: the local application closed the connection.
	EvCloseRequested
	// EvAdvertiseSent: an advertise message went out on a throwaway slot.
	EvAdvertiseSent
	// EvOfflineReplied: an unconnected ping or pong was handled.
	EvOfflineReplied
	// EvRejected: the handshake was refused by either side.
	EvRejected
)

func (e Event) String() string {
	switch e {
	case EvOpenReplyConnect:
		return "open_reply_connect"
	case EvPasswordAccepted:
		return "password_accepted"
	case EvKeyStaged:
		return "key_staged"
	case EvConnectionAccepted:
		return "connection_accepted"
	case EvNewIncomingConnection:
		return "new_incoming_connection"
	case EvDisconnectNotification:
		return "disconnect_notification"
	case EvCloseRequested:
		return "close_requested"
	case EvAdvertiseSent:
		return "advertise_sent"
	case EvOfflineReplied:
		return "offline_replied"
	case EvRejected:
		return "rejected"
	}
	return "invalid"
}

var transitions = map[ConnectMode]map[Event]ConnectMode{
	ModeUnverifiedSender: {
		EvOpenReplyConnect: ModeRequestedConnection,
		EvPasswordAccepted: ModeHandlingConnectionRequest,
		EvAdvertiseSent:    ModeDisconnectASAP,
		EvOfflineReplied:   ModeDisconnectASAP,
		EvRejected:         ModeDisconnectASAP,
		EvCloseRequested:   ModeDisconnectASAP,
	},
	ModeRequestedConnection: {
		EvConnectionAccepted:     ModeConnected,
		EvAdvertiseSent:          ModeDisconnectASAP,
		EvRejected:               ModeDisconnectASAP,
		EvDisconnectNotification: ModeDisconnectASAP,
		EvCloseRequested:         ModeDisconnectASAP,
	},
	ModeHandlingConnectionRequest: {
		EvPasswordAccepted:       ModeHandlingConnectionRequest,
		EvKeyStaged:              ModeSetEncryptionPending,
		EvConnectionAccepted:     ModeHandlingConnectionRequest,
		EvNewIncomingConnection:  ModeConnected,
		EvRejected:               ModeDisconnectASAP,
		EvDisconnectNotification: ModeDisconnectASAP,
		EvCloseRequested:         ModeDisconnectASAP,
	},
	ModeSetEncryptionPending: {
		EvPasswordAccepted:       ModeHandlingConnectionRequest,
		EvNewIncomingConnection:  ModeConnected,
		EvRejected:               ModeDisconnectASAP,
		EvDisconnectNotification: ModeDisconnectASAP,
		EvCloseRequested:         ModeDisconnectASAP,
	},
	ModeConnected: {
		EvPasswordAccepted:       ModeHandlingConnectionRequest,
		EvOfflineReplied:         ModeConnected,
		EvDisconnectNotification: ModeDisconnectASAP,
		EvCloseRequested:         ModeDisconnectASAP,
		EvRejected:               ModeDisconnectASAP,
	},
	ModeDisconnectASAP: {
		EvDisconnectNotification: ModeDisconnectASAP,
		EvCloseRequested:         ModeDisconnectASAP,
		EvOfflineReplied:         ModeDisconnectASAP,
		EvRejected:               ModeDisconnectASAP,
	},
}

// Transition returns the mode reached from from on ev. ok is false for an
// edge the handshake does not allow.
func Transition(from ConnectMode, ev Event) (to ConnectMode, ok bool) {
	to, ok = transitions[from][ev]
	return to, ok
}

// NoNotification is returned by Teardown when the application is not told.
const NoNotification protocol.MessageID = 0xFF

// Teardown decides whether a remote system is recycled this cycle and which
// event the application receives for it. sinceGrace is the time spent since
// the slot was assigned, or since it entered ModeDisconnectASAP.
func Teardown(mode ConnectMode, dead, dataWaiting bool, sinceGrace, grace time.Duration) (teardown bool, notify protocol.MessageID) {
	switch {
	case dead:
	case mode == ModeDisconnectASAP && !dataWaiting:
	case mode != ModeConnected && sinceGrace > grace:
	default:
		return false, NoNotification
	}

	switch mode {
	case ModeConnected:
		return true, protocol.IDConnectionLost
	case ModeRequestedConnection:
		return true, protocol.IDConnectionAttemptFailed
	}
	return true, NoNotification
}

// MarshalText encodes m as its String form.
func (m ConnectMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *ConnectMode) UnmarshalText(text []byte) error {
	for c := ModeNoAction; c <= ModeConnected; c++ {
		if c.String() == string(text) {
			*m = c
			return nil
		}
	}
	return fmt.Errorf("unknown connect mode %q", text)
}
