// Package protocol defines the wire format of the zentalk reliable-UDP peer layer.
//
// # Protocol Overview
//
// Every message begins with a one-byte MessageID. Control messages are
// exchanged by the peer layer itself; application messages use identifiers
// starting at UserPacketEnum. Multi-byte integers are big-endian and
// addresses are encoded as a 4 byte IPv4 address followed by a 2 byte port.
//
// # Offline Messages
//
// A small set of messages travel as raw one-byte datagrams outside any
// connection:
//   - OpenConnectionRequest/OpenConnectionReply: open a slot on both sides
//   - UnconnectedPing/UnconnectedPingOpenConnections: discovery
//   - Pong: discovery answer
//
// Connected datagrams produced by the reliability layer are always longer
// than one byte, which is how the two are told apart.
//
// # Connection Handshake
//
// Without security:
//
//	initiator                          responder
//	OpenConnectionRequest     ->
//	                          <-       OpenConnectionReply
//	ConnectionRequest(pw)     ->
//	                          <-       ConnectionRequestAccepted
//	NewIncomingConnection     ->
//
// With security the responder answers ConnectionRequest with
// SecuredConnectionResponse (SYN cookie, RSA public key) and the initiator
// replies with SecuredConnectionConfirmation (cookie, RSA-encrypted random
// contribution) before ConnectionRequestAccepted is sent.
//
// # Timestamps
//
// Ping and pong timestamps are 32-bit wrapping millisecond clocks
// (see Timestamp).
package protocol
