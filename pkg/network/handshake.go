package network

import (
	"bytes"
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-rudp/pkg/crypto"
	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
)

// randomContributionSize is the length of R, the initiator's share of the
// session key.
const randomContributionSize = crypto.CookieSize

// InitializeSecurity makes the peer answer connection requests with a SYN
// cookie and its RSA public key, so every session is encrypted. A nil priv
// generates a key. A non-nil pinned key is the only key accepted from the
// systems we connect to. Only allowed while inactive.
func (p *Peer) InitializeSecurity(priv *rsa.PrivateKey, pinned *rsa.PublicKey) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.active.Load() {
		return ErrAlreadyActive
	}

	if priv == nil {
		var err error
		if priv, err = crypto.GenerateRSAKeyPair(); err != nil {
			return fmt.Errorf("initialize security: %w", err)
		}
	}
	der, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("initialize security: %w", err)
	}
	fingerprint, err := crypto.KeyFingerprint(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("initialize security: %w", err)
	}

	p.security = &securityState{
		privateKey:  priv,
		publicDER:   der,
		pinned:      pinned,
		cookies:     crypto.NewCookieJar(crypto.DefaultCookieRotation, p.clock()),
		fingerprint: fingerprint,
	}
	p.log.Info().Str("fingerprint", fingerprint).Bool("pinned", pinned != nil).Msg("security enabled")
	return nil
}

// DisableSecurity turns the secure handshake off. Only allowed while inactive.
func (p *Peer) DisableSecurity() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.active.Load() {
		return ErrAlreadyActive
	}
	p.security = nil
	return nil
}

// PublicKeyFingerprint identifies the key remote systems should pin, or
// is empty when security is off.
func (p *Peer) PublicKeyFingerprint() string {
	if p.security == nil {
		return ""
	}
	return p.security.fingerprint
}

func (p *Peer) parseConnectionRequest(i int, rs *remoteSystem, data []byte, now time.Time) {
	if !p.allowIncomingConnections(p.table.remoteInitiated()) {
		p.refuse(rs, protocol.IDNoFreeIncomingConnections, now)
		return
	}

	var req protocol.ConnectionRequest
	if req.Decode(data) != nil {
		return
	}
	p.settingsMu.RLock()
	ok := subtle.ConstantTimeCompare(req.Password, p.incomingPassword) == 1
	p.settingsMu.RUnlock()
	if !ok {
		p.refuse(rs, protocol.IDInvalidPassword, now)
		return
	}

	if !p.transition(rs, EvPasswordAccepted, now) {
		return
	}

	if p.security == nil {
		p.onConnectionRequest(i, rs, nil, now)
		return
	}

	resp := protocol.SecuredConnectionResponse{
		Cookie:    p.security.cookies.Issue(rs.address.IP, rs.address.Port, now),
		PublicKey: p.security.publicDER,
	}
	p.sendImmediate(resp.Encode(), reliability.PrioritySystem, reliability.Unreliable, 0, rs.address, false, now)
}

func (p *Peer) refuse(rs *remoteSystem, reason protocol.MessageID, now time.Time) {
	p.metrics.handshake(reason.String())
	p.log.Debug().Str("addr", rs.address.String()).Stringer("msg_id", reason).Msg("connection request refused")
	p.sendImmediate([]byte{byte(reason)}, reliability.PrioritySystem, reliability.Reliable, 0, rs.address, false, now)
	p.transition(rs, EvRejected, now)
}

// onConnectionRequest accepts the connection. A non-nil key is staged and
// activated by the first encrypted datagram of the initiator.
func (p *Peer) onConnectionRequest(i int, rs *remoteSystem, key *[protocol.AESKeySize]byte, now time.Time) {
	if !p.allowIncomingConnections(p.table.remoteInitiated()) {
		p.refuse(rs, protocol.IDNoFreeIncomingConnections, now)
		return
	}

	accepted := protocol.ConnectionRequestAccepted{
		RemotePort: p.localAddr.Port,
		External:   rs.address,
		Index:      uint16(i),
	}
	p.sendImmediate(accepted.Encode(), reliability.PrioritySystem, reliability.Reliable, 0, rs.address, false, now)

	if key != nil {
		rs.aesKey = *key
		rs.setAESKey = true
		rs.keyActive = false
		p.transition(rs, EvKeyStaged, now)
	}
}

// handleSecuredConnectionResponse runs on the initiator: check the
// responder's key, derive the session key and send our share of it back.
func (p *Peer) handleSecuredConnectionResponse(i int, rs *remoteSystem, data []byte, now time.Time) {
	if rs.mode != ModeRequestedConnection {
		return
	}

	var resp protocol.SecuredConnectionResponse
	if err := resp.Decode(data); err != nil {
		p.abortHandshake(i, rs, "malformed secured response", now)
		return
	}
	pub, err := crypto.ParsePublicKey(resp.PublicKey)
	if err != nil {
		p.abortHandshake(i, rs, "invalid public key", now)
		return
	}

	if p.security != nil && p.security.pinned != nil && !crypto.SameKey(pub, p.security.pinned) {
		p.metrics.handshake("key_mismatch")
		p.log.Warn().Str("addr", rs.address.String()).Msg("public key does not match the pinned key")
		p.pushPacket(rs.address, i, []byte{byte(protocol.IDRSAPublicKeyMismatch)})
		p.transition(rs, EvRejected, now)
		return
	}

	random, err := crypto.GenerateNonce(randomContributionSize)
	if err != nil {
		p.abortHandshake(i, rs, "random contribution", now)
		return
	}
	key, err := crypto.XORKey(resp.Cookie, random)
	if err != nil {
		p.abortHandshake(i, rs, "derive key", now)
		return
	}
	sealed, err := crypto.RSAEncrypt(random, pub)
	if err != nil {
		p.abortHandshake(i, rs, "encrypt random contribution", now)
		return
	}

	rs.aesKey = key
	rs.setAESKey = true

	confirm := protocol.SecuredConnectionConfirmation{Cookie: resp.Cookie, EncryptedRandom: sealed}
	p.sendImmediate(confirm.Encode(), reliability.PrioritySystem, reliability.Unreliable, 0, rs.address, false, now)
}

// handleSecuredConnectionConfirmation runs on the responder: verify the
// cookie, recover the initiator's share and accept with the derived key.
func (p *Peer) handleSecuredConnectionConfirmation(i int, rs *remoteSystem, data []byte, now time.Time) {
	if p.security == nil || rs.mode != ModeHandlingConnectionRequest {
		return
	}

	var confirm protocol.SecuredConnectionConfirmation
	if err := confirm.Decode(data); err != nil {
		p.rejectSender(i, rs, "malformed secured confirmation", now)
		return
	}
	current, err := p.security.cookies.Verify(rs.address.IP, rs.address.Port, confirm.Cookie, now)
	if err != nil {
		p.rejectSender(i, rs, "cookie mismatch", now)
		return
	}
	random, err := crypto.RSADecrypt(confirm.EncryptedRandom, p.security.privateKey)
	if err != nil || len(random) != randomContributionSize || bytes.Equal(random, make([]byte, randomContributionSize)) {
		p.rejectSender(i, rs, "decrypt random contribution", now)
		return
	}
	key, err := crypto.XORKey(confirm.Cookie, random)
	if err != nil {
		p.rejectSender(i, rs, "derive key", now)
		return
	}

	p.onConnectionRequest(i, rs, &key, now)

	// A cookie is good for a single handshake under the current secret.
	if current {
		p.security.cookies.Rotate(now)
	}
}

// abortHandshake gives up on a connection we initiated.
func (p *Peer) abortHandshake(i int, rs *remoteSystem, reason string, _ time.Time) {
	p.metrics.handshake("aborted")
	p.log.Warn().Str("addr", rs.address.String()).Str("reason", reason).Msg("handshake aborted")
	p.pushPacket(rs.address, i, []byte{byte(protocol.IDConnectionAttemptFailed)})
	p.closeSlot(i, reason)
}

// rejectSender drops a connection attempt that failed verification and bans
// its source.
func (p *Peer) rejectSender(i int, rs *remoteSystem, reason string, now time.Time) {
	addr := rs.address
	p.metrics.handshake("rejected")
	p.closeSlot(i, reason)
	p.ban(addr, reason, now)
}
