// Package network implements the peer: connection-oriented sessions over a
// single datagram socket, with handshakes, pings, optional encryption and
// compression, and a single network goroutine that drives every remote
// system.
//
// Callers never touch remote-system state directly. Sends, closes and
// connection attempts are queued and carried out by the network goroutine;
// read-only queries use the view published at the end of each update cycle.
package network

import (
	"context"
	"crypto/rsa"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-rudp/pkg/banlist"
	"github.com/ZentaChain/zentalk-rudp/pkg/compression"
	"github.com/ZentaChain/zentalk-rudp/pkg/crypto"
	"github.com/ZentaChain/zentalk-rudp/pkg/packetpool"
	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
	"github.com/ZentaChain/zentalk-rudp/pkg/transport"
)

type securityState struct {
	privateKey  *rsa.PrivateKey
	publicDER   []byte
	pinned      *rsa.PublicKey
	cookies     *crypto.CookieJar
	fingerprint string
}

// Peer is a reliable-UDP endpoint that can both connect and accept.
type Peer struct {
	cfg     *Config
	log     zerolog.Logger
	metrics *peerMetrics
	clock   func() time.Time

	pool  *packetpool.Pool
	bans  *banlist.List
	flood *floodGuard

	lifeMu sync.Mutex
	active atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the network goroutine while active.
	sock      transport.Socket
	localAddr protocol.SystemAddress
	maxPeers  int
	table     *remoteSystemTable
	pending   []*requestedConnection

	view atomic.Pointer[tableView]

	commands commandBuffer[bufferedCommand]
	requests commandBuffer[*requestedConnection]
	inbound  packetQueue

	settingsMu          sync.RWMutex
	maxIncoming         int
	incomingPassword    []byte
	outgoingPassword    []byte
	offlinePingResponse []byte
	localStaticData     []byte
	occasionalPing      bool
	mtu                 int

	// Changed only while inactive.
	security   *securityState
	inputTree  *compression.Tree
	outputTree *compression.Tree

	freqMu                  sync.Mutex
	trackFrequency          bool
	frequency               compression.FrequencyTable
	rawBytesSent            atomic.Uint64
	compressedBytesSent     atomic.Uint64
	rawBytesReceived        atomic.Uint64
	compressedBytesReceived atomic.Uint64

	handlersMu sync.RWMutex
	handlers   []MessageHandler
}

// New creates an inactive peer. A nil cfg uses DefaultConfig.
func New(cfg *Config) *Peer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()

	p := &Peer{
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "peer").Logger(),
		metrics:     newPeerMetrics(cfg.Registerer),
		clock:       cfg.Clock,
		pool:        packetpool.New(cfg.PacketPoolCapacity),
		bans:        banlist.New(),
		flood:       newFloodGuard(cfg.OpenRequestRate, cfg.OpenRequestBurst),
		localAddr:   protocol.UnassignedAddress,
		maxIncoming: cfg.MaxIncoming,
		mtu:         clampMTU(cfg.MTU),
	}
	p.view.Store(&tableView{})
	return p
}

func clampMTU(n int) int {
	return min(max(n, protocol.MinimumMTU), protocol.MaximumMTU)
}

// Initialize binds the socket and starts the network goroutine. maxPeers is
// the number of simultaneous connections, both directions combined.
func (p *Peer) Initialize(maxPeers int, localPort uint16, bindAddr string) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if p.active.Load() {
		return ErrAlreadyActive
	}
	if maxPeers <= 0 {
		return ErrInvalidMaxPeers
	}
	if err := p.setup(maxPeers, localPort, bindAddr); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	return nil
}

// setup prepares all state for an active peer without starting the network
// goroutine.
func (p *Peer) setup(maxPeers int, localPort uint16, bindAddr string) error {
	sock, err := p.cfg.Binder.Bind(localPort, bindAddr)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}

	p.settingsMu.Lock()
	if p.maxIncoming > maxPeers {
		p.maxIncoming = maxPeers
	}
	p.settingsMu.Unlock()

	p.sock = sock
	p.localAddr = sock.LocalAddr()
	p.maxPeers = maxPeers
	p.table = newRemoteSystemTable(maxPeers+1+maxPeers/8, p.cfg.NewReliabilityLayer)
	p.pending = nil
	p.flood.reset()

	p.freqMu.Lock()
	p.frequency = compression.FrequencyTable{}
	p.freqMu.Unlock()
	p.rawBytesSent.Store(0)
	p.compressedBytesSent.Store(0)
	p.rawBytesReceived.Store(0)
	p.compressedBytesReceived.Store(0)

	p.active.Store(true)
	p.publishView()

	p.log.Info().
		Str("addr", p.localAddr.String()).
		Int("max_peers", maxPeers).
		Bool("secure", p.security != nil).
		Msg("peer started")
	return nil
}

func (p *Peer) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runUpdateCycle(p.clock())
		}
	}
}

// Disconnect stops the peer. With a positive blockDuration every connected
// system is notified first and Disconnect waits, at most blockDuration, for
// the notifications to be delivered.
func (p *Peer) Disconnect(blockDuration time.Duration) {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()

	if !p.active.Load() {
		return
	}

	for _, h := range p.messageHandlers() {
		h.OnDisconnect(p)
	}

	if blockDuration > 0 && p.cancel != nil {
		for _, info := range p.view.Load().systems {
			p.queueDisconnectNotification(info.Address)
		}
		deadline := time.Now().Add(blockDuration)
		for time.Now().Before(deadline) && len(p.view.Load().systems) > 0 {
			time.Sleep(p.cfg.UpdateInterval)
		}
	}

	if p.cancel != nil {
		p.cancel()
		<-p.done
		p.cancel = nil
		p.done = nil
	}
	p.active.Store(false)

	p.table.releaseAll()
	if err := p.sock.Close(); err != nil {
		p.log.Debug().Err(err).Msg("close socket")
	}

	for _, pkt := range p.inbound.drain() {
		p.pool.Release(pkt)
	}
	p.commands.clear()
	p.requests.clear()
	p.pending = nil
	p.pool.Clear()
	p.view.Store(&tableView{})

	p.log.Info().Str("addr", p.localAddr.String()).Msg("peer stopped")
}

// IsActive reports whether the peer has been initialized and not disconnected.
func (p *Peer) IsActive() bool {
	return p.active.Load()
}

// Connect starts a connection attempt to host:port. The outcome arrives as
// ID_CONNECTION_REQUEST_ACCEPTED or one of the failure packets.
func (p *Peer) Connect(host string, port uint16, password []byte) error {
	if !p.active.Load() {
		return ErrNotActive
	}
	if len(password) > protocol.MaxOfflineDataLength {
		password = password[:protocol.MaxOfflineDataLength]
	}
	p.settingsMu.Lock()
	p.outgoingPassword = append([]byte(nil), password...)
	p.settingsMu.Unlock()

	addr, err := protocol.ResolveAddress(host, port)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if port == p.localAddr.Port && (host == "127.0.0.1" || host == "0.0.0.0" || addr == p.localAddr) {
		p.connectToSelf()
		return nil
	}

	if p.view.Load().has(addr) {
		return ErrAlreadyConnected
	}

	p.requests.push(&requestedConnection{
		address:         addr,
		action:          actionConnect,
		nextRequestTime: p.clock(),
	})
	return nil
}

func (p *Peer) connectToSelf() {
	if !p.allowIncomingConnections(p.view.Load().remoteInitiated) {
		p.inbound.push(p.pool.NewPacket(p.localAddr, -1, []byte{byte(protocol.IDNoFreeIncomingConnections)}))
		return
	}
	msg := protocol.NewIncomingConnection{Address: p.localAddr}
	p.commands.push(bufferedCommand{
		kind:        commandSend,
		data:        msg.Encode(),
		priority:    reliability.PrioritySystem,
		reliability: reliability.Reliable,
		target:      p.localAddr,
		connectMode: ModeConnected,
	})
}

// Send queues data for target, or for every connected system except target
// when broadcast is set.
func (p *Peer) Send(data []byte, priority reliability.Priority, rel reliability.Reliability, channel uint8,
	target protocol.SystemAddress, broadcast bool) error {
	if !p.active.Load() {
		return ErrNotActive
	}
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if !p.view.Load().validSendTarget(target, broadcast) {
		return ErrInvalidTarget
	}

	p.commands.push(bufferedCommand{
		kind:        commandSend,
		data:        append([]byte(nil), data...),
		priority:    priority,
		reliability: rel,
		channel:     channel,
		target:      target,
		broadcast:   broadcast,
	})
	return nil
}

// Receive returns the next packet for the application, or nil. The caller
// hands it back with DeallocatePacket.
func (p *Peer) Receive() *packetpool.Packet {
	if !p.active.Load() {
		return nil
	}

	for _, h := range p.messageHandlers() {
		h.OnUpdate(p)
	}

	for {
		pkt := p.inbound.pop()
		if pkt == nil {
			return nil
		}
		if p.filterPacket(pkt) {
			p.pool.Release(pkt)
			continue
		}
		return pkt
	}
}

// DeallocatePacket returns pkt to the pool.
func (p *Peer) DeallocatePacket(pkt *packetpool.Packet) {
	p.pool.Release(pkt)
}

// PushBackPacket puts pkt back at the head of the receive queue.
func (p *Peer) PushBackPacket(pkt *packetpool.Packet) {
	if pkt != nil {
		p.inbound.pushFront(pkt)
	}
}

// OutstandingPackets is the number of packets handed out and not yet
// deallocated, queued ones included.
func (p *Peer) OutstandingPackets() int64 {
	return p.pool.Outstanding()
}

// Ping sends an unconnected ping to host:port. Answers arrive as ID_PONG.
// The broadcast address 255.255.255.255 is pinged with a bare one-byte
// datagram.
func (p *Peer) Ping(host string, port uint16, onlyReplyOnAcceptingConnections bool) error {
	if !p.active.Load() {
		return ErrNotActive
	}
	addr, err := protocol.ResolveAddress(host, port)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	action := actionPing
	if onlyReplyOnAcceptingConnections {
		action = actionPingOpenConnections
	}

	p.requests.push(&requestedConnection{
		address:         addr,
		action:          action,
		nextRequestTime: p.clock(),
		broadcast:       host == "255.255.255.255",
	})
	return nil
}

// PingSystem sends a connected ping to target outside the regular schedule.
func (p *Peer) PingSystem(target protocol.SystemAddress) error {
	if !p.active.Load() {
		return ErrNotActive
	}
	if !p.view.Load().validSendTarget(target, false) {
		return ErrInvalidTarget
	}
	msg := protocol.ConnectedPing{SendTime: protocol.Timestamp(p.clock())}
	p.commands.push(bufferedCommand{
		kind:        commandSend,
		data:        msg.Encode(),
		priority:    reliability.PrioritySystem,
		reliability: reliability.Unreliable,
		target:      target,
	})
	return nil
}

// AdvertiseSystem sends data to host:port without connecting. The remote
// application receives it as ID_ADVERTISE_SYSTEM.
func (p *Peer) AdvertiseSystem(host string, port uint16, data []byte) error {
	if !p.active.Load() {
		return ErrNotActive
	}
	if len(data) > protocol.MaxOfflineDataLength {
		return ErrOfflineDataTooLong
	}
	addr, err := protocol.ResolveAddress(host, port)
	if err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	p.requests.push(&requestedConnection{
		address:         addr,
		action:          actionAdvertiseSystem,
		nextRequestTime: p.clock(),
		data:            append([]byte(nil), data...),
	})
	return nil
}

// CloseConnection drops target. With notify the remote system is told first
// and the slot lingers until the notification is acknowledged.
func (p *Peer) CloseConnection(target protocol.SystemAddress, notify bool) error {
	if !p.active.Load() {
		return ErrNotActive
	}
	if notify {
		p.queueDisconnectNotification(target)
		return nil
	}
	p.commands.push(bufferedCommand{kind: commandClose, target: target})
	return nil
}

func (p *Peer) queueDisconnectNotification(target protocol.SystemAddress) {
	p.commands.push(bufferedCommand{
		kind:        commandSend,
		data:        []byte{byte(protocol.IDDisconnectionNotification)},
		priority:    reliability.PrioritySystem,
		reliability: reliability.ReliableOrdered,
		target:      target,
		connectMode: ModeDisconnectASAP,
	})
}

// SetMaximumIncomingConnections caps how many remote systems may connect to
// us. It never exceeds the number of peers given to Initialize.
func (p *Peer) SetMaximumIncomingConnections(n int) {
	if n < 0 {
		n = 0
	}
	p.settingsMu.Lock()
	defer p.settingsMu.Unlock()
	if p.maxPeers > 0 && n > p.maxPeers {
		n = p.maxPeers
	}
	p.maxIncoming = n
}

func (p *Peer) GetMaximumIncomingConnections() int {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	return p.maxIncoming
}

// GetMaximumNumberOfPeers is the maxPeers passed to Initialize.
func (p *Peer) GetMaximumNumberOfPeers() int {
	return p.view.Load().maxPeers
}

func (p *Peer) allowIncomingConnections(remoteInitiated int) bool {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	return remoteInitiated < p.maxIncoming
}

// SetIncomingPassword sets the password remote systems must present.
func (p *Peer) SetIncomingPassword(password []byte) {
	if len(password) > protocol.MaxOfflineDataLength {
		password = password[:protocol.MaxOfflineDataLength]
	}
	p.settingsMu.Lock()
	p.incomingPassword = append([]byte(nil), password...)
	p.settingsMu.Unlock()
}

func (p *Peer) GetIncomingPassword() []byte {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	return append([]byte(nil), p.incomingPassword...)
}

// SetOfflinePingResponse sets the data returned with every unconnected pong.
func (p *Peer) SetOfflinePingResponse(data []byte) error {
	if len(data) > protocol.MaxOfflineDataLength {
		return ErrOfflineDataTooLong
	}
	p.settingsMu.Lock()
	p.offlinePingResponse = append([]byte(nil), data...)
	p.settingsMu.Unlock()
	return nil
}

func (p *Peer) GetOfflinePingResponse() []byte {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	return append([]byte(nil), p.offlinePingResponse...)
}

// SetOccasionalPing keeps pinging connected systems after the first
// sample; otherwise they are pinged only until a ping is known.
func (p *Peer) SetOccasionalPing(on bool) {
	p.settingsMu.Lock()
	p.occasionalPing = on
	p.settingsMu.Unlock()
}

// SetMTUSize sets the datagram size. It is clamped to [512, 8000] and may
// only change while the peer is inactive.
func (p *Peer) SetMTUSize(n int) error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.active.Load() {
		return ErrAlreadyActive
	}
	p.settingsMu.Lock()
	p.mtu = clampMTU(n)
	p.settingsMu.Unlock()
	return nil
}

func (p *Peer) GetMTUSize() int {
	p.settingsMu.RLock()
	defer p.settingsMu.RUnlock()
	return p.mtu
}

// AddToBan bans ip, optionally a pattern ending in '*', for timeout. A zero
// timeout bans permanently.
func (p *Peer) AddToBan(ip string, timeout time.Duration) {
	p.bans.Add(ip, timeout, p.clock())
}

func (p *Peer) RemoveFromBan(ip string) {
	p.bans.Remove(ip)
}

func (p *Peer) IsBanned(ip string) bool {
	return p.bans.IsBanned(ip, p.clock())
}

func (p *Peer) ClearBanList() {
	p.bans.Clear()
}

// BanList returns a snapshot of the current bans.
func (p *Peer) BanList() []banlist.Entry {
	return p.bans.Entries()
}

// RestoreBans loads persisted bans, skipping the ones already expired.
func (p *Peer) RestoreBans(entries []banlist.Entry) {
	p.bans.Restore(entries, p.clock())
}

func (p *Peer) ban(addr protocol.SystemAddress, reason string, now time.Time) {
	p.bans.Add(addr.IPString(), p.cfg.Timeout, now)
	p.metrics.bans.Inc()
	p.log.Warn().Str("addr", addr.String()).Str("reason", reason).Msg("address banned")
}

// GetInternalID is the bound local address.
func (p *Peer) GetInternalID() protocol.SystemAddress {
	if !p.active.Load() {
		return protocol.UnassignedAddress
	}
	return p.localAddr
}

// GetExternalID is our address as seen by target.
func (p *Peer) GetExternalID(target protocol.SystemAddress) protocol.SystemAddress {
	if info, ok := p.view.Load().lookup(target); ok {
		return info.ExternalAddress
	}
	return protocol.UnassignedAddress
}

func (p *Peer) GetIndexFromAddress(addr protocol.SystemAddress) int {
	if info, ok := p.view.Load().lookup(addr); ok {
		return info.Index
	}
	return -1
}

func (p *Peer) GetAddressFromIndex(index int) protocol.SystemAddress {
	for _, info := range p.view.Load().systems {
		if info.Index == index {
			return info.Address
		}
	}
	return protocol.UnassignedAddress
}

// IsConnected reports whether addr finished the handshake.
func (p *Peer) IsConnected(addr protocol.SystemAddress) bool {
	info, ok := p.view.Load().lookup(addr)
	return ok && info.Mode == ModeConnected
}

// NumberOfConnections counts connected systems in either direction.
func (p *Peer) NumberOfConnections() int {
	n := 0
	for _, info := range p.view.Load().systems {
		if info.Mode == ModeConnected {
			n++
		}
	}
	return n
}

// GetConnectionList returns the connected systems.
func (p *Peer) GetConnectionList() []protocol.SystemAddress {
	var out []protocol.SystemAddress
	for _, info := range p.view.Load().systems {
		if info.Mode == ModeConnected {
			out = append(out, info.Address)
		}
	}
	return out
}

// GetAveragePing is the mean of the ping samples of addr, or -1.
func (p *Peer) GetAveragePing(addr protocol.SystemAddress) int {
	if info, ok := p.view.Load().lookup(addr); ok {
		return info.AveragePing
	}
	return -1
}

func (p *Peer) GetLastPing(addr protocol.SystemAddress) int {
	if info, ok := p.view.Load().lookup(addr); ok {
		return info.LastPing
	}
	return -1
}

func (p *Peer) GetLowestPing(addr protocol.SystemAddress) int {
	if info, ok := p.view.Load().lookup(addr); ok {
		return info.LowestPing
	}
	return -1
}

// GetStatistics returns the reliability counters of addr.
func (p *Peer) GetStatistics(addr protocol.SystemAddress) (reliability.Statistics, bool) {
	info, ok := p.view.Load().lookup(addr)
	return info.Statistics, ok
}

// Snapshot lists every assigned remote system as of the last update cycle.
func (p *Peer) Snapshot() []SystemInfo {
	return append([]SystemInfo(nil), p.view.Load().systems...)
}

// GetRemoteStaticData returns the static data of addr. Our own address
// returns the local static data.
func (p *Peer) GetRemoteStaticData(addr protocol.SystemAddress) ([]byte, bool) {
	if addr == p.localAddr || addr.IsUnassigned() {
		p.settingsMu.RLock()
		defer p.settingsMu.RUnlock()
		return append([]byte(nil), p.localStaticData...), true
	}
	info, ok := p.view.Load().lookup(addr)
	if !ok {
		return nil, false
	}
	return append([]byte(nil), info.StaticData...), true
}

// SetRemoteStaticData replaces the static data kept for addr, or the local
// static data for our own address.
func (p *Peer) SetRemoteStaticData(addr protocol.SystemAddress, data []byte) {
	data = append([]byte(nil), data...)
	if addr == p.localAddr || addr.IsUnassigned() {
		p.settingsMu.Lock()
		p.localStaticData = data
		p.settingsMu.Unlock()
		return
	}
	p.commands.push(bufferedCommand{kind: commandSetStaticData, target: addr, data: data})
}

// SendStaticData sends the local static data to target, or to everyone when
// target is unassigned.
func (p *Peer) SendStaticData(target protocol.SystemAddress) error {
	if !p.active.Load() {
		return ErrNotActive
	}
	p.settingsMu.RLock()
	data := protocol.WithPayload(protocol.IDReceivedStaticData, p.localStaticData)
	p.settingsMu.RUnlock()

	p.commands.push(bufferedCommand{
		kind:        commandSend,
		data:        data,
		priority:    reliability.PrioritySystem,
		reliability: reliability.ReliableOrdered,
		target:      target,
		broadcast:   target.IsUnassigned(),
	})
	return nil
}
