package network

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-rudp/pkg/packetpool"
	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
	"github.com/ZentaChain/zentalk-rudp/pkg/transport"
)

const tick = 10 * time.Millisecond

// harness drives peers on a memory network with a shared fake clock. The
// network goroutine is never started; step runs one update cycle per peer.
type harness struct {
	t     *testing.T
	net   *transport.MemoryNetwork
	now   time.Time
	peers []*Peer
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:   t,
		net: transport.NewMemoryNetwork(),
		now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// peer creates an active peer. configure runs before the peer is set up, so
// it may change settings only allowed while inactive.
func (h *harness) peer(port uint16, maxIncoming int, configure ...func(*Peer)) *Peer {
	h.t.Helper()

	cfg := DefaultConfig()
	cfg.Binder = h.net
	cfg.MaxIncoming = maxIncoming
	cfg.Clock = func() time.Time { return h.now }
	cfg.Registerer = prometheus.NewRegistry()

	p := New(cfg)
	for _, fn := range configure {
		fn(p)
	}
	require.NoError(h.t, p.setup(8, port, "127.0.0.1"))
	h.t.Cleanup(func() { p.Disconnect(0) })

	h.peers = append(h.peers, p)
	return p
}

func (h *harness) step(d time.Duration) {
	h.now = h.now.Add(d)
	for _, p := range h.peers {
		if p.IsActive() {
			p.runUpdateCycle(h.now)
		}
	}
}

func (h *harness) pump(n int) {
	for i := 0; i < n; i++ {
		h.step(tick)
	}
}

func (h *harness) connect(a, b *Peer) {
	h.t.Helper()
	require.NoError(h.t, a.Connect("127.0.0.1", b.GetInternalID().Port, nil))
	h.pump(20)
	require.True(h.t, a.IsConnected(b.GetInternalID()), "initiator not connected")
	require.True(h.t, b.IsConnected(a.GetInternalID()), "responder not connected")
}

// receiveAll drains p and returns copies of the packets.
func receiveAll(p *Peer) []packetpool.Packet {
	var out []packetpool.Packet
	for {
		pkt := p.Receive()
		if pkt == nil {
			return out
		}
		out = append(out, packetpool.Packet{
			Address: pkt.Address,
			Index:   pkt.Index,
			Data:    append([]byte(nil), pkt.Data...),
			BitSize: pkt.BitSize,
		})
		p.DeallocatePacket(pkt)
	}
}

func ids(pkts []packetpool.Packet) []protocol.MessageID {
	out := make([]protocol.MessageID, 0, len(pkts))
	for i := range pkts {
		out = append(out, pkts[i].ID())
	}
	return out
}

func find(pkts []packetpool.Packet, id protocol.MessageID) (packetpool.Packet, bool) {
	for _, pkt := range pkts {
		if pkt.ID() == id {
			return pkt, true
		}
	}
	return packetpool.Packet{}, false
}

func modeOf(p *Peer, addr protocol.SystemAddress) (ConnectMode, bool) {
	for _, info := range p.Snapshot() {
		if info.Address == addr {
			return info.Mode, true
		}
	}
	return ModeNoAction, false
}

func TestConnectAndExchange(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6000, 4)
	client := h.peer(6001, 0)
	serverAddr, clientAddr := server.GetInternalID(), client.GetInternalID()

	h.connect(client, server)

	clientPkts := receiveAll(client)
	accepted, ok := find(clientPkts, protocol.IDConnectionRequestAccepted)
	require.True(t, ok, "got %v", ids(clientPkts))
	assert.Equal(t, serverAddr, accepted.Address)
	assert.GreaterOrEqual(t, accepted.Index, 0)

	serverPkts := receiveAll(server)
	incoming, ok := find(serverPkts, protocol.IDNewIncomingConnection)
	require.True(t, ok, "got %v", ids(serverPkts))
	assert.Equal(t, clientAddr, incoming.Address)

	assert.Equal(t, clientAddr, client.GetExternalID(serverAddr))
	assert.Equal(t, serverAddr, server.GetExternalID(clientAddr))
	assert.Equal(t, 1, client.NumberOfConnections())
	assert.Equal(t, []protocol.SystemAddress{clientAddr}, server.GetConnectionList())
	assert.GreaterOrEqual(t, client.GetAveragePing(serverAddr), 0)
	assert.GreaterOrEqual(t, client.GetLowestPing(serverAddr), 0)

	for _, msg := range []string{"alpha", "beta", "gamma"} {
		data := append([]byte{byte(protocol.UserPacketEnum)}, msg...)
		require.NoError(t, client.Send(data, reliability.PriorityHigh, reliability.ReliableOrdered, 3, serverAddr, false))
	}
	h.pump(5)

	var got []string
	for _, pkt := range receiveAll(server) {
		if pkt.ID() == protocol.UserPacketEnum {
			assert.Equal(t, clientAddr, pkt.Address)
			assert.Equal(t, len(pkt.Data)*8, pkt.BitSize)
			got = append(got, string(pkt.Data[1:]))
		}
	}
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, got)

	stats, ok := client.GetStatistics(serverAddr)
	require.True(t, ok)
	assert.NotZero(t, stats.MessagesSent)
	assert.False(t, stats.Encrypted)

	assert.ErrorIs(t, client.Connect("127.0.0.1", serverAddr.Port, nil), ErrAlreadyConnected)
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t)
	hub := h.peer(6010, 4)
	a := h.peer(6011, 0)
	b := h.peer(6012, 0)
	h.connect(a, hub)
	h.connect(b, hub)
	receiveAll(a)
	receiveAll(b)

	data := []byte{byte(protocol.UserPacketEnum), 'x'}
	require.NoError(t, hub.Send(data, reliability.PriorityMedium, reliability.Reliable, 0, a.GetInternalID(), true))
	h.pump(5)

	_, ok := find(receiveAll(a), protocol.UserPacketEnum)
	assert.False(t, ok, "excluded system received the broadcast")
	_, ok = find(receiveAll(b), protocol.UserPacketEnum)
	assert.True(t, ok)
}

func TestSendErrors(t *testing.T) {
	h := newHarness(t)

	inactive := New(nil)
	assert.ErrorIs(t, inactive.Send([]byte{1}, reliability.PriorityHigh, reliability.Reliable, 0, protocol.UnassignedAddress, true), ErrNotActive)
	assert.Nil(t, inactive.Receive())

	p := h.peer(6020, 0)
	stranger, err := protocol.ParseAddress("127.0.0.1", 7777)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Send(nil, reliability.PriorityHigh, reliability.Reliable, 0, stranger, false), ErrEmptyPayload)
	assert.ErrorIs(t, p.Send([]byte{1}, reliability.PriorityHigh, reliability.Reliable, 0, stranger, false), ErrInvalidTarget)
	assert.ErrorIs(t, p.Send([]byte{1}, reliability.PriorityHigh, reliability.Reliable, 0, protocol.UnassignedAddress, true), ErrInvalidTarget)
	assert.ErrorIs(t, p.AdvertiseSystem("127.0.0.1", 7777, make([]byte, protocol.MaxOfflineDataLength+1)), ErrOfflineDataTooLong)
	assert.ErrorIs(t, p.SetOfflinePingResponse(make([]byte, protocol.MaxOfflineDataLength+1)), ErrOfflineDataTooLong)
	assert.ErrorIs(t, p.SetMTUSize(1000), ErrAlreadyActive)
}

func TestInitializeErrors(t *testing.T) {
	network := transport.NewMemoryNetwork()
	cfg := DefaultConfig()
	cfg.Binder = network

	p := New(cfg)
	assert.ErrorIs(t, p.Initialize(0, 6030, ""), ErrInvalidMaxPeers)

	require.NoError(t, p.Initialize(4, 6030, ""))
	defer p.Disconnect(0)
	assert.ErrorIs(t, p.Initialize(4, 6030, ""), ErrAlreadyActive)

	other := New(cfg)
	err := other.Initialize(4, 6030, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrAddressInUse))
	assert.False(t, other.IsActive())
}

func TestMaxIncomingZeroRefuses(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6040, 0)
	client := h.peer(6041, 0)

	require.NoError(t, client.Connect("127.0.0.1", server.GetInternalID().Port, nil))
	h.pump(50)

	pkts := receiveAll(client)
	_, ok := find(pkts, protocol.IDNoFreeIncomingConnections)
	assert.True(t, ok, "got %v", ids(pkts))
	_, ok = find(receiveAll(server), protocol.IDNewIncomingConnection)
	assert.False(t, ok)

	assert.Empty(t, server.Snapshot())
	assert.Empty(t, client.Snapshot())
	assert.False(t, client.IsConnected(server.GetInternalID()))
}

func TestInvalidPassword(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6050, 4)
	server.SetIncomingPassword([]byte("open sesame"))
	client := h.peer(6051, 0)
	port := server.GetInternalID().Port

	require.NoError(t, client.Connect("127.0.0.1", port, []byte("guess")))
	h.pump(50)

	_, ok := find(receiveAll(client), protocol.IDInvalidPassword)
	assert.True(t, ok)
	assert.Empty(t, client.Snapshot())

	require.NoError(t, client.Connect("127.0.0.1", port, []byte("open sesame")))
	h.pump(20)
	assert.True(t, client.IsConnected(server.GetInternalID()))
	assert.Equal(t, []byte("open sesame"), server.GetIncomingPassword())
}

func TestConnectionAttemptUnanswered(t *testing.T) {
	h := newHarness(t)
	client := h.peer(6060, 0)

	require.NoError(t, client.Connect("127.0.0.1", 6999, nil))
	for i := 0; i < 4; i++ {
		h.step(time.Second)
	}

	pkts := receiveAll(client)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.IDConnectionAttemptFailed, pkts[0].ID())
	assert.Equal(t, -1, pkts[0].Index)
}

func TestConnectionAttemptTimesOut(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6070, 4)
	client := h.peer(6071, 0)
	clientAddr := client.GetInternalID()

	// Only the one-byte open-connection exchange gets through.
	h.net.SetDropFunc(func(from, _ protocol.SystemAddress, data []byte) bool {
		return from == clientAddr && len(data) > 1
	})

	require.NoError(t, client.Connect("127.0.0.1", server.GetInternalID().Port, nil))
	h.pump(5)
	mode, ok := modeOf(client, server.GetInternalID())
	require.True(t, ok)
	assert.Equal(t, ModeRequestedConnection, mode)

	for i := 0; i < 11; i++ {
		h.step(time.Second)
	}

	pkts := receiveAll(client)
	failed, ok := find(pkts, protocol.IDConnectionAttemptFailed)
	require.True(t, ok, "got %v", ids(pkts))
	assert.Equal(t, server.GetInternalID(), failed.Address)
	assert.Empty(t, client.Snapshot())
	assert.Empty(t, server.Snapshot())
}

func TestOpenConnectionReplyFromMigratedPort(t *testing.T) {
	tests := []struct {
		name  string
		allow bool
	}{
		{"refused by default", false},
		{"accepted when allowed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			client := h.peer(6075, 0, func(p *Peer) {
				p.cfg.AllowConnectionResponseIPMigration = tt.allow
			})
			requested, err := h.net.Bind(6076, "127.0.0.1")
			require.NoError(t, err)
			migrated, err := h.net.Bind(6077, "127.0.0.1")
			require.NoError(t, err)

			require.NoError(t, client.Connect("127.0.0.1", 6076, nil))
			h.step(tick)
			dg, ok := requested.RecvFrom()
			require.True(t, ok)
			require.Equal(t, []byte{byte(protocol.IDOpenConnectionRequest)}, dg.Data)

			require.NoError(t, migrated.SendTo([]byte{byte(protocol.IDOpenConnectionReply)}, client.GetInternalID()))
			h.step(tick)

			mode, ok := modeOf(client, migrated.LocalAddr())
			if !tt.allow {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.Equal(t, ModeRequestedConnection, mode)
			_, ok = migrated.RecvFrom()
			assert.True(t, ok, "connection request not sent to the migrated port")

			h.step(2 * time.Second)
			_, ok = requested.RecvFrom()
			assert.False(t, ok, "open connection request retried after the reply")
		})
	}
}

func TestKeepAlive(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6080, 4)
	client := h.peer(6081, 0)
	h.connect(client, server)
	h.pump(20)

	before, ok := client.GetStatistics(server.GetInternalID())
	require.True(t, ok)
	h.step(4 * time.Second)
	idle, _ := client.GetStatistics(server.GetInternalID())
	assert.Equal(t, before.MessagesSent, idle.MessagesSent)

	h.step(2 * time.Second)
	after, _ := client.GetStatistics(server.GetInternalID())
	assert.Equal(t, before.MessagesSent+1, after.MessagesSent)

	h.pump(5)
	assert.True(t, client.IsConnected(server.GetInternalID()))
	_, ok = find(receiveAll(server), protocol.IDKeepAlive)
	assert.False(t, ok, "keepalive reached the application")
}

func TestKeepAliveBacksOffByTimeout(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6082, 4)
	client := h.peer(6083, 0)
	h.connect(client, server)
	h.pump(20)

	h.step(6 * time.Second)
	rs, _ := client.table.get(server.GetInternalID())
	require.NotNil(t, rs)
	next := h.now.Add(client.cfg.Timeout)
	assert.Equal(t, next, rs.lastReliableSend)

	// Past the interval but still inside the timeout: no second keepalive.
	h.pump(5)
	h.step(client.cfg.KeepAliveInterval + time.Second)
	rs, _ = client.table.get(server.GetInternalID())
	require.NotNil(t, rs)
	assert.Equal(t, next, rs.lastReliableSend)
}

func TestCloseConnectionDrainsBeforeRelease(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6090, 4)
	client := h.peer(6091, 0)
	h.connect(client, server)
	h.pump(20)
	receiveAll(server)
	serverAddr, clientAddr := server.GetInternalID(), client.GetInternalID()

	h.net.SetDropFunc(func(from, _ protocol.SystemAddress, _ []byte) bool {
		return from == clientAddr
	})
	require.NoError(t, client.CloseConnection(serverAddr, true))
	h.pump(10)

	mode, ok := modeOf(client, serverAddr)
	require.True(t, ok, "slot released before the notification was acknowledged")
	assert.Equal(t, ModeDisconnectASAP, mode)
	assert.False(t, client.IsConnected(serverAddr))

	h.net.SetDropFunc(nil)
	h.pump(100)

	assert.Empty(t, client.Snapshot())
	assert.Empty(t, server.Snapshot())
	pkts := receiveAll(server)
	note, ok := find(pkts, protocol.IDDisconnectionNotification)
	require.True(t, ok, "got %v", ids(pkts))
	assert.Equal(t, clientAddr, note.Address)
}

func TestCloseConnectionWithoutNotification(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6100, 4)
	client := h.peer(6101, 0)
	h.connect(client, server)

	require.NoError(t, client.CloseConnection(server.GetInternalID(), false))
	h.step(tick)
	assert.Empty(t, client.Snapshot())
}

func TestConnectionLost(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6110, 4)
	client := h.peer(6111, 0)
	h.connect(client, server)
	h.pump(20)
	receiveAll(client)
	serverAddr := server.GetInternalID()

	server.Disconnect(0)
	client.SetRemoteStaticData(serverAddr, []byte("meta"))
	h.step(tick)
	meta, ok := client.GetRemoteStaticData(serverAddr)
	require.True(t, ok)
	require.Equal(t, "meta", string(meta))

	require.NoError(t, client.Send([]byte{byte(protocol.UserPacketEnum)}, reliability.PriorityHigh, reliability.Reliable, 0, serverAddr, false))
	for i := 0; i < 12; i++ {
		h.step(time.Second)
	}

	pkts := receiveAll(client)
	lost, ok := find(pkts, protocol.IDConnectionLost)
	require.True(t, ok, "got %v", ids(pkts))
	assert.Equal(t, serverAddr, lost.Address)
	assert.Equal(t, "meta", string(lost.Data[1:]))
	assert.Empty(t, client.Snapshot())
}

func TestStaticDataExchange(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6120, 4, func(p *Peer) {
		p.SetRemoteStaticData(protocol.UnassignedAddress, []byte("server-meta"))
	})
	client := h.peer(6121, 0)
	client.SetRemoteStaticData(client.GetInternalID(), []byte("client-meta"))
	h.connect(client, server)
	h.pump(10)

	got, ok := client.GetRemoteStaticData(server.GetInternalID())
	require.True(t, ok)
	assert.Equal(t, "server-meta", string(got))

	got, ok = server.GetRemoteStaticData(client.GetInternalID())
	require.True(t, ok)
	assert.Equal(t, "client-meta", string(got))

	local, ok := server.GetRemoteStaticData(server.GetInternalID())
	require.True(t, ok)
	assert.Equal(t, "server-meta", string(local))
}

func TestOfflinePing(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6130, 4)
	require.NoError(t, server.SetOfflinePingResponse([]byte("lobby:3/8")))
	client := h.peer(6131, 0)

	require.NoError(t, client.Ping("127.0.0.1", server.GetInternalID().Port, false))
	h.pump(30)

	pkts := receiveAll(client)
	pong, ok := find(pkts, protocol.IDPong)
	require.True(t, ok, "got %v", ids(pkts))
	assert.Equal(t, -1, pong.Index)
	var msg protocol.Pong
	require.NoError(t, msg.Decode(pong.Data))
	assert.Equal(t, "lobby:3/8", string(msg.Data))

	assert.Empty(t, client.Snapshot())
	assert.Empty(t, server.Snapshot())
}

func TestOfflinePingOpenConnectionsOnly(t *testing.T) {
	h := newHarness(t)
	full := h.peer(6140, 0)
	client := h.peer(6141, 0)

	require.NoError(t, client.Ping("127.0.0.1", full.GetInternalID().Port, true))
	h.pump(30)
	_, ok := find(receiveAll(client), protocol.IDPong)
	assert.False(t, ok)
}

func TestRawPing(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6150, 4)
	raw, err := h.net.Bind(0, "127.0.0.9")
	require.NoError(t, err)

	require.NoError(t, raw.SendTo([]byte{byte(protocol.IDUnconnectedPing)}, server.GetInternalID()))
	h.step(tick)

	dg, ok := raw.RecvFrom()
	require.True(t, ok)
	assert.Equal(t, []byte{byte(protocol.IDPong)}, dg.Data)
	assert.Empty(t, server.Snapshot())

	// A bare pong is reported with a zero time.
	require.NoError(t, raw.SendTo([]byte{byte(protocol.IDPong)}, server.GetInternalID()))
	h.step(tick)
	pkts := receiveAll(server)
	require.Len(t, pkts, 1)
	assert.Equal(t, []byte{byte(protocol.IDPong), 0, 0, 0, 0}, pkts[0].Data)
}

func TestBroadcastPingSentFromUpdateCycle(t *testing.T) {
	tests := []struct {
		name     string
		openOnly bool
		want     protocol.MessageID
	}{
		{"any", false, protocol.IDUnconnectedPing},
		{"open connections only", true, protocol.IDUnconnectedPingOpenConnections},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			client := h.peer(uint16(6155+i*2), 0)
			listener, err := h.net.Bind(uint16(6156+i*2), "255.255.255.255")
			require.NoError(t, err)

			require.NoError(t, client.Ping("255.255.255.255", listener.LocalAddr().Port, tt.openOnly))
			_, ok := listener.RecvFrom()
			assert.False(t, ok, "ping sent outside the update cycle")

			h.step(tick)
			dg, ok := listener.RecvFrom()
			require.True(t, ok)
			assert.Equal(t, []byte{byte(tt.want)}, dg.Data)
			assert.Equal(t, client.GetInternalID(), dg.From)

			for j := 0; j < 5; j++ {
				h.step(time.Second)
			}
			_, ok = listener.RecvFrom()
			assert.False(t, ok, "broadcast ping was retried")
			assert.Empty(t, client.Snapshot())
		})
	}
}

func TestAdvertiseSystem(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6160, 4)
	client := h.peer(6161, 0)

	require.NoError(t, client.AdvertiseSystem("127.0.0.1", server.GetInternalID().Port, []byte("here")))
	h.pump(30)

	pkts := receiveAll(server)
	adv, ok := find(pkts, protocol.IDAdvertiseSystem)
	require.True(t, ok, "got %v", ids(pkts))
	assert.Equal(t, "here", string(adv.Data[1:]))
	assert.Equal(t, client.GetInternalID(), adv.Address)
	assert.Empty(t, client.Snapshot())
}

func TestConnectToSelf(t *testing.T) {
	h := newHarness(t)
	p := h.peer(6170, 2)

	require.NoError(t, p.Connect("127.0.0.1", p.GetInternalID().Port, nil))
	h.pump(5)

	pkts := receiveAll(p)
	incoming, ok := find(pkts, protocol.IDNewIncomingConnection)
	require.True(t, ok, "got %v", ids(pkts))
	assert.Equal(t, p.GetInternalID(), incoming.Address)
	assert.True(t, p.IsConnected(p.GetInternalID()))
}

func TestConnectToSelfWithoutRoom(t *testing.T) {
	h := newHarness(t)
	p := h.peer(6180, 0)

	require.NoError(t, p.Connect("127.0.0.1", p.GetInternalID().Port, nil))
	pkts := receiveAll(p)
	require.Len(t, pkts, 1)
	assert.Equal(t, protocol.IDNoFreeIncomingConnections, pkts[0].ID())
}

func TestDisconnectReleasesPackets(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6190, 4)
	client := h.peer(6191, 0)
	h.connect(client, server)
	h.pump(10)

	held := server.Receive()
	require.NotNil(t, held)
	server.PushBackPacket(held)
	assert.Positive(t, server.OutstandingPackets())

	server.Disconnect(0)
	assert.False(t, server.IsActive())
	assert.Zero(t, server.OutstandingPackets())
	assert.Nil(t, server.Receive())
	assert.Equal(t, protocol.UnassignedAddress, server.GetInternalID())
}

func TestPushBackPacket(t *testing.T) {
	h := newHarness(t)
	p := h.peer(6200, 0)

	first := p.pool.NewPacket(p.GetInternalID(), -1, []byte{byte(protocol.UserPacketEnum), 1})
	second := p.pool.NewPacket(p.GetInternalID(), -1, []byte{byte(protocol.UserPacketEnum), 2})
	p.inbound.push(first)
	p.PushBackPacket(second)

	got := p.Receive()
	require.NotNil(t, got)
	assert.Equal(t, byte(2), got.Data[1])
	p.DeallocatePacket(got)
}

func TestFloodBan(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6210, 4)
	raw, err := h.net.Bind(0, "127.0.0.2")
	require.NoError(t, err)

	require.NoError(t, raw.SendTo(make([]byte, protocol.FloodThreshold+1), server.GetInternalID()))
	h.step(tick)
	assert.True(t, server.IsBanned("127.0.0.2"))

	require.NoError(t, raw.SendTo([]byte{byte(protocol.IDOpenConnectionRequest)}, server.GetInternalID()))
	h.step(tick)
	_, ok := raw.RecvFrom()
	assert.False(t, ok, "banned source got a reply")

	h.step(11 * time.Second)
	assert.False(t, server.IsBanned("127.0.0.2"))
}

func TestOpenRequestRateLimit(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6220, 4)
	serverAddr := server.GetInternalID()

	var socks []transport.Socket
	for i := 0; i < server.cfg.OpenRequestBurst+1; i++ {
		s, err := h.net.Bind(0, "127.0.0.3")
		require.NoError(t, err)
		socks = append(socks, s)
	}
	for _, s := range socks {
		require.NoError(t, s.SendTo([]byte{byte(protocol.IDOpenConnectionRequest)}, serverAddr))
	}
	h.step(tick)

	assert.True(t, server.IsBanned("127.0.0.3"))
}

func TestUnverifiedSenderBanned(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6230, 4)
	serverAddr := server.GetInternalID()
	raw, err := h.net.Bind(0, "127.0.0.4")
	require.NoError(t, err)

	require.NoError(t, raw.SendTo([]byte{byte(protocol.IDOpenConnectionRequest)}, serverAddr))
	h.step(tick)
	dg, ok := raw.RecvFrom()
	require.True(t, ok)
	require.Equal(t, []byte{byte(protocol.IDOpenConnectionReply)}, dg.Data)
	require.Len(t, server.Snapshot(), 1)

	// Application data before the handshake.
	engine := reliability.NewEngine()
	require.True(t, engine.Send([]byte{byte(protocol.UserPacketEnum), 9}, reliability.PriorityHigh, reliability.Reliable, 0, h.now))
	engine.Update(raw, serverAddr, protocol.DefaultMTU, h.now)
	h.step(tick)

	assert.True(t, server.IsBanned("127.0.0.4"))
	assert.Empty(t, server.Snapshot())
	assert.Empty(t, receiveAll(server))
}

func TestModifiedPacket(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6240, 4)
	client := h.peer(6241, 0)
	h.connect(client, server)
	receiveAll(server)

	require.NoError(t, client.sock.SendTo([]byte{0xFF, 0xFF, 0xFF}, server.GetInternalID()))
	h.step(tick)

	pkts := receiveAll(server)
	_, ok := find(pkts, protocol.IDModifiedPacket)
	assert.True(t, ok, "got %v", ids(pkts))
}

type recordingHandler struct {
	absorb      protocol.MessageID
	attached    int
	updates     int
	disconnects int
	seen        []protocol.MessageID
}

func (r *recordingHandler) OnAttach(*Peer)     { r.attached++ }
func (r *recordingHandler) OnUpdate(*Peer)     { r.updates++ }
func (r *recordingHandler) OnDisconnect(*Peer) { r.disconnects++ }

func (r *recordingHandler) OnReceive(_ *Peer, pkt *packetpool.Packet) Verdict {
	r.seen = append(r.seen, pkt.ID())
	if pkt.ID() == r.absorb {
		return Absorb
	}
	return Propagate
}

func TestMessageHandlers(t *testing.T) {
	h := newHarness(t)
	server := h.peer(6250, 4)
	client := h.peer(6251, 0)
	h.connect(client, server)
	h.pump(10)
	receiveAll(server)

	first := &recordingHandler{absorb: protocol.UserPacketEnum + 1}
	second := &recordingHandler{absorb: 0xFE}
	server.AttachMessageHandler(first)
	server.AttachMessageHandler(second)
	server.AttachMessageHandler(first)
	assert.Equal(t, 1, first.attached)

	serverAddr := server.GetInternalID()
	for _, id := range []protocol.MessageID{protocol.UserPacketEnum + 1, protocol.UserPacketEnum + 2} {
		require.NoError(t, client.Send([]byte{byte(id)}, reliability.PriorityHigh, reliability.ReliableOrdered, 0, serverAddr, false))
	}
	h.pump(5)

	pkts := receiveAll(server)
	assert.Equal(t, []protocol.MessageID{protocol.UserPacketEnum + 2}, ids(pkts))
	assert.Equal(t, []protocol.MessageID{protocol.UserPacketEnum + 1, protocol.UserPacketEnum + 2}, first.seen)
	assert.Equal(t, []protocol.MessageID{protocol.UserPacketEnum + 2}, second.seen)
	assert.Positive(t, first.updates)
	assert.Zero(t, server.OutstandingPackets())

	server.DetachMessageHandler(second)
	server.Disconnect(0)
	assert.Equal(t, 1, first.disconnects)
	assert.Zero(t, second.disconnects)
}

func TestSettings(t *testing.T) {
	h := newHarness(t)
	p := New(nil)
	assert.Equal(t, protocol.DefaultMTU, p.GetMTUSize())
	require.NoError(t, p.SetMTUSize(100))
	assert.Equal(t, protocol.MinimumMTU, p.GetMTUSize())
	require.NoError(t, p.SetMTUSize(100000))
	assert.Equal(t, protocol.MaximumMTU, p.GetMTUSize())

	active := h.peer(6260, 100)
	assert.Equal(t, 8, active.GetMaximumIncomingConnections())
	active.SetMaximumIncomingConnections(3)
	assert.Equal(t, 3, active.GetMaximumIncomingConnections())
	assert.Equal(t, 8, active.GetMaximumNumberOfPeers())

	active.AddToBan("10.0.*", 0)
	assert.True(t, active.IsBanned("10.0.3.4"))
	assert.Len(t, active.BanList(), 1)
	active.RemoveFromBan("10.0.*")
	assert.False(t, active.IsBanned("10.0.3.4"))
	active.AddToBan("10.1.1.1", time.Minute)
	active.ClearBanList()
	assert.Empty(t, active.BanList())
}

func TestRunsOnNetworkGoroutine(t *testing.T) {
	network := transport.NewMemoryNetwork()
	newPeer := func() *Peer {
		cfg := DefaultConfig()
		cfg.Binder = network
		cfg.MaxIncoming = 2
		return New(cfg)
	}

	server, client := newPeer(), newPeer()
	require.NoError(t, server.Initialize(2, 6270, ""))
	require.NoError(t, client.Initialize(2, 6271, ""))
	defer server.Disconnect(0)

	require.NoError(t, client.Connect("127.0.0.1", 6270, nil))
	require.Eventually(t, func() bool {
		return server.IsConnected(client.GetInternalID())
	}, 5*time.Second, 10*time.Millisecond)

	client.Disconnect(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		for pkt := server.Receive(); pkt != nil; pkt = server.Receive() {
			id := pkt.ID()
			server.DeallocatePacket(pkt)
			if id == protocol.IDDisconnectionNotification {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}
