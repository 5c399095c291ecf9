package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

func TestMemoryNetworkDelivery(t *testing.T) {
	network := NewMemoryNetwork()

	a, err := network.Bind(1000, "10.0.0.1")
	require.NoError(t, err)
	b, err := network.Bind(2000, "10.0.0.5")
	require.NoError(t, err)

	_, ok := b.RecvFrom()
	assert.False(t, ok, "RecvFrom must not block on an empty queue")

	require.NoError(t, a.SendTo([]byte("hello"), b.LocalAddr()))

	dg, ok := b.RecvFrom()
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), dg.Data)
	assert.Equal(t, a.LocalAddr(), dg.From)
}

func TestMemoryNetworkBindConflictsAndEphemeral(t *testing.T) {
	network := NewMemoryNetwork()

	_, err := network.Bind(1000, "")
	require.NoError(t, err)
	_, err = network.Bind(1000, "127.0.0.1")
	assert.ErrorIs(t, err, ErrAddressInUse)

	s1, err := network.Bind(0, "")
	require.NoError(t, err)
	s2, err := network.Bind(0, "")
	require.NoError(t, err)
	assert.NotEqual(t, s1.LocalAddr(), s2.LocalAddr())
}

func TestMemoryNetworkDropFunc(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Bind(1, "")
	b, _ := network.Bind(2, "")

	network.SetDropFunc(func(from, to protocol.SystemAddress, data []byte) bool {
		return len(data) > 3
	})

	require.NoError(t, a.SendTo([]byte("long payload"), b.LocalAddr()))
	require.NoError(t, a.SendTo([]byte("ok"), b.LocalAddr()))

	dg, ok := b.RecvFrom()
	require.True(t, ok)
	assert.Equal(t, []byte("ok"), dg.Data)
	_, ok = b.RecvFrom()
	assert.False(t, ok)
}

func TestMemorySocketClose(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Bind(1, "")
	b, _ := network.Bind(2, "")

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), ErrSocketClosed)
	assert.ErrorIs(t, b.SendTo([]byte("x"), a.LocalAddr()), ErrSocketClosed)

	// Sending to a closed socket is silently lost, like UDP.
	assert.NoError(t, a.SendTo([]byte("x"), b.LocalAddr()))

	// The address can be reused.
	_, err := network.Bind(2, "")
	assert.NoError(t, err)
}

func TestUDPSocketLoopback(t *testing.T) {
	binder := UDPBinder{}

	a, err := binder.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	defer a.Close()
	b, err := binder.Bind(0, "127.0.0.1")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SendTo([]byte("ping"), b.LocalAddr()))

	var dg Datagram
	require.Eventually(t, func() bool {
		var ok bool
		dg, ok = b.RecvFrom()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []byte("ping"), dg.Data)
	assert.Equal(t, a.LocalAddr(), dg.From)

	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.SendTo([]byte("x"), b.LocalAddr()), ErrSocketClosed)
}
