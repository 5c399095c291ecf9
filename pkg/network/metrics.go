package network

import (
	"github.com/prometheus/client_golang/prometheus"
)

var trackedModes = []ConnectMode{
	ModeDisconnectASAP,
	ModeRequestedConnection,
	ModeHandlingConnectionRequest,
	ModeUnverifiedSender,
	ModeSetEncryptionPending,
	ModeConnected,
}

type peerMetrics struct {
	connections      *prometheus.GaugeVec
	handshakes       *prometheus.CounterVec
	bans             prometheus.Counter
	modifiedPackets  prometheus.Counter
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	compressionRatio prometheus.Gauge
}

// newPeerMetrics builds the collectors of one peer and registers them on reg.
// A nil reg keeps the collectors private.
func newPeerMetrics(reg prometheus.Registerer) *peerMetrics {
	m := &peerMetrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rudp_peer_remote_systems",
			Help: "Assigned remote systems by connection mode.",
		}, []string{"mode"}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rudp_peer_handshakes_total",
			Help: "Total handshake outcomes.",
		}, []string{"result"}),
		bans: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_peer_bans_total",
			Help: "Addresses banned by the flood and protocol checks.",
		}),
		modifiedPackets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_peer_modified_packets_total",
			Help: "Datagrams from connected systems that failed to decrypt or parse.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_peer_payload_bytes_sent_total",
			Help: "Message bytes handed to the reliability layer.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rudp_peer_datagram_bytes_received_total",
			Help: "Datagram bytes read from the socket.",
		}),
		compressionRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rudp_peer_compression_ratio",
			Help: "Compressed to raw size of outgoing messages.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.handshakes, m.bans, m.modifiedPackets,
			m.bytesSent, m.bytesReceived, m.compressionRatio)
	}
	return m
}

func (m *peerMetrics) handshake(result string) {
	m.handshakes.WithLabelValues(result).Inc()
}

func (m *peerMetrics) observeModes(counts map[ConnectMode]int) {
	for _, mode := range trackedModes {
		m.connections.WithLabelValues(mode.String()).Set(float64(counts[mode]))
	}
}
