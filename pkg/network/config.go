package network

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-rudp/pkg/packetpool"
	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/reliability"
	"github.com/ZentaChain/zentalk-rudp/pkg/transport"
)

// Config holds peer configuration
type Config struct {
	MaxPeers    int
	LocalPort   uint16
	BindAddr    string
	MaxIncoming int

	UpdateInterval       time.Duration // Network goroutine tick
	MTU                  int
	Timeout              time.Duration // Dead connection, grace window and ban duration
	KeepAliveInterval    time.Duration
	PingInterval         time.Duration
	ConnectRetryInterval time.Duration
	ConnectAttempts      int

	FloodThreshold   int     // Largest datagram accepted from an unknown address
	OpenRequestRate  float64 // Open-connection requests per second per IP
	OpenRequestBurst int

	PacketPoolCapacity int

	// AllowConnectionResponseIPMigration accepts an open-connection reply
	// from the requested IP on a different port and continues the
	// handshake with that port.
	AllowConnectionResponseIPMigration bool

	Logger     zerolog.Logger
	Registerer prometheus.Registerer // Optional; metrics are not exported when nil

	Binder              transport.Binder
	Clock               func() time.Time
	NewReliabilityLayer func() reliability.Layer
}

// DefaultConfig returns default peer configuration
func DefaultConfig() *Config {
	return &Config{
		MaxPeers:             32,
		BindAddr:             "0.0.0.0",
		UpdateInterval:       10 * time.Millisecond,
		MTU:                  protocol.DefaultMTU,
		Timeout:              reliability.DefaultTimeout,
		KeepAliveInterval:    5 * time.Second,
		PingInterval:         5 * time.Second,
		ConnectRetryInterval: time.Second,
		ConnectAttempts:      3,
		FloodThreshold:       protocol.FloodThreshold,
		OpenRequestRate:      20,
		OpenRequestBurst:     40,
		PacketPoolCapacity:   packetpool.DefaultCapacity,
		Logger:               zerolog.Nop(),
		Binder:               transport.UDPBinder{},
		Clock:                time.Now,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.UpdateInterval <= 0 {
		out.UpdateInterval = d.UpdateInterval
	}
	if out.MTU == 0 {
		out.MTU = d.MTU
	}
	if out.Timeout <= 0 {
		out.Timeout = d.Timeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = d.KeepAliveInterval
	}
	if out.PingInterval <= 0 {
		out.PingInterval = d.PingInterval
	}
	if out.ConnectRetryInterval <= 0 {
		out.ConnectRetryInterval = d.ConnectRetryInterval
	}
	if out.ConnectAttempts <= 0 {
		out.ConnectAttempts = d.ConnectAttempts
	}
	if out.FloodThreshold <= 0 {
		out.FloodThreshold = d.FloodThreshold
	}
	if out.OpenRequestRate <= 0 {
		out.OpenRequestRate = d.OpenRequestRate
	}
	if out.OpenRequestBurst <= 0 {
		out.OpenRequestBurst = d.OpenRequestBurst
	}
	if out.PacketPoolCapacity <= 0 {
		out.PacketPoolCapacity = d.PacketPoolCapacity
	}
	if out.Binder == nil {
		out.Binder = d.Binder
	}
	if out.Clock == nil {
		out.Clock = d.Clock
	}
	if out.NewReliabilityLayer == nil {
		timeout := out.Timeout
		out.NewReliabilityLayer = func() reliability.Layer {
			e := reliability.NewEngine()
			e.SetTimeout(timeout)
			return e
		}
	}
	return &out
}
