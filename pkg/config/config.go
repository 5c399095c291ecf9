// Package config loads the peer daemon configuration from a TOML file.
//
// Only keys present in the file override the defaults, so an empty file
// yields DefaultConfig.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ZentaChain/zentalk-rudp/pkg/logging"
	"github.com/ZentaChain/zentalk-rudp/pkg/network"
)

// Config is the daemon configuration.
type Config struct {
	Peer                network.Config
	Password            string
	OfflinePingResponse string
	OccasionalPing      bool
	Targets             []Target

	Security SecurityConfig
	Log      logging.Config
	API      APIConfig
	Storage  StorageConfig
}

type SecurityConfig struct {
	Enabled bool
	// PrivateKeyFile holds a PEM RSA key. A key is generated when empty.
	PrivateKeyFile string
	// PinnedKeyFile holds the PEM public key remote systems must present.
	PinnedKeyFile string
}

type APIConfig struct {
	Enabled bool
	Listen  string
}

type StorageConfig struct {
	// BanDB is the SQLite file bans are persisted to. Empty disables
	// persistence.
	BanDB           string
	CleanupInterval time.Duration
}

// DefaultConfig returns the configuration used for keys absent from the file.
func DefaultConfig() Config {
	return Config{
		Peer: *network.DefaultConfig(),
		Log:  logging.DefaultConfig(),
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8090",
		},
		Storage: StorageConfig{
			CleanupInterval: time.Hour,
		},
	}
}

type fileConfig struct {
	Peer struct {
		MaxPeers            int      `toml:"max_peers"`
		Port                int      `toml:"port"`
		Bind                string   `toml:"bind"`
		MaxIncoming         int      `toml:"max_incoming"`
		MTU                 int      `toml:"mtu"`
		UpdateInterval      string   `toml:"update_interval"`
		Timeout             string   `toml:"timeout"`
		KeepAlive           string   `toml:"keepalive_interval"`
		PingInterval        string   `toml:"ping_interval"`
		OccasionalPing      bool     `toml:"occasional_ping"`
		ConnectRetry        string   `toml:"connect_retry_interval"`
		ConnectAttempts     int      `toml:"connect_attempts"`
		FloodThreshold      int      `toml:"flood_threshold"`
		OpenRequestRate     float64  `toml:"open_request_rate"`
		OpenRequestBurst    int      `toml:"open_request_burst"`
		AllowIPMigration    bool     `toml:"allow_ip_migration"`
		Password            string   `toml:"password"`
		OfflinePingResponse string   `toml:"offline_ping_response"`
		Peers               []string `toml:"peers"`
	} `toml:"peer"`

	Security struct {
		Enabled        bool   `toml:"enabled"`
		PrivateKeyFile string `toml:"private_key_file"`
		PinnedKeyFile  string `toml:"pinned_key_file"`
	} `toml:"security"`

	Log struct {
		Level      string `toml:"level"`
		Format     string `toml:"format"`
		File       string `toml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
	} `toml:"log"`

	API struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"api"`

	Storage struct {
		BanDB           string `toml:"ban_db"`
		CleanupInterval string `toml:"cleanup_interval"`
	} `toml:"storage"`
}

// Load reads path on top of DefaultConfig.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return apply(DefaultConfig(), raw, meta)
}

// Parse is Load for an in-memory document.
func Parse(doc string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return apply(DefaultConfig(), raw, meta)
}

func apply(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown config key %q", undecoded[0].String())
	}

	p := &cfg.Peer
	if meta.IsDefined("peer", "max_peers") {
		p.MaxPeers = raw.Peer.MaxPeers
	}
	if meta.IsDefined("peer", "port") {
		if raw.Peer.Port < 0 || raw.Peer.Port > 0xFFFF {
			return Config{}, fmt.Errorf("peer.port %d out of range", raw.Peer.Port)
		}
		p.LocalPort = uint16(raw.Peer.Port)
	}
	if meta.IsDefined("peer", "bind") {
		p.BindAddr = strings.TrimSpace(raw.Peer.Bind)
	}
	if meta.IsDefined("peer", "max_incoming") {
		p.MaxIncoming = raw.Peer.MaxIncoming
	}
	if meta.IsDefined("peer", "mtu") {
		p.MTU = raw.Peer.MTU
	}
	if meta.IsDefined("peer", "connect_attempts") {
		p.ConnectAttempts = raw.Peer.ConnectAttempts
	}
	if meta.IsDefined("peer", "flood_threshold") {
		p.FloodThreshold = raw.Peer.FloodThreshold
	}
	if meta.IsDefined("peer", "open_request_rate") {
		p.OpenRequestRate = raw.Peer.OpenRequestRate
	}
	if meta.IsDefined("peer", "open_request_burst") {
		p.OpenRequestBurst = raw.Peer.OpenRequestBurst
	}
	if meta.IsDefined("peer", "allow_ip_migration") {
		p.AllowConnectionResponseIPMigration = raw.Peer.AllowIPMigration
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"update_interval", raw.Peer.UpdateInterval, &p.UpdateInterval},
		{"timeout", raw.Peer.Timeout, &p.Timeout},
		{"keepalive_interval", raw.Peer.KeepAlive, &p.KeepAliveInterval},
		{"ping_interval", raw.Peer.PingInterval, &p.PingInterval},
		{"connect_retry_interval", raw.Peer.ConnectRetry, &p.ConnectRetryInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("peer", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse peer.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("peer", "occasional_ping") {
		cfg.OccasionalPing = raw.Peer.OccasionalPing
	}
	if meta.IsDefined("peer", "password") {
		cfg.Password = raw.Peer.Password
	}
	if meta.IsDefined("peer", "offline_ping_response") {
		cfg.OfflinePingResponse = raw.Peer.OfflinePingResponse
	}
	if meta.IsDefined("peer", "peers") {
		cfg.Targets = cfg.Targets[:0]
		for _, s := range raw.Peer.Peers {
			target, err := ParseTarget(s)
			if err != nil {
				return Config{}, err
			}
			cfg.Targets = append(cfg.Targets, target)
		}
	}

	if meta.IsDefined("security", "enabled") {
		cfg.Security.Enabled = raw.Security.Enabled
	}
	if meta.IsDefined("security", "private_key_file") {
		cfg.Security.PrivateKeyFile = strings.TrimSpace(raw.Security.PrivateKeyFile)
	}
	if meta.IsDefined("security", "pinned_key_file") {
		cfg.Security.PinnedKeyFile = strings.TrimSpace(raw.Security.PinnedKeyFile)
	}

	if meta.IsDefined("log", "level") {
		cfg.Log.Level = raw.Log.Level
	}
	if meta.IsDefined("log", "format") {
		cfg.Log.Format = raw.Log.Format
	}
	if meta.IsDefined("log", "file") {
		cfg.Log.File = strings.TrimSpace(raw.Log.File)
	}
	if meta.IsDefined("log", "max_size_mb") {
		cfg.Log.MaxSizeMB = raw.Log.MaxSizeMB
	}
	if meta.IsDefined("log", "max_backups") {
		cfg.Log.MaxBackups = raw.Log.MaxBackups
	}
	if meta.IsDefined("log", "max_age_days") {
		cfg.Log.MaxAgeDays = raw.Log.MaxAgeDays
	}

	if meta.IsDefined("api", "enabled") {
		cfg.API.Enabled = raw.API.Enabled
	}
	if meta.IsDefined("api", "listen") {
		cfg.API.Listen = strings.TrimSpace(raw.API.Listen)
	}

	if meta.IsDefined("storage", "ban_db") {
		cfg.Storage.BanDB = strings.TrimSpace(raw.Storage.BanDB)
	}
	if meta.IsDefined("storage", "cleanup_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Storage.CleanupInterval))
		if err != nil {
			return Config{}, fmt.Errorf("parse storage.cleanup_interval: %w", err)
		}
		cfg.Storage.CleanupInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the peer cannot start with.
func (c Config) Validate() error {
	if c.Peer.MaxPeers <= 0 {
		return fmt.Errorf("peer.max_peers must be positive, got %d", c.Peer.MaxPeers)
	}
	if c.Peer.MaxIncoming < 0 || c.Peer.MaxIncoming > c.Peer.MaxPeers {
		return fmt.Errorf("peer.max_incoming must be within [0, %d], got %d", c.Peer.MaxPeers, c.Peer.MaxIncoming)
	}
	if c.Security.PinnedKeyFile != "" && !c.Security.Enabled {
		return fmt.Errorf("security.pinned_key_file requires security.enabled")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}
