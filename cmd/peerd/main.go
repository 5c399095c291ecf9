package main

import (
	"context"
	"crypto/rsa"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-rudp/pkg/api"
	"github.com/ZentaChain/zentalk-rudp/pkg/config"
	"github.com/ZentaChain/zentalk-rudp/pkg/crypto"
	"github.com/ZentaChain/zentalk-rudp/pkg/logging"
	"github.com/ZentaChain/zentalk-rudp/pkg/network"
	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
	"github.com/ZentaChain/zentalk-rudp/pkg/storage"
)

const (
	receiveInterval   = 10 * time.Millisecond
	heartbeatInterval = time.Minute
	shutdownBlock     = 500 * time.Millisecond
)

var (
	configPath  = flag.String("config", "", "Path to the TOML configuration file")
	port        = flag.Int("port", -1, "UDP port to listen on (overrides peer.port)")
	generateKey = flag.Bool("genkey", false, "Generate a new private key at security.private_key_file")
)

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if *port >= 0 {
		if *port > 0xFFFF {
			fmt.Fprintf(os.Stderr, "port %d out of range\n", *port)
			os.Exit(1)
		}
		cfg.Peer.LocalPort = uint16(*port)
	}

	logger, closer, err := logging.New("peerd", cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error().Err(err).Msg("peerd stopped")
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	peerCfg := cfg.Peer
	peerCfg.Logger = logger
	peerCfg.Registerer = reg
	peer := network.New(&peerCfg)

	if cfg.Security.Enabled {
		priv, pinned, err := loadKeys(cfg.Security, *generateKey, logger)
		if err != nil {
			return err
		}
		if err := peer.InitializeSecurity(priv, pinned); err != nil {
			return err
		}
	}
	if cfg.Password != "" {
		peer.SetIncomingPassword([]byte(cfg.Password))
	}
	if cfg.OfflinePingResponse != "" {
		if err := peer.SetOfflinePingResponse([]byte(cfg.OfflinePingResponse)); err != nil {
			return err
		}
	}
	peer.SetOccasionalPing(cfg.OccasionalPing)

	var bans *storage.BanStore
	if cfg.Storage.BanDB != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.BanDB), 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		var err error
		bans, err = storage.OpenBanStore(cfg.Storage.BanDB, cfg.Storage.CleanupInterval, storage.WithLogger(logger))
		if err != nil {
			return err
		}
		defer bans.Close()

		entries, err := bans.Load()
		if err != nil {
			return err
		}
		peer.RestoreBans(entries)
		logger.Info().Int("count", len(entries)).Str("path", cfg.Storage.BanDB).Msg("bans restored")
	}

	if err := peer.Initialize(cfg.Peer.MaxPeers, cfg.Peer.LocalPort, cfg.Peer.BindAddr); err != nil {
		return err
	}
	defer func() {
		peer.Disconnect(shutdownBlock)
		if bans != nil {
			if err := bans.Replace(peer.BanList()); err != nil {
				logger.Error().Err(err).Msg("persist bans")
			}
		}
	}()

	logger.Info().
		Str("addr", peer.GetInternalID().String()).
		Int("max_peers", peer.GetMaximumNumberOfPeers()).
		Int("max_incoming", peer.GetMaximumIncomingConnections()).
		Str("fingerprint", peer.PublicKeyFingerprint()).
		Msg("peer started")

	for _, target := range cfg.Targets {
		if err := peer.Connect(target.Host, target.Port, []byte(cfg.Password)); err != nil {
			logger.Warn().Err(err).Str("target", target.String()).Msg("connect")
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiCfg := api.DefaultConfig()
		apiCfg.Listen = cfg.API.Listen
		apiCfg.Logger = logger
		apiCfg.Gatherer = reg
		if bans != nil {
			apiCfg.Bans = bans
		}
		server := api.NewServer(peer, apiCfg)
		go func() {
			err := server.Run(ctx)
			if err != nil {
				cancel()
			}
			errCh <- err
		}()
	}

	receiveLoop(ctx, peer, logger)

	if cfg.API.Enabled {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

// receiveLoop logs every packet the peer delivers until ctx is done.
func receiveLoop(ctx context.Context, peer *network.Peer, logger zerolog.Logger) {
	ticker := time.NewTicker(receiveInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			logger.Info().
				Int("connections", peer.NumberOfConnections()).
				Int("bans", len(peer.BanList())).
				Int64("outstanding_packets", peer.OutstandingPackets()).
				Msg("heartbeat")
		case <-ticker.C:
			for pkt := peer.Receive(); pkt != nil; pkt = peer.Receive() {
				id := pkt.ID()
				event := logger.Debug()
				if id < protocol.UserPacketEnum {
					event = logger.Info()
				}
				event.
					Stringer("msg_id", id).
					Str("addr", pkt.Address.String()).
					Int("index", pkt.Index).
					Int("bytes", len(pkt.Data)).
					Msg("packet")
				peer.DeallocatePacket(pkt)
			}
		}
	}
}

// loadKeys reads the configured keys, generating the private key when the
// file is missing or regeneration is forced.
func loadKeys(sc config.SecurityConfig, regenerate bool, logger zerolog.Logger) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	var pinned *rsa.PublicKey
	if sc.PinnedKeyFile != "" {
		pemData, err := crypto.LoadKeyFromFile(sc.PinnedKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load pinned key: %w", err)
		}
		if pinned, err = crypto.ImportPublicKeyPEM(pemData); err != nil {
			return nil, nil, fmt.Errorf("load pinned key: %w", err)
		}
	}

	if sc.PrivateKeyFile == "" {
		return nil, pinned, nil
	}

	if _, err := os.Stat(sc.PrivateKeyFile); err == nil && !regenerate {
		pemData, err := crypto.LoadKeyFromFile(sc.PrivateKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load private key: %w", err)
		}
		priv, err := crypto.ImportPrivateKeyPEM(pemData)
		if err != nil {
			return nil, nil, fmt.Errorf("load private key: %w", err)
		}
		logger.Info().Str("path", sc.PrivateKeyFile).Msg("private key loaded")
		return priv, pinned, nil
	}

	logger.Info().Msg("generating RSA key pair")
	priv, err := crypto.GenerateRSAKeyPair()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(sc.PrivateKeyFile), 0o700); err != nil {
		return nil, nil, err
	}

	privPEM, err := crypto.ExportPrivateKeyPEM(priv)
	if err != nil {
		return nil, nil, err
	}
	if err := crypto.SaveKeyToFile(sc.PrivateKeyFile, privPEM); err != nil {
		return nil, nil, err
	}
	pubPEM, err := crypto.ExportPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	if err := crypto.SaveKeyToFile(sc.PrivateKeyFile+".pub", pubPEM); err != nil {
		return nil, nil, err
	}
	logger.Info().Str("path", sc.PrivateKeyFile).Msg("new key pair saved")
	return priv, pinned, nil
}
