// Package api serves the admin HTTP interface of a peer.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ZentaChain/zentalk-rudp/pkg/banlist"
	"github.com/ZentaChain/zentalk-rudp/pkg/network"
	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

// Peer is the part of network.Peer the API drives.
type Peer interface {
	IsActive() bool
	GetInternalID() protocol.SystemAddress
	GetMaximumNumberOfPeers() int
	GetMaximumIncomingConnections() int
	NumberOfConnections() int
	PublicKeyFingerprint() string
	GetCompressionRatio() float64
	GetDecompressionRatio() float64
	Snapshot() []network.SystemInfo

	Connect(host string, port uint16, password []byte) error
	CloseConnection(target protocol.SystemAddress, notify bool) error
	Ping(host string, port uint16, onlyReplyOnAcceptingConnections bool) error

	BanList() []banlist.Entry
	AddToBan(ip string, timeout time.Duration)
	RemoveFromBan(ip string)
}

var _ Peer = (*network.Peer)(nil)

// BanStore persists ban changes made through the API.
type BanStore interface {
	Save(e banlist.Entry) error
	Delete(ip string) error
}

// Server is the admin HTTP server.
type Server struct {
	peer       Peer
	bans       BanStore
	log        zerolog.Logger
	router     *gin.Engine
	listen     string
	httpServer *http.Server
	started    time.Time
}

// Config holds server configuration
type Config struct {
	Listen       string
	EnableCORS   bool
	RateLimit    float64 // requests per second per client
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger   zerolog.Logger
	Gatherer prometheus.Gatherer
	// Bans, when set, receives every ban added or removed through the API.
	Bans BanStore
}

// DefaultConfig returns default server configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:8090",
		RateLimit:    20,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Logger:       zerolog.Nop(),
	}
}

// NewServer creates the server and its routes.
func NewServer(peer Peer, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		peer:    peer,
		bans:    config.Bans,
		log:     config.Logger.With().Str("component", "api").Logger(),
		router:  router,
		listen:  config.Listen,
		started: time.Now(),
	}
	s.httpServer = &http.Server{
		Addr:         config.Listen,
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.setupMiddleware(config)
	s.setupRoutes(config.Gatherer)
	return s
}

func (s *Server) setupMiddleware(config *Config) {
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(config.RateLimit))
	}
	s.router.Use(LoggingMiddleware(s.log))
	s.router.Use(gin.Recovery())
}

func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)

		peers := v1.Group("/peers")
		{
			peers.GET("", s.handlePeers)
			peers.POST("/connect", s.handleConnect)
			peers.POST("/ping", s.handlePing)
			peers.DELETE("/:addr", s.handleClose)
		}

		bans := v1.Group("/bans")
		{
			bans.GET("", s.handleBans)
			bans.POST("", s.handleAddBan)
			bans.DELETE("/:ip", s.handleRemoveBan)
		}
	}

	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	s.router.GET("/health", s.handleHealth)
}

// Handler exposes the router, e.g. for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.listen).Msg("admin api listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
