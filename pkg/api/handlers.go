package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZentaChain/zentalk-rudp/pkg/banlist"
	"github.com/ZentaChain/zentalk-rudp/pkg/network"
	"github.com/ZentaChain/zentalk-rudp/pkg/protocol"
)

// StatusResponse describes the local peer.
type StatusResponse struct {
	Active             bool                   `json:"active"`
	Address            protocol.SystemAddress `json:"address"`
	Connections        int                    `json:"connections"`
	MaxPeers           int                    `json:"max_peers"`
	MaxIncoming        int                    `json:"max_incoming"`
	Fingerprint        string                 `json:"fingerprint,omitempty"`
	CompressionRatio   float64                `json:"compression_ratio"`
	DecompressionRatio float64                `json:"decompression_ratio"`
	Uptime             string                 `json:"uptime"`
}

// PeersResponse lists the occupied remote-system slots.
type PeersResponse struct {
	Systems []network.SystemInfo `json:"systems"`
	Count   int                  `json:"count"`
}

// ConnectRequest asks the peer to connect or ping a remote system.
type ConnectRequest struct {
	Host     string `json:"host" binding:"required"`
	Port     uint16 `json:"port" binding:"required"`
	Password string `json:"password"`
}

// PingRequest sends an unconnected ping.
type PingRequest struct {
	Host            string `json:"host" binding:"required"`
	Port            uint16 `json:"port" binding:"required"`
	OpenConnections bool   `json:"open_connections_only"`
}

// BanRequest adds a ban. A zero or missing timeout is permanent.
type BanRequest struct {
	IP      string `json:"ip" binding:"required"`
	Timeout string `json:"timeout"`
}

// BanResponse lists the active bans.
type BanResponse struct {
	Bans  []banlist.Entry `json:"bans"`
	Count int             `json:"count"`
}

func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	state := "healthy"
	if !s.peer.IsActive() {
		status = http.StatusServiceUnavailable
		state = "inactive"
	}
	c.JSON(status, gin.H{
		"status": state,
		"time":   time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Active:             s.peer.IsActive(),
		Address:            s.peer.GetInternalID(),
		Connections:        s.peer.NumberOfConnections(),
		MaxPeers:           s.peer.GetMaximumNumberOfPeers(),
		MaxIncoming:        s.peer.GetMaximumIncomingConnections(),
		Fingerprint:        s.peer.PublicKeyFingerprint(),
		CompressionRatio:   s.peer.GetCompressionRatio(),
		DecompressionRatio: s.peer.GetDecompressionRatio(),
		Uptime:             time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePeers(c *gin.Context) {
	systems := s.peer.Snapshot()
	if systems == nil {
		systems = []network.SystemInfo{}
	}
	c.JSON(http.StatusOK, PeersResponse{Systems: systems, Count: len(systems)})
}

func (s *Server) handleConnect(c *gin.Context) {
	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request", err)
		return
	}

	var password []byte
	if req.Password != "" {
		password = []byte(req.Password)
	}
	if err := s.peer.Connect(req.Host, req.Port, password); err != nil {
		s.peerError(c, "connect failed", err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "connection attempt queued"})
}

func (s *Server) handlePing(c *gin.Context) {
	var req PingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request", err)
		return
	}
	if err := s.peer.Ping(req.Host, req.Port, req.OpenConnections); err != nil {
		s.peerError(c, "ping failed", err)
		return
	}
	c.JSON(http.StatusAccepted, SuccessResponse{Success: true, Message: "ping queued"})
}

func (s *Server) handleClose(c *gin.Context) {
	addr, err := protocol.ParseSystemAddress(c.Param("addr"))
	if err != nil {
		badRequest(c, "invalid address", err)
		return
	}
	if !s.connected(addr) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "unknown system", Message: addr.String()})
		return
	}
	notify := c.DefaultQuery("notify", "true") != "false"
	if err := s.peer.CloseConnection(addr, notify); err != nil {
		s.peerError(c, "close failed", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "connection closing"})
}

func (s *Server) handleBans(c *gin.Context) {
	bans := s.peer.BanList()
	if bans == nil {
		bans = []banlist.Entry{}
	}
	c.JSON(http.StatusOK, BanResponse{Bans: bans, Count: len(bans)})
}

func (s *Server) handleAddBan(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request", err)
		return
	}
	if len(req.IP) > banlist.MaxPatternLength {
		badRequest(c, "invalid ip", fmt.Errorf("ban pattern longer than %d characters", banlist.MaxPatternLength))
		return
	}

	var timeout time.Duration
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d < 0 {
			badRequest(c, "invalid timeout", err)
			return
		}
		timeout = d
	}

	s.peer.AddToBan(req.IP, timeout)

	entry := banlist.Entry{IP: req.IP}
	if timeout > 0 {
		entry.Expires = time.Now().Add(timeout)
	}
	if s.bans != nil {
		if err := s.bans.Save(entry); err != nil {
			s.log.Error().Err(err).Str("ip", req.IP).Msg("persist ban")
		}
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleRemoveBan(c *gin.Context) {
	ip := c.Param("ip")
	s.peer.RemoveFromBan(ip)
	if s.bans != nil {
		if err := s.bans.Delete(ip); err != nil {
			s.log.Error().Err(err).Str("ip", ip).Msg("delete persisted ban")
		}
	}
	c.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "ban removed"})
}

func (s *Server) connected(addr protocol.SystemAddress) bool {
	for _, sys := range s.peer.Snapshot() {
		if sys.Address == addr {
			return true
		}
	}
	return false
}

func badRequest(c *gin.Context, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Message = err.Error()
	}
	c.JSON(http.StatusBadRequest, resp)
}

func (s *Server) peerError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, network.ErrNotActive):
		status = http.StatusServiceUnavailable
	case errors.Is(err, network.ErrAlreadyConnected):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrUnresolvedHost):
		status = http.StatusBadRequest
	}
	c.JSON(status, ErrorResponse{Error: msg, Message: err.Error()})
}
