package api

import (
	"net/http"
	"troupe-main/src/internal/config"
	"troupe-main/src/internal/gateway"
	"troupe-main/src/internal/system"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleAdminHealth(c *gin.Context) {
	c.JSON(http.StatusOK, adminHealthResponse{
		Status:        "ok",
		Message:       "Admin API is operational",
		EventStreams:  s.streams.Load(),
		Conversations: len(s.Gateway.Machine.List()),
		Runtime:       system.Snapshot(),
	})
}

type adminHealthResponse struct {
	Status        string         `json:"status"`
	Message       string         `json:"message"`
	EventStreams  int64          `json:"event_streams"`
	Conversations int            `json:"conversations"`
	Runtime       system.Runtime `json:"runtime"`
}

func (s *Server) handleGetConfig(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.JSON(http.StatusOK, gw.CurrentConfig())
}

func (s *Server) handleUpdateConfig(c *gin.Context) {
	var cfg config.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	gw := c.MustGet("gateway").(*gateway.Gateway)
	// the admin password is never serialized
	if cfg.Server.AdminPass == "" {
		cfg.Server.AdminPass = gw.CurrentConfig().Server.AdminPass
	}

	if err := config.Save(&cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	gw.UpdateConfig(&cfg)
	c.JSON(http.StatusOK, gin.H{"status": "config updated"})
}

func (s *Server) handleChannelStatus(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.JSON(http.StatusOK, gw.ChannelStatus())
}

type enrollRequest struct {
	Account string `json:"account"`
}

// handleChannelEnroll links a new account. For WhatsApp the pairing QR code
// is printed to the server's terminal.
func (s *Server) handleChannelEnroll(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.ChannelEnroll(c.Request.Context(), c.Param("channel"), req.Account); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "enrollment started"})
}

func (s *Server) handleListAccounts(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.JSON(http.StatusOK, gw.Accounts(c.Request.Context()))
}

func (s *Server) handleAudit(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.JSON(http.StatusOK, gw.Scheduler.Audit())
}
