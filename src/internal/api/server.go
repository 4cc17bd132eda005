package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"troupe-main/src/internal/gateway"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Gateway *gateway.Gateway
	Engine  *gin.Engine

	streams atomic.Int64
}

func NewServer(gw *gateway.Gateway) *Server {
	e := gin.Default()
	s := &Server{
		Gateway: gw,
		Engine:  e,
	}
	s.Engine.Use(s.corsMiddleware())
	s.Engine.Use(s.injectMiddleware())
	s.Engine.Use(s.authMiddleware())
	s.setupRoutesRest()
	s.setupRoutesAdmin()
	if gw.Registry != nil {
		s.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gw.Registry, promhttp.HandlerOpts{})))
	}
	return s
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Server-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutesAdmin() {
	admin := s.Engine.Group("/api/admin/v1", s.adminMiddleware())
	{
		admin.GET("/health", s.handleAdminHealth)
		admin.GET("/config", s.handleGetConfig)
		admin.POST("/config", s.handleUpdateConfig)

		admin.GET("/channels", s.handleChannelStatus)
		admin.POST("/channels/:channel/enroll", s.handleChannelEnroll)
		admin.GET("/accounts", s.handleListAccounts)
		admin.GET("/audit", s.handleAudit)
	}
}

func (s *Server) setupRoutesRest() {
	v1 := s.Engine.Group("/api/v1")
	{
		v1.POST("/plans", s.handleLaunchPlan)
		v1.POST("/match", s.handleMatch)

		v1.GET("/scripts", s.handleListScripts)
		v1.GET("/scripts/:id", s.handleGetScript)
		v1.PUT("/scripts/:id", s.handlePutScript)
		v1.DELETE("/scripts/:id", s.handleDeleteScript)

		v1.GET("/conversations", s.handleListConversations)
		v1.GET("/conversations/:id", s.handleGetConversation)
		v1.GET("/conversations/:id/events", s.handleConversationEvents)
		v1.POST("/conversations/:id/cancel", s.handleCancelConversation)
		v1.POST("/conversations/:id/pause", s.handlePauseConversation)
		v1.POST("/conversations/:id/resume", s.handleResumeConversation)
		v1.POST("/conversations/:id/trigger", s.handleTriggerStage)
		v1.POST("/conversations/:id/messages", s.handlePostMessage)

		v1.GET("/sessions", s.handleListSessions)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.POST("/sessions/:id/stop", s.handleStopSession)

		v1.GET("/stats", s.handleStats)

		v1.GET("/campaigns", s.handleListCampaigns)
		v1.GET("/campaigns/:id", s.handleGetCampaign)
		v1.POST("/campaigns", s.handleCreateCampaign)
		v1.PUT("/campaigns/:id", s.handleUpdateCampaign)
		v1.DELETE("/campaigns/:id", s.handleDeleteCampaign)
		v1.POST("/campaigns/:id/run", s.handleRunCampaign)

		v1.GET("/ws", s.handleEventStream)
	}
}

func (s *Server) injectMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("gateway", s.Gateway)
		c.Next()
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Admin endpoints use basic auth instead
		if strings.HasPrefix(c.Request.URL.Path, "/api/admin/v1") || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		// Skip auth for OPTIONS requests (CORS preflight)
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		gw := c.MustGet("gateway").(*gateway.Gateway)
		key := gw.CurrentConfig().Server.Key
		if key == "" {
			c.Next()
			return
		}
		provided := c.GetHeader("X-Server-Key")

		isWebSocket := false
		if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
			conn := strings.ToLower(c.GetHeader("Connection"))
			if strings.Contains(conn, "upgrade") {
				isWebSocket = true
			}
		}

		// Browsers cannot set headers on a WebSocket handshake, so the key
		// may come as a query parameter or as "troupe-key, <key>" subprotocols.
		if isWebSocket {
			if protocol := c.GetHeader("Sec-WebSocket-Protocol"); protocol != "" {
				c.Set("troupe_ws_key", protocol)
			}

			if provided == "" {
				provided = c.Query("token")

				if provided == "" {
					protocol := c.GetHeader("Sec-WebSocket-Protocol")
					const label = "troupe-key"
					if strings.Contains(protocol, label) {
						parts := strings.Split(protocol, ",")
						for i, p := range parts {
							p = strings.TrimSpace(p)
							if p == label && i+1 < len(parts) {
								provided = strings.TrimSpace(parts[i+1])
								break
							}
						}
					}
				}
			}
		}

		if provided != key {
			slog.Warn("unauthorized request", "path", c.Request.URL.Path, "remote", c.ClientIP(), "provided", provided != "")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing server key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		gw := c.MustGet("gateway").(*gateway.Gateway)
		srv := gw.CurrentConfig().Server
		user, pass := srv.AdminUser, srv.AdminPass

		// If no admin credentials set, deny all admin access
		if user == "" || pass == "" {
			c.Header("WWW-Authenticate", `Basic realm="Admin Restricted"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		providedUser, providedPass, ok := c.Request.BasicAuth()
		if !ok || providedUser != user || providedPass != pass {
			c.Header("WWW-Authenticate", `Basic realm="Admin Restricted"`)
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		c.Next()
	}
}

// ListenAndServe serves until ctx is cancelled, then shuts the server and
// the gateway down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Engine,
		ReadHeaderTimeout: 60 * time.Second,
		ReadTimeout:       600 * time.Second,
		WriteTimeout:      600 * time.Second,
		IdleTimeout:       1200 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed && err != nil {
			slog.Error("server ListenAndServe error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")

	ctxShut, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShut); err != nil {
		slog.Error("server graceful shutdown error", "error", err)
	}

	if s.Gateway != nil {
		slog.Info("stopping engine...")
		if err := s.Gateway.Close(); err != nil {
			slog.Error("engine shutdown error", "error", err)
		}
	}

	slog.Info("server stopped")

	return nil
}
