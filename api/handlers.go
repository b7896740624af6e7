package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sheetai/gridsync/internal/config"
	"github.com/sheetai/gridsync/internal/slogging"
)

// Error is the JSON error body returned by HTTP endpoints.
type Error struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay sits behind the app origin; restrict in production.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server wires the relay hub into HTTP routes.
type Server struct {
	hub *RelayHub
	cfg config.RelayConfig
}

// NewServer creates the HTTP surface over a hub.
func NewServer(hub *RelayHub, cfg config.RelayConfig) *Server {
	return &Server{hub: hub, cfg: cfg}
}

// RegisterRoutes attaches the relay endpoints to a gin router.
func (s *Server) RegisterRoutes(r *gin.Engine, gatherer prometheus.Gatherer) {
	r.GET("/ws", s.HandleWS)
	r.GET("/health", s.HandleHealth)
	r.GET("/api/sheets/:id/stats", s.HandleSheetStats)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// HandleWS admits a participant connection. The sheet identifier is
// mandatory; a connection without one is closed immediately. Identity
// defaults keep anonymous sheets usable: a missing userId gets a fresh
// UUID and a missing userName becomes "Anonymous".
func (s *Server) HandleWS(c *gin.Context) {
	sheetID := c.Query("sheetId")
	userID := c.Query("userId")
	userName := c.Query("userName")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slogging.Get().Warn("websocket upgrade failed", "error", err)
		return
	}

	if sheetID == "" {
		slogging.Get().Warn("connection refused: missing sheetId", "remote", c.Request.RemoteAddr)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "sheetId required"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	if userID == "" {
		userID = uuid.New().String()
	}
	if userName == "" {
		userName = "Anonymous"
	}

	session := s.hub.GetOrCreateSession(sheetID)
	client := newConn(session, conn, userID, userName, s.cfg.SendBufferSize)

	select {
	case session.Register <- client:
	case <-session.Done():
		// Lost the race with the idle sweeper; the next attempt gets a
		// fresh session.
		_ = conn.Close()
		return
	}

	go client.readPump(s.cfg.MaxMessageBytes)
	go client.writePump()
}

// HandleHealth reports liveness. The relay has no external dependencies,
// so alive means healthy.
func (s *Server) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"sessions":  s.hub.SessionCount(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleSheetStats returns an introspection snapshot for one sheet.
func (s *Server) HandleSheetStats(c *gin.Context) {
	sheetID := c.Param("id")
	session := s.hub.GetSession(sheetID)
	if session == nil {
		c.JSON(http.StatusNotFound, Error{
			Error:   "not_found",
			Message: "no live session for sheet",
		})
		return
	}
	c.JSON(http.StatusOK, session.Stats())
}
