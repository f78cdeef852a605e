package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// Server exposes the dashboard WebSocket endpoint and a health probe.
type Server struct {
	manager *ConnectionManager
	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer wires the routes onto a fresh gin engine.
func NewServer(manager *ConnectionManager) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		manager: manager,
		engine:  engine,
	}
	engine.GET("/healthz", s.health)
	engine.GET("/ws", s.ws)
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on the given port and blocks until Shutdown.
func (s *Server) Start(port int) error {
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.manager.ActiveConnections(),
	})
}

// ws upgrades the connection and hands it to the ConnectionManager, which
// blocks until the client disconnects.
func (s *Server) ws(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Local tool: the dashboard is served off localhost, so any
		// origin may connect.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	s.manager.HandleConnection(c.Request.Context(), conn)
}
