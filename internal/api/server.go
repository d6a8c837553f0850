// Package api exposes the thin HTTP surface over the session controller.
package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/sigema/trackd/internal/trip"
)

// Server is the HTTP API server.
type Server struct {
	addr       string
	controller *trip.Controller
	engine     *gin.Engine
	server     *http.Server
	logger     zerolog.Logger
}

// NewServer creates the API server and registers its routes.
func NewServer(addr string, controller *trip.Controller, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		addr:       addr,
		controller: controller,
		engine:     gin.New(),
		logger:     logger.With().Str("component", "api").Logger(),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(s.requestLogger())

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	positions := s.engine.Group("/api/positions")
	{
		positions.POST("/:equipmentID/start", s.requireBearer(), s.handleStartWork)
		positions.POST("/:equipmentID/finish", s.requireBearer(), s.handleFinalizeWork)
		positions.DELETE("/:equipmentID/work", s.handleAbortWork)
		positions.GET("/:equipmentID/inuse", s.handleIsInUse)
		positions.PUT("/:equipmentID/inuse", s.handleSetInUse)
		positions.GET("/:equipmentID/samples", s.handleQuerySamples)
		positions.GET("/:equipmentID/report", s.handleQueryReport)
	}

	return s
}

// Start begins serving in the background on the configured address. A
// non-nil listener (e.g. from systemd socket activation) takes
// precedence over the address.
func (s *Server) Start(listener net.Listener) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}

	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", s.addr)
		if err != nil {
			return err
		}
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop shuts the API server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("Request handled")
	}
}

// requireBearer extracts the Authorization bearer token for forwarding to
// the Sigema backend.
func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") || len(header) <= len("Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token in Authorization header",
			})
			return
		}
		c.Set(contextKeyToken, strings.TrimPrefix(header, "Bearer "))
		c.Next()
	}
}

const contextKeyToken = "bearer_token"

func tokenFrom(c *gin.Context) string {
	token, _ := c.Get(contextKeyToken)
	value, _ := token.(string)
	return value
}
