package rest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/KevinKickass/MachineTending/internal/api/websocket"
	"github.com/KevinKickass/MachineTending/internal/auth"
	"github.com/KevinKickass/MachineTending/internal/config"
	"github.com/KevinKickass/MachineTending/internal/interfaces"
	"github.com/KevinKickass/MachineTending/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	metrics     *telemetry.Metrics
}

func NewServer(
	cfg config.ServerConfig,
	lm interfaces.LifecycleManager,
	logger *zap.Logger,
	wsHub *websocket.Hub,
	authService *auth.AuthService,
	metrics *telemetry.Metrics,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:      gin.New(),
		lm:          lm,
		logger:      logger,
		wsHub:       wsHub,
		authService: authService,
		metrics:     metrics,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.StatusAPIAddress,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener synchronously so a taken port is reported to
// the caller, then serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("status api listen %s: %w", s.server.Addr, err)
	}

	s.logger.Info("Starting REST API server", zap.String("address", lis.Addr().String()))
	go func() {
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)
	if reg := s.metrics.Registry(); reg != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/auth/login", s.login)

		v1.GET("/system/status", s.getSystemStatus)

		machine := v1.Group("/machine")
		{
			machine.GET("/status", s.getMachineStatus)
			machine.POST("/command",
				s.authService.AuthMiddleware(),
				auth.RequirePermission(auth.PermOperator),
				s.executeMachineCommand)
		}

		// Auth via first message
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.wsStatus)
		}
	}
}

func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	code := http.StatusOK
	if !status.RobotLinkUp {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":        status.State,
		"robot_link_up": status.RobotLinkUp,
		"timestamp":     time.Now().Unix(),
	})
}
