// Package server exposes the REST and streaming surface of the
// orchestration core.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"missionctl/internal/automation"
	"missionctl/internal/config"
	"missionctl/internal/harness"
	"missionctl/internal/mission"
	"missionctl/internal/scheduler"
	"missionctl/internal/utils"
)

// Server wires the mission manager, scheduler, and automation engine behind
// an HTTP listener.
type Server struct {
	cfg      config.ServerConfig
	manager  *mission.Manager
	sched    *scheduler.Scheduler
	engine   *automation.Engine
	registry *harness.Registry
	logger   *utils.Logger

	ginEngine  *gin.Engine
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	startTime  time.Time
}

// New builds the server and its routes.
func New(cfg config.ServerConfig, manager *mission.Manager, sched *scheduler.Scheduler, engine *automation.Engine, registry *harness.Registry) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
		corsConfig.AllowWebSockets = true
		ginEngine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:      cfg,
		manager:  manager,
		sched:    sched,
		engine:   engine,
		registry: registry,
		logger:   utils.NewComponentLogger("Server"),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ginEngine: ginEngine,
		startTime: time.Now(),
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     ginEngine,
		ReadTimeout: 30 * time.Second,
		// No write timeout: the event streams are long-lived.
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.ginEngine.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/stats", s.handleStats)
		api.GET("/running", s.handleRunning)

		missions := api.Group("/missions")
		{
			missions.POST("", s.handleCreateMission)
			missions.GET("", s.handleListMissions)
			missions.GET("/:id", s.handleGetMission)
			missions.DELETE("/:id", s.handleDeleteMission)
			missions.POST("/:id/cancel", s.handleCancelMission)
			missions.POST("/:id/resume", s.handleResumeMission)
			missions.POST("/:id/status", s.handleSetStatus)
			missions.GET("/:id/events", s.handleMissionEvents)
			missions.GET("/:id/stream", s.handleMissionWebSocket)
			missions.POST("/:id/automations", s.handleCreateAutomation)
			missions.GET("/:id/automations", s.handleListAutomations)
		}

		control := api.Group("/control")
		{
			control.POST("/message", s.handleControlMessage)
			control.GET("/stream", s.handleControlStream)
		}

		automations := api.Group("/automations")
		{
			automations.PATCH("/:id", s.handleUpdateAutomation)
			automations.DELETE("/:id", s.handleDeleteAutomation)
			automations.GET("/:id/executions", s.handleListExecutions)
			automations.POST("/:id/fire", s.handleFireAutomation)
		}
	}

	s.ginEngine.POST("/webhooks/:mission_id/:webhook_id", s.handleWebhook)
	s.ginEngine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Serving on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.ginEngine
}
