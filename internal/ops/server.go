package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshguard/meshguard/internal/incident"
	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/pkg/config"
	"github.com/meshguard/meshguard/pkg/logging"
)

// NodeStatus is one node's row in the status report
type NodeStatus struct {
	Node    registry.ServiceNode        `json:"node"`
	Health  registry.HealthStatus       `json:"health"`
	Breaker registry.CircuitBreakerState `json:"breaker"`
}

// Status is the full orchestrator snapshot served on /status
type Status struct {
	Aggregate       incident.AggregateHealth `json:"aggregate"`
	Nodes           []NodeStatus             `json:"nodes"`
	ActiveIncidents []incident.Incident      `json:"active_incidents"`
	QueueDepths     map[string]int           `json:"queue_depths"`
	Timestamp       time.Time                `json:"timestamp"`
}

// Source exposes the orchestrator state the ops server reports on
type Source interface {
	Status() Status
	Ready() error
	UnblockService(serviceName string)
}

// Server is the operational HTTP surface: health and readiness probes,
// Prometheus metrics, the status snapshot, and the manual unblock endpoint.
type Server struct {
	cfg    config.OpsConfig
	source Source
	logger *logging.Logger
	http   *http.Server
}

// NewServer creates the ops server
func NewServer(cfg config.OpsConfig, source Source, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetLogger()
	}

	s := &Server{cfg: cfg, source: source, logger: logger}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/status", s.handleStatus)
	router.POST("/admin/services/:service/unblock", s.handleUnblock)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Ops server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "meshguard",
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.source == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	if err := s.source.Ready(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleStatus(c *gin.Context) {
	if s.source == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status source not configured"})
		return
	}
	c.JSON(http.StatusOK, s.source.Status())
}

func (s *Server) handleUnblock(c *gin.Context) {
	service := c.Param("service")
	if service == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "service name is required"})
		return
	}
	if s.source == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status source not configured"})
		return
	}

	s.source.UnblockService(service)
	s.logger.Info("Service unblocked via admin endpoint", "service", service)
	c.JSON(http.StatusOK, gin.H{"status": "unblocked", "service": service})
}
