// internal/handler/health_handler.go
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"device-command-service/internal/archive"
	"device-command-service/internal/config"
	"device-command-service/internal/processor"
	"device-command-service/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	processor *processor.Processor
	store     *archive.Store
	config    *config.Config
	started   time.Time
	logger    *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler. store may be nil when the
// archive is disabled.
func NewHealthHandler(p *processor.Processor, store *archive.Store, cfg *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		processor: p,
		store:     store,
		config:    cfg,
		started:   time.Now(),
		logger:    utils.NewServiceLogger(logger, "health-handler"),
	}
}

// HealthCheck handles GET /health
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	if h.processor.Running() {
		health.Checks["processor"] = CheckResult{Status: "healthy", Message: "Dispatch loop running"}
	} else {
		health.Status = "unhealthy"
		health.Checks["processor"] = CheckResult{Status: "unhealthy", Message: "Dispatch loop not running"}
	}

	stats := h.processor.Queue().Stats()
	health.Checks["queue"] = CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"depth":     stats.Total,
			"enqueued":  stats.Enqueued,
			"cancelled": stats.Cancelled,
			"expired":   stats.Expired,
		},
	}

	tx := h.processor.Transmitter()
	devices := tx.Devices()
	connected := 0
	for _, id := range devices {
		if tx.IsDeviceAvailable(id) {
			connected++
		}
	}
	deviceCheck := CheckResult{
		Status: "healthy",
		Data: map[string]interface{}{
			"registered": len(devices),
			"connected":  connected,
		},
	}
	// a disconnected device degrades the service but does not stop it
	if connected < len(devices) {
		deviceCheck.Status = "degraded"
		if health.Status == "healthy" {
			health.Status = "degraded"
		}
	}
	health.Checks["devices"] = deviceCheck

	if h.store != nil {
		if err := h.pingArchive(c.Request.Context()); err != nil {
			health.Status = "unhealthy"
			health.Checks["archive"] = CheckResult{Status: "unhealthy", Message: err.Error()}
		} else {
			health.Checks["archive"] = CheckResult{
				Status:  "healthy",
				Message: "Archive connection OK",
				Data:    map[string]interface{}{"driver": h.store.Driver()},
			}
		}
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// ReadinessCheck handles GET /ready
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if !h.processor.Running() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": "processor not running",
		})
		return
	}
	if h.store != nil {
		if err := h.pingArchive(c.Request.Context()); err != nil {
			h.logger.Warn("Archive not reachable", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"reason": "archive not available",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}

// LivenessCheck handles GET /live
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

func (h *HealthHandler) pingArchive(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return h.store.Ping(ctx)
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
