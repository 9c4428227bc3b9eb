// internal/routes/routes.go
package routes

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"device-command-service/internal/archive"
	"device-command-service/internal/config"
	"device-command-service/internal/handler"
	"device-command-service/internal/metrics"
	"device-command-service/internal/middleware"
	"device-command-service/internal/processor"
	"device-command-service/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config    *config.Config
	logger    *zap.Logger
	processor *processor.Processor
	store     *archive.Store
	bus       *handler.EventBus
	metrics   *metrics.Collector

	websocket *handler.WebSocketHandler
}

// NewRouter creates a new router instance. store and collector may be nil
// when the archive or metrics are disabled.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	p *processor.Processor,
	store *archive.Store,
	bus *handler.EventBus,
	collector *metrics.Collector,
) *Router {
	return &Router{
		config:    config,
		logger:    logger,
		processor: p,
		store:     store,
		bus:       bus,
		metrics:   collector,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// Close disconnects WebSocket clients. The event bus must be closed first.
func (r *Router) Close() {
	if r.websocket != nil {
		r.websocket.Close()
	}
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured", zap.Bool("auth_enabled", r.config.Security.AuthEnabled))
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.processor, r.store, r.config, r.logger)
	commandHandler := handler.NewCommandHandler(r.processor, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.processor, r.logger)
	historyHandler := handler.NewHistoryHandler(r.processor.History(), r.store, r.logger)
	r.websocket = handler.NewWebSocketHandler(r.processor, r.bus, r.config.Security.AllowedOrigins, r.logger)

	// no auth on probes and metrics
	r.addHealthRoutes(router, healthHandler)
	if r.metrics != nil && r.config.Metrics.Enabled {
		router.GET(r.config.Metrics.Path, gin.WrapH(r.metrics.Handler()))
	}

	auth := middleware.AuthMiddleware(&r.config.Security, utils.NewSecurityLogger(r.logger))

	apiV1 := router.Group("/api/v1", auth)
	r.addCommandRoutes(apiV1, commandHandler)
	r.addDeviceRoutes(apiV1, deviceHandler, commandHandler)
	r.addHistoryRoutes(apiV1, historyHandler)

	r.addWebSocketRoutes(router.Group("/ws", auth), r.websocket)

	r.logger.Info("All routes configured successfully")
}

// addHealthRoutes sets up health check routes
func (r *Router) addHealthRoutes(router *gin.Engine, h *handler.HealthHandler) {
	health := router.Group("")
	{
		health.GET("/health", h.HealthCheck)
		health.GET("/ready", h.ReadinessCheck)
		health.GET("/live", h.LivenessCheck)
	}
}

// addCommandRoutes sets up command submission and stop routes
func (r *Router) addCommandRoutes(api *gin.RouterGroup, h *handler.CommandHandler) {
	commands := api.Group("/commands")
	{
		commands.POST("", h.QueueCommand)
		commands.POST("/batch", h.QueueBatch)
		commands.DELETE("/:command_id", h.CancelCommand)
	}
	api.GET("/queue/stats", h.QueueStats)
	api.POST("/stop", h.GlobalStop)
}

// addDeviceRoutes sets up device routes
func (r *Router) addDeviceRoutes(api *gin.RouterGroup, h *handler.DeviceHandler, commands *handler.CommandHandler) {
	devices := api.Group("/devices")
	{
		devices.GET("", h.ListDevices)

		device := devices.Group("/:device_id")
		{
			device.GET("/stats", h.GetDeviceStats)
			device.POST("/emergency-stop", commands.EmergencyStop)
		}
	}
}

// addHistoryRoutes sets up history and archive routes
func (r *Router) addHistoryRoutes(api *gin.RouterGroup, h *handler.HistoryHandler) {
	history := api.Group("/history")
	{
		history.GET("", h.GetHistory)
		history.GET("/stats", h.GetStatistics)
		history.GET("/export", h.ExportHistory)
		history.GET("/devices/:device_id", h.GetDeviceHistory)
		history.DELETE("/devices/:device_id", h.ClearDeviceHistory)
	}
	api.GET("/archive/devices/:device_id", h.GetArchivedCommands)
}

// addWebSocketRoutes sets up WebSocket routes
func (r *Router) addWebSocketRoutes(ws *gin.RouterGroup, h *handler.WebSocketHandler) {
	ws.GET("/events", h.HandleEventConnection)
	ws.GET("/devices/:device_id", h.HandleDeviceConnection)
	ws.GET("/stats", h.GetConnectionStats)
}
