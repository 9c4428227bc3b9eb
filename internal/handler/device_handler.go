// internal/handler/device_handler.go
package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"device-command-service/internal/processor"
	"device-command-service/internal/transmitter"
	"device-command-service/internal/transport"
	"device-command-service/internal/utils"
)

// DeviceHandler exposes the registered devices and their statistics
type DeviceHandler struct {
	processor *processor.Processor
	logger    *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(p *processor.Processor, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		processor: p,
		logger:    utils.NewServiceLogger(logger, "device-handler"),
	}
}

// DeviceInfo describes one registered device
type DeviceInfo struct {
	DeviceID       string                        `json:"device_id"`
	DeviceType     string                        `json:"device_type"`
	Connected      bool                          `json:"connected"`
	BatchSupported bool                          `json:"batch_supported"`
	Queued         int                           `json:"queued"`
	Statistics     *transmitter.DeviceStatistics `json:"statistics,omitempty"`
	Transport      *transport.Stats              `json:"transport,omitempty"`
}

func (h *DeviceHandler) describe(deviceID string, tr transport.Transport, queued map[string]int) DeviceInfo {
	info := DeviceInfo{
		DeviceID:       deviceID,
		DeviceType:     tr.DeviceType(),
		Connected:      tr.IsConnected(),
		BatchSupported: tr.SupportsBatchCommands(),
		Queued:         queued[deviceID],
	}
	if stats, ok := h.processor.Transmitter().GetStatistics(deviceID); ok {
		info.Statistics = &stats
	}
	if sp, ok := tr.(transport.StatsProvider); ok {
		stats := sp.Stats()
		info.Transport = &stats
	}
	return info
}

// ListDevices handles GET /devices
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	tx := h.processor.Transmitter()
	queued := h.processor.Queue().RefreshStats().ByDevice

	ids := tx.Devices()
	devices := make([]DeviceInfo, 0, len(ids))
	for _, id := range ids {
		tr, ok := tx.Transport(id)
		if !ok {
			continue
		}
		devices = append(devices, h.describe(id, tr, queued))
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved", gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetDeviceStats handles GET /devices/:device_id/stats
func (h *DeviceHandler) GetDeviceStats(c *gin.Context) {
	deviceID := c.Param("device_id")

	tr, ok := h.processor.Transmitter().Transport(deviceID)
	if !ok {
		utils.ErrorResponse(c, http.StatusNotFound, "Unknown device", fmt.Errorf("no transport registered for device %s", deviceID))
		return
	}

	queued := h.processor.Queue().RefreshStats().ByDevice
	utils.SuccessResponse(c, http.StatusOK, "Device statistics", h.describe(deviceID, tr, queued))
}
