// internal/handler/history_handler.go
package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"device-command-service/internal/archive"
	"device-command-service/internal/history"
	"device-command-service/internal/model"
	"device-command-service/internal/utils"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
)

// HistoryHandler serves the in-memory history and the optional archive
type HistoryHandler struct {
	history *history.History
	store   *archive.Store
	logger  *utils.ServiceLogger
}

// NewHistoryHandler creates a new history handler. store may be nil.
func NewHistoryHandler(h *history.History, store *archive.Store, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: h,
		store:   store,
		logger:  utils.NewServiceLogger(logger, "history-handler"),
	}
}

func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}

func parseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}

// GetHistory handles GET /history. Filters are exclusive: type, then
// status, then from/to; without one the most recent commands are returned.
func (h *HistoryHandler) GetHistory(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query", err)
		return
	}

	var cmds []*model.DeviceCommand
	switch {
	case c.Query("type") != "":
		commandType := model.CommandType(c.Query("type"))
		if !commandType.IsValid() {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query", fmt.Errorf("unknown command type %q", commandType))
			return
		}
		cmds = h.history.GetByType(commandType, limit)

	case c.Query("status") != "":
		cmds = h.history.GetByStatus(model.CommandStatus(c.Query("status")), limit)

	case c.Query("from") != "" || c.Query("to") != "":
		from, to := time.Time{}, time.Now()
		if raw := c.Query("from"); raw != "" {
			if from, err = parseTime(raw); err != nil {
				utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query", fmt.Errorf("from: %w", err))
				return
			}
		}
		if raw := c.Query("to"); raw != "" {
			if to, err = parseTime(raw); err != nil {
				utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query", fmt.Errorf("to: %w", err))
				return
			}
		}
		if to.Before(from) {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query", errors.New("to is before from"))
			return
		}
		cmds = h.history.GetByTimeRange(from, to, limit)

	default:
		cmds = h.history.GetRecent(limit)
	}

	utils.SuccessResponse(c, http.StatusOK, "History retrieved", gin.H{
		"commands": cmds,
		"count":    len(cmds),
	})
}

// GetDeviceHistory handles GET /history/devices/:device_id
func (h *HistoryHandler) GetDeviceHistory(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query", err)
		return
	}

	deviceID := c.Param("device_id")
	cmds := h.history.Get(deviceID, limit)
	utils.SuccessResponse(c, http.StatusOK, "Device history retrieved", gin.H{
		"device_id": deviceID,
		"commands":  cmds,
		"count":     len(cmds),
	})
}

// ClearDeviceHistory handles DELETE /history/devices/:device_id
func (h *HistoryHandler) ClearDeviceHistory(c *gin.Context) {
	deviceID := c.Param("device_id")
	if !h.history.Clear(deviceID) {
		utils.ErrorResponse(c, http.StatusNotFound, "No history for device", fmt.Errorf("device %s has no history", deviceID))
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device history cleared", gin.H{"device_id": deviceID})
}

// GetStatistics handles GET /history/stats
func (h *HistoryHandler) GetStatistics(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "History statistics", h.history.Statistics())
}

// ExportHistory handles GET /history/export. The body is the raw export
// document so it can be saved as a file.
func (h *HistoryHandler) ExportHistory(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query", err)
		return
	}

	deviceID := c.Query("device_id")
	data, err := h.history.ExportJSON(deviceID, limit)
	if err != nil {
		h.logger.Error("History export failed", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Export failed", err)
		return
	}

	name := "history"
	if deviceID != "" {
		name += "-" + deviceID
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+".json"))
	c.Data(http.StatusOK, "application/json", data)
}

// GetArchivedCommands handles GET /archive/devices/:device_id
func (h *HistoryHandler) GetArchivedCommands(c *gin.Context) {
	if h.store == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "Archive disabled", nil)
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query", err)
		return
	}

	deviceID := c.Param("device_id")
	records, err := h.store.ListByDevice(c.Request.Context(), deviceID, limit)
	if err != nil {
		h.logger.Error("Archive query failed", zap.String("device_id", deviceID), zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Archive query failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Archived commands retrieved", gin.H{
		"device_id": deviceID,
		"commands":  records,
		"count":     len(records),
	})
}
