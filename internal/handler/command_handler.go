// internal/handler/command_handler.go
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"device-command-service/internal/model"
	"device-command-service/internal/processor"
	"device-command-service/internal/queue"
	"device-command-service/internal/utils"
)

// enqueueWait bounds how long a request waits for space in a full queue
const enqueueWait = 2 * time.Second

// cancelNote is returned with every cancellation answer
const cancelNote = "only queued commands can be cancelled; commands already transmitting run to completion"

// CommandHandler handles command submission, cancellation and stops
type CommandHandler struct {
	processor *processor.Processor
	logger    *utils.ServiceLogger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(p *processor.Processor, logger *zap.Logger) *CommandHandler {
	return &CommandHandler{
		processor: p,
		logger:    utils.NewServiceLogger(logger, "command-handler"),
	}
}

// CommandRequest is the body of POST /commands
type CommandRequest struct {
	DeviceID         string                 `json:"device_id" binding:"required"`
	Type             model.CommandType      `json:"type" binding:"required"`
	Priority         string                 `json:"priority"`
	Parameters       model.Parameters       `json:"parameters"`
	MaxRetries       *int                   `json:"max_retries"`
	TimeoutMs        int                    `json:"timeout_ms"`
	ExpectedResponse model.ResponseType     `json:"expected_response"`
	Endpoint         string                 `json:"endpoint"`
	Metadata         map[string]interface{} `json:"metadata"`
}

// BatchRequest is the body of POST /commands/batch
type BatchRequest struct {
	Commands []CommandRequest `json:"commands" binding:"required,min=1,dive"`
}

// toCommand validates the request and builds a pending command
func (r *CommandRequest) toCommand() (*model.DeviceCommand, error) {
	if !r.Type.IsValid() {
		return nil, fmt.Errorf("unknown command type %q", r.Type)
	}
	priority, ok := model.ParsePriority(r.Priority)
	if !ok {
		return nil, fmt.Errorf("unknown priority %q", r.Priority)
	}
	switch r.ExpectedResponse {
	case model.ResponseNone, model.ResponseString, model.ResponseInt,
		model.ResponseFloat, model.ResponseBool, model.ResponseObject:
	default:
		return nil, fmt.Errorf("unknown expected_response %q", r.ExpectedResponse)
	}

	cmd := model.NewCommand(strings.TrimSpace(r.DeviceID), r.Type, r.Parameters)
	cmd.Priority = priority
	cmd.Endpoint = r.Endpoint
	cmd.ExpectedResponse = r.ExpectedResponse
	if r.MaxRetries != nil {
		if *r.MaxRetries < 0 {
			return nil, fmt.Errorf("max_retries must not be negative")
		}
		cmd.MaxRetries = *r.MaxRetries
	}
	if r.TimeoutMs > 0 {
		cmd.Timeout = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	for k, v := range r.Metadata {
		cmd.Metadata[k] = v
	}
	return cmd, nil
}

// QueuedCommand is returned for every accepted command
type QueuedCommand struct {
	CommandID string              `json:"command_id"`
	DeviceID  string              `json:"device_id"`
	Type      model.CommandType   `json:"type"`
	Priority  string              `json:"priority"`
	Status    model.CommandStatus `json:"status"`
}

func queuedCommand(cmd *model.DeviceCommand) QueuedCommand {
	return QueuedCommand{
		CommandID: cmd.ID,
		DeviceID:  cmd.DeviceID,
		Type:      cmd.Type,
		Priority:  cmd.Priority.String(),
		Status:    model.StatusQueued,
	}
}

// QueueCommand handles POST /commands
func (h *CommandHandler) QueueCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cmd, err := req.toCommand()
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid command", err)
		return
	}
	if !h.knownDevice(cmd.DeviceID) && cmd.DeviceID != model.AllDevices {
		utils.ErrorResponse(c, http.StatusNotFound, "Unknown device", fmt.Errorf("no transport registered for device %s", cmd.DeviceID))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), enqueueWait)
	defer cancel()

	if _, err := h.processor.QueueCommand(ctx, cmd); err != nil {
		h.queueError(c, err, nil)
		return
	}

	h.logger.Info("Command queued",
		zap.String("command_id", cmd.ID),
		zap.String("device_id", cmd.DeviceID),
		zap.String("command_type", string(cmd.Type)),
	)
	utils.SuccessResponse(c, http.StatusAccepted, "Command queued", queuedCommand(cmd))
}

// QueueBatch handles POST /commands/batch. Commands are queued in order; on
// the first rejection the already queued ones stay queued.
func (h *CommandHandler) QueueBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cmds := make([]*model.DeviceCommand, 0, len(req.Commands))
	for i := range req.Commands {
		cmd, err := req.Commands[i].toCommand()
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid command", fmt.Errorf("command %d: %w", i, err))
			return
		}
		if !h.knownDevice(cmd.DeviceID) && cmd.DeviceID != model.AllDevices {
			utils.ErrorResponse(c, http.StatusNotFound, "Unknown device", fmt.Errorf("command %d: no transport registered for device %s", i, cmd.DeviceID))
			return
		}
		cmds = append(cmds, cmd)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), enqueueWait)
	defer cancel()

	ids, err := h.processor.QueueBatch(ctx, cmds)
	queued := make([]QueuedCommand, 0, len(ids))
	for _, cmd := range cmds[:len(ids)] {
		queued = append(queued, queuedCommand(cmd))
	}
	if err != nil {
		h.queueError(c, err, gin.H{"count": len(queued), "commands": queued})
		return
	}

	utils.SuccessResponse(c, http.StatusAccepted, "Batch queued", gin.H{
		"count":    len(queued),
		"commands": queued,
	})
}

// CancelCommand handles DELETE /commands/:command_id
func (h *CommandHandler) CancelCommand(c *gin.Context) {
	id := c.Param("command_id")
	if !h.processor.CancelCommand(id) {
		utils.ErrorResponse(c, http.StatusNotFound, "Command is not queued", errors.New(cancelNote))
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Command cancelled", gin.H{
		"command_id": id,
		"status":     model.StatusCancelled,
		"note":       cancelNote,
	})
}

// QueueStats handles GET /queue/stats
func (h *CommandHandler) QueueStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Queue statistics", h.processor.Queue().RefreshStats())
}

// EmergencyStop handles POST /devices/:device_id/emergency-stop
func (h *CommandHandler) EmergencyStop(c *gin.Context) {
	deviceID := c.Param("device_id")

	// a stop must finish even if the caller goes away
	result := h.processor.EmergencyStop(context.WithoutCancel(c.Request.Context()), deviceID)

	h.logger.Warn("Emergency stop requested",
		zap.String("device_id", deviceID),
		zap.Bool("success", result.Success),
		zap.String("client_ip", c.ClientIP()),
	)
	utils.OutcomeResponse(c, result.Success, "Emergency stop executed", result, result.ErrorMessage)
}

// GlobalStop handles POST /stop
func (h *CommandHandler) GlobalStop(c *gin.Context) {
	result := h.processor.GlobalStop(context.WithoutCancel(c.Request.Context()))

	h.logger.Warn("Global stop requested",
		zap.Int("devices", len(result.DeviceResults)),
		zap.Strings("failed", result.FailedDevices()),
		zap.String("client_ip", c.ClientIP()),
	)
	utils.OutcomeResponse(c, result.Success, "Global stop executed", result, result.ErrorMessage)
}

func (h *CommandHandler) knownDevice(deviceID string) bool {
	_, ok := h.processor.Transmitter().Transport(deviceID)
	return ok
}

func (h *CommandHandler) queueError(c *gin.Context, err error, partial interface{}) {
	status := http.StatusInternalServerError
	message := "Failed to queue command"
	switch {
	case errors.Is(err, processor.ErrStopNotQueueable), errors.Is(err, processor.ErrReservedDevice):
		status = http.StatusBadRequest
		message = "Command cannot be queued"
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusTooManyRequests
		message = "Queue is full"
	case errors.Is(err, queue.ErrClosed):
		status = http.StatusServiceUnavailable
		message = "Queue is shutting down"
	default:
		h.logger.Error("Failed to queue command", zap.Error(err))
	}

	if partial == nil {
		utils.ErrorResponse(c, status, message, err)
		return
	}
	utils.PartialErrorResponse(c, status, message, partial, err)
}
