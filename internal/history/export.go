package history

import (
	"encoding/json"
	"time"

	"device-command-service/internal/model"
)

// ExportedCommand is the diagnostics view of one command
type ExportedCommand struct {
	ID              string                 `json:"id"`
	Type            model.CommandType      `json:"type"`
	DeviceID        string                 `json:"device_id"`
	Status          model.CommandStatus    `json:"status"`
	Priority        string                 `json:"priority"`
	CreatedAt       time.Time              `json:"created_at"`
	QueuedAt        *time.Time             `json:"queued_at,omitempty"`
	TransmittedAt   *time.Time             `json:"transmitted_at,omitempty"`
	AcknowledgedAt  *time.Time             `json:"acknowledged_at,omitempty"`
	RetryCount      int                    `json:"retry_count"`
	Parameters      model.Parameters       `json:"parameters"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	ExecutionTimeMs *float64               `json:"execution_time_ms,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Export is a read-only snapshot of history
type Export struct {
	ExportedAt   time.Time         `json:"exported_at"`
	DeviceID     string            `json:"device_id,omitempty"`
	CommandCount int               `json:"command_count"`
	Commands     []ExportedCommand `json:"commands"`
}

// Export snapshots one device's history, or everything when deviceID is empty
func (h *History) Export(deviceID string, max int) Export {
	var cmds []*model.DeviceCommand
	if deviceID == "" {
		cmds = h.GetRecent(max)
	} else {
		cmds = h.Get(deviceID, max)
	}

	h.mu.RLock()
	exportedAt := h.now()
	h.mu.RUnlock()

	export := Export{
		ExportedAt:   exportedAt,
		DeviceID:     deviceID,
		CommandCount: len(cmds),
		Commands:     make([]ExportedCommand, 0, len(cmds)),
	}
	for _, cmd := range cmds {
		export.Commands = append(export.Commands, exportCommand(cmd))
	}
	return export
}

// ExportJSON renders Export as indented JSON
func (h *History) ExportJSON(deviceID string, max int) ([]byte, error) {
	return json.MarshalIndent(h.Export(deviceID, max), "", "  ")
}

func exportCommand(cmd *model.DeviceCommand) ExportedCommand {
	out := ExportedCommand{
		ID:             cmd.ID,
		Type:           cmd.Type,
		DeviceID:       cmd.DeviceID,
		Status:         cmd.Status,
		Priority:       cmd.Priority.String(),
		CreatedAt:      cmd.CreatedAt,
		QueuedAt:       cmd.QueuedAt,
		TransmittedAt:  cmd.TransmittedAt,
		AcknowledgedAt: cmd.AcknowledgedAt,
		RetryCount:     cmd.RetryCount,
		Parameters:     cmd.Parameters,
		ErrorMessage:   cmd.ErrorMessage,
		Metadata:       cmd.Metadata,
	}
	if latency, ok := cmd.TransmitLatency(); ok {
		ms := float64(latency) / float64(time.Millisecond)
		out.ExecutionTimeMs = &ms
	}
	return out
}
