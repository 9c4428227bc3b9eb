// internal/model/event.go
package model

import "time"

// EventType represents the type of pipeline event
type EventType string

const (
	EventStatusChanged    EventType = "COMMAND_STATUS_CHANGED"
	EventCommandCompleted EventType = "COMMAND_COMPLETED"
)

// CommandEvent is the externally published form of a processor notification
type CommandEvent struct {
	EventType     EventType      `json:"event_type"`
	CommandID     string         `json:"command_id"`
	DeviceID      string         `json:"device_id"`
	CommandType   CommandType    `json:"command_type"`
	Priority      string         `json:"priority"`
	FromStatus    CommandStatus  `json:"from_status,omitempty"`
	ToStatus      CommandStatus  `json:"to_status"`
	Success       *bool          `json:"success,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ExecutionTime *time.Duration `json:"execution_time,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Severity      string         `json:"severity"` // INFO, WARNING, ERROR, CRITICAL
}

// NewStatusEvent builds the event for a status transition
func NewStatusEvent(cmd *DeviceCommand, from, to CommandStatus) CommandEvent {
	severity := "INFO"
	switch to {
	case StatusRetrying:
		severity = "WARNING"
	case StatusFailed, StatusTimeout:
		severity = "ERROR"
	}
	if cmd.Type.IsStop() {
		severity = "CRITICAL"
	}
	return CommandEvent{
		EventType:    EventStatusChanged,
		CommandID:    cmd.ID,
		DeviceID:     cmd.DeviceID,
		CommandType:  cmd.Type,
		Priority:     cmd.Priority.String(),
		FromStatus:   from,
		ToStatus:     to,
		ErrorMessage: cmd.ErrorMessage,
		Timestamp:    time.Now(),
		Severity:     severity,
	}
}

// NewCompletedEvent builds the event for a finished transmission
func NewCompletedEvent(result *CommandResult) CommandEvent {
	cmd := result.Command
	success := result.Success
	elapsed := result.ExecutionTime
	severity := "INFO"
	if !success {
		severity = "ERROR"
	}
	if cmd.Type.IsStop() {
		severity = "CRITICAL"
	}
	return CommandEvent{
		EventType:     EventCommandCompleted,
		CommandID:     cmd.ID,
		DeviceID:      cmd.DeviceID,
		CommandType:   cmd.Type,
		Priority:      cmd.Priority.String(),
		ToStatus:      cmd.Status,
		Success:       &success,
		ErrorMessage:  result.ErrorMessage,
		ExecutionTime: &elapsed,
		Timestamp:     result.CompletedAt,
		Severity:      severity,
	}
}
