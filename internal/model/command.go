// internal/model/command.go
package model

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CommandType represents the kind of instruction sent to a device
type CommandType string

const (
	CommandDigitalWrite  CommandType = "DIGITAL_WRITE"
	CommandDigitalRead   CommandType = "DIGITAL_READ"
	CommandAnalogWrite   CommandType = "ANALOG_WRITE"
	CommandAnalogRead    CommandType = "ANALOG_READ"
	CommandSetPWM        CommandType = "SET_PWM"
	CommandSetMotorSpeed CommandType = "SET_MOTOR_SPEED"
	CommandSetRelay      CommandType = "SET_RELAY"
	CommandSetServo      CommandType = "SET_SERVO"
	CommandI2CWrite      CommandType = "I2C_WRITE"
	CommandI2CRead       CommandType = "I2C_READ"
	CommandSPITransfer   CommandType = "SPI_TRANSFER"
	CommandSystem        CommandType = "SYSTEM"
	CommandBatch         CommandType = "BATCH"
	CommandCustom        CommandType = "CUSTOM"
	CommandEmergencyStop CommandType = "EMERGENCY_STOP"
	CommandGlobalStop    CommandType = "GLOBAL_STOP"
)

// commandCodes maps each type to the leading byte of the binary wire format.
var commandCodes = map[CommandType]byte{
	CommandDigitalWrite:  0x01,
	CommandDigitalRead:   0x02,
	CommandAnalogWrite:   0x03,
	CommandAnalogRead:    0x04,
	CommandSetPWM:        0x05,
	CommandSetMotorSpeed: 0x06,
	CommandSetRelay:      0x07,
	CommandSetServo:      0x08,
	CommandI2CWrite:      0x09,
	CommandI2CRead:       0x0A,
	CommandSPITransfer:   0x0B,
	CommandSystem:        0x0C,
	CommandBatch:         0x0D,
	CommandCustom:        0x0E,
	CommandEmergencyStop: 0xFE,
	CommandGlobalStop:    0xFF,
}

// Code returns the binary type code and whether the type is known
func (t CommandType) Code() (byte, bool) {
	code, ok := commandCodes[t]
	return code, ok
}

// IsValid reports whether t is one of the defined command types
func (t CommandType) IsValid() bool {
	_, ok := commandCodes[t]
	return ok
}

// IsStop reports whether t is an emergency or global stop
func (t CommandType) IsStop() bool {
	return t == CommandEmergencyStop || t == CommandGlobalStop
}

// Priority orders dispatch. Higher values preempt lower ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

// Priorities lists every priority from highest to lowest
var Priorities = []Priority{PriorityEmergency, PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	case PriorityEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether p is within the defined range
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityEmergency
}

// ParsePriority converts a priority name into its value
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return PriorityLow, true
	case "NORMAL", "":
		return PriorityNormal, true
	case "HIGH":
		return PriorityHigh, true
	case "CRITICAL":
		return PriorityCritical, true
	case "EMERGENCY":
		return PriorityEmergency, true
	default:
		return PriorityNormal, false
	}
}

// CommandStatus represents where a command is in its lifecycle
type CommandStatus string

const (
	StatusPending      CommandStatus = "PENDING"
	StatusQueued       CommandStatus = "QUEUED"
	StatusTransmitting CommandStatus = "TRANSMITTING"
	StatusRetrying     CommandStatus = "RETRYING"
	StatusAcknowledged CommandStatus = "ACKNOWLEDGED"
	StatusFailed       CommandStatus = "FAILED"
	StatusTimeout      CommandStatus = "TIMEOUT"
	StatusCancelled    CommandStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions can happen
func (s CommandStatus) IsTerminal() bool {
	return s == StatusAcknowledged || s == StatusFailed || s == StatusTimeout || s == StatusCancelled
}

// ResponseType hints how a response payload should be decoded
type ResponseType string

const (
	ResponseNone   ResponseType = ""
	ResponseString ResponseType = "string"
	ResponseInt    ResponseType = "int"
	ResponseFloat  ResponseType = "float"
	ResponseBool   ResponseType = "bool"
	ResponseObject ResponseType = "object"
)

const (
	// AllDevices is the reserved device id addressed by a global stop
	AllDevices = "*"

	DefaultMaxRetries = 3
	DefaultTimeout    = 5 * time.Second
	StopTimeout       = 1 * time.Second
)

// DeviceCommand is a single instruction destined for one device
type DeviceCommand struct {
	ID               string                 `json:"id"`
	Type             CommandType            `json:"type"`
	Priority         Priority               `json:"priority"`
	Status           CommandStatus          `json:"status"`
	DeviceID         string                 `json:"device_id"`
	Endpoint         string                 `json:"endpoint,omitempty"`
	Parameters       Parameters             `json:"parameters"`
	CreatedAt        time.Time              `json:"created_at"`
	QueuedAt         *time.Time             `json:"queued_at,omitempty"`
	TransmittedAt    *time.Time             `json:"transmitted_at,omitempty"`
	AcknowledgedAt   *time.Time             `json:"acknowledged_at,omitempty"`
	RetryCount       int                    `json:"retry_count"`
	MaxRetries       int                    `json:"max_retries"`
	Timeout          time.Duration          `json:"timeout"`
	ExpectedResponse ResponseType           `json:"expected_response,omitempty"`
	ActualResponse   interface{}            `json:"actual_response,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// NewID returns a short opaque command id
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewCommand creates a pending command with default retry and timeout settings
func NewCommand(deviceID string, commandType CommandType, params Parameters) *DeviceCommand {
	return &DeviceCommand{
		ID:         NewID(),
		Type:       commandType,
		Priority:   PriorityNormal,
		Status:     StatusPending,
		DeviceID:   deviceID,
		Parameters: params,
		CreatedAt:  time.Now(),
		MaxRetries: DefaultMaxRetries,
		Timeout:    DefaultTimeout,
		Metadata:   make(map[string]interface{}),
	}
}

// NewEmergencyStop creates the zero-retry stop command for one device
func NewEmergencyStop(deviceID string) *DeviceCommand {
	cmd := NewCommand(deviceID, CommandEmergencyStop, nil)
	cmd.Priority = PriorityEmergency
	cmd.MaxRetries = 0
	cmd.Timeout = StopTimeout
	return cmd
}

// NewGlobalStop creates the aggregate stop command addressed to every device
func NewGlobalStop() *DeviceCommand {
	cmd := NewCommand(AllDevices, CommandGlobalStop, nil)
	cmd.Priority = PriorityEmergency
	cmd.MaxRetries = 0
	cmd.Timeout = StopTimeout
	return cmd
}

// ApplyDefaults fills zero-valued settings. Stop commands are forced to zero retries and a 1s timeout.
func (c *DeviceCommand) ApplyDefaults() {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	if c.Type.IsStop() {
		c.Priority = PriorityEmergency
		c.MaxRetries = 0
		c.Timeout = StopTimeout
	}
}

// MarkQueued stamps the queued time and moves the command to Queued
func (c *DeviceCommand) MarkQueued(now time.Time) {
	c.Status = StatusQueued
	c.QueuedAt = stamp(now, c.CreatedAt)
}

// MarkTransmitting stamps the transmitted time and moves the command to Transmitting
func (c *DeviceCommand) MarkTransmitting(now time.Time) {
	c.Status = StatusTransmitting
	c.TransmittedAt = stamp(now, c.latest())
}

// MarkAcknowledged records a successful delivery
func (c *DeviceCommand) MarkAcknowledged(now time.Time, response interface{}) {
	c.Status = StatusAcknowledged
	c.AcknowledgedAt = stamp(now, c.latest())
	c.ActualResponse = response
	c.ErrorMessage = ""
}

// MarkFailed records a terminal failure with its reason
func (c *DeviceCommand) MarkFailed(status CommandStatus, reason string) {
	c.Status = status
	c.ErrorMessage = reason
}

// latest returns the most recent lifecycle timestamp
func (c *DeviceCommand) latest() time.Time {
	latest := c.CreatedAt
	for _, ts := range []*time.Time{c.QueuedAt, c.TransmittedAt, c.AcknowledgedAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	return latest
}

// stamp never returns a time earlier than floor
func stamp(now, floor time.Time) *time.Time {
	if now.Before(floor) {
		now = floor
	}
	return &now
}

// TransmitLatency returns the transmit to acknowledge time, if both are known
func (c *DeviceCommand) TransmitLatency() (time.Duration, bool) {
	if c.TransmittedAt == nil || c.AcknowledgedAt == nil {
		return 0, false
	}
	return c.AcknowledgedAt.Sub(*c.TransmittedAt), true
}

// Clone returns a deep copy suitable for an immutable history snapshot
func (c *DeviceCommand) Clone() *DeviceCommand {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Parameters = c.Parameters.Clone()
	clone.QueuedAt = copyTime(c.QueuedAt)
	clone.TransmittedAt = copyTime(c.TransmittedAt)
	clone.AcknowledgedAt = copyTime(c.AcknowledgedAt)
	if c.Metadata != nil {
		clone.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// CommandResult is the outcome of transmitting one command
type CommandResult struct {
	Command       *DeviceCommand            `json:"command"`
	Success       bool                      `json:"success"`
	Response      interface{}               `json:"response,omitempty"`
	RawResponse   []byte                    `json:"raw_response,omitempty"`
	ErrorMessage  string                    `json:"error_message,omitempty"`
	ExecutionTime time.Duration             `json:"execution_time"`
	CompletedAt   time.Time                 `json:"completed_at"`
	DeviceResults map[string]*CommandResult `json:"device_results,omitempty"`
}

// FailedDevices lists the device ids whose embedded results failed
func (r *CommandResult) FailedDevices() []string {
	var failed []string
	for deviceID, res := range r.DeviceResults {
		if res == nil || !res.Success {
			failed = append(failed, deviceID)
		}
	}
	sort.Strings(failed)
	return failed
}
