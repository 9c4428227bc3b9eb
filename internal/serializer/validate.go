package serializer

import (
	"fmt"
	"math"
	"strings"

	"device-command-service/internal/model"
)

const (
	maxMotorSpeed     = 255
	maxServoAngle     = 180
	pwmWarnFrequency  = 50_000
	maxDutyCyclePct   = 100
	maxAnalogWriteVal = 4095
)

// requiredParams lists the parameters each command type cannot be sent without
var requiredParams = map[model.CommandType][]string{
	model.CommandDigitalWrite:  {"pin", "value"},
	model.CommandDigitalRead:   {"pin"},
	model.CommandAnalogWrite:   {"pin", "value"},
	model.CommandAnalogRead:    {"pin"},
	model.CommandSetPWM:        {"pin", "frequency"},
	model.CommandSetMotorSpeed: {"speed"},
	model.CommandSetRelay:      {"relay", "state"},
	model.CommandSetServo:      {"angle"},
	model.CommandI2CWrite:      {"address", "data"},
	model.CommandI2CRead:       {"address", "length"},
	model.CommandSPITransfer:   {"data"},
	model.CommandSystem:        {"action"},
	model.CommandBatch:         {"commands"},
}

// capabilities restricts device types that only understand a subset of
// commands. Types not listed accept everything.
var capabilities = map[string]map[model.CommandType]bool{
	"relay_board":  relayCapabilities,
	"modbus_relay": relayCapabilities,
}

var relayCapabilities = map[model.CommandType]bool{
	model.CommandSetRelay:      true,
	model.CommandDigitalWrite:  true,
	model.CommandDigitalRead:   true,
	model.CommandSystem:        true,
	model.CommandBatch:         true,
	model.CommandEmergencyStop: true,
	model.CommandGlobalStop:    true,
}

// Validate runs the structural, device-specific and safety checks in order.
// Safety bounds are enforced for every device type.
func (s *Serializer) Validate(cmd *model.DeviceCommand, deviceType string) *model.ValidationResult {
	result := model.NewValidationResult()
	if cmd == nil {
		result.AddError("command is nil")
		return result
	}

	result.Merge(validateStructure(cmd))
	result.Merge(validateForDevice(cmd, deviceType))
	result.Merge(validateSafety(cmd))
	return result
}

func validateStructure(cmd *model.DeviceCommand) *model.ValidationResult {
	result := model.NewValidationResult()

	if strings.TrimSpace(cmd.DeviceID) == "" {
		result.AddError("device_id is required")
	}
	if cmd.DeviceID == model.AllDevices && cmd.Type != model.CommandGlobalStop {
		result.AddError("device id \"*\" is reserved for global stop")
	}
	if !cmd.Type.IsValid() {
		result.AddError(fmt.Sprintf("unknown command type %q", cmd.Type))
	}
	if cmd.Type == model.CommandCustom && strings.TrimSpace(cmd.Endpoint) == "" {
		result.AddError("endpoint is required for custom commands")
	}
	if !cmd.Priority.IsValid() {
		result.AddError(fmt.Sprintf("invalid priority %d", cmd.Priority))
	}
	if cmd.Timeout <= 0 {
		result.AddError("timeout must be positive")
	}
	if cmd.MaxRetries < 0 {
		result.AddError("max_retries must not be negative")
	}
	return result
}

func validateForDevice(cmd *model.DeviceCommand, deviceType string) *model.ValidationResult {
	result := model.NewValidationResult()

	if allowed, ok := capabilities[deviceType]; ok && !allowed[cmd.Type] {
		result.AddError(fmt.Sprintf("device type %s does not support %s", deviceType, cmd.Type))
	}

	for _, key := range requiredParams[cmd.Type] {
		if !cmd.Parameters.Has(key) {
			result.AddError(fmt.Sprintf("%s requires parameter %q", cmd.Type, key))
		}
	}

	if cmd.Type == model.CommandBatch {
		if v, ok := cmd.Parameters.Get("commands"); ok {
			if list, ok := v.([]interface{}); ok && len(list) == 0 {
				result.AddError("batch requires at least one command")
			}
		}
	}

	if cmd.Type == model.CommandAnalogWrite {
		if v, ok := cmd.Parameters.Float("value"); ok && (v < 0 || v > maxAnalogWriteVal) {
			result.AddWarning(fmt.Sprintf("analog value %v outside 0-%d", v, maxAnalogWriteVal))
		}
	}
	return result
}

func validateSafety(cmd *model.DeviceCommand) *model.ValidationResult {
	result := model.NewValidationResult()

	switch cmd.Type {
	case model.CommandSetPWM:
		if raw, present := cmd.Parameters.Get("frequency"); present {
			freq, ok := finiteFloat(raw)
			switch {
			case !ok:
				result.AddError(fmt.Sprintf("pwm frequency %v must be a finite number", raw))
			case freq <= 0:
				result.AddError(fmt.Sprintf("pwm frequency %v must be positive", freq))
			case freq > pwmWarnFrequency:
				result.AddWarning(fmt.Sprintf("pwm frequency %v exceeds 50kHz", freq))
			}
		}
		if raw, present := cmd.Parameters.Get("duty_cycle"); present {
			duty, ok := finiteFloat(raw)
			if !ok || duty < 0 || duty > maxDutyCyclePct {
				result.AddError(fmt.Sprintf("pwm duty cycle %v must be within 0-100", raw))
			}
		}

	case model.CommandSetMotorSpeed:
		if raw, present := cmd.Parameters.Get("speed"); present {
			speed, ok := finiteFloat(raw)
			if !ok || speed < -maxMotorSpeed || speed > maxMotorSpeed {
				result.AddError(fmt.Sprintf("motor speed %v must be within [-255, 255]", raw))
			}
		}

	case model.CommandSetServo:
		if raw, present := cmd.Parameters.Get("angle"); present {
			angle, ok := finiteFloat(raw)
			if !ok || angle < 0 || angle > maxServoAngle {
				result.AddError(fmt.Sprintf("servo angle %v must be within 0-180", raw))
			}
		}
	}
	return result
}

// finiteFloat is model.ToFloat that also rejects NaN and infinities, which
// compare false against every bound
func finiteFloat(raw interface{}) (float64, bool) {
	v, ok := model.ToFloat(raw)
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
