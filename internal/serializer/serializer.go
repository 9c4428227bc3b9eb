// Package serializer turns commands into transport-ready bytes, decodes
// device responses and validates commands before they are sent.
package serializer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"device-command-service/internal/model"
)

var (
	ErrUnsupportedFormat   = errors.New("unsupported serialization format")
	ErrUnsupportedEncoding = errors.New("unsupported text encoding")
	ErrUnsupportedChecksum = errors.New("unsupported checksum algorithm")
	ErrChecksumMismatch    = errors.New("checksum mismatch")
	ErrUnsupportedValue    = errors.New("unsupported parameter value")
	ErrEmptyResponse       = errors.New("empty response")
)

// Serializer holds the per device-type serialization profiles
type Serializer struct {
	mu      sync.RWMutex
	configs map[string]model.SerializationConfig
	logger  *zap.Logger
}

// New creates a serializer preloaded with the built-in device profiles
func New(logger *zap.Logger) *Serializer {
	s := &Serializer{
		configs: make(map[string]model.SerializationConfig),
		logger:  logger.With(zap.String("component", "serializer")),
	}
	for deviceType, cfg := range builtinProfiles() {
		s.configs[deviceType] = cfg
	}
	return s
}

// builtinProfiles returns the profiles known without a profiles file
func builtinProfiles() map[string]model.SerializationConfig {
	return map[string]model.SerializationConfig{
		"arduino": {
			Format:   model.FormatArduino,
			Encoding: "ascii",
			Options:  map[string]string{"prefix": "$", "separator": ",", "suffix": "\r\n"},
		},
		"esp32": {
			Format:   model.FormatJSON,
			Encoding: "utf-8",
		},
		"raspberry_pi": {
			Format:   model.FormatJSON,
			Encoding: "utf-8",
		},
		"relay_board": {
			Format:          model.FormatBinary,
			Encoding:        "ascii",
			IncludeChecksum: true,
			Checksum:        model.ChecksumCRC8,
		},
		"modbus_relay": {
			Format:   model.FormatBinary,
			Encoding: "ascii",
		},
	}
}

// RegisterConfig validates and stores a profile. Misconfiguration is reported
// here, never at per-command runtime.
func (s *Serializer) RegisterConfig(deviceType string, cfg model.SerializationConfig) error {
	if strings.TrimSpace(deviceType) == "" {
		return fmt.Errorf("device type is required")
	}
	if err := ValidateConfig(&cfg); err != nil {
		return fmt.Errorf("device type %s: %w", deviceType, err)
	}

	s.mu.Lock()
	s.configs[deviceType] = cfg
	s.mu.Unlock()

	s.logger.Info("Serialization profile registered",
		zap.String("device_type", deviceType),
		zap.String("format", string(cfg.Format)),
		zap.Bool("checksum", cfg.IncludeChecksum),
	)
	return nil
}

// GetConfig returns the profile for deviceType, or the json default
func (s *Serializer) GetConfig(deviceType string) model.SerializationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if cfg, ok := s.configs[deviceType]; ok {
		return cfg
	}
	return model.DefaultSerializationConfig()
}

// ValidateConfig normalizes cfg and rejects unknown formats, encodings and checksums
func ValidateConfig(cfg *model.SerializationConfig) error {
	if cfg.Format == "" {
		cfg.Format = model.FormatJSON
	}
	cfg.Format = model.Format(strings.ToLower(string(cfg.Format)))

	switch cfg.Format {
	case model.FormatJSON, model.FormatBinary, model.FormatArduino, model.FormatCustom:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, cfg.Format)
	}

	if cfg.Encoding == "" {
		cfg.Encoding = "utf-8"
	}
	if _, err := lookupEncoding(cfg.Encoding); err != nil {
		return err
	}

	cfg.Checksum = model.ChecksumAlgorithm(strings.ToLower(string(cfg.Checksum)))
	if cfg.IncludeChecksum && cfg.Checksum == model.ChecksumNone {
		return fmt.Errorf("%w: include_checksum set without an algorithm", ErrUnsupportedChecksum)
	}
	if cfg.Checksum != model.ChecksumNone && checksumSize(cfg.Checksum) == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedChecksum, cfg.Checksum)
	}
	return nil
}

// Serialize encodes cmd for the wire according to cfg, appending a checksum when configured
func (s *Serializer) Serialize(cmd *model.DeviceCommand, cfg model.SerializationConfig) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("command is nil")
	}

	var (
		data []byte
		err  error
	)

	switch cfg.Format {
	case model.FormatJSON, "":
		data, err = encodeJSON(cmd, cfg)
	case model.FormatBinary:
		data, err = encodeBinary(cmd, cfg)
	case model.FormatArduino:
		data, err = encodeArduino(cmd, cfg)
	case model.FormatCustom:
		// custom device protocols ride on the json payload
		data, err = encodeJSON(cmd, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, cfg.Format)
	}
	if err != nil {
		return nil, fmt.Errorf("serialize %s command %s: %w", cfg.Format, cmd.ID, err)
	}

	if cfg.IncludeChecksum {
		data, err = appendChecksum(data, cfg.Checksum)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Debug("Command serialized",
		zap.String("command_id", cmd.ID),
		zap.String("format", string(cfg.Format)),
		zap.Int("bytes", len(data)),
	)
	return data, nil
}

// DeserializeResponse verifies the checksum, if configured, then decodes the
// payload into a value shaped by expected.
func (s *Serializer) DeserializeResponse(data []byte, cfg model.SerializationConfig, expected model.ResponseType) (interface{}, error) {
	payload := data
	if cfg.IncludeChecksum {
		var err error
		payload, err = verifyChecksum(data, cfg.Checksum)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.Format {
	case model.FormatJSON, model.FormatCustom, "":
		return decodeJSON(payload, cfg, expected)
	case model.FormatBinary:
		return decodeBinary(payload, cfg, expected)
	case model.FormatArduino:
		return decodeArduino(payload, cfg, expected)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, cfg.Format)
	}
}
