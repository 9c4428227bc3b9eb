// internal/transport/factory.go
package transport

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"device-command-service/internal/config"
)

// New creates the transport described by a device entry. Links are not opened.
func New(cfg config.DeviceConfig, logger *zap.Logger) (Transport, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("device_id", cfg.ID), zap.String("device_type", cfg.Type))

	switch cfg.Transport {
	case config.TransportSerial:
		return createSerialTransport(cfg, logger), nil
	case config.TransportTCP:
		return createTCPTransport(cfg, logger), nil
	case config.TransportModbus:
		return createModbusTransport(cfg, logger)
	case config.TransportSimulated:
		return createSimulatedTransport(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
}

// createSerialTransport creates a serial transport
func createSerialTransport(cfg config.DeviceConfig, logger *zap.Logger) Transport {
	serialConfig := &SerialConfig{
		Port:       cfg.Serial.Port,
		BaudRate:   9600,
		DataBits:   8,
		StopBits:   1,
		Parity:     "none",
		Terminator: []byte("\n"),
		Timeout:    5 * time.Second,
	}
	if cfg.Serial.BaudRate > 0 {
		serialConfig.BaudRate = cfg.Serial.BaudRate
	}
	if cfg.Serial.DataBits > 0 {
		serialConfig.DataBits = cfg.Serial.DataBits
	}
	if cfg.Serial.StopBits > 0 {
		serialConfig.StopBits = cfg.Serial.StopBits
	}
	if cfg.Serial.Parity != "" {
		serialConfig.Parity = cfg.Serial.Parity
	}
	if cfg.Serial.Terminator != "" {
		serialConfig.Terminator = []byte(cfg.Serial.Terminator)
	}
	if cfg.Serial.Timeout > 0 {
		serialConfig.Timeout = cfg.Serial.Timeout
	}

	logger.Info("Creating serial transport",
		zap.String("port", serialConfig.Port),
		zap.Int("baud_rate", serialConfig.BaudRate),
	)
	return NewSerialTransport(serialConfig, cfg.Type, cfg.Batch, logger)
}

// createTCPTransport creates a TCP transport
func createTCPTransport(cfg config.DeviceConfig, logger *zap.Logger) Transport {
	tcpConfig := &TCPConfig{
		Host:           cfg.TCP.Host,
		Port:           7000,
		ConnectTimeout: 10 * time.Second,
		KeepAlive:      true,
		BufferSize:     4096,
		Terminator:     []byte("\n"),
	}
	if cfg.TCP.Port > 0 {
		tcpConfig.Port = cfg.TCP.Port
	}
	if cfg.TCP.ConnectTimeout > 0 {
		tcpConfig.ConnectTimeout = cfg.TCP.ConnectTimeout
	}
	if cfg.TCP.BufferSize > 0 {
		tcpConfig.BufferSize = cfg.TCP.BufferSize
	}
	if cfg.TCP.Terminator != "" {
		tcpConfig.Terminator = []byte(cfg.TCP.Terminator)
	}

	logger.Info("Creating TCP transport",
		zap.String("host", tcpConfig.Host),
		zap.Int("port", tcpConfig.Port),
	)
	return NewTCPTransport(tcpConfig, cfg.Type, cfg.Batch, logger)
}

// createModbusTransport creates a modbus transport
func createModbusTransport(cfg config.DeviceConfig, logger *zap.Logger) (Transport, error) {
	modbusConfig := &ModbusConfig{
		Mode:         cfg.Modbus.Mode,
		Address:      cfg.Modbus.Address,
		SlaveID:      cfg.Modbus.SlaveID,
		FunctionCode: cfg.Modbus.FunctionCode,
		BaudRate:     cfg.Modbus.BaudRate,
		DataBits:     cfg.Modbus.DataBits,
		StopBits:     cfg.Modbus.StopBits,
		Parity:       cfg.Modbus.Parity,
		Timeout:      cfg.Modbus.Timeout,
	}
	if modbusConfig.SlaveID == 0 {
		modbusConfig.SlaveID = 1
	}

	logger.Info("Creating modbus transport",
		zap.String("mode", modbusConfig.Mode),
		zap.String("address", modbusConfig.Address),
	)
	t, err := NewModbusTransport(modbusConfig, cfg.Type, logger)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// createSimulatedTransport creates a bench device
func createSimulatedTransport(cfg config.DeviceConfig) Transport {
	response := cfg.Simulated.Response
	if response == "" {
		response = "OK"
	}
	st := NewSimulatedTransport(cfg.Type, []byte(response))
	st.SetLatency(cfg.Simulated.Latency)
	st.SetFailEvery(cfg.Simulated.FailEvery)
	st.SetBatch(cfg.Batch)
	return st
}

// ValidateConfig validates the transport settings of a device entry
func ValidateConfig(cfg config.DeviceConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("device id is required")
	}

	switch cfg.Transport {
	case config.TransportSerial:
		return validateSerialConfig(cfg.Serial)
	case config.TransportTCP:
		return validateTCPConfig(cfg.TCP)
	case config.TransportModbus:
		if cfg.Modbus.Address == "" {
			return fmt.Errorf("modbus address is required")
		}
		return nil
	case config.TransportSimulated:
		return nil
	default:
		return fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
}

// validateSerialConfig validates serial configuration
func validateSerialConfig(cfg config.SerialPortConfig) error {
	if cfg.Port == "" {
		return fmt.Errorf("serial port is required")
	}
	if cfg.BaudRate == 0 {
		return nil
	}

	validRates := []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200, 230400}
	for _, rate := range validRates {
		if cfg.BaudRate == rate {
			return nil
		}
	}
	return fmt.Errorf("invalid baud rate: %d", cfg.BaudRate)
}

// validateTCPConfig validates TCP configuration
func validateTCPConfig(cfg config.TCPPortConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("TCP host is required")
	}
	if cfg.Port != 0 && (cfg.Port < 1 || cfg.Port > 65535) {
		return fmt.Errorf("invalid port number: %d", cfg.Port)
	}
	return nil
}
