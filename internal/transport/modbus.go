package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	mb "github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// DefaultModbusFunction is the first user-defined function code (65-72)
const DefaultModbusFunction byte = 0x41

// maxPDUData is the largest payload that fits a modbus PDU next to the function code
const maxPDUData = 252

// ModbusConfig represents a modbus RTU or TCP link
type ModbusConfig struct {
	Mode         string        `json:"mode"`
	Address      string        `json:"address"`
	SlaveID      byte          `json:"slave_id"`
	FunctionCode byte          `json:"function_code"`
	BaudRate     int           `json:"baud_rate"`
	DataBits     int           `json:"data_bits"`
	StopBits     int           `json:"stop_bits"`
	Parity       string        `json:"parity"`
	Timeout      time.Duration `json:"timeout"`
}

// modbusHandler embeds mb.ClientHandler and exposes Connect/Close used for lifecycle
type modbusHandler interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// ModbusTransport carries serialized commands to relay boards inside a
// user-defined function code PDU.
type ModbusTransport struct {
	statsRecorder
	config     *ModbusConfig
	deviceType string
	handler    modbusHandler
	logger     *zap.Logger
	mutex      sync.Mutex
	connected  bool
}

// NewModbusTransport builds the TCP or RTU handler described by config
func NewModbusTransport(config *ModbusConfig, deviceType string, logger *zap.Logger) (*ModbusTransport, error) {
	handler, err := newModbusHandler(config)
	if err != nil {
		return nil, err
	}
	return newModbusTransport(config, deviceType, handler, logger), nil
}

func newModbusTransport(config *ModbusConfig, deviceType string, handler modbusHandler, logger *zap.Logger) *ModbusTransport {
	if config.FunctionCode == 0 {
		config.FunctionCode = DefaultModbusFunction
	}
	return &ModbusTransport{
		config:     config,
		deviceType: deviceType,
		handler:    handler,
		logger: logger.With(
			zap.String("transport", "modbus"),
			zap.String("address", config.Address),
			zap.Uint8("slave_id", config.SlaveID),
		),
	}
}

func newModbusHandler(config *ModbusConfig) (modbusHandler, error) {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(config.Mode)) {
	case "tcp", "modbus-tcp", "":
		if config.Address == "" {
			return nil, fmt.Errorf("modbus tcp address is required")
		}
		h := mb.NewTCPClientHandler(config.Address)
		h.Timeout = timeout
		h.SlaveId = config.SlaveID
		return h, nil
	case "rtu", "modbus-rtu":
		if config.Address == "" {
			return nil, fmt.Errorf("serial port is required for RTU")
		}
		h := mb.NewRTUClientHandler(config.Address)
		if config.BaudRate > 0 {
			h.BaudRate = config.BaudRate
		}
		if config.DataBits > 0 {
			h.DataBits = config.DataBits
		}
		if config.StopBits > 0 {
			h.StopBits = config.StopBits
		}
		if p := strings.ToUpper(strings.TrimSpace(config.Parity)); p != "" {
			h.Parity = p[:1]
		}
		h.Timeout = timeout
		h.SlaveId = config.SlaveID
		return h, nil
	default:
		return nil, fmt.Errorf("modbus mode %s not implemented", config.Mode)
	}
}

// Open connects the handler
func (mt *ModbusTransport) Open(ctx context.Context) error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	if mt.connected {
		return nil
	}
	if err := mt.handler.Connect(); err != nil {
		mt.logger.Error("Failed to connect modbus handler", zap.Error(err))
		return fmt.Errorf("connect modbus %s: %w", mt.config.Address, err)
	}
	mt.connected = true
	mt.setConnected(true)
	mt.logger.Info("Modbus link opened")
	return nil
}

// Close disconnects the handler
func (mt *ModbusTransport) Close() error {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	if !mt.connected {
		return nil
	}
	mt.connected = false
	mt.setConnected(false)
	return mt.handler.Close()
}

// IsConnected reports whether the handler is connected
func (mt *ModbusTransport) IsConnected() bool {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()
	return mt.connected
}

// DeviceType returns the device type behind this link
func (mt *ModbusTransport) DeviceType() string { return mt.deviceType }

// SupportsBatchCommands is false; a PDU holds one command
func (mt *ModbusTransport) SupportsBatchCommands() bool { return false }

// Stats returns link statistics
func (mt *ModbusTransport) Stats() Stats { return mt.snapshot() }

type modbusReply struct {
	adu []byte
	err error
}

// SendAndReceive wraps data in a PDU, verifies the reply ADU and returns its payload
func (mt *ModbusTransport) SendAndReceive(ctx context.Context, data []byte, timeout time.Duration) ([]byte, error) {
	mt.mutex.Lock()
	defer mt.mutex.Unlock()

	if !mt.connected {
		return nil, ErrNotConnected
	}
	if len(data) > maxPDUData {
		return nil, fmt.Errorf("payload of %d bytes exceeds modbus pdu limit of %d", len(data), maxPDUData)
	}

	request := &mb.ProtocolDataUnit{FunctionCode: mt.config.FunctionCode, Data: data}
	aduRequest, err := mt.handler.Encode(request)
	if err != nil {
		return nil, fmt.Errorf("encode modbus request: %w", err)
	}

	timeout = effectiveTimeout(ctx, timeout)
	start := time.Now()

	done := make(chan modbusReply, 1)
	go func() {
		adu, err := mt.handler.Send(aduRequest)
		done <- modbusReply{adu: adu, err: err}
	}()

	var reply modbusReply
	select {
	case reply = <-done:
	case <-time.After(timeout):
		err := fmt.Errorf("%w: no modbus reply after %v", ErrTimeout, timeout)
		mt.recordError(err)
		return nil, err
	case <-ctx.Done():
		mt.recordError(ctx.Err())
		return nil, ctx.Err()
	}

	if reply.err != nil {
		var netErr net.Error
		if errors.As(reply.err, &netErr) && netErr.Timeout() {
			reply.err = fmt.Errorf("%w: %v", ErrTimeout, reply.err)
		}
		mt.recordError(reply.err)
		return nil, fmt.Errorf("modbus send: %w", reply.err)
	}

	if err := mt.handler.Verify(aduRequest, reply.adu); err != nil {
		mt.recordError(err)
		return nil, fmt.Errorf("modbus verify: %w", err)
	}
	response, err := mt.handler.Decode(reply.adu)
	if err != nil {
		mt.recordError(err)
		return nil, fmt.Errorf("modbus decode: %w", err)
	}

	// exception responses set the high bit of the function code
	if response.FunctionCode != request.FunctionCode {
		var exception byte
		if len(response.Data) > 0 {
			exception = response.Data[0]
		}
		err := &mb.ModbusError{FunctionCode: response.FunctionCode, ExceptionCode: exception}
		mt.recordError(err)
		return nil, err
	}

	mt.recordExchange(len(data), len(response.Data), time.Since(start))
	return response.Data, nil
}
