// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"device-command-service/internal/config"
)

const defaultLogFile = "./logs/device-command-service.log"

// NewLogger builds the process logger from the logging section. Output is
// stdout, stderr or a file path; files rotate through lumberjack.
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	sink, err := newWriteSyncer(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), sink, level)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339Nano)
	ec.EncodeLevel = zapcore.LowercaseLevelEncoder
	ec.EncodeCaller = zapcore.ShortCallerEncoder

	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func newWriteSyncer(cfg *config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	path := cfg.Output
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSize, // megabytes
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge, // days
		Compress:   cfg.Compress,
	}), nil
}

// DeviceLogger scopes log lines to one registered device
type DeviceLogger struct {
	*zap.Logger
	deviceID   string
	deviceType string
}

// NewDeviceLogger creates a device-specific logger
func NewDeviceLogger(baseLogger *zap.Logger, deviceID, deviceType string) *DeviceLogger {
	logger := baseLogger.With(
		zap.String("device_id", deviceID),
		zap.String("device_type", deviceType),
		zap.String("component", "device"),
	)

	return &DeviceLogger{
		Logger:     logger,
		deviceID:   deviceID,
		deviceType: deviceType,
	}
}

// LogAttempt logs one transmission attempt
func (dl *DeviceLogger) LogAttempt(commandID string, attempt, maxAttempts int, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("command_id", commandID),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", maxAttempts),
		zap.Duration("duration", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		dl.Warn("Transmission attempt failed", fields...)
	} else {
		dl.Debug("Transmission attempt succeeded", fields...)
	}
}

// LogConnection logs connection events
func (dl *DeviceLogger) LogConnection(action string, success bool, err error) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.Bool("success", success),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		dl.Error("Device connection event", fields...)
	} else {
		dl.Info("Device connection event", fields...)
	}
}

// CommandLogger provides structured logging for one command's lifecycle
type CommandLogger struct {
	logger    *zap.Logger
	commandID string
	startTime time.Time
}

// NewCommandLogger creates a command-specific logger
func NewCommandLogger(baseLogger *zap.Logger, commandType, commandID, deviceID string) *CommandLogger {
	logger := baseLogger.With(
		zap.String("command_type", commandType),
		zap.String("command_id", commandID),
		zap.String("device_id", deviceID),
		zap.String("component", "command"),
	)

	return &CommandLogger{
		logger:    logger,
		commandID: commandID,
		startTime: time.Now(),
	}
}

// Start logs command start
func (cl *CommandLogger) Start(fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Time("start_time", cl.startTime),
	}, fields...)

	cl.logger.Debug("Command started", allFields...)
}

// Success logs successful command completion
func (cl *CommandLogger) Success(fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Duration("duration", time.Since(cl.startTime)),
		zap.Bool("success", true),
	}, fields...)

	cl.logger.Info("Command acknowledged", allFields...)
}

// Failure logs command failure
func (cl *CommandLogger) Failure(reason string, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.Duration("duration", time.Since(cl.startTime)),
		zap.Bool("success", false),
		zap.String("reason", reason),
	}, fields...)

	cl.logger.Warn("Command failed", allFields...)
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// AuditLogger records the safety-relevant trail: stops, cancellations, expiries
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates an audit-specific logger
func NewAuditLogger(baseLogger *zap.Logger) *AuditLogger {
	return &AuditLogger{
		logger: baseLogger.With(zap.String("component", "audit")),
	}
}

// LogEmergencyStop logs one device stop and how many queued commands it dropped
func (al *AuditLogger) LogEmergencyStop(deviceID, commandID string, cleared int, success bool, errMsg string) {
	fields := []zap.Field{
		zap.String("device_id", deviceID),
		zap.String("command_id", commandID),
		zap.Int("cleared_commands", cleared),
		zap.Bool("success", success),
		zap.String("action", "emergency_stop"),
	}
	if !success {
		al.logger.Error("Emergency stop failed", append(fields, zap.String("error", errMsg))...)
		return
	}
	al.logger.Warn("Emergency stop executed", fields...)
}

// LogGlobalStop logs the aggregate of a stop fanned out to every device
func (al *AuditLogger) LogGlobalStop(commandID string, devices int, failed []string) {
	fields := []zap.Field{
		zap.String("command_id", commandID),
		zap.Int("devices", devices),
		zap.Strings("failed_devices", failed),
		zap.String("action", "global_stop"),
	}
	if len(failed) > 0 {
		al.logger.Error("Global stop incomplete", fields...)
		return
	}
	al.logger.Warn("Global stop executed", fields...)
}

// LogCancellation logs a queued command removed before transmission
func (al *AuditLogger) LogCancellation(commandID, deviceID, reason string) {
	al.logger.Info("Command cancelled",
		zap.String("command_id", commandID),
		zap.String("device_id", deviceID),
		zap.String("reason", reason),
		zap.String("action", "cancel_command"),
	)
}

// LogExpiry logs a command dropped for sitting in the queue too long
func (al *AuditLogger) LogExpiry(commandID, deviceID string, age time.Duration) {
	al.logger.Warn("Queued command expired",
		zap.String("command_id", commandID),
		zap.String("device_id", deviceID),
		zap.Duration("age", age),
		zap.String("action", "expire_command"),
	)
}

// SecurityLogger provides security-related logging
type SecurityLogger struct {
	logger *zap.Logger
}

// NewSecurityLogger creates a security-specific logger
func NewSecurityLogger(baseLogger *zap.Logger) *SecurityLogger {
	return &SecurityLogger{
		logger: baseLogger.With(zap.String("component", "security")),
	}
}

// LogAuthAttempt logs authentication attempts
func (sl *SecurityLogger) LogAuthAttempt(subject, clientIP, userAgent string, success bool, reason string) {
	level := zapcore.InfoLevel
	if !success {
		level = zapcore.WarnLevel
	}

	if ce := sl.logger.Check(level, "Authentication attempt"); ce != nil {
		ce.Write(
			zap.String("subject", subject),
			zap.String("client_ip", clientIP),
			zap.String("user_agent", userAgent),
			zap.Bool("success", success),
			zap.String("reason", reason),
			zap.String("action", "auth_attempt"),
		)
	}
}

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// CloseLogger flushes buffered entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
