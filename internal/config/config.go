// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Transmitter   TransmitterConfig   `mapstructure:"transmitter"`
	History       HistoryConfig       `mapstructure:"history"`
	Processor     ProcessorConfig     `mapstructure:"processor"`
	Serialization SerializationConfig `mapstructure:"serialization"`
	Devices       []DeviceConfig      `mapstructure:"devices"`
	Archive       ArchiveConfig       `mapstructure:"archive"`
	AMQP          AMQPConfig          `mapstructure:"amqp"`
	Security      SecurityConfig      `mapstructure:"security"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	App           AppConfig           `mapstructure:"app"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// QueueConfig controls the priority queue
type QueueConfig struct {
	CapacityPerPriority int           `mapstructure:"capacity_per_priority"`
	MaxAge              time.Duration `mapstructure:"max_age"`
	ExpiryInterval      time.Duration `mapstructure:"expiry_interval"`
	StatsInterval       time.Duration `mapstructure:"stats_interval"`
}

// TransmitterConfig controls retry backoff
type TransmitterConfig struct {
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Jitter     float64       `mapstructure:"jitter"`
}

// HistoryConfig controls the in-memory audit store
type HistoryConfig struct {
	GlobalCapacity int           `mapstructure:"global_capacity"`
	DeviceCapacity int           `mapstructure:"device_capacity"`
	Retention      time.Duration `mapstructure:"retention"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// ProcessorConfig controls dispatch concurrency. Zero means unbounded.
type ProcessorConfig struct {
	MaxInFlight        int           `mapstructure:"max_in_flight"`
	NotificationBuffer int           `mapstructure:"notification_buffer"`
	ReconnectInterval  time.Duration `mapstructure:"reconnect_interval"`
}

// SerializationConfig points at an optional yaml file of device-type profiles
type SerializationConfig struct {
	ProfilesFile string `mapstructure:"profiles_file"`
}

// DeviceConfig represents one statically configured device and its transport
type DeviceConfig struct {
	ID        string           `mapstructure:"id"`
	Type      string           `mapstructure:"type"`
	Transport string           `mapstructure:"transport"`
	Batch     bool             `mapstructure:"batch"`
	Serial    SerialPortConfig `mapstructure:"serial"`
	TCP       TCPPortConfig    `mapstructure:"tcp"`
	Modbus    ModbusConfig     `mapstructure:"modbus"`
	Simulated SimulatedConfig  `mapstructure:"simulated"`
}

// Transport kinds
const (
	TransportSerial    = "serial"
	TransportTCP       = "tcp"
	TransportModbus    = "modbus"
	TransportSimulated = "simulated"
)

// SerialPortConfig represents serial port configuration
type SerialPortConfig struct {
	Port       string        `mapstructure:"port"`
	BaudRate   int           `mapstructure:"baud_rate"`
	DataBits   int           `mapstructure:"data_bits"`
	StopBits   int           `mapstructure:"stop_bits"`
	Parity     string        `mapstructure:"parity"`
	Terminator string        `mapstructure:"terminator"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// TCPPortConfig represents TCP connection configuration
type TCPPortConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	KeepAlive      bool          `mapstructure:"keep_alive"`
	BufferSize     int           `mapstructure:"buffer_size"`
	Terminator     string        `mapstructure:"terminator"`
}

// ModbusConfig represents a modbus RTU or TCP link
type ModbusConfig struct {
	Mode         string        `mapstructure:"mode"` // rtu or tcp
	Address      string        `mapstructure:"address"`
	SlaveID      byte          `mapstructure:"slave_id"`
	FunctionCode byte          `mapstructure:"function_code"`
	BaudRate     int           `mapstructure:"baud_rate"`
	DataBits     int           `mapstructure:"data_bits"`
	StopBits     int           `mapstructure:"stop_bits"`
	Parity       string        `mapstructure:"parity"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// SimulatedConfig represents a bench device
type SimulatedConfig struct {
	Latency   time.Duration `mapstructure:"latency"`
	Response  string        `mapstructure:"response"`
	FailEvery int           `mapstructure:"fail_every"`
}

// ArchiveConfig represents the command archive database
type ArchiveConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Driver       string        `mapstructure:"driver"` // postgres or sqlite
	DSN          string        `mapstructure:"dsn"`
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	MaxLifetime  time.Duration `mapstructure:"max_lifetime"`
	Migrate      bool          `mapstructure:"migrate"`
	BufferSize   int           `mapstructure:"buffer_size"`
	Retention    time.Duration `mapstructure:"retention"`
}

// AMQPConfig represents the broker used for command notifications
type AMQPConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	VHost      string `mapstructure:"vhost"`
	Exchange   string `mapstructure:"exchange"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// SecurityConfig represents security configuration
type SecurityConfig struct {
	AuthEnabled    bool          `mapstructure:"auth_enabled"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTExpiration  time.Duration `mapstructure:"jwt_expiration"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// MetricsConfig represents the prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// AppConfig represents application metadata
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// Load loads configuration from the default search paths and environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("../../internal/config")
	v.AddConfigPath(".")
	return load(v)
}

// LoadFrom loads configuration from an explicit file path
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	// Environment variable support
	v.SetEnvPrefix("COMMAND_SERVICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8086")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age", 28)
	v.SetDefault("logging.compress", true)

	// Queue defaults
	v.SetDefault("queue.capacity_per_priority", 1000)
	v.SetDefault("queue.max_age", "10m")
	v.SetDefault("queue.expiry_interval", "30s")
	v.SetDefault("queue.stats_interval", "5s")

	// Transmitter defaults
	v.SetDefault("transmitter.base_delay", "100ms")
	v.SetDefault("transmitter.multiplier", 2.0)
	v.SetDefault("transmitter.max_delay", "30s")
	v.SetDefault("transmitter.jitter", 0.1)

	// History defaults
	v.SetDefault("history.global_capacity", 10000)
	v.SetDefault("history.device_capacity", 1000)
	v.SetDefault("history.retention", "24h")
	v.SetDefault("history.sweep_interval", "1h")

	v.SetDefault("processor.max_in_flight", 0)
	v.SetDefault("processor.notification_buffer", 1024)
	v.SetDefault("processor.reconnect_interval", "5s")

	// Archive defaults
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.driver", "sqlite")
	v.SetDefault("archive.host", "localhost")
	v.SetDefault("archive.port", 5432)
	v.SetDefault("archive.user", "postgres")
	v.SetDefault("archive.dbname", "device_commands")
	v.SetDefault("archive.sslmode", "disable")
	v.SetDefault("archive.max_open_conns", 10)
	v.SetDefault("archive.max_idle_conns", 2)
	v.SetDefault("archive.max_lifetime", "5m")
	v.SetDefault("archive.migrate", true)
	v.SetDefault("archive.buffer_size", 1000)
	v.SetDefault("archive.retention", "720h")

	// AMQP defaults
	v.SetDefault("amqp.enabled", false)
	v.SetDefault("amqp.host", "localhost")
	v.SetDefault("amqp.port", 5672)
	v.SetDefault("amqp.user", "guest")
	v.SetDefault("amqp.password", "guest")
	v.SetDefault("amqp.vhost", "/")
	v.SetDefault("amqp.exchange", "device.commands")
	v.SetDefault("amqp.buffer_size", 1000)

	// Security defaults
	v.SetDefault("security.auth_enabled", false)
	v.SetDefault("security.jwt_expiration", "24h")
	v.SetDefault("security.allowed_origins", []string{"*"})

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.namespace", "device_commands")

	// App defaults
	v.SetDefault("app.name", "device-command-service")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if config.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if config.Security.AuthEnabled && config.Security.JWTSecret == "" {
		return fmt.Errorf("security.jwt_secret is required when auth is enabled")
	}

	validEnvs := []string{"development", "staging", "production", "test"}
	if !contains(validEnvs, config.App.Environment) {
		return fmt.Errorf("app.environment must be one of: %v", validEnvs)
	}

	validLevels := []string{"debug", "info", "warn", "error", "fatal"}
	if !contains(validLevels, config.Logging.Level) {
		return fmt.Errorf("logging.level must be one of: %v", validLevels)
	}

	if config.Queue.CapacityPerPriority <= 0 {
		return fmt.Errorf("queue.capacity_per_priority must be positive")
	}
	if config.Transmitter.Multiplier < 1 {
		return fmt.Errorf("transmitter.multiplier must be at least 1")
	}
	if config.Transmitter.Jitter < 0 || config.Transmitter.Jitter >= 1 {
		return fmt.Errorf("transmitter.jitter must be within [0, 1)")
	}
	if config.History.GlobalCapacity <= 0 || config.History.DeviceCapacity <= 0 {
		return fmt.Errorf("history capacities must be positive")
	}

	seen := make(map[string]bool, len(config.Devices))
	validTransports := []string{TransportSerial, TransportTCP, TransportModbus, TransportSimulated}
	for i, dev := range config.Devices {
		if dev.ID == "" {
			return fmt.Errorf("devices[%d].id is required", i)
		}
		if dev.ID == "*" {
			return fmt.Errorf("devices[%d].id %q is reserved", i, dev.ID)
		}
		if seen[dev.ID] {
			return fmt.Errorf("duplicate device id %s", dev.ID)
		}
		seen[dev.ID] = true
		if !contains(validTransports, dev.Transport) {
			return fmt.Errorf("device %s: transport must be one of: %v", dev.ID, validTransports)
		}
	}

	if config.Archive.Enabled {
		if config.Archive.Driver != "postgres" && config.Archive.Driver != "sqlite" {
			return fmt.Errorf("archive.driver must be postgres or sqlite")
		}
	}

	return nil
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// GetArchiveDSN returns the archive connection string. An explicit dsn wins;
// for postgres one is otherwise built from the parts.
func (c *Config) GetArchiveDSN() string {
	if c.Archive.DSN != "" {
		return c.Archive.DSN
	}
	if c.Archive.Driver == "sqlite" {
		return "./data/commands.db"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Archive.Host, c.Archive.Port, c.Archive.User,
		c.Archive.Password, c.Archive.DBName, c.Archive.SSLMode)
}

// GetAMQPURL returns the broker connection URL
func (c *Config) GetAMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.AMQP.User, c.AMQP.Password,
		c.AMQP.Host, c.AMQP.Port, c.AMQP.VHost)
}

// GetServerAddr returns the server address
func (c *Config) GetServerAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Host, c.Server.Port)
}

// IsProduction checks if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDevelopment checks if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsDebugEnabled checks if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.IsDevelopment()
}
