package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// RelayConfig holds the collaboration relay configuration
type RelayConfig struct {
	// IdleSessionGrace is how long a sheet session with zero connections
	// keeps its cached cell data before the sweeper evicts it.
	IdleSessionGrace time.Duration `yaml:"idle_session_grace" env:"RELAY_IDLE_SESSION_GRACE"`
	// SweepInterval is how often the idle-session sweeper runs.
	SweepInterval time.Duration `yaml:"sweep_interval" env:"RELAY_SWEEP_INTERVAL"`
	// StalePresenceTimeout marks presence entries offline when their last
	// heartbeat is older than this. Zero (the default) disables the check
	// and a participant stays "online" until the socket closes.
	StalePresenceTimeout time.Duration `yaml:"stale_presence_timeout" env:"RELAY_STALE_PRESENCE_TIMEOUT"`
	// SendBufferSize is the per-connection outbound message buffer.
	SendBufferSize int `yaml:"send_buffer_size" env:"RELAY_SEND_BUFFER_SIZE"`
	// MaxMessageBytes limits the size of a single inbound frame.
	MaxMessageBytes int64 `yaml:"max_message_bytes" env:"RELAY_MAX_MESSAGE_BYTES"`
	// MaxChatRunes truncates chat messages longer than this.
	MaxChatRunes int `yaml:"max_chat_runes" env:"RELAY_MAX_CHAT_RUNES"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOG_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOG_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOG_ALSO_CONSOLE"`
}

// envPrefix is prepended to every env tag when looking up overrides.
const envPrefix = "GRIDSYNC_"

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			Interface:    "0.0.0.0",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Relay: RelayConfig{
			IdleSessionGrace:     15 * time.Minute,
			SweepInterval:        5 * time.Minute,
			StalePresenceTimeout: 0,
			SendBufferSize:       256,
			MaxMessageBytes:      1 << 20,
			MaxChatRunes:         500,
		},
		Logging: LoggingConfig{
			Level:            "info",
			IsDev:            true,
			LogDir:           "logs",
			MaxAgeDays:       7,
			MaxSizeMB:        100,
			MaxBackups:       10,
			AlsoLogToConsole: true,
		},
	}
}

// Load reads configuration from an optional yaml file and applies
// GRIDSYNC_* environment overrides on top of the defaults.
func Load(configFile string) (*Config, error) {
	config := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile) // #nosec G304 - path comes from the operator
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
			}
		} else if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configFile, err)
		}
	}

	if err := overrideStructWithEnv(reflect.ValueOf(config).Elem()); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// overrideStructWithEnv walks struct fields and applies env-tagged overrides
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && fieldType.Type != reflect.TypeOf(time.Duration(0)) {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue := os.Getenv(envPrefix + envTag)
		if envValue == "" {
			continue
		}
		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("invalid value for %s%s: %w", envPrefix, envTag, err)
		}
	}
	return nil
}

// setFieldFromString sets a struct field value from a string based on the field type
func setFieldFromString(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool value: %s", value)
		}
		field.SetBool(boolVal)
	case reflect.Int:
		intVal, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid int value: %s", value)
		}
		field.SetInt(int64(intVal))
	case reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", value)
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid int64 value: %s", value)
			}
			field.SetInt(intVal)
		}
	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server port must be numeric: %s", c.Server.Port)
	}
	if c.Relay.IdleSessionGrace <= 0 {
		return fmt.Errorf("relay idle session grace must be positive")
	}
	if c.Relay.SweepInterval <= 0 {
		return fmt.Errorf("relay sweep interval must be positive")
	}
	if c.Relay.StalePresenceTimeout < 0 {
		return fmt.Errorf("relay stale presence timeout must not be negative")
	}
	if c.Relay.SendBufferSize <= 0 {
		return fmt.Errorf("relay send buffer size must be positive")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay max message bytes must be positive")
	}
	if c.Relay.MaxChatRunes <= 0 {
		return fmt.Errorf("relay max chat runes must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Logging.Level)
	}
	return nil
}

// ListenAddr returns the interface:port pair the HTTP server binds to
func (c *Config) ListenAddr() string {
	return c.Server.Interface + ":" + c.Server.Port
}
