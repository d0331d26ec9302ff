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
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Session   SessionConfig   `yaml:"session"`
	Hub       HubConfig       `yaml:"hub"`
	Services  ServicesConfig  `yaml:"services"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `yaml:"port" env:"SERVER_PORT"`
	Interface    string        `yaml:"interface" env:"SERVER_INTERFACE"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
}

// RedisConfig holds Redis configuration for both the presence store and the
// pub/sub backbone pools
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     string `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	// PubSubPoolSize is the number of connections in each of the publish and
	// subscribe pools
	PubSubPoolSize int `yaml:"pubsub_pool_size" env:"REDIS_PUBSUB_POOL_SIZE"`
	// PublishOnIndividualChannels switches channel naming from "base" to
	// "base:id" so that busy rooms do not share one channel
	PublishOnIndividualChannels bool `yaml:"publish_on_individual_channels" env:"REDIS_INDIVIDUAL_CHANNELS"`
}

// SessionConfig holds connection authentication configuration
type SessionConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"SESSION_JWT_SECRET"`
}

// HubConfig holds tunables for presence tracking and event fanout
type HubConfig struct {
	// UserTTL is how long a presence entry survives without a refresh
	UserTTL time.Duration `yaml:"user_ttl" env:"HUB_USER_TTL"`
	// ProjectSetTTL is how long a project membership set survives
	ProjectSetTTL time.Duration `yaml:"project_set_ttl" env:"HUB_PROJECT_SET_TTL"`
	// NotEmptyTTL bounds the projectNotEmptySince marker
	NotEmptyTTL time.Duration `yaml:"not_empty_ttl" env:"HUB_NOT_EMPTY_TTL"`
	// StaleClientWindow is the freshness window for GetConnectedUsers
	StaleClientWindow time.Duration `yaml:"stale_client_window" env:"HUB_STALE_CLIENT_WINDOW"`
	// MaxUpdatePayload bounds inbound backbone payloads and OT updates
	MaxUpdatePayload int `yaml:"max_update_payload" env:"HUB_MAX_UPDATE_PAYLOAD"`
	// FlushIfEmptyDelay is how long to wait before flushing an empty project
	FlushIfEmptyDelay time.Duration `yaml:"flush_if_empty_delay" env:"HUB_FLUSH_IF_EMPTY_DELAY"`
	// ClientRefreshDelay is how long to wait for remote presence refreshes
	// before reading connected users
	ClientRefreshDelay time.Duration `yaml:"client_refresh_delay" env:"HUB_CLIENT_REFRESH_DELAY"`
}

// ServicesConfig holds the endpoints of external collaborators
type ServicesConfig struct {
	DocumentUpdaterURL string        `yaml:"document_updater_url" env:"DOCUMENT_UPDATER_URL"`
	WebAPIURL          string        `yaml:"web_api_url" env:"WEB_API_URL"`
	WebAPIUser         string        `yaml:"web_api_user" env:"WEB_API_USER"`
	WebAPIPassword     string        `yaml:"web_api_password" env:"WEB_API_PASSWORD"`
	RequestTimeout     time.Duration `yaml:"request_timeout" env:"SERVICES_REQUEST_TIMEOUT"`
}

// WebSocketConfig holds websocket transport configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" env:"WS_READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" env:"WS_WRITE_BUFFER_SIZE"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WS_WRITE_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"WS_PING_INTERVAL"`
	SendQueueSize   int           `yaml:"send_queue_size" env:"WS_SEND_QUEUE_SIZE"`
	// DrainTickInterval is the pacing interval for connection draining
	DrainTickInterval time.Duration `yaml:"drain_tick_interval" env:"WS_DRAIN_TICK_INTERVAL"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level" env:"LOG_LEVEL"`
	IsDev            bool   `yaml:"is_dev" env:"LOG_IS_DEV"`
	LogDir           string `yaml:"log_dir" env:"LOG_DIR"`
	MaxAgeDays       int    `yaml:"max_age_days" env:"LOG_MAX_AGE_DAYS"`
	MaxSizeMB        int    `yaml:"max_size_mb" env:"LOG_MAX_SIZE_MB"`
	MaxBackups       int    `yaml:"max_backups" env:"LOG_MAX_BACKUPS"`
	AlsoLogToConsole bool   `yaml:"also_log_to_console" env:"LOG_ALSO_LOG_TO_CONSOLE"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "3026",
			Interface:    "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Redis: RedisConfig{
			Host:           "localhost",
			Port:           "6379",
			DB:             0,
			PubSubPoolSize: 1,
		},
		Hub: HubConfig{
			UserTTL:            15 * time.Minute,
			ProjectSetTTL:      4 * 24 * time.Hour,
			NotEmptyTTL:        31 * 24 * time.Hour,
			StaleClientWindow:  15 * time.Minute,
			MaxUpdatePayload:   7 * 1024 * 1024,
			FlushIfEmptyDelay:  500 * time.Millisecond,
			ClientRefreshDelay: time.Second,
		},
		Services: ServicesConfig{
			DocumentUpdaterURL: "http://localhost:3003",
			WebAPIURL:          "http://localhost:3000",
			RequestTimeout:     30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			WriteTimeout:      10 * time.Second,
			PingInterval:      54 * time.Second,
			SendQueueSize:     256,
			DrainTickInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:            "info",
			LogDir:           "logs",
			AlsoLogToConsole: true,
		},
	}
}

// Load reads configuration from an optional YAML file, then applies
// environment variable overrides
func Load(filename string) (*Config, error) {
	config := Default()

	if filename != "" {
		if err := loadFromYAML(config, filename); err != nil {
			return nil, err
		}
	}

	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// loadFromYAML loads configuration from a YAML file
func loadFromYAML(config *Config, filename string) error {
	data, err := os.ReadFile(filename) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// overrideWithEnv overrides configuration values with environment variables
func overrideWithEnv(config *Config) error {
	return overrideStructWithEnv(reflect.ValueOf(config).Elem())
}

// overrideStructWithEnv recursively overrides struct fields with environment variables
func overrideStructWithEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := overrideStructWithEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue := os.Getenv(envTag)
		if envValue == "" {
			continue
		}

		if err := setFieldFromString(field, envValue); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envTag, err)
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
		// Handle time.Duration specially
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
	if c.Redis.Host == "" || c.Redis.Port == "" {
		return fmt.Errorf("redis host and port are required")
	}
	if c.Redis.PubSubPoolSize < 1 {
		return fmt.Errorf("redis pubsub pool size must be at least 1")
	}
	if c.Hub.MaxUpdatePayload <= 0 {
		return fmt.Errorf("max update payload must be positive")
	}
	if !strings.HasPrefix(c.Services.DocumentUpdaterURL, "http") {
		return fmt.Errorf("document updater url must be an http(s) endpoint")
	}
	if !strings.HasPrefix(c.Services.WebAPIURL, "http") {
		return fmt.Errorf("web api url must be an http(s) endpoint")
	}
	return nil
}

// RedisAddr returns the host:port address of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Redis.Host, c.Redis.Port)
}

// ListenAddr returns the host:port address the HTTP server binds to
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%s", c.Server.Interface, c.Server.Port)
}
