package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/smart-traffic/trafficsync/internal/poller"
)

// Config holds the sync layer configuration
type Config struct {
	// Backend endpoints
	BackendURL string `yaml:"backend_url"`
	SocketURL  string `yaml:"socket_url"`
	AuthURL    string `yaml:"auth_url"`

	// Gateway
	ListenAddr  string   `yaml:"listen_addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Journal
	SQLitePath     string `yaml:"sqlite_database"`
	RetentionHours int    `yaml:"retention_hours"`

	// Relay, disabled when RedisAddr is empty
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`

	// Connection manager
	Reconnect         bool          `yaml:"reconnect"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`

	// Polling
	PollTimeout time.Duration    `yaml:"poll_timeout"`
	Intervals   poller.Intervals `yaml:"intervals"`

	// Control
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	CommandBatch bool          `yaml:"command_batch"`

	// Logging
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// LoadEnvFiles reads .env then .env.local from dir. Missing files are ignored.
// .env never overrides the process environment; .env.local always does.
func LoadEnvFiles(dir string) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))
	_ = godotenv.Overload(filepath.Join(dir, ".env.local"))
}

// Load reads configuration from environment variables with defaults
func Load() *Config {
	defaults := poller.DefaultIntervals()
	backend := strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:5000"), "/")

	return &Config{
		BackendURL: backend,
		SocketURL:  getEnv("SOCKET_URL", socketURL(backend)),
		AuthURL:    strings.TrimRight(getEnv("AUTH_URL", ""), "/"),

		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		CORSOrigins: getEnvList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		SQLitePath:     getEnv("SQLITE_DATABASE", "data/trafficsync.db"),
		RetentionHours: getEnvInt("RETENTION_HOURS", 24),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "trafficsync:state"),

		Reconnect:         getEnvBool("RECONNECT", true),
		ReconnectAttempts: getEnvInt("RECONNECT_ATTEMPTS", 5),
		ReconnectDelay:    time.Duration(getEnvInt("RECONNECT_DELAY_MS", 1000)) * time.Millisecond,

		PollTimeout: getEnvSeconds("POLL_TIMEOUT_SECONDS", poller.DefaultTimeout),
		Intervals: poller.Intervals{
			Junctions:       getEnvSeconds("JUNCTIONS_INTERVAL_SECONDS", defaults.Junctions),
			Analytics:       getEnvSeconds("ANALYTICS_INTERVAL_SECONDS", defaults.Analytics),
			EmergencyFleet:  getEnvSeconds("EMERGENCY_FLEET_INTERVAL_SECONDS", defaults.EmergencyFleet),
			EmergencyAlerts: getEnvSeconds("EMERGENCY_ALERTS_INTERVAL_SECONDS", defaults.EmergencyAlerts),
			Simulation:      getEnvSeconds("SIMULATION_INTERVAL_SECONDS", defaults.Simulation),
			CV:              getEnvSeconds("CV_INTERVAL_SECONDS", defaults.CV),
		},

		AckTimeout:   getEnvSeconds("ACK_TIMEOUT_SECONDS", 5*time.Second),
		CommandBatch: getEnvBool("COMMAND_BATCH", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),
		LogFile:  getEnv("LOG_FILE", ""),
	}
}

// Overlay applies a YAML file on top of c. Keys absent from the file keep
// their current values.
func (c *Config) Overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	backend := c.BackendURL
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	newBackend := c.BackendURL
	c.BackendURL = backend
	c.SetBackendURL(newBackend)
	c.AuthURL = strings.TrimRight(c.AuthURL, "/")
	return nil
}

// SetBackendURL replaces the REST base URL. A socket URL that was derived
// from the previous base URL follows the change.
func (c *Config) SetBackendURL(u string) {
	u = strings.TrimRight(u, "/")
	if c.SocketURL == socketURL(c.BackendURL) {
		c.SocketURL = socketURL(u)
	}
	c.BackendURL = u
}

// Validate reports settings the session cannot start with
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL is required")
	}
	if c.SocketURL == "" {
		return fmt.Errorf("socket URL is required")
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("reconnect attempts must be positive, got %d", c.ReconnectAttempts)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive, got %s", c.AckTimeout)
	}
	return nil
}

// Retention returns the journal retention window
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}

// socketURL derives the event stream endpoint from the REST base URL
func socketURL(backend string) string {
	switch {
	case strings.HasPrefix(backend, "https://"):
		return "wss://" + strings.TrimPrefix(backend, "https://") + "/ws"
	case strings.HasPrefix(backend, "http://"):
		return "ws://" + strings.TrimPrefix(backend, "http://") + "/ws"
	}
	return ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvSeconds accepts whole or fractional seconds
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
