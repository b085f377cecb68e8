package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"nmstate-agent/internal/domain/constants"
	"nmstate-agent/internal/domain/errors"

	"github.com/go-playground/validator/v10"
)

// Journal drivers
const (
	JournalDriverFile  = "file"
	JournalDriverMySQL = "mysql"
)

// Config is a struct that holds application configuration
type Config struct {
	Agent    AgentConfig
	Journal  JournalConfig
	Database DatabaseConfig
	Remote   RemoteConfig
	Watchdog WatchdogConfig
	Health   HealthConfig
	Tracing  TracingConfig
}

// AgentConfig holds the local engine settings
type AgentConfig struct {
	HostName             string        `validate:"required,hostname_rfc1123"`
	Backend              string        `validate:"oneof=auto nmstate netplan memory"`
	StateDir             string        `validate:"required"`
	NetplanConfigDir     string        `validate:"required"`
	OSReleasePath        string        `validate:"required"`
	UseNsenter           bool
	ManagementInterfaces []string      `validate:"dive,required"`
	ManagementAddress    string        `validate:"omitempty,ip"`
	ProbeTargets         []string      `validate:"dive,hostname_port"`
	ApplyTimeout         time.Duration `validate:"gt=0"`
	VerifyGrace          time.Duration `validate:"gt=0"`
	RestoreMargin        time.Duration `validate:"gt=0"`
	RestoreTimeout       time.Duration `validate:"gt=0"`
	CommandTimeout       time.Duration `validate:"gt=0"`
	ResultRetention      time.Duration `validate:"gt=0"`
}

// JournalConfig selects where the checkpoint journal lives
type JournalConfig struct {
	Driver string `validate:"oneof=file mysql"`
}

// DatabaseConfig is a struct that holds database configuration for the mysql journal
type DatabaseConfig struct {
	Host         string
	Port         string
	User         string
	Password     string
	Database     string
	MaxOpenConns int `validate:"gte=0"`
	MaxIdleConns int `validate:"gte=0"`
	MaxLifetime  time.Duration
}

// RemoteConfig holds the SSH channel and batch settings
type RemoteConfig struct {
	InventoryFile     string
	AgentPath         string `validate:"required"`
	User              string
	KeyFile           string
	KnownHostsFile    string
	InsecureHostKey   bool
	ConnectTimeout    time.Duration `validate:"gt=0"`
	Concurrency       int           `validate:"gte=0"`
	HostTimeoutMargin time.Duration `validate:"gte=0"`
	ConfirmInterval   time.Duration `validate:"gt=0"`
	RetryAttempts     int           `validate:"gte=1"`
	RetryDelay        time.Duration `validate:"gt=0"`
}

// WatchdogConfig holds the recovery loop backoff settings
type WatchdogConfig struct {
	Interval    time.Duration `validate:"gt=0"`
	MaxInterval time.Duration `validate:"gt=0"`
	Multiplier  float64       `validate:"gt=1"`
}

// HealthConfig is a struct that holds health check configuration
type HealthConfig struct {
	Port string `validate:"required,numeric"`
}

// TracingConfig selects the span exporter
type TracingConfig struct {
	Exporter    string `validate:"oneof=none stdout"`
	ServiceName string `validate:"required"`
}

// ConfigLoader is an interface for loading configuration
type ConfigLoader interface {
	Load() (*Config, error)
}

// EnvironmentConfigLoader is an implementation that loads configuration from environment variables
type EnvironmentConfigLoader struct {
	validate *validator.Validate
}

// NewEnvironmentConfigLoader creates a new EnvironmentConfigLoader
func NewEnvironmentConfigLoader() ConfigLoader {
	return &EnvironmentConfigLoader{validate: validator.New()}
}

// Load loads configuration from environment variables
func (l *EnvironmentConfigLoader) Load() (*Config, error) {
	config := &Config{
		Agent: AgentConfig{
			HostName:             getEnvOrDefault("AGENT_HOSTNAME", defaultHostName()),
			Backend:              getEnvOrDefault("AGENT_BACKEND", "auto"),
			StateDir:             getEnvOrDefault("STATE_DIR", constants.DefaultStateDir),
			NetplanConfigDir:     getEnvOrDefault("NETPLAN_CONFIG_DIR", constants.NetplanConfigDir),
			OSReleasePath:        getEnvOrDefault("OS_RELEASE_PATH", constants.OSReleaseFile),
			UseNsenter:           getEnvBoolOrDefault("USE_NSENTER", false),
			ManagementInterfaces: getEnvListOrDefault("MANAGEMENT_INTERFACES", nil),
			ManagementAddress:    getEnvOrDefault("MANAGEMENT_ADDRESS", ""),
			ProbeTargets:         getEnvListOrDefault("PROBE_TARGETS", nil),
			ApplyTimeout:         getEnvDurationOrDefault("APPLY_TIMEOUT", constants.DefaultApplyTimeout),
			VerifyGrace:          getEnvDurationOrDefault("VERIFY_GRACE", constants.DefaultVerifyGrace),
			RestoreMargin:        getEnvDurationOrDefault("RESTORE_MARGIN", constants.DefaultRestoreMargin),
			RestoreTimeout:       getEnvDurationOrDefault("RESTORE_TIMEOUT", constants.DefaultRestoreTimeout),
			CommandTimeout:       getEnvDurationOrDefault("COMMAND_TIMEOUT", constants.DefaultCommandTimeout),
			ResultRetention:      getEnvDurationOrDefault("RESULT_RETENTION", constants.DefaultResultRetention),
		},
		Journal: JournalConfig{
			Driver: getEnvOrDefault("JOURNAL_DRIVER", JournalDriverFile),
		},
		Database: DatabaseConfig{
			Host:         getEnvOrDefault("DB_HOST", constants.DefaultDBHost),
			Port:         getEnvOrDefault("DB_PORT", constants.DefaultDBPort),
			User:         getEnvOrDefault("DB_USER", "root"),
			Password:     getEnvOrDefault("DB_PASSWORD", ""),
			Database:     getEnvOrDefault("DB_NAME", constants.DefaultDBName),
			MaxOpenConns: getEnvIntOrDefault("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvIntOrDefault("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvDurationOrDefault("DB_MAX_LIFETIME", 5*time.Minute),
		},
		Remote: RemoteConfig{
			InventoryFile:     getEnvOrDefault("INVENTORY_FILE", ""),
			AgentPath:         getEnvOrDefault("REMOTE_AGENT_PATH", constants.DefaultAgentPath),
			User:              getEnvOrDefault("SSH_USER", "root"),
			KeyFile:           getEnvOrDefault("SSH_KEY_FILE", ""),
			KnownHostsFile:    getEnvOrDefault("SSH_KNOWN_HOSTS", constants.DefaultKnownHostsFile),
			InsecureHostKey:   getEnvBoolOrDefault("SSH_INSECURE_HOST_KEY", false),
			ConnectTimeout:    getEnvDurationOrDefault("SSH_CONNECT_TIMEOUT", 10*time.Second),
			Concurrency:       getEnvIntOrDefault("BATCH_CONCURRENCY", 0),
			HostTimeoutMargin: getEnvDurationOrDefault("HOST_TIMEOUT_MARGIN", time.Minute),
			ConfirmInterval:   getEnvDurationOrDefault("CONFIRM_INTERVAL", 2*time.Second),
			RetryAttempts:     getEnvIntOrDefault("RECONNECT_ATTEMPTS", 5),
			RetryDelay:        getEnvDurationOrDefault("RECONNECT_DELAY", 2*time.Second),
		},
		Watchdog: WatchdogConfig{
			Interval:    getEnvDurationOrDefault("WATCHDOG_INTERVAL", 10*time.Second),
			MaxInterval: getEnvDurationOrDefault("WATCHDOG_MAX_INTERVAL", 5*time.Minute),
			Multiplier:  getEnvFloatOrDefault("WATCHDOG_BACKOFF_MULTIPLIER", 2.0),
		},
		Health: HealthConfig{
			Port: getEnvOrDefault("HEALTH_PORT", constants.DefaultHealthPort),
		},
		Tracing: TracingConfig{
			Exporter:    getEnvOrDefault("TRACING_EXPORTER", "none"),
			ServiceName: getEnvOrDefault("TRACING_SERVICE_NAME", constants.ServiceName),
		},
	}

	// Validate configuration
	if err := l.validate.Struct(config); err != nil {
		return nil, errors.NewValidationError("invalid configuration", err)
	}
	if err := l.check(config); err != nil {
		return nil, err
	}

	return config, nil
}

// check covers rules that span fields
func (l *EnvironmentConfigLoader) check(config *Config) error {
	if config.Journal.Driver == JournalDriverMySQL {
		if config.Database.Host == "" {
			return errors.NewValidationError("database host not configured", nil)
		}
		if config.Database.Port == "" {
			return errors.NewValidationError("database port not configured", nil)
		}
		if config.Database.User == "" {
			return errors.NewValidationError("database user not configured", nil)
		}
		if config.Database.Database == "" {
			return errors.NewValidationError("database name not configured", nil)
		}
	}

	if config.Watchdog.MaxInterval < config.Watchdog.Interval {
		return errors.NewValidationError("watchdog max interval is shorter than its interval", nil)
	}

	if config.Remote.InventoryFile != "" && config.Remote.KnownHostsFile == "" && !config.Remote.InsecureHostKey {
		return errors.NewValidationError("known hosts file not configured for the SSH channel", nil)
	}

	return nil
}

// Environment variable helper functions

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma-separated value, dropping empty items
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func defaultHostName() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return strings.ToLower(name)
}
