// Package config provides configuration management for taskforge.
// It supports loading configuration from environment variables, config
// files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for taskforge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Cron      CronConfig      `mapstructure:"cron"`
	IPC       IPCConfig       `mapstructure:"ipc"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Docker    DockerConfig    `mapstructure:"docker"`
}

// ServerConfig holds HTTP fallback server configuration for the control
// plane (used by the live-event-stream HTTP fallback, not the primary RPC
// transport).
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// DatabaseConfig holds database connection configuration. Driver selects
// the connection type db.Open builds; both binaries open the Persistence
// Store with persistence.NewSQLiteStore at Path whatever Driver says.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// SchedulerConfig holds Scheduler tick, lane, and cancellation settings.
type SchedulerConfig struct {
	TickIntervalMs      int `mapstructure:"tickIntervalMs"`
	LaneCapMain         int `mapstructure:"laneCapMain"`
	LaneCapSubagent     int `mapstructure:"laneCapSubagent"`
	LaneCapCron         int `mapstructure:"laneCapCron"`
	LaneCapSession      int `mapstructure:"laneCapSession"`
	CancelGraceSeconds  int `mapstructure:"cancelGraceSeconds"`
	CompletionRetryMax  int `mapstructure:"completionRetryMax"`
}

// TickInterval returns the tick interval as a time.Duration.
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// CancelGrace returns the cancellation grace period as a time.Duration.
func (s SchedulerConfig) CancelGrace() time.Duration {
	return time.Duration(s.CancelGraceSeconds) * time.Second
}

// CronConfig holds Agent Scheduler (cron) settings.
type CronConfig struct {
	TickIntervalMs int `mapstructure:"tickIntervalMs"`
	ClaimTTLTicks  int `mapstructure:"claimTtlTicks"`
}

// TickInterval returns the cron tick interval as a time.Duration.
func (c CronConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

// ClaimTTL returns the cron claim lease duration: claimTtlTicks tick
// intervals, default two.
func (c CronConfig) ClaimTTL() time.Duration {
	return c.TickInterval() * time.Duration(c.ClaimTTLTicks)
}

// IPCConfig holds the cross-process coordination transport settings.
// SocketPath is the execution daemon's internal socket (control plane ->
// daemon: submit_goal/cancel_goal, daemon -> control plane: scheduler
// events). RPCSocketPath is the control plane's own client-facing socket
// that external callers authenticate against and issue goal/agent/audit
// commands over.
type IPCConfig struct {
	SocketPath       string `mapstructure:"socketPath"`
	RPCSocketPath    string `mapstructure:"rpcSocketPath"`
	PIDLockPath      string `mapstructure:"pidLockPath"`
	RequestTimeoutMs int    `mapstructure:"requestTimeoutMs"`
}

// RequestTimeout returns the IPC command correlation timeout.
func (i IPCConfig) RequestTimeout() time.Duration {
	return time.Duration(i.RequestTimeoutMs) * time.Millisecond
}

// AuthConfig holds the challenge/pairing authentication settings.
type AuthConfig struct {
	ChallengeTTLSeconds int `mapstructure:"challengeTtlSeconds"`
}

// ChallengeTTL returns the auth challenge validity window.
func (a AuthConfig) ChallengeTTL() time.Duration {
	return time.Duration(a.ChallengeTTLSeconds) * time.Second
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// DockerConfig holds Docker client configuration for the container-backed
// ExecutionService adapter.
type DockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
}

// ReadTimeoutDuration returns the HTTP read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the HTTP write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" under Kubernetes or an explicit
// production environment, "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultConfigDir resolves the host-conventional configuration directory,
// overridable via TASKFORGE_HOME.
func defaultConfigDir() string {
	if dir := os.Getenv("TASKFORGE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskforge"
	}
	return filepath.Join(home, ".taskforge")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	dir := defaultConfigDir()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", filepath.Join(dir, "state.db"))
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskforge")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskforge")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "taskforge-cluster")
	v.SetDefault("nats.clientId", "taskforge-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("scheduler.tickIntervalMs", 1000)
	v.SetDefault("scheduler.laneCapMain", 4)
	v.SetDefault("scheduler.laneCapSubagent", 8)
	v.SetDefault("scheduler.laneCapCron", 2)
	v.SetDefault("scheduler.laneCapSession", 4)
	v.SetDefault("scheduler.cancelGraceSeconds", 30)
	v.SetDefault("scheduler.completionRetryMax", 3)

	v.SetDefault("cron.tickIntervalMs", 1000)
	v.SetDefault("cron.claimTtlTicks", 2)

	v.SetDefault("ipc.socketPath", filepath.Join(dir, "daemon.sock"))
	v.SetDefault("ipc.rpcSocketPath", filepath.Join(dir, "rpc.sock"))
	v.SetDefault("ipc.pidLockPath", filepath.Join(dir, "daemon.pid"))
	v.SetDefault("ipc.requestTimeoutMs", 10000)

	v.SetDefault("auth.challengeTtlSeconds", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", defaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
}

func defaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	return "unix:///var/run/docker.sock"
}

// Load reads configuration from environment variables, config file, and
// defaults, using the current directory and /etc/taskforge/ as config file
// search paths.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations. Environment variables use the TASKFORGE_ prefix.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "TASKFORGE_LOG_LEVEL")
	_ = v.BindEnv("database.path", "TASKFORGE_DB_PATH")
	_ = v.BindEnv("database.driver", "TASKFORGE_DB_DRIVER")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskforge/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
	if cfg.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("scheduler.tickIntervalMs must be positive")
	}
	if cfg.Cron.TickIntervalMs <= 0 {
		return fmt.Errorf("cron.tickIntervalMs must be positive")
	}
	return nil
}
