// Package config provides configuration management for durable applications
package config

import (
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/najoast/durable/network"
	"github.com/najoast/durable/placement"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// SlogLevel maps l to its slog level. Unknown levels map to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Storage types understood by storage.New.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageRedis  = "redis"
)

// Config represents the complete durable configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Host processes and placement
	Coordinator CoordinatorConfig `yaml:"coordinator" json:"coordinator"`

	// Actor lifetime
	Actor ActorConfig `yaml:"actor" json:"actor"`

	// Actor state persistence
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Coordinator to host framing
	Transport network.Options `yaml:"transport" json:"transport"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`

	// Debug mode
	Debug bool `yaml:"debug" json:"debug"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (json, text)
	Format string `yaml:"format" json:"format"`

	// Output destination (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

// CoordinatorConfig controls how many hosts are spawned and where they listen.
type CoordinatorConfig struct {
	// Number of host processes. Zero keeps every actor in the coordinator.
	Hosts int `yaml:"hosts" json:"hosts"`

	// Directory holding host sockets. Empty means the system temp dir.
	SocketDir string `yaml:"socket_dir" json:"socket_dir"`

	// Socket file prefix; host i listens on <socket_dir>/<prefix>-<i>.sock
	SocketPrefix string `yaml:"socket_prefix" json:"socket_prefix"`

	// Placement hash (rolling, xxh3)
	Hash string `yaml:"hash" json:"hash"`

	// How long a host may take to accept its first connection
	ReadyTimeout time.Duration `yaml:"ready_timeout" json:"ready_timeout"`

	// How long Close waits for hosts before killing them
	TerminateTimeout time.Duration `yaml:"terminate_timeout" json:"terminate_timeout"`
}

// ActorConfig contains actor lifetime configuration
type ActorConfig struct {
	// Idle time after which an actor is hibernated; zero disables sweeping
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// How often the sweeper runs
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// Environment bindings handed to every actor factory
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// StorageConfig selects the storage provider
type StorageConfig struct {
	// Provider type (memory, file, redis)
	Type string `yaml:"type" json:"type"`

	// Root directory of the file provider
	Dir string `yaml:"dir" json:"dir"`

	// Redis provider settings
	Redis RedisConfig `yaml:"redis" json:"redis"`
}

// RedisConfig contains redis connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	Password  string `yaml:"password" json:"password"`
	DB        int    `yaml:"db" json:"db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "durable",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stderr",
		},
		Coordinator: CoordinatorConfig{
			Hosts:            0,
			SocketPrefix:     "durable",
			Hash:             "rolling",
			ReadyTimeout:     10 * time.Second,
			TerminateTimeout: 10 * time.Second,
		},
		Actor: ActorConfig{
			IdleTimeout:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageMemory,
			Dir:  "data",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "durable:",
			},
		},
		Transport: network.DefaultOptions(),
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	if c.Actor.Env != nil {
		out.Actor.Env = maps.Clone(c.Actor.Env)
	}
	return &out
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidEnvironment, c.App.Environment)
	}

	if !c.Log.Level.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, c.Log.Format)
	}

	if c.Coordinator.Hosts < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidHosts, c.Coordinator.Hosts)
	}
	if _, err := placement.ByName(c.Coordinator.Hash); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidHash, c.Coordinator.Hash)
	}
	if c.Coordinator.ReadyTimeout < 0 || c.Coordinator.TerminateTimeout < 0 {
		return fmt.Errorf("%w: coordinator timeouts must not be negative", ErrInvalidTimeout)
	}

	if c.Actor.IdleTimeout < 0 || c.Actor.SweepInterval < 0 {
		return fmt.Errorf("%w: actor timeouts must not be negative", ErrInvalidTimeout)
	}
	if c.Actor.IdleTimeout > 0 && c.Actor.SweepInterval == 0 {
		return fmt.Errorf("%w: idle_timeout needs a sweep_interval", ErrInvalidTimeout)
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageFile:
		if c.Storage.Dir == "" {
			return fmt.Errorf("%w: file storage needs a dir", ErrInvalidStorage)
		}
	case StorageRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("%w: redis storage needs an addr", ErrInvalidStorage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidStorage, c.Storage.Type)
	}

	if c.Transport.ChunkSize < 0 || c.Transport.MaxFrameSize < 0 {
		return fmt.Errorf("%w: sizes must not be negative", ErrInvalidTransport)
	}
	if c.Transport.MaxFrameSize > 0 && c.Transport.ChunkSize > c.Transport.MaxFrameSize {
		return fmt.Errorf("%w: chunk_size %d exceeds max_frame_size %d",
			ErrInvalidTransport, c.Transport.ChunkSize, c.Transport.MaxFrameSize)
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// IsDebugEnabled returns true if debug mode is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.App.Debug || c.App.Environment == EnvDevelopment
}

// IsLocal reports whether actors run inside the coordinator process.
func (c *Config) IsLocal() bool {
	return c.Coordinator.Hosts == 0
}
