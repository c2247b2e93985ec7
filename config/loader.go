package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat represents the configuration file format
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// DefaultEnvPrefix prefixes every environment override, as in DURABLE_LOG_LEVEL.
const DefaultEnvPrefix = "DURABLE"

// Loader handles configuration loading from various sources
type Loader struct {
	// Configuration search paths
	searchPaths []string

	// Environment variable prefix
	envPrefix string

	// Default configuration
	defaultConfig *Config

	// lookupEnv is os.LookupEnv outside of tests
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	paths := []string{".", "./config", "./configs", "/etc/durable"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".durable"))
	}
	return &Loader{
		searchPaths:   paths,
		envPrefix:     DefaultEnvPrefix,
		defaultConfig: DefaultConfig(),
		lookupEnv:     os.LookupEnv,
	}
}

// SetSearchPaths sets the configuration file search paths
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix sets the environment variable prefix
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration that files and the environment
// are applied on top of.
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from the specified file. An empty filename
// searches the search paths and falls back to the defaults.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.AutoLoad()
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile loads configuration from a specific file, then applies
// environment overrides and validates the result.
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader loads configuration from an io.Reader
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration data: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad automatically discovers and loads configuration
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, _, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

// finish applies environment overrides and validates.
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return config, nil
}

// findConfigFile searches for configuration files in search paths
func (l *Loader) findConfigFile() (string, ConfigFormat, error) {
	filenames := []string{
		"durable.yaml", "durable.yml",
		"config.yaml", "config.yml",
		"durable.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				format, err := formatOf(filename)
				if err != nil {
					continue
				}
				return fullPath, format, nil
			}
		}
	}

	return "", "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// parseConfig decodes data on top of the defaults, so fields the file leaves
// out keep their default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
	case FormatJSON:
		// JSON goes through the YAML decoder too so durations such as
		// "30s" read the same in both formats.
		if !json.Valid(data) {
			return nil, fmt.Errorf("%w: malformed JSON", ErrConfigParseError)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", format)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return config, nil
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParseError, err)
	}
	return config, nil
}

// loadFromEnv loads configuration overrides from environment variables
func (l *Loader) loadFromEnv(config *Config) error {
	e := envReader{prefix: l.envPrefix, lookup: l.lookupEnv}
	if e.lookup == nil {
		e.lookup = os.LookupEnv
	}

	// App configuration
	e.str("APP_NAME", &config.App.Name)
	e.str("APP_VERSION", &config.App.Version)
	if val, ok := e.get("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}
	e.boolean("APP_DEBUG", &config.App.Debug)

	// Log configuration
	if val, ok := e.get("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	e.str("LOG_FORMAT", &config.Log.Format)
	e.str("LOG_OUTPUT", &config.Log.Output)

	// Coordinator configuration
	e.integer("COORDINATOR_HOSTS", &config.Coordinator.Hosts)
	e.str("COORDINATOR_SOCKET_DIR", &config.Coordinator.SocketDir)
	e.str("COORDINATOR_SOCKET_PREFIX", &config.Coordinator.SocketPrefix)
	e.str("COORDINATOR_HASH", &config.Coordinator.Hash)
	e.duration("COORDINATOR_READY_TIMEOUT", &config.Coordinator.ReadyTimeout)
	e.duration("COORDINATOR_TERMINATE_TIMEOUT", &config.Coordinator.TerminateTimeout)

	// Actor configuration
	e.duration("ACTOR_IDLE_TIMEOUT", &config.Actor.IdleTimeout)
	e.duration("ACTOR_SWEEP_INTERVAL", &config.Actor.SweepInterval)

	// Storage configuration
	e.str("STORAGE_TYPE", &config.Storage.Type)
	e.str("STORAGE_DIR", &config.Storage.Dir)
	e.str("STORAGE_REDIS_ADDR", &config.Storage.Redis.Addr)
	e.str("STORAGE_REDIS_PASSWORD", &config.Storage.Redis.Password)
	e.integer("STORAGE_REDIS_DB", &config.Storage.Redis.DB)
	e.str("STORAGE_REDIS_KEY_PREFIX", &config.Storage.Redis.KeyPrefix)

	// Transport configuration
	e.integer("TRANSPORT_CHUNK_SIZE", &config.Transport.ChunkSize)
	e.integer("TRANSPORT_MAX_FRAME_SIZE", &config.Transport.MaxFrameSize)
	e.duration("TRANSPORT_DIAL_TIMEOUT", &config.Transport.DialTimeout)

	return errors.Join(e.errs...)
}

// envReader applies prefixed environment variables and collects parse
// errors.
type envReader struct {
	prefix string
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(name string) (string, bool) {
	val, ok := e.lookup(e.prefix + "_" + name)
	if !ok || val == "" {
		return "", false
	}
	return val, true
}

func (e *envReader) fail(name, val string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%w: %s_%s=%q: %v", ErrEnvironmentVarError, e.prefix, name, val, err))
}

func (e *envReader) str(name string, dst *string) {
	if val, ok := e.get(name); ok {
		*dst = val
	}
}

func (e *envReader) boolean(name string, dst *bool) {
	if val, ok := e.get(name); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(name string, dst *int) {
	if val, ok := e.get(name); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if val, ok := e.get(name); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(name, val, err)
			return
		}
		*dst = d
	}
}
