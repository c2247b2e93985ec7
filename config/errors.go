package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName     = errors.New("invalid application name")
	ErrInvalidEnvironment = errors.New("invalid environment")
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidLogFormat   = errors.New("invalid log format")
	ErrInvalidHosts       = errors.New("invalid host count")
	ErrInvalidHash        = errors.New("invalid placement hash")
	ErrInvalidTimeout     = errors.New("invalid timeout")
	ErrInvalidStorage     = errors.New("invalid storage configuration")
	ErrInvalidTransport   = errors.New("invalid transport configuration")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrEnvironmentVarError = errors.New("environment variable error")
)
