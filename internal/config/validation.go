package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/duke-git/lancet/v2/slice"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration values.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire configuration and returns any errors.
func (v *Validator) Validate(cfg *Config) error {
	v.errors = nil

	v.validateServer(&cfg.Server)
	v.validateDispatcher(&cfg.Dispatcher)
	v.validateDatabase(&cfg.Database)
	v.validateCache(cfg)
	v.validateLogging(cfg)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Address == "" {
		v.addError("server.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("server.address", "invalid address format, expected host:port or :port")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("server.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("server.write_timeout", "write timeout must be non-negative")
	}
}

func (v *Validator) validateDispatcher(cfg *DispatcherConfig) {
	if cfg.GroupSize <= 0 {
		v.addError("dispatcher.group_size", "group size must be positive")
	}
	if cfg.MinQueueSize < 0 {
		v.addError("dispatcher.min_queue_size", "min queue size must be non-negative")
	}
	if cfg.MaxPriority <= 0 {
		v.addError("dispatcher.max_priority", "max priority must be positive")
	}
	if cfg.BanDuration < 0 {
		v.addError("dispatcher.ban_duration", "ban duration must be non-negative")
	}
	if cfg.MaxTriesAfterError < 0 {
		v.addError("dispatcher.max_tries_after_error", "max tries must be non-negative")
	}
	if cfg.StaleTaskTimeout <= 0 {
		v.addError("dispatcher.stale_task_timeout", "stale task timeout must be positive")
	}
	if cfg.StaleCheckInterval <= 0 {
		v.addError("dispatcher.stale_check_interval", "stale check interval must be positive")
	}
	if cfg.StaleTaskTimeout > 0 && cfg.StaleCheckInterval > 0 && cfg.StaleCheckInterval > cfg.StaleTaskTimeout {
		v.addError("dispatcher.stale_check_interval", "stale check interval should not exceed stale task timeout")
	}
	if cfg.ShrinkInterval <= 0 {
		v.addError("dispatcher.shrink_interval", "shrink interval must be positive")
	}
	if cfg.EventBufferSize <= 0 {
		v.addError("dispatcher.event_buffer_size", "event buffer size must be positive")
	}
	if cfg.ParamsVersion != 1 && cfg.ParamsVersion != 2 {
		v.addError("dispatcher.params_version", "params version must be 1 or 2")
	}
}

func (v *Validator) validateDatabase(cfg *DatabaseConfig) {
	if !slice.Contain([]string{"memory", "mysql", "postgres"}, cfg.Driver) {
		v.addError("database.driver", "driver must be one of memory, mysql, postgres")
		return
	}
	if cfg.Driver == "memory" {
		return
	}
	if cfg.Host == "" {
		v.addError("database.host", "host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		v.addError("database.port", "port must be between 1 and 65535")
	}
	if cfg.Database == "" {
		v.addError("database.database", "database name is required")
	}
	for i, host := range cfg.Replicas {
		if host == "" {
			v.addError(fmt.Sprintf("database.replicas[%d]", i), "replica host cannot be empty")
		}
	}
}

func (v *Validator) validateCache(cfg *Config) {
	if !slice.Contain([]string{"memory", "redis", "database"}, cfg.Cache.Backend) {
		v.addError("cache.backend", "backend must be one of memory, redis, database")
		return
	}
	if cfg.Cache.Backend == "redis" && cfg.Redis.Addr == "" {
		v.addError("redis.addr", "redis address is required for the redis cache backend")
	}
	if cfg.Cache.Backend == "database" && cfg.Database.Driver == "memory" {
		v.addError("cache.backend", "database cache backend requires a sql database driver")
	}
	if cfg.Cache.TTL < 0 {
		v.addError("cache.ttl", "ttl must be non-negative")
	}
}

func (v *Validator) validateLogging(cfg *Config) {
	if !slice.Contain([]string{"debug", "info", "warn", "error"}, strings.ToLower(cfg.Logging.Level)) {
		v.addError("logging.level", "level must be one of debug, info, warn, error")
	}
	if !slice.Contain([]string{"json", "console"}, cfg.Logging.Format) {
		v.addError("logging.format", "format must be json or console")
	}
	if !slice.Contain([]string{"stdout", "file", "both"}, cfg.Logging.Output) {
		v.addError("logging.output", "output must be stdout, file or both")
	}
	if (cfg.Logging.Output == "file" || cfg.Logging.Output == "both") && cfg.Logging.FilePath == "" {
		v.addError("logging.file_path", "file path is required for file output")
	}
}

func isValidAddress(addr string) bool {
	if strings.HasPrefix(addr, ":") {
		port := strings.TrimPrefix(addr, ":")
		if port == "" {
			return false
		}
		_, err := net.LookupPort("tcp", port)
		return err == nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return false
	}
	_, err = net.LookupPort("tcp", port)
	return err == nil && host != ""
}

// ValidateConfig is a convenience wrapper.
func ValidateConfig(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
