package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"yqhp/dispatcher/pkg/logger"
)

// Config represents the complete configuration for the dispatcher.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Cache      CacheConfig      `yaml:"cache"`
	Events     EventsConfig     `yaml:"events"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    logger.Config    `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address      string        `yaml:"address" env:"DSP_SERVER_ADDRESS"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"DSP_SERVER_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"DSP_SERVER_WRITE_TIMEOUT"`
}

// DispatcherConfig holds queue, matcher and lifecycle tunables.
type DispatcherConfig struct {
	GroupSize          int           `yaml:"group_size" env:"DSP_GROUP_SIZE"`
	MinQueueSize       int           `yaml:"min_queue_size" env:"DSP_MIN_QUEUE_SIZE"`
	MaxPriority        int           `yaml:"max_priority" env:"DSP_MAX_PRIORITY"`
	BanDuration        time.Duration `yaml:"ban_duration" env:"DSP_BAN_DURATION"`
	MaxTriesAfterError int           `yaml:"max_tries_after_error" env:"DSP_MAX_TRIES_AFTER_ERROR"`
	StaleTaskTimeout   time.Duration `yaml:"stale_task_timeout" env:"DSP_STALE_TASK_TIMEOUT"`
	StaleCheckInterval time.Duration `yaml:"stale_check_interval" env:"DSP_STALE_CHECK_INTERVAL"`
	ShrinkInterval     time.Duration `yaml:"shrink_interval" env:"DSP_SHRINK_INTERVAL"`
	AcceptOnlySigned   bool          `yaml:"accept_only_signed" env:"DSP_ACCEPT_ONLY_SIGNED"`
	EventBufferSize    int           `yaml:"event_buffer_size" env:"DSP_EVENT_BUFFER_SIZE"`
	ParamsVersion      int           `yaml:"params_version" env:"DSP_PARAMS_VERSION"`
	LockAssertions     bool          `yaml:"lock_assertions" env:"DSP_LOCK_ASSERTIONS"`
}

// DatabaseConfig selects and configures the entity store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DSP_DB_DRIVER"` // memory, mysql, postgres
	Host            string        `yaml:"host" env:"DSP_DB_HOST"`
	Port            int           `yaml:"port" env:"DSP_DB_PORT"`
	Username        string        `yaml:"username" env:"DSP_DB_USERNAME"`
	Password        string        `yaml:"password" env:"DSP_DB_PASSWORD"`
	Database        string        `yaml:"database" env:"DSP_DB_NAME"`
	Charset         string        `yaml:"charset"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
	// Replicas are read-only hosts sharing the primary's credentials.
	Replicas []string `yaml:"replicas,omitempty"`
}

// RedisConfig holds redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"DSP_REDIS_ADDR"`
	Password string `yaml:"password" env:"DSP_REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"DSP_REDIS_DB"`
}

// CacheConfig selects the result cache backend.
type CacheConfig struct {
	Backend   string        `yaml:"backend" env:"DSP_CACHE_BACKEND"` // memory, redis, database
	KeyPrefix string        `yaml:"key_prefix" env:"DSP_CACHE_KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"DSP_CACHE_TTL"`
}

// EventsConfig configures optional NATS forwarding of dispatcher events.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url" env:"DSP_NATS_URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"DSP_NATS_SUBJECT_PREFIX"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"DSP_METRICS_ENABLED"`
	Path    string `yaml:"path" env:"DSP_METRICS_PATH"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			GroupSize:          10,
			MinQueueSize:       25,
			MaxPriority:        2_000_000,
			BanDuration:        30 * time.Minute,
			MaxTriesAfterError: 3,
			StaleTaskTimeout:   5 * time.Minute,
			StaleCheckInterval: 30 * time.Second,
			ShrinkInterval:     time.Minute,
			EventBufferSize:    1024,
			ParamsVersion:      2,
			LockAssertions:     true,
		},
		Database: DatabaseConfig{
			Driver:          "memory",
			Port:            3306,
			Charset:         "utf8mb4",
			MaxIdleConns:    10,
			MaxOpenConns:    50,
			ConnMaxLifetime: time.Hour,
			SlowThreshold:   200 * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Cache: CacheConfig{
			Backend:   "memory",
			KeyPrefix: "dsp:cache:",
		},
		Events: EventsConfig{
			SubjectPrefix: "dispatcher",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: *logger.DefaultConfig(),
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	dotenvPath string
	cmdArgs    map[string]string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs: make(map[string]string),
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithDotenv sets a .env file loaded before environment overrides are applied.
func (l *Loader) WithDotenv(path string) *Loader {
	l.dotenvPath = path
	return l
}

// WithCmdArgs sets command-line arguments for configuration override.
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < .env / environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if l.dotenvPath != "" {
		// existing environment variables win over the .env file
		if err := godotenv.Load(l.dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("加载 .env 文件失败: %w", err)
		}
	}

	if err := applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := setConfigValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

func applyEnvToStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct {
			if err := applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}
	return nil
}

// setConfigValue sets a configuration value by dot-notation path, matching yaml names.
func setConfigValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}
		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}
		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}
	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file path.
func LoadFromFile(path string) (*Config, error) {
	return NewLoader().WithConfigPath(path).Load()
}
