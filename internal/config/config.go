// Package config loads the engine configuration from a yaml file, POSSYNC_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/possync/internal/retry"
)

const (
	EnvPrefix      = "POSSYNC"
	configFileName = "possync"
	configFileType = "yaml"

	ProfileCustom       = "custom"
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileEmbedded     = "embedded"
	ProfileProduction   = "production"

	DefaultDataDir = ".possync"
	DefaultAPIAddr = "127.0.0.1:7781"
)

var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrUnsupportedProfile = errors.New("unsupported storage profile")
)

type Config struct {
	DeviceID      string             `mapstructure:"device_id" yaml:"device_id"`
	DataDir       string             `mapstructure:"data_dir" yaml:"data_dir"`
	Profile       string             `mapstructure:"profile" yaml:"profile"`
	ProductionDSN string             `mapstructure:"production_dsn" yaml:"production_dsn"`
	Backend       BackendConfig      `mapstructure:"backend" yaml:"backend"`
	Queue         QueueConfig        `mapstructure:"queue" yaml:"queue"`
	Cache         CacheConfig        `mapstructure:"cache" yaml:"cache"`
	Schema        SchemaConfig       `mapstructure:"schema" yaml:"schema"`
	Connectivity  ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Retry         RetryConfig        `mapstructure:"retry" yaml:"retry"`
	Sync          SyncConfig         `mapstructure:"sync" yaml:"sync"`
	API           APIConfig          `mapstructure:"api" yaml:"api"`
}

type BackendConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	Token         string        `mapstructure:"token" yaml:"token"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ClientRetries int           `mapstructure:"client_retries" yaml:"client_retries"`
}

type QueueConfig struct {
	DSN       string `mapstructure:"dsn" yaml:"dsn"`
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"`
}

type CacheConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

type SchemaConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

type ConnectivityConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	Jitter           float64       `mapstructure:"jitter" yaml:"jitter"`
}

type RetryConfig struct {
	BaseDelay     time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier    float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter        float64       `mapstructure:"jitter" yaml:"jitter"`
	MaxAttempts   int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	MaxRejections int           `mapstructure:"max_rejections" yaml:"max_rejections"`
}

type SyncConfig struct {
	PullEnabled  bool          `mapstructure:"pull_enabled" yaml:"pull_enabled"`
	PullInterval time.Duration `mapstructure:"pull_interval" yaml:"pull_interval"`
	PullPageSize int           `mapstructure:"pull_page_size" yaml:"pull_page_size"`
	RetryTick    time.Duration `mapstructure:"retry_tick" yaml:"retry_tick"`
	FeedEnabled  bool          `mapstructure:"feed_enabled" yaml:"feed_enabled"`
}

type APIConfig struct {
	Addr        string `mapstructure:"addr" yaml:"addr"`
	TokenSecret string `mapstructure:"token_secret" yaml:"token_secret"`
}

// SetDefaults registers every key so that environment variables bind even
// when the file does not mention them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("device_id", "")
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("profile", ProfileDurableLocal)
	v.SetDefault("production_dsn", "")

	v.SetDefault("backend.base_url", "http://127.0.0.1:8080")
	v.SetDefault("backend.token", "")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("backend.client_retries", 2)

	v.SetDefault("queue.dsn", "")
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("cache.dsn", "")

	v.SetDefault("schema.dir", "")
	v.SetDefault("schema.watch", false)

	v.SetDefault("connectivity.interval", 10*time.Second)
	v.SetDefault("connectivity.timeout", 3*time.Second)
	v.SetDefault("connectivity.failure_threshold", 2)
	v.SetDefault("connectivity.jitter", 0.1)

	v.SetDefault("retry.base_delay", retry.DefaultBaseDelay)
	v.SetDefault("retry.max_delay", retry.DefaultMaxDelay)
	v.SetDefault("retry.multiplier", retry.DefaultMultiplier)
	v.SetDefault("retry.jitter", retry.DefaultJitter)
	v.SetDefault("retry.max_attempts", retry.DefaultMaxAttempts)
	v.SetDefault("retry.max_rejections", retry.DefaultMaxRejections)

	v.SetDefault("sync.pull_enabled", true)
	v.SetDefault("sync.pull_interval", time.Minute)
	v.SetDefault("sync.pull_page_size", 200)
	v.SetDefault("sync.retry_tick", time.Second)
	v.SetDefault("sync.feed_enabled", false)

	v.SetDefault("api.addr", DefaultAPIAddr)
	v.SetDefault("api.token_secret", "")
}

// NewViper returns a viper instance with defaults and environment binding in
// place but no file read yet.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when it is set, otherwise possync.yaml from the working
// directory. A missing default file is not an error; a missing explicit file
// is.
func Load(path string) (Config, error) {
	v := NewViper()
	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configFileName)
		v.SetConfigType(configFileType)
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return FromViper(v)
}

func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	return cfg, nil
}

// Default is the configuration used when nothing is set.
func Default() Config {
	cfg, err := FromViper(NewViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) normalize() {
	c.DeviceID = strings.TrimSpace(c.DeviceID)
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.Profile = strings.ToLower(strings.TrimSpace(c.Profile))
	c.ProductionDSN = strings.TrimSpace(c.ProductionDSN)
	c.Backend.BaseURL = strings.TrimRight(strings.TrimSpace(c.Backend.BaseURL), "/")
	c.Queue.DSN = strings.TrimSpace(c.Queue.DSN)
	c.Cache.DSN = strings.TrimSpace(c.Cache.DSN)
	c.Schema.Dir = strings.TrimSpace(c.Schema.Dir)
}

func (c Config) Validate() error {
	var problems []string
	if c.Backend.BaseURL == "" {
		problems = append(problems, "backend.base_url is required")
	} else if !strings.HasPrefix(c.Backend.BaseURL, "http://") && !strings.HasPrefix(c.Backend.BaseURL, "https://") {
		problems = append(problems, "backend.base_url must be an http(s) URL")
	}
	if c.Backend.Timeout <= 0 {
		problems = append(problems, "backend.timeout must be positive")
	}
	if c.Backend.ClientRetries < 0 {
		problems = append(problems, "backend.client_retries must not be negative")
	}
	if c.Queue.BatchSize < 1 {
		problems = append(problems, "queue.batch_size must be at least 1")
	}
	if c.Connectivity.Interval <= 0 {
		problems = append(problems, "connectivity.interval must be positive")
	}
	if c.Connectivity.Timeout <= 0 {
		problems = append(problems, "connectivity.timeout must be positive")
	}
	if c.Connectivity.FailureThreshold < 1 {
		problems = append(problems, "connectivity.failure_threshold must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		problems = append(problems, "retry.base_delay must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		problems = append(problems, "retry.max_delay must not be below retry.base_delay")
	}
	if c.Retry.Multiplier < 1 {
		problems = append(problems, "retry.multiplier must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		problems = append(problems, "retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxRejections < 1 {
		problems = append(problems, "retry.max_rejections must be at least 1")
	}
	if c.Sync.PullEnabled && c.Sync.PullInterval <= 0 {
		problems = append(problems, "sync.pull_interval must be positive when pull is enabled")
	}
	if c.Sync.PullPageSize < 1 {
		problems = append(problems, "sync.pull_page_size must be at least 1")
	}
	if c.Sync.RetryTick <= 0 {
		problems = append(problems, "sync.retry_tick must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	if _, _, err := c.StorageDSNs(); err != nil {
		return err
	}
	return nil
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:     c.Retry.BaseDelay,
		MaxDelay:      c.Retry.MaxDelay,
		Multiplier:    c.Retry.Multiplier,
		Jitter:        c.Retry.Jitter,
		MaxAttempts:   c.Retry.MaxAttempts,
		MaxRejections: c.Retry.MaxRejections,
	}
}

// StorageDSNs resolves the queue log and cache DSNs. Explicit queue.dsn and
// cache.dsn always win over the profile.
func (c Config) StorageDSNs() (queueDSN, cacheDSN string, err error) {
	queueDSN, cacheDSN, err = c.profileDefaults()
	if err != nil {
		return "", "", err
	}
	if c.Queue.DSN != "" {
		queueDSN = c.Queue.DSN
	}
	if c.Cache.DSN != "" {
		cacheDSN = c.Cache.DSN
	}
	if queueDSN == "" {
		return "", "", fmt.Errorf("%w: queue.dsn is required when profile=%s", ErrInvalidConfig, c.Profile)
	}
	return queueDSN, cacheDSN, nil
}

func (c Config) profileDefaults() (queueDSN, cacheDSN string, err error) {
	dataDir := c.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir
	}
	switch c.Profile {
	case "", ProfileCustom:
		return "", "", nil
	case ProfileMemory, "inmemory":
		return "memory://", "memory://", nil
	case ProfileDurableLocal, "local-durable":
		return "file://" + filepath.Join(dataDir, "queue.jsonl"),
			"file://" + filepath.Join(dataDir, "cache.json"),
			nil
	case ProfileEmbedded, "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "queue.db"),
			"sqlite://" + filepath.Join(dataDir, "cache.db"),
			nil
	case ProfileProduction, "prod":
		if c.ProductionDSN == "" {
			return "", "", fmt.Errorf("%w: production_dsn is required when profile=%s", ErrInvalidConfig, c.Profile)
		}
		return c.ProductionDSN, "sqlite://" + filepath.Join(dataDir, "cache.db"), nil
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedProfile, c.Profile)
	}
}
