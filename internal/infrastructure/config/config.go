package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all worker configuration
type Config struct {
	App        AppConfig
	Log        LogConfig
	Storage    StorageConfig
	Model      ModelConfig
	Serverless ServerlessConfig
	HTTP       HTTPConfig
	Dedupe     DedupeConfig
	Journal    JournalConfig
	Telemetry  TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// StorageConfig holds S3-compatible object storage settings for the model bucket
type StorageConfig struct {
	Bucket       string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
	UseSSL       bool
	MaxRetries   int
}

// ModelConfig holds model download settings
type ModelConfig struct {
	Dir          string // local directory the model is synced into
	Concurrency  int    // parallel object downloads
	SkipExisting bool   // skip objects whose local size already matches
	VerifySize   bool   // verify downloaded file size against object size
}

// ServerlessConfig holds control-plane settings for the job loop
type ServerlessConfig struct {
	BaseURL           string
	WorkerID          string
	AuthToken         string
	PollInterval      time.Duration
	Concurrency       int
	JobTimeout        time.Duration
	MaxRetries        int // result delivery retries
	RetryDelay        time.Duration
	HeartbeatInterval time.Duration
}

// HTTPConfig holds the local development API server configuration
type HTTPConfig struct {
	Enabled      bool
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodySize  int64
}

// DedupeConfig holds job deduplication settings
type DedupeConfig struct {
	Backend string // memory, redis
	TTL     time.Duration
	Redis   RedisConfig
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// JournalConfig holds the local job history settings
type JournalConfig struct {
	Path      string        // SQLite database file
	Retention time.Duration // records older than this are pruned
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with WORKER_ prefix (e.g. WORKER_STORAGE_BUCKET)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set config file settings
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/worker")

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	// Enable environment variable override
	v.SetEnvPrefix("WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Build config struct
	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Storage: StorageConfig{
			Bucket:       v.GetString("storage.bucket"),
			Endpoint:     v.GetString("storage.endpoint"),
			Region:       v.GetString("storage.region"),
			AccessKey:    v.GetString("storage.access_key"),
			SecretKey:    v.GetString("storage.secret_key"),
			UsePathStyle: v.GetBool("storage.use_path_style"),
			UseSSL:       v.GetBool("storage.use_ssl"),
			MaxRetries:   v.GetInt("storage.max_retries"),
		},
		Model: ModelConfig{
			Dir:          v.GetString("model.dir"),
			Concurrency:  v.GetInt("model.concurrency"),
			SkipExisting: v.GetBool("model.skip_existing"),
			VerifySize:   v.GetBool("model.verify_size"),
		},
		Serverless: ServerlessConfig{
			BaseURL:           v.GetString("serverless.base_url"),
			WorkerID:          v.GetString("serverless.worker_id"),
			AuthToken:         v.GetString("serverless.auth_token"),
			PollInterval:      v.GetDuration("serverless.poll_interval"),
			Concurrency:       v.GetInt("serverless.concurrency"),
			JobTimeout:        v.GetDuration("serverless.job_timeout"),
			MaxRetries:        v.GetInt("serverless.max_retries"),
			RetryDelay:        v.GetDuration("serverless.retry_delay"),
			HeartbeatInterval: v.GetDuration("serverless.heartbeat_interval"),
		},
		HTTP: HTTPConfig{
			Enabled:      v.GetBool("http.enabled"),
			Port:         v.GetString("http.port"),
			ReadTimeout:  v.GetDuration("http.read_timeout"),
			WriteTimeout: v.GetDuration("http.write_timeout"),
			IdleTimeout:  v.GetDuration("http.idle_timeout"),
			MaxBodySize:  v.GetInt64("http.max_body_size"),
		},
		Dedupe: DedupeConfig{
			Backend: v.GetString("dedupe.backend"),
			TTL:     v.GetDuration("dedupe.ttl"),
			Redis: RedisConfig{
				Host:     v.GetString("dedupe.redis.host"),
				Port:     v.GetInt("dedupe.redis.port"),
				Password: v.GetString("dedupe.redis.password"),
				DB:       v.GetInt("dedupe.redis.db"),
			},
		},
		Journal: JournalConfig{
			Path:      v.GetString("journal.path"),
			Retention: v.GetDuration("journal.retention"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
		},
	}

	// Storage settings fall back to the environment variables the hosting
	// platform injects into worker pods
	if cfg.Storage.AccessKey == "" {
		cfg.Storage.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if cfg.Storage.SecretKey == "" {
		cfg.Storage.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = os.Getenv("S3_BUCKET")
	}
	if cfg.Storage.Endpoint == "" {
		cfg.Storage.Endpoint = os.Getenv("S3_ENDPOINT")
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = os.Getenv("S3_REGION")
	}
	if cfg.Serverless.WorkerID == "" {
		cfg.Serverless.WorkerID = os.Getenv("RUNPOD_POD_ID")
	}

	// Apply defaults for empty values
	applyDefaults(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "podworker"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Storage.Endpoint == "" {
		cfg.Storage.Endpoint = "https://s3api-eu-cz-1.runpod.io"
	}
	if cfg.Storage.Region == "" {
		cfg.Storage.Region = "eu-cz-1"
	}
	if cfg.Storage.MaxRetries == 0 {
		cfg.Storage.MaxRetries = 3
	}
	if cfg.Model.Dir == "" {
		cfg.Model.Dir = "/model"
	}
	if cfg.Model.Concurrency == 0 {
		cfg.Model.Concurrency = 4
	}
	if cfg.Serverless.PollInterval == 0 {
		cfg.Serverless.PollInterval = time.Second
	}
	if cfg.Serverless.Concurrency == 0 {
		cfg.Serverless.Concurrency = 1
	}
	if cfg.Serverless.JobTimeout == 0 {
		cfg.Serverless.JobTimeout = 5 * time.Minute
	}
	if cfg.Serverless.MaxRetries == 0 {
		cfg.Serverless.MaxRetries = 3
	}
	if cfg.Serverless.RetryDelay == 0 {
		cfg.Serverless.RetryDelay = 2 * time.Second
	}
	if cfg.Serverless.HeartbeatInterval == 0 {
		cfg.Serverless.HeartbeatInterval = 10 * time.Second
	}
	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = "8000"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = "jobs.db"
	}
	if cfg.Journal.Retention == 0 {
		cfg.Journal.Retention = 7 * 24 * time.Hour
	}
	if cfg.Dedupe.Backend == "" {
		cfg.Dedupe.Backend = "memory"
	}
	if cfg.Dedupe.TTL == 0 {
		cfg.Dedupe.TTL = 24 * time.Hour
	}
	if cfg.Dedupe.Redis.Host == "" {
		cfg.Dedupe.Redis.Host = "localhost"
	}
	if cfg.Dedupe.Redis.Port == 0 {
		cfg.Dedupe.Redis.Port = 6379
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "podworker"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Model.Concurrency < 1 {
		return fmt.Errorf("model.concurrency must be at least 1")
	}
	if c.Serverless.Concurrency < 1 {
		return fmt.Errorf("serverless.concurrency must be at least 1")
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("storage.max_retries cannot be negative")
	}

	switch c.Dedupe.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("dedupe.backend must be 'memory' or 'redis', got %q", c.Dedupe.Backend)
	}

	// Production-specific validations
	if c.App.Env == "production" {
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return fmt.Errorf("storage credentials are required in production (set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY)")
		}
		if c.Serverless.BaseURL == "" {
			return fmt.Errorf("serverless.base_url is required in production")
		}
		if c.Serverless.AuthToken == "" {
			return fmt.Errorf("serverless.auth_token is required in production")
		}
	}

	// Validate telemetry configuration (all environments)
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// Addr returns the host:port address for the Redis connection
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
