package config

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Analyzer struct {
	URL           string        `mapstructure:"URL"`
	Category      string        `mapstructure:"CATEGORY"`
	Timeout       time.Duration `mapstructure:"TIMEOUT"`
	HealthTimeout time.Duration `mapstructure:"HEALTH_TIMEOUT"`
	Tools         []string      `mapstructure:"TOOLS"`
}

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	Log        struct {
		Level      string `mapstructure:"LEVEL"`
		File       string `mapstructure:"FILE"`
		MaxSizeMB  int    `mapstructure:"MAX_SIZE_MB"`
		MaxBackups int    `mapstructure:"MAX_BACKUPS"`
		MaxAgeDays int    `mapstructure:"MAX_AGE_DAYS"`
	} `mapstructure:"LOG"`
	Otel struct {
		Addr     string `mapstructure:"ADDR"`
		Protocol string `mapstructure:"PROTOCOL"`
		Insecure bool   `mapstructure:"INSECURE"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Path           string `mapstructure:"PATH"`
		Telemetry      bool   `mapstructure:"TELEMETRY"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Kafka struct {
		Brokers []string `mapstructure:"BROKERS"`
		Topic   string   `mapstructure:"TOPIC"`
	} `mapstructure:"KAFKA"`
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Consul struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"CONSUL"`
	Vault struct {
		Enabled   bool   `mapstructure:"ENABLED"`
		MountPath string `mapstructure:"MOUNT_PATH"`
	} `mapstructure:"VAULT"`
	Generator struct {
		URL     string        `mapstructure:"URL"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"GENERATOR"`
	Orchestrator struct {
		NodeID             int64         `mapstructure:"NODE_ID"`
		PollInterval       time.Duration `mapstructure:"POLL_INTERVAL"`
		Workers            int           `mapstructure:"WORKERS"`
		MaxConcurrentTasks int           `mapstructure:"MAX_CONCURRENT_TASKS"`
		StuckGracePeriod   time.Duration `mapstructure:"STUCK_GRACE_PERIOD"`
		HeartbeatInterval  time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
		ReconcileInterval  time.Duration `mapstructure:"RECONCILE_INTERVAL"`
		PipelineInterval   time.Duration `mapstructure:"PIPELINE_INTERVAL"`
		PipelineLockTTL    time.Duration `mapstructure:"PIPELINE_LOCK_TTL"`
		ResultsDir         string        `mapstructure:"RESULTS_DIR"`
		BlobDir            string        `mapstructure:"BLOB_DIR"`
		MaxRetries         int           `mapstructure:"MAX_RETRIES"`
		ProtocolRetries    int           `mapstructure:"PROTOCOL_RETRIES"`
		BackoffBase        time.Duration `mapstructure:"BACKOFF_BASE"`
		BackoffMax         time.Duration `mapstructure:"BACKOFF_MAX"`
	} `mapstructure:"ORCHESTRATOR"`
	Analyzers map[string]Analyzer `mapstructure:"ANALYZERS"`
}

const (
	minPollInterval = 2 * time.Second
	maxPollInterval = 5 * time.Second
	minGraceMargin  = 5 * time.Minute
)

// Default returns a config usable without any file or environment.
func Default() *Config {
	var cfg Config
	cfg.AppEnv = "development"
	cfg.AppName = "appbench-orchestrator"
	cfg.Log.Level = "info"
	cfg.Log.MaxSizeMB = 100
	cfg.Log.MaxBackups = 5
	cfg.Log.MaxAgeDays = 14
	cfg.Otel.Protocol = "grpc"
	cfg.Otel.Insecure = true
	cfg.Server.Addr = ":8080"
	cfg.Database.Type = "sqlite"
	cfg.Database.Path = "orchestrator.db"
	cfg.Database.ConnectionPool.MaxIdleConn = 5
	cfg.Database.ConnectionPool.MaxOpenConns = 20
	cfg.Database.ConnectionPool.ConnMaxLifetime = time.Hour
	cfg.Database.ConnectionPool.ConnMaxIdleTime = 10 * time.Minute
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Redis.PoolSize = 10
	cfg.Redis.PoolTimeout = 5 * time.Second
	cfg.Kafka.Topic = "orchestrator.events"
	cfg.Vault.MountPath = "secret"
	cfg.Generator.Timeout = 10 * time.Minute

	o := &cfg.Orchestrator
	o.NodeID = 1
	o.PollInterval = 3 * time.Second
	o.Workers = 4
	o.MaxConcurrentTasks = 4
	o.StuckGracePeriod = 35 * time.Minute
	o.HeartbeatInterval = 30 * time.Second
	o.ReconcileInterval = time.Minute
	o.PipelineInterval = 5 * time.Second
	o.PipelineLockTTL = 2 * time.Minute
	o.ResultsDir = "results"
	o.BlobDir = "results/blobs"
	o.MaxRetries = 3
	o.ProtocolRetries = 1
	o.BackoffBase = 2 * time.Second
	o.BackoffMax = time.Minute

	cfg.Analyzers = map[string]Analyzer{
		"static-analyzer":    {URL: "ws://localhost:2001", Category: "static", Timeout: 30 * time.Minute, HealthTimeout: 5 * time.Second},
		"dynamic-analyzer":   {URL: "ws://localhost:2002", Category: "dynamic", Timeout: 30 * time.Minute, HealthTimeout: 5 * time.Second},
		"performance-tester": {URL: "ws://localhost:2003", Category: "performance", Timeout: 30 * time.Minute, HealthTimeout: 5 * time.Second},
		"ai-analyzer":        {URL: "ws://localhost:2004", Category: "ai", Timeout: 30 * time.Minute, HealthTimeout: 5 * time.Second},
	}
	return &cfg
}

// Normalize fills zero values from Default and clamps tunables into range.
func (c *Config) Normalize() {
	def := Default()
	o := &c.Orchestrator
	d := def.Orchestrator

	if o.PollInterval < minPollInterval {
		o.PollInterval = minPollInterval
	}
	if o.PollInterval > maxPollInterval {
		o.PollInterval = maxPollInterval
	}
	if o.NodeID == 0 {
		o.NodeID = d.NodeID
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.MaxConcurrentTasks <= 0 {
		o.MaxConcurrentTasks = d.MaxConcurrentTasks
	}
	if o.StuckGracePeriod <= 0 {
		o.StuckGracePeriod = d.StuckGracePeriod
	}
	if o.ReconcileInterval <= 0 {
		o.ReconcileInterval = d.ReconcileInterval
	}
	if o.PipelineInterval <= 0 {
		o.PipelineInterval = d.PipelineInterval
	}
	if o.PipelineLockTTL <= 0 {
		o.PipelineLockTTL = d.PipelineLockTTL
	}
	if o.ResultsDir == "" {
		o.ResultsDir = d.ResultsDir
	}
	if o.BlobDir == "" {
		o.BlobDir = d.BlobDir
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.ProtocolRetries < 0 {
		o.ProtocolRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = o.BackoffBase
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = def.Kafka.Topic
	}
	if c.Database.Type == "" {
		c.Database.Type = def.Database.Type
		c.Database.Path = def.Database.Path
	}
	if len(c.Analyzers) == 0 {
		c.Analyzers = def.Analyzers
	}
	var longest time.Duration
	for name, a := range c.Analyzers {
		if a.Timeout <= 0 {
			a.Timeout = 30 * time.Minute
		}
		if a.HealthTimeout <= 0 {
			a.HealthTimeout = 5 * time.Second
		}
		c.Analyzers[name] = a
		longest = max(longest, a.Timeout)
	}
	// A task must outlive its slowest analyzer call before the reconciler
	// may treat it as stuck.
	if o.StuckGracePeriod <= longest {
		zap.L().Warn("raising stuck grace period above the longest analyzer timeout",
			zap.Duration("configured", o.StuckGracePeriod), zap.Duration("analyzer_timeout", longest))
		o.StuckGracePeriod = longest + minGraceMargin
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.StuckGracePeriod/2 {
		o.HeartbeatInterval = min(d.HeartbeatInterval, o.StuckGracePeriod/3)
	}
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

// File overrides the config file location; empty means ./config.yaml.
var File string

func LoadConfig(p Params) (*Config, error) {
	cfg, err := Load(File)
	if err != nil {
		return nil, err
	}

	if p.Vault != nil && cfg.Vault.Enabled {
		if err := overlaySecrets(context.Background(), p.Vault, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Load reads config.yaml (or path) plus environment overrides on top of Default.
func Load(path string) (*Config, error) {
	if path != "" {
		config.SetConfigFile(path)
	} else {
		config.SetConfigName("config")
		config.SetConfigType("yaml")
		config.AddConfigPath(".")
	}

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, err
		}
		zap.L().Warn("config file not found, using defaults and environment")
	}

	cfg := Default()
	if err := config.Unmarshal(cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return cfg, nil
}

func overlaySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath(cfg.Vault.MountPath))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("database_user", cfg.Database.User)
	cfg.Database.Password = get("database_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Minio.AccessKey = get("minio_access_key", cfg.Minio.AccessKey)
	cfg.Minio.SecretKey = get("minio_secret_key", cfg.Minio.SecretKey)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	return nil
}
