package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "FIELDSYNC"
	defaultHTTPAddress          = "127.0.0.1:8787"
	defaultDatabasePath         = "fieldsync.db"
	defaultLogLevel             = "info"
	defaultRemoteTimeout        = 15 * time.Second
	defaultSyncInterval         = 5 * time.Minute
	defaultSyncBatchSize        = 10
	defaultSyncConcurrency      = 4
	defaultBackoffBase          = 2 * time.Second
	defaultBackoffMax           = 60 * time.Second
	defaultMaxRetries           = 3
	defaultStaleInFlight        = 5 * time.Minute
	defaultPurgeAfter           = 24 * time.Hour
	defaultPurgeInterval        = time.Hour
	defaultConnectivityInterval = 30 * time.Second
	defaultLogFileMaxMB         = 50
	defaultLogFileMaxBackups    = 3
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string

	RemoteBaseURL string
	RemoteTimeout time.Duration

	AuthToken        string
	AuthRefreshURL   string
	AuthRefreshToken string

	SyncInterval    time.Duration
	SyncBatchSize   int
	SyncConcurrency int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	MaxRetries      int
	StaleInFlight   time.Duration
	PurgeAfter      time.Duration
	PurgeInterval   time.Duration

	ConnectivityInterval time.Duration

	LogLevel          string
	LogFile           string
	LogFileMaxMB      int
	LogFileMaxBackups int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"http://localhost:5173"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.batch_size", defaultSyncBatchSize)
	configViper.SetDefault("sync.concurrency", defaultSyncConcurrency)
	configViper.SetDefault("sync.backoff_base", defaultBackoffBase)
	configViper.SetDefault("sync.backoff_max", defaultBackoffMax)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("sync.stale_in_flight", defaultStaleInFlight)
	configViper.SetDefault("sync.purge_after", defaultPurgeAfter)
	configViper.SetDefault("sync.purge_interval", defaultPurgeInterval)
	configViper.SetDefault("connectivity.interval", defaultConnectivityInterval)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file_max_mb", defaultLogFileMaxMB)
	configViper.SetDefault("log.file_max_backups", defaultLogFileMaxBackups)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:         configViper.GetString("database.path"),
		RemoteBaseURL:        configViper.GetString("remote.base_url"),
		RemoteTimeout:        configViper.GetDuration("remote.timeout"),
		AuthToken:            configViper.GetString("auth.token"),
		AuthRefreshURL:       configViper.GetString("auth.refresh_url"),
		AuthRefreshToken:     configViper.GetString("auth.refresh_token"),
		SyncInterval:         configViper.GetDuration("sync.interval"),
		SyncBatchSize:        configViper.GetInt("sync.batch_size"),
		SyncConcurrency:      configViper.GetInt("sync.concurrency"),
		BackoffBase:          configViper.GetDuration("sync.backoff_base"),
		BackoffMax:           configViper.GetDuration("sync.backoff_max"),
		MaxRetries:           configViper.GetInt("sync.max_retries"),
		StaleInFlight:        configViper.GetDuration("sync.stale_in_flight"),
		PurgeAfter:           configViper.GetDuration("sync.purge_after"),
		PurgeInterval:        configViper.GetDuration("sync.purge_interval"),
		ConnectivityInterval: configViper.GetDuration("connectivity.interval"),
		LogLevel:             configViper.GetString("log.level"),
		LogFile:              configViper.GetString("log.file"),
		LogFileMaxMB:         configViper.GetInt("log.file_max_mb"),
		LogFileMaxBackups:    configViper.GetInt("log.file_max_backups"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive")
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("sync.concurrency must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("sync.backoff_base must be positive")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("sync.backoff_max must not be below sync.backoff_base")
	}
	return nil
}
