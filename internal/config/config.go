// Package config loads TrakBridge's static configuration from a YAML file
// with TRAKBRIDGE_-prefixed environment variable overrides, and watches
// that file for changes so queue/transmission/monitoring/parallel defaults
// can be hot-reloaded without a process restart.
//
// The env-var override walk is explicit field-by-field rather than a
// generic binding library; the recognized key set is small and fixed.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/trakbridge/trakbridge/internal/queue"
	"github.com/trakbridge/trakbridge/internal/repository/cached"
)

// QueueConfig maps the `queue.*` keys.
type QueueConfig struct {
	MaxSize             int    `yaml:"max_size"`
	BatchSize           int    `yaml:"batch_size"`
	OverflowStrategy    string `yaml:"overflow_strategy"`
	FlushOnConfigChange bool   `yaml:"flush_on_config_change"`
}

// TransmissionConfig maps the `transmission.*` keys.
type TransmissionConfig struct {
	BatchTimeoutMS        int `yaml:"batch_timeout_ms"`
	QueueCheckIntervalMS  int `yaml:"queue_check_interval_ms"`
}

// MonitoringConfig maps the `monitoring.*` keys.
type MonitoringConfig struct {
	LogQueueStats         bool `yaml:"log_queue_stats"`
	QueueWarningThreshold int  `yaml:"queue_warning_threshold"`
}

// ParallelConfig maps the `parallel.*` keys.
type ParallelConfig struct {
	BatchSizeThreshold int  `yaml:"batch_size_threshold"`
	MaxConcurrentTasks int  `yaml:"max_concurrent_tasks"`
	FallbackOnError    bool `yaml:"fallback_on_error"`
}

// DatabaseConfig, VaultConfig, NATSConfig, RedisConfig, and LoggingConfig
// cover the infrastructure the server needs to boot (Postgres, Vault,
// NATS, Redis, zap).
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type VaultConfig struct {
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	SecretPath string `yaml:"secret_path"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type RedisConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Production bool   `yaml:"production"`
	Level      string `yaml:"level"`
}

type OTELConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// EvictionConfig tunes the device-state eviction sweep horizon. Schedule
// is parsed and defaulted but not read by the sweep, which always runs
// hourly (orchestrator.StartEvictionSweep).
type EvictionConfig struct {
	Schedule string `yaml:"schedule"` // cron expression, default "@hourly"; not read by the sweep
	HorizonHours int `yaml:"horizon_hours"`
}

// Config is the root of a parsed TrakBridge configuration file.
type Config struct {
	Queue        QueueConfig        `yaml:"queue"`
	Transmission TransmissionConfig `yaml:"transmission"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Parallel     ParallelConfig     `yaml:"parallel"`
	Database     DatabaseConfig     `yaml:"database"`
	Vault        VaultConfig        `yaml:"vault"`
	NATS         NATSConfig         `yaml:"nats"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	OTEL         OTELConfig         `yaml:"otel"`
	HTTP         HTTPConfig         `yaml:"http"`
	Eviction     EvictionConfig     `yaml:"eviction"`
}

// Default returns the documented defaults, used both as the parse
// starting point (so a field absent from YAML keeps its default) and by
// trakbridgectl validate-config.
func Default() Config {
	return Config{
		Queue: QueueConfig{
			MaxSize:             500,
			BatchSize:           8,
			OverflowStrategy:    "drop_oldest",
			FlushOnConfigChange: true,
		},
		Transmission: TransmissionConfig{
			BatchTimeoutMS:       100,
			QueueCheckIntervalMS: 50,
		},
		Monitoring: MonitoringConfig{
			LogQueueStats:         true,
			QueueWarningThreshold: 400,
		},
		Parallel: ParallelConfig{
			BatchSizeThreshold: 10,
			MaxConcurrentTasks: 50,
			FallbackOnError:    true,
		},
		Vault: VaultConfig{
			Address:    "http://localhost:8200",
			Token:      "root",
			SecretPath: "secret/data/trakbridge",
		},
		Logging: LoggingConfig{Production: true},
		HTTP:    HTTPConfig{ListenAddr: ":8080"},
		Eviction: EvictionConfig{
			Schedule:     "@hourly",
			HorizonHours: 24,
		},
	}
}

// Load reads path, parses it over Default(), applies TRAKBRIDGE_ env
// overrides, then validates and corrects the result. Invalid values are
// corrected to defaults with a logged warning; negative or zero where
// positive is required is a hard error.
func Load(path string, logger *zap.Logger) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		logger.Warn("config file not found, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validateAndCorrect(&cfg, logger); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides walks TRAKBRIDGE_-prefixed environment variables,
// dotted config keys mapped to underscores, e.g. TRAKBRIDGE_QUEUE_MAX_SIZE
// overrides queue.max_size.
func applyEnvOverrides(cfg *Config) {
	overrideInt(&cfg.Queue.MaxSize, "TRAKBRIDGE_QUEUE_MAX_SIZE")
	overrideInt(&cfg.Queue.BatchSize, "TRAKBRIDGE_QUEUE_BATCH_SIZE")
	overrideString(&cfg.Queue.OverflowStrategy, "TRAKBRIDGE_QUEUE_OVERFLOW_STRATEGY")
	overrideBool(&cfg.Queue.FlushOnConfigChange, "TRAKBRIDGE_QUEUE_FLUSH_ON_CONFIG_CHANGE")

	overrideInt(&cfg.Transmission.BatchTimeoutMS, "TRAKBRIDGE_TRANSMISSION_BATCH_TIMEOUT_MS")
	overrideInt(&cfg.Transmission.QueueCheckIntervalMS, "TRAKBRIDGE_TRANSMISSION_QUEUE_CHECK_INTERVAL_MS")

	overrideBool(&cfg.Monitoring.LogQueueStats, "TRAKBRIDGE_MONITORING_LOG_QUEUE_STATS")
	overrideInt(&cfg.Monitoring.QueueWarningThreshold, "TRAKBRIDGE_MONITORING_QUEUE_WARNING_THRESHOLD")

	overrideInt(&cfg.Parallel.BatchSizeThreshold, "TRAKBRIDGE_PARALLEL_BATCH_SIZE_THRESHOLD")
	overrideInt(&cfg.Parallel.MaxConcurrentTasks, "TRAKBRIDGE_PARALLEL_MAX_CONCURRENT_TASKS")
	overrideBool(&cfg.Parallel.FallbackOnError, "TRAKBRIDGE_PARALLEL_FALLBACK_ON_ERROR")

	overrideString(&cfg.Database.URL, "TRAKBRIDGE_DATABASE_URL")
	overrideString(&cfg.Vault.Address, "TRAKBRIDGE_VAULT_ADDRESS")
	overrideString(&cfg.Vault.Token, "TRAKBRIDGE_VAULT_TOKEN")
	overrideString(&cfg.Vault.SecretPath, "TRAKBRIDGE_VAULT_SECRET_PATH")
	overrideString(&cfg.NATS.URL, "TRAKBRIDGE_NATS_URL")
	overrideString(&cfg.Redis.Addr, "TRAKBRIDGE_REDIS_ADDR")
	overrideString(&cfg.OTEL.Endpoint, "TRAKBRIDGE_OTEL_ENDPOINT")
	overrideString(&cfg.HTTP.ListenAddr, "TRAKBRIDGE_HTTP_LISTEN_ADDR")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validateAndCorrect: non-positive-where-required is a hard error;
// anything else invalid is corrected to the default with a logged
// warning.
func validateAndCorrect(cfg *Config, logger *zap.Logger) error {
	def := Default()

	if cfg.Queue.MaxSize <= 0 {
		return fmt.Errorf("config: queue.max_size must be positive, got %d", cfg.Queue.MaxSize)
	}
	if cfg.Queue.BatchSize <= 0 {
		return fmt.Errorf("config: queue.batch_size must be positive, got %d", cfg.Queue.BatchSize)
	}
	switch queue.OverflowStrategy(cfg.Queue.OverflowStrategy) {
	case queue.DropOldest, queue.DropNewest, queue.Block:
	default:
		logger.Warn("config: invalid queue.overflow_strategy, using default",
			zap.String("got", cfg.Queue.OverflowStrategy), zap.String("default", def.Queue.OverflowStrategy))
		cfg.Queue.OverflowStrategy = def.Queue.OverflowStrategy
	}

	if cfg.Transmission.BatchTimeoutMS <= 0 {
		logger.Warn("config: invalid transmission.batch_timeout_ms, using default",
			zap.Int("got", cfg.Transmission.BatchTimeoutMS), zap.Int("default", def.Transmission.BatchTimeoutMS))
		cfg.Transmission.BatchTimeoutMS = def.Transmission.BatchTimeoutMS
	}
	if cfg.Transmission.QueueCheckIntervalMS <= 0 {
		logger.Warn("config: invalid transmission.queue_check_interval_ms, using default",
			zap.Int("got", cfg.Transmission.QueueCheckIntervalMS), zap.Int("default", def.Transmission.QueueCheckIntervalMS))
		cfg.Transmission.QueueCheckIntervalMS = def.Transmission.QueueCheckIntervalMS
	}

	if cfg.Monitoring.QueueWarningThreshold <= 0 {
		logger.Warn("config: invalid monitoring.queue_warning_threshold, using default",
			zap.Int("got", cfg.Monitoring.QueueWarningThreshold), zap.Int("default", def.Monitoring.QueueWarningThreshold))
		cfg.Monitoring.QueueWarningThreshold = def.Monitoring.QueueWarningThreshold
	}

	if cfg.Parallel.BatchSizeThreshold <= 0 {
		logger.Warn("config: invalid parallel.batch_size_threshold, using default",
			zap.Int("got", cfg.Parallel.BatchSizeThreshold), zap.Int("default", def.Parallel.BatchSizeThreshold))
		cfg.Parallel.BatchSizeThreshold = def.Parallel.BatchSizeThreshold
	}
	if cfg.Parallel.MaxConcurrentTasks <= 0 {
		logger.Warn("config: invalid parallel.max_concurrent_tasks, using default",
			zap.Int("got", cfg.Parallel.MaxConcurrentTasks), zap.Int("default", def.Parallel.MaxConcurrentTasks))
		cfg.Parallel.MaxConcurrentTasks = def.Parallel.MaxConcurrentTasks
	}

	if cfg.Eviction.HorizonHours <= 0 {
		logger.Warn("config: invalid eviction.horizon_hours, using default",
			zap.Int("got", cfg.Eviction.HorizonHours), zap.Int("default", def.Eviction.HorizonHours))
		cfg.Eviction.HorizonHours = def.Eviction.HorizonHours
	}
	if cfg.Eviction.Schedule == "" {
		cfg.Eviction.Schedule = def.Eviction.Schedule
	}

	return nil
}

// ToQueueConfig converts the parsed queue/transmission keys into the
// internal/queue.Config every destination queue is constructed with.
func (c Config) ToQueueConfig() queue.Config {
	return queue.Config{
		MaxSize:             c.Queue.MaxSize,
		BatchSize:           c.Queue.BatchSize,
		OverflowStrategy:    queue.OverflowStrategy(c.Queue.OverflowStrategy),
		FlushOnConfigChange: c.Queue.FlushOnConfigChange,
		BatchTimeout:        time.Duration(c.Transmission.BatchTimeoutMS) * time.Millisecond,
	}
}

// Watcher watches a config file for changes and re-parses/re-validates it
// on every write. It watches the containing directory, not the file
// itself: editors replace files via rename, which a direct file watch
// would miss. Content is diffed by hash so onChange only fires when the
// file actually changed; malformed files are rejected and the previous
// config retained.
type Watcher struct {
	path     string
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	lastHash string
}

// NewWatcher creates a Watcher for path. Call Start to begin watching.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create file watcher: %w", err)
	}
	return &Watcher{path: path, logger: logger, watcher: fw}, nil
}

// Start watches the config file's directory and invokes onChange with the
// freshly parsed Config whenever the file's content actually changes.
// onChange is called from a background goroutine; it returns when
// stop is closed or Close is called.
func (w *Watcher) Start(stop <-chan struct{}, onChange func(Config)) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch dir %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				w.handleChange(onChange)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (w *Watcher) handleChange(onChange func(Config)) {
	cfg, err := Load(w.path, w.logger)
	if err != nil {
		w.logger.Error("config: reload rejected, keeping prior configuration", zap.Error(err))
		return
	}
	hash, err := cached.ContentHash(cfg)
	if err != nil {
		w.logger.Warn("config: could not hash reloaded config, applying anyway", zap.Error(err))
	} else if hash == w.lastHash {
		return
	} else {
		w.lastHash = hash
	}
	w.logger.Info("config: file changed, reloaded", zap.String("path", w.path))
	onChange(cfg)
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
