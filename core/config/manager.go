package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration Manager
// =============================================================================
//
// Layered configuration: defaults, then the YAML file, then a .local
// overlay next to it, then PLEXUS_* environment overrides. The current
// config is held behind an atomic pointer so readers never block; Watch
// re-runs the whole chain when the file changes and notifies OnChange
// callbacks with the new snapshot.

// Manager loads and serves the current configuration.
type Manager struct {
	configPtr unsafe.Pointer
	path      string
	watchers  []func(*Config)
	watcherMu sync.RWMutex
	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	watchOnce sync.Once
	logger    *slog.Logger
}

// Config is the full configuration tree. String fields hold human-readable
// sizes and durations; consumers parse them at wiring time.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Router    RouterConfig    `yaml:"router"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Resources ResourcesConfig `yaml:"resources"`
	Status    StatusConfig    `yaml:"status"`
	System    SystemConfig    `yaml:"system"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"PLEXUS_LOG_LEVEL"`
	Format string `yaml:"format" env:"PLEXUS_LOG_FORMAT"`
}

type RouterConfig struct {
	OverloadThreshold int     `yaml:"overload_threshold" env:"PLEXUS_ROUTER_OVERLOAD_THRESHOLD"`
	QueueCapacity     int     `yaml:"queue_capacity" env:"PLEXUS_ROUTER_QUEUE_CAPACITY"`
	RetryInitialDelay string  `yaml:"retry_initial_delay" env:"PLEXUS_ROUTER_RETRY_INITIAL_DELAY"`
	RetryMultiplier   float64 `yaml:"retry_multiplier" env:"PLEXUS_ROUTER_RETRY_MULTIPLIER"`
	RetryMaxDelay     string  `yaml:"retry_max_delay" env:"PLEXUS_ROUTER_RETRY_MAX_DELAY"`
	MaxRetries        int     `yaml:"max_retries" env:"PLEXUS_ROUTER_MAX_RETRIES"`
	DedupeWindow      string  `yaml:"dedupe_window" env:"PLEXUS_ROUTER_DEDUPE_WINDOW"`
	DedupeCapacity    int     `yaml:"dedupe_capacity" env:"PLEXUS_ROUTER_DEDUPE_CAPACITY"`
}

type ChannelsConfig struct {
	HistoryLimit int      `yaml:"history_limit" env:"PLEXUS_CHANNELS_HISTORY_LIMIT"`
	Defaults     []string `yaml:"defaults"`
}

type ResourcesConfig struct {
	Memory     PoolConfig `yaml:"memory" envPrefix:"PLEXUS_RESOURCES_MEMORY_"`
	Compute    PoolConfig `yaml:"compute" envPrefix:"PLEXUS_RESOURCES_COMPUTE_"`
	Storage    PoolConfig `yaml:"storage" envPrefix:"PLEXUS_RESOURCES_STORAGE_"`
	Network    PoolConfig `yaml:"network" envPrefix:"PLEXUS_RESOURCES_NETWORK_"`
	AuditLimit int        `yaml:"audit_limit" env:"PLEXUS_RESOURCES_AUDIT_LIMIT"`
}

// PoolConfig sizes one resource pool in the pool's unit family
// ("8GB", "100 units", "1Gbps").
type PoolConfig struct {
	Total    string `yaml:"total" env:"TOTAL"`
	Reserved string `yaml:"reserved" env:"RESERVED"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled" env:"PLEXUS_STATUS_ENABLED"`
	DBPath  string `yaml:"db_path" env:"PLEXUS_STATUS_DB_PATH"`
	ColdTTL string `yaml:"cold_ttl" env:"PLEXUS_STATUS_COLD_TTL"`
}

type SystemConfig struct {
	DrainInterval   string `yaml:"drain_interval" env:"PLEXUS_SYSTEM_DRAIN_INTERVAL"`
	RetryInterval   string `yaml:"retry_interval" env:"PLEXUS_SYSTEM_RETRY_INTERVAL"`
	SweepInterval   string `yaml:"sweep_interval" env:"PLEXUS_SYSTEM_SWEEP_INTERVAL"`
	CleanupSchedule string `yaml:"cleanup_schedule" env:"PLEXUS_SYSTEM_CLEANUP_SCHEDULE"`
	HealthSchedule  string `yaml:"health_schedule" env:"PLEXUS_SYSTEM_HEALTH_SCHEDULE"`
}

// NewManager creates a manager for the given config file path. An empty
// path serves defaults plus environment overrides.
func NewManager(path string) *Manager {
	m := &Manager{
		path:      path,
		stopWatch: make(chan struct{}),
		logger:    slog.Default().With("component", "config"),
	}
	cfg := DefaultConfig()
	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	return m
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Router: RouterConfig{
			OverloadThreshold: 10,
			QueueCapacity:     1024,
			RetryInitialDelay: "1s",
			RetryMultiplier:   2.0,
			RetryMaxDelay:     "30s",
			MaxRetries:        3,
			DedupeWindow:      "60s",
			DedupeCapacity:    4096,
		},
		Channels: ChannelsConfig{
			HistoryLimit: 100,
			Defaults: []string{
				"system-events",
				"agent-lifecycle",
				"resource-events",
				"error-events",
				"health-monitoring",
			},
		},
		Resources: ResourcesConfig{
			Memory:     PoolConfig{Total: "8GB", Reserved: "512MB"},
			Compute:    PoolConfig{Total: "100 units", Reserved: "10 units"},
			Storage:    PoolConfig{Total: "100GB", Reserved: "1GB"},
			Network:    PoolConfig{Total: "1Gbps", Reserved: "100Mbps"},
			AuditLimit: 1000,
		},
		Status: StatusConfig{
			Enabled: true,
			DBPath:  ".plexus/message_status.db",
			ColdTTL: "168h",
		},
		System: SystemConfig{
			DrainInterval:   "100ms",
			RetryInterval:   "1s",
			SweepInterval:   "1s",
			CleanupSchedule: "@every 1h",
			HealthSchedule:  "@every 30s",
		},
	}
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	return (*Config)(atomic.LoadPointer(&m.configPtr))
}

// Load runs the layering chain and publishes the result: defaults, config
// file, .local overlay, environment.
func (m *Manager) Load() error {
	cfg := DefaultConfig()

	if m.path != "" {
		if err := loadYAMLFile(m.path, cfg); err != nil {
			return fmt.Errorf("config file %s: %w", m.path, err)
		}
		if err := m.loadOverlay(cfg); err != nil {
			return err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	atomic.StorePointer(&m.configPtr, unsafe.Pointer(cfg))
	m.notifyWatchers(cfg)
	return nil
}

// loadOverlay applies the sibling .local file when present; its non-zero
// fields win over the main file.
func (m *Manager) loadOverlay(cfg *Config) error {
	localPath := localOverlayPath(m.path)
	if localPath == "" {
		return nil
	}

	overlay := &Config{}
	if err := loadYAMLFile(localPath, overlay); err != nil {
		return fmt.Errorf("local config %s: %w", localPath, err)
	}
	Overlay(cfg, overlay)
	return nil
}

// localOverlayPath maps plexus.yaml to plexus.local.yaml.
func localOverlayPath(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		return path + ".local"
	}
	return strings.TrimSuffix(path, ext) + ".local" + ext
}

func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Reload re-runs Load.
func (m *Manager) Reload() error {
	return m.Load()
}

// OnChange registers a callback invoked with each newly published config.
func (m *Manager) OnChange(fn func(*Config)) {
	m.watcherMu.Lock()
	m.watchers = append(m.watchers, fn)
	m.watcherMu.Unlock()
}

func (m *Manager) notifyWatchers(cfg *Config) {
	m.watcherMu.RLock()
	watchers := m.watchers
	m.watcherMu.RUnlock()

	for _, fn := range watchers {
		fn(cfg)
	}
}

// Watch reloads the configuration whenever the file changes. The watch
// covers the containing directory because editors typically replace the
// file rather than write it in place.
func (m *Manager) Watch() error {
	if m.path == "" {
		return fmt.Errorf("no config file to watch")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("config watcher: %w", err)
	}

	m.watcher = watcher
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	target, _ := filepath.Abs(m.path)

	for {
		select {
		case <-m.stopWatch:
			return
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			name, _ := filepath.Abs(event.Name)
			if name != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := m.Reload(); err != nil {
				m.logger.Warn("config reload failed", "path", m.path, "error", err)
				continue
			}
			m.logger.Info("config reloaded", "path", m.path)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watch error", "error", err)
		}
	}
}

// Close stops the file watcher.
func (m *Manager) Close() error {
	m.watchOnce.Do(func() {
		close(m.stopWatch)
	})
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// =============================================================================
// Normalization & Validation
// =============================================================================

// normalize refills fields an explicit empty value would otherwise blank.
func (c *Config) normalize() {
	defaults := DefaultConfig()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Router.OverloadThreshold <= 0 {
		c.Router.OverloadThreshold = defaults.Router.OverloadThreshold
	}
	if c.Router.QueueCapacity <= 0 {
		c.Router.QueueCapacity = defaults.Router.QueueCapacity
	}
	if c.Router.RetryInitialDelay == "" {
		c.Router.RetryInitialDelay = defaults.Router.RetryInitialDelay
	}
	if c.Router.RetryMultiplier <= 0 {
		c.Router.RetryMultiplier = defaults.Router.RetryMultiplier
	}
	if c.Router.RetryMaxDelay == "" {
		c.Router.RetryMaxDelay = defaults.Router.RetryMaxDelay
	}
	if c.Router.MaxRetries < 0 {
		c.Router.MaxRetries = defaults.Router.MaxRetries
	}
	if c.Router.DedupeWindow == "" {
		c.Router.DedupeWindow = defaults.Router.DedupeWindow
	}
	if c.Router.DedupeCapacity <= 0 {
		c.Router.DedupeCapacity = defaults.Router.DedupeCapacity
	}
	if c.Channels.HistoryLimit <= 0 {
		c.Channels.HistoryLimit = defaults.Channels.HistoryLimit
	}
	if c.Resources.AuditLimit <= 0 {
		c.Resources.AuditLimit = defaults.Resources.AuditLimit
	}
	if c.Status.DBPath == "" {
		c.Status.DBPath = defaults.Status.DBPath
	}
	if c.Status.ColdTTL == "" {
		c.Status.ColdTTL = defaults.Status.ColdTTL
	}
	if c.System.DrainInterval == "" {
		c.System.DrainInterval = defaults.System.DrainInterval
	}
	if c.System.RetryInterval == "" {
		c.System.RetryInterval = defaults.System.RetryInterval
	}
	if c.System.SweepInterval == "" {
		c.System.SweepInterval = defaults.System.SweepInterval
	}
	if c.System.CleanupSchedule == "" {
		c.System.CleanupSchedule = defaults.System.CleanupSchedule
	}
	if c.System.HealthSchedule == "" {
		c.System.HealthSchedule = defaults.System.HealthSchedule
	}
}

// Validate checks every parseable field up front so a bad config fails at
// load, not mid-flight.
func (c *Config) Validate() error {
	durations := map[string]string{
		"router.retry_initial_delay": c.Router.RetryInitialDelay,
		"router.retry_max_delay":     c.Router.RetryMaxDelay,
		"router.dedupe_window":       c.Router.DedupeWindow,
		"status.cold_ttl":            c.Status.ColdTTL,
		"system.drain_interval":      c.System.DrainInterval,
		"system.retry_interval":      c.System.RetryInterval,
		"system.sweep_interval":      c.System.SweepInterval,
	}
	for field, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("%s: %q is not a duration", field, value)
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: unknown format %q", c.Log.Format)
	}

	for field, pool := range map[string]PoolConfig{
		"resources.memory":  c.Resources.Memory,
		"resources.compute": c.Resources.Compute,
		"resources.storage": c.Resources.Storage,
		"resources.network": c.Resources.Network,
	} {
		if pool.Total == "" {
			return fmt.Errorf("%s.total: required", field)
		}
	}
	return nil
}

// Duration parses a human duration string, falling back when empty or
// malformed. Validate catches malformed values at load; the fallback
// covers hand-built configs.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// LogLevel maps the configured level to slog.
func (c LogConfig) LogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
