// Package config handles qstats configuration from environment variables and
// YAML files.
//
// Defaults come from Default(). A YAML file (written by `qstats init`) can
// override them, and QSTATS_* environment variables override both:
//
//	cfg, err := config.LoadFromEnvOrFile("qstats.yaml")
//	if err != nil {
//		log.Fatal().Err(err).Msg("loading config")
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal().Err(err).Msg("invalid config")
//	}
//
// Environment Variables:
//
// Stats cache:
//   - QSTATS_STATS_LEVEL=1                      (0 off, 1 fingerprint, 2 fingerprint+client)
//   - QSTATS_STATS_MAX_ENTRIES=10240            (1 .. 1000000)
//   - QSTATS_STATS_INITIAL_CAPACITY=10240
//   - QSTATS_STATS_MAX_FINGERPRINT_LENGTH=4096  (1 .. 262144)
//   - QSTATS_STATS_RESET_RETRIES=200
//   - QSTATS_STATS_RESET_RETRY_INTERVAL=5ms
//   - QSTATS_STATS_TRACK=select,insert,update,delete,insert_select
//
// Statement timer:
//   - QSTATS_STATEMENT_TIMEOUT=0                (0 disables the default deadline)
//
// HTTP introspection:
//   - QSTATS_HTTP_ENABLED=true
//   - QSTATS_HTTP_ADDRESS=127.0.0.1
//   - QSTATS_HTTP_PORT=7480
//   - QSTATS_ADMIN_TOKEN_HASH=<bcrypt hash>     (protects the reset endpoint)
//
// Audit trail of admin actions:
//   - QSTATS_AUDIT_ENABLED=false
//   - QSTATS_AUDIT_LOG=./logs/audit.log
//
// Snapshot storage:
//   - QSTATS_STORAGE_ENABLED=false
//   - QSTATS_DATA_DIR=./data
//   - QSTATS_STORAGE_IN_MEMORY=false
//   - QSTATS_SNAPSHOT_INTERVAL=1m
//   - QSTATS_SNAPSHOT_RETENTION=168h
//
// Process:
//   - QSTATS_LOG_LEVEL=info, QSTATS_LOG_FORMAT=console, QSTATS_LOG_OUTPUT=stderr
//   - QSTATS_DUMP_DIR=./dumps
//   - QSTATS_POOL_ENABLED=true
//   - QSTATS_MEMORY_LIMIT=0 (e.g. "2GB"), QSTATS_GC_PERCENT=100
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/qstats/pkg/audit"
	"github.com/orneryd/qstats/pkg/cache"
	"github.com/orneryd/qstats/pkg/engine"
	"github.com/orneryd/qstats/pkg/fingerprint"
	"github.com/orneryd/qstats/pkg/logging"
	"github.com/orneryd/qstats/pkg/pool"
)

// Config holds all qstats configuration.
//
// Configuration is organized into sections:
//   - Stats: query stats cache
//   - Timer: statement deadlines
//   - Server: HTTP introspection surface
//   - Storage: snapshot history
//   - Audit: admin action trail
//   - Logging: log level, format and output
//   - Dump: fatal fault dumps
//   - Pool: scan buffer pooling
//   - Memory: Go runtime memory tuning
type Config struct {
	Stats   StatsConfig     `yaml:"stats"`
	Timer   TimerConfig     `yaml:"timer"`
	Server  ServerConfig    `yaml:"server"`
	Storage StorageConfig   `yaml:"storage"`
	Audit   audit.Config    `yaml:"audit"`
	Logging logging.Options `yaml:"logging"`
	Dump    DumpConfig      `yaml:"dump"`
	Pool    PoolConfig      `yaml:"pool"`
	Memory  MemoryConfig    `yaml:"memory"`
}

// StatsConfig configures the query stats cache.
type StatsConfig struct {
	// Level: 0 off, 1 by fingerprint, 2 by fingerprint and client tag.
	// Levels 3-8 are reserved for per-shard and per-graph granularity and
	// are rejected.
	Level int `yaml:"level"`

	// MaxEntries is the number of distinct keys tracked. Once reached, new
	// keys are not tracked; existing keys keep accumulating.
	MaxEntries int `yaml:"max_entries"`

	// InitialCapacity presizes the hash index.
	InitialCapacity int `yaml:"initial_capacity"`

	// MaxFingerprintLength truncates fingerprints.
	MaxFingerprintLength int `yaml:"max_fingerprint_length"`

	// ResetRetries and ResetRetryInterval bound how long a reset waits for
	// a concurrent read of the stats table.
	ResetRetries       int           `yaml:"reset_retries"`
	ResetRetryInterval time.Duration `yaml:"reset_retry_interval"`

	// Track lists the statement kinds recorded, by name.
	Track []string `yaml:"track"`
}

// TimerConfig configures statement deadlines.
type TimerConfig struct {
	// StatementTimeout applies to sessions without their own timeout.
	// Zero disables it.
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig configures the HTTP introspection server.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`

	// AdminTokenHash is a bcrypt hash of the bearer token required by
	// POST /query_statistics/reset. Empty leaves the endpoint open.
	AdminTokenHash string `yaml:"admin_token_hash"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig configures the snapshot history.
type StorageConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DataDir    string `yaml:"data_dir"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`

	// SnapshotInterval is how often the stats table is persisted.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// Retention prunes snapshots older than this. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// DumpConfig configures fault dumps.
type DumpConfig struct {
	Dir string `yaml:"dir"`
}

// PoolConfig configures scan buffer pooling.
type PoolConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxBufferSize int  `yaml:"max_buffer_size"`
}

// MemoryConfig tunes the Go runtime.
type MemoryConfig struct {
	// RuntimeLimit is a soft memory limit such as "2GB". "0" or empty
	// means unlimited.
	RuntimeLimitStr string `yaml:"runtime_limit"`
	RuntimeLimit    int64  `yaml:"-"`

	// GCPercent sets GOGC. 100 is the Go default.
	GCPercent int `yaml:"gc_percent"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Stats: StatsConfig{
			Level:                int(cache.LevelFingerprint),
			MaxEntries:           cache.DefaultMaxEntries,
			InitialCapacity:      cache.DefaultInitialCapacity,
			MaxFingerprintLength: fingerprint.DefaultMaxLength,
			ResetRetries:         cache.DefaultGateRetries,
			ResetRetryInterval:   cache.DefaultGateRetryInterval,
			Track:                kindNames(fingerprint.DefaultTrackedKinds),
		},
		Server: ServerConfig{
			Enabled:      true,
			Address:      "127.0.0.1",
			Port:         7480,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			SnapshotInterval: time.Minute,
			Retention:        7 * 24 * time.Hour,
		},
		Audit:   audit.DefaultConfig(),
		Logging: logging.DefaultOptions(),
		Dump:    DumpConfig{Dir: "./dumps"},
		Pool:    PoolConfig{Enabled: true, MaxBufferSize: 1024 * 1024},
		Memory:  MemoryConfig{RuntimeLimitStr: "0", GCPercent: 100},
	}
}

// LoadFromEnv returns the defaults overridden by QSTATS_* variables.
func LoadFromEnv() *Config {
	c := Default()
	c.applyEnv()
	return c
}

// LoadFile reads a YAML file over the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	c.Memory.RuntimeLimit = parseMemorySize(c.Memory.RuntimeLimitStr)
	return c, nil
}

// LoadFromEnvOrFile loads path when it exists, then applies environment
// overrides. An empty path or a missing file falls back to LoadFromEnv.
func LoadFromEnvOrFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromEnv(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return LoadFromEnv(), nil
	}

	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	c.applyEnv()
	return c, nil
}

// WriteFile writes the configuration as YAML.
func (c *Config) WriteFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Stats.Level = getEnvInt("QSTATS_STATS_LEVEL", c.Stats.Level)
	c.Stats.MaxEntries = getEnvInt("QSTATS_STATS_MAX_ENTRIES", c.Stats.MaxEntries)
	c.Stats.InitialCapacity = getEnvInt("QSTATS_STATS_INITIAL_CAPACITY", c.Stats.InitialCapacity)
	c.Stats.MaxFingerprintLength = getEnvInt("QSTATS_STATS_MAX_FINGERPRINT_LENGTH", c.Stats.MaxFingerprintLength)
	c.Stats.ResetRetries = getEnvInt("QSTATS_STATS_RESET_RETRIES", c.Stats.ResetRetries)
	c.Stats.ResetRetryInterval = getEnvDuration("QSTATS_STATS_RESET_RETRY_INTERVAL", c.Stats.ResetRetryInterval)

	if track := getEnv("QSTATS_STATS_TRACK", ""); track != "" {
		c.Stats.Track = strings.Split(track, ",")
	}

	c.Timer.StatementTimeout = getEnvDuration("QSTATS_STATEMENT_TIMEOUT", c.Timer.StatementTimeout)

	c.Server.Enabled = getEnvBool("QSTATS_HTTP_ENABLED", c.Server.Enabled)
	c.Server.Address = getEnv("QSTATS_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("QSTATS_HTTP_PORT", c.Server.Port)
	c.Server.AdminTokenHash = getEnv("QSTATS_ADMIN_TOKEN_HASH", c.Server.AdminTokenHash)

	c.Storage.Enabled = getEnvBool("QSTATS_STORAGE_ENABLED", c.Storage.Enabled)
	c.Storage.DataDir = getEnv("QSTATS_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("QSTATS_STORAGE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SnapshotInterval = getEnvDuration("QSTATS_SNAPSHOT_INTERVAL", c.Storage.SnapshotInterval)
	c.Storage.Retention = getEnvDuration("QSTATS_SNAPSHOT_RETENTION", c.Storage.Retention)

	c.Audit.Enabled = getEnvBool("QSTATS_AUDIT_ENABLED", c.Audit.Enabled)
	c.Audit.LogPath = getEnv("QSTATS_AUDIT_LOG", c.Audit.LogPath)

	c.Logging.Level = getEnv("QSTATS_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("QSTATS_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("QSTATS_LOG_OUTPUT", c.Logging.Output)

	c.Dump.Dir = getEnv("QSTATS_DUMP_DIR", c.Dump.Dir)
	c.Pool.Enabled = getEnvBool("QSTATS_POOL_ENABLED", c.Pool.Enabled)

	c.Memory.RuntimeLimitStr = getEnv("QSTATS_MEMORY_LIMIT", c.Memory.RuntimeLimitStr)
	c.Memory.RuntimeLimit = parseMemorySize(c.Memory.RuntimeLimitStr)
	c.Memory.GCPercent = getEnvInt("QSTATS_GC_PERCENT", c.Memory.GCPercent)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	level := cache.Level(c.Stats.Level)
	if level.Reserved() {
		return fmt.Errorf("stats level %d is reserved and not implemented", c.Stats.Level)
	}
	if !level.Valid() {
		return fmt.Errorf("invalid stats level: %d", c.Stats.Level)
	}
	if c.Stats.MaxEntries < 1 || c.Stats.MaxEntries > cache.MaxEntriesCeiling {
		return fmt.Errorf("stats max entries must be between 1 and %d, got %d", cache.MaxEntriesCeiling, c.Stats.MaxEntries)
	}
	if c.Stats.MaxFingerprintLength < 1 || c.Stats.MaxFingerprintLength > fingerprint.MaxLengthCeiling {
		return fmt.Errorf("max fingerprint length must be between 1 and %d, got %d", fingerprint.MaxLengthCeiling, c.Stats.MaxFingerprintLength)
	}
	if c.Stats.ResetRetries < 0 {
		return fmt.Errorf("invalid reset retries: %d", c.Stats.ResetRetries)
	}
	if _, err := c.TrackedKinds(); err != nil {
		return err
	}
	if c.Timer.StatementTimeout < 0 {
		return fmt.Errorf("invalid statement timeout: %s", c.Timer.StatementTimeout)
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid http port: %d", c.Server.Port)
	}

	if c.Storage.Enabled {
		if !c.Storage.InMemory && c.Storage.DataDir == "" {
			return fmt.Errorf("storage enabled but no data directory provided")
		}
		if c.Storage.SnapshotInterval <= 0 {
			return fmt.Errorf("invalid snapshot interval: %s", c.Storage.SnapshotInterval)
		}
	}

	if c.Audit.Enabled && c.Audit.LogPath == "" {
		return fmt.Errorf("audit enabled but no log path provided")
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// String returns a representation safe for logging. The admin token hash is
// not included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Stats: level=%d max=%d, Timeout: %s, HTTP: %v %s:%d, Storage: %v %s, MemoryLimit: %s}",
		c.Stats.Level, c.Stats.MaxEntries,
		c.Timer.StatementTimeout,
		c.Server.Enabled, c.Server.Address, c.Server.Port,
		c.Storage.Enabled, c.Storage.DataDir,
		FormatMemorySize(c.Memory.RuntimeLimit),
	)
}

// CacheConfig converts the stats section into a cache configuration.
func (c *Config) CacheConfig() cache.Config {
	return cache.Config{
		Level:                cache.Level(c.Stats.Level),
		InitialCapacity:      c.Stats.InitialCapacity,
		MaxEntries:           c.Stats.MaxEntries,
		MaxFingerprintLength: c.Stats.MaxFingerprintLength,
		GateRetries:          c.Stats.ResetRetries,
		GateRetryInterval:    c.Stats.ResetRetryInterval,
	}
}

// EngineConfig converts the configuration for engine.New.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Stats:                   c.CacheConfig(),
		DefaultStatementTimeout: c.Timer.StatementTimeout,
	}
}

// TrackedKinds parses Stats.Track.
func (c *Config) TrackedKinds() ([]fingerprint.StatementKind, error) {
	kinds := make([]fingerprint.StatementKind, 0, len(c.Stats.Track))
	for _, name := range c.Stats.Track {
		k, err := fingerprint.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("stats track: %w", err)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// ApplyTracking installs Stats.Track as the process-wide set of recorded
// statement kinds.
func (c *Config) ApplyTracking() error {
	kinds, err := c.TrackedKinds()
	if err != nil {
		return err
	}
	fingerprint.SetTrackedKinds(kinds...)
	return nil
}

func kindNames(kinds []fingerprint.StatementKind) []string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = strings.ToLower(k.String())
	}
	return names
}

// PoolOptions converts the pool section for pool.Configure.
func (c *Config) PoolOptions() pool.PoolConfig {
	return pool.PoolConfig{Enabled: c.Pool.Enabled, MaxBufferSize: c.Pool.MaxBufferSize}
}

// Addr returns the HTTP listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent > 0 && c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string such as
// "512MB", "2GiB" or "1024". "0", "" and "unlimited" mean no limit.
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" || strings.EqualFold(s, "unlimited") {
		return 0
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0
	}
	return int64(n)
}

// FormatMemorySize formats bytes as a human-readable string.
func FormatMemorySize(bytes int64) string {
	if bytes <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bytes))
}
