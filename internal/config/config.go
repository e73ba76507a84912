package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/git-pkgs/aptsync/internal/release"
)

// StoreDriver selects the persisted store backend.
type StoreDriver string

const (
	StoreMemory StoreDriver = "memory"
	StoreDuckDB StoreDriver = "duckdb"
	StoreMongo  StoreDriver = "mongo"
)

// LeaseDriver selects how concurrent syncs of one repository are serialised.
type LeaseDriver string

const (
	LeaseNone   LeaseDriver = "none"
	LeaseMemory LeaseDriver = "memory"
	LeaseRedis  LeaseDriver = "redis"
)

// DefaultCandidates are probed when a sync names no distributions and
// discovery is off or finds nothing.
var DefaultCandidates = []string{
	// Debian
	"buster", "bullseye", "bookworm", "trixie", "sid",
	"oldstable", "stable", "testing", "unstable",
	// Ubuntu
	"bionic", "focal", "jammy", "noble", "oracular", "plucky",
}

// Config represents the complete aptsync configuration
type Config struct {
	Cache CacheConfig `yaml:"cache"`
	HTTP  HTTPConfig  `yaml:"http"`
	Sync  SyncConfig  `yaml:"sync"`
	Store StoreConfig `yaml:"store"`
	Lease LeaseConfig `yaml:"lease"`
	Serve ServeConfig `yaml:"serve"`
}

// CacheConfig configures the local mirror of downloaded files
type CacheConfig struct {
	Root     string           `yaml:"root"`
	SkipMode release.SkipMode `yaml:"skip_mode"`
	S3       S3Config         `yaml:"s3"`
}

// S3Config configures the optional bucket replica of the cache
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// HTTPConfig configures requests to mirrors
type HTTPConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	UserAgent        string        `yaml:"user_agent"`
	BreakerThreshold int64         `yaml:"breaker_threshold"`
}

// SyncConfig configures the sync coordinator
type SyncConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	ProbeRetries     *int          `yaml:"probe_retries"`
	ProbeBackoff     time.Duration `yaml:"probe_backoff"`
	Discover         bool          `yaml:"discover"`
	Candidates       []string      `yaml:"candidates"`
	// AbsentStatuses are HTTP codes, besides 404, that mean a distribution
	// does not exist. S3 and CloudFront mirrors answer 403.
	AbsentStatuses []int `yaml:"absent_statuses"`
}

// StoreConfig configures persistence of repositories and distributions
type StoreConfig struct {
	Driver   StoreDriver `yaml:"driver"`
	DSN      string      `yaml:"dsn"`
	Database string      `yaml:"database"`
}

// LeaseConfig configures the per-repository sync lease
type LeaseConfig struct {
	Driver LeaseDriver   `yaml:"driver"`
	Addr   string        `yaml:"addr"`
	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"`
}

// ServeConfig configures the HTTP API
type ServeConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Cache.Root = os.ExpandEnv(c.Cache.Root)
	c.Cache.S3.Bucket = os.ExpandEnv(c.Cache.S3.Bucket)
	c.Cache.S3.Prefix = os.ExpandEnv(c.Cache.S3.Prefix)
	c.Cache.S3.Region = os.ExpandEnv(c.Cache.S3.Region)
	c.Cache.S3.Endpoint = os.ExpandEnv(c.Cache.S3.Endpoint)
	c.Cache.S3.AccessKey = os.ExpandEnv(c.Cache.S3.AccessKey)
	c.Cache.S3.SecretKey = os.ExpandEnv(c.Cache.S3.SecretKey)
	c.HTTP.UserAgent = os.ExpandEnv(c.HTTP.UserAgent)
	c.Store.DSN = os.ExpandEnv(c.Store.DSN)
	c.Store.Database = os.ExpandEnv(c.Store.Database)
	c.Lease.Addr = os.ExpandEnv(c.Lease.Addr)
	c.Lease.Prefix = os.ExpandEnv(c.Lease.Prefix)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Cache.Root == "" {
		c.Cache.Root = defaultCacheRoot()
	}
	if c.Cache.SkipMode == "" {
		c.Cache.SkipMode = release.SkipNone
	}
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
	if c.HTTP.MaxRetries == 0 {
		c.HTTP.MaxRetries = 5
	}
	if c.HTTP.BaseDelay == 0 {
		c.HTTP.BaseDelay = 50 * time.Millisecond
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = "aptsync"
	}
	if c.HTTP.BreakerThreshold == 0 {
		c.HTTP.BreakerThreshold = 5
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.ProbeConcurrency == 0 {
		c.Sync.ProbeConcurrency = 4
	}
	if c.Sync.ProbeRetries == nil {
		n := 2
		c.Sync.ProbeRetries = &n
	}
	if c.Sync.ProbeBackoff == 0 {
		c.Sync.ProbeBackoff = 500 * time.Millisecond
	}
	if len(c.Sync.Candidates) == 0 {
		c.Sync.Candidates = append([]string(nil), DefaultCandidates...)
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreMemory
	}
	if c.Store.Driver == StoreDuckDB && c.Store.DSN == "" {
		c.Store.DSN = filepath.Join(c.Cache.Root, "aptsync.duckdb")
	}
	if c.Store.Driver == StoreMongo && c.Store.Database == "" {
		c.Store.Database = "aptsync"
	}
	if c.Lease.Driver == "" {
		c.Lease.Driver = LeaseMemory
	}
	if c.Lease.TTL == 0 {
		c.Lease.TTL = 10 * time.Minute
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8080"
	}
	if c.Serve.ReadHeaderTimeout == 0 {
		c.Serve.ReadHeaderTimeout = 10 * time.Second
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Cache.Root == "" {
		return fmt.Errorf("cache.root is required")
	}
	if _, err := release.ParseSkipMode(string(c.Cache.SkipMode)); err != nil {
		return fmt.Errorf("cache.skip_mode: %w", err)
	}
	s3 := c.Cache.S3
	if (s3.AccessKey == "") != (s3.SecretKey == "") {
		return fmt.Errorf("cache.s3: access_key and secret_key must be set together")
	}
	if s3.Bucket == "" && (s3.Prefix != "" || s3.Endpoint != "") {
		return fmt.Errorf("cache.s3.bucket is required when other s3 settings are present")
	}

	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http.timeout must not be negative")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must not be negative")
	}

	if c.Sync.Concurrency < 0 || c.Sync.ProbeConcurrency < 0 {
		return fmt.Errorf("sync concurrency must not be negative")
	}
	if c.Sync.ProbeRetries != nil && *c.Sync.ProbeRetries < 0 {
		return fmt.Errorf("sync.probe_retries must not be negative")
	}
	for _, code := range c.Sync.AbsentStatuses {
		if code < 400 || code > 499 {
			return fmt.Errorf("sync.absent_statuses must be 4xx codes, got %d", code)
		}
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreDuckDB:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the duckdb driver")
		}
	case StoreMongo:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the mongo driver")
		}
	default:
		return fmt.Errorf("invalid store.driver: %s (must be memory, duckdb, or mongo)", c.Store.Driver)
	}

	switch c.Lease.Driver {
	case LeaseNone, LeaseMemory:
	case LeaseRedis:
		if c.Lease.Addr == "" {
			return fmt.Errorf("lease.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("invalid lease.driver: %s (must be none, memory, or redis)", c.Lease.Driver)
	}

	if c.Serve.ListenAddr == "" {
		return fmt.Errorf("serve.listen_addr is required")
	}
	return nil
}

// Retries returns the configured probe retry count.
func (c *Config) Retries() int {
	if c.Sync.ProbeRetries == nil {
		return 0
	}
	return *c.Sync.ProbeRetries
}

// ReplicaEnabled reports whether downloads are copied to S3.
func (c *Config) ReplicaEnabled() bool {
	return c.Cache.S3.Bucket != ""
}

func defaultCacheRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "aptsync")
	}
	return filepath.Join(os.TempDir(), "aptsync")
}
