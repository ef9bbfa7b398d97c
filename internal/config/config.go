package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Source    SourceConfig    `yaml:"source"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Perf      PerfConfig      `yaml:"perf"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Audit     AuditConfig     `yaml:"audit"`
	Watch     WatchConfig     `yaml:"watch"`
}

// SourceConfig locates the landed files.
//
// BucketURL is a gocloud.dev URL (gs://bucket, s3://bucket?region=..,
// file:///path). Bucket is the logical container name recorded in the
// ledger; it defaults to the URL host (or the directory for file://).
type SourceConfig struct {
	BucketURL      string   `yaml:"bucket_url"`
	Bucket         string   `yaml:"bucket"`
	BasePath       string   `yaml:"base_path"`
	Extension      string   `yaml:"extension"`
	ProducerPrefix string   `yaml:"producer_prefix"`
	Producers      []int64  `yaml:"producers"`
	Tables         []string `yaml:"tables"`
	S3Endpoint     string   `yaml:"s3_endpoint"`
	S3Region       string   `yaml:"s3_region"`
}

type WarehouseConfig struct {
	Backend      string            `yaml:"backend"` // "duckdb" | "postgres" | "lake"
	DuckDBPath   string            `yaml:"duckdb_path"`
	PostgresDSN  string            `yaml:"postgres_dsn"`
	Schema       string            `yaml:"schema"`
	CreateTables bool              `yaml:"create_tables"`
	Lake         LakeStorageConfig `yaml:"lake"`
}

// LakeStorageConfig configures where the lake backend writes parquet parts.
type LakeStorageConfig struct {
	Backend   string `yaml:"backend"` // "local" | "blob"
	LocalDir  string `yaml:"local_dir"`
	BucketURL string `yaml:"bucket_url"`
	Prefix    string `yaml:"prefix"`
}

type LedgerConfig struct {
	Backend     string `yaml:"backend"` // "postgres" | "duckdb"
	PostgresDSN string `yaml:"postgres_dsn"`
	DuckDBPath  string `yaml:"duckdb_path"`
	Table       string `yaml:"table"`
}

type PerfConfig struct {
	MaxInFlightPartitions int `yaml:"max_in_flight_partitions"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"`
}

type WatchConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultTables is the fixed set of destination tables.
var DefaultTables = []string{"sales", "stock", "customers"}

// Load reads the YAML file at path (optional when empty), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	slog.Debug("config loaded", "component", "config", "path", path)
	return cfg, nil
}

// MustLoad is Load that exits the process on error.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		slog.Error("failed to load config", "component", "config", "error", err)
		os.Exit(1)
	}
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.Source.BucketURL = getenvDefault("SOURCE_BUCKET_URL", cfg.Source.BucketURL)
	cfg.Source.Bucket = getenvDefault("SOURCE_BUCKET", cfg.Source.Bucket)
	cfg.Source.BasePath = getenvDefault("SOURCE_BASE_PATH", cfg.Source.BasePath)
	cfg.Source.S3Endpoint = getenvDefault("SOURCE_S3_ENDPOINT", cfg.Source.S3Endpoint)
	cfg.Source.S3Region = getenvDefault("SOURCE_S3_REGION", cfg.Source.S3Region)
	if v := os.Getenv("SOURCE_PRODUCERS"); v != "" {
		cfg.Source.Producers = parseInt64List(v)
	}
	if v := os.Getenv("SOURCE_TABLES"); v != "" {
		cfg.Source.Tables = splitList(v)
	}

	cfg.Warehouse.Backend = getenvDefault("WAREHOUSE_BACKEND", cfg.Warehouse.Backend)
	cfg.Warehouse.DuckDBPath = getenvDefault("WAREHOUSE_DUCKDB_PATH", cfg.Warehouse.DuckDBPath)
	cfg.Warehouse.PostgresDSN = getenvDefault("WAREHOUSE_POSTGRES_DSN", cfg.Warehouse.PostgresDSN)
	cfg.Warehouse.Schema = getenvDefault("WAREHOUSE_SCHEMA", cfg.Warehouse.Schema)
	if v := os.Getenv("WAREHOUSE_CREATE_TABLES"); v != "" {
		cfg.Warehouse.CreateTables = v == "true"
	}

	cfg.Ledger.Backend = getenvDefault("LEDGER_BACKEND", cfg.Ledger.Backend)
	cfg.Ledger.PostgresDSN = getenvDefault("LEDGER_POSTGRES_DSN", cfg.Ledger.PostgresDSN)
	cfg.Ledger.DuckDBPath = getenvDefault("LEDGER_DUCKDB_PATH", cfg.Ledger.DuckDBPath)

	if v := os.Getenv("MAX_IN_FLIGHT_PARTITIONS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Perf.MaxInFlightPartitions = parsed
		}
	}

	cfg.Logging.Format = getenvDefault("LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Level = getenvDefault("LOG_LEVEL", cfg.Logging.Level)

	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true"
	}
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)

	if v := os.Getenv("AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = v == "true"
	}
	cfg.Audit.Dir = getenvDefault("AUDIT_DIR", cfg.Audit.Dir)
	cfg.Audit.Endpoint = getenvDefault("AUDIT_ENDPOINT", cfg.Audit.Endpoint)

	if v := os.Getenv("WATCH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watch.Interval = d
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Source.BasePath == "" {
		cfg.Source.BasePath = "data"
	}
	if cfg.Source.Extension == "" {
		cfg.Source.Extension = ".csv"
	}
	if cfg.Source.ProducerPrefix == "" {
		cfg.Source.ProducerPrefix = "distributor_"
	}
	if len(cfg.Source.Tables) == 0 {
		cfg.Source.Tables = append([]string(nil), DefaultTables...)
	}
	if cfg.Source.Bucket == "" {
		cfg.Source.Bucket = bucketNameFromURL(cfg.Source.BucketURL)
	}

	if cfg.Warehouse.Backend == "" {
		cfg.Warehouse.Backend = "duckdb"
	}
	if cfg.Warehouse.Schema == "" {
		cfg.Warehouse.Schema = "raw"
	}
	if cfg.Warehouse.Lake.Backend == "" {
		cfg.Warehouse.Lake.Backend = "local"
	}
	if cfg.Warehouse.Lake.LocalDir == "" {
		cfg.Warehouse.Lake.LocalDir = "./lake"
	}
	if cfg.Warehouse.Lake.Prefix == "" {
		cfg.Warehouse.Lake.Prefix = "raw/"
	}

	if cfg.Ledger.Backend == "" {
		cfg.Ledger.Backend = "duckdb"
	}
	if cfg.Ledger.Table == "" {
		cfg.Ledger.Table = "loaded_files"
	}
	// The ledger lives next to the warehouse unless told otherwise.
	if cfg.Ledger.Backend == "duckdb" && cfg.Ledger.DuckDBPath == "" {
		cfg.Ledger.DuckDBPath = cfg.Warehouse.DuckDBPath
	}

	if cfg.Perf.MaxInFlightPartitions < 1 {
		cfg.Perf.MaxInFlightPartitions = 1
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = ":9090"
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = "./audit"
	}
}

// Validate reports configuration errors that would make every partition fail.
func (c Config) Validate() error {
	var errs []error

	if c.Source.BucketURL == "" {
		errs = append(errs, errors.New("source.bucket_url is required"))
	}
	if len(c.Source.Tables) == 0 {
		errs = append(errs, errors.New("source.tables must not be empty"))
	}

	switch c.Warehouse.Backend {
	case "duckdb":
	case "postgres":
		if c.Warehouse.PostgresDSN == "" {
			errs = append(errs, errors.New("warehouse.postgres_dsn is required for postgres backend"))
		}
	case "lake":
		if c.Warehouse.Lake.Backend == "blob" && c.Warehouse.Lake.BucketURL == "" {
			errs = append(errs, errors.New("warehouse.lake.bucket_url is required for blob lake storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown warehouse backend: %s", c.Warehouse.Backend))
	}

	switch c.Ledger.Backend {
	case "duckdb":
	case "postgres":
		if c.Ledger.PostgresDSN == "" {
			errs = append(errs, errors.New("ledger.postgres_dsn is required for postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend: %s", c.Ledger.Backend))
	}

	if c.Watch.Interval < 0 {
		errs = append(errs, errors.New("watch.interval must not be negative"))
	}

	return errors.Join(errs...)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInt64List(v string) []int64 {
	var out []int64
	for _, part := range splitList(v) {
		if parsed, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, parsed)
		}
	}
	return out
}

// bucketNameFromURL extracts the container name from a gocloud bucket URL.
func bucketNameFromURL(u string) string {
	rest, ok := strings.CutPrefix(u, "file://")
	if ok {
		rest = strings.TrimSuffix(rest, "/")
		if i := strings.LastIndex(rest, "/"); i >= 0 {
			return rest[i+1:]
		}
		return rest
	}
	if i := strings.Index(u, "://"); i >= 0 {
		rest = u[i+3:]
	} else {
		rest = u
	}
	if i := strings.IndexAny(rest, "/?"); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
