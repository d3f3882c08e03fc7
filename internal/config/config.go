package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	MySQL   MySQLConfig   `yaml:"mysql"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Tracing TracingConfig `yaml:"tracing"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableSeed      bool          `yaml:"enable_seed"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

// RedisConfig is optional; an empty Addr disables idempotency keys and the status cache.
type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	PoolSize       int           `yaml:"pool_size"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	StatusCacheTTL time.Duration `yaml:"status_cache_ttl"`
}

// KafkaConfig is optional; no brokers disables event publishing.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type TracingConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LogConfig controls stdout logging and the size-rotated log file. An empty
// FilePath disables the file.
type LogConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	FilePath     string `yaml:"file_path"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
	BackupCount  int    `yaml:"backup_count"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":50051",
			RequestTimeout:  5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			EnableSeed:      true,
		},
		MySQL: MySQLConfig{
			DSN:             "root:root@tcp(localhost:3306)/reservations?parseTime=true&loc=UTC",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{
			PoolSize:       100,
			IdempotencyTTL: 24 * time.Hour,
			StatusCacheTTL: time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "reservations",
		},
		Tracing: TracingConfig{
			ServiceName: "reservation-service",
		},
		Log: LogConfig{
			Level:        "info",
			Format:       "json",
			FilePath:     "app.log",
			MaxSizeBytes: 5_000_000,
			BackupCount:  2,
		},
	}
}

// Load reads defaults, then the YAML file named by CONFIG_FILE if set, then
// environment overrides, and validates the result.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "parse %s", key)
		}
		*dst = d
		return nil
	}

	str("HTTP_ADDR", &c.Server.HTTPAddr)
	str("GRPC_ADDR", &c.Server.GRPCAddr)
	str("MYSQL_DSN", &c.MySQL.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("KAFKA_TOPIC", &c.Kafka.Topic)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Tracing.OTLPEndpoint)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("LOG_FILE_PATH"); ok {
		c.Log.FilePath = strings.TrimSpace(v)
	}

	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v, ok := lookup("LOG_MAX_SIZE_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "parse LOG_MAX_SIZE_BYTES")
		}
		c.Log.MaxSizeBytes = n
	}
	if v, ok := lookup("LOG_BACKUP_COUNT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "parse LOG_BACKUP_COUNT")
		}
		c.Log.BackupCount = n
	}
	if v, ok := lookup("ENABLE_SEED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "parse ENABLE_SEED")
		}
		c.Server.EnableSeed = b
	}

	if err := dur("REQUEST_TIMEOUT", &c.Server.RequestTimeout); err != nil {
		return err
	}
	if err := dur("STATUS_CACHE_TTL", &c.Redis.StatusCacheTTL); err != nil {
		return err
	}
	return dur("IDEMPOTENCY_TTL", &c.Redis.IdempotencyTTL)
}

func (c *Config) Validate() error {
	if err := validateAddr("server.http_addr", c.Server.HTTPAddr); err != nil {
		return err
	}
	if c.Server.GRPCAddr != "" {
		if err := validateAddr("server.grpc_addr", c.Server.GRPCAddr); err != nil {
			return err
		}
	}
	if c.Server.RequestTimeout <= 0 {
		return errors.New("server.request_timeout must be positive")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	dsn, err := mysql.ParseDSN(c.MySQL.DSN)
	if err != nil {
		return errors.Wrap(err, "mysql.dsn")
	}
	dsn.ParseTime = true
	if dsn.Loc == nil || dsn.Loc == time.Local {
		dsn.Loc = time.UTC
	}
	c.MySQL.DSN = dsn.FormatDSN()

	if c.MySQL.MaxOpenConns <= 0 || c.MySQL.MaxIdleConns < 0 {
		return errors.New("mysql pool sizes must be positive")
	}
	if c.Redis.Addr != "" {
		if err := validateAddr("redis.addr", c.Redis.Addr); err != nil {
			return err
		}
		if c.Redis.PoolSize <= 0 {
			return errors.New("redis.pool_size must be positive")
		}
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		return errors.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	if c.Log.FilePath != "" && c.Log.MaxSizeBytes <= 0 {
		return errors.New("log.max_size_bytes must be positive")
	}
	if c.Log.BackupCount < 0 {
		return errors.New("log.backup_count must not be negative")
	}
	return nil
}

func validateAddr(field, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.Wrapf(err, "%s", field)
	}
	return nil
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
