package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"switchline/internal/db"
	"switchline/internal/domain"
	"switchline/internal/router"
	"switchline/internal/scheduler"
)

// Config models .switchline/config.yaml.
type Config struct {
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Cache struct {
		Backend    string `yaml:"backend"`
		BoltPath   string `yaml:"bolt_path"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"cache"`
	Drainer struct {
		Backend       string `yaml:"backend"`
		StreamName    string `yaml:"stream_name"`
		NumPartitions int    `yaml:"num_partitions"`
		Kafka         struct {
			Brokers []string `yaml:"brokers"`
			Topic   string   `yaml:"topic"`
		} `yaml:"kafka"`
	} `yaml:"drainer"`
	Storage struct {
		DefaultScheme string            `yaml:"default_scheme"`
		Merchants     map[string]string `yaml:"merchants"`
	} `yaml:"storage"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Connector struct {
		StatusURL string `yaml:"status_url"`
		TimeoutMS int    `yaml:"timeout_ms"`
	} `yaml:"connector"`
}

type SchedulerConfig struct {
	Stream                     string `yaml:"stream"`
	LoopIntervalMS             int    `yaml:"loop_interval_ms"`
	GracefulShutdownIntervalMS int    `yaml:"graceful_shutdown_interval_ms"`
	Consumer                   struct {
		Disabled            bool     `yaml:"disabled"`
		Group               string   `yaml:"group"`
		BatchSize           int      `yaml:"batch_size"`
		ReclaimIdleMS       int      `yaml:"reclaim_idle_ms"`
		ValidBusinessStatus []string `yaml:"valid_business_status"`
	} `yaml:"consumer"`
	Producer struct {
		LoopIntervalMS int `yaml:"loop_interval_ms"`
		BatchSize      int `yaml:"batch_size"`
	} `yaml:"producer"`
}

const (
	CacheRedis = "redis"
	CacheBolt  = "bolt"

	DrainRedis = "redis"
	DrainKafka = "kafka"
	DrainSQL   = "sql"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with sl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, db.WorkspaceDir, "config.yaml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the config the default template describes.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch db.Dialect(c.Database.Driver) {
	case db.SQLite:
	case db.Postgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Cache.Backend {
	case CacheRedis, CacheBolt:
	default:
		return fmt.Errorf("config.cache.backend must be redis or bolt, got %q", c.Cache.Backend)
	}
	if c.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config.cache.ttl_seconds must not be negative")
	}
	switch c.Drainer.Backend {
	case DrainRedis:
		if c.Drainer.StreamName == "" {
			return fmt.Errorf("config.drainer.stream_name is required")
		}
		if c.Drainer.NumPartitions <= 0 {
			return fmt.Errorf("config.drainer.num_partitions must be positive")
		}
	case DrainKafka:
		if len(c.Drainer.Kafka.Brokers) == 0 || c.Drainer.Kafka.Topic == "" {
			return fmt.Errorf("config.drainer.kafka needs brokers and a topic")
		}
	case DrainSQL:
	default:
		return fmt.Errorf("config.drainer.backend must be redis, kafka or sql, got %q", c.Drainer.Backend)
	}
	if _, err := domain.ParseStorageScheme(c.Storage.DefaultScheme); err != nil {
		return fmt.Errorf("config.storage.default_scheme: %w", err)
	}
	for merchant, scheme := range c.Storage.Merchants {
		if merchant == "" {
			return fmt.Errorf("config.storage.merchants has empty merchant id")
		}
		if _, err := domain.ParseStorageScheme(scheme); err != nil {
			return fmt.Errorf("config.storage.merchants.%s: %w", merchant, err)
		}
	}
	if err := c.SchedulerSettings().Validate(); err != nil {
		return err
	}
	if c.Connector.TimeoutMS < 0 {
		return fmt.Errorf("config.connector.timeout_ms must not be negative")
	}
	return nil
}

// DB returns the database settings for a workspace.
func (c *Config) DB(workspace string) db.Config {
	return db.Config{Driver: c.Database.Driver, DSN: c.Database.DSN, Workspace: workspace}
}

// Schemes returns the per-merchant storage schemes. Validate has checked every value.
func (c *Config) Schemes() router.StaticSchemes {
	s := router.StaticSchemes{Merchants: map[string]domain.StorageScheme{}}
	s.Default, _ = domain.ParseStorageScheme(c.Storage.DefaultScheme)
	for merchant, scheme := range c.Storage.Merchants {
		s.Merchants[merchant], _ = domain.ParseStorageScheme(scheme)
	}
	return s
}

func (c *Config) SchedulerSettings() scheduler.Settings {
	sc := c.Scheduler
	return scheduler.Settings{
		Stream:                   sc.Stream,
		LoopInterval:             ms(sc.LoopIntervalMS),
		GracefulShutdownInterval: ms(sc.GracefulShutdownIntervalMS),
		Consumer: scheduler.ConsumerSettings{
			Disabled:            sc.Consumer.Disabled,
			Group:               sc.Consumer.Group,
			BatchSize:           sc.Consumer.BatchSize,
			ReclaimIdle:         ms(sc.Consumer.ReclaimIdleMS),
			ValidBusinessStatus: sc.Consumer.ValidBusinessStatus,
		},
		Producer: scheduler.ProducerSettings{
			LoopInterval: ms(sc.Producer.LoopIntervalMS),
			BatchSize:    sc.Producer.BatchSize,
		},
	}
}

func (c *Config) CacheTTL() time.Duration { return time.Duration(c.Cache.TTLSeconds) * time.Second }

func (c *Config) ConnectorTimeout() time.Duration { return ms(c.Connector.TimeoutMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// OverrideKeys lists the dotted keys Override understands.
var OverrideKeys = []string{
	"database.driver", "database.dsn",
	"redis.addr", "redis.password", "redis.db",
	"cache.backend", "cache.bolt_path",
	"drainer.backend", "drainer.stream_name", "drainer.kafka.brokers", "drainer.kafka.topic",
	"storage.default_scheme",
	"scheduler.consumer.disabled",
	"server.addr", "server.jwt_secret",
	"connector.status_url",
}

// Override replaces values for the keys lookup reports as set, then revalidates.
func (c *Config) Override(lookup func(key string) (string, bool)) error {
	for _, key := range OverrideKeys {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		if err := c.set(key, v); err != nil {
			return fmt.Errorf("override %s: %w", key, err)
		}
	}
	return c.Validate()
}

func (c *Config) set(key, v string) error {
	var err error
	switch key {
	case "database.driver":
		c.Database.Driver = v
	case "database.dsn":
		c.Database.DSN = v
	case "redis.addr":
		c.Redis.Addr = v
	case "redis.password":
		c.Redis.Password = v
	case "redis.db":
		c.Redis.DB, err = strconv.Atoi(v)
	case "cache.backend":
		c.Cache.Backend = v
	case "cache.bolt_path":
		c.Cache.BoltPath = v
	case "drainer.backend":
		c.Drainer.Backend = v
	case "drainer.stream_name":
		c.Drainer.StreamName = v
	case "drainer.kafka.brokers":
		c.Drainer.Kafka.Brokers = strings.Split(v, ",")
	case "drainer.kafka.topic":
		c.Drainer.Kafka.Topic = v
	case "storage.default_scheme":
		c.Storage.DefaultScheme = v
	case "scheduler.consumer.disabled":
		c.Scheduler.Consumer.Disabled, err = strconv.ParseBool(v)
	case "server.addr":
		c.Server.Addr = v
	case "server.jwt_secret":
		c.Server.JWTSecret = v
	case "connector.status_url":
		c.Connector.StatusURL = v
	default:
		return fmt.Errorf("unknown key")
	}
	return err
}

const defaultTemplate = `database:
  driver: sqlite
  dsn: ""

redis:
  addr: 127.0.0.1:6379
  password: ""
  db: 0

cache:
  backend: redis
  bolt_path: ""
  ttl_seconds: 0

drainer:
  backend: redis
  stream_name: drainer_stream
  num_partitions: 64
  kafka:
    brokers: []
    topic: switchline-drainer

storage:
  default_scheme: durable_only
  merchants: {}

scheduler:
  stream: SCHEDULER_STREAM
  loop_interval_ms: 5000
  graceful_shutdown_interval_ms: 1000
  consumer:
    disabled: false
    group: SCHEDULER_GROUP
    batch_size: 200
    reclaim_idle_ms: 600000
    valid_business_status: [Pending]
  producer:
    loop_interval_ms: 5000
    batch_size: 200

server:
  addr: 127.0.0.1:8080
  base_path: ""
  jwt_secret: ""

connector:
  status_url: http://127.0.0.1:9090
  timeout_ms: 10000
`
