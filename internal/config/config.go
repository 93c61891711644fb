package config

import (
	"time"

	pkgconfig "github.com/weiawesome/wes-io-live/relation-service/pkg/config"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/database"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/pubsub"
)

type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	PubSub        pubsub.Config `mapstructure:"pubsub"`
	Elasticsearch ElasticsearchConfig
	Reconciler    ReconcilerConfig
	Relation      RelationConfig
	Auth          AuthConfig
	Retry         RetryConfig
	Log           LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	TimeZone        string `mapstructure:"timezone"`
	FilePath        string `mapstructure:"file_path"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	LogLevel        string `mapstructure:"log_level"`
}

// Database returns the connection settings for pkg/database.
func (c DatabaseConfig) Database() *database.Config {
	return &database.Config{
		Driver:          c.Driver,
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		DBName:          c.DBName,
		SSLMode:         c.SSLMode,
		TimeZone:        c.TimeZone,
		FilePath:        c.FilePath,
		MaxIdleConns:    c.MaxIdleConns,
		MaxOpenConns:    c.MaxOpenConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		LogLevel:        c.LogLevel,
	}
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type ElasticsearchConfig struct {
	Enabled    bool     `mapstructure:"enabled"`
	Addresses  []string `mapstructure:"addresses"`
	IndexUsers string   `mapstructure:"index_users"`
}

type ReconcilerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	TopN        int           `mapstructure:"top_n"`
	Repair      bool          `mapstructure:"repair"`
	BatchSize   int           `mapstructure:"batch_size"`
	Concurrency int           `mapstructure:"concurrency"`
}

type RelationConfig struct {
	TxTimeout       time.Duration `mapstructure:"tx_timeout"`
	DefaultPageSize int           `mapstructure:"default_page_size"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// RetryConfig bounds how often the HTTP layer retries a transient failure.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// Load reads ./config/config.yaml (or $CONFIG_PATH) and the environment.
func Load() (*Config, error) {
	return LoadFrom(pkgconfig.GetEnv("CONFIG_PATH", "./config"))
}

// LoadFrom reads config.yaml from configPath and the environment.
func LoadFrom(configPath string) (*Config, error) {
	v, err := pkgconfig.Load(configPath, "config")
	if err != nil {
		return nil, err
	}

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8096)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.dbname", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.timezone", "UTC")
	v.SetDefault("database.file_path", "./data/relation.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "10m")
	v.SetDefault("pubsub.driver", "redis")
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.redis.read_timeout", "3s")
	v.SetDefault("pubsub.redis.write_timeout", "3s")
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "relation-service")
	v.SetDefault("pubsub.kafka.partitions", 3)
	v.SetDefault("elasticsearch.enabled", false)
	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.index_users", "users")
	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", "60s")
	v.SetDefault("reconciler.top_n", 100)
	v.SetDefault("reconciler.repair", false)
	v.SetDefault("reconciler.batch_size", 500)
	v.SetDefault("reconciler.concurrency", 4)
	v.SetDefault("relation.tx_timeout", "5s")
	v.SetDefault("relation.default_page_size", 20)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "wes-io-live")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_interval", "50ms")
	v.SetDefault("retry.max_interval", "500ms")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	// Bind environment variables
	v.BindEnv("server.port", "PORT")
	v.BindEnv("database.driver", "DB_DRIVER")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("database.sslmode", "DB_SSLMODE")
	v.BindEnv("database.file_path", "DB_FILE_PATH")
	v.BindEnv("database.max_idle_conns", "DB_MAX_IDLE_CONNS")
	v.BindEnv("database.max_open_conns", "DB_MAX_OPEN_CONNS")
	v.BindEnv("database.conn_max_lifetime", "DB_CONN_MAX_LIFETIME")
	v.BindEnv("database.log_level", "DB_LOG_LEVEL")
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("redis.cache_ttl", "REDIS_CACHE_TTL")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "PUBSUB_REDIS_ADDRESS", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "PUBSUB_REDIS_PASSWORD", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.group_id", "KAFKA_GROUP_ID")
	v.BindEnv("elasticsearch.enabled", "ES_ENABLED")
	v.BindEnv("elasticsearch.addresses", "ES_ADDRESSES")
	v.BindEnv("elasticsearch.index_users", "ES_INDEX_USERS")
	v.BindEnv("reconciler.enabled", "RECONCILER_ENABLED")
	v.BindEnv("reconciler.interval", "RECONCILER_INTERVAL")
	v.BindEnv("reconciler.top_n", "RECONCILER_TOP_N")
	v.BindEnv("reconciler.repair", "RECONCILER_REPAIR")
	v.BindEnv("reconciler.batch_size", "RECONCILER_BATCH_SIZE")
	v.BindEnv("reconciler.concurrency", "RECONCILER_CONCURRENCY")
	v.BindEnv("relation.tx_timeout", "RELATION_TX_TIMEOUT")
	v.BindEnv("relation.default_page_size", "RELATION_DEFAULT_PAGE_SIZE")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("auth.issuer", "JWT_ISSUER")
	v.BindEnv("retry.max_attempts", "RETRY_MAX_ATTEMPTS")
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.pretty", "LOG_PRETTY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
