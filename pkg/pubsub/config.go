package pubsub

import (
	"errors"
	"fmt"
	"time"
)

// ErrDisabled is returned by NewPubSub when no driver is configured.
var ErrDisabled = errors.New("pubsub disabled")

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
}

// Config holds the configuration for the pub/sub system.
type Config struct {
	Driver string      `mapstructure:"driver"` // "redis", "kafka", "none"
	Redis  RedisConfig `mapstructure:"redis"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

// RedisConfig holds Redis-specific configuration.
type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// NewPubSub creates a new PubSub instance based on the configuration.
func NewPubSub(cfg Config) (PubSub, error) {
	switch cfg.Driver {
	case "kafka":
		return NewKafkaPubSub(cfg.Kafka)
	case "redis":
		return NewRedisPubSub(cfg.Redis)
	case "none", "":
		return nil, ErrDisabled
	default:
		return nil, fmt.Errorf("unsupported pubsub driver: %s", cfg.Driver)
	}
}
