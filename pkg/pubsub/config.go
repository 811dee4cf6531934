package pubsub

import (
	"fmt"
	"time"
)

// Config selects and configures the fan-out driver shared by relay instances.
type Config struct {
	Driver string `mapstructure:"driver"` // "memory", "redis", "kafka"
	// Buffer is the per-subscription event buffer. Frames beyond it are
	// dropped for that subscriber.
	Buffer int         `mapstructure:"buffer"`
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
	Buffer       int           `mapstructure:"-"`
}

// KafkaConfig holds Kafka-specific configuration.
type KafkaConfig struct {
	Brokers    string `mapstructure:"brokers"`
	GroupID    string `mapstructure:"group_id"`
	Partitions int    `mapstructure:"partitions"`
	// InstanceID gives every relay instance its own consumer group so each
	// sees every broadcast's frames.
	InstanceID string `mapstructure:"instance_id"`
	Buffer     int    `mapstructure:"-"`
}

// DefaultConfig returns a single-instance configuration.
func DefaultConfig() Config {
	return Config{
		Driver: "memory",
		Buffer: defaultBuffer,
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:    "localhost:9092",
			GroupID:    "slippi-relay",
			Partitions: 4,
		},
	}
}

// NewPubSub creates the driver named by cfg.Driver.
func NewPubSub(cfg Config) (PubSub, error) {
	switch cfg.Driver {
	case "kafka":
		cfg.Kafka.Buffer = cfg.Buffer
		return NewKafkaPubSub(cfg.Kafka)
	case "redis":
		cfg.Redis.Buffer = cfg.Buffer
		return NewRedisPubSub(cfg.Redis)
	case "memory", "":
		return NewMemoryPubSub(cfg.Buffer), nil
	default:
		return nil, fmt.Errorf("unsupported pubsub driver: %s", cfg.Driver)
	}
}
