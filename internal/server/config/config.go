package config

import (
	"strings"
	"time"

	pkgconfig "github.com/weiawesome/slippi-broadcast/pkg/config"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/pubsub"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	Auth      AuthConfig
	Relay     RelayConfig
	Directory DirectoryConfig
	PubSub    pubsub.Config
	Kafka     KafkaConfig
	Log       pkglog.Config
}

type ServerConfig struct {
	Host string
	Port int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

// AuthConfig lists the accepted passwords, plain or bcrypt-hashed. An empty
// list accepts any password; each distinct password still scopes its own
// broadcasts.
type AuthConfig struct {
	Passwords []string      `mapstructure:"passwords"`
	ResumeTTL time.Duration `mapstructure:"resume_ttl"`
	Issuer    string        `mapstructure:"issuer"`
}

type RelayConfig struct {
	ResumeGrace time.Duration `mapstructure:"resume_grace"`
}

type DirectoryConfig struct {
	Driver string               `mapstructure:"driver"` // "memory", "redis"
	Redis  DirectoryRedisConfig `mapstructure:"redis"`
}

type DirectoryRedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    string
	Topic      string
	Partitions int
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8090},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			PongWait:       60 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 1 << 20,
			SendBuffer:     256,
		},
		Auth:      AuthConfig{ResumeTTL: 10 * time.Minute, Issuer: "slippi-relay"},
		Relay:     RelayConfig{ResumeGrace: 30 * time.Second},
		Directory: DirectoryConfig{Driver: "memory"},
		PubSub:    pubsub.DefaultConfig(),
		Log:       pkglog.Config{Level: "info", ServiceName: "slippi-relay"},
	}
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "relay")
	if err != nil {
		return nil, err
	}

	def := Default()

	// Set defaults
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", def.WebSocket.MaxMessageSize)
	v.SetDefault("websocket.send_buffer", def.WebSocket.SendBuffer)
	v.SetDefault("auth.passwords", []string{})
	v.SetDefault("auth.resume_ttl", "10m")
	v.SetDefault("auth.issuer", def.Auth.Issuer)
	v.SetDefault("relay.resume_grace", "30s")
	v.SetDefault("directory.driver", "memory")
	v.SetDefault("directory.redis.address", "localhost:6379")
	v.SetDefault("directory.redis.password", "")
	v.SetDefault("directory.redis.db", 0)
	v.SetDefault("directory.redis.key_prefix", "relay:directory:")
	v.SetDefault("pubsub.driver", "memory")
	v.SetDefault("pubsub.buffer", 256)
	v.SetDefault("pubsub.redis.address", "localhost:6379")
	v.SetDefault("pubsub.redis.password", "")
	v.SetDefault("pubsub.redis.db", 0)
	v.SetDefault("pubsub.redis.pool_size", 10)
	v.SetDefault("pubsub.kafka.brokers", "localhost:9092")
	v.SetDefault("pubsub.kafka.group_id", "slippi-relay")
	v.SetDefault("pubsub.kafka.partitions", 4)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "broadcast-events")
	v.SetDefault("kafka.partitions", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", def.Log.ServiceName)

	// Override from environment
	v.BindEnv("server.port", "PORT")
	v.BindEnv("auth.passwords", "RELAY_PASSWORDS")
	v.BindEnv("directory.driver", "DIRECTORY_DRIVER")
	v.BindEnv("directory.redis.address", "REDIS_ADDRESS")
	v.BindEnv("directory.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.driver", "PUBSUB_DRIVER")
	v.BindEnv("pubsub.redis.address", "REDIS_ADDRESS")
	v.BindEnv("pubsub.redis.password", "REDIS_PASSWORD")
	v.BindEnv("pubsub.kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("pubsub.kafka.group_id", "KAFKA_PUBSUB_GROUP_ID")
	v.BindEnv("pubsub.kafka.instance_id", "INSTANCE_ID")
	v.BindEnv("kafka.enabled", "KAFKA_ENABLED")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_BROADCAST_TOPIC")
	v.BindEnv("kafka.partitions", "KAFKA_BROADCAST_PARTITIONS")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	cfg.Auth.Passwords = splitList(v.GetStringSlice("auth.passwords"))

	// Parse durations
	cfg.WebSocket.PingInterval = pkgconfig.Duration(v, "websocket.ping_interval", def.WebSocket.PingInterval)
	cfg.WebSocket.PongWait = pkgconfig.Duration(v, "websocket.pong_wait", def.WebSocket.PongWait)
	cfg.WebSocket.WriteWait = pkgconfig.Duration(v, "websocket.write_wait", def.WebSocket.WriteWait)
	cfg.Auth.ResumeTTL = pkgconfig.Duration(v, "auth.resume_ttl", def.Auth.ResumeTTL)
	cfg.Relay.ResumeGrace = pkgconfig.Duration(v, "relay.resume_grace", def.Relay.ResumeGrace)

	return &cfg, nil
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
