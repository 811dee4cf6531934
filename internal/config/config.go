package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/weiawesome/slippi-broadcast/internal/broadcast"
	"github.com/weiawesome/slippi-broadcast/internal/daemon"
	"github.com/weiawesome/slippi-broadcast/internal/relay"
	"github.com/weiawesome/slippi-broadcast/internal/source"
	"github.com/weiawesome/slippi-broadcast/internal/spectate"
	pkgconfig "github.com/weiawesome/slippi-broadcast/pkg/config"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/storage"
)

// Config is the configuration of the local client: daemon and CLI.
type Config struct {
	Relay     relay.Config           `mapstructure:"relay"`
	Broadcast broadcast.Config       `mapstructure:"broadcast"`
	Spectate  spectate.Config        `mapstructure:"spectate"`
	Source    source.ReplayDirConfig `mapstructure:"source"`
	Recording RecordingConfig        `mapstructure:"recording"`
	Daemon    daemon.Config          `mapstructure:"daemon"`
	Log       pkglog.Config          `mapstructure:"log"`
}

// RecordingConfig controls replay recording of watched broadcasts.
type RecordingConfig struct {
	Enabled bool           `mapstructure:"enabled"`
	Prefix  string         `mapstructure:"prefix"`
	Storage storage.Config `mapstructure:"storage"`
}

// Load reads config.yaml (if present) and the environment.
func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}
	return build(v)
}

// LoadFile reads an explicit config file and the environment.
func LoadFile(path string) (*Config, error) {
	v, err := pkgconfig.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return build(v)
}

func build(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	v.BindEnv("relay.url", "SLIPPI_RELAY_URL")
	v.BindEnv("source.dir", "SLIPPI_REPLAY_DIR")
	v.BindEnv("broadcast.name", "SLIPPI_BROADCAST_NAME")
	v.BindEnv("broadcast.broadcaster_name", "SLIPPI_BROADCASTER_NAME")
	v.BindEnv("daemon.port", "SLIPPI_DAEMON_PORT")
	v.BindEnv("daemon.token", "SLIPPI_DAEMON_TOKEN")
	v.BindEnv("recording.storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("recording.storage.s3.access_key_id", "AWS_ACCESS_KEY_ID")
	v.BindEnv("recording.storage.s3.secret_access_key", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	def := relay.DefaultConfig("")
	cfg.Relay.HandshakeTimeout = pkgconfig.Duration(v, "relay.handshake_timeout", def.HandshakeTimeout)
	cfg.Relay.PingInterval = pkgconfig.Duration(v, "relay.ping_interval", def.PingInterval)
	cfg.Relay.PongWait = pkgconfig.Duration(v, "relay.pong_wait", def.PongWait)
	cfg.Relay.WriteWait = pkgconfig.Duration(v, "relay.write_wait", def.WriteWait)
	cfg.Relay.Reconnect.InitialInterval = pkgconfig.Duration(v, "relay.reconnect.initial_interval", def.Reconnect.InitialInterval)
	cfg.Relay.Reconnect.MaxInterval = pkgconfig.Duration(v, "relay.reconnect.max_interval", def.Reconnect.MaxInterval)
	cfg.Relay.Reconnect.MaxElapsed = pkgconfig.Duration(v, "relay.reconnect.max_elapsed", def.Reconnect.MaxElapsed)
	cfg.Broadcast.StopTimeout = pkgconfig.Duration(v, "broadcast.stop_timeout", 3*time.Second)
	cfg.Broadcast.AnnounceTimeout = pkgconfig.Duration(v, "broadcast.announce_timeout", 10*time.Second)
	cfg.Spectate.CloseTimeout = pkgconfig.Duration(v, "spectate.close_timeout", 3*time.Second)
	cfg.Source.PollInterval = pkgconfig.Duration(v, "source.poll_interval", 500*time.Millisecond)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := relay.DefaultConfig("ws://localhost:8090/ws")

	v.SetDefault("relay.url", def.URL)
	v.SetDefault("relay.handshake_timeout", def.HandshakeTimeout.String())
	v.SetDefault("relay.ping_interval", def.PingInterval.String())
	v.SetDefault("relay.pong_wait", def.PongWait.String())
	v.SetDefault("relay.write_wait", def.WriteWait.String())
	v.SetDefault("relay.max_message_size", def.MaxMessageSize)
	v.SetDefault("relay.send_buffer", def.SendBuffer)
	v.SetDefault("relay.reconnect.max_attempts", def.Reconnect.MaxAttempts)
	v.SetDefault("relay.reconnect.initial_interval", def.Reconnect.InitialInterval.String())
	v.SetDefault("relay.reconnect.max_interval", def.Reconnect.MaxInterval.String())
	v.SetDefault("relay.reconnect.max_elapsed", def.Reconnect.MaxElapsed.String())

	v.SetDefault("broadcast.name", "Netplay")
	v.SetDefault("broadcast.broadcaster_name", "")
	v.SetDefault("broadcast.stop_on_relay_failure", false)
	v.SetDefault("broadcast.stop_timeout", "3s")
	v.SetDefault("broadcast.announce_timeout", "10s")

	v.SetDefault("spectate.frame_buffer", 256)
	v.SetDefault("spectate.close_timeout", "3s")

	v.SetDefault("source.dir", "./replays")
	v.SetDefault("source.poll_interval", "500ms")
	v.SetDefault("source.chunk_size", 64<<10)

	v.SetDefault("recording.enabled", false)
	v.SetDefault("recording.prefix", "spectate")
	v.SetDefault("recording.storage.type", "local")
	v.SetDefault("recording.storage.local.base_path", "./recordings")
	v.SetDefault("recording.storage.s3.region", "us-east-1")

	v.SetDefault("daemon.host", "127.0.0.1")
	v.SetDefault("daemon.port", 8765)
	v.SetDefault("daemon.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
	v.SetDefault("log.service_name", "slippi")
}
