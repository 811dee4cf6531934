package relay

import "time"

// Config holds Connection Client settings.
type Config struct {
	URL              string          `mapstructure:"url"`
	HandshakeTimeout time.Duration   `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration   `mapstructure:"ping_interval"`
	PongWait         time.Duration   `mapstructure:"pong_wait"`
	WriteWait        time.Duration   `mapstructure:"write_wait"`
	MaxMessageSize   int64           `mapstructure:"max_message_size"`
	SendBuffer       int             `mapstructure:"send_buffer"`
	Reconnect        ReconnectPolicy `mapstructure:"reconnect"`
}

// ReconnectPolicy bounds how long a dropped connection keeps retrying before
// it is reported as Failed. MaxAttempts of zero leaves only MaxElapsed as the
// bound.
type ReconnectPolicy struct {
	MaxAttempts     uint          `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

// DefaultConfig returns the default configuration for a relay URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
		MaxMessageSize:   1 << 20,
		SendBuffer:       256,
		Reconnect: ReconnectPolicy{
			MaxAttempts:     10,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     15 * time.Second,
			MaxElapsed:      5 * time.Minute,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
	if c.Reconnect.InitialInterval <= 0 {
		c.Reconnect.InitialInterval = def.Reconnect.InitialInterval
	}
	if c.Reconnect.MaxInterval <= 0 {
		c.Reconnect.MaxInterval = def.Reconnect.MaxInterval
	}
	if c.Reconnect.MaxElapsed <= 0 {
		c.Reconnect.MaxElapsed = def.Reconnect.MaxElapsed
	}
	return c
}
