package config

import "time"

// Config holds runtime settings for the chat client.
//
// Fields:
//   - ServerAddr: host:port of the relay server.
//   - DatabaseDSN: path to the local vault database file.
//   - HeartbeatInterval: how long the outgoing stream may stay idle before a
//     heartbeat frame is sent.
//   - ReconnectDelay: pause between reconnection attempts after the link drops.
type Config struct {
	ServerAddr        string
	DatabaseDSN       string
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerAddr = "127.0.0.1:8888"
	c.DatabaseDSN = "vault.db"
	c.HeartbeatInterval = 5 * time.Second
	c.ReconnectDelay = 3 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
