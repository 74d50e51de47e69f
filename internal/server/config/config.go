// Package config handles configuration for the relay server, including
// defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the chatrelay server.
//
// Fields:
//   - EndpointAddr: TCP bind address for the TLS listener.
//   - DatabaseDSN: SQLite file holding identities and public keys.
//   - CertFile / KeyFile: TLS key pair; when both are empty the server
//     generates a self-signed certificate at startup.
//   - PresenceDebounce: delay between a successful login and the presence
//     broadcast, letting the handshake settle first.
type Config struct {
	EndpointAddr     string
	DatabaseDSN      string
	CertFile         string
	KeyFile          string
	PresenceDebounce time.Duration
}

// LoadDefaults populates Config with sensible development defaults.
func (c *Config) LoadDefaults() {
	c.EndpointAddr = ":8888"
	c.DatabaseDSN = "chatroom.db"
	c.CertFile = ""
	c.KeyFile = ""
	c.PresenceDebounce = 300 * time.Millisecond
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
