package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/chatrelay/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   TCP bind address (e.g., ":8888")
//	-d string   SQLite DSN for the identity store
//	-e string   TLS certificate file (empty: self-signed at startup)
//	-k string   TLS key file
//	-b int      presence broadcast debounce, milliseconds
//
// The function first filters os.Args to only the flags it recognizes using
// flagx.FilterArgs, avoiding collisions with other components.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-e", "-k", "-b"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddr, "a", config.EndpointAddr, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.CertFile, "e", config.CertFile, "TLS certificate file")
	fs.StringVar(&config.KeyFile, "k", config.KeyFile, "TLS key file")

	presenceDebounce := fs.Int("b", int(config.PresenceDebounce.Milliseconds()), "presence broadcast debounce (in milliseconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.PresenceDebounce = time.Duration(*presenceDebounce) * time.Millisecond
}
