// Package server initializes and runs the relay server: it wires the
// identity store, the connection hub and the TLS listener, and handles
// graceful shutdown on OS signals.
package server

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dmitrijs2005/chatrelay/internal/logging"
	"github.com/dmitrijs2005/chatrelay/internal/server/config"
	"github.com/dmitrijs2005/chatrelay/internal/server/relay"
	"github.com/dmitrijs2005/chatrelay/internal/server/users"
)

type App struct {
	config *config.Config
	logger logging.Logger
	hub    *relay.Hub
	db     *sql.DB
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	sl := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(sl)

	db, err := users.InitDatabase(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	us := users.NewService(users.NewSQLiteRepository(db))
	hub := relay.NewHub(us, logger, c.PresenceDebounce)

	return &App{config: c, logger: logger, hub: hub, db: db}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run accepts connections until ctx is cancelled or a signal arrives, then
// waits for the per-connection goroutines to drain.
func (app *App) Run(ctx context.Context) error {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	tlsConf, err := app.tlsConfig(ctx)
	if err != nil {
		return fmt.Errorf("tls config: %w", err)
	}

	listener, err := tls.Listen("tcp", app.config.EndpointAddr, tlsConf)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", app.config.EndpointAddr, err)
	}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping listener...")
		_ = listener.Close()
	}()

	app.logger.Info(ctx, "Listening", "address", app.config.EndpointAddr)

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			app.logger.Warn(ctx, "accept failed", "error", err)
			continue
		}

		wg.Add(1)
		go func(conn net.Conn) {
			defer wg.Done()
			app.hub.ServeConn(ctx, conn)
		}(conn)
	}

	wg.Wait()
	return app.db.Close()
}
