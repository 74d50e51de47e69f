package cli

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatrelay/internal/client/config"
	"github.com/dmitrijs2005/chatrelay/internal/client/exchange"
	"github.com/dmitrijs2005/chatrelay/internal/client/session"
	"github.com/dmitrijs2005/chatrelay/internal/client/vault"
	"github.com/dmitrijs2005/chatrelay/internal/cryptox"
	"github.com/dmitrijs2005/chatrelay/internal/logging"
)

const loginTimeout = 10 * time.Second

type App struct {
	config *config.Config
	logger logging.Logger
	reader *bufio.Reader
	out    io.Writer

	db   *sql.DB
	sess *session.Session
	exch *exchange.Manager
	vlt  *vault.Vault

	// Background context for handlers running on the dispatch goroutine.
	ctx context.Context

	mu     sync.Mutex
	online []string
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	db, err := vault.InitDatabase(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("vault init error: %w", err)
	}

	sl := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	return &App{
		config: c,
		logger: logging.NewSlogLogger(sl),
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		db:     db,
	}, nil
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format+"\n", args...)
}

func (a *App) status() string {
	return fmt.Sprintf("%s (%s)", a.sess.UserID(), a.sess.State())
}

// Run prompts for credentials, brings the session up and hands control to
// the REPL. It returns when the user quits or the first connect fails.
func (a *App) Run(ctx context.Context) error {
	defer a.db.Close()

	userID, err := GetSimpleText(a.reader, "User id", a.out)
	if err != nil {
		return err
	}
	pw, err := GetPassword(a.out)
	if err != nil {
		return err
	}
	password := string(pw)
	cryptox.WipeBytes(pw)

	a.ctx = ctx
	a.vlt = vault.Open(userID, password, vault.NewSQLiteRepository(a.db))

	a.sess = session.New(a.config, a.logger, session.Callbacks{
		OnMessage:  a.handleInbound,
		OnPresence: a.handlePresence,
		OnRestored: func() { a.printf("connection restored") },
		OnDown:     func(err error) { a.printf("connection lost (%v), retrying...", err) },
	})
	defer a.sess.Close()

	exch, err := exchange.NewManager(userID, a.sess.Send, a.vlt)
	if err != nil {
		return err
	}
	a.exch = exch

	if err := a.sess.Connect(ctx); err != nil {
		return err
	}

	loginCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	err = a.sess.Login(loginCtx, userID, password, exch.PublicKey())
	cancel()
	if err != nil {
		return err
	}

	// Session keys from previous runs keep old conversations readable.
	keys, err := a.vlt.SessionKeys(ctx)
	if err != nil {
		a.logger.Warn(ctx, "could not restore session keys", "error", err)
	}
	for peer, key := range keys {
		a.exch.Restore(peer, key)
	}

	a.printf("logged in as %s", userID)
	runREPL(a, a.status, bufio.NewScanner(os.Stdin))
	return nil
}
