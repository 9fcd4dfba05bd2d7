package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/meszmate/roster/internal/config"
	"github.com/meszmate/roster/internal/engine"
	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/logging"
	"github.com/meszmate/roster/internal/session"
	"github.com/meszmate/roster/internal/storage"
	"github.com/meszmate/roster/internal/storage/bolt"
	"github.com/meszmate/roster/internal/storage/sqlite"
	"github.com/meszmate/roster/internal/ui"
	"github.com/meszmate/roster/internal/ui/theme"
	"github.com/meszmate/roster/internal/xmpp"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/muc"
	"github.com/meszmate/roster/internal/xmpp/presence"
)

const drainTimeout = 2 * time.Second

// backend is a session store that can also cache the roster.
type backend interface {
	storage.Backend
	storage.RosterCache
}

func main() {
	var (
		configPath   = pflag.StringP("config", "c", "", "path to config.toml")
		accountsPath = pflag.String("accounts", "", "path to accounts.toml")
		accountJID   = pflag.StringP("account", "a", "", "account to use (default: first configured)")
		logLevel     = pflag.String("log-level", "", "override the configured log level")
		themePath    = pflag.String("theme", "", "path to a theme TOML file")
		insecure     = pflag.Bool("insecure", false, "skip TLS certificate verification")
	)
	pflag.Parse()

	paths, err := config.GetPaths()
	if err != nil {
		log.Fatalf("Failed to resolve paths: %v", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}
	if *configPath == "" {
		*configPath = paths.ConfigFile()
	}
	if *accountsPath == "" {
		*accountsPath = paths.AccountsFile()
	}

	cfg, err := config.LoadFrom(*configPath, paths.DataDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	accounts, err := config.LoadAccountsFrom(*accountsPath)
	if err != nil {
		log.Fatalf("Failed to load accounts: %v", err)
	}
	acc, ok := accounts.Find(*accountJID)
	if !ok {
		log.Fatalf("No account configured in %s", *accountsPath)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		log.Fatalf("Failed to open log: %v", err)
	}
	defer logger.Close()

	if err := run(cfg, acc, logger, *themePath, *insecure); err != nil {
		logger.Error("Exiting: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func openBackend(cfg *config.Config) (backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendBolt:
		return bolt.Open(filepath.Join(cfg.General.DataDir, "roster.bolt"))
	default:
		return sqlite.New(cfg.General.DataDir)
	}
}

func openSealer(cfg *config.Config) (*storage.Sealer, error) {
	var (
		key [32]byte
		err error
	)
	if cfg.Storage.SealKey != "" {
		key, err = storage.ParseKey(cfg.Storage.SealKey)
	} else {
		key, err = storage.LoadOrCreateKey(filepath.Join(cfg.General.DataDir, "seal.key"))
	}
	if err != nil {
		return nil, err
	}
	return storage.NewSealer(key), nil
}

func run(cfg *config.Config, acc config.Account, logger *logging.Logger, themePath string, insecure bool) error {
	self, err := address.Parse(acc.JID)
	if err != nil {
		return fmt.Errorf("account %q: %w", acc.JID, err)
	}
	creds := session.Credentials{
		Address:  address.Bare(self),
		Password: acc.Password,
		Server:   acc.Server,
		Port:     acc.Port,
	}

	db, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer db.Close()

	opts := engine.Options{
		Account: creds.Address.String(),
		Schedule: session.Schedule{
			Base: cfg.Session.ReconnectBase,
			Step: cfg.Session.ReconnectStep,
			Cap:  cfg.Session.ReconnectCap,
		},
		MaxResumeWindow: cfg.Session.MaxResumeWindow.Duration,
		MUC: muc.Options{
			InitialWindow:     cfg.MUC.InitialWindow.Duration,
			HistoryMaxStanzas: cfg.MUC.HistoryMaxStanzas,
			HistorySeconds:    cfg.MUC.HistorySeconds,
		},
		Logger: logger,
	}
	if cfg.Storage.SaveSessions {
		sealer, err := openSealer(cfg)
		if err != nil {
			return err
		}
		opts.Store = storage.ForAccount(db, opts.Account)
		opts.Sealer = sealer
	}
	if cfg.Storage.CacheRoster {
		opts.RosterCache = db
	}
	for _, r := range acc.Rooms {
		if !r.AutoJoin {
			continue
		}
		room, err := address.Parse(r.JID)
		if err != nil {
			logger.Warn("Skipping room %q: %v", r.JID, err)
			continue
		}
		opts.AutoJoin = append(opts.AutoJoin, engine.AutoJoin{Room: address.Bare(room), Nickname: r.Nick, Password: r.Password})
	}

	client := xmpp.NewClient(xmpp.ClientConfig{
		Resource:           acc.Resource,
		InsecureSkipVerify: insecure,
		Logger:             logger.Named("xmpp"),
	})
	opts.Transport = client
	e := engine.New(opts)
	client.SetHandler(e)

	t := theme.Nord()
	if themePath != "" {
		if t, err = theme.Load(themePath); err != nil {
			return err
		}
	}

	own := presence.Own{Priority: int32(acc.Priority)}
	program := tea.NewProgram(
		ui.NewModel(e, creds, own, theme.Compile(t)),
		tea.WithAltScreen(),
	)
	forward := func(ev engine.EventMsg) { program.Send(ev) }
	for _, typ := range []engine.EventType{
		engine.EventPresenceChanged,
		engine.EventRoomOccupant,
		engine.EventSessionState,
		engine.EventReconnectTick,
		engine.EventConnectFailed,
		engine.EventAuthorizationRequest,
		engine.EventRoomPasswordRequired,
		engine.EventRosterLoaded,
		engine.EventRosterItem,
	} {
		e.Events().Subscribe(typ, forward)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.Run(ctx)
	})
	g.Go(func() error {
		if err := e.SetPresence(own); err != nil {
			return err
		}
		start(cfg, e, creds, logger)
		return nil
	})
	g.Go(func() error {
		defer cancel()
		if _, err := program.Run(); err != nil {
			return err
		}
		shutdown(cfg, e, logger)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, engine.ErrStopped) {
		return err
	}
	return nil
}

// start resumes a saved session when allowed, falling back to a fresh login.
func start(cfg *config.Config, e *engine.Engine, creds session.Credentials, logger *logging.Logger) {
	if cfg.General.AutoResume {
		resumed, err := e.Resume()
		switch {
		case errors.Is(err, errs.ErrResumeExpired):
			logger.Info("Saved session expired")
		case err != nil:
			logger.Warn("Resume failed: %v", err)
		case resumed:
			return
		}
	}
	if !cfg.General.AutoConnect {
		return
	}
	if err := e.Connect(creds); err != nil {
		logger.Warn("Connect failed: %v", err)
	}
}

// shutdown suspends a live session so the next start can resume it, then
// waits briefly for the stream to close.
func shutdown(cfg *config.Config, e *engine.Engine, logger *logging.Logger) {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if err := e.Drain(ctx); err != nil {
			logger.Debug("Drain: %v", err)
		}
	}()
	if cfg.Storage.SaveSessions && e.State() == session.StateConnected {
		if err := e.Suspend(); err != nil {
			logger.Warn("Suspend failed: %v", err)
		}
		return
	}
	if err := e.Disconnect(); err != nil && !errors.Is(err, session.ErrInvalidTransition) {
		logger.Warn("Disconnect failed: %v", err)
	}
}
