package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"recurflow/internal/auth"
	"recurflow/internal/config"
	"recurflow/internal/expense"
	"recurflow/internal/notify"
	"recurflow/internal/scheduler"
	"recurflow/internal/store"
	"recurflow/internal/templates"
	"recurflow/internal/timer"
)

var (
	cfgPath   string
	dbPath    string
	httpAddr  string
	logLevel  string
	loadedCfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "recurflow",
	Short: "Recurring expense scheduler",
	Long: `recurflow creates expenses from templates on a recurring schedule.

It keeps a persisted queue of upcoming runs, wakes on a single periodic
timer, retries transient failures with backoff and records every run in
the template's history.

Examples:
  # Run the API and the timer
  recurflow serve --config /etc/recurflow.yaml

  # Process whatever is due, once (e.g. from a systemd timer)
  recurflow tick

  # Inspect the queue
  recurflow queue`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "recurflow.yaml", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite DB path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "addr", "", "HTTP bind address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
}

func setup(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if dbPath != "" {
		c.DBPath = dbPath
	}
	if httpAddr != "" {
		c.HTTP.Addr = httpAddr
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	if c.Log.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(lvl)

	loadedCfg = c
	return nil
}

// app is the wired process: storage, collaborators and the engine.
type app struct {
	cfg       config.Config
	db        *sqlx.DB
	kv        store.KV
	templates *templates.SQLiteRepo
	tokens    *auth.TokenStore
	auth      *auth.Cache
	notifier  *notify.Service
	engine    *scheduler.Engine
}

// openApp wires everything except the host timer. host may be nil for
// one-shot commands that never call Initialize.
func openApp(c config.Config, host timer.Host) (*app, error) {
	db, err := store.Open(c.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	kv := store.NewSQLite(db)
	tokens := auth.NewTokenStore(kv, c.Auth.TokenPrefix, c.Auth.TokenMinLength)
	authCache := auth.NewCache(kv, tokens, c.Auth.TTL, time.Now)
	notifier := notify.NewService(kv, notify.Config{
		HistoryLimit: c.Notify.HistoryLimit,
		Retention:    c.Notify.Retention,
		WebhookURL:   c.Notify.WebhookURL,
		RatePerSec:   c.Notify.RatePerSec,
	})
	repo := templates.NewSQLiteRepo(db)

	engine := scheduler.New(scheduler.Config{
		MaxRetries:   c.Scheduler.MaxRetries,
		Retention:    c.Scheduler.Retention,
		StartupGrace: c.Scheduler.StartupGrace,
		HistoryLimit: c.Scheduler.HistoryLimit,
		TickPeriod:   c.Scheduler.Tick,
		Now:          time.Now,
	}, scheduler.Deps{
		Templates: repo,
		Store:     kv,
		Expenses:  expense.NewClient(c.Expense.BaseURL, c.Expense.Timezone, c.Expense.Timeout, tokens),
		Notifier:  notifier,
		Auth:      authCache,
		Timer:     host,
	})

	return &app{
		cfg:       c,
		db:        db,
		kv:        kv,
		templates: repo,
		tokens:    tokens,
		auth:      authCache,
		notifier:  notifier,
		engine:    engine,
	}, nil
}

// Close waits for pending webhook deliveries, then closes the database.
func (a *app) Close() error {
	a.notifier.Wait()
	return a.db.Close()
}

// withApp runs fn against a freshly opened app and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(loadedCfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, args)
	}
}
