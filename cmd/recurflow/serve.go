package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"recurflow/internal/api"
	"recurflow/internal/timer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the master timer",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	host := timer.NewCronHost()
	a, err := openApp(loadedCfg, host)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Initialize(ctx); err != nil {
		return err
	}
	if ids, lerr := a.templates.ListScheduled(ctx); lerr != nil {
		log.Warn().Err(lerr).Msg("list scheduled templates")
	} else if n := a.engine.EnsureScheduled(ctx, ids); n > 0 {
		log.Info().Int("count", n).Msg("queued templates missing from the queue")
	}
	host.Start()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.NewServerWithDebug(a.templates, a.engine, a.notifier, a.cfg.HTTP.Debug),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("systemd notify")
	} else if ok {
		log.Debug().Msg("notified systemd ready")
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
		log.Error().Err(err).Msg("http server")
	}

	log.Info().Msg("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if serr := host.Stop(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("timer still running at shutdown")
	}
	return err
}
