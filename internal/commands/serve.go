package commands

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vitaminmoo/pmlog/internal/api"
	"github.com/vitaminmoo/pmlog/internal/config"
	"github.com/vitaminmoo/pmlog/internal/export"
	"github.com/vitaminmoo/pmlog/internal/logstream"
	"github.com/vitaminmoo/pmlog/internal/server"
	"github.com/vitaminmoo/pmlog/internal/store"
)

// Serve runs the HTTP bridge and the telemetry exporters until ctx is
// cancelled or the logger disconnects. st may be nil.
func Serve(ctx context.Context, cfg *config.Config, c *api.Client, st *store.Store) error {
	var metrics *export.Metrics
	if cfg.Export.Metrics {
		metrics = export.NewMetrics(nil)
		metrics.RegisterPollFailures(c.PollFailures)
	}

	sinks, err := export.FromConfig(cfg.Export, metrics)
	if err != nil {
		return err
	}
	defer sinks.Close()

	opts := server.Options{Store: st}
	if metrics != nil {
		opts.OnLog = func(l logstream.Log) { metrics.LogFetched(len(l.Data)) }
		opts.OnOTA = metrics.ObserveOTA
	}
	srv := server.New(c, opts)
	sinks.Add(srv.Hub())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.OnTelemetry(sinks.Handler(export.WithDevice(ctx, c.Address())))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(cfg.Server.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		c.RunTelemetry(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	case <-c.Done():
		runErr = errors.New("logger disconnected")
	case err := <-errCh:
		runErr = err
	}
	cancel()
	<-pollDone

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	return runErr
}
