package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/vitaminmoo/pmlog/internal/cli"
	"github.com/vitaminmoo/pmlog/internal/config"
)

func main() {
	var c cli.CLI
	kctx := kong.Parse(&c,
		kong.Name("pmlog"),
		kong.Description("BLE battery logger: telemetry, log download and firmware updates"),
		kong.UsageOnError(),
	)

	cfg, err := c.Load()
	kctx.FatalIfErrorf(err)
	config.SetupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	kctx.BindTo(ctx, (*context.Context)(nil))

	err = kctx.Run(&c, cfg)
	stop()
	kctx.FatalIfErrorf(err)
}
