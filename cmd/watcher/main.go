package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/doublej/snail-mail-parser/internal/bootstrap"
	"github.com/doublej/snail-mail-parser/internal/config"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/watcher"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "mail-watcher")
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	w := watcher.New(cfg.ScanDir, cfg.ScanInterval, app.IngestUC, app.Logger)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("watcher error: %v", err)
	}
}
