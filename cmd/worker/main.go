package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/doublej/snail-mail-parser/internal/adapters/http"
	"github.com/doublej/snail-mail-parser/internal/bootstrap"
	"github.com/doublej/snail-mail-parser/internal/config"
)

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "mail-worker")
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	if err := app.Coordinator.Start(ctx); err != nil {
		log.Fatalf("coordinator start error: %v", err)
	}

	router := httpadapter.NewRouter(app.Coordinator, app.Coordinator, app.Metrics.Handler()).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.StatusPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info("worker subscribed", "subject", cfg.NATSSubject)
		return app.Queue.SubscribeFileDiscovered(groupCtx, app.Coordinator.HandleFileDiscovered)
	})

	g.Go(func() error {
		return app.Coordinator.Run(groupCtx)
	})

	g.Go(func() error {
		app.Logger.Info("status server listening", "port", cfg.StatusPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker error: %v", err)
	}
}
