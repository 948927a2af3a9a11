package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"seat-service/internal/factory"
	"seat-service/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	// Rebuild the seat ledger from persisted checkouts before taking traffic,
	// then record where the pool stands after the restart.
	startupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := f.Reconciler().RestoreLedger(startupCtx); err != nil {
		cancel()
		util.Fatal("Failed to restore seat ledger", util.ErrorField(err))
	}
	if _, err := f.Reconciler().TakeSnapshot(startupCtx, "startup"); err != nil {
		util.Warn("Failed to record startup snapshot", util.ErrorField(err))
	}
	cancel()

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      f.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		util.Info("Server started successfully",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		err := f.Sweeper().Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		err := f.Reconciler().Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdown(f, server)
		return nil
	})

	if err := group.Wait(); err != nil {
		util.Fatal("Server exited with error", util.ErrorField(err))
	}
	util.Info("Server shutdown completed")
}

// shutdown drains the HTTP server, returns every seat to the license
// authority and records a final snapshot.
func shutdown(f *factory.Factory, server *http.Server) {
	util.Info("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	}

	if count, err := f.SessionManager().CheckinAll(ctx); err != nil {
		util.Error("Failed to check in sessions during shutdown", util.ErrorField(err))
	} else {
		util.Info("Sessions checked in", util.Int("count", count))
	}

	if _, err := f.Reconciler().TakeSnapshot(ctx, "shutdown"); err != nil {
		util.Error("Failed to record shutdown snapshot", util.ErrorField(err))
	}

	f.Close()
}
