// Command licensed runs the licensing service: signed activation, heartbeats,
// configuration distribution and the operator API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/goudaren0528/orderinfo-server/internal/config"
	"github.com/goudaren0528/orderinfo-server/internal/infrastructure"
	"github.com/goudaren0528/orderinfo-server/internal/server"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

const maintenanceInterval = time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	// Optional; the environment wins over the file either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := infrastructure.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	signKey, publicKeyPEM, err := server.ResolveSigningKeys(st, log)
	if err != nil {
		return err
	}
	if cfg.Admin.APIKey == "" {
		log.Warn("no admin API key configured, /admin/generate is disabled")
	}

	srv := server.New(server.Options{
		Store:        st,
		Logger:       log,
		Protocol:     cfg.Protocol,
		AdminAPIKey:  cfg.Admin.APIKey,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		SignKey:      signKey,
		PublicKeyPEM: publicKeyPEM,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go srv.RunMaintenance(ctx, maintenanceInterval)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("licensing service listening", slog.String("addr", cfg.Server.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}
