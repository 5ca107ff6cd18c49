package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpiface "multichat/interfaces/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	logrus.WithFields(logrus.Fields{
		"port":               cfg.Server.Port,
		"host":               cfg.Server.Host,
		"models":             len(cfg.Models),
		"enable_persistence": cfg.Database.EnablePersistence,
		"tracing":            cfg.Telemetry.Enabled,
	}).Info("Starting multichat")

	app, err := newApplication(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	defaults := httpiface.ChatDefaults{Model: cfg.Chat.DefaultModel, Temperature: cfg.Chat.DefaultTemperature}
	var router *httpiface.Router
	if app.db != nil {
		router = httpiface.NewRouterWithPersistence(app.service, cfg.Server.CorsOrigins, defaults, app.exchanges, app.metrics, app.db, app.processor)
	} else {
		router = httpiface.NewRouter(app.service, cfg.Server.CorsOrigins, defaults)
	}

	address := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              address,
		Handler:           router.SetupRoutes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Chat.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("address", address).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-c:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Server forced to shutdown")
	} else {
		logrus.Info("Server shutdown complete")
	}
	return nil
}
