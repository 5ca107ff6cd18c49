package cmd

import (
	"context"
	"fmt"

	appchat "multichat/application/chat"
	"multichat/domain/conversation"
	"multichat/domain/persistence"
	"multichat/domain/registry"
	infrapersistence "multichat/infrastructure/persistence"
	"multichat/infrastructure/routing"
	"multichat/infrastructure/telemetry"
	"multichat/internal/config"

	"github.com/sirupsen/logrus"
)

// application holds every wired component for one process
type application struct {
	registry  *registry.Registry
	router    *routing.Router
	service   *appchat.Service
	tracing   *telemetry.Provider
	db        *infrapersistence.DatabaseManager
	processor *infrapersistence.EventProcessor
	exchanges persistence.ExchangeRepository
	metrics   persistence.MetricsRepository
}

func newApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	app := &application{}

	reg, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}
	app.registry = reg

	app.router, err = routing.BuildRouter(reg, cfg.ProviderSpecs(), cfg.CircuitBreaker)
	if err != nil {
		return nil, fmt.Errorf("build backend router: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"models":            len(reg.Models()),
		"model_providers":   reg.Providers(),
		"backend_providers": app.router.Providers(),
	}).Info("Backend router ready")

	app.tracing, err = telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	var tracker persistence.ExchangeTracker
	if cfg.Database.EnablePersistence {
		app.db = infrapersistence.NewDatabaseManager()
		if err := app.db.Connect(ctx, cfg.Database.Driver, cfg.GetDatabaseDSN()); err != nil {
			app.close(ctx)
			return nil, fmt.Errorf("connect usage ledger: %w", err)
		}
		if err := app.db.Migrate(); err != nil {
			app.close(ctx)
			return nil, fmt.Errorf("migrate usage ledger: %w", err)
		}

		exchanges, metrics := app.db.GetRepositories()
		app.metrics = metrics
		app.exchanges, err = infrapersistence.NewCachedExchangeRepository(exchanges, cfg.Database.CacheSize)
		if err != nil {
			app.close(ctx)
			return nil, err
		}
		app.processor = infrapersistence.NewEventProcessor(app.exchanges, app.metrics, cfg.Database.Workers, cfg.Database.BufferSize)
		app.processor.UseTransactions(app.db)
		if err := app.processor.Start(ctx); err != nil {
			app.close(ctx)
			return nil, fmt.Errorf("start event processor: %w", err)
		}
		tracker = infrapersistence.NewExchangeTracker(app.processor)

		logrus.WithField("driver", cfg.Database.Driver).Info("Usage ledger initialized")
	}

	store := conversation.NewStore(cfg.Chat.Preamble, cfg.Chat.DefaultConversation)
	app.service = appchat.NewService(store, reg, app.router, tracker, app.tracing.Tracer(), appchat.Options{
		RequestTimeout: cfg.Chat.RequestTimeout,
		MaxTokens:      cfg.Chat.MaxTokens,
	})

	return app, nil
}

// close releases resources in reverse order of creation
func (a *application) close(ctx context.Context) {
	if a.processor != nil {
		if err := a.processor.Stop(); err != nil {
			logrus.WithError(err).Error("Failed to stop event processor")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logrus.WithError(err).Error("Failed to close database connection")
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			logrus.WithError(err).Error("Failed to flush traces")
		}
	}
}
