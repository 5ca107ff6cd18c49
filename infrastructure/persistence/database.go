package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"multichat/domain/persistence"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported ledger drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotConnected is returned by ledger operations before Connect succeeds
var ErrNotConnected = errors.New("usage ledger database not connected")

type txKey struct{}

// txFromContext returns the transaction stored by WithTransaction, if any
func txFromContext(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return nil
}

// DatabaseManager owns the ledger connection and its repositories
type DatabaseManager struct {
	db           *gorm.DB
	driver       string
	exchangeRepo persistence.ExchangeRepository
	metricsRepo  persistence.MetricsRepository
}

// NewDatabaseManager returns an unconnected manager
func NewDatabaseManager() *DatabaseManager {
	return &DatabaseManager{}
}

func dialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	case DriverPostgres:
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Connect opens the ledger database for driver and checks that it answers
func (dm *DatabaseManager) Connect(ctx context.Context, driver, dsn string) error {
	logrus.WithField("driver", driver).Info("Connecting to usage ledger database...")

	dial, err := dialector(driver, dsn)
	if err != nil {
		return err
	}

	db, err := gorm.Open(dial, &gorm.Config{
		// awaitExchange polls for rows that are not written yet; those misses are expected
		Logger: logger.New(logrus.StandardLogger(), logger.Config{
			SlowThreshold:             250 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return fmt.Errorf("open %s ledger: %w", driver, err)
	}

	dm.db = db
	pool, err := dm.sqlDB()
	if err != nil {
		dm.db = nil
		return err
	}

	if driver == DriverSQLite {
		// sqlite serializes writers; a single connection avoids SQLITE_BUSY
		pool.SetMaxOpenConns(1)
	} else {
		pool.SetMaxIdleConns(5)
		pool.SetMaxOpenConns(25)
		pool.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := pool.PingContext(ctx); err != nil {
		dm.db = nil
		_ = pool.Close()
		return fmt.Errorf("usage ledger unreachable: %w", err)
	}

	dm.driver = driver
	dm.exchangeRepo = NewExchangeRepository(db)
	dm.metricsRepo = NewMetricsRepository(db)

	logrus.WithField("driver", driver).Info("Successfully connected to usage ledger database")
	return nil
}

func (dm *DatabaseManager) sqlDB() (*sql.DB, error) {
	if dm.db == nil {
		return nil, ErrNotConnected
	}
	pool, err := dm.db.DB()
	if err != nil {
		return nil, fmt.Errorf("ledger connection pool: %w", err)
	}
	return pool, nil
}

// Close releases the connection pool. Closing an unconnected manager is a no-op.
func (dm *DatabaseManager) Close() error {
	if dm.db == nil {
		return nil
	}
	pool, err := dm.sqlDB()
	if err != nil {
		return err
	}
	if err := pool.Close(); err != nil {
		return fmt.Errorf("close usage ledger: %w", err)
	}

	logrus.WithField("driver", dm.driver).Info("Usage ledger closed")
	return nil
}

// Migrate creates the ledger tables and their reporting indexes
func (dm *DatabaseManager) Migrate() error {
	if dm.db == nil {
		return ErrNotConnected
	}

	logrus.WithField("driver", dm.driver).Info("Migrating usage ledger schema")

	if err := dm.db.AutoMigrate(&persistence.ExchangeRecord{}, &persistence.ExchangeMetrics{}); err != nil {
		return fmt.Errorf("migrate ledger tables: %w", err)
	}

	dm.createIndexes()

	logrus.Debug("Usage ledger schema up to date")
	return nil
}

// createIndexes adds the reporting indexes AutoMigrate cannot express.
// A failed index only slows queries down, so it is logged and skipped.
func (dm *DatabaseManager) createIndexes() {
	for _, ddl := range []string{
		"CREATE INDEX IF NOT EXISTS idx_exchanges_model_created ON exchanges (model, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_exchanges_status_created ON exchanges (status, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_exchanges_conversation_created ON exchanges (conversation_id, created_at DESC)",
		"CREATE INDEX IF NOT EXISTS idx_exchange_metrics_created ON exchange_metrics (created_at DESC)",
	} {
		if err := dm.db.Exec(ddl).Error; err != nil {
			logrus.WithError(err).WithField("ddl", ddl).Warn("Skipping ledger index")
		}
	}
}

// Health pings the ledger database
func (dm *DatabaseManager) Health(ctx context.Context) error {
	pool, err := dm.sqlDB()
	if err != nil {
		return err
	}
	if err := pool.PingContext(ctx); err != nil {
		return fmt.Errorf("usage ledger ping: %w", err)
	}
	return nil
}

// GetRepositories returns the repositories bound by Connect
func (dm *DatabaseManager) GetRepositories() (persistence.ExchangeRepository, persistence.MetricsRepository) {
	return dm.exchangeRepo, dm.metricsRepo
}

// WithTransaction runs fn in one database transaction. Repositories called
// with the ctx handed to fn join it; any error or panic rolls it back.
func (dm *DatabaseManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if dm.db == nil {
		return ErrNotConnected
	}
	return dm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}
