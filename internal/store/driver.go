package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	applogger "github.com/briarwood/readbridge/internal/logger"
)

// Driver is the name of a supported backing database.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverMySQL    Driver = "mysql"
	DriverPostgres Driver = "postgres"
)

// driver abstracts the per-backend connection and pool setup so the rest of
// the store package deals in a single *gorm.DB regardless of which database
// is configured.
type driver interface {
	dialector(dsn string) gorm.Dialector
	configurePool(db *gorm.DB) error
}

type sqliteDriver struct{}

func (sqliteDriver) dialector(dsn string) gorm.Dialector {
	return sqlite.Open(dsn)
}

func (sqliteDriver) configurePool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("underlying sql.DB: %w", err)
	}
	// SQLite allows exactly one writer; serialize everything through it.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

type mysqlDriver struct{}

func (mysqlDriver) dialector(dsn string) gorm.Dialector {
	return mysql.Open(dsn)
}

func (mysqlDriver) configurePool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

type postgresDriver struct{}

func (postgresDriver) dialector(dsn string) gorm.Dialector {
	return postgres.Open(dsn)
}

func (postgresDriver) configurePool(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

func driverFor(name Driver) (driver, error) {
	switch name {
	case DriverSQLite, "":
		return sqliteDriver{}, nil
	case DriverMySQL:
		return mysqlDriver{}, nil
	case DriverPostgres:
		return postgresDriver{}, nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", name)
	}
}

// connect opens a database connection for the given driver/DSN, applies pool
// settings, and runs auto-migration of every row type the store owns.
func connect(driverName Driver, dsn string, log *applogger.Logger) (*gorm.DB, error) {
	if driverName == DriverSQLite || driverName == "" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	drv, err := driverFor(driverName)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(drv.dialector(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to store (%s): %w", driverName, err)
	}

	if err := drv.configurePool(db); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&bookRow{}, &clientStateRow{}, &jobRow{}, &suggestionRow{}); err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}

	if log != nil {
		log.Info("progress store connected", map[string]interface{}{
			"driver": string(driverName),
		})
	}

	return db, nil
}
