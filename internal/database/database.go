package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/glsync/internal/ledger"
	"github.com/MarcoPoloResearchLab/glsync/internal/tasks"
	sqlite "github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database driver. DSN is a file path for sqlite and a connection string for postgres.
type Config struct {
	Driver string
	DSN    string
}

// Open connects to the configured database and brings the schema up to date.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	var (
		db  *gorm.DB
		err error
	)
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch cfg.Driver {
	case "", DriverSQLite:
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		db, err = gorm.Open(postgres.New(postgres.Config{DriverName: "postgres", DSN: cfg.DSN}), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("database initialized", zap.String("driver", cfg.Driver))
	}
	return db, nil
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return Open(Config{Driver: DriverSQLite, DSN: path}, logger)
}

// Migrate creates the tables of every package and applies the recorded data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(ledger.Models(), tasks.Models()...)
	models = append(models, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
