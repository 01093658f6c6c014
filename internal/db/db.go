package db

import (
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/pysugar/toolbridge/internal/db/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Tables lists every model managed by AutoMigrate.
var Tables = []interface{}{
	&models.Integration{},
	&models.AuditLogEntry{},
}

// InitDB opens the configured backend and runs migrations.
// For sqlite dsn is a file path; for postgres it is a connection URL.
func InitDB(backend, dsn string, debug bool) (*gorm.DB, error) {
	dialector, err := dialectorFor(backend, dsn)
	if err != nil {
		return nil, err
	}

	logLevel := logger.Warn
	if debug {
		logLevel = logger.Info
	}

	database, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", backend, err)
	}

	if err := Migrate(database); err != nil {
		return nil, err
	}
	return database, nil
}

// Migrate creates or updates all tables.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(Tables...); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func dialectorFor(backend, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendSQLite:
		if dsn == "" {
			dsn = "toolbridge.db"
		}
		return sqlite.Open(dsn), nil
	case BackendPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("postgres backend requires DATABASE_URL")
		}
		return postgres.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database backend %q", backend)
	}
}
