// Package db owns the persistence layer of the replication engine: models,
// the credential cipher, the connection bootstrap and the embedded schema
// migrations. Opening a database always installs the AEAD key first, so an
// EncryptedString column can never be written before the cipher is ready.
package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultSQLitePath = "forgesync.db"

// Options describes the database to open. Config is taken by the
// configuration model, hence the name. SecretKey carries the encoded AEAD
// key for credential columns and is mandatory; Driver defaults to sqlite
// and DSN to the local forgesync.db file.
type Options struct {
	Driver    string // "sqlite" or "postgres"
	DSN       string
	SecretKey string
	Logger    *zap.Logger
	LogLevel  gormlogger.LogLevel
}

// New installs the credential cipher, opens the connection, applies pending
// migrations and returns the ready *gorm.DB.
func New(opts Options) (*gorm.DB, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}

	key, err := decodeSecretKey(opts.SecretKey)
	if err != nil {
		return nil, err
	}
	if err := InitEncryption(key); err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{
		Logger: newGormLogger(opts.Logger, opts.LogLevel),
	}

	var (
		database *gorm.DB
		sqlDB    *sql.DB
	)
	switch opts.Driver {
	case "sqlite", "":
		database, sqlDB, err = openSQLite(opts.DSN, gormCfg)
	case "postgres":
		database, sqlDB, err = openPostgres(opts.DSN, gormCfg)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q, use \"sqlite\" or \"postgres\"", opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := migrateUp(sqlDB, opts.Driver, opts.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations failed: %w", err)
	}
	return database, nil
}

// openSQLite opens the modernc driver through database/sql and hands the
// connection to GORM, so GORM never reaches for the CGO driver. Batch
// workers checkpoint concurrently against SQLite's single writer; the
// busy_timeout pragma absorbs those collisions and WAL keeps readers off
// the write lock.
func openSQLite(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	sqlDB, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: initialize gorm with sqlite: %w", err)
	}
	return database, sqlDB, nil
}

// sqliteDSN fills in the default database path and the engine's pragmas.
// A DSN that already carries parameters is taken as-is.
func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = defaultSQLitePath
	}
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// openPostgres opens the pgx-backed GORM dialector with a pool sized for
// the batch runner's global item cap plus the API and scheduler.
func openPostgres(dsn string, gormCfg *gorm.Config) (*gorm.DB, *sql.DB, error) {
	database, err := gorm.Open(gormpostgres.Open(dsn), gormCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("db: open postgres: %w", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("db: get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(32)
	sqlDB.SetMaxIdleConns(8)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return database, sqlDB, nil
}

// decodeSecretKey accepts the AEAD key as base64, hex or a raw 32-byte
// string, in that order of preference.
func decodeSecretKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("db: secret key is required — set FORGESYNC_SECRET_KEY")
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == keySize {
		return raw, nil
	}
	if len(secret) == keySize {
		return []byte(secret), nil
	}
	return nil, fmt.Errorf("db: secret key must decode to %d bytes (base64, hex or raw)", keySize)
}

// Ping verifies that the database connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// migrateUp applies pending up-migrations from the embedded SQL files.
// ErrNoChange is success: an already-current schema is the steady state.
func migrateUp(sqlDB *sql.DB, driver string, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case "postgres":
		d, err := migratepg.WithInstance(sqlDB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("create postgres migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", d)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	default:
		d, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("create sqlite migrate driver: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite", d)
		if err != nil {
			return fmt.Errorf("create migrator: %w", err)
		}
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("database schema is current")
	return nil
}
