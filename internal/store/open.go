package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omemostore/internal/domain"

	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed migrations
var migrations embed.FS

type Config struct {
	Driver string // sqlite or postgres
	DSN    string // file path for sqlite, postgres://... for postgres
	LogSQL bool
	// Logger receives gorm's SQL trace. Nil means slog.Default().
	Logger *slog.Logger
}

// Open connects to the configured database and verifies it is reachable.
// The returned store is meant to live for the whole process.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}

	lvl := logger.Silent
	if cfg.LogSQL {
		lvl = logger.Info
	}
	sqlLog := cfg.Logger
	if sqlLog == nil {
		sqlLog = slog.Default()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewSlogLogger(sqlLog.With("component", "gorm"), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w: %w", domain.ErrStoreUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: open: %w: %w", domain.ErrStoreUnavailable, err)
	}
	if db.Dialector.Name() == DriverSQLite {
		// One writer; transactions queue on the pool instead of failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	st := New(db)
	if err := st.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return st, nil
}

// Migrate applies the embedded goose migrations for the store's dialect.
func (s *Store) Migrate(ctx context.Context) error {
	var dialect, dir string
	switch s.DB.Dialector.Name() {
	case DriverSQLite:
		dialect, dir = "sqlite3", "migrations/sqlite"
	case DriverPostgres:
		dialect, dir = "postgres", "migrations/postgres"
	default:
		return fmt.Errorf("store: migrate: unsupported dialect %q", s.DB.Dialector.Name())
	}

	sqlDB, err := s.DB.DB()
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, dir); err != nil {
		return wrap("migrate", err)
	}
	return nil
}

func sqliteDSN(dsn string) string {
	if dsn == "" {
		dsn = "omemo.db"
	}
	params := []string{"_foreign_keys=on", "_busy_timeout=5000", "_journal_mode=WAL"}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range params {
		key := p[:strings.Index(p, "=")+1]
		if strings.Contains(dsn, key) {
			continue
		}
		dsn += sep + p
		sep = "&"
	}
	return dsn
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...any) {
	slog.Default().Debug(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
}

func (gooseLogger) Fatalf(format string, v ...any) {
	slog.Default().Error(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
}
