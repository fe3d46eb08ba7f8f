package repomanager

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/dbx"
	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/server/migrations"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/users"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLRepositoryManager vends SQL-backed repository implementations over a
// single *sql.DB and exposes a schema migration hook.
type SQLRepositoryManager struct {
	db      *sql.DB
	dialect dbx.Dialect
	logger  logging.Logger
}

// OpenSQL opens and pings the database. SQLite connections get a busy
// timeout, foreign keys and a single open connection.
func OpenSQL(ctx context.Context, dialect dbx.Dialect, dsn string, logger logging.Logger) (*SQLRepositoryManager, error) {
	if dialect == dbx.DialectSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	if dialect == dbx.DialectSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}

	return NewSQLRepositoryManager(db, dialect, logger), nil
}

// NewSQLRepositoryManager wraps an already opened database.
func NewSQLRepositoryManager(db *sql.DB, dialect dbx.Dialect, logger logging.Logger) *SQLRepositoryManager {
	return &SQLRepositoryManager{db: db, dialect: dialect, logger: logger.With("module", "repomanager")}
}

// sqliteDSN appends the pragmas the stores rely on unless the caller set them.
func sqliteDSN(dsn string) string {
	params := []string{
		"_pragma=busy_timeout(5000)",
		"_pragma=foreign_keys(1)",
		"_time_format=sqlite",
	}
	for _, p := range params {
		key, _, _ := strings.Cut(p, "(")
		if strings.Contains(dsn, key) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + p
		} else {
			dsn += "?" + p
		}
	}
	return dsn
}

func (m *SQLRepositoryManager) DB() *sql.DB { return m.db }

func (m *SQLRepositoryManager) Users() users.Repository {
	return users.NewSQLRepository(m.db, m.dialect)
}

func (m *SQLRepositoryManager) RefreshTokens() refreshtokens.Repository {
	return refreshtokens.NewSQLRepository(m.db, m.dialect)
}

type sqlRepositories struct {
	tx      dbx.DBTX
	dialect dbx.Dialect
}

func (r sqlRepositories) Users() users.Repository {
	return users.NewSQLRepository(r.tx, r.dialect)
}

func (r sqlRepositories) RefreshTokens() refreshtokens.Repository {
	return refreshtokens.NewSQLRepository(r.tx, r.dialect)
}

func (m *SQLRepositoryManager) InTx(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error {
	return dbx.WithTx(ctx, m.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, sqlRepositories{tx: tx, dialect: m.dialect})
	})
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// goose keeps its settings in package state.
var migrateMu sync.Mutex

// RunMigrations sets up goose with the embedded migrations of the
// manager's dialect and applies them.
func (m *SQLRepositoryManager) RunMigrations(ctx context.Context) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	dir, gooseDialect := migrations.PostgresDir, "postgres"
	if m.dialect == dbx.DialectSQLite {
		dir, gooseDialect = migrations.SQLiteDir, "sqlite3"
	}

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(&gooseLogger{ctx: ctx, logger: m.logger})
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	if err := gooseUpContext(ctx, m.db, dir); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	return nil
}

func (m *SQLRepositoryManager) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

func (m *SQLRepositoryManager) Close() error {
	return m.db.Close()
}

// gooseLogger routes goose output through the service logger.
type gooseLogger struct {
	ctx    context.Context
	logger logging.Logger
}

func (l *gooseLogger) Printf(format string, v ...any) {
	l.logger.Debug(l.ctx, strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *gooseLogger) Fatalf(format string, v ...any) {
	l.logger.Error(l.ctx, strings.TrimSpace(fmt.Sprintf(format, v...)))
}
