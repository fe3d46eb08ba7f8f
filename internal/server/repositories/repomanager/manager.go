// Package repomanager wires the identity and credential stores to a storage
// backend (PostgreSQL, SQLite or in-process memory), runs schema migrations
// and scopes repositories to transactions.
package repomanager

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/authkeeper/internal/dbx"
	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/users"
)

// DriverMemory selects the in-process backend.
const DriverMemory = "memory"

// Repositories is a set of stores sharing one connection or transaction.
type Repositories interface {
	Users() users.Repository
	RefreshTokens() refreshtokens.Repository
}

type RepositoryManager interface {
	Repositories

	// InTx runs fn against repositories bound to a single transaction.
	// Everything fn wrote is rolled back if it returns an error.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Repositories) error) error

	RunMigrations(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// New opens the backend named by driver ("postgres", "sqlite" or "memory").
func New(ctx context.Context, driver, dsn string, logger logging.Logger) (RepositoryManager, error) {
	switch driver {
	case string(dbx.DialectPostgres), string(dbx.DialectSQLite):
		return OpenSQL(ctx, dbx.Dialect(driver), dsn, logger)
	case DriverMemory:
		return NewMemoryRepositoryManager(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}
