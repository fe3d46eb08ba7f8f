// Package memory provides in-process implementations of the identity and
// credential stores. It backs the "memory" database driver and the service
// tests. Transactions are serialised and rolled back with an undo log.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/users"
)

// Store holds users and refresh tokens in maps.
type Store struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	users        map[string]models.User
	userByEmail  map[string]string
	tokens       map[string]models.RefreshToken
	tokenByValue map[string]string

	now func() time.Time
}

func NewStore() *Store {
	return &Store{
		users:        make(map[string]models.User),
		userByEmail:  make(map[string]string),
		tokens:       make(map[string]models.RefreshToken),
		tokenByValue: make(map[string]string),
		now:          time.Now,
	}
}

// Users returns a non-transactional identity store. Each call runs as its
// own single-operation transaction.
func (s *Store) Users() users.Repository {
	return &UserRepository{store: s}
}

// RefreshTokens returns a non-transactional credential store.
func (s *Store) RefreshTokens() refreshtokens.Repository {
	return &RefreshTokenRepository{store: s}
}

// Tx is the view of the store handed to an InTx callback.
type Tx struct {
	users  *UserRepository
	tokens *RefreshTokenRepository
}

func (t *Tx) Users() users.Repository                 { return t.users }
func (t *Tx) RefreshTokens() refreshtokens.Repository { return t.tokens }

// InTx runs fn with exclusive access to the transactional view. Writes made
// through it are undone when fn returns an error or panics.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	log := &undoLog{}
	tx := &Tx{
		users:  &UserRepository{store: s, undo: log},
		tokens: &RefreshTokenRepository{store: s, undo: log},
	}

	defer func() {
		if p := recover(); p != nil {
			s.rollback(log)
			panic(p)
		}
		if err != nil {
			s.rollback(log)
		}
	}()

	return fn(ctx, tx)
}

// enter serialises a call made outside InTx behind open transactions, so
// it never observes or overwrites uncommitted writes. Transactional views
// already hold txMu. Calling a non-transactional view from inside an InTx
// callback deadlocks.
func (s *Store) enter(undo *undoLog) (leave func()) {
	if undo != nil {
		return func() {}
	}
	s.txMu.Lock()
	return s.txMu.Unlock
}

func (s *Store) rollback(log *undoLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(log.ops) - 1; i >= 0; i-- {
		log.ops[i]()
	}
}

// undoLog collects inverse operations. They run with s.mu held.
type undoLog struct {
	ops []func()
}

func (l *undoLog) record(op func()) {
	if l != nil {
		l.ops = append(l.ops, op)
	}
}

// Len reports stored users and refresh tokens.
func (s *Store) Len() (nUsers, nTokens int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), len(s.tokens)
}

// Ping is a no-op for API parity with SQL backends.
func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}
