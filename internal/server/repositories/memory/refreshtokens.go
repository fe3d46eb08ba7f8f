package memory

import (
	"context"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/google/uuid"
)

type RefreshTokenRepository struct {
	store *Store
	undo  *undoLog
}

func (r *RefreshTokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.store
	defer s.enter(r.undo)()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokenByValue[token.Token]; ok {
		return common.ErrorAlreadyExists
	}
	if _, ok := s.users[token.UserID]; !ok {
		return common.ErrorNotFound
	}
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = s.now().UTC()
	}

	s.tokens[token.ID] = *token
	s.tokenByValue[token.Token] = token.ID

	id, value := token.ID, token.Token
	r.undo.record(func() {
		delete(s.tokens, id)
		delete(s.tokenByValue, value)
	})

	return nil
}

func (r *RefreshTokenRepository) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.store
	defer s.enter(r.undo)()
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokenByValue[token]
	if !ok {
		return nil, common.ErrorNotFound
	}
	rt := s.tokens[id]
	return &rt, nil
}

func (r *RefreshTokenRepository) DeleteByID(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s := r.store
	defer s.enter(r.undo)()
	s.mu.Lock()
	defer s.mu.Unlock()

	return r.deleteLocked(id), nil
}

func (r *RefreshTokenRepository) DeleteByToken(ctx context.Context, token string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := r.store
	defer s.enter(r.undo)()
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.tokenByValue[token]
	if !ok {
		return 0, nil
	}
	r.deleteLocked(id)
	return 1, nil
}

func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := r.store
	defer s.enter(r.undo)()
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rt := range s.tokens {
		if rt.ExpiresAt.Before(cutoff) {
			r.deleteLocked(id)
			n++
		}
	}
	return n, nil
}

// deleteLocked must be called with s.mu held.
func (r *RefreshTokenRepository) deleteLocked(id string) bool {
	s := r.store
	rt, ok := s.tokens[id]
	if !ok {
		return false
	}
	delete(s.tokens, id)
	delete(s.tokenByValue, rt.Token)

	r.undo.record(func() {
		s.tokens[rt.ID] = rt
		s.tokenByValue[rt.Token] = rt.ID
	})
	return true
}
