// Package services contains server-side business logic. This file implements
// SessionService, which handles registration, login, refresh-token rotation,
// logout and profile lookup on top of the token codec and the stores.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/server/auth"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/repomanager"
	"golang.org/x/crypto/bcrypt"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
// ExpiresIn is the access token lifetime in seconds.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// LoginResult is what a successful login hands back.
type LoginResult struct {
	User   *models.User
	Tokens *TokenPair
}

// SessionService owns the session lifecycle. It keeps no state of its own;
// the stores behind repos are the only synchronisation point.
type SessionService struct {
	repos    repomanager.RepositoryManager
	codec    *auth.Codec
	hashCost int
	logger   logging.Logger
	now      func() time.Time

	// dummyHash is compared against when the email is unknown so both
	// login failure paths cost one bcrypt comparison.
	dummyHash func() []byte
}

// NewSessionService constructs a SessionService. hashCost is the bcrypt cost
// used for new passwords.
func NewSessionService(m repomanager.RepositoryManager, codec *auth.Codec, hashCost int, logger logging.Logger) *SessionService {
	s := &SessionService{
		repos:    m,
		codec:    codec,
		hashCost: hashCost,
		logger:   logger.With("module", "session_service"),
		now:      time.Now,
	}
	s.dummyHash = sync.OnceValue(func() []byte {
		h, err := bcrypt.GenerateFromPassword([]byte("authkeeper-dummy-password"), hashCost)
		if err != nil {
			h, _ = bcrypt.GenerateFromPassword([]byte("authkeeper-dummy-password"), bcrypt.DefaultCost)
		}
		return h
	})
	return s
}

func internalError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", common.ErrorInternal, op, err)
}

// Register creates an account. No tokens are issued; the caller logs in
// separately.
func (s *SessionService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	repo := s.repos.Users()
	if _, err := repo.GetByEmail(ctx, in.Email); err == nil {
		return nil, common.ErrDuplicateEmail
	} else if !errors.Is(err, common.ErrorNotFound) {
		return nil, internalError("error checking email", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.hashCost)
	if err != nil {
		return nil, internalError("error hashing password", err)
	}

	user, err := repo.Create(ctx, &models.User{
		Email:        in.Email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: string(hash),
	})
	if err != nil {
		// lost a race with a concurrent registration
		if errors.Is(err, common.ErrorAlreadyExists) {
			return nil, common.ErrDuplicateEmail
		}
		return nil, internalError("error creating user", err)
	}

	s.logger.Info(ctx, "user registered", "user_id", user.ID)
	return user, nil
}

// Login verifies credentials and starts a session. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *SessionService) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if err := validateLogin(email, password); err != nil {
		return nil, err
	}

	user, err := s.repos.Users().GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash(), []byte(password))
			return nil, common.ErrInvalidCredentials
		}
		return nil, internalError("error loading user", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, common.ErrInvalidCredentials
	}

	pair, err := s.issuePair(ctx, s.repos, user.ID)
	if err != nil {
		return nil, internalError("error issuing tokens", err)
	}

	s.logger.Info(ctx, "user logged in", "user_id", user.ID)
	return &LoginResult{User: user, Tokens: pair}, nil
}

// Refresh redeems a refresh token for a new pair. The presented token is
// single-use: it is deleted in the same transaction that stores its
// successor. Every failure is reported as common.ErrInvalidRefreshToken.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := s.rotate(ctx, refreshToken)
	if err != nil {
		s.logger.Warn(ctx, "refresh rejected", "error", err)
		return nil, common.ErrInvalidRefreshToken
	}
	return pair, nil
}

func (s *SessionService) rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	userID, err := s.codec.VerifyRefreshToken(refreshToken)
	if err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	stored, err := s.repos.RefreshTokens().Find(ctx, refreshToken)
	if err != nil {
		return nil, fmt.Errorf("lookup: %w", err)
	}
	if stored.UserID != userID {
		return nil, errors.New("token subject does not match stored owner")
	}
	if stored.Expired(s.now()) {
		if _, err := s.repos.RefreshTokens().DeleteByID(ctx, stored.ID); err != nil {
			s.logger.Error(ctx, "error pruning expired refresh token", "error", err)
		}
		return nil, errors.New("stored refresh token expired")
	}

	var pair *TokenPair
	err = s.repos.InTx(ctx, func(ctx context.Context, tx repomanager.Repositories) error {
		deleted, err := tx.RefreshTokens().DeleteByID(ctx, stored.ID)
		if err != nil {
			return fmt.Errorf("error deleting refresh token: %w", err)
		}
		if !deleted {
			return errors.New("refresh token already redeemed")
		}
		pair, err = s.issuePair(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug(ctx, "refresh token rotated", "user_id", userID)
	return pair, nil
}

// Logout revokes refreshToken. It never fails: unknown tokens are ignored
// and store errors are only logged.
func (s *SessionService) Logout(ctx context.Context, refreshToken string) {
	if refreshToken == "" {
		return
	}
	n, err := s.repos.RefreshTokens().DeleteByToken(ctx, refreshToken)
	if err != nil {
		s.logger.Error(ctx, "error revoking refresh token", "error", err)
		return
	}
	s.logger.Debug(ctx, "logout", "revoked", n)
}

// GetUserByID returns common.ErrorNotFound when the account does not exist.
func (s *SessionService) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.repos.Users().GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return nil, common.ErrorNotFound
		}
		return nil, internalError("error loading user", err)
	}
	return user, nil
}

// PruneExpired deletes refresh tokens whose expiry has passed.
func (s *SessionService) PruneExpired(ctx context.Context) (int64, error) {
	n, err := s.repos.RefreshTokens().DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, internalError("error pruning refresh tokens", err)
	}
	return n, nil
}

func (s *SessionService) issuePair(ctx context.Context, repos repomanager.Repositories, userID string) (*TokenPair, error) {
	access, _, err := s.codec.IssueAccessToken(userID)
	if err != nil {
		return nil, err
	}
	refresh, refreshExpires, err := s.codec.IssueRefreshToken(userID)
	if err != nil {
		return nil, err
	}

	rt := &models.RefreshToken{Token: refresh, UserID: userID, ExpiresAt: refreshExpires}
	if err := repos.RefreshTokens().Create(ctx, rt); err != nil {
		return nil, fmt.Errorf("error storing refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.codec.AccessTTL() / time.Second),
	}, nil
}
