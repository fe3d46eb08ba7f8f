package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/dbx"
	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/server/auth"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/authkeeper/internal/server/repositories/users"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- helpers ---

const (
	testEmail    = "alice@example.com"
	testPassword = "Str0ngPassword"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newCodec() *auth.Codec {
	return auth.NewCodec(auth.Options{
		AccessSecret:  []byte("access-secret"),
		RefreshSecret: []byte("refresh-secret"),
		AccessTTL:     15 * time.Minute,
		RefreshTTL:    7 * 24 * time.Hour,
		Issuer:        "authkeeper",
	})
}

func newService(t *testing.T, m repomanager.RepositoryManager) *SessionService {
	t.Helper()
	return NewSessionService(m, newCodec(), bcrypt.MinCost, logging.Nop())
}

func newServiceWithClock(t *testing.T, m repomanager.RepositoryManager) (*SessionService, *clock) {
	t.Helper()
	c := &clock{t: time.Now().Truncate(time.Second)}
	s := NewSessionService(m, newCodec().WithClock(c.Now), bcrypt.MinCost, logging.Nop())
	s.now = c.Now
	return s, c
}

func newSQLiteManager(t *testing.T) repomanager.RepositoryManager {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	m, err := repomanager.OpenSQL(context.Background(), dbx.DialectSQLite, dsn, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.RunMigrations(context.Background()))
	return m
}

func registerAndLogin(t *testing.T, s *SessionService) *LoginResult {
	t.Helper()
	ctx := context.Background()
	_, err := s.Register(ctx, RegisterInput{Email: testEmail, Password: testPassword, Name: "Alice"})
	require.NoError(t, err)
	res, err := s.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	return res
}

// failingManager makes refresh token creation fail inside transactions.
type failingManager struct {
	repomanager.RepositoryManager
}

func (m *failingManager) InTx(ctx context.Context, fn func(ctx context.Context, tx repomanager.Repositories) error) error {
	return m.RepositoryManager.InTx(ctx, func(ctx context.Context, tx repomanager.Repositories) error {
		return fn(ctx, failingRepos{tx})
	})
}

type failingRepos struct{ repomanager.Repositories }

func (r failingRepos) RefreshTokens() refreshtokens.Repository {
	return failingTokens{r.Repositories.RefreshTokens()}
}

type failingTokens struct{ refreshtokens.Repository }

func (failingTokens) Create(context.Context, *models.RefreshToken) error {
	return errors.New("disk full")
}

// brokenUsers fails every lookup.
type brokenUsers struct{ users.Repository }

func (brokenUsers) GetByEmail(context.Context, string) (*models.User, error) {
	return nil, errors.New("connection reset")
}

func (brokenUsers) GetByID(context.Context, string) (*models.User, error) {
	return nil, errors.New("connection reset")
}

type brokenUsersManager struct{ repomanager.RepositoryManager }

func (m brokenUsersManager) Users() users.Repository {
	return brokenUsers{m.RepositoryManager.Users()}
}

// racingUsers pretends the email was free but loses the insert race.
type racingUsers struct{ users.Repository }

func (racingUsers) Create(context.Context, *models.User) (*models.User, error) {
	return nil, common.ErrorAlreadyExists
}

type racingUsersManager struct{ repomanager.RepositoryManager }

func (m racingUsersManager) Users() users.Repository {
	return racingUsers{m.RepositoryManager.Users()}
}

// --- register ---

func TestRegister_Success(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())

	u, err := s.Register(context.Background(), RegisterInput{Email: testEmail, Password: testPassword, Name: "  Alice  "})
	require.NoError(t, err)

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, testEmail, u.Email)
	assert.Equal(t, "Alice", u.Name)
	assert.NotEqual(t, testPassword, u.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(testPassword)))
}

func TestRegister_DuplicateEmail(t *testing.T) {
	m := repomanager.NewMemoryRepositoryManager()
	s := newService(t, m)
	ctx := context.Background()

	_, err := s.Register(ctx, RegisterInput{Email: testEmail, Password: testPassword, Name: "Alice"})
	require.NoError(t, err)

	_, err = s.Register(ctx, RegisterInput{Email: testEmail, Password: "An0therPassword", Name: "Other"})
	assert.ErrorIs(t, err, common.ErrDuplicateEmail)

	_, err = s.Login(ctx, testEmail, testPassword)
	assert.NoError(t, err, "first account is untouched")
}

func TestRegister_DuplicateEmailRace(t *testing.T) {
	s := newService(t, racingUsersManager{repomanager.NewMemoryRepositoryManager()})

	_, err := s.Register(context.Background(), RegisterInput{Email: testEmail, Password: testPassword, Name: "Alice"})
	assert.ErrorIs(t, err, common.ErrDuplicateEmail)
}

func TestRegister_StoreError(t *testing.T) {
	s := newService(t, brokenUsersManager{repomanager.NewMemoryRepositoryManager()})

	_, err := s.Register(context.Background(), RegisterInput{Email: testEmail, Password: testPassword, Name: "Alice"})
	assert.ErrorIs(t, err, common.ErrorInternal)
	assert.NotErrorIs(t, err, common.ErrDuplicateEmail)
}

func TestRegister_Validation(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())

	tests := []struct {
		name string
		in   RegisterInput
		msg  string
	}{
		{name: "empty email", in: RegisterInput{Email: " ", Password: testPassword, Name: "Alice"}, msg: "email is required"},
		{name: "bad email", in: RegisterInput{Email: "alice@example", Password: testPassword, Name: "Alice"}, msg: "valid email"},
		{name: "short password", in: RegisterInput{Email: testEmail, Password: "Ab1", Name: "Alice"}, msg: "at least 8"},
		{name: "weak password", in: RegisterInput{Email: testEmail, Password: "alllowercase1", Name: "Alice"}, msg: "uppercase"},
		{name: "long password", in: RegisterInput{Email: testEmail, Password: "Aa1" + strings.Repeat("x", 80), Name: "Alice"}, msg: "72 bytes"},
		{name: "no name", in: RegisterInput{Email: testEmail, Password: testPassword, Name: "   "}, msg: "name is required"},
		{name: "short name", in: RegisterInput{Email: testEmail, Password: testPassword, Name: " A "}, msg: "at least 2"},
		{name: "long name", in: RegisterInput{Email: testEmail, Password: testPassword, Name: strings.Repeat("n", 101)}, msg: "must not exceed 100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Register(context.Background(), tt.in)
			require.ErrorIs(t, err, common.ErrorValidation)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

// --- login ---

func TestLogin_Success(t *testing.T) {
	m := repomanager.NewMemoryRepositoryManager()
	s := newService(t, m)

	res := registerAndLogin(t, s)

	assert.Equal(t, testEmail, res.User.Email)
	assert.EqualValues(t, 900, res.Tokens.ExpiresIn)

	sub, err := newCodec().VerifyAccessToken(res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, sub)

	stored, err := m.RefreshTokens().Find(context.Background(), res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, stored.UserID)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), stored.ExpiresAt, 5*time.Second)
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())
	registerAndLogin(t, s)
	ctx := context.Background()

	_, errUnknown := s.Login(ctx, "nobody@example.com", testPassword)
	_, errWrong := s.Login(ctx, testEmail, "Wr0ngPassword")

	require.ErrorIs(t, errUnknown, common.ErrInvalidCredentials)
	require.ErrorIs(t, errWrong, common.ErrInvalidCredentials)
	assert.Equal(t, errUnknown.Error(), errWrong.Error())
}

func TestLogin_Validation(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())

	_, err := s.Login(context.Background(), "", testPassword)
	assert.ErrorIs(t, err, common.ErrorValidation)
	_, err = s.Login(context.Background(), testEmail, "  ")
	assert.ErrorIs(t, err, common.ErrorValidation)
}

func TestLogin_StoreError(t *testing.T) {
	s := newService(t, brokenUsersManager{repomanager.NewMemoryRepositoryManager()})

	_, err := s.Login(context.Background(), testEmail, testPassword)
	assert.ErrorIs(t, err, common.ErrorInternal)
	assert.NotErrorIs(t, err, common.ErrInvalidCredentials)
}

func TestLogin_MultipleSessions(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())
	first := registerAndLogin(t, s)

	second, err := s.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	assert.NotEqual(t, first.Tokens.RefreshToken, second.Tokens.RefreshToken)

	_, err = s.Refresh(context.Background(), first.Tokens.RefreshToken)
	assert.NoError(t, err)
	_, err = s.Refresh(context.Background(), second.Tokens.RefreshToken)
	assert.NoError(t, err)
}

// --- refresh ---

func TestRefresh_RotatesSingleUse(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())
	res := registerAndLogin(t, s)
	ctx := context.Background()

	pair, err := s.Refresh(ctx, res.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.Tokens.RefreshToken, pair.RefreshToken)
	assert.EqualValues(t, 900, pair.ExpiresIn)

	sub, err := newCodec().VerifyAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.User.ID, sub)

	_, err = s.Refresh(ctx, res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken, "redeemed token is dead")

	_, err = s.Refresh(ctx, pair.RefreshToken)
	assert.NoError(t, err, "successor is live")
}

func TestRefresh_RejectsBadTokens(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())
	res := registerAndLogin(t, s)

	orphan, _, err := newCodec().IssueRefreshToken(res.User.ID)
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"access token": res.Tokens.AccessToken,
		"never stored": orphan,
	} {
		_, err := s.Refresh(context.Background(), tok)
		assert.ErrorIs(t, err, common.ErrInvalidRefreshToken, name)
	}
}

func TestRefresh_ExpiredToken(t *testing.T) {
	m := repomanager.NewMemoryRepositoryManager()
	s, c := newServiceWithClock(t, m)
	res := registerAndLogin(t, s)

	c.Advance(7*24*time.Hour + time.Second)

	_, err := s.Refresh(context.Background(), res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)
}

func TestRefresh_StoredExpiryIsChecked(t *testing.T) {
	m := repomanager.NewMemoryRepositoryManager()
	s, _ := newServiceWithClock(t, m)
	res := registerAndLogin(t, s)

	// service clock passes the stored expiry while the token still verifies
	s.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	_, err := s.Refresh(context.Background(), res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)

	_, err = m.RefreshTokens().Find(context.Background(), res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrorNotFound, "expired record pruned on discovery")
}

func TestRefresh_FailedRotationKeepsOldToken(t *testing.T) {
	mem := repomanager.NewMemoryRepositoryManager()
	s := newService(t, mem)
	res := registerAndLogin(t, s)

	failing := newService(t, &failingManager{mem})
	_, err := failing.Refresh(context.Background(), res.Tokens.RefreshToken)
	require.ErrorIs(t, err, common.ErrInvalidRefreshToken)

	_, err = mem.RefreshTokens().Find(context.Background(), res.Tokens.RefreshToken)
	require.NoError(t, err, "delete rolled back with the failed create")

	_, err = s.Refresh(context.Background(), res.Tokens.RefreshToken)
	assert.NoError(t, err)
}

func TestRefresh_ConcurrentRedemptionHasOneWinner(t *testing.T) {
	backends := map[string]func(t *testing.T) repomanager.RepositoryManager{
		"memory": func(*testing.T) repomanager.RepositoryManager { return repomanager.NewMemoryRepositoryManager() },
		"sqlite": newSQLiteManager,
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := newService(t, open(t))
			res := registerAndLogin(t, s)

			const workers = 12
			var (
				wg    sync.WaitGroup
				wins  atomic.Int32
				start = make(chan struct{})
			)
			for range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if _, err := s.Refresh(context.Background(), res.Tokens.RefreshToken); err == nil {
						wins.Add(1)
					} else {
						assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.EqualValues(t, 1, wins.Load())
		})
	}
}

// --- logout ---

func TestLogout_RevokesToken(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())
	res := registerAndLogin(t, s)
	ctx := context.Background()

	s.Logout(ctx, res.Tokens.RefreshToken)

	_, err := s.Refresh(ctx, res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrInvalidRefreshToken)

	// access tokens stay valid until they expire
	_, err = newCodec().VerifyAccessToken(res.Tokens.AccessToken)
	assert.NoError(t, err)
}

func TestLogout_NeverFails(t *testing.T) {
	m := repomanager.NewMemoryRepositoryManager()
	s := newService(t, m)
	res := registerAndLogin(t, s)

	assert.NotPanics(t, func() {
		s.Logout(context.Background(), "")
		s.Logout(context.Background(), "garbage")
		s.Logout(context.Background(), res.Tokens.RefreshToken)
		s.Logout(context.Background(), res.Tokens.RefreshToken)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s.Logout(ctx, "store will refuse")
	})
}

// --- profile ---

func TestGetUserByID(t *testing.T) {
	s := newService(t, repomanager.NewMemoryRepositoryManager())
	res := registerAndLogin(t, s)
	ctx := context.Background()

	u, err := s.GetUserByID(ctx, res.User.ID)
	require.NoError(t, err)
	pub := u.Public()
	assert.Equal(t, res.User.ID, pub.ID)
	assert.Equal(t, testEmail, pub.Email)
	assert.Equal(t, "Alice", pub.Name)

	_, err = s.GetUserByID(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestGetUserByID_StoreError(t *testing.T) {
	s := newService(t, brokenUsersManager{repomanager.NewMemoryRepositoryManager()})

	_, err := s.GetUserByID(context.Background(), "u")
	assert.ErrorIs(t, err, common.ErrorInternal)
}

// --- housekeeping ---

func TestPruneExpired(t *testing.T) {
	m := repomanager.NewMemoryRepositoryManager()
	s, c := newServiceWithClock(t, m)
	res := registerAndLogin(t, s)

	n, err := s.PruneExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Advance(8 * 24 * time.Hour)
	n, err = s.PruneExpired(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = m.RefreshTokens().Find(context.Background(), res.Tokens.RefreshToken)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestRunSweeper(t *testing.T) {
	m := repomanager.NewMemoryRepositoryManager()
	s, c := newServiceWithClock(t, m)
	res := registerAndLogin(t, s)
	c.Advance(8 * 24 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.RunSweeper(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := m.RefreshTokens().Find(context.Background(), res.Tokens.RefreshToken)
		return errors.Is(err, common.ErrorNotFound)
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}

	// disabled sweeper returns at once
	s.RunSweeper(context.Background(), 0)
}
