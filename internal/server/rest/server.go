// Package rest exposes the session lifecycle over HTTP/JSON. Routes live
// under /api/auth; bearer tokens are checked by middleware before a handler
// runs.
package rest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/logging"
	"github.com/dmitrijs2005/authkeeper/internal/server/models"
	"github.com/dmitrijs2005/authkeeper/internal/server/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SessionService is the part of services.SessionService the handlers use.
type SessionService interface {
	Register(ctx context.Context, in services.RegisterInput) (*models.User, error)
	Login(ctx context.Context, email, password string) (*services.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*services.TokenPair, error)
	Logout(ctx context.Context, refreshToken string)
	GetUserByID(ctx context.Context, userID string) (*models.User, error)
}

// TokenVerifier checks access tokens and returns their subject.
type TokenVerifier interface {
	VerifyAccessToken(token string) (string, error)
}

type Server struct {
	address         string
	sessions        SessionService
	verifier        TokenVerifier
	logger          logging.Logger
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time
}

func NewServer(address string, sessions SessionService, verifier TokenVerifier, logger logging.Logger, shutdownTimeout time.Duration) *Server {
	return &Server{
		address:         address,
		sessions:        sessions,
		verifier:        verifier,
		logger:          logger.With("module", "http_server"),
		requestTimeout:  10 * time.Second,
		shutdownTimeout: shutdownTimeout,
		now:             time.Now,
	}
}

// Router builds the chi router with all routes and middleware.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.requestTimeout))

	r.Get("/health", s.health)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", s.register)
		r.Post("/login", s.login)
		r.Post("/refresh", s.refresh)
		r.Post("/logout", s.logout)

		r.With(s.authenticate).Get("/me", s.me)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listen)
}

// Serve is Run over an existing listener.
func (s *Server) Serve(ctx context.Context, listen net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "HTTP shutdown error", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
