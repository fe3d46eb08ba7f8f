package cli

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"os"

	"github.com/dmitrijs2005/authkeeper/internal/client/api"
	"github.com/dmitrijs2005/authkeeper/internal/client/config"
	"github.com/dmitrijs2005/authkeeper/internal/client/session"
	"github.com/dmitrijs2005/authkeeper/internal/logging"
)

// AuthAPI is the part of api.Client the commands use.
type AuthAPI interface {
	Register(ctx context.Context, email, password, name string) (*api.User, string, error)
	Login(ctx context.Context, email, password string) (*api.User, error)
	Refresh(ctx context.Context) error
	Logout(ctx context.Context) error
	Me(ctx context.Context) (*api.User, error)
	Health(ctx context.Context) (*api.Health, error)
	LoggedIn() (string, bool)
}

type App struct {
	api    AuthAPI
	reader *bufio.Reader
	out    io.Writer
	logger logging.Logger
}

// NewApp builds the client from config. Input is read from stdin and
// results are written to stdout.
func NewApp(c *config.Config, logger logging.Logger) *App {
	httpClient := &http.Client{Timeout: c.RequestTimeout}
	client := api.NewClient(c.ServerURL, httpClient, session.NewFileStore(c.SessionFile))

	return &App{
		api:    client,
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
		logger: logger.With("module", "cli"),
	}
}

// Run starts the REPL and blocks until the user exits.
func (a *App) Run(ctx context.Context) {
	printlnFn("Welcome to authkeeper CLI (type 'help' for commands)")
	runREPL(ctx, a, a.getStatus, a.reader)
}

func (a *App) isLoggedIn() bool {
	_, ok := a.api.LoggedIn()
	return ok
}

func (a *App) getStatus() string {
	email, ok := a.api.LoggedIn()
	if !ok {
		return "(guest)"
	}
	return "(" + email + ")"
}
