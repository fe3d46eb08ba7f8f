package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/authkeeper/internal/client/api"
	"github.com/dmitrijs2005/authkeeper/internal/common"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
var (
	getSimpleText = GetSimpleText
	getPassword   = GetPassword
)

// Register prompts for email, name and password and creates the account.
// The password byte slice is wiped before returning.
func (a *App) Register(ctx context.Context) error {
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}
	name, err := getSimpleText(a.reader, "Enter name", a.out)
	if err != nil {
		return err
	}
	password, err := getPassword(a.reader, a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	user, msg, err := a.api.Register(ctx, email, string(password), name)
	if err != nil {
		return a.fail(ctx, "register", err)
	}

	fmt.Fprintf(a.out, "%s (id %s)\n", msg, user.ID)
	return nil
}

// Login prompts for credentials and stores the issued token pair.
func (a *App) Login(ctx context.Context) error {
	email, err := getSimpleText(a.reader, "Enter email", a.out)
	if err != nil {
		return err
	}
	password, err := getPassword(a.reader, a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	user, err := a.api.Login(ctx, email, string(password))
	if err != nil {
		return a.fail(ctx, "login", err)
	}

	fmt.Fprintf(a.out, "Logged in as %s <%s>\n", user.Name, user.Email)
	return nil
}

func (a *App) Me(ctx context.Context) error {
	user, err := a.api.Me(ctx)
	if err != nil {
		return a.fail(ctx, "me", err)
	}

	fmt.Fprintf(a.out, "id:      %s\nemail:   %s\nname:    %s\ncreated: %s\n",
		user.ID, user.Email, user.Name, user.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	return nil
}

func (a *App) Refresh(ctx context.Context) error {
	if err := a.api.Refresh(ctx); err != nil {
		return a.fail(ctx, "refresh", err)
	}
	fmt.Fprintln(a.out, "Tokens refreshed")
	return nil
}

func (a *App) Logout(ctx context.Context) error {
	if err := a.api.Logout(ctx); err != nil {
		return a.fail(ctx, "logout", err)
	}
	fmt.Fprintln(a.out, "Logged out")
	return nil
}

func (a *App) Health(ctx context.Context) error {
	h, err := a.api.Health(ctx)
	if err != nil {
		return a.fail(ctx, "health", err)
	}
	fmt.Fprintf(a.out, "server %s at %s\n", h.Status, h.Timestamp)
	return nil
}

// fail reports err to the user and returns it.
func (a *App) fail(ctx context.Context, op string, err error) error {
	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Message != "":
		fmt.Fprintln(a.out, "Error:", apiErr.Message)
	case errors.Is(err, api.ErrUnavailable):
		fmt.Fprintln(a.out, "Error: server unavailable")
	default:
		fmt.Fprintln(a.out, "Error:", err)
	}
	a.logger.Debug(ctx, "command failed", "op", op, "error", err)
	return err
}
