// Package refreshtokens declares the credential store contract for
// server-side refresh tokens and its SQL implementation.
package refreshtokens

import (
	"context"
	"time"

	"github.com/dmitrijs2005/authkeeper/internal/server/models"
)

// Repository defines operations for issuing, retrieving, and revoking refresh tokens.
type Repository interface {
	// Create stores a new refresh token, assigning ID and CreatedAt when unset.
	// A token value already present yields common.ErrorAlreadyExists.
	Create(ctx context.Context, token *models.RefreshToken) error

	// Find looks up a refresh token by its token string.
	// It returns common.ErrorNotFound when the token is absent.
	Find(ctx context.Context, token string) (*models.RefreshToken, error)

	// DeleteByID removes one record and reports whether it existed. A false
	// result means another caller already removed it.
	DeleteByID(ctx context.Context, id string) (bool, error)

	// DeleteByToken removes every record carrying token and returns how many
	// went away. Deleting a non-existent token is not an error.
	DeleteByToken(ctx context.Context, token string) (int64, error)

	// DeleteExpired removes records that expired before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
