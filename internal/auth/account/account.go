// Package account defines the internal account record and links external
// identities to it by normalized email.
package account

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Role is an account's authorization level.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Account is the persisted identity every token subject refers to.
type Account struct {
	ID           uuid.UUID
	Email        string
	DisplayName  string
	PasswordHash *string
	Role         Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin reports whether the account holds the admin role.
func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// HasPassword reports whether the account can use password login.
func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// Store persists accounts. Implementations must enforce email uniqueness:
// Create returns an ALREADY_EXISTS error when the email is taken, and the
// lookups return NOT_FOUND when nothing matches.
type Store interface {
	Create(ctx context.Context, account *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
}
