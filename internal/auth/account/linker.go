package account

import (
	"context"
	"fmt"

	"github.com/carlossalguero/authgate/internal/auth/identity"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
	"github.com/carlossalguero/authgate/internal/shared/logger"
)

// Linker resolves canonical identities to accounts, creating them on first sight.
type Linker struct {
	store Store
	log   *logger.Logger
}

// NewLinker creates a Linker backed by store.
func NewLinker(store Store, log *logger.Logger) *Linker {
	if log == nil {
		log = logger.Default()
	}
	return &Linker{
		store: store,
		log:   log.WithComponent("account-linker"),
	}
}

// ResolveOrCreate returns the account owning id.Email, creating a user-role
// account when none exists. An existing record is returned unchanged. When a
// concurrent caller wins the insert, the winner's record is returned.
func (l *Linker) ResolveOrCreate(ctx context.Context, id *identity.Canonical) (*Account, bool, error) {
	if id == nil || id.Email == "" {
		return nil, false, apperrors.MissingEmail("identity has no email")
	}

	existing, err := l.store.GetByEmail(ctx, id.Email)
	if err == nil {
		return existing, false, nil
	}
	if !apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, false, fmt.Errorf("looking up account: %w", err)
	}

	acct := &Account{
		Email:       id.Email,
		DisplayName: id.DisplayName,
		Role:        RoleUser,
	}

	err = l.store.Create(ctx, acct)
	switch {
	case err == nil:
		l.log.InfoContext(ctx, "account created",
			"account_id", acct.ID.String(),
			"provider", id.Provider,
		)
		return acct, true, nil

	case apperrors.IsCode(err, apperrors.CodeAlreadyExists):
		winner, err := l.store.GetByEmail(ctx, id.Email)
		if err != nil {
			return nil, false, fmt.Errorf("re-reading account after conflict: %w", err)
		}
		l.log.DebugContext(ctx, "account creation raced, using existing record",
			"account_id", winner.ID.String(),
		)
		return winner, false, nil

	default:
		return nil, false, fmt.Errorf("creating account: %w", err)
	}
}
