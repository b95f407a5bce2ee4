// Package credentials verifies email/password logins against the account store.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/carlossalguero/authgate/internal/auth/account"
	"github.com/carlossalguero/authgate/internal/auth/identity"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
)

// MinPasswordLength is the shortest password ValidatePasswordStrength accepts.
const MinPasswordLength = 8

const badCredentialsMessage = "bad credentials"

// Service authenticates password logins.
type Service struct {
	store account.Store
	cost  int

	dummyOnce sync.Once
	dummyHash []byte
}

// New creates a credentials Service. A zero cost selects bcrypt.DefaultCost.
func New(store account.Store, cost int) *Service {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: store, cost: cost}
}

// Authenticate returns the account matching email and password. Every failure
// mode yields the same BAD_CREDENTIALS error.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*account.Account, error) {
	email = identity.NormalizeEmail(email)
	if email == "" || password == "" {
		return nil, apperrors.BadCredentials(badCredentialsMessage)
	}

	acct, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		if !apperrors.IsCode(err, apperrors.CodeNotFound) {
			return nil, fmt.Errorf("looking up account: %w", err)
		}
		s.burnComparison(password)
		return nil, apperrors.BadCredentials(badCredentialsMessage)
	}

	if !acct.HasPassword() {
		s.burnComparison(password)
		return nil, apperrors.BadCredentials(badCredentialsMessage)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(*acct.PasswordHash), []byte(password)); err != nil {
		return nil, apperrors.BadCredentials(badCredentialsMessage)
	}

	return acct, nil
}

// EnsureAccount creates a password account for email unless one already exists.
// It returns the stored account and whether it was created.
func (s *Service) EnsureAccount(ctx context.Context, email, password string, role account.Role) (*account.Account, bool, error) {
	email = identity.NormalizeEmail(email)
	if email == "" {
		return nil, false, apperrors.InvalidInput("email is required")
	}
	if err := ValidatePasswordStrength(password); err != nil {
		return nil, false, err
	}

	hash, err := HashPassword(password, s.cost)
	if err != nil {
		return nil, false, err
	}

	acct := &account.Account{Email: email, PasswordHash: &hash, Role: role}
	err = s.store.Create(ctx, acct)
	switch {
	case err == nil:
		return acct, true, nil
	case apperrors.IsCode(err, apperrors.CodeAlreadyExists):
		existing, err := s.store.GetByEmail(ctx, email)
		if err != nil {
			return nil, false, fmt.Errorf("reading existing account: %w", err)
		}
		return existing, false, nil
	default:
		return nil, false, fmt.Errorf("creating account: %w", err)
	}
}

// burnComparison spends one bcrypt comparison so unknown accounts cost the same
// as wrong passwords.
func (s *Service) burnComparison(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authgate-dummy-password-1"), s.cost)
	})
	_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
}

// HashPassword hashes password with bcrypt at the given cost.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", apperrors.InternalWrap("hashing password", err)
	}
	return string(hashed), nil
}

// ValidatePasswordStrength requires at least MinPasswordLength characters and
// one digit.
func ValidatePasswordStrength(password string) error {
	if len([]rune(password)) < MinPasswordLength {
		return apperrors.New(apperrors.CodeWeakPassword,
			fmt.Sprintf("password must be at least %d characters", MinPasswordLength))
	}
	for _, r := range password {
		if unicode.IsDigit(r) {
			return nil
		}
	}
	return apperrors.New(apperrors.CodeWeakPassword, "password must contain a digit")
}
