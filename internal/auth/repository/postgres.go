// Package repository provides the account stores backing the account linker.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carlossalguero/authgate/internal/auth/account"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
)

const pgUniqueViolation = "23505"

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS accounts (
		id            UUID PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		display_name  TEXT NOT NULL DEFAULT '',
		password_hash TEXT,
		role          TEXT NOT NULL DEFAULT 'user',
		created_at    TIMESTAMPTZ NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	)
`

// Postgres implements account.Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new PostgreSQL account store.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Migrate creates the accounts table when missing.
func (r *Postgres) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("creating accounts table: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// ConnStats returns the acquired and idle connection counts.
func (r *Postgres) ConnStats() (active, idle int) {
	stat := r.pool.Stat()
	return int(stat.AcquiredConns()), int(stat.IdleConns())
}

// Create inserts a new account, assigning its ID and timestamps.
func (r *Postgres) Create(ctx context.Context, acct *account.Account) error {
	prepareForInsert(acct)

	query := `
		INSERT INTO accounts (id, email, display_name, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := r.pool.Exec(ctx, query,
		acct.ID, acct.Email, acct.DisplayName, acct.PasswordHash,
		string(acct.Role), acct.CreatedAt, acct.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("account with this email already exists")
		}
		return fmt.Errorf("creating account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by ID.
func (r *Postgres) GetByID(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	query := `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	return r.scanOne(ctx, query, id)
}

// GetByEmail retrieves an account by normalized email.
func (r *Postgres) GetByEmail(ctx context.Context, email string) (*account.Account, error) {
	query := `
		SELECT id, email, display_name, password_hash, role, created_at, updated_at
		FROM accounts
		WHERE email = $1
	`
	return r.scanOne(ctx, query, email)
}

func (r *Postgres) scanOne(ctx context.Context, query string, arg any) (*account.Account, error) {
	var (
		acct account.Account
		role string
	)
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&acct.ID, &acct.Email, &acct.DisplayName, &acct.PasswordHash,
		&role, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NotFound("account not found")
		}
		return nil, fmt.Errorf("getting account: %w", err)
	}
	acct.Role = account.Role(role)

	return &acct, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// prepareForInsert fills defaults shared by every store.
func prepareForInsert(acct *account.Account) {
	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	if !acct.Role.Valid() {
		acct.Role = account.RoleUser
	}
	now := time.Now().UTC()
	acct.CreatedAt = now
	acct.UpdatedAt = now
}
