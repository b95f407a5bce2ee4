// Package middleware provides the HTTP middleware chain and the
// authorization gate in front of protected routes.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/carlossalguero/authgate/internal/auth/account"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
	"github.com/carlossalguero/authgate/internal/shared/logger"
)

// accountIDKey is the context key for the authenticated account ID.
type accountIDKey struct{}

// TokenVerifier validates access tokens. *token.Issuer implements it.
type TokenVerifier interface {
	VerifyAccessToken(raw string) (string, error)
}

// AccountLookup loads accounts by ID. Every account.Store implements it.
type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*account.Account, error)
}

// Gate authorizes callers by access token and, for admin routes, by role.
type Gate struct {
	tokens   TokenVerifier
	accounts AccountLookup
	log      *logger.Logger
}

// NewGate creates a Gate.
func NewGate(tokens TokenVerifier, accounts AccountLookup, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Default()
	}
	return &Gate{tokens: tokens, accounts: accounts, log: log.WithComponent("gate")}
}

// RequireUser returns the account ID of a valid access token.
func (g *Gate) RequireUser(_ context.Context, raw string) (string, error) {
	return g.tokens.VerifyAccessToken(raw)
}

// RequireAdmin is RequireUser plus a check that the account is an admin.
func (g *Gate) RequireAdmin(ctx context.Context, raw string) (string, error) {
	subject, err := g.RequireUser(ctx, raw)
	if err != nil {
		return "", err
	}

	id, err := uuid.Parse(subject)
	if err != nil {
		return "", apperrors.Unauthorized("unknown account")
	}

	acct, err := g.accounts.GetByID(ctx, id)
	if err != nil {
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			return "", apperrors.Unauthorized("unknown account")
		}
		return "", err
	}
	if !acct.IsAdmin() {
		return "", apperrors.Forbidden("admin role required")
	}
	return subject, nil
}

// User wraps next so it only runs for holders of a valid access token.
func (g *Gate) User(next http.Handler) http.Handler {
	return g.wrap(g.RequireUser, next)
}

// Admin wraps next so it only runs for admins.
func (g *Gate) Admin(next http.Handler) http.Handler {
	return g.wrap(g.RequireAdmin, next)
}

func (g *Gate) wrap(check func(context.Context, string) (string, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err == nil {
			var subject string
			if subject, err = check(r.Context(), raw); err == nil {
				ctx := context.WithValue(r.Context(), accountIDKey{}, subject)
				ctx = context.WithValue(ctx, logger.AccountIDKey, subject)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		level := slog.LevelWarn
		if apperrors.IsInvalidOrExpiredToken(err) {
			level = slog.LevelDebug
		}
		g.log.Log(r.Context(), level, "authorization failed",
			"path", r.URL.Path,
			"code", string(apperrors.GetCode(err)),
		)
		WriteError(w, err)
	})
}

// AccountID returns the account ID stored by the gate, or "".
func AccountID(ctx context.Context) string {
	id, _ := ctx.Value(accountIDKey{}).(string)
	return id
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", apperrors.Unauthorized("missing authorization")
	}

	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return "", apperrors.Unauthorized("invalid authorization header format")
	}
	return strings.TrimSpace(raw), nil
}
