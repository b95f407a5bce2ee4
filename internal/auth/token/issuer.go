// Package token mints and verifies the access and refresh tokens that make up an
// authgate session. Tokens are stateless JWTs; nothing is persisted.
package token

import (
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Supported signing algorithms.
const (
	AlgorithmHS256 = "HS256"
	AlgorithmRS256 = "RS256"
)

// Claims represents the JWT claims of both token types.
type Claims struct {
	jwt.RegisteredClaims
	Type Type `json:"typ"`
}

// Config holds token configuration.
type Config struct {
	Algorithm       string        `mapstructure:"algorithm"`
	Secret          string        `mapstructure:"secret"`
	PrivateKeyPath  string        `mapstructure:"private_key_path"`
	PublicKeyPath   string        `mapstructure:"public_key_path"`
	AccessTokenTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTokenTTL time.Duration `mapstructure:"refresh_ttl"`
	Issuer          string        `mapstructure:"issuer"`
}

// Token is a signed token together with its metadata.
type Token struct {
	Value     string
	ID        string
	Subject   string
	Type      Type
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Pair is the access/refresh token pair handed out at login.
type Pair struct {
	Access  Token
	Refresh Token
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source used for issuing and verifying.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// Issuer mints and validates tokens. It is safe for concurrent use.
type Issuer struct {
	method     jwt.SigningMethod
	signKey    any
	verifyKey  any
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	now        func() time.Time
}

// NewIssuer builds an Issuer from configuration, loading PEM keys for RS256.
func NewIssuer(cfg Config, opts ...Option) (*Issuer, error) {
	switch strings.ToUpper(cfg.Algorithm) {
	case "", AlgorithmHS256:
		if len(cfg.Secret) < 32 {
			return nil, fmt.Errorf("token secret must be at least 32 bytes")
		}
		return NewHMACIssuer([]byte(cfg.Secret), cfg, opts...), nil

	case AlgorithmRS256:
		privateKey, err := LoadPrivateKey(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading private key: %w", err)
		}
		publicKey, err := LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading public key: %w", err)
		}
		return NewRSAIssuer(privateKey, publicKey, cfg, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", cfg.Algorithm)
	}
}

// NewHMACIssuer creates an HS256 Issuer with a shared secret.
func NewHMACIssuer(secret []byte, cfg Config, opts ...Option) *Issuer {
	return newIssuer(jwt.SigningMethodHS256, secret, secret, cfg, opts)
}

// NewRSAIssuer creates an RS256 Issuer with the provided keys.
func NewRSAIssuer(privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, cfg Config, opts ...Option) *Issuer {
	return newIssuer(jwt.SigningMethodRS256, privateKey, publicKey, cfg, opts)
}

func newIssuer(method jwt.SigningMethod, signKey, verifyKey any, cfg Config, opts []Option) *Issuer {
	i := &Issuer{
		method:     method,
		signKey:    signKey,
		verifyKey:  verifyKey,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
		issuer:     cfg.Issuer,
		now:        time.Now,
	}
	if i.accessTTL <= 0 {
		i.accessTTL = 15 * time.Minute
	}
	if i.refreshTTL <= 0 {
		i.refreshTTL = 7 * 24 * time.Hour
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// AccessTTL returns the access token lifetime.
func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

// RefreshTTL returns the refresh token lifetime.
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}

// IssueAccessToken mints a short-lived access token for accountID.
func (i *Issuer) IssueAccessToken(accountID string) (Token, error) {
	return i.issue(accountID, TypeAccess, i.accessTTL)
}

// IssueRefreshToken mints a long-lived refresh token for accountID.
func (i *Issuer) IssueRefreshToken(accountID string) (Token, error) {
	return i.issue(accountID, TypeRefresh, i.refreshTTL)
}

// IssuePair mints both tokens for accountID.
func (i *Issuer) IssuePair(accountID string) (*Pair, error) {
	access, err := i.IssueAccessToken(accountID)
	if err != nil {
		return nil, fmt.Errorf("generating access token: %w", err)
	}

	refresh, err := i.IssueRefreshToken(accountID)
	if err != nil {
		return nil, fmt.Errorf("generating refresh token: %w", err)
	}

	return &Pair{Access: access, Refresh: refresh}, nil
}

func (i *Issuer) issue(accountID string, typ Type, ttl time.Duration) (Token, error) {
	if accountID == "" {
		return Token{}, apperrors.InvalidInput("account id is required")
	}

	now := i.now().Truncate(time.Second)
	expiresAt := now.Add(ttl)
	jti := uuid.New().String()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   accountID,
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
		},
		Type: typ,
	}

	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.signKey)
	if err != nil {
		return Token{}, fmt.Errorf("signing token: %w", err)
	}

	return Token{
		Value:     signed,
		ID:        jti,
		Subject:   accountID,
		Type:      typ,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}, nil
}

// VerifyAccessToken validates raw as an access token and returns its subject.
func (i *Issuer) VerifyAccessToken(raw string) (string, error) {
	claims, err := i.verify(raw, TypeAccess)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// VerifyRefreshToken validates raw as a refresh token and returns its subject.
func (i *Issuer) VerifyRefreshToken(raw string) (string, error) {
	claims, err := i.verify(raw, TypeRefresh)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// Refresh exchanges a valid refresh token for a fresh access token with the same
// subject. The refresh token itself stays valid until it expires.
func (i *Issuer) Refresh(raw string) (Token, error) {
	subject, err := i.VerifyRefreshToken(raw)
	if err != nil {
		return Token{}, err
	}
	return i.IssueAccessToken(subject)
}

func (i *Issuer) verify(raw string, want Type) (*Claims, error) {
	if raw == "" {
		return nil, apperrors.Unauthorized("missing token")
	}

	// Time claims are left to checkTimes; jwt/v5 rejects a token at exactly
	// its exp.
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return i.verifyKey, nil
	}, jwt.WithValidMethods([]string{i.method.Alg()}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, apperrors.TokenInvalid("invalid token").Wrap(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, apperrors.TokenInvalid("invalid token claims")
	}
	if err := i.checkTimes(claims); err != nil {
		return nil, err
	}
	if i.issuer != "" && claims.Issuer != i.issuer {
		return nil, apperrors.TokenInvalid("invalid token issuer")
	}
	if claims.Type != want {
		return nil, apperrors.WrongTokenType(fmt.Sprintf("%s token required", want))
	}

	return claims, nil
}

// checkTimes rejects a token only once now is strictly past its expiry.
func (i *Issuer) checkTimes(claims *Claims) error {
	if claims.ExpiresAt == nil {
		return apperrors.TokenInvalid("token has no expiry")
	}
	now := i.now()
	if now.After(claims.ExpiresAt.Time) {
		return apperrors.TokenExpired("token has expired")
	}
	if claims.NotBefore != nil && now.Before(claims.NotBefore.Time) {
		return apperrors.TokenInvalid("token is not valid yet")
	}
	return nil
}
