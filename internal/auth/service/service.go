// Package service orchestrates password login, token refresh and the OAuth
// authorization-code flow on top of the auth building blocks.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/carlossalguero/authgate/internal/auth/account"
	"github.com/carlossalguero/authgate/internal/auth/credentials"
	"github.com/carlossalguero/authgate/internal/auth/identity"
	"github.com/carlossalguero/authgate/internal/auth/oauth"
	"github.com/carlossalguero/authgate/internal/auth/oauthstate"
	"github.com/carlossalguero/authgate/internal/auth/token"
	"github.com/carlossalguero/authgate/internal/circuitbreaker"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
	"github.com/carlossalguero/authgate/internal/shared/events"
	"github.com/carlossalguero/authgate/internal/shared/logger"
	"github.com/carlossalguero/authgate/internal/shared/metrics"
	"github.com/carlossalguero/authgate/internal/shared/tracing"
)

const (
	defaultExchangeTimeout = 10 * time.Second
	defaultStateTTL        = 10 * time.Minute
	stateBytes             = 32

	methodPassword = "password"
	methodOAuth    = "oauth"
)

// Config holds the service dependencies. Events and Metrics are optional.
type Config struct {
	Accounts    account.Store
	Credentials *credentials.Service
	Tokens      *token.Issuer
	Providers   *oauth.Registry
	States      oauthstate.Store
	Events      events.Publisher
	Metrics     *metrics.Metrics
	Logger      *logger.Logger

	// ExchangeTimeout bounds code exchange plus profile fetch.
	ExchangeTimeout time.Duration
	// StateTTL is how long a BeginAuth redirect stays redeemable.
	StateTTL time.Duration
	// Breakers configures the per-provider circuit breakers.
	Breakers circuitbreaker.Config
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Service provides authentication business logic.
type Service struct {
	accounts    account.Store
	credentials *credentials.Service
	tokens      *token.Issuer
	providers   *oauth.Registry
	normalizer  *identity.Normalizer
	linker      *account.Linker
	states      oauthstate.Store
	breakers    *circuitbreaker.Group
	events      events.Publisher
	metrics     *metrics.Metrics
	log         *logger.Logger

	exchangeTimeout time.Duration
	stateTTL        time.Duration
	now             func() time.Time
}

// New creates a new auth service.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = defaultExchangeTimeout
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = defaultStateTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Providers == nil {
		cfg.Providers = oauth.NewStaticRegistry(nil)
	}

	log := cfg.Logger.WithComponent("auth")
	s := &Service{
		accounts:        cfg.Accounts,
		credentials:     cfg.Credentials,
		tokens:          cfg.Tokens,
		providers:       cfg.Providers,
		normalizer:      identity.NewNormalizer(cfg.Providers.FieldMaps()),
		linker:          account.NewLinker(cfg.Accounts, log),
		states:          cfg.States,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		log:             log,
		exchangeTimeout: cfg.ExchangeTimeout,
		stateTTL:        cfg.StateTTL,
		now:             cfg.Now,
	}

	breakers := cfg.Breakers
	if breakers.IsFailure == nil {
		breakers.IsFailure = isProviderFault
	}
	userHook := breakers.OnStateChange
	breakers.OnStateChange = func(name string, from, to circuitbreaker.State) {
		s.onBreakerChange(name, from, to)
		if userHook != nil {
			userHook(name, from, to)
		}
	}
	s.breakers = circuitbreaker.NewGroup(breakers)

	return s
}

// Session is the outcome of a successful login.
type Session struct {
	Tokens   *token.Pair
	Account  *account.Account
	Provider string
	Created  bool
}

// Redirect is the outcome of BeginAuth.
type Redirect struct {
	URL       string
	State     string
	ExpiresAt time.Time
}

// Providers returns the configured provider names.
func (s *Service) Providers() []string {
	return s.providers.Names()
}

// HasProvider reports whether provider is configured.
func (s *Service) HasProvider(provider string) bool {
	return s.providers.Has(provider)
}

// ProviderStates returns the circuit state of every provider used so far.
func (s *Service) ProviderStates() map[string]string {
	states := s.breakers.States()
	out := make(map[string]string, len(states))
	for name, state := range states {
		out[name] = state.String()
	}
	return out
}

// Login authenticates with email and password and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (_ *Session, err error) {
	ctx, span := tracing.StartSpan(ctx, "auth.Login")
	defer func() { tracing.End(span, err) }()

	if s.credentials == nil {
		return nil, apperrors.BadCredentials("bad credentials")
	}

	acct, err := s.credentials.Authenticate(ctx, email, password)
	s.metrics.RecordLogin(methodPassword, err == nil)
	if err != nil {
		return nil, err
	}

	pair, err := s.issuePair(acct)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeAccountLogin, acct, map[string]any{"method": methodPassword})
	return &Session{Tokens: pair, Account: acct}, nil
}

// Refresh mints a new access token from a refresh token. The refresh token
// itself is neither rotated nor revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (_ token.Token, err error) {
	_, span := tracing.StartSpan(ctx, "auth.Refresh")
	defer func() { tracing.End(span, err) }()

	access, err := s.tokens.Refresh(refreshToken)
	if err != nil {
		return token.Token{}, err
	}
	s.metrics.RecordTokenIssued(string(token.TypeAccess))
	return access, nil
}

// BeginAuth starts an authorization-code flow with provider.
func (s *Service) BeginAuth(ctx context.Context, provider string) (_ *Redirect, err error) {
	ctx, span := tracing.StartSpan(ctx, "auth.BeginAuth", attribute.String("provider", provider))
	defer func() { tracing.End(span, err) }()

	adapter, ok := s.providers.Get(provider)
	if !ok {
		return nil, apperrors.UnknownProvider(provider)
	}

	state, err := randomState()
	if err != nil {
		return nil, apperrors.InternalWrap("generating state", err)
	}
	verifier := oauth2.GenerateVerifier()

	entry := oauthstate.Entry{
		State:        state,
		Provider:     provider,
		CodeVerifier: verifier,
		ExpiresAt:    s.now().Add(s.stateTTL),
	}
	if err := s.states.Save(ctx, entry); err != nil {
		return nil, apperrors.InternalWrap("storing oauth state", err)
	}

	return &Redirect{
		URL:       adapter.AuthCodeURL(state, oauth2.S256ChallengeFromVerifier(verifier)),
		State:     state,
		ExpiresAt: entry.ExpiresAt,
	}, nil
}

// CompleteAuth finishes the flow started by BeginAuth: it redeems the
// state, exchanges code, links the identity to an account and issues tokens.
func (s *Service) CompleteAuth(ctx context.Context, provider, code, state string) (_ *Session, err error) {
	ctx, span := tracing.StartSpan(ctx, "auth.CompleteAuth", attribute.String("provider", provider))
	defer func() {
		tracing.End(span, err)
		if s.providers.Has(provider) {
			s.metrics.RecordOAuthFlow(provider, flowOutcome(err))
		}
	}()

	adapter, ok := s.providers.Get(provider)
	if !ok {
		return nil, apperrors.UnknownProvider(provider)
	}
	if code == "" || state == "" {
		return nil, apperrors.InvalidInput("code and state are required")
	}

	entry, err := s.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, oauthstate.ErrNotFound) {
			return nil, apperrors.InvalidState("invalid or expired state")
		}
		return nil, apperrors.InternalWrap("reading oauth state", err)
	}
	if entry.Provider != provider || entry.Expired(s.now()) {
		return nil, apperrors.InvalidState("invalid or expired state")
	}

	raw, err := s.fetchProfile(ctx, adapter, code, entry.CodeVerifier)
	if err != nil {
		return nil, err
	}

	id, err := s.normalizer.Normalize(provider, raw)
	if err != nil {
		return nil, err
	}

	acct, created, err := s.linker.ResolveOrCreate(ctx, id)
	s.metrics.RecordLogin(methodOAuth, err == nil)
	if err != nil {
		return nil, err
	}

	pair, err := s.issuePair(acct)
	if err != nil {
		return nil, err
	}

	if created {
		s.metrics.RecordAccountCreated(provider)
		s.publish(ctx, events.TypeAccountCreated, acct, map[string]any{"provider": provider})
	}
	s.publish(ctx, events.TypeAccountLogin, acct, map[string]any{"method": methodOAuth, "provider": provider})

	return &Session{Tokens: pair, Account: acct, Provider: provider, Created: created}, nil
}

// fetchProfile runs the exchange under the provider's breaker and timeout.
func (s *Service) fetchProfile(ctx context.Context, adapter oauth.Adapter, code, verifier string) ([]byte, error) {
	name := adapter.Name()
	start := time.Now()

	var raw []byte
	err := s.breakers.Get(name).Execute(ctx, func(callCtx context.Context) error {
		exchangeCtx, cancel := context.WithTimeout(callCtx, s.exchangeTimeout)
		defer cancel()

		var err error
		raw, err = adapter.FetchProfile(exchangeCtx, code, verifier)
		if err != nil && callCtx.Err() != nil {
			return fmt.Errorf("%w: %w", errCallerGone, err)
		}
		return err
	})
	s.metrics.ObserveProviderFetch(name, time.Since(start))

	if err != nil {
		s.log.WithProvider(name).WarnContext(ctx, "provider exchange failed", "error", err.Error())
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, apperrors.ProviderExchangeFailed("provider temporarily unavailable", err)
		}
		return nil, apperrors.ProviderExchangeFailed("provider exchange failed", err)
	}
	return raw, nil
}

func (s *Service) issuePair(acct *account.Account) (*token.Pair, error) {
	pair, err := s.tokens.IssuePair(acct.ID.String())
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTokenIssued(string(token.TypeAccess))
	s.metrics.RecordTokenIssued(string(token.TypeRefresh))
	return pair, nil
}

// publish emits an event. Delivery failures are logged, never returned.
func (s *Service) publish(ctx context.Context, eventType string, acct *account.Account, data map[string]any) {
	if s.events == nil {
		return
	}

	data["email"] = acct.Email
	event := events.NewEvent(eventType, acct.ID.String(), data)
	event.TraceID = tracing.TraceIDFromContext(ctx)

	if err := s.events.Publish(ctx, event); err != nil {
		s.log.WarnContext(ctx, "publishing event failed", "type", eventType, "error", err.Error())
	}
}

func (s *Service) onBreakerChange(name string, from, to circuitbreaker.State) {
	s.metrics.SetCircuitBreakerState(name, int(to))
	if to == circuitbreaker.StateOpen {
		s.metrics.RecordCircuitBreakerTrip(name)
	}
	s.log.WithProvider(name).Warn("provider circuit changed", "from", from.String(), "to", to.String())
}

// errCallerGone marks an exchange abandoned because the caller's context
// ended before the exchange timeout.
var errCallerGone = errors.New("caller went away")

// isProviderFault reports whether err says the provider itself is unhealthy.
// Rejected codes and calls the caller abandoned do not count.
func isProviderFault(err error) bool {
	if errors.Is(err, errCallerGone) || errors.Is(err, context.Canceled) {
		return false
	}
	var retrieve *oauth2.RetrieveError
	if errors.As(err, &retrieve) {
		return retrieve.Response == nil || retrieve.Response.StatusCode >= 500
	}
	var status *oauth.StatusError
	if errors.As(err, &status) {
		return status.StatusCode >= 500 || status.StatusCode == 429
	}
	return !errors.Is(err, oauth.ErrUnexpectedProfile)
}

func flowOutcome(err error) string {
	if err != nil {
		return metrics.OutcomeFailure
	}
	return metrics.OutcomeSuccess
}

func randomState() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
