// Package server exposes the auth service over HTTP and the gRPC health
// protocol.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/securecookie"

	"github.com/carlossalguero/authgate/internal/auth/service"
	"github.com/carlossalguero/authgate/internal/auth/token"
	"github.com/carlossalguero/authgate/internal/gateway/middleware"
	apperrors "github.com/carlossalguero/authgate/internal/shared/errors"
	"github.com/carlossalguero/authgate/internal/shared/logger"
	"github.com/carlossalguero/authgate/internal/shared/metrics"
	"github.com/carlossalguero/authgate/internal/shared/tracing"
)

// Cookie names.
const (
	RefreshCookie = "refresh_token"
	StateCookie   = "oauth_state"
)

const maxBodyBytes = 1 << 16

// AuthService is the behaviour the HTTP layer needs. *service.Service
// implements it.
type AuthService interface {
	Login(ctx context.Context, email, password string) (*service.Session, error)
	Refresh(ctx context.Context, refreshToken string) (token.Token, error)
	HasProvider(provider string) bool
	BeginAuth(ctx context.Context, provider string) (*service.Redirect, error)
	CompleteAuth(ctx context.Context, provider, code, state string) (*service.Session, error)
}

// CookieConfig controls the cookies the server sets.
type CookieConfig struct {
	Secure bool   `mapstructure:"secure"`
	Domain string `mapstructure:"domain"`
	// HashKey signs the oauth_state cookie. Empty generates a per-process key.
	HashKey string `mapstructure:"hash_key"`
	// BlockKey optionally encrypts it; 16, 24 or 32 bytes.
	BlockKey string `mapstructure:"block_key"`
}

// HTTPConfig holds HTTP handler configuration.
type HTTPConfig struct {
	Cookies    CookieConfig
	RefreshTTL time.Duration
	StateTTL   time.Duration
}

// HTTPHandler serves the public auth routes.
type HTTPHandler struct {
	svc     AuthService
	gate    *middleware.Gate
	limiter *middleware.RateLimiter
	metrics *metrics.Metrics
	log     *logger.Logger
	cookies *securecookie.SecureCookie
	cfg     HTTPConfig
}

// NewHTTPHandler creates the HTTP handler. limiter and m may be nil.
func NewHTTPHandler(cfg HTTPConfig, svc AuthService, gate *middleware.Gate, limiter *middleware.RateLimiter, m *metrics.Metrics, log *logger.Logger) (*HTTPHandler, error) {
	if log == nil {
		log = logger.Default()
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}

	hashKey := []byte(cfg.Cookies.HashKey)
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(32)
		log.Warn("no cookie hash key configured, using a per-process key")
	}
	var blockKey []byte
	if cfg.Cookies.BlockKey != "" {
		blockKey = []byte(cfg.Cookies.BlockKey)
		switch len(blockKey) {
		case 16, 24, 32:
		default:
			return nil, fmt.Errorf("cookie block key must be 16, 24 or 32 bytes, got %d", len(blockKey))
		}
	}

	cookies := securecookie.New(hashKey, blockKey)
	cookies.MaxAge(int(cfg.StateTTL.Seconds()))

	return &HTTPHandler{
		svc:     svc,
		gate:    gate,
		limiter: limiter,
		metrics: m,
		log:     log.WithComponent("http"),
		cookies: cookies,
		cfg:     cfg,
	}, nil
}

// Routes builds the router with the full middleware chain.
func (h *HTTPHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID(),
		middleware.Recovery(h.log),
		tracing.HTTPMiddleware,
		h.metrics.HTTPMiddleware,
		middleware.Logging(h.log),
		middleware.Security(),
	)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteError(w, apperrors.NotFound("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		middleware.WriteJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"error": "method not allowed",
			"code":  string(apperrors.CodeInvalidInput),
		})
	})

	r.Group(func(r chi.Router) {
		if h.limiter != nil {
			r.Use(h.limiter.Middleware)
		}
		r.Post("/login", h.login)
		r.Post("/refresh", h.refresh)
		r.Get("/login/{provider}", h.beginAuth)
		r.Get("/authorize/{provider}", h.completeAuth)
	})

	r.With(h.gate.User).Get("/protected", h.protected)
	r.With(h.gate.Admin).Get("/admin-only", h.adminOnly)

	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accessResponse struct {
	Access string `json:"access"`
}

type userResponse struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type authorizeResponse struct {
	Access   string       `json:"access"`
	Provider string       `json:"provider"`
	User     userResponse `json:"user"`
}

type messageResponse struct {
	Msg string `json:"msg"`
}

func (h *HTTPHandler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		middleware.WriteError(w, apperrors.InvalidInput("request body must be a JSON object with email and password"))
		return
	}

	session, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	h.setRefreshCookie(w, session.Tokens.Refresh)
	middleware.WriteJSON(w, http.StatusOK, accessResponse{Access: session.Tokens.Access.Value})
}

func (h *HTTPHandler) refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(RefreshCookie)
	if err != nil || cookie.Value == "" {
		middleware.WriteError(w, apperrors.Unauthorized("missing refresh token"))
		return
	}

	access, err := h.svc.Refresh(r.Context(), cookie.Value)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, accessResponse{Access: access.Value})
}

func (h *HTTPHandler) beginAuth(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	redirect, err := h.svc.BeginAuth(r.Context(), provider)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	encoded, err := h.cookies.Encode(StateCookie, redirect.State)
	if err != nil {
		middleware.WriteError(w, apperrors.InternalWrap("encoding state cookie", err))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    encoded,
		Path:     "/",
		Domain:   h.cfg.Cookies.Domain,
		Expires:  redirect.ExpiresAt,
		MaxAge:   int(time.Until(redirect.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, redirect.URL, http.StatusFound)
}

func (h *HTTPHandler) completeAuth(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	q := r.URL.Query()
	code, state := q.Get("code"), q.Get("state")

	if !h.svc.HasProvider(provider) {
		middleware.WriteError(w, apperrors.UnknownProvider(provider))
		return
	}
	if q.Get("error") != "" {
		h.clearStateCookie(w)
		middleware.WriteError(w, apperrors.InvalidInput("authorization was denied by the provider"))
		return
	}
	if code != "" && state != "" {
		if !h.stateBound(r, state) {
			h.clearStateCookie(w)
			middleware.WriteError(w, apperrors.InvalidState("state does not match this browser"))
			return
		}
	}

	session, err := h.svc.CompleteAuth(r.Context(), provider, code, state)
	h.clearStateCookie(w)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}

	h.setRefreshCookie(w, session.Tokens.Refresh)
	middleware.WriteJSON(w, http.StatusOK, authorizeResponse{
		Access:   session.Tokens.Access.Value,
		Provider: session.Provider,
		User: userResponse{
			Email: session.Account.Email,
			Name:  session.Account.DisplayName,
		},
	})
}

func (h *HTTPHandler) protected(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, messageResponse{
		Msg: "Hello user " + middleware.AccountID(r.Context()),
	})
}

func (h *HTTPHandler) adminOnly(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, messageResponse{Msg: "You are an admin!"})
}

// stateBound reports whether the signed state cookie carries state.
func (h *HTTPHandler) stateBound(r *http.Request, state string) bool {
	cookie, err := r.Cookie(StateCookie)
	if err != nil {
		return false
	}
	var bound string
	if err := h.cookies.Decode(StateCookie, cookie.Value, &bound); err != nil {
		return false
	}
	return bound == state
}

func (h *HTTPHandler) setRefreshCookie(w http.ResponseWriter, refresh token.Token) {
	maxAge := int(h.cfg.RefreshTTL.Seconds())
	if maxAge <= 0 {
		maxAge = int(time.Until(refresh.ExpiresAt).Seconds())
	}
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookie,
		Value:    refresh.Value,
		Path:     "/",
		Domain:   h.cfg.Cookies.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *HTTPHandler) clearStateCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     StateCookie,
		Value:    "",
		Path:     "/",
		Domain:   h.cfg.Cookies.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cfg.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}
