package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/perimetra/idpsync/pkg/auth"
	"github.com/perimetra/idpsync/pkg/httputil"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

const (
	stateCookie    = "idpsync_state"
	verifierCookie = "idpsync_verifier"
	modeCookie     = "idpsync_mode"

	// flowCookieMaxAge bounds how long a pending authorization redirect
	// stays redeemable.
	flowCookieMaxAge = 10 * time.Minute
)

// AuthHandlers serves the browser-facing sign-in flow: the redirect to
// the provider and the callback that completes it. State and PKCE
// verifier travel in short-lived cookies scoped to /auth, so the
// callback can only be redeemed by the browser that started the flow.
type AuthHandlers struct {
	svc           *auth.Service
	providers     storage.ProviderStore
	externalURL   string
	secureCookies bool
	logger        *observability.Logger
}

// NewAuthHandlers creates the sign-in flow handlers.
func NewAuthHandlers(svc *auth.Service, providers storage.ProviderStore, externalURL string, secureCookies bool, logger *observability.Logger) *AuthHandlers {
	return &AuthHandlers{
		svc:           svc,
		providers:     providers,
		externalURL:   externalURL,
		secureCookies: secureCookies,
		logger:        logger,
	}
}

// RegisterRoutes registers the sign-in routes with the router.
func (h *AuthHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/{provider}/redirect", h.Redirect).Methods(http.MethodGet)
	router.HandleFunc("/{provider}/callback", h.Callback).Methods(http.MethodGet)
}

// SignInResponse is returned to the browser after a completed sign-in.
// The refresh token stays server-side.
type SignInResponse struct {
	Identity *IdentityResponse `json:"identity"`
	Token    TokenResponse     `json:"token"`
	Claims   ClaimsResponse    `json:"claims"`
}

// TokenResponse carries the provider access token for the session.
type TokenResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// ClaimsResponse is the verified claim subset shown to the client.
type ClaimsResponse struct {
	Issuer        string `json:"issuer"`
	Subject       string `json:"subject"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name,omitempty"`
}

// Redirect starts the authorization flow. With ?connect=true the
// eventual callback stores the tokens on the provider for directory
// sync instead of signing an identity in.
func (h *AuthHandlers) Redirect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	connect, err := httputil.ParseQueryBool(r, "connect", false)
	if err != nil {
		httputil.WriteBadRequest(w, "invalid connect parameter")
		return
	}

	authReq, err := h.svc.Begin(r.Context(), provider, h.callbackURL(provider.ID))
	if err != nil {
		h.writeIdpError(w, err)
		return
	}

	h.setFlowCookie(w, stateCookie, authReq.State)
	h.setFlowCookie(w, verifierCookie, authReq.Verifier)
	if connect {
		h.setFlowCookie(w, modeCookie, "connect")
	}

	http.Redirect(w, r, authReq.URI, http.StatusFound)
}

// Callback finishes the flow the provider redirected back from.
func (h *AuthHandlers) Callback(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.loadProvider(w, r)
	if !ok {
		return
	}

	state, verifier, mode := h.readFlowCookies(r)
	h.clearFlowCookies(w)

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		httputil.WriteJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"error":             errCode,
			"error_description": query.Get("error_description"),
		})
		return
	}

	if state == "" || verifier == "" {
		httputil.WriteBadRequest(w, "sign-in flow cookies missing or expired")
		return
	}
	code := query.Get("code")
	if code == "" {
		httputil.WriteBadRequest(w, "missing authorization code")
		return
	}

	redirectURL := h.callbackURL(provider.ID)
	receivedState := query.Get("state")

	if mode == "connect" {
		connected, err := h.svc.Connect(r.Context(), provider, redirectURL, state, receivedState, verifier, code)
		if err != nil {
			h.writeIdpError(w, err)
			return
		}
		httputil.WriteSuccess(w, map[string]interface{}{
			"status":   "connected",
			"provider": NewProviderResponse(connected),
		})
		return
	}

	result, err := h.svc.Complete(r.Context(), provider, redirectURL, state, receivedState, verifier, code)
	if err != nil {
		h.writeIdpError(w, err)
		return
	}

	httputil.WriteSuccess(w, &SignInResponse{
		Identity: NewIdentityResponse(result.Identity),
		Token: TokenResponse{
			AccessToken: result.Token.AccessToken,
			ExpiresAt:   result.Token.ExpiresAt,
		},
		Claims: ClaimsResponse{
			Issuer:        result.Claims.Issuer,
			Subject:       result.Claims.Subject,
			Email:         result.Claims.Email,
			EmailVerified: result.Claims.EmailVerified,
			Name:          result.Claims.Name,
		},
	})
}

func (h *AuthHandlers) loadProvider(w http.ResponseWriter, r *http.Request) (*storage.Provider, bool) {
	id := httputil.GetPathVars(r)["provider"]

	provider, err := h.providers.GetProviderByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			httputil.WriteNotFoundError(w, "provider not found")
			return nil, false
		}
		h.logger.WithError(err).Error("Failed to load provider for sign-in")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	return provider, true
}

func (h *AuthHandlers) callbackURL(providerID string) string {
	return h.externalURL + "/auth/" + providerID + "/callback"
}

func (h *AuthHandlers) setFlowCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth",
		MaxAge:   int(flowCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandlers) readFlowCookies(r *http.Request) (state, verifier, mode string) {
	if c, err := r.Cookie(stateCookie); err == nil {
		state = c.Value
	}
	if c, err := r.Cookie(verifierCookie); err == nil {
		verifier = c.Value
	}
	if c, err := r.Cookie(modeCookie); err == nil {
		mode = c.Value
	}
	return state, verifier, mode
}

// clearFlowCookies expires the flow cookies. Callbacks are one-shot:
// whatever the outcome, the state and verifier are spent.
func (h *AuthHandlers) clearFlowCookies(w http.ResponseWriter) {
	for _, name := range []string{stateCookie, verifierCookie, modeCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/auth",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.secureCookies,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// writeIdpError maps the adapter error taxonomy onto HTTP statuses. The
// client sees the short message; detail stays in the logs.
func (h *AuthHandlers) writeIdpError(w http.ResponseWriter, err error) {
	var idpErr *idp.Error
	if !errors.As(err, &idpErr) {
		h.logger.WithError(err).Error("Sign-in flow failed")
		httputil.WriteInternalError(w, errors.New("sign-in failed"))
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"code":   string(idpErr.Code),
		"detail": idpErr.Detail,
	}).WithError(err).Warn("Sign-in flow rejected")

	message := idpErr.Message
	if message == "" {
		message = "sign-in failed"
	}
	httputil.WriteJSON(w, statusForCode(idpErr.Code), map[string]interface{}{
		"error": message,
		"code":  idpErr.Code,
	})
}

func statusForCode(code idp.ErrorCode) int {
	switch code {
	case idp.CodeInvalidState:
		return http.StatusBadRequest
	case idp.CodeExpiredToken, idp.CodeInvalidToken, idp.CodeUnauthorized:
		return http.StatusUnauthorized
	case idp.CodeNotFound:
		return http.StatusForbidden
	case idp.CodeRetryLater:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
