package auth

import (
	"context"
	"time"

	"github.com/perimetra/idpsync/pkg/audit"
	"github.com/perimetra/idpsync/pkg/idp"
	"github.com/perimetra/idpsync/pkg/observability"
	"github.com/perimetra/idpsync/pkg/storage"
)

// Service orchestrates the OIDC sign-in and admin connect flows for
// every provider flavor. It is synchronous request/response and keeps
// no per-attempt state server-side; state and verifier travel in the
// caller's signed cookies.
type Service struct {
	registry   *idp.Registry
	providers  storage.ProviderStore
	reconciler *Reconciler
	logger     *observability.Logger
}

// SignInResult is what a completed callback hands back to the API
// layer.
type SignInResult struct {
	Identity *storage.Identity
	Claims   *idp.Claims
	Token    *idp.Token
}

// NewService wires the sign-in service.
func NewService(registry *idp.Registry, providers storage.ProviderStore, identities storage.IdentityStore, logger *observability.Logger) *Service {
	return &Service{
		registry:   registry,
		providers:  providers,
		reconciler: NewReconciler(identities),
		logger:     logger.WithField("component", "auth"),
	}
}

// Begin builds the authorization redirect for a provider. The caller
// persists the returned state and verifier client-side and sends the
// user to the URI.
func (s *Service) Begin(ctx context.Context, provider *storage.Provider, redirectURL string) (*idp.AuthorizationRequest, error) {
	if !provider.SignInEnabled() {
		return nil, idp.NewError(idp.CodeUnauthorized, "provider is disabled")
	}

	adapter, client, err := s.clientFor(ctx, provider, redirectURL)
	if err != nil {
		return nil, err
	}

	req, err := client.BuildAuthorizationURI(adapter.AuthParams())
	if err != nil {
		return nil, idp.WrapError(idp.CodeInternal, "failed to build authorization request", err)
	}
	return req, nil
}

// Complete validates the callback, exchanges the code, verifies the ID
// token and reconciles the identity. Both outcomes land in the audit
// trail.
func (s *Service) Complete(ctx context.Context, provider *storage.Provider, redirectURL, expectedState, receivedState, verifier, code string) (*SignInResult, error) {
	result, err := s.complete(ctx, provider, redirectURL, expectedState, receivedState, verifier, code)
	if err != nil {
		if auditErr := audit.LogSignin(ctx, "", "", provider.ID, audit.EventStatusFailure, err.Error()); auditErr != nil {
			s.logger.WithError(auditErr).Warn("Failed to record sign-in audit event")
		}
		return nil, err
	}

	if auditErr := audit.LogSignin(ctx, result.Identity.ActorID, result.Identity.Email, provider.ID, audit.EventStatusSuccess, "Sign-in completed"); auditErr != nil {
		s.logger.WithError(auditErr).Warn("Failed to record sign-in audit event")
	}
	return result, nil
}

func (s *Service) complete(ctx context.Context, provider *storage.Provider, redirectURL, expectedState, receivedState, verifier, code string) (*SignInResult, error) {
	if !provider.SignInEnabled() {
		return nil, idp.NewError(idp.CodeUnauthorized, "provider is disabled")
	}
	if err := idp.ValidateState(expectedState, receivedState); err != nil {
		return nil, err
	}

	adapter, client, err := s.clientFor(ctx, provider, redirectURL)
	if err != nil {
		return nil, err
	}

	token, err := client.Exchange(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	claims, err := client.VerifyIDToken(ctx, token.RawIDToken)
	if err != nil {
		return nil, err
	}
	userinfo, err := client.UserInfo(ctx, token)
	if err != nil {
		return nil, err
	}

	cfg, err := adapter.ApplyDefaults(provider.AdapterConfig)
	if err != nil {
		return nil, idp.WrapError(idp.CodeInvalidToken, "provider configuration is incomplete", err)
	}
	assertion, err := idp.DeriveIdentity(cfg, claims, token, userinfo)
	if err != nil {
		return nil, err
	}

	ident, err := s.reconciler.Reconcile(ctx, provider, assertion, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"provider_id": provider.ID,
		"identity_id": ident.ID,
		"adapter":     string(provider.Adapter),
	}).Info("Sign-in completed")

	return &SignInResult{Identity: ident, Claims: claims, Token: token}, nil
}

// Connect finishes the admin connect flow: the same verification as
// Complete, but the tokens and claims land on the provider row's
// adapter state, which is what the directory sync engine calls the
// provider's API with.
func (s *Service) Connect(ctx context.Context, provider *storage.Provider, redirectURL, expectedState, receivedState, verifier, code string) (*storage.Provider, error) {
	if err := idp.ValidateState(expectedState, receivedState); err != nil {
		return nil, err
	}

	_, client, err := s.clientFor(ctx, provider, redirectURL)
	if err != nil {
		return nil, err
	}

	token, err := client.Exchange(ctx, code, verifier)
	if err != nil {
		return nil, err
	}
	claims, err := client.VerifyIDToken(ctx, token.RawIDToken)
	if err != nil {
		return nil, err
	}
	userinfo, err := client.UserInfo(ctx, token)
	if err != nil {
		return nil, err
	}

	state := idp.State{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.ExpiresAt,
		Claims:       claims.Raw,
		Userinfo:     userinfo,
	}
	if err := s.providers.UpdateAdapterState(ctx, provider.ID, state); err != nil {
		return nil, idp.WrapError(idp.CodeInternal, "failed to persist provider tokens", err)
	}
	provider.AdapterState = state

	s.logger.WithFields(map[string]interface{}{
		"provider_id": provider.ID,
		"adapter":     string(provider.Adapter),
	}).Info("Provider connected")

	if err := audit.LogProviderChange(ctx, audit.EventTypeProviderConnected, provider, nil, "Provider tokens connected"); err != nil {
		s.logger.WithError(err).Warn("Failed to record provider audit event")
	}

	return provider, nil
}

// RefreshIdentity refreshes the tokens stored on one identity. A
// refresh token the provider declares expired or invalid is deleted so
// later calls do not retry a credential known to be dead.
func (s *Service) RefreshIdentity(ctx context.Context, provider *storage.Provider, ident *storage.Identity, redirectURL string) (*idp.Token, error) {
	_, client, err := s.clientFor(ctx, provider, redirectURL)
	if err != nil {
		return nil, err
	}

	token, err := client.Refresh(ctx, ident.ProviderState.RefreshToken)
	if err != nil {
		switch idp.CodeOf(err) {
		case idp.CodeExpiredToken, idp.CodeInvalidToken:
			if clearErr := s.reconciler.identities.ClearIdentityRefreshToken(ctx, ident.ID); clearErr != nil {
				s.logger.WithError(clearErr).WithField("identity_id", ident.ID).Error("Failed to clear dead refresh token")
			}
		}
		return nil, err
	}

	state := ident.ProviderState
	state.AccessToken = token.AccessToken
	state.RefreshToken = token.RefreshToken
	state.ExpiresAt = token.ExpiresAt
	if err := s.reconciler.identities.RecordSignIn(ctx, ident.ID, ident.Name, ident.Picture, state, time.Now().UTC()); err != nil {
		return nil, idp.WrapError(idp.CodeInternal, "failed to persist refreshed tokens", err)
	}
	ident.ProviderState = state
	return token, nil
}

func (s *Service) clientFor(ctx context.Context, provider *storage.Provider, redirectURL string) (idp.Adapter, *idp.Client, error) {
	adapter, err := s.registry.Get(provider.Adapter)
	if err != nil {
		return nil, nil, idp.WrapError(idp.CodeInternal, "unsupported adapter", err)
	}
	client, err := adapter.ClientFor(ctx, provider.ID, idp.ClientConfig{
		Config:      provider.AdapterConfig,
		RedirectURL: redirectURL,
	})
	if err != nil {
		return nil, nil, err
	}
	return adapter, client, nil
}
