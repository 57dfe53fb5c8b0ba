// Package upstream talks to the external OIDC identity providers that
// authenticate users on behalf of the authorization server. Each virtual
// organisation is bound to one provider; user identity is established
// exclusively through it.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/diracgrid/diracx-auth/pkg/config"
	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// Errors the handlers translate onto HTTP responses.
var (
	// ErrUnknownVO is returned when no identity provider is configured for
	// the virtual organisation.
	ErrUnknownVO = errors.New("no identity provider configured for vo")
	// ErrUpstreamUnavailable is returned when the provider cannot be
	// reached or answers with a server error.
	ErrUpstreamUnavailable = errors.New("upstream identity provider unavailable")
	// ErrInvalidCode is returned when the provider rejects the
	// authorization code exchange.
	ErrInvalidCode = errors.New("upstream rejected the authorization code")
	// ErrInvalidIDToken is returned when the ID token fails verification or
	// does not belong to the expected virtual organisation.
	ErrInvalidIDToken = errors.New("invalid upstream id token")
)

// upstreamScopes are the scopes requested from the identity provider.
var upstreamScopes = []string{oidc.ScopeOpenID, "profile"}

const (
	discoveryMaxTries = 3
	exchangeTimeout   = 30 * time.Second
)

// Provider wraps one virtual organisation's OIDC identity provider. OIDC
// discovery runs lazily on first use and the result is cached for the
// lifetime of the process.
type Provider struct {
	vo  string
	cfg config.IdPConfig

	mu       sync.Mutex
	provider *oidc.Provider
}

// Registry holds the providers of all configured virtual organisations.
type Registry struct {
	providers map[string]*Provider
}

// NewRegistry builds a Registry from the per-VO identity provider config.
// Discovery is deferred so the server starts even when a provider is down.
func NewRegistry(idps map[string]config.IdPConfig) *Registry {
	providers := make(map[string]*Provider, len(idps))
	for vo, cfg := range idps {
		providers[vo] = &Provider{vo: vo, cfg: cfg}
	}
	return &Registry{providers: providers}
}

// For returns the provider bound to the virtual organisation.
func (r *Registry) For(vo string) (*Provider, error) {
	p, ok := r.providers[vo]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVO, vo)
	}
	return p, nil
}

// discover performs OIDC discovery with exponential backoff, caching the
// provider on success.
func (p *Provider) discover(ctx context.Context) (*oidc.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.provider != nil {
		return p.provider, nil
	}

	provider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		provider, err := oidc.NewProvider(ctx, p.cfg.Issuer)
		if err != nil {
			logger.Warnw("oidc discovery failed, retrying",
				"vo", p.vo, "issuer", p.cfg.Issuer, "error", err)
			return nil, err
		}
		return provider, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(discoveryMaxTries),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery for %s failed: %v", ErrUpstreamUnavailable, p.cfg.Issuer, err)
	}

	logger.Infow("discovered upstream identity provider", "vo", p.vo, "issuer", p.cfg.Issuer)
	p.provider = provider
	return provider, nil
}

func (p *Provider) oauthConfig(provider *oidc.Provider, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    p.cfg.ClientID,
		Endpoint:    provider.Endpoint(),
		RedirectURL: redirectURI,
		Scopes:      upstreamScopes,
	}
}

// AuthorizationURL builds the provider's authorization endpoint URL carrying
// the sealed state and an S256 challenge for the given verifier. The user's
// browser is redirected here to authenticate.
func (p *Provider) AuthorizationURL(ctx context.Context, redirectURI, state, verifier string) (string, error) {
	provider, err := p.discover(ctx)
	if err != nil {
		return "", err
	}

	conf := p.oauthConfig(provider, redirectURI)
	return conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)), nil
}

// Exchange redeems the authorization code at the provider's token endpoint
// and returns the raw ID token. Provider-side rejections map to
// ErrInvalidCode; transport failures and server errors map to
// ErrUpstreamUnavailable.
func (p *Provider) Exchange(ctx context.Context, code, verifier, redirectURI string) (string, error) {
	provider, err := p.discover(ctx)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	conf := p.oauthConfig(provider, redirectURI)
	token, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response.StatusCode < 500 {
			logger.Warnw("upstream rejected code exchange",
				"vo", p.vo, "status", retrieveErr.Response.StatusCode, "error", retrieveErr.ErrorCode)
			return "", fmt.Errorf("%w: %v", ErrInvalidCode, err)
		}
		return "", fmt.Errorf("%w: token exchange failed: %v", ErrUpstreamUnavailable, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", fmt.Errorf("%w: token response carries no id_token", ErrInvalidIDToken)
	}
	return rawIDToken, nil
}

// VerifyIDToken validates the raw ID token's signature, issuer, audience and
// expiry against the provider, checks that it belongs to this virtual
// organisation, and returns the identity claims the flows persist.
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken string) (map[string]string, error) {
	provider, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: p.cfg.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}

	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		OrganisationName  string `json:"organisation_name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %v", ErrInvalidIDToken, err)
	}

	if claims.OrganisationName != p.vo {
		return nil, fmt.Errorf("%w: token organisation %q does not match vo %q",
			ErrInvalidIDToken, claims.OrganisationName, p.vo)
	}

	return map[string]string{
		"sub":                idToken.Subject,
		"preferred_username": claims.PreferredUsername,
		"organisation_name":  claims.OrganisationName,
	}, nil
}
