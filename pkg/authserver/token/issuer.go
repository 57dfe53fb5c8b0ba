// Package token mints and verifies the short-lived signed JWTs this server
// issues after a flow completes. The token's claims are derived from the
// registry at issuance time, never from client input.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"

	"github.com/diracgrid/diracx-auth/pkg/config"
)

// Issuance and verification errors.
var (
	// ErrUnknownUser is returned when the upstream identity cannot be
	// mapped to a registered username for the virtual organisation.
	ErrUnknownUser = errors.New("upstream identity is not registered in the vo")
	// ErrInvalidGroup is returned when the mapped user does not belong to
	// the requested group.
	ErrInvalidGroup = errors.New("user is not a member of the requested group")
	// ErrInvalidJWT is the single error returned for any verification
	// failure. It deliberately carries no detail about which check failed.
	ErrInvalidJWT = errors.New("invalid JWT")
)

// Claims is the payload of an issued token.
type Claims struct {
	jwt.Claims
	VO                string                    `json:"vo"`
	DiracGroup        string                    `json:"dirac_group"`
	DiracProperties   []config.SecurityProperty `json:"dirac_properties"`
	PreferredUsername string                    `json:"preferred_username"`
}

// Issuer signs tokens with the server's private key and verifies presented
// tokens against the matching public key.
type Issuer struct {
	issuer   string
	audience string
	lifetime time.Duration
	registry config.Registry

	signer    jose.Signer
	algorithm jose.SignatureAlgorithm
	publicKey any
}

// NewIssuer creates an Issuer from the server configuration and its loaded
// signing material.
func NewIssuer(cfg *config.Config, secrets *config.Secrets) (*Issuer, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: secrets.Algorithm, Key: secrets.Key},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", secrets.KeyID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}

	return &Issuer{
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		lifetime:  cfg.AccessTokenLifetime,
		registry:  cfg.Registry,
		signer:    signer,
		algorithm: secrets.Algorithm,
		publicKey: secrets.Key.Public(),
	}, nil
}

// Lifetime returns how long issued tokens are valid.
func (i *Issuer) Lifetime() time.Duration {
	return i.lifetime
}

// Issue mints a token for the identity established by the verified upstream
// claims, acting as the given group. The group's property set is embedded
// wholesale so verifiers never consult the registry.
func (i *Issuer) Issue(group string, idToken map[string]string) (string, error) {
	vo := idToken["organisation_name"]

	username, ok := i.registry.UsernameForSubject(vo, idToken["sub"])
	if !ok {
		return "", fmt.Errorf("%w: subject %q in vo %q", ErrUnknownUser, idToken["sub"], vo)
	}

	groupCfg, ok := i.registry.Group(vo, group)
	if !ok {
		return "", fmt.Errorf("%w: no group %q in vo %q", ErrInvalidGroup, group, vo)
	}
	if !groupCfg.HasUser(username) {
		return "", fmt.Errorf("%w: %s is not in %s", ErrInvalidGroup, username, group)
	}

	now := time.Now()
	claims := Claims{
		Claims: jwt.Claims{
			Issuer:   i.issuer,
			Subject:  fmt.Sprintf("%s:%s", vo, username),
			Audience: jwt.Audience{i.audience},
			Expiry:   jwt.NewNumericDate(now.Add(i.lifetime)),
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
		VO:                vo,
		DiracGroup:        group,
		DiracProperties:   groupCfg.Properties,
		PreferredUsername: idToken["preferred_username"],
	}

	signed, err := jwt.Signed(i.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature, issuer, audience and expiry of a presented
// token and returns its claims. Every failure mode collapses into
// ErrInvalidJWT so callers cannot distinguish why a token was rejected.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	parsed, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{i.algorithm})
	if err != nil {
		return nil, ErrInvalidJWT
	}

	var claims Claims
	if err := parsed.Claims(i.publicKey, &claims); err != nil {
		return nil, ErrInvalidJWT
	}

	if err := claims.Validate(jwt.Expected{
		Issuer:      i.issuer,
		AnyAudience: jwt.Audience{i.audience},
		Time:        time.Now(),
	}); err != nil {
		return nil, ErrInvalidJWT
	}

	return &claims, nil
}
