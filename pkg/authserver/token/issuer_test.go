package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diracgrid/diracx-auth/pkg/config"
)

func testConfig(lifetime time.Duration) *config.Config {
	return &config.Config{
		Issuer:              "http://lhcbdirac.cern.ch/",
		Audience:            "dirac",
		AccessTokenLifetime: lifetime,
		Registry: config.Registry{
			"lhcb": &config.VORegistry{
				DefaultGroup: "lhcb_user",
				Users: map[string]string{
					"CN=chaen": "chaen",
				},
				Groups: map[string]*config.GroupConfig{
					"lhcb_user": {
						Users:      []string{"chaen"},
						Properties: []config.SecurityProperty{config.NormalUser, config.PrivateLimitedDelegation},
					},
					"lhcb_prmgr": {
						Users:      []string{"someone_else"},
						Properties: []config.SecurityProperty{config.NormalUser, config.ProductionManagement},
					},
				},
			},
		},
	}
}

func newTestIssuer(t *testing.T, lifetime time.Duration) *Issuer {
	t.Helper()

	secrets, err := config.LoadSecrets(config.SigningConfig{})
	require.NoError(t, err)

	issuer, err := NewIssuer(testConfig(lifetime), secrets)
	require.NoError(t, err)
	return issuer
}

var upstreamClaims = map[string]string{
	"sub":                "CN=chaen",
	"preferred_username": "chaen",
	"organisation_name":  "lhcb",
}

func TestIssueAndVerify(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, time.Hour)

	raw, err := issuer.Issue("lhcb_user", upstreamClaims)
	require.NoError(t, err)

	claims, err := issuer.Verify(raw)
	require.NoError(t, err)

	assert.Equal(t, "lhcb:chaen", claims.Subject)
	assert.Equal(t, "http://lhcbdirac.cern.ch/", claims.Issuer)
	assert.Contains(t, claims.Audience, "dirac")
	assert.Equal(t, "lhcb", claims.VO)
	assert.Equal(t, "lhcb_user", claims.DiracGroup)
	assert.Equal(t, "chaen", claims.PreferredUsername)
	assert.NotEmpty(t, claims.ID)

	// The token carries the group's full property set, not what the client
	// asked for.
	assert.Equal(t, []config.SecurityProperty{config.NormalUser, config.PrivateLimitedDelegation},
		claims.DiracProperties)
}

func TestIssueUnknownSubject(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, time.Hour)

	_, err := issuer.Issue("lhcb_user", map[string]string{
		"sub":               "CN=stranger",
		"organisation_name": "lhcb",
	})
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestIssueNotInGroup(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, time.Hour)

	_, err := issuer.Issue("lhcb_prmgr", upstreamClaims)
	assert.ErrorIs(t, err, ErrInvalidGroup)

	_, err = issuer.Issue("lhcb_admin", upstreamClaims)
	assert.ErrorIs(t, err, ErrInvalidGroup)
}

func TestVerifyRejectsForeignToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, time.Hour)
	other := newTestIssuer(t, time.Hour)

	raw, err := other.Issue("lhcb_user", upstreamClaims)
	require.NoError(t, err)

	_, err = issuer.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidJWT)
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	t.Parallel()

	issuer := newTestIssuer(t, time.Hour)

	raw, err := issuer.Issue("lhcb_user", upstreamClaims)
	require.NoError(t, err)

	_, err = issuer.Verify(raw + "x")
	assert.ErrorIs(t, err, ErrInvalidJWT)

	_, err = issuer.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidJWT)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	// Beyond the verifier's clock-skew leeway.
	issuer := newTestIssuer(t, -5*time.Minute)

	raw, err := issuer.Issue("lhcb_user", upstreamClaims)
	require.NoError(t, err)

	_, err = issuer.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidJWT)
}
