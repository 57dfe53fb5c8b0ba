package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKeyPEM(t *testing.T, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signing.key")
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadSecretsEphemeral(t *testing.T) {
	t.Parallel()

	secrets, err := LoadSecrets(SigningConfig{})
	require.NoError(t, err)

	assert.Equal(t, jose.ES256, secrets.Algorithm)
	assert.NotEmpty(t, secrets.KeyID)
	assert.Len(t, secrets.StateKey, 32)

	// A fresh ephemeral key yields a different state key.
	other, err := LoadSecrets(SigningConfig{})
	require.NoError(t, err)
	assert.NotEqual(t, secrets.StateKey, other.StateKey)
}

func TestLoadSecretsRSAKeyFile(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := writeKeyPEM(t, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key))

	secrets, err := LoadSecrets(SigningConfig{KeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, jose.RS256, secrets.Algorithm)

	// Replicas loading the same key derive the same state key and key id.
	again, err := LoadSecrets(SigningConfig{KeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, secrets.StateKey, again.StateKey)
	assert.Equal(t, secrets.KeyID, again.KeyID)
}

func TestLoadSecretsECKeyFile(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	path := writeKeyPEM(t, "EC PRIVATE KEY", der)

	secrets, err := LoadSecrets(SigningConfig{KeyFile: path})
	require.NoError(t, err)
	assert.Equal(t, jose.ES384, secrets.Algorithm)
}

func TestLoadSecretsAlgorithmMismatch(t *testing.T) {
	t.Parallel()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	path := writeKeyPEM(t, "EC PRIVATE KEY", der)

	_, err = LoadSecrets(SigningConfig{KeyFile: path, Algorithm: "RS256"})
	assert.Error(t, err)
}

func TestLoadSecretsMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadSecrets(SigningConfig{KeyFile: "/does/not/exist.pem"})
	assert.Error(t, err)
}
