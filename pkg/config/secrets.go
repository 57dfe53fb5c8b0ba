package config

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"

	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// Secrets holds the key material used by the token issuer and the state
// codec. Read-only after initialization.
type Secrets struct {
	// Key is the private key DIRAC tokens are signed with.
	Key crypto.Signer
	// KeyID is the RFC 7638 thumbprint of the public key.
	KeyID string
	// Algorithm is the JWS algorithm matching the key type.
	Algorithm jose.SignatureAlgorithm
	// StateKey is the 32-byte AEAD key protecting the state parameter
	// round-tripped through the upstream identity provider. Derived from
	// the signing key so both rotate together.
	StateKey []byte
}

// LoadSecrets builds the Secrets from the signing configuration. With an
// empty key file an ephemeral ES256 key is generated; issued tokens are then
// invalidated by a restart.
func LoadSecrets(cfg SigningConfig) (*Secrets, error) {
	var (
		key crypto.Signer
		err error
	)
	if cfg.KeyFile != "" {
		key, err = loadSigningKey(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
	} else {
		key, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		logger.Warn("generated ephemeral signing key - tokens will be invalid after restart")
	}

	alg, err := deriveAlgorithm(key, cfg.Algorithm)
	if err != nil {
		return nil, err
	}

	keyID, err := deriveKeyID(key)
	if err != nil {
		return nil, err
	}

	stateKey, err := deriveStateKey(key)
	if err != nil {
		return nil, err
	}

	return &Secrets{
		Key:       key,
		KeyID:     keyID,
		Algorithm: alg,
		StateKey:  stateKey,
	}, nil
}

// loadSigningKey loads a private key from a PEM file.
// Supports RSA (PKCS1 and PKCS8) and ECDSA (SEC1 and PKCS8) formats.
func loadSigningKey(keyPath string) (crypto.Signer, error) {
	keyPEM, err := os.ReadFile(keyPath) // #nosec G304 - keyPath comes from the server configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	// Try PKCS1 first (RSA only)
	if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return rsaKey, nil
	}

	// Try EC private key (SEC 1, ASN.1 DER form)
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}

	// Try PKCS8 (supports both RSA and EC)
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("signing key does not implement crypto.Signer")
	}

	return signer, nil
}

// deriveKeyID computes a key ID from the public key using RFC 7638 JWK
// Thumbprint, base64url encoded without padding.
func deriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

// deriveAlgorithm validates the configured algorithm against the key type, or
// derives one when the configuration leaves it empty.
func deriveAlgorithm(key crypto.Signer, configured string) (jose.SignatureAlgorithm, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		switch configured {
		case "", "RS256":
			return jose.RS256, nil
		case "RS384":
			return jose.RS384, nil
		case "RS512":
			return jose.RS512, nil
		default:
			return "", fmt.Errorf("algorithm %s is not compatible with RSA key", configured)
		}
	case *ecdsa.PrivateKey:
		expected, err := ecAlgorithm(k.Curve)
		if err != nil {
			return "", err
		}
		if configured != "" && configured != string(expected) {
			return "", fmt.Errorf("algorithm %s is not compatible with EC key using curve %s (expected %s)",
				configured, k.Curve.Params().Name, expected)
		}
		return expected, nil
	default:
		return "", fmt.Errorf("unsupported key type: %T", key)
	}
}

func ecAlgorithm(curve elliptic.Curve) (jose.SignatureAlgorithm, error) {
	switch curve {
	case elliptic.P256():
		return jose.ES256, nil
	case elliptic.P384():
		return jose.ES384, nil
	case elliptic.P521():
		return jose.ES512, nil
	default:
		return "", fmt.Errorf("unsupported EC curve: %s", curve.Params().Name)
	}
}

// deriveStateKey derives the AEAD key for the state codec from the private
// key bytes. The derivation is deterministic so all replicas sharing the
// signing key accept each other's state parameters.
func deriveStateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize signing key: %w", err)
	}
	sum := sha256.Sum256(der)
	return sum[:], nil
}
