package crypto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
)

// ErrInvalidState is returned when a state parameter cannot be decoded.
// Anything the codec did not produce itself is rejected.
var ErrInvalidState = errors.New("invalid state parameter")

// StateCodec round-trips a small string map opaquely through the upstream
// identity provider via the OAuth state query parameter. The payload is
// sealed with direct-mode A256GCM so a relying party can neither read nor
// forge it.
type StateCodec struct {
	key []byte
	enc jose.Encrypter
}

// NewStateCodec creates a codec sealed with the given 32-byte key.
func NewStateCodec(key []byte) (*StateCodec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("state codec requires a 32-byte key, got %d", len(key))
	}

	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state encrypter: %w", err)
	}

	return &StateCodec{key: key, enc: enc}, nil
}

// Encode seals the state map into an opaque compact JWE string.
func (c *StateCodec) Encode(state map[string]string) (string, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize state: %w", err)
	}

	obj, err := c.enc.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("failed to seal state: %w", err)
	}

	return obj.CompactSerialize()
}

// Decode unseals a state string produced by Encode. Any tampered, truncated
// or foreign input yields ErrInvalidState.
func (c *StateCodec) Decode(raw string) (map[string]string, error) {
	obj, err := jose.ParseEncrypted(raw,
		[]jose.KeyAlgorithm{jose.DIRECT},
		[]jose.ContentEncryption{jose.A256GCM},
	)
	if err != nil {
		return nil, ErrInvalidState
	}

	payload, err := obj.Decrypt(c.key)
	if err != nil {
		return nil, ErrInvalidState
	}

	var state map[string]string
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, ErrInvalidState
	}
	return state, nil
}
