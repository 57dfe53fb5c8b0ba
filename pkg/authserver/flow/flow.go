// Package flow persists the short-lived state of in-progress authorization
// grants. A flow row is created when a client initiates a device or
// authorization-code grant, transitions to ready exactly once when the
// upstream identity provider calls back with an ID token, and is consumed
// atomically when the client exchanges it for a DIRAC token.
package flow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"
)

// Kind discriminates the two grant types a flow row can belong to.
type Kind string

// The flow kinds.
const (
	KindDevice        Kind = "device"
	KindAuthorization Kind = "authorization"
)

// Status is the lifecycle state of a flow row. Expiry is derived from
// CreatedAt and the TTL, not stored.
type Status string

// The flow statuses.
const (
	// StatusPending means the row awaits the upstream IdP callback.
	StatusPending Status = "pending"
	// StatusReady means the ID token is attached and the row can be
	// exchanged for a DIRAC token.
	StatusReady Status = "ready"
)

// Store errors. Handlers map these onto the wire-level OAuth error codes.
var (
	// ErrNotFound is returned when no live row matches the given code.
	ErrNotFound = errors.New("flow not found")
	// ErrPendingAuthorization is returned when a device flow is polled
	// before the user completed authentication upstream.
	ErrPendingAuthorization = errors.New("authorization pending")
	// ErrExpiredFlow is returned when the row outlived its TTL.
	ErrExpiredFlow = errors.New("flow expired")
	// ErrWrongStatus is returned when a transition is attempted on a row
	// that is not in the expected status.
	ErrWrongStatus = errors.New("flow is not in the expected status")
)

// Row is a persisted device or authorization-code grant in progress.
type Row struct {
	Kind     Kind
	ClientID string
	Scope    string
	Audience string

	// Device grant: the short human-typeable code and the opaque code the
	// client polls with.
	UserCode   string
	DeviceCode string

	// Authorization-code grant: the upstream-correlation id, the code
	// issued on completion, and the PKCE/redirect bindings.
	UUID                string
	Code                string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string

	Status    Status
	IDToken   map[string]string
	CreatedAt time.Time
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	clone := *r
	if r.IDToken != nil {
		clone.IDToken = make(map[string]string, len(r.IDToken))
		for k, v := range r.IDToken {
			clone.IDToken[k] = v
		}
	}
	return &clone
}

// expired reports whether the row is past its TTL at the given instant.
func (r *Row) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CreatedAt) > ttl
}

// Store is the persistence contract for flow rows. Every operation is
// atomic: concurrent consumers of the same code observe exactly one success.
type Store interface {
	// InsertDeviceFlow creates a pending device flow row and returns its
	// freshly generated user and device codes.
	InsertDeviceFlow(ctx context.Context, clientID, scope, audience string) (userCode, deviceCode string, err error)

	// ValidateUserCode succeeds iff a live device row with the given user
	// code exists. It does not mutate the row.
	ValidateUserCode(ctx context.Context, userCode string, ttl time.Duration) error

	// DeviceFlowAttachIDToken transitions the matching pending device row
	// to ready, storing the verified ID token claims.
	DeviceFlowAttachIDToken(ctx context.Context, userCode string, idToken map[string]string, ttl time.Duration) error

	// GetDeviceFlow returns and consumes the ready row for the device
	// code. A pending row yields ErrPendingAuthorization without being
	// consumed; a row past the TTL yields ErrExpiredFlow.
	GetDeviceFlow(ctx context.Context, deviceCode string, ttl time.Duration) (*Row, error)

	// InsertAuthorizationFlow creates a pending authorization-code row
	// and returns its correlation id.
	InsertAuthorizationFlow(ctx context.Context, clientID, scope, audience,
		codeChallenge, codeChallengeMethod, redirectURI string) (uuid string, err error)

	// AuthorizationFlowAttachIDToken transitions the matching pending row
	// to ready, allocates the authorization code the client will redeem,
	// and returns it together with the stored redirect URI.
	AuthorizationFlowAttachIDToken(ctx context.Context, uuid string, idToken map[string]string,
		ttl time.Duration) (code, redirectURI string, err error)

	// GetAuthorizationFlow returns and consumes the ready row for the
	// authorization code, analogous to GetDeviceFlow.
	GetAuthorizationFlow(ctx context.Context, code string, ttl time.Duration) (*Row, error)

	// Health reports whether the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// userCodeAlphabet excludes characters that are easily confused when read
// aloud or typed (0/O, 1/I/L).
const userCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// userCodeLength is the number of characters in a user code.
const userCodeLength = 8

// newUserCode generates a short human-typeable code. Uniqueness among live
// rows is enforced by the store, which retries on collision.
func newUserCode() string {
	buf := make([]byte, userCodeLength)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	for i := range buf {
		// 256 is not a multiple of the alphabet size; the bias is
		// immaterial for a collision-checked, short-lived code.
		buf[i] = userCodeAlphabet[int(buf[i])%len(userCodeAlphabet)]
	}
	return string(buf)
}

// newOpaqueCode generates an unguessable 256-bit code for device codes and
// authorization codes.
func newOpaqueCode() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
