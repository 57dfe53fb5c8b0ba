package flow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// DefaultCleanupInterval is how often the background garbage collector runs.
const DefaultCleanupInterval = time.Minute

// defaultRetention is how long a row is kept before garbage collection.
// Access-time TTL checks are authoritative; retention only bounds memory.
const defaultRetention = time.Hour

// maxCodeAttempts bounds the collision-retry loop for user codes.
const maxCodeAttempts = 10

// MemoryStore implements Store with in-memory maps. It is safe for
// concurrent use and suitable for a single-replica deployment and for tests;
// multi-replica deployments need the Redis store.
type MemoryStore struct {
	mu sync.RWMutex

	// devices maps device_code -> row; userIndex maps user_code to the
	// owning device_code for the browser-facing lookups.
	devices   map[string]*Row
	userIndex map[string]string

	// authFlows maps the correlation uuid -> row; codeIndex maps the
	// issued authorization code to the owning uuid.
	authFlows map[string]*Row
	codeIndex map[string]string

	retention       time.Duration
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupInterval sets a custom garbage-collection interval.
func WithCleanupInterval(interval time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupInterval = interval
	}
}

// WithRetention sets how long rows are kept before garbage collection.
func WithRetention(retention time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.retention = retention
	}
}

// NewMemoryStore creates a MemoryStore and starts its background garbage
// collector.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		devices:         make(map[string]*Row),
		userIndex:       make(map[string]string),
		authFlows:       make(map[string]*Row),
		codeIndex:       make(map[string]string),
		retention:       defaultRetention,
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Health is a no-op for the in-memory store.
func (*MemoryStore) Health(_ context.Context) error {
	return nil
}

// Close stops the garbage collector and waits for it to finish.
func (s *MemoryStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired drops rows older than the retention horizon.
func (s *MemoryStore) cleanupExpired() {
	cutoff := time.Now().Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	for deviceCode, row := range s.devices {
		if row.CreatedAt.Before(cutoff) {
			delete(s.userIndex, row.UserCode)
			delete(s.devices, deviceCode)
		}
	}
	for id, row := range s.authFlows {
		if row.CreatedAt.Before(cutoff) {
			if row.Code != "" {
				delete(s.codeIndex, row.Code)
			}
			delete(s.authFlows, id)
		}
	}
}

// InsertDeviceFlow creates a pending device row with fresh codes.
func (s *MemoryStore) InsertDeviceFlow(_ context.Context, clientID, scope, audience string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var userCode string
	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			return "", "", fmt.Errorf("failed to allocate a unique user code after %d attempts", maxCodeAttempts)
		}
		userCode = newUserCode()
		if _, taken := s.userIndex[userCode]; !taken {
			break
		}
		logger.Debugw("user code collision, retrying", "attempt", attempt)
	}

	deviceCode := newOpaqueCode()
	s.devices[deviceCode] = &Row{
		Kind:       KindDevice,
		ClientID:   clientID,
		Scope:      scope,
		Audience:   audience,
		UserCode:   userCode,
		DeviceCode: deviceCode,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
	s.userIndex[userCode] = deviceCode

	return userCode, deviceCode, nil
}

// ValidateUserCode succeeds iff a live device row carries the user code.
func (s *MemoryStore) ValidateUserCode(_ context.Context, userCode string, ttl time.Duration) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.deviceByUserCode(userCode)
	if row == nil || row.expired(time.Now(), ttl) {
		return ErrNotFound
	}
	return nil
}

// DeviceFlowAttachIDToken transitions a pending device row to ready.
func (s *MemoryStore) DeviceFlowAttachIDToken(_ context.Context, userCode string, idToken map[string]string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.deviceByUserCode(userCode)
	if row == nil || row.expired(time.Now(), ttl) {
		return ErrNotFound
	}
	if row.Status != StatusPending {
		return ErrWrongStatus
	}

	row.IDToken = idToken
	row.Status = StatusReady
	return nil
}

// GetDeviceFlow returns and consumes a ready device row.
func (s *MemoryStore) GetDeviceFlow(_ context.Context, deviceCode string, ttl time.Duration) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.devices[deviceCode]
	if !ok {
		return nil, ErrNotFound
	}
	if row.expired(time.Now(), ttl) {
		delete(s.userIndex, row.UserCode)
		delete(s.devices, deviceCode)
		return nil, ErrExpiredFlow
	}
	if row.Status == StatusPending {
		// Polled before the upstream callback; leave the row in place.
		return nil, ErrPendingAuthorization
	}

	delete(s.userIndex, row.UserCode)
	delete(s.devices, deviceCode)
	return row.Clone(), nil
}

// InsertAuthorizationFlow creates a pending authorization-code row.
func (s *MemoryStore) InsertAuthorizationFlow(_ context.Context, clientID, scope, audience,
	codeChallenge, codeChallengeMethod, redirectURI string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.authFlows[id] = &Row{
		Kind:                KindAuthorization,
		ClientID:            clientID,
		Scope:               scope,
		Audience:            audience,
		UUID:                id,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Status:              StatusPending,
		CreatedAt:           time.Now(),
	}
	return id, nil
}

// AuthorizationFlowAttachIDToken transitions a pending row to ready and
// allocates the authorization code the client will redeem.
func (s *MemoryStore) AuthorizationFlowAttachIDToken(_ context.Context, id string, idToken map[string]string,
	ttl time.Duration) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.authFlows[id]
	if !ok || row.expired(time.Now(), ttl) {
		return "", "", ErrNotFound
	}
	if row.Status != StatusPending {
		return "", "", ErrWrongStatus
	}

	code := newOpaqueCode()
	row.Code = code
	row.IDToken = idToken
	row.Status = StatusReady
	s.codeIndex[code] = id

	return code, row.RedirectURI, nil
}

// GetAuthorizationFlow returns and consumes a ready authorization-code row.
func (s *MemoryStore) GetAuthorizationFlow(_ context.Context, code string, ttl time.Duration) (*Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.codeIndex[code]
	if !ok {
		return nil, ErrNotFound
	}
	row, ok := s.authFlows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if row.expired(time.Now(), ttl) {
		delete(s.codeIndex, code)
		delete(s.authFlows, id)
		return nil, ErrExpiredFlow
	}
	if row.Status != StatusReady {
		return nil, ErrPendingAuthorization
	}

	delete(s.codeIndex, code)
	delete(s.authFlows, id)
	return row.Clone(), nil
}

// deviceByUserCode resolves the secondary index. Caller holds the lock.
func (s *MemoryStore) deviceByUserCode(userCode string) *Row {
	deviceCode, ok := s.userIndex[userCode]
	if !ok {
		return nil
	}
	return s.devices[deviceCode]
}

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)
