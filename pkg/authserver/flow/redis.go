package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/diracgrid/diracx-auth/pkg/logger"
)

// Key layout. Device rows are keyed by device code with a secondary index
// from user code; authorization rows are keyed by correlation uuid with a
// secondary index from the issued code.
const (
	deviceKeyPrefix   = "diracx:flow:device:"
	userKeyPrefix     = "diracx:flow:user:"
	authKeyPrefix     = "diracx:flow:auth:"
	codeKeyPrefix     = "diracx:flow:code:"
	redisRetention    = time.Hour
	redisProbeTimeout = 5 * time.Second
)

// redisRow is the JSON shape stored in Redis. CreatedAt is unix seconds so
// the Lua scripts can do the TTL arithmetic server-side.
type redisRow struct {
	Kind                Kind              `json:"kind"`
	ClientID            string            `json:"client_id"`
	Scope               string            `json:"scope"`
	Audience            string            `json:"audience"`
	UserCode            string            `json:"user_code"`
	DeviceCode          string            `json:"device_code"`
	UUID                string            `json:"uuid"`
	Code                string            `json:"code"`
	RedirectURI         string            `json:"redirect_uri"`
	CodeChallenge       string            `json:"code_challenge"`
	CodeChallengeMethod string            `json:"code_challenge_method"`
	Status              Status            `json:"status"`
	IDToken             map[string]string `json:"id_token,omitempty"`
	CreatedAt           int64             `json:"created_at"`
}

func (r *redisRow) toRow() *Row {
	return &Row{
		Kind:                r.Kind,
		ClientID:            r.ClientID,
		Scope:               r.Scope,
		Audience:            r.Audience,
		UserCode:            r.UserCode,
		DeviceCode:          r.DeviceCode,
		UUID:                r.UUID,
		Code:                r.Code,
		RedirectURI:         r.RedirectURI,
		CodeChallenge:       r.CodeChallenge,
		CodeChallengeMethod: r.CodeChallengeMethod,
		Status:              r.Status,
		IDToken:             r.IDToken,
		CreatedAt:           time.Unix(r.CreatedAt, 0),
	}
}

// attachScript moves a row from pending to ready, merging the ID token and
// any extra fields, without touching a row another replica already advanced.
// KEYS[1] row key. ARGV: now, ttl seconds, id_token JSON, extra JSON (may be
// "{}").
var attachScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 'NOTFOUND' end
local row = cjson.decode(raw)
if tonumber(ARGV[1]) - row.created_at > tonumber(ARGV[2]) then
  return 'NOTFOUND'
end
if row.status ~= 'pending' then return 'WRONGSTATUS' end
row.status = 'ready'
row.id_token = cjson.decode(ARGV[3])
for k, v in pairs(cjson.decode(ARGV[4])) do row[k] = v end
redis.call('SET', KEYS[1], cjson.encode(row), 'KEEPTTL')
return cjson.encode(row)
`)

// consumeScript returns and deletes a ready row together with its secondary
// index entry, so concurrent redeemers of the same code observe exactly one
// success. KEYS[1] row key. ARGV: now, ttl seconds, index key prefix, name
// of the row field holding the index value.
var consumeScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 'NOTFOUND' end
local row = cjson.decode(raw)
local idx = nil
local val = row[ARGV[4]]
if val and val ~= '' then idx = ARGV[3] .. val end
if tonumber(ARGV[1]) - row.created_at > tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  if idx then redis.call('DEL', idx) end
  return 'EXPIRED'
end
if row.status ~= 'ready' then return 'PENDING' end
redis.call('DEL', KEYS[1])
if idx then redis.call('DEL', idx) end
return raw
`)

// RedisStore implements Store on a Redis backend so multiple replicas can
// serve the same flows. Transitions that must be exactly-once run as Lua
// scripts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisProbeTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Infow("connected to redis flow store", "addr", opts.Addr, "db", opts.DB)
	return &RedisStore{client: client}, nil
}

// Health pings the backend.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// InsertDeviceFlow creates a pending device row with fresh codes. The user
// code is reserved with SET NX so replicas never hand out duplicates.
func (s *RedisStore) InsertDeviceFlow(ctx context.Context, clientID, scope, audience string) (string, string, error) {
	deviceCode := newOpaqueCode()

	var userCode string
	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			return "", "", fmt.Errorf("failed to allocate a unique user code after %d attempts", maxCodeAttempts)
		}
		userCode = newUserCode()
		reserved, err := s.client.SetNX(ctx, userKeyPrefix+userCode, deviceCode, redisRetention).Result()
		if err != nil {
			return "", "", fmt.Errorf("failed to reserve user code: %w", err)
		}
		if reserved {
			break
		}
		logger.Debugw("user code collision, retrying", "attempt", attempt)
	}

	row := &redisRow{
		Kind:       KindDevice,
		ClientID:   clientID,
		Scope:      scope,
		Audience:   audience,
		UserCode:   userCode,
		DeviceCode: deviceCode,
		Status:     StatusPending,
		CreatedAt:  time.Now().Unix(),
	}
	if err := s.setRow(ctx, deviceKeyPrefix+deviceCode, row); err != nil {
		return "", "", err
	}

	return userCode, deviceCode, nil
}

// ValidateUserCode succeeds iff a live device row carries the user code.
func (s *RedisStore) ValidateUserCode(ctx context.Context, userCode string, ttl time.Duration) error {
	row, err := s.deviceByUserCode(ctx, userCode)
	if err != nil {
		return err
	}
	if time.Since(time.Unix(row.CreatedAt, 0)) > ttl {
		return ErrNotFound
	}
	return nil
}

// DeviceFlowAttachIDToken transitions a pending device row to ready.
func (s *RedisStore) DeviceFlowAttachIDToken(ctx context.Context, userCode string, idToken map[string]string, ttl time.Duration) error {
	deviceCode, err := s.client.Get(ctx, userKeyPrefix+userCode).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to resolve user code: %w", err)
	}

	_, err = s.runAttach(ctx, deviceKeyPrefix+deviceCode, idToken, nil, ttl)
	return err
}

// GetDeviceFlow returns and consumes a ready device row.
func (s *RedisStore) GetDeviceFlow(ctx context.Context, deviceCode string, ttl time.Duration) (*Row, error) {
	return s.runConsume(ctx, deviceKeyPrefix+deviceCode, userKeyPrefix, "user_code", ttl)
}

// InsertAuthorizationFlow creates a pending authorization-code row.
func (s *RedisStore) InsertAuthorizationFlow(ctx context.Context, clientID, scope, audience,
	codeChallenge, codeChallengeMethod, redirectURI string) (string, error) {
	id := uuid.NewString()
	row := &redisRow{
		Kind:                KindAuthorization,
		ClientID:            clientID,
		Scope:               scope,
		Audience:            audience,
		UUID:                id,
		RedirectURI:         redirectURI,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Status:              StatusPending,
		CreatedAt:           time.Now().Unix(),
	}
	if err := s.setRow(ctx, authKeyPrefix+id, row); err != nil {
		return "", err
	}
	return id, nil
}

// AuthorizationFlowAttachIDToken transitions a pending row to ready and
// allocates the authorization code the client will redeem.
func (s *RedisStore) AuthorizationFlowAttachIDToken(ctx context.Context, id string, idToken map[string]string,
	ttl time.Duration) (string, string, error) {
	code := newOpaqueCode()

	row, err := s.runAttach(ctx, authKeyPrefix+id, idToken, map[string]string{"code": code}, ttl)
	if err != nil {
		return "", "", err
	}

	if err := s.client.Set(ctx, codeKeyPrefix+code, id, redisRetention).Err(); err != nil {
		return "", "", fmt.Errorf("failed to index authorization code: %w", err)
	}

	return code, row.RedirectURI, nil
}

// GetAuthorizationFlow returns and consumes a ready authorization-code row.
// The code index lookup is a plain read; the row-level script still
// guarantees a single winner among concurrent redeemers.
func (s *RedisStore) GetAuthorizationFlow(ctx context.Context, code string, ttl time.Duration) (*Row, error) {
	id, err := s.client.Get(ctx, codeKeyPrefix+code).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve authorization code: %w", err)
	}

	return s.runConsume(ctx, authKeyPrefix+id, codeKeyPrefix, "code", ttl)
}

func (s *RedisStore) setRow(ctx context.Context, key string, row *redisRow) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to serialize flow row: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, redisRetention).Err(); err != nil {
		return fmt.Errorf("failed to store flow row: %w", err)
	}
	return nil
}

func (s *RedisStore) deviceByUserCode(ctx context.Context, userCode string) (*redisRow, error) {
	deviceCode, err := s.client.Get(ctx, userKeyPrefix+userCode).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve user code: %w", err)
	}

	raw, err := s.client.Get(ctx, deviceKeyPrefix+deviceCode).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to fetch flow row: %w", err)
	}

	var row redisRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return nil, fmt.Errorf("failed to deserialize flow row: %w", err)
	}
	return &row, nil
}

func (s *RedisStore) runAttach(ctx context.Context, rowKey string, idToken, extra map[string]string,
	ttl time.Duration) (*redisRow, error) {
	tokenJSON, err := json.Marshal(idToken)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize id token claims: %w", err)
	}
	if extra == nil {
		extra = map[string]string{}
	}
	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize row updates: %w", err)
	}

	res, err := attachScript.Run(ctx, s.client, []string{rowKey},
		time.Now().Unix(), int64(ttl.Seconds()), string(tokenJSON), string(extraJSON)).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to update flow row: %w", err)
	}

	switch res {
	case "NOTFOUND":
		return nil, ErrNotFound
	case "WRONGSTATUS":
		return nil, ErrWrongStatus
	}

	var row redisRow
	if err := json.Unmarshal([]byte(res), &row); err != nil {
		return nil, fmt.Errorf("failed to deserialize flow row: %w", err)
	}
	return &row, nil
}

func (s *RedisStore) runConsume(ctx context.Context, rowKey, indexPrefix, indexField string,
	ttl time.Duration) (*Row, error) {
	res, err := consumeScript.Run(ctx, s.client, []string{rowKey},
		time.Now().Unix(), int64(ttl.Seconds()), indexPrefix, indexField).Text()
	if err != nil {
		return nil, fmt.Errorf("failed to consume flow row: %w", err)
	}

	switch res {
	case "NOTFOUND":
		return nil, ErrNotFound
	case "EXPIRED":
		return nil, ErrExpiredFlow
	case "PENDING":
		return nil, ErrPendingAuthorization
	}

	var row redisRow
	if err := json.Unmarshal([]byte(res), &row); err != nil {
		return nil, fmt.Errorf("failed to deserialize flow row: %w", err)
	}
	return row.toRow(), nil
}

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)
