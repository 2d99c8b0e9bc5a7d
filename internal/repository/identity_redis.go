package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"store-auth/internal/model"
)

const (
	redisNotFound   = -1
	redisEmailTaken = -2
	redisTimeLayout = time.RFC3339Nano
	fieldVersion    = "token_version"
	fieldRefreshID  = "current_refresh_token_id"
)

// KEYS[1]=identity hash, KEYS[2]=email index, KEYS[3]=id set; ARGV[1]=id, ARGV[2..]=field/value pairs.
var createIdentityLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
  return -2
end
redis.call("SET", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("SADD", KEYS[3], ARGV[1])
return 1
`)

// KEYS[1]=identity hash, KEYS[2]=new email index; ARGV[1]=id, ARGV[2]=email index prefix, ARGV[3..]=pairs.
var saveIdentityLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
local owner = redis.call("GET", KEYS[2])
if owner and owner ~= ARGV[1] then
  return -2
end
local old_email = redis.call("HGET", KEYS[1], "email")
if old_email then
  redis.call("DEL", ARGV[2] .. old_email)
end
redis.call("SET", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 3))
return 1
`)

var incrementVersionLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
return redis.call("HINCRBY", KEYS[1], "token_version", 1)
`)

var compareAndIncrementVersionLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return {-1, 0}
end
local current = tonumber(redis.call("HGET", KEYS[1], "token_version"))
if current ~= tonumber(ARGV[1]) then
  return {0, current}
end
return {1, redis.call("HINCRBY", KEYS[1], "token_version", 1)}
`)

// KEYS[1]=identity hash; ARGV=field/value pairs written only if the hash exists.
var setFieldsLua = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -1
end
redis.call("HSET", KEYS[1], unpack(ARGV))
return 1
`)

// RedisIdentityStore keeps each identity in a hash with an email index.
// Every mutation runs as a Lua script so the token version never races.
type RedisIdentityStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisIdentityStore(client redis.UniversalClient, prefix string) *RedisIdentityStore {
	return &RedisIdentityStore{client: client, prefix: prefix}
}

func (s *RedisIdentityStore) identityKey(id string) string {
	return s.prefix + "identity:" + id
}

func (s *RedisIdentityStore) emailPrefix() string {
	return s.prefix + "identity:email:"
}

func (s *RedisIdentityStore) setKey() string {
	return s.prefix + "identities"
}

func (s *RedisIdentityStore) FindByID(ctx context.Context, id string) (model.Identity, error) {
	values, err := s.client.HGetAll(ctx, s.identityKey(id)).Result()
	if err != nil {
		return model.Identity{}, fmt.Errorf("redis find identity: %w", err)
	}
	if len(values) == 0 {
		return model.Identity{}, model.ErrUserNotFound
	}
	return decodeIdentity(values)
}

func (s *RedisIdentityStore) FindByEmail(ctx context.Context, email string) (model.Identity, error) {
	id, err := s.client.Get(ctx, s.emailPrefix()+normalizeEmail(email)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Identity{}, model.ErrUserNotFound
	}
	if err != nil {
		return model.Identity{}, fmt.Errorf("redis find identity by email: %w", err)
	}
	return s.FindByID(ctx, id)
}

func (s *RedisIdentityStore) List(ctx context.Context) ([]model.Identity, error) {
	ids, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list identities: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, s.identityKey(id)))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("redis list identities: %w", err)
		}
	}

	identities := make([]model.Identity, 0, len(cmds))
	for _, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			continue
		}
		identity, err := decodeIdentity(values)
		if err != nil {
			return nil, err
		}
		identities = append(identities, identity)
	}
	sort.Slice(identities, func(i int, j int) bool {
		return identities[i].Email < identities[j].Email
	})
	return identities, nil
}

func (s *RedisIdentityStore) Create(ctx context.Context, identity model.Identity) error {
	if identity.TokenVersion < model.BaselineTokenVersion {
		identity.TokenVersion = model.BaselineTokenVersion
	}
	identity.Email = normalizeEmail(identity.Email)

	args := append([]any{identity.ID}, encodeIdentity(identity, true)...)
	result, err := createIdentityLua.Run(ctx, s.client,
		[]string{s.identityKey(identity.ID), s.emailPrefix() + identity.Email, s.setKey()},
		args...).Int()
	if err != nil {
		return fmt.Errorf("redis create identity: %w", err)
	}
	if result == redisEmailTaken {
		return model.ErrUserAlreadyExists
	}
	return nil
}

func (s *RedisIdentityStore) Save(ctx context.Context, identity model.Identity) error {
	identity.Email = normalizeEmail(identity.Email)
	identity.UpdatedAt = time.Now().UTC()

	args := append([]any{identity.ID, s.emailPrefix()}, encodeIdentity(identity, false)...)
	result, err := saveIdentityLua.Run(ctx, s.client,
		[]string{s.identityKey(identity.ID), s.emailPrefix() + identity.Email},
		args...).Int()
	if err != nil {
		return fmt.Errorf("redis save identity: %w", err)
	}

	switch result {
	case redisNotFound:
		return model.ErrUserNotFound
	case redisEmailTaken:
		return model.ErrUserAlreadyExists
	}
	return nil
}

func (s *RedisIdentityStore) IncrementTokenVersion(ctx context.Context, id string) (int, error) {
	version, err := incrementVersionLua.Run(ctx, s.client, []string{s.identityKey(id)}).Int()
	if err != nil {
		return 0, fmt.Errorf("redis increment token version: %w", err)
	}
	if version == redisNotFound {
		return 0, model.ErrUserNotFound
	}
	return version, nil
}

func (s *RedisIdentityStore) CompareAndIncrementTokenVersion(ctx context.Context, id string, expected int) (int, bool, error) {
	result, err := compareAndIncrementVersionLua.Run(ctx, s.client, []string{s.identityKey(id)}, expected).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis compare and increment token version: %w", err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("redis compare and increment token version: unexpected reply %v", result)
	}

	switch result[0] {
	case redisNotFound:
		return 0, false, model.ErrUserNotFound
	case 0:
		return int(result[1]), false, nil
	default:
		return int(result[1]), true, nil
	}
}

func (s *RedisIdentityStore) ClearCurrentRefreshToken(ctx context.Context, id string) error {
	return s.setFields(ctx, "clear current refresh token", id, fieldRefreshID, "")
}

func (s *RedisIdentityStore) RecordLogin(ctx context.Context, id string, at time.Time, refreshID string) error {
	return s.setFields(ctx, "record login", id,
		"last_login", at.UTC().Format(redisTimeLayout),
		fieldRefreshID, refreshID,
	)
}

func (s *RedisIdentityStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.setFields(ctx, "set identity active", id, "active", strconv.FormatBool(active))
}

func (s *RedisIdentityStore) SetRole(ctx context.Context, id string, role model.Role) error {
	return s.setFields(ctx, "set identity role", id, "role", string(role))
}

func (s *RedisIdentityStore) setFields(ctx context.Context, op string, id string, pairs ...any) error {
	pairs = append(pairs, "updated_at", time.Now().UTC().Format(redisTimeLayout))
	result, err := setFieldsLua.Run(ctx, s.client, []string{s.identityKey(id)}, pairs...).Int()
	if err != nil {
		return fmt.Errorf("redis %s: %w", op, err)
	}
	if result == redisNotFound {
		return model.ErrUserNotFound
	}
	return nil
}

// encodeIdentity flattens an identity into HSET field/value pairs. The token
// version is only written on create.
func encodeIdentity(identity model.Identity, withVersion bool) []any {
	lastLogin := ""
	if identity.LastLogin != nil {
		lastLogin = identity.LastLogin.UTC().Format(redisTimeLayout)
	}

	pairs := []any{
		"id", identity.ID,
		"email", identity.Email,
		"name", identity.Name,
		"password_hash", identity.PasswordHash,
		"role", string(identity.Role),
		"active", strconv.FormatBool(identity.Active),
		fieldRefreshID, identity.CurrentRefreshTokenID,
		"last_login", lastLogin,
		"updated_at", identity.UpdatedAt.UTC().Format(redisTimeLayout),
	}
	if withVersion {
		pairs = append(pairs,
			fieldVersion, strconv.Itoa(identity.TokenVersion),
			"created_at", identity.CreatedAt.UTC().Format(redisTimeLayout),
		)
	}
	return pairs
}

func decodeIdentity(values map[string]string) (model.Identity, error) {
	version, err := strconv.Atoi(values[fieldVersion])
	if err != nil {
		return model.Identity{}, fmt.Errorf("decode identity %s: token version: %w", values["id"], err)
	}
	active, err := strconv.ParseBool(values["active"])
	if err != nil {
		return model.Identity{}, fmt.Errorf("decode identity %s: active flag: %w", values["id"], err)
	}

	identity := model.Identity{
		ID:                    values["id"],
		Email:                 values["email"],
		Name:                  values["name"],
		PasswordHash:          values["password_hash"],
		Role:                  model.Role(values["role"]),
		Active:                active,
		TokenVersion:          version,
		CurrentRefreshTokenID: values[fieldRefreshID],
		CreatedAt:             parseRedisTime(values["created_at"]),
		UpdatedAt:             parseRedisTime(values["updated_at"]),
	}
	if raw := values["last_login"]; raw != "" {
		at := parseRedisTime(raw)
		identity.LastLogin = &at
	}
	return identity, nil
}

func parseRedisTime(raw string) time.Time {
	at, err := time.Parse(redisTimeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return at
}
