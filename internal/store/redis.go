package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Store on a go-redis client. The compound primitives run
// as Lua scripts so they stay atomic when several processes share the
// instance.
type Redis struct {
	client        *redis.Client
	claimScript   *redis.Script
	setNXScript   *redis.Script
	delIfEqScript *redis.Script
}

// RedisOptions configures the connection used by NewRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects to Redis and verifies the connection with a PING.
func NewRedis(opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis connection failed: %w", err)
	}

	return NewRedisFromClient(client), nil
}

// NewRedisFromClient wraps an existing client. The caller keeps ownership of
// connection setup; Close closes the client.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{
		client:        client,
		claimScript:   redis.NewScript(claimAllLua),
		setNXScript:   redis.NewScript(setAllNXLua),
		delIfEqScript: redis.NewScript(delIfEqualsLua),
	}
}

var _ Store = (*Redis)(nil)

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client {
	return r.client
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining time to live. Keys without expiry report -1s and
// missing keys return ErrNotFound.
func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports -2 (missing) as a raw -2ns duration.
	if ttl == -2 {
		return 0, ErrNotFound
	}
	if ttl == -1 {
		return -time.Second, nil
	}
	return ttl, nil
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return r.client.SAdd(ctx, key, toArgs(members)...).Err()
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return r.client.SRem(ctx, key, toArgs(members)...).Err()
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	return r.client.SCard(ctx, key).Result()
}

func (r *Redis) ClaimAll(ctx context.Context, keys []string, set string, members []string) (bool, error) {
	if len(keys) == 0 {
		return false, nil
	}
	allKeys := append(append([]string{}, keys...), set)
	n, err := r.claimScript.Run(ctx, r.client, allKeys, toArgs(members)...).Int()
	if err != nil {
		return false, fmt.Errorf("store: claim: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) SetAllNX(ctx context.Context, pairs []KV, ttl time.Duration) (string, error) {
	if len(pairs) == 0 {
		return "", nil
	}
	keys := make([]string, len(pairs))
	args := make([]interface{}, 0, len(pairs)+1)
	args = append(args, ttl.Milliseconds())
	for i, p := range pairs {
		keys[i] = p.Key
		args = append(args, p.Value)
	}
	conflict, err := r.setNXScript.Run(ctx, r.client, keys, args...).Text()
	if err != nil {
		return "", fmt.Errorf("store: set all nx: %w", err)
	}
	return conflict, nil
}

func (r *Redis) DelIfEquals(ctx context.Context, key, value string) (bool, error) {
	n, err := r.delIfEqScript.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("store: del if equals: %w", err)
	}
	return n == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}

// claimAllLua: KEYS[1..n-1] must all exist, KEYS[n] is the set to remove
// ARGV members from.
const claimAllLua = `
local n = #KEYS
for i = 1, n - 1 do
    if redis.call('EXISTS', KEYS[i]) == 0 then
        return 0
    end
end
for i = 1, n - 1 do
    redis.call('DEL', KEYS[i])
end
if #ARGV > 0 then
    redis.call('SREM', KEYS[n], unpack(ARGV))
end
return 1
`

// setAllNXLua: ARGV[1] is the ttl in milliseconds (0 = no expiry), ARGV[2..]
// are the values for KEYS in order. Returns the first existing key or "".
const setAllNXLua = `
for i = 1, #KEYS do
    if redis.call('EXISTS', KEYS[i]) == 1 then
        return KEYS[i]
    end
end
local ttl = tonumber(ARGV[1])
for i = 1, #KEYS do
    if ttl > 0 then
        redis.call('SET', KEYS[i], ARGV[i + 1], 'PX', ttl)
    else
        redis.call('SET', KEYS[i], ARGV[i + 1])
    end
end
return ''
`

const delIfEqualsLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`
