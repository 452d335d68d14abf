package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLeases keeps lock leases in Redis hashes (<prefix><account> -> owner, hb).
// The conditional update runs as a Lua script so it is atomic across instances.
type RedisLeases struct {
	cli    redis.UniversalClient
	prefix string
}

var (
	acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner')
local hb = tonumber(redis.call('HGET', KEYS[1], 'hb') or '0')
if (not owner) or owner == '' or owner == ARGV[1] or hb < tonumber(ARGV[3]) then
  redis.call('HSET', KEYS[1], 'owner', ARGV[1], 'hb', ARGV[2])
  return 1
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0`)

	heartbeatScript = redis.NewScript(`
local n = 0
for i, key in ipairs(KEYS) do
  if redis.call('HGET', key, 'owner') == ARGV[1] then
    redis.call('HSET', key, 'hb', ARGV[2])
    n = n + 1
  end
end
return n`)
)

// RedisOptions configures NewRedisLeases.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

func NewRedisLeases(opt RedisOptions) *RedisLeases {
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         opt.Addr,
		Password:     opt.Password,
		DB:           opt.DB,
		DialTimeout:  opt.Timeout,
		ReadTimeout:  opt.Timeout,
		WriteTimeout: opt.Timeout,
	})
	return NewRedisLeasesWithClient(cli, opt.Prefix)
}

func NewRedisLeasesWithClient(cli redis.UniversalClient, prefix string) *RedisLeases {
	if prefix == "" {
		prefix = "wagate:lease:"
	}
	return &RedisLeases{cli: cli, prefix: prefix}
}

func (r *RedisLeases) key(accountID string) string { return r.prefix + accountID }

func (r *RedisLeases) Ping(ctx context.Context) error { return r.cli.Ping(ctx).Err() }

func (r *RedisLeases) Close() error { return r.cli.Close() }

func (r *RedisLeases) AcquireLease(ctx context.Context, accountID, owner string, now time.Time, grace time.Duration) error {
	return acquireScript.Run(ctx, r.cli, []string{r.key(accountID)},
		owner, now.UnixMilli(), now.Add(-grace).UnixMilli()).Err()
}

func (r *RedisLeases) GetLease(ctx context.Context, accountID string) (Lease, error) {
	vals, err := r.cli.HGetAll(ctx, r.key(accountID)).Result()
	if err != nil {
		return Lease{}, err
	}
	if len(vals) == 0 {
		return Lease{}, ErrNotFound
	}
	hb, _ := strconv.ParseInt(vals["hb"], 10, 64)
	return Lease{AccountID: accountID, Owner: vals["owner"], Heartbeat: fromMS(hb)}, nil
}

func (r *RedisLeases) ReleaseLease(ctx context.Context, accountID, owner string) error {
	return releaseScript.Run(ctx, r.cli, []string{r.key(accountID)}, owner).Err()
}

func (r *RedisLeases) HeartbeatLeases(ctx context.Context, owner string, accountIDs []string, now time.Time) error {
	if len(accountIDs) == 0 {
		return nil
	}
	keys := make([]string, len(accountIDs))
	for i, id := range accountIDs {
		keys[i] = r.key(id)
	}
	return heartbeatScript.Run(ctx, r.cli, keys, owner, now.UnixMilli()).Err()
}
