package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/pixelmarket/internal/backend/database"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "pixelmarket"

// expiredTokenRetention is how long a token outlives its expiry so that late
// redemptions still report it as expired rather than unknown.
const expiredTokenRetention = 7 * 24 * time.Hour

// createScript stores the token hash and the transaction index only if neither
// exists. Both keys expire at ARGV[2] (unix millis).
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('SET', KEYS[2], ARGV[1])
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
redis.call('PEXPIREAT', KEYS[2], ARGV[2])
return 1
`)

// claimScript flips used to 1 when the token exists, is unexpired at ARGV[1] and unused.
var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 'not_found'
end
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if expires <= tonumber(ARGV[1]) then
	return 'expired'
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
	return 'used'
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1])
return 'ok'
`)

type redisToken struct {
	ID            string `redis:"id"`
	TransactionID string `redis:"transaction_id"`
	BuyerID       string `redis:"buyer_id"`
	ImageID       string `redis:"image_id"`
	Value         string `redis:"value"`
	ExpiresAt     int64  `redis:"expires_at"`
	Used          bool   `redis:"used"`
	UsedAt        int64  `redis:"used_at"`
	CreatedAt     int64  `redis:"created_at"`
}

// RedisTokenStore keeps download tokens in Redis hashes keyed by token value
// with a secondary key per transaction.
type RedisTokenStore struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenStore(client *redis.Client, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisTokenStore{client: client, prefix: prefix}
}

// NewRedisTokenStoreFromURL parses a redis:// URL and checks the connection.
func NewRedisTokenStoreFromURL(ctx context.Context, url, prefix string) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisTokenStore(client, prefix), nil
}

func (r *RedisTokenStore) tokenKey(value string) string {
	return r.prefix + ":token:" + value
}

func (r *RedisTokenStore) transactionKey(transactionID string) string {
	return r.prefix + ":token-tx:" + transactionID
}

func (r *RedisTokenStore) CreateToken(ctx context.Context, tok *database.DownloadToken) error {
	used := "0"
	if tok.Used {
		used = "1"
	}
	var usedAt int64
	if tok.UsedAt != nil {
		usedAt = tok.UsedAt.UnixMilli()
	}

	args := []any{
		tok.Value,
		tok.ExpiresAt.Add(expiredTokenRetention).UnixMilli(),
		"id", tok.ID,
		"transaction_id", tok.TransactionID,
		"buyer_id", tok.BuyerID,
		"image_id", tok.ImageID,
		"value", tok.Value,
		"expires_at", tok.ExpiresAt.UnixMilli(),
		"used", used,
		"used_at", usedAt,
		"created_at", tok.CreatedAt.UnixMilli(),
	}
	created, err := createScript.Run(ctx, r.client,
		[]string{r.tokenKey(tok.Value), r.transactionKey(tok.TransactionID)}, args...).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return database.ErrAlreadyExists
	}
	return nil
}

func (r *RedisTokenStore) FindTokenByValue(ctx context.Context, value string) (*database.DownloadToken, error) {
	res := r.client.HGetAll(ctx, r.tokenKey(value))
	if err := res.Err(); err != nil {
		return nil, err
	}
	if len(res.Val()) == 0 {
		return nil, database.ErrNotFound
	}
	var rt redisToken
	if err := res.Scan(&rt); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return rt.toModel(), nil
}

func (r *RedisTokenStore) FindTokenByTransaction(ctx context.Context, transactionID string) (*database.DownloadToken, error) {
	value, err := r.client.Get(ctx, r.transactionKey(transactionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.FindTokenByValue(ctx, value)
}

func (r *RedisTokenStore) ClaimToken(ctx context.Context, value string, now time.Time) (*database.DownloadToken, error) {
	outcome, err := claimScript.Run(ctx, r.client, []string{r.tokenKey(value)}, now.UnixMilli()).Text()
	if err != nil {
		return nil, err
	}
	switch outcome {
	case "ok":
		return r.FindTokenByValue(ctx, value)
	case "not_found":
		return nil, database.ErrNotFound
	case "expired":
		return nil, database.ErrTokenExpired
	case "used":
		return nil, database.ErrTokenUsed
	default:
		return nil, fmt.Errorf("unexpected claim outcome %q", outcome)
	}
}

func (r *RedisTokenStore) Close() error {
	return r.client.Close()
}

func (rt *redisToken) toModel() *database.DownloadToken {
	tok := &database.DownloadToken{
		ID:            rt.ID,
		TransactionID: rt.TransactionID,
		BuyerID:       rt.BuyerID,
		ImageID:       rt.ImageID,
		Value:         rt.Value,
		ExpiresAt:     time.UnixMilli(rt.ExpiresAt).UTC(),
		Used:          rt.Used,
		CreatedAt:     time.UnixMilli(rt.CreatedAt).UTC(),
	}
	if rt.Used && rt.UsedAt > 0 {
		usedAt := time.UnixMilli(rt.UsedAt).UTC()
		tok.UsedAt = &usedAt
	}
	return tok
}
