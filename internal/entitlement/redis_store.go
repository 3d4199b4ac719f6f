package entitlement

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const redisKeyPrefix = "aigateway:ratelimit:"

// RedisStore 每个主体一个有序集合，score 为请求毫秒时间戳
type RedisStore struct {
	rdb redis.Cmdable
}

func NewRedisStore(rdb redis.Cmdable) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// NewRedisClient 解析 REDIS_CONN_STRING 并检查连通性
func NewRedisClient(ctx context.Context, connString string) (*redis.Client, error) {
	opt, err := redis.ParseURL(connString)
	if err != nil {
		return nil, fmt.Errorf("entitlement: parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("entitlement: redis ping: %w", err)
	}
	return client, nil
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

// Hit 在一个 MULTI 中清理过期成员、加入本次请求并计数；超限时撤回本次成员。
// 并发超限时可能多拒绝，不会多放行。
func (s *RedisStore) Hit(ctx context.Context, key string, limit int64, window time.Duration, now time.Time) (int64, bool, error) {
	k := redisKey(key)
	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
	cutoff := strconv.FormatInt(now.Add(-window).UnixMilli(), 10)

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", cutoff)
	pipe.ZAdd(ctx, k, &redis.Z{Score: float64(now.UnixMilli()), Member: member})
	card := pipe.ZCard(ctx, k)
	pipe.Expire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, err
	}

	count := card.Val()
	if count > limit {
		if err := s.rdb.ZRem(ctx, k, member).Err(); err != nil {
			return count - 1, false, err
		}
		return count - 1, false, nil
	}
	return count, true, nil
}
