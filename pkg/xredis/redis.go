package xredis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

func NewRedis(c *Config) (*redis.Client, error) {
	poolSize := c.PoolSize
	if poolSize <= 0 {
		poolSize = 50
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     poolSize,
		MinIdleConns: 5,
	})

	// 启动时 Ping 一下，确保连接通畅
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", c.Addr, err)
	}
	return rdb, nil
}

// SeenSet 已处理交易的快速判重集合，只是提示，权威判重在数据库唯一索引
type SeenSet struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewSeenSet(rdb *redis.Client, key string, ttl time.Duration) *SeenSet {
	return &SeenSet{rdb: rdb, key: key, ttl: ttl}
}

func (s *SeenSet) Seen(ctx context.Context, member string) (bool, error) {
	return s.rdb.SIsMember(ctx, s.key, member).Result()
}

func (s *SeenSet) Mark(ctx context.Context, member string) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, s.key, member)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}
