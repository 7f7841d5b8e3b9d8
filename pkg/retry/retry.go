package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/xerr"
)

type Policy struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxTries        uint          `mapstructure:"max_tries"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
}

// Default 对应链服务调用，3 次，最多 10 秒
func Default() Policy {
	return Policy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxTries:        3,
		MaxElapsed:      10 * time.Second,
	}
}

// Do 有界指数退避。只有 xerr.Retryable 的错误会重试，其他错误立即返回
func Do[T any](ctx context.Context, name string, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(tries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn(ctx, "retrying", zap.String("op", name), zap.Duration("next", next), zap.Error(err))
		}),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !xerr.Retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
