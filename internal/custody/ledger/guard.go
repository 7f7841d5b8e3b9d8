package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"refwallet.com/internal/custody/domain"
	"refwallet.com/pkg/metrics"
	"refwallet.com/pkg/ratelimit"
	"refwallet.com/pkg/safe"
)

// Guard 每次调用单独一个协程 + 硬超时，熔断打开时快速失败。
// 卡住的调用只会占住自己的协程，不会阻塞其他请求
type Guard struct {
	inner    Provider
	timeout  time.Duration
	breakers *ratelimit.Manager
}

var _ Provider = (*Guard)(nil)

func NewGuard(inner Provider, timeout time.Duration, breakers *ratelimit.Manager) *Guard {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if breakers == nil {
		breakers = ratelimit.NewManager(ratelimit.Rule{}, nil)
	}
	return &Guard{inner: inner, timeout: timeout, breakers: breakers}
}

func (g *Guard) Network() string { return g.inner.Network() }

func (g *Guard) CanListTransfers(a Asset) bool { return CanListTransfers(g.inner, a) }

func (g *Guard) DeriveAddress(ctx context.Context, seed []byte, p Path) (DerivedAddress, error) {
	return call(ctx, g, "derive", func(ctx context.Context) (DerivedAddress, error) {
		return g.inner.DeriveAddress(ctx, seed, p)
	})
}

func (g *Guard) GetBalance(ctx context.Context, address string) (Balance, error) {
	return call(ctx, g, "balance", func(ctx context.Context) (Balance, error) {
		return g.inner.GetBalance(ctx, address)
	})
}

func (g *Guard) ListTransfers(ctx context.Context, address string, f TransferFilter) (TransferPage, error) {
	return call(ctx, g, "list", func(ctx context.Context) (TransferPage, error) {
		return g.inner.ListTransfers(ctx, address, f)
	})
}

func (g *Guard) BroadcastTransfer(ctx context.Context, req TransferRequest) (string, error) {
	return call(ctx, g, "broadcast", func(ctx context.Context) (string, error) {
		return g.inner.BroadcastTransfer(ctx, req)
	})
}

type result[T any] struct {
	v   T
	err error
}

func call[T any](ctx context.Context, g *Guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	network := g.inner.Network()
	cb := g.breakers.Get(network + ":" + op)
	start := time.Now()

	out, err := cb.Execute(func() (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		ch := make(chan result[T], 1)
		safe.GoCtx(callCtx, func(callCtx context.Context) {
			v, err := fn(callCtx)
			ch <- result[T]{v: v, err: err}
		})

		select {
		case r := <-ch:
			return r.v, r.err
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s %s after %s: %w", network, op, g.timeout, domain.ErrProviderTimeout)
		}
	})
	metrics.ProviderCallDuration.WithLabelValues(network, op).Observe(time.Since(start).Seconds())

	var zero T
	switch {
	case err == nil:
		metrics.ProviderCallTotal.WithLabelValues(network, op, "ok").Inc()
		v, _ := out.(T)
		return v, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.ProviderCallTotal.WithLabelValues(network, op, "open").Inc()
		return zero, fmt.Errorf("%s %s: %w", network, op, domain.ErrProviderUnavailable)
	case errors.Is(err, domain.ErrProviderTimeout):
		metrics.ProviderCallTotal.WithLabelValues(network, op, "timeout").Inc()
		return zero, err
	default:
		metrics.ProviderCallTotal.WithLabelValues(network, op, "error").Inc()
		return zero, err
	}
}
