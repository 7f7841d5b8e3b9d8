package ratelimit

import (
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"refwallet.com/pkg/metrics"
	"refwallet.com/pkg/xerr"
)

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32 `mapstructure:"max_requests"`
	// Closed 状态计数窗口
	Interval time.Duration `mapstructure:"interval"`
	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration `mapstructure:"timeout"`

	TripConsecutiveFailures uint32  `mapstructure:"trip_consecutive_failures"`
	TripFailureRate         float64 `mapstructure:"trip_failure_rate"` // 0~1
	TripMinRequests         uint32  `mapstructure:"trip_min_requests"`
}

// Manager 按名字懒加载熔断器，名字一般是 network:op
type Manager struct {
	mu sync.RWMutex
	m  map[string]*gobreaker.CircuitBreaker[any]

	defaultRule Rule
	rules       map[string]Rule
}

func NewManager(defaultRule Rule, perName map[string]Rule) *Manager {
	if defaultRule.MaxRequests == 0 {
		defaultRule.MaxRequests = 1
	}
	if defaultRule.Timeout <= 0 {
		defaultRule.Timeout = 30 * time.Second
	}
	if defaultRule.Interval <= 0 {
		defaultRule.Interval = time.Minute
	}
	if defaultRule.TripConsecutiveFailures == 0 && defaultRule.TripFailureRate == 0 {
		defaultRule.TripConsecutiveFailures = 5
	}
	if defaultRule.TripMinRequests == 0 {
		defaultRule.TripMinRequests = 20
	}
	return &Manager{
		m:           make(map[string]*gobreaker.CircuitBreaker[any], 16),
		defaultRule: defaultRule,
		rules:       perName,
	}
}

func (m *Manager) Get(name string) *gobreaker.CircuitBreaker[any] {
	m.mu.RLock()
	cb := m.m[name]
	m.mu.RUnlock()
	if cb != nil {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb = m.m[name]; cb != nil {
		return cb
	}

	rule, ok := m.rules[name]
	if !ok {
		rule = m.defaultRule
	}
	cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures {
				return true
			}
			if rule.TripFailureRate > 0 && c.Requests >= rule.TripMinRequests {
				return float64(c.TotalFailures)/float64(c.Requests) >= rule.TripFailureRate
			}
			return false
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name).Set(float64(to))
		},
	})
	m.m[name] = cb
	return cb
}

// 业务可预期的错误不代表下游不健康，不计入熔断
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	switch xerr.Code(err) {
	case xerr.InvalidAddress, xerr.InsufficientBalance, xerr.RequestParamsError:
		return true
	}
	return false
}
