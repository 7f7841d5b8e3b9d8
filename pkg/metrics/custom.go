package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "refwallet"

var (
	TaskRunTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_run_total",
		Help:      "Background task runs by result.",
	}, []string{"task", "result"})

	TaskRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_run_duration_seconds",
		Help:      "Background task run latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"task"})

	ProviderCallTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_call_total",
		Help:      "Ledger provider calls by result (ok/error/timeout/open).",
	}, []string{"network", "op", "result"})

	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "Ledger provider call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"network", "op"})

	CBState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuitbreaker_state",
		Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	DepositCreditedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deposit_credited_total",
		Help:      "Deposits credited exactly once.",
	}, []string{"network", "currency"})

	OrderTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "order_transition_total",
		Help:      "Pending order state transitions.",
	}, []string{"to"})

	WithdrawalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "withdrawal_total",
		Help:      "Withdrawals by final status.",
	}, []string{"network", "status"})

	ConsolidationItemTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "consolidation_item_total",
		Help:      "Consolidation items by status.",
	}, []string{"network", "status"})

	VaultAccessTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "vault_access_total",
		Help:      "Key vault accesses by purpose and outcome.",
	}, []string{"purpose", "outcome"})
)
